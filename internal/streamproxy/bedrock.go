package streamproxy

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
)

// BedrockDispatcher signs and sends custom.bedrock_invoke requests directly
// through the AWS SDK, bypassing HTTPDispatcher entirely since Bedrock
// requires SigV4 request signing rather than a bearer/API-key header.
type BedrockDispatcher struct {
	client *bedrockruntime.Client
}

func NewBedrockDispatcher(client *bedrockruntime.Client) *BedrockDispatcher {
	return &BedrockDispatcher{client: client}
}

// Invoke sends a non-streaming InvokeModel call, capped at MaxNonStreamBody.
func (d *BedrockDispatcher) Invoke(ctx context.Context, modelID string, body []byte) ([]byte, error) {
	output, err := d.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(modelID),
		ContentType: aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, fmt.Errorf("bedrock invoke failed: %w", err)
	}
	if len(output.Body) > MaxNonStreamBody {
		return output.Body[:MaxNonStreamBody], nil
	}
	return output.Body, nil
}

// InvokeStream sends InvokeModelWithResponseStream and tees each raw chunk
// payload as one Event, each wrapped to look like an SSE "data: " line so
// the client-facing writer can treat Bedrock and HTTP-dispatched streams
// identically.
func (d *BedrockDispatcher) InvokeStream(ctx context.Context, modelID string, body []byte) (*Stream, error) {
	output, err := d.client.InvokeModelWithResponseStream(ctx, &bedrockruntime.InvokeModelWithResponseStreamInput{
		ModelId:     aws.String(modelID),
		ContentType: aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, fmt.Errorf("bedrock streaming invoke failed: %w", err)
	}

	events := make(chan Event, EventBufferSize)
	stream := &Stream{Events: events, startedAt: time.Now()}

	go func() {
		defer close(events)
		respStream := output.GetStream()
		defer respStream.Close()

		for event := range respStream.Events() {
			chunk, ok := event.(*types.ResponseStreamMemberChunk)
			if !ok {
				continue
			}
			raw := append([]byte("data: "), chunk.Value.Bytes...)
			raw = append(raw, '\n', '\n')

			stream.markFirstByte()

			select {
			case events <- Event{Raw: raw}:
			case <-ctx.Done():
				return
			}
		}
		if err := respStream.Err(); err != nil {
			select {
			case events <- Event{Err: err}:
			case <-ctx.Done():
			}
		}
	}()

	return stream, nil
}
