// Command gatewayctl is the operator CLI: validate a topology file locally,
// or call a running gatewayd's admin HTTP surface to inspect upstreams,
// force circuit breakers, read quota status, and reveal API keys.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"

	aigateway "github.com/relaygate/gateway"
	"github.com/relaygate/gateway/internal/version"
)

var (
	serverURL  string
	adminToken string
)

func main() {
	root := &cobra.Command{
		Use:   "gatewayctl",
		Short: "Operator CLI for the gateway",
	}
	root.PersistentFlags().StringVar(&serverURL, "server", envOr("GATEWAY_ADMIN_URL", "http://localhost:8080"), "gatewayd base URL")
	root.PersistentFlags().StringVar(&adminToken, "token", os.Getenv("GATEWAY_ADMIN_TOKEN"), "admin bearer token")

	root.AddCommand(
		validateCmd(),
		upstreamsCmd(),
		breakerCmd(),
		quotaCmd(),
		keysCmd(),
		versionCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <config-file>",
		Short: "Validate a topology configuration file (no server required)",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			cfg, err := aigateway.LoadConfig(args[0])
			if err != nil {
				return err
			}
			var ids []string
			for _, u := range cfg.Upstreams {
				ids = append(ids, u.ID)
			}
			fmt.Printf("config is valid: %d upstream(s): %s\n", len(cfg.Upstreams), strings.Join(ids, ", "))
			return nil
		},
	}
}

func upstreamsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "upstreams", Short: "Inspect configured upstreams"}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List every routable upstream",
		RunE: func(_ *cobra.Command, _ []string) error {
			return adminGet("/admin/upstreams")
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "get <id>",
		Short: "Show one upstream",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return adminGet("/admin/upstreams/" + args[0])
		},
	})
	return cmd
}

func breakerCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "breaker", Short: "Inspect or override an upstream's circuit breaker"}
	cmd.AddCommand(&cobra.Command{
		Use:   "status <id>",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return adminGet("/admin/upstreams/" + args[0] + "/breaker")
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "open <id>",
		Short: "Force the breaker open",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return adminPost("/admin/upstreams/"+args[0]+"/breaker/open", nil)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "close <id>",
		Short: "Force the breaker closed",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return adminPost("/admin/upstreams/"+args[0]+"/breaker/close", nil)
		},
	})
	return cmd
}

func quotaCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "quota", Short: "Inspect upstream spending quota status"}
	cmd.AddCommand(&cobra.Command{
		Use:   "status <id>",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return adminGet("/admin/upstreams/" + args[0] + "/quota")
		},
	})
	return cmd
}

func keysCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "keys", Short: "Manage operator API keys"}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		RunE: func(_ *cobra.Command, _ []string) error {
			return adminGet("/admin/keys")
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "reveal <api-key-id>",
		Short: "Reveal the plaintext client API key (gated by ALLOW_KEY_REVEAL)",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return adminPost("/admin/api-keys/"+args[0]+"/reveal", nil)
		},
	})
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use: "version",
		RunE: func(_ *cobra.Command, _ []string) error {
			fmt.Println(version.String())
			return nil
		},
	}
}

func adminGet(path string) error {
	req, err := http.NewRequest(http.MethodGet, serverURL+path, nil)
	if err != nil {
		return err
	}
	return doAdminRequest(req)
}

func adminPost(path string, body io.Reader) error {
	req, err := http.NewRequest(http.MethodPost, serverURL+path, body)
	if err != nil {
		return err
	}
	return doAdminRequest(req)
}

func doAdminRequest(req *http.Request) error {
	if adminToken == "" {
		return fmt.Errorf("admin token required: set --token or GATEWAY_ADMIN_TOKEN")
	}
	req.Header.Set("Authorization", "Bearer "+adminToken)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(body))
	}

	var pretty interface{}
	if err := json.Unmarshal(body, &pretty); err != nil {
		fmt.Println(string(body))
		return nil
	}
	out, _ := json.MarshalIndent(pretty, "", "  ")
	fmt.Println(string(out))
	return nil
}
