package domain

import "fmt"

func errCrossFamilyCapabilities(upstreamName, family string, offending Capability) error {
	return fmt.Errorf("upstream %q: capability %q does not belong to family %q", upstreamName, offending, family)
}
