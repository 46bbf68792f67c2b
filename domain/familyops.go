package domain

// FamilyOps is the small function table spec.md §9 asks for instead of
// subclassing per provider family: one instance per family carries how to
// authenticate, how to validate a request path, and how to extract usage
// from a raw response body.
type FamilyOps struct {
	// AuthScheme returns the headers (and/or query params, encoded as
	// "?name" keys) to attach for the given decrypted upstream secret.
	AuthScheme func(secret string) map[string]string

	// ValidatePath reports whether an inbound request path is one this
	// family's upstreams are able to serve.
	ValidatePath func(path string) bool

	// ExtractUsage parses a raw (non-streaming) response body into a Usage.
	ExtractUsage func(body []byte) (Usage, error)
}

// familyOpsTable is populated by internal/providerfamilies (which wires in
// internal/usage's extraction logic) via RegisterFamilyOps during package
// init, avoiding an import cycle between domain and those packages.
var familyOpsTable = map[string]FamilyOps{}

// RegisterFamilyOps installs the operations for a provider family. Called
// once per family at process init.
func RegisterFamilyOps(family string, ops FamilyOps) {
	familyOpsTable[family] = ops
}

// OpsFor returns the registered FamilyOps for a family, or false if none has
// been registered (a configuration bug: every family an upstream advertises
// must have ops registered before the gateway serves traffic).
func OpsFor(family string) (FamilyOps, bool) {
	ops, ok := familyOpsTable[family]
	return ops, ok
}
