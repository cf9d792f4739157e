package testutil

// FixedIDGenerator generates the same identifier every time.
//
// Scenarios that want every dispatch to share one correlation use it as the
// correlation generator, so the cascade guard sees a single flow.
//
// Thread-safety: FixedIDGenerator is stateless and safe for concurrent use.
type FixedIDGenerator struct {
	id string
}

// NewFixedIDGenerator creates a generator returning id. An empty id becomes
// "test-flow-default".
func NewFixedIDGenerator(id string) *FixedIDGenerator {
	if id == "" {
		id = "test-flow-default"
	}
	return &FixedIDGenerator{id: id}
}

// Generate returns the fixed identifier. It implements message.IDGenerator.
func (g *FixedIDGenerator) Generate() string {
	return g.id
}
