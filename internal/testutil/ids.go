package testutil

// FixedGenerator returns the same id every time.
//
// Useful where a single stable id (a user id, a tab id) must appear in
// golden output.
//
// Thread-safety: FixedGenerator is stateless and safe for concurrent use.
type FixedGenerator struct {
	id string
}

// NewFixedGenerator creates a generator for id. An empty id yields
// "test-id-default".
func NewFixedGenerator(id string) *FixedGenerator {
	if id == "" {
		id = "test-id-default"
	}
	return &FixedGenerator{id: id}
}

// Generate returns the fixed id.
func (g *FixedGenerator) Generate() string {
	return g.id
}
