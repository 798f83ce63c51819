package ids

import "github.com/google/uuid"

// TokenGenerator produces unique identifiers for ingested events that
// arrive without one. Implemented by UUIDv7Generator (production) and
// FixedGenerator (tests).
type TokenGenerator interface {
	NewToken() string
}

// UUIDv7Generator produces UUIDv7 tokens. The embedded timestamp keeps
// tokens roughly sortable by creation time, which keeps the (ts, id)
// event ordering stable for same-millisecond events.
type UUIDv7Generator struct{}

// NewToken returns a new UUIDv7, falling back to UUIDv4 if the system
// entropy source fails.
func (UUIDv7Generator) NewToken() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// FixedGenerator returns scripted tokens in sequence, then repeats the
// last one. Deterministic test runs depend on it.
type FixedGenerator struct {
	tokens []string
	next   int
}

// NewFixedGenerator creates a FixedGenerator over the given tokens.
// With no tokens, NewToken returns "token-fixed".
func NewFixedGenerator(tokens ...string) *FixedGenerator {
	return &FixedGenerator{tokens: tokens}
}

func (g *FixedGenerator) NewToken() string {
	if len(g.tokens) == 0 {
		return "token-fixed"
	}
	if g.next >= len(g.tokens) {
		return g.tokens[len(g.tokens)-1]
	}
	t := g.tokens[g.next]
	g.next++
	return t
}
