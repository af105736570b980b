package idempotency

import (
	"github.com/google/uuid"
)

// Generator issues ShopProcessIDs. IDs are UUIDv7: a millisecond timestamp followed
// by an in-process sequence and random bits, so keys from one instance sort in
// issue order and keys from different instances collide with negligible probability.
type Generator struct{}

func NewGenerator() *Generator {
	return &Generator{}
}

func (g *Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Valid reports whether id has the shape of a key this package would issue.
// Callers may also supply their own keys; those only need to be non-empty.
func Valid(id string) bool {
	u, err := uuid.Parse(id)
	if err != nil {
		return false
	}
	return u.Version() == 7
}
