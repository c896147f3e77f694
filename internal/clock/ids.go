package clock

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// IDGenerator mints opaque identifiers for sessions, sagas, steps and
// executions.
type IDGenerator interface {
	NewID(prefix string) string
}

// UUIDGenerator produces time-sortable ids of the form "<prefix>_<uuidv7>".
type UUIDGenerator struct{}

func (UUIDGenerator) NewID(prefix string) string {
	id := uuid.Must(uuid.NewV7()).String()
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}

// CounterGenerator produces "<prefix>-000001", "<prefix>-000002", ...
// from a single counter shared by all prefixes. Used for deterministic
// traces.
type CounterGenerator struct {
	n atomic.Int64
}

func (g *CounterGenerator) NewID(prefix string) string {
	return fmt.Sprintf("%s-%06d", prefix, g.n.Add(1))
}
