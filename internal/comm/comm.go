// Package comm provides the process-group communication backend used
// for distributed training: rank/world-size identity, broadcast,
// all-reduce and barrier over a small set of collectives.
//
// The wire topology is a star: rank 0 owns the coordination endpoint
// and relays for everyone else. Collectives are called in lockstep from
// the loop goroutine on every rank.
package comm

import "fmt"

// Op selects the reduction applied by AllReduceFloat.
type Op string

const (
	OpSum  Op = "sum"
	OpMean Op = "mean"
	OpMax  Op = "max"
	OpMin  Op = "min"
)

// Backend is the collective-communication surface strategies depend on.
type Backend interface {
	Rank() int
	WorldSize() int
	// Broadcast distributes root's payload to every rank and returns
	// it. The root passes its payload; other ranks pass nil.
	Broadcast(root int, data []byte) ([]byte, error)
	// AllReduceFloat reduces values element-wise across ranks in place.
	AllReduceFloat(op Op, values []float64) error
	// Barrier blocks until every rank has reached it.
	Barrier() error
	Close() error
}

// Local is the single-process backend: rank 0 of world size 1, every
// collective a no-op.
type Local struct{}

// NewLocal returns the single-process backend.
func NewLocal() *Local { return &Local{} }

func (*Local) Rank() int      { return 0 }
func (*Local) WorldSize() int { return 1 }

func (*Local) Broadcast(root int, data []byte) ([]byte, error) {
	if root != 0 {
		return nil, fmt.Errorf("broadcast root %d out of range for world size 1", root)
	}
	return data, nil
}

func (*Local) AllReduceFloat(op Op, values []float64) error {
	if op == OpMean || op == OpSum || op == OpMax || op == OpMin {
		return nil
	}
	return fmt.Errorf("unknown reduce op %q", op)
}

func (*Local) Barrier() error { return nil }
func (*Local) Close() error   { return nil }
