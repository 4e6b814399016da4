// Package fault toggles simulated failure modes on the object store under test.
//
// The switch itself belongs to the target system and is process wide there:
// the harness only flips it and observes it. Nothing here disables a fault on
// its own; callers reset it when they are done.
package fault

import (
	"context"
	"fmt"
	"strings"
)

// Mode identifies a failure mode.
type Mode string

// DataCorruption makes the target damage stored data blocks so that reads of
// those blocks fail their integrity check.
const DataCorruption Mode = "data-corruption"

// Status is the activation state of one failure mode as reported by the target.
type Status struct {
	Mode    Mode `json:"mode"`
	Enabled bool `json:"enabled"`
}

// Injector flips and observes fault switches on a target.
type Injector interface {
	// EnableDataCorruption activates data corruption and reports whether the
	// target confirms it is active. Enabling an active switch is a no-op
	// returning true.
	EnableDataCorruption(ctx context.Context) (bool, error)
	// Status reports whether data corruption is active.
	Status(ctx context.Context) (bool, error)
	// Reset deactivates every fault the injector can control.
	Reset(ctx context.Context) error
}

// Kind selects an Injector implementation.
type Kind string

const (
	KindNone    Kind = "none"
	KindHTTP    Kind = "http"
	KindCommand Kind = "command"
)

// ParseKind maps a configuration string onto a Kind.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case "":
		return KindNone, nil
	case KindNone, KindHTTP, KindCommand:
		return k, nil
	}
	return "", fmt.Errorf("unknown fault injector kind %q", s)
}

// Noop is an Injector for targets without a fault switch. It never activates.
type Noop struct{}

func (Noop) EnableDataCorruption(context.Context) (bool, error) { return false, nil }
func (Noop) Status(context.Context) (bool, error)               { return false, nil }
func (Noop) Reset(context.Context) error                        { return nil }

var (
	_ Injector = Noop{}
	_ Injector = (*HTTP)(nil)
	_ Injector = (*Command)(nil)
)
