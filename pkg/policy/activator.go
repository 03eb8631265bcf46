package policy

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/Masterminds/semver/v3"
)

var (
	ErrNoActiveGraph = errors.New("policy: no active graph")
	ErrStaleVersion  = errors.New("policy: graph version not newer than active")
)

// Activator holds the currently active policy graph and swaps in new
// versions atomically. Evaluations in flight keep the graph value
// they started with; nothing is ever mutated in place.
type Activator struct {
	current atomic.Pointer[Graph]
}

func NewActivator() *Activator {
	return &Activator{}
}

// Activate installs a graph. Versions are semver and must strictly
// increase, so a delayed activation of an older bundle can never roll
// the policy back silently.
func (a *Activator) Activate(g *Graph) error {
	next, err := semver.NewVersion(g.Version)
	if err != nil {
		return fmt.Errorf("%w: version %q: %v", ErrInvalidGraph, g.Version, err)
	}

	for {
		active := a.current.Load()
		if active != nil {
			cur, err := semver.NewVersion(active.Version)
			if err == nil && !next.GreaterThan(cur) {
				return fmt.Errorf("%w: %s <= %s", ErrStaleVersion, g.Version, active.Version)
			}
		}
		if a.current.CompareAndSwap(active, g) {
			return nil
		}
	}
}

// Current returns the active graph.
func (a *Activator) Current() (*Graph, error) {
	g := a.current.Load()
	if g == nil {
		return nil, ErrNoActiveGraph
	}
	return g, nil
}
