package policy

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadVersion(t *testing.T, version string) *Graph {
	t.Helper()
	doc := linearDoc(NodeConfig{Predicate: PredicateTrustLevel, MinTrust: "basic"})
	doc.Version = version
	g, err := Load(mustJSON(t, doc))
	require.NoError(t, err)
	return g
}

func TestActivatorEmpty(t *testing.T) {
	var a Activator
	_, err := a.Current()
	assert.ErrorIs(t, err, ErrNoActiveGraph)
}

func TestActivatorActivateAndFetch(t *testing.T) {
	var a Activator
	require.NoError(t, a.Activate(loadVersion(t, "1.0.0")))

	g, err := a.Current()
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", g.Version)
}

func TestActivatorRequiresStrictlyNewerVersion(t *testing.T) {
	var a Activator
	require.NoError(t, a.Activate(loadVersion(t, "1.2.0")))

	assert.ErrorIs(t, a.Activate(loadVersion(t, "1.2.0")), ErrStaleVersion)
	assert.ErrorIs(t, a.Activate(loadVersion(t, "1.1.9")), ErrStaleVersion)
	require.NoError(t, a.Activate(loadVersion(t, "2.0.0")))

	g, err := a.Current()
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", g.Version)
}

func TestActivatorRejectsBadSemver(t *testing.T) {
	var a Activator
	assert.Error(t, a.Activate(loadVersion(t, "not-a-version")))
}

func TestActivatorConcurrentSwaps(t *testing.T) {
	var a Activator
	require.NoError(t, a.Activate(loadVersion(t, "0.0.1")))

	graphs := make([]*Graph, 16)
	for i := range graphs {
		graphs[i] = loadVersion(t, fmt.Sprintf("1.0.%d", i))
	}

	var wg sync.WaitGroup
	for _, g := range graphs {
		wg.Add(1)
		go func(g *Graph) {
			defer wg.Done()
			// Stale losers are expected; only ordering matters.
			_ = a.Activate(g)
		}(g)
	}
	wg.Wait()

	got, err := a.Current()
	require.NoError(t, err)
	assert.Equal(t, "1.0.15", got.Version)
}
