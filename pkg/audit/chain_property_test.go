//go:build property
// +build property

package audit

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestChainIntegrityProperty verifies that for any sequence of
// appended events the log has sequence numbers exactly 1..N and every
// record's prev hash equals the prior record's hash.
func TestChainIntegrityProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("appended chains are gapless and hash-linked", prop.ForAll(
		func(actors []string, payloads []string) bool {
			ctx := context.Background()
			r, err := NewRecorder(ctx, NewMemoryStore(), nil)
			if err != nil {
				return false
			}

			n := len(actors)
			if len(payloads) < n {
				n = len(payloads)
			}
			for i := 0; i < n; i++ {
				if _, err := r.Append(ctx, Event{
					ActorDID: actors[i],
					Type:     EventPolicyEvaluated,
					Details:  map[string]any{"payload": payloads[i]},
				}); err != nil {
					return false
				}
			}

			records, err := r.Query(ctx, Filter{})
			if err != nil || len(records) != n {
				return false
			}
			prev := GenesisHash
			for i, rec := range records {
				if rec.Sequence != uint64(i+1) || rec.PrevHash != prev {
					return false
				}
				prev = rec.RecordHash
			}
			return r.Verify(ctx) == nil
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}
