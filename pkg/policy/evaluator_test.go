package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-trust-protocol/core/pkg/identity"
)

// trustGateDoc builds: AND(did matches did:atp:*, trustScore >= 0.7)
// -> allow, else deny.
func trustGateDoc() *Document {
	return &Document{
		Version: "1.0.0",
		Name:    "trust-gate",
		Entry:   "op",
		Nodes: []Node{
			{ID: "c_did", Kind: KindCondition, Config: NodeConfig{
				Predicate: PredicateDIDPattern, Pattern: "did:atp:*",
			}},
			{ID: "c_score", Kind: KindCondition, Config: NodeConfig{
				Predicate: PredicateAttribute, Attribute: "trustScore", Compare: "ge", Value: 0.7,
			}},
			{ID: "op", Kind: KindOperator, Config: NodeConfig{Operator: OperatorAND}},
			{ID: "allow", Kind: KindAction, Config: NodeConfig{Effect: EffectAllow}},
			{ID: "deny", Kind: KindAction, Config: NodeConfig{Effect: EffectDeny}},
		},
		Edges: []Edge{
			{From: "c_did", To: "op", Label: EdgeNext},
			{From: "c_score", To: "op", Label: EdgeNext},
			{From: "c_did", To: "allow", Label: EdgeTrue},
			{From: "c_did", To: "deny", Label: EdgeFalse},
			{From: "c_score", To: "allow", Label: EdgeTrue},
			{From: "c_score", To: "deny", Label: EdgeFalse},
			{From: "op", To: "allow", Label: EdgeTrue},
			{From: "op", To: "deny", Label: EdgeFalse},
		},
	}
}

func databaseQueryContext(score float64) *RequestContext {
	return &RequestContext{
		DID:        "did:atp:alice",
		TrustLevel: identity.TrustVerified,
		ToolName:   "database_query",
		Attributes: map[string]any{"trustScore": score},
		Now:        time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestEvaluateTrustGate(t *testing.T) {
	g, err := Load(mustJSON(t, trustGateDoc()))
	require.NoError(t, err)

	d, err := Evaluate(g, databaseQueryContext(0.8))
	require.NoError(t, err)
	assert.Equal(t, EffectAllow, d.Effect)
	assert.Equal(t, "allow", d.ActionNodeID)
	assert.Equal(t, []string{"op", "c_did", "c_score", "allow"}, d.Path)
	assert.Equal(t, "1.0.0", d.GraphVersion)
	assert.Contains(t, d.DecisionHash, "sha256:")

	d, err = Evaluate(g, databaseQueryContext(0.5))
	require.NoError(t, err)
	assert.Equal(t, EffectDeny, d.Effect)
	assert.Equal(t, "deny", d.ActionNodeID)
}

func TestEvaluateIsDeterministic(t *testing.T) {
	g, err := Load(mustJSON(t, trustGateDoc()))
	require.NoError(t, err)

	first, err := Evaluate(g, databaseQueryContext(0.8))
	require.NoError(t, err)
	for i := 0; i < 25; i++ {
		again, err := Evaluate(g, databaseQueryContext(0.8))
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestEvaluateMissingAttributeFailsClosed(t *testing.T) {
	g, err := Load(mustJSON(t, trustGateDoc()))
	require.NoError(t, err)

	rc := databaseQueryContext(0.8)
	rc.Attributes = map[string]any{} // no trustScore at all
	d, err := Evaluate(g, rc)
	require.NoError(t, err)
	assert.Equal(t, EffectDeny, d.Effect)
}

func TestEvaluateANDShortCircuits(t *testing.T) {
	g, err := Load(mustJSON(t, trustGateDoc()))
	require.NoError(t, err)

	rc := databaseQueryContext(0.8)
	rc.DID = "spiffe://other/ns" // first operand false
	d, err := Evaluate(g, rc)
	require.NoError(t, err)
	assert.Equal(t, EffectDeny, d.Effect)
	assert.NotContains(t, d.Path, "c_score")
}

func TestEvaluateORShortCircuits(t *testing.T) {
	doc := trustGateDoc()
	doc.Nodes[2].Config.Operator = OperatorOR
	g, err := Load(mustJSON(t, doc))
	require.NoError(t, err)

	d, err := Evaluate(g, databaseQueryContext(0.1))
	require.NoError(t, err)
	assert.Equal(t, EffectAllow, d.Effect)
	assert.NotContains(t, d.Path, "c_score")
}

func TestEvaluateTrustLevelPredicate(t *testing.T) {
	g, err := Load(mustJSON(t, linearDoc(NodeConfig{
		Predicate: PredicateTrustLevel, MinTrust: "verified",
	})))
	require.NoError(t, err)

	rc := databaseQueryContext(0)
	rc.TrustLevel = identity.TrustEnterprise
	d, err := Evaluate(g, rc)
	require.NoError(t, err)
	assert.Equal(t, EffectAllow, d.Effect)

	rc.TrustLevel = identity.TrustBasic
	d, err = Evaluate(g, rc)
	require.NoError(t, err)
	assert.Equal(t, EffectDeny, d.Effect)
}

func TestEvaluateTimeWindowPredicate(t *testing.T) {
	g, err := Load(mustJSON(t, linearDoc(NodeConfig{
		Predicate: PredicateTimeWindow, StartHour: "22:00", EndHour: "06:00",
	})))
	require.NoError(t, err)

	rc := databaseQueryContext(0)
	rc.Now = time.Date(2026, 3, 1, 23, 30, 0, 0, time.UTC) // inside, before midnight
	d, err := Evaluate(g, rc)
	require.NoError(t, err)
	assert.Equal(t, EffectAllow, d.Effect)

	rc.Now = time.Date(2026, 3, 2, 5, 59, 0, 0, time.UTC) // inside, after midnight
	d, err = Evaluate(g, rc)
	require.NoError(t, err)
	assert.Equal(t, EffectAllow, d.Effect)

	rc.Now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) // outside
	d, err = Evaluate(g, rc)
	require.NoError(t, err)
	assert.Equal(t, EffectDeny, d.Effect)
}

func TestEvaluateCELPredicate(t *testing.T) {
	g, err := Load(mustJSON(t, linearDoc(NodeConfig{
		Predicate: PredicateCEL,
		Expr:      `tool == "database_query" && trust_level >= 2`,
	})))
	require.NoError(t, err)

	d, err := Evaluate(g, databaseQueryContext(0.8))
	require.NoError(t, err)
	assert.Equal(t, EffectAllow, d.Effect)

	rc := databaseQueryContext(0.8)
	rc.ToolName = "file_write"
	d, err = Evaluate(g, rc)
	require.NoError(t, err)
	assert.Equal(t, EffectDeny, d.Effect)
}

func TestEvaluateCELRuntimeErrorFailsClosed(t *testing.T) {
	// attributes.region is absent at runtime; the lookup error must
	// read as false, not propagate.
	g, err := Load(mustJSON(t, linearDoc(NodeConfig{
		Predicate: PredicateCEL,
		Expr:      `attributes.region == "eu-west-1"`,
	})))
	require.NoError(t, err)

	rc := databaseQueryContext(0.8)
	rc.Attributes = map[string]any{}
	d, err := Evaluate(g, rc)
	require.NoError(t, err)
	assert.Equal(t, EffectDeny, d.Effect)
}

func TestEvaluateThrottleAction(t *testing.T) {
	doc := linearDoc(NodeConfig{Predicate: PredicateTrustLevel, MinTrust: "basic"})
	doc.Nodes[1].Config = NodeConfig{Effect: EffectThrottle, ThrottlePercent: 25}
	g, err := Load(mustJSON(t, doc))
	require.NoError(t, err)

	rc := databaseQueryContext(0)
	rc.TrustLevel = identity.TrustVerified
	d, err := Evaluate(g, rc)
	require.NoError(t, err)
	assert.Equal(t, EffectThrottle, d.Effect)
	assert.Equal(t, 25, d.ThrottlePercent)
}

func TestEvaluateAttributeStringAndNumericCompare(t *testing.T) {
	g, err := Load(mustJSON(t, linearDoc(NodeConfig{
		Predicate: PredicateAttribute, Attribute: "tier", Compare: "eq", Value: "gold",
	})))
	require.NoError(t, err)

	rc := databaseQueryContext(0)
	rc.Attributes = map[string]any{"tier": "gold"}
	d, err := Evaluate(g, rc)
	require.NoError(t, err)
	assert.Equal(t, EffectAllow, d.Effect)

	// Type mismatch between attribute and configured value is false.
	rc.Attributes = map[string]any{"tier": 3}
	d, err = Evaluate(g, rc)
	require.NoError(t, err)
	assert.Equal(t, EffectDeny, d.Effect)
}
