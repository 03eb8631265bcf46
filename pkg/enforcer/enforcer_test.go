package enforcer

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-trust-protocol/core/pkg/audit"
	"github.com/agent-trust-protocol/core/pkg/challenge"
	"github.com/agent-trust-protocol/core/pkg/identity"
	"github.com/agent-trust-protocol/core/pkg/limiter"
	"github.com/agent-trust-protocol/core/pkg/policy"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// trustGateGraph is: AND(did matches did:atp:*, trustScore >= 0.7)
// -> allow, else deny.
func trustGateGraph(t *testing.T) *policy.Graph {
	t.Helper()
	doc := &policy.Document{
		Version: "1.0.0",
		Name:    "trust-gate",
		Entry:   "op",
		Nodes: []policy.Node{
			{ID: "c_did", Kind: policy.KindCondition, Config: policy.NodeConfig{
				Predicate: policy.PredicateDIDPattern, Pattern: "did:atp:*",
			}},
			{ID: "c_score", Kind: policy.KindCondition, Config: policy.NodeConfig{
				Predicate: policy.PredicateAttribute, Attribute: "trustScore", Compare: "ge", Value: 0.7,
			}},
			{ID: "op", Kind: policy.KindOperator, Config: policy.NodeConfig{Operator: policy.OperatorAND}},
			{ID: "allow", Kind: policy.KindAction, Config: policy.NodeConfig{Effect: policy.EffectAllow}},
			{ID: "deny", Kind: policy.KindAction, Config: policy.NodeConfig{Effect: policy.EffectDeny}},
		},
		Edges: []policy.Edge{
			{From: "c_did", To: "op", Label: policy.EdgeNext},
			{From: "c_score", To: "op", Label: policy.EdgeNext},
			{From: "c_did", To: "allow", Label: policy.EdgeTrue},
			{From: "c_did", To: "deny", Label: policy.EdgeFalse},
			{From: "c_score", To: "allow", Label: policy.EdgeTrue},
			{From: "c_score", To: "deny", Label: policy.EdgeFalse},
			{From: "op", To: "allow", Label: policy.EdgeTrue},
			{From: "op", To: "deny", Label: policy.EdgeFalse},
		},
	}
	g, err := policy.LoadDocument(doc)
	require.NoError(t, err)
	return g
}

type fixture struct {
	enforcer *Enforcer
	recorder *audit.Recorder
	session  *challenge.Session
}

func newFixture(t *testing.T, tools ...*Tool) *fixture {
	t.Helper()
	if len(tools) == 0 {
		tools = []*Tool{{
			Name:              "database_query",
			MinTrustLevel:     identity.TrustVerified,
			RequestsPerMinute: 60,
			Burst:             60,
		}}
	}

	var activator policy.Activator
	require.NoError(t, activator.Activate(trustGateGraph(t)))

	recorder, err := audit.NewRecorder(context.Background(), audit.NewMemoryStore(), nil)
	require.NoError(t, err)
	recorder.WithClock(func() time.Time { return fixedNow })
	limits := limiter.NewMemoryStore().WithClock(func() time.Time { return fixedNow })

	e := New(NewStaticToolRegistry(tools...), &activator, limits, recorder, nil).
		WithClock(func() time.Time { return fixedNow })

	return &fixture{
		enforcer: e,
		recorder: recorder,
		session: &challenge.Session{
			SessionID:       "sess-1",
			DID:             "did:atp:alice",
			TrustLevel:      identity.TrustVerified,
			AuthenticatedAt: fixedNow,
			ExpiresAt:       fixedNow.Add(30 * time.Minute),
		},
	}
}

func (f *fixture) lastEvent(t *testing.T) *audit.AuditRecord {
	t.Helper()
	records, err := f.recorder.Query(context.Background(), audit.Filter{})
	require.NoError(t, err)
	require.NotEmpty(t, records)
	return records[len(records)-1]
}

func TestCheckAccessAllows(t *testing.T) {
	f := newFixture(t)

	out, err := f.enforcer.CheckAccess(context.Background(), f.session, "database_query",
		map[string]any{"trustScore": 0.8})
	require.NoError(t, err)
	assert.Equal(t, VerdictAllow, out.Verdict)
	assert.Empty(t, out.Reason)
	require.NotNil(t, out.Decision)
	assert.Equal(t, policy.EffectAllow, out.Decision.Effect)

	rec := f.lastEvent(t)
	assert.Equal(t, audit.EventAccessGranted, rec.EventType)
	assert.Equal(t, "did:atp:alice", rec.ActorDID)
}

func TestCheckAccessDeniesOnPolicy(t *testing.T) {
	f := newFixture(t)

	out, err := f.enforcer.CheckAccess(context.Background(), f.session, "database_query",
		map[string]any{"trustScore": 0.5})
	require.NoError(t, err)
	assert.Equal(t, VerdictDeny, out.Verdict)
	assert.Equal(t, "policy", out.Reason)
	assert.Equal(t, audit.EventAccessDenied, f.lastEvent(t).EventType)
}

func TestCheckAccessTrustFloorShortCircuits(t *testing.T) {
	f := newFixture(t)
	f.session.TrustLevel = identity.TrustBasic

	out, err := f.enforcer.CheckAccess(context.Background(), f.session, "database_query",
		map[string]any{"trustScore": 0.99})
	require.NoError(t, err)
	assert.Equal(t, VerdictDeny, out.Verdict)
	assert.Equal(t, "trust_floor", out.Reason)
	assert.Nil(t, out.Decision, "policy graph must not run below the floor")

	// Exactly one audit event, and it is not a policy evaluation.
	records, err := f.recorder.Query(context.Background(), audit.Filter{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, audit.EventAccessDenied, records[0].EventType)
}

func TestCheckAccessUnknownTool(t *testing.T) {
	f := newFixture(t)

	out, err := f.enforcer.CheckAccess(context.Background(), f.session, "launch_missiles", nil)
	require.NoError(t, err)
	assert.Equal(t, VerdictDeny, out.Verdict)
	assert.Equal(t, "unknown_tool", out.Reason)
}

func TestCheckAccessNoActivePolicyFailsClosed(t *testing.T) {
	var activator policy.Activator
	recorder, err := audit.NewRecorder(context.Background(), audit.NewMemoryStore(), nil)
	require.NoError(t, err)
	e := New(NewStaticToolRegistry(&Tool{Name: "t", MinTrustLevel: identity.TrustUntrusted}),
		&activator, limiter.NewMemoryStore(), recorder, nil)

	out, err := e.CheckAccess(context.Background(), &challenge.Session{
		DID: "did:atp:alice", TrustLevel: identity.TrustEnterprise,
	}, "t", nil)
	require.NoError(t, err)
	assert.Equal(t, VerdictDeny, out.Verdict)
	assert.Equal(t, "no_active_policy", out.Reason)
}

func TestCheckAccessThrottlesAtBudget(t *testing.T) {
	f := newFixture(t)
	attrs := map[string]any{"trustScore": 0.8}

	for i := 0; i < 60; i++ {
		out, err := f.enforcer.CheckAccess(context.Background(), f.session, "database_query", attrs)
		require.NoError(t, err)
		require.Equal(t, VerdictAllow, out.Verdict, "request %d", i+1)
	}

	out, err := f.enforcer.CheckAccess(context.Background(), f.session, "database_query", attrs)
	require.NoError(t, err)
	assert.Equal(t, VerdictThrottle, out.Verdict)
	assert.Equal(t, "rate_limit", out.Reason)
	assert.Equal(t, 100, out.ThrottlePercent)

	rec := f.lastEvent(t)
	assert.Equal(t, audit.EventRateLimited, rec.EventType)
}

func TestCheckAccessThrottleAsDeny(t *testing.T) {
	f := newFixture(t, &Tool{
		Name:              "database_query",
		MinTrustLevel:     identity.TrustVerified,
		RequestsPerMinute: 60,
		Burst:             1,
		ThrottleAsDeny:    true,
	})
	attrs := map[string]any{"trustScore": 0.8}

	out, err := f.enforcer.CheckAccess(context.Background(), f.session, "database_query", attrs)
	require.NoError(t, err)
	require.Equal(t, VerdictAllow, out.Verdict)

	out, err = f.enforcer.CheckAccess(context.Background(), f.session, "database_query", attrs)
	require.NoError(t, err)
	assert.Equal(t, VerdictDeny, out.Verdict)
	assert.Equal(t, "rate_limit", out.Reason)
	assert.Equal(t, audit.EventAccessDenied, f.lastEvent(t).EventType)
}

func TestCheckAccessPolicyThrottleCarriesPercent(t *testing.T) {
	doc := &policy.Document{
		Version: "1.0.0",
		Name:    "slowdown",
		Entry:   "c1",
		Nodes: []policy.Node{
			{ID: "c1", Kind: policy.KindCondition, Config: policy.NodeConfig{
				Predicate: policy.PredicateTrustLevel, MinTrust: "enterprise",
			}},
			{ID: "full", Kind: policy.KindAction, Config: policy.NodeConfig{Effect: policy.EffectAllow}},
			{ID: "slow", Kind: policy.KindAction, Config: policy.NodeConfig{
				Effect: policy.EffectThrottle, ThrottlePercent: 25,
			}},
		},
		Edges: []policy.Edge{
			{From: "c1", To: "full", Label: policy.EdgeTrue},
			{From: "c1", To: "slow", Label: policy.EdgeFalse},
		},
	}
	g, err := policy.LoadDocument(doc)
	require.NoError(t, err)

	var activator policy.Activator
	require.NoError(t, activator.Activate(g))

	recorder, err := audit.NewRecorder(context.Background(), audit.NewMemoryStore(), nil)
	require.NoError(t, err)
	e := New(NewStaticToolRegistry(&Tool{Name: "t", MinTrustLevel: identity.TrustUntrusted}),
		&activator, limiter.NewMemoryStore(), recorder, nil)

	out, err := e.CheckAccess(context.Background(), &challenge.Session{
		DID: "did:atp:alice", TrustLevel: identity.TrustVerified,
	}, "t", nil)
	require.NoError(t, err)
	assert.Equal(t, VerdictThrottle, out.Verdict)
	assert.Equal(t, "policy", out.Reason)
	assert.Equal(t, 25, out.ThrottlePercent)
}

func TestCheckAccessAuditsRequestContext(t *testing.T) {
	f := newFixture(t)

	_, err := f.enforcer.CheckAccess(context.Background(), f.session, "database_query",
		map[string]any{"trustScore": 0.8, "merchant": "acme-corp"})
	require.NoError(t, err)

	// Every decision event carries the full request context: tool,
	// trust snapshot, and the caller's attributes.
	records, err := f.recorder.Query(context.Background(), audit.Filter{
		EventTypes: []audit.EventType{audit.EventPolicyEvaluated, audit.EventAccessGranted},
	})
	require.NoError(t, err)
	require.Len(t, records, 2)
	for _, rec := range records {
		var details map[string]any
		require.NoError(t, json.Unmarshal(rec.Details, &details))
		assert.Equal(t, "database_query", details["tool"])
		assert.Equal(t, "verified", details["trust_level"])
		attrs, ok := details["attributes"].(map[string]any)
		require.True(t, ok, "event %s lacks attributes", rec.EventType)
		assert.Equal(t, "acme-corp", attrs["merchant"])
		assert.Equal(t, 0.8, attrs["trustScore"])
	}
}

func TestCheckAccessAuditsPolicyTrace(t *testing.T) {
	f := newFixture(t)

	_, err := f.enforcer.CheckAccess(context.Background(), f.session, "database_query",
		map[string]any{"trustScore": 0.8})
	require.NoError(t, err)

	records, err := f.recorder.Query(context.Background(), audit.Filter{
		EventTypes: []audit.EventType{audit.EventPolicyEvaluated},
	})
	require.NoError(t, err)
	require.Len(t, records, 1)

	var details map[string]any
	require.NoError(t, json.Unmarshal(records[0].Details, &details))
	assert.Equal(t, "allow", details["effect"])
	assert.Equal(t, "1.0.0", details["graph_version"])
	assert.NotEmpty(t, details["decision_hash"])
}
