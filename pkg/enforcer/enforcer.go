// Package enforcer is the single access-control chokepoint for tool
// invocations. Every check runs the same gate order: trust floor,
// then policy graph, then rate limit. A failed earlier gate
// short-circuits the later ones.
package enforcer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/agent-trust-protocol/core/pkg/audit"
	"github.com/agent-trust-protocol/core/pkg/challenge"
	"github.com/agent-trust-protocol/core/pkg/identity"
	"github.com/agent-trust-protocol/core/pkg/limiter"
	"github.com/agent-trust-protocol/core/pkg/observability"
	"github.com/agent-trust-protocol/core/pkg/policy"
)

// Tool describes one invocable capability and its guardrails.
type Tool struct {
	Name              string
	MinTrustLevel     identity.TrustLevel
	RequestsPerMinute int
	Burst             int

	// ThrottleAsDeny hardens the tool: any throttle verdict, from
	// policy or from the limiter, is reported as a plain deny.
	ThrottleAsDeny bool
}

// ToolRegistry resolves tool definitions by name.
type ToolRegistry interface {
	Tool(name string) (*Tool, bool)
}

// StaticToolRegistry is a fixed in-process tool catalog.
type StaticToolRegistry struct {
	tools map[string]*Tool
}

func NewStaticToolRegistry(tools ...*Tool) *StaticToolRegistry {
	m := make(map[string]*Tool, len(tools))
	for _, tool := range tools {
		m[tool.Name] = tool
	}
	return &StaticToolRegistry{tools: m}
}

func (r *StaticToolRegistry) Tool(name string) (*Tool, bool) {
	tool, ok := r.tools[name]
	return tool, ok
}

// Verdict classifies the outcome of one access check.
type Verdict string

const (
	VerdictAllow    Verdict = "allow"
	VerdictDeny     Verdict = "deny"
	VerdictThrottle Verdict = "throttle"
)

// Outcome is the full result of one access check. Reason is only set
// for deny and throttle verdicts; Decision carries the policy trace
// when the policy gate was reached.
type Outcome struct {
	Verdict         Verdict
	Reason          string
	ThrottlePercent int
	Decision        *policy.Decision
}

// Enforcer runs the gate chain for authenticated sessions.
type Enforcer struct {
	tools    ToolRegistry
	policies *policy.Activator
	limits   limiter.Store
	recorder *audit.Recorder
	logger   *slog.Logger
	metrics  *observability.Provider
	clock    func() time.Time
}

func New(tools ToolRegistry, policies *policy.Activator, limits limiter.Store, recorder *audit.Recorder, logger *slog.Logger) *Enforcer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Enforcer{
		tools:    tools,
		policies: policies,
		limits:   limits,
		recorder: recorder,
		logger:   logger,
		clock:    time.Now,
	}
}

// WithClock substitutes the time source.
func (e *Enforcer) WithClock(clock func() time.Time) *Enforcer {
	e.clock = clock
	return e
}

// WithMetrics attaches an instrument provider. Evaluation latency is
// recorded per graph traversal.
func (e *Enforcer) WithMetrics(metrics *observability.Provider) *Enforcer {
	e.metrics = metrics
	return e
}

// CheckAccess gates one tool invocation by an authenticated session.
// The session's trust snapshot is authoritative for its lifetime;
// gates run in order and the first failing gate decides. Every
// outcome is audited with the full request context.
func (e *Enforcer) CheckAccess(ctx context.Context, sess *challenge.Session, toolName string, attributes map[string]any) (*Outcome, error) {
	req := requestDetails(sess, toolName, attributes)

	tool, ok := e.tools.Tool(toolName)
	if !ok {
		out := &Outcome{Verdict: VerdictDeny, Reason: "unknown_tool"}
		e.record(ctx, sess.DID, audit.EventAccessDenied, merge(req, map[string]any{
			"reason": out.Reason,
		}))
		return out, nil
	}

	// Gate 1: trust floor. A session below the tool's floor is
	// denied outright; the policy graph never sees the request.
	if !sess.TrustLevel.AtLeast(tool.MinTrustLevel) {
		out := &Outcome{Verdict: VerdictDeny, Reason: "trust_floor"}
		e.record(ctx, sess.DID, audit.EventAccessDenied, merge(req, map[string]any{
			"reason":         out.Reason,
			"required_level": tool.MinTrustLevel.String(),
		}))
		return out, nil
	}

	// Gate 2: policy graph.
	graph, err := e.policies.Current()
	if err != nil {
		// No active graph fails closed.
		out := &Outcome{Verdict: VerdictDeny, Reason: "no_active_policy"}
		e.record(ctx, sess.DID, audit.EventAccessDenied, merge(req, map[string]any{
			"reason": out.Reason,
		}))
		return out, nil
	}

	evalStart := time.Now()
	decision, err := policy.Evaluate(graph, &policy.RequestContext{
		DID:        sess.DID,
		TrustLevel: sess.TrustLevel,
		ToolName:   tool.Name,
		Attributes: attributes,
		Now:        e.clock(),
	})
	if e.metrics != nil {
		e.metrics.RecordEvalDuration(ctx, time.Since(evalStart))
	}
	if err != nil {
		return nil, fmt.Errorf("enforcer: evaluate policy: %w", err)
	}
	e.record(ctx, sess.DID, audit.EventPolicyEvaluated, merge(req, map[string]any{
		"graph_version": decision.GraphVersion,
		"effect":        string(decision.Effect),
		"action_node":   decision.ActionNodeID,
		"path":          decision.Path,
		"decision_hash": decision.DecisionHash,
	}))

	switch decision.Effect {
	case policy.EffectDeny:
		out := &Outcome{Verdict: VerdictDeny, Reason: "policy", Decision: decision}
		e.record(ctx, sess.DID, audit.EventAccessDenied, merge(req, map[string]any{
			"reason":        out.Reason,
			"decision_hash": decision.DecisionHash,
		}))
		return out, nil
	case policy.EffectThrottle:
		return e.throttle(ctx, sess, req, tool, decision, "policy", decision.ThrottlePercent), nil
	}

	// Gate 3: rate limit, only on the allow path.
	if tool.RequestsPerMinute > 0 {
		allowed, err := e.limits.Allow(ctx, sess.DID+"/"+tool.Name, limiter.Policy{
			RequestsPerMinute: tool.RequestsPerMinute,
			Burst:             tool.Burst,
		}, 1)
		if err != nil {
			// Limiter backend failure fails closed.
			e.logger.Error("limiter unavailable", "tool", tool.Name, "error", err)
			out := &Outcome{Verdict: VerdictDeny, Reason: "limiter_unavailable", Decision: decision}
			e.record(ctx, sess.DID, audit.EventAccessDenied, merge(req, map[string]any{
				"reason": out.Reason,
			}))
			return out, nil
		}
		if !allowed {
			return e.throttle(ctx, sess, req, tool, decision, "rate_limit", 100), nil
		}
	}

	e.record(ctx, sess.DID, audit.EventAccessGranted, merge(req, map[string]any{
		"decision_hash": decision.DecisionHash,
	}))
	return &Outcome{Verdict: VerdictAllow, Decision: decision}, nil
}

// throttle reports a throttle verdict, downgraded to deny for tools
// configured with ThrottleAsDeny.
func (e *Enforcer) throttle(ctx context.Context, sess *challenge.Session, req map[string]any, tool *Tool, decision *policy.Decision, reason string, percent int) *Outcome {
	if tool.ThrottleAsDeny {
		out := &Outcome{Verdict: VerdictDeny, Reason: reason, Decision: decision}
		e.record(ctx, sess.DID, audit.EventAccessDenied, merge(req, map[string]any{
			"reason": reason,
		}))
		return out
	}
	out := &Outcome{Verdict: VerdictThrottle, Reason: reason, ThrottlePercent: percent, Decision: decision}
	e.record(ctx, sess.DID, audit.EventRateLimited, merge(req, map[string]any{
		"reason":           reason,
		"throttle_percent": percent,
	}))
	return out
}

// requestDetails captures the request context every decision event
// carries: the tool, the session's trust snapshot, and the caller's
// attribute map.
func requestDetails(sess *challenge.Session, toolName string, attributes map[string]any) map[string]any {
	return map[string]any{
		"tool":        toolName,
		"trust_level": sess.TrustLevel.String(),
		"attributes":  attributes,
	}
}

// merge overlays extra keys onto a fresh copy of base.
func merge(base, extra map[string]any) map[string]any {
	d := make(map[string]any, len(base)+len(extra))
	for k, v := range base {
		d[k] = v
	}
	for k, v := range extra {
		d[k] = v
	}
	return d
}

func (e *Enforcer) record(ctx context.Context, did string, eventType audit.EventType, details map[string]any) {
	if e.recorder == nil {
		return
	}
	if _, err := e.recorder.Append(ctx, audit.Event{
		ActorDID: did,
		Type:     eventType,
		Details:  details,
	}); err != nil {
		e.logger.Error("audit append failed", "event", string(eventType), "error", err)
	}
}
