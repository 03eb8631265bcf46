// Command trustengine runs a self-contained demonstration of the
// trust pipeline: it registers an agent, completes the hybrid
// challenge-response handshake, activates a policy graph, and walks
// requests through the enforcement gates while the audit chain
// records every step.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"time"

	"github.com/agent-trust-protocol/core/pkg/audit"
	"github.com/agent-trust-protocol/core/pkg/config"
	"github.com/agent-trust-protocol/core/pkg/crypto"
	"github.com/agent-trust-protocol/core/pkg/enforcer"
	"github.com/agent-trust-protocol/core/pkg/engine"
	"github.com/agent-trust-protocol/core/pkg/identity"
	"github.com/agent-trust-protocol/core/pkg/observability"
	"github.com/agent-trust-protocol/core/pkg/trust"
)

const demoPolicy = `{
  "version": "1.0.0",
  "name": "database-access",
  "entry": "op",
  "nodes": [
    {"id": "c_did", "kind": "condition",
     "config": {"predicate": "did_pattern", "pattern": "did:atp:*"}},
    {"id": "c_score", "kind": "condition",
     "config": {"predicate": "attribute_compare", "attribute": "trustScore", "compare": "ge", "value": 0.7}},
    {"id": "op", "kind": "operator", "config": {"operator": "AND"}},
    {"id": "allow", "kind": "action", "config": {"effect": "allow"}},
    {"id": "deny", "kind": "action", "config": {"effect": "deny"}}
  ],
  "edges": [
    {"from": "c_did", "to": "op", "label": "next"},
    {"from": "c_score", "to": "op", "label": "next"},
    {"from": "c_did", "to": "allow", "label": "true-branch"},
    {"from": "c_did", "to": "deny", "label": "false-branch"},
    {"from": "c_score", "to": "allow", "label": "true-branch"},
    {"from": "c_score", "to": "deny", "label": "false-branch"},
    {"from": "op", "to": "allow", "label": "true-branch"},
    {"from": "op", "to": "deny", "label": "false-branch"}
  ]
}`

type staticSource struct{}

func (staticSource) TrustLevel(_ context.Context, _ string) (identity.TrustLevel, error) {
	return identity.TrustVerified, nil
}

func main() {
	configPath := flag.String("config", "", "path to engine YAML config")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	cfg := config.Load()
	if *configPath != "" {
		var err error
		cfg, err = config.LoadFile(*configPath)
		if err != nil {
			logger.Error("load config", "error", err)
			os.Exit(1)
		}
	}

	ctx := context.Background()
	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("demo failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	metrics, err := observability.New(ctx, &observability.Config{
		ServiceName:  "trust-engine",
		OTLPEndpoint: cfg.Observability.OTLPEndpoint,
		Enabled:      cfg.Observability.Enabled,
		Insecure:     true,
	})
	if err != nil {
		return err
	}
	defer func() { _ = metrics.Shutdown(ctx) }()

	signer, err := crypto.NewHybridSigner()
	if err != nil {
		return err
	}

	registry := identity.NewInMemoryRegistry()
	if err := registry.Register(&identity.AgentIdentity{
		DID:              "did:atp:alice",
		VerificationKeys: signer.VerificationKeys(time.Now().Add(-time.Minute)),
		TrustLevel:       identity.TrustVerified,
		CombineMode:      identity.CombineConjunctive,
	}); err != nil {
		return err
	}

	var source trust.ReputationSource = staticSource{}
	eng, err := engine.New(ctx, engine.Options{
		Config:   cfg,
		Registry: registry,
		Source:   source,
		Logger:   logger,
		Metrics:  metrics,
		Tools: []*enforcer.Tool{{
			Name:              "database_query",
			MinTrustLevel:     identity.TrustVerified,
			RequestsPerMinute: 60,
		}},
	})
	if err != nil {
		return err
	}

	eng.Start(ctx)
	defer eng.Stop()

	if _, err := eng.ActivatePolicy([]byte(demoPolicy)); err != nil {
		return err
	}

	// Handshake: challenge, hybrid signature, session.
	ch, err := eng.IssueChallenge(ctx, "did:atp:alice")
	if err != nil {
		return err
	}
	sig, err := signer.Sign(ch.Nonce)
	if err != nil {
		return err
	}
	sess, token, err := eng.Authenticate(ctx, "did:atp:alice", ch.Nonce, sig)
	if err != nil {
		return err
	}
	logger.Info("authenticated",
		"session", sess.SessionID,
		"trust_level", sess.TrustLevel.String(),
		"token_len", len(token))

	for _, score := range []float64{0.8, 0.5} {
		out, err := eng.CheckAccess(ctx, sess.SessionID, "database_query",
			map[string]any{"trustScore": score})
		if err != nil {
			return err
		}
		logger.Info("access check",
			"trust_score", score,
			"verdict", string(out.Verdict),
			"reason", out.Reason)
	}

	if err := eng.VerifyAuditChain(ctx); err != nil {
		return err
	}
	records, err := eng.QueryAudit(ctx, audit.Filter{})
	if err != nil {
		return err
	}
	logger.Info("audit chain verified", "records", len(records))
	return nil
}
