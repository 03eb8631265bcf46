// Package engine assembles the full trust pipeline behind one
// facade: challenge-response authentication, policy evaluation,
// access enforcement, and the audit chain, wired from configuration.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/agent-trust-protocol/core/pkg/audit"
	"github.com/agent-trust-protocol/core/pkg/challenge"
	"github.com/agent-trust-protocol/core/pkg/config"
	"github.com/agent-trust-protocol/core/pkg/crypto"
	"github.com/agent-trust-protocol/core/pkg/enforcer"
	"github.com/agent-trust-protocol/core/pkg/identity"
	"github.com/agent-trust-protocol/core/pkg/limiter"
	"github.com/agent-trust-protocol/core/pkg/observability"
	"github.com/agent-trust-protocol/core/pkg/policy"
	"github.com/agent-trust-protocol/core/pkg/trust"
)

// Options carries the pluggable pieces the engine cannot default:
// the identity registry, the reputation source, and the tool catalog.
type Options struct {
	Config   *config.Config
	Registry identity.Registry
	Source   trust.ReputationSource
	Tools    []*enforcer.Tool
	Logger   *slog.Logger
	Metrics  *observability.Provider
}

// Engine is the composed trust pipeline.
type Engine struct {
	registry identity.Registry
	auth     *challenge.Authenticator
	tokens   *challenge.TokenManager
	policies *policy.Activator
	enforcer *enforcer.Enforcer
	recorder *audit.Recorder
	reaper   *challenge.Reaper
	metrics  *observability.Provider
	logger   *slog.Logger
}

// New wires the engine from options. Backend selection (audit store,
// limiter store) follows the configuration; everything else defaults
// to in-process implementations.
func New(ctx context.Context, opts Options) (*Engine, error) {
	if opts.Registry == nil {
		return nil, errors.New("engine: identity registry is required")
	}
	if opts.Source == nil {
		return nil, errors.New("engine: reputation source is required")
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	store, err := auditStore(cfg.Audit)
	if err != nil {
		return nil, err
	}
	recorder, err := audit.NewRecorder(ctx, store, logger)
	if err != nil {
		return nil, fmt.Errorf("engine: audit recorder: %w", err)
	}
	if opts.Metrics != nil {
		recorder.WithMetrics(opts.Metrics)
	}

	resolver := trust.NewResolver(opts.Source, cfg.Trust.CacheTTL, logger)
	challenges := challenge.NewMemoryStore()
	auth := challenge.NewAuthenticator(
		opts.Registry,
		resolver,
		challenges,
		challenge.NewMemorySessionStore(),
		recorder,
		challenge.Config{
			ChallengeTTL: cfg.Auth.ChallengeTTL,
			SessionTTL:   cfg.Auth.SessionTTL,
		},
		logger,
	)
	tokens, err := challenge.NewTokenManager()
	if err != nil {
		return nil, fmt.Errorf("engine: token manager: %w", err)
	}

	var activator policy.Activator
	enf := enforcer.New(
		enforcer.NewStaticToolRegistry(opts.Tools...),
		&activator,
		limiterStore(cfg.Limiter),
		recorder,
		logger,
	)
	if opts.Metrics != nil {
		enf.WithMetrics(opts.Metrics)
	}

	return &Engine{
		registry: opts.Registry,
		auth:     auth,
		tokens:   tokens,
		policies: &activator,
		enforcer: enf,
		recorder: recorder,
		reaper:   challenge.NewReaper(challenges, reapInterval(cfg.Auth.ChallengeTTL)),
		metrics:  opts.Metrics,
		logger:   logger,
	}, nil
}

// Start launches background maintenance (expired challenge purging).
// It returns immediately; Stop ends the loop.
func (e *Engine) Start(ctx context.Context) {
	e.reaper.Start(ctx)
}

// Stop halts background maintenance.
func (e *Engine) Stop() {
	e.reaper.Stop()
}

func auditStore(cfg config.AuditConfig) (audit.Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return audit.NewMemoryStore(), nil
	case "sqlite":
		store, err := audit.OpenSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("engine: sqlite audit store: %w", err)
		}
		return store, nil
	case "postgres":
		store, err := audit.OpenPostgresStore(cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("engine: postgres audit store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("engine: unknown audit backend %q", cfg.Backend)
	}
}

func reapInterval(challengeTTL time.Duration) time.Duration {
	if challengeTTL <= 0 {
		return challenge.DefaultChallengeTTL
	}
	return challengeTTL
}

func limiterStore(cfg config.LimiterConfig) limiter.Store {
	if cfg.Backend == "redis" {
		return limiter.NewRedisStore(redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}))
	}
	return limiter.NewMemoryStore()
}

// IssueChallenge starts an authentication handshake for a DID.
func (e *Engine) IssueChallenge(ctx context.Context, did string) (*challenge.Challenge, error) {
	ch, err := e.auth.IssueChallenge(ctx, did)
	if err != nil {
		return nil, err
	}
	if e.metrics != nil {
		e.metrics.RecordChallengeIssued(ctx)
	}
	return ch, nil
}

// Authenticate completes the handshake and mints a bearer token for
// the resulting session.
func (e *Engine) Authenticate(ctx context.Context, did string, nonce []byte, sig crypto.HybridSignature) (*challenge.Session, string, error) {
	sess, err := e.auth.SubmitResponse(ctx, did, nonce, sig)
	if e.metrics != nil {
		e.metrics.RecordAuthOutcome(ctx, err == nil)
	}
	if err != nil {
		return nil, "", err
	}
	token, err := e.tokens.Mint(sess)
	if err != nil {
		return nil, "", fmt.Errorf("engine: mint token: %w", err)
	}
	return sess, token, nil
}

// ValidateToken checks a bearer token and returns its claims.
func (e *Engine) ValidateToken(token string) (*challenge.SessionClaims, error) {
	return e.tokens.Validate(token)
}

// ActivatePolicy loads, validates, and atomically activates a policy
// graph document. In-flight evaluations keep the graph they started
// with.
func (e *Engine) ActivatePolicy(raw []byte) (*policy.Graph, error) {
	g, err := policy.Load(raw)
	if err != nil {
		return nil, err
	}
	if err := e.policies.Activate(g); err != nil {
		return nil, err
	}
	e.logger.Info("policy graph activated", "name", g.Name, "version", g.Version, "hash", g.Hash)
	return g, nil
}

// CheckAccess gates a tool invocation by session ID. An unknown or
// expired session is a deny, not an error detail; like every other
// access-control decision it still lands in the audit trail.
func (e *Engine) CheckAccess(ctx context.Context, sessionID, tool string, attributes map[string]any) (*enforcer.Outcome, error) {
	sess, err := e.auth.Session(ctx, sessionID)
	if err != nil {
		if _, aerr := e.recorder.Append(ctx, audit.Event{
			Type: audit.EventAccessDenied,
			Details: map[string]any{
				"session_id": sessionID,
				"tool":       tool,
				"reason":     "invalid_session",
			},
		}); aerr != nil {
			e.logger.Error("audit append failed", "event", string(audit.EventAccessDenied), "error", aerr)
		}
		if e.metrics != nil {
			e.metrics.RecordVerdict(ctx, tool, string(enforcer.VerdictDeny))
		}
		return &enforcer.Outcome{Verdict: enforcer.VerdictDeny, Reason: "invalid_session"}, nil
	}
	out, err := e.enforcer.CheckAccess(ctx, sess, tool, attributes)
	if err != nil {
		return nil, err
	}
	if e.metrics != nil {
		e.metrics.RecordVerdict(ctx, tool, string(out.Verdict))
	}
	return out, nil
}

// RevokeSession invalidates a session before its natural expiry.
func (e *Engine) RevokeSession(ctx context.Context, sessionID string) error {
	return e.auth.RevokeSession(ctx, sessionID)
}

// VerifyAuditChain revalidates the full hash chain.
func (e *Engine) VerifyAuditChain(ctx context.Context) error {
	return e.recorder.Verify(ctx)
}

// QueryAudit pages through the audit log.
func (e *Engine) QueryAudit(ctx context.Context, filter audit.Filter) ([]*audit.AuditRecord, error) {
	return e.recorder.Query(ctx, filter)
}

// ExportEvidence produces a sealed evidence pack for a sequence range.
func (e *Engine) ExportEvidence(ctx context.Context, req audit.ExportRequest) (*audit.EvidencePack, error) {
	return audit.NewExporter(e.recorder).Export(ctx, req)
}
