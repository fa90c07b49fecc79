package adgate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dmitrymomot/quotagate/pkg/logger"
	"github.com/dmitrymomot/quotagate/svc/entitlement"
	"github.com/dmitrymomot/quotagate/svc/quota"
)

// BypassHeader carries the token from an AD_REQUIRED response on retry.
const BypassHeader = "X-Ad-Completed"

// Config is loaded from the environment.
type Config struct {
	Secret   string        `env:"ADGATE_SECRET,required"`
	TokenTTL time.Duration `env:"ADGATE_TOKEN_TTL" envDefault:"10m"`
	// AllowLegacyBypass accepts the literal header value "1" without a token.
	AllowLegacyBypass bool `env:"ADGATE_ALLOW_LEGACY_BYPASS" envDefault:"false"`
}

// Request is one gated call.
type Request struct {
	Subject quota.Subject
	Feature entitlement.Feature
	// Bypass is the raw X-Ad-Completed value, empty when absent.
	Bypass string
}

// Outcome describes an allowed call.
type Outcome struct {
	State    State
	Decision quota.Decision
	// Bypassed is set when a redeemed ad bypass skipped the quota check.
	Bypassed bool
	// Debit tells the caller whether to record usage once the call succeeds.
	Debit bool
}

// Gate decides whether a feature call may proceed.
type Gate struct {
	ledger      *quota.Ledger
	tokens      *Tokens
	redeemer    Redeemer
	allowLegacy bool
	log         *slog.Logger
}

type Option func(*Gate)

func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) {
		if l != nil {
			g.log = l
		}
	}
}

// WithLegacyBypass accepts "1" as a bypass value.
func WithLegacyBypass(allow bool) Option {
	return func(g *Gate) { g.allowLegacy = allow }
}

func NewGate(ledger *quota.Ledger, tokens *Tokens, redeemer Redeemer, opts ...Option) *Gate {
	g := &Gate{
		ledger:   ledger,
		tokens:   tokens,
		redeemer: redeemer,
		log:      slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Evaluate returns an Outcome when the call may proceed. Otherwise the
// error is *RequiredError (show an ad, retry with the token) or
// *quota.ExceededError (hard cap). Any other error is infrastructure.
func (g *Gate) Evaluate(ctx context.Context, req Request) (Outcome, error) {
	table := g.ledger.Table()
	policy := table.Policy(req.Feature)
	limit := table.LimitFor(req.Subject.Plan, req.Feature)

	if req.Bypass != "" && policy.Gate == entitlement.GateAd && !limit.IsUnlimited() {
		accepted, err := g.acceptBypass(ctx, req)
		if err != nil {
			return Outcome{}, err
		}
		if accepted {
			m := Flow.Resume(StateAdGranted)
			if err := m.Fire(ctx, EventRetried, true); err != nil {
				return Outcome{}, err
			}
			return Outcome{
				State: m.Current(),
				Decision: quota.Decision{
					Feature: req.Feature,
					Plan:    req.Subject.Plan,
					Allowed: true,
					Limit:   limit,
				},
				Bypassed: true,
				// Zero-allowance plans are never debited for a bypassed call.
				Debit: limit > 0,
			}, nil
		}
	}

	d, err := g.ledger.Check(ctx, req.Subject, req.Feature)
	if err != nil {
		return Outcome{}, err
	}

	m := Flow.Start()
	if err := m.Fire(ctx, EventChecked, Verdict{Allowed: d.Allowed, Hard: policy.Gate == entitlement.GateHard}); err != nil {
		return Outcome{}, err
	}

	out := Outcome{State: m.Current(), Decision: d, Debit: !d.Limit.IsUnlimited()}
	switch out.State {
	case StateAllowed:
		return out, nil
	case StateDenied:
		return out, d.Exceeded()
	case StateAdRequired:
		tok, exp, err := g.tokens.Issue(req.Subject, req.Feature)
		if err != nil {
			return out, fmt.Errorf("issue bypass token: %w", err)
		}
		return out, &RequiredError{
			Feature:     req.Feature,
			Plan:        req.Subject.Plan,
			BypassToken: tok,
			ExpiresAt:   exp,
		}
	default:
		return out, fmt.Errorf("ad gate ended in state %s", out.State)
	}
}

func (g *Gate) acceptBypass(ctx context.Context, req Request) (bool, error) {
	if req.Bypass == "1" {
		return g.allowLegacy, nil
	}

	claims, err := g.tokens.Verify(req.Bypass, req.Subject, req.Feature)
	if err != nil {
		g.reject(ctx, req, err)
		return false, nil
	}

	ttl := time.Until(claims.Expiry()) + time.Minute
	ok, err := g.redeemer.Redeem(ctx, claims.ID, ttl)
	if err != nil {
		return false, fmt.Errorf("redeem bypass token: %w", err)
	}
	if !ok {
		g.reject(ctx, req, ErrBypassReplayed)
		return false, nil
	}
	return true, nil
}

func (g *Gate) reject(ctx context.Context, req Request, err error) {
	level := slog.LevelInfo
	if errors.Is(err, ErrBypassMismatch) || errors.Is(err, ErrBypassReplayed) {
		level = slog.LevelWarn
	}
	g.log.LogAttrs(ctx, level, "bypass rejected",
		logger.Component("adgate"),
		logger.Feature(string(req.Feature)),
		logger.Error(err),
	)
}
