package feature

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dmitrymomot/quotagate/pkg/logger"
	"github.com/dmitrymomot/quotagate/svc/adgate"
	"github.com/dmitrymomot/quotagate/svc/entitlement"
	"github.com/dmitrymomot/quotagate/svc/quota"
)

// Request is one gated feature call.
type Request struct {
	Subject quota.Subject
	Feature entitlement.Feature
	Payload json.RawMessage
	// Bypass is the X-Ad-Completed header value.
	Bypass string
}

// Response is a successful call.
type Response struct {
	Result json.RawMessage
	// Cached is set when the result came from the recent-result cache.
	Cached  bool
	Outcome adgate.Outcome
}

// Observer receives call outcomes, typically for metrics.
type Observer interface {
	Evaluated(feature entitlement.Feature, state adgate.State, bypassed bool)
	Recorded(feature entitlement.Feature)
	CacheHit(feature entitlement.Feature)
}

type nopObserver struct{}

func (nopObserver) Evaluated(entitlement.Feature, adgate.State, bool) {}
func (nopObserver) Recorded(entitlement.Feature) {}
func (nopObserver) CacheHit(entitlement.Feature) {}

// Service serves gated calls: cache lookup, gate, analysis, then usage
// recording only after the analysis succeeded.
type Service struct {
	gate     *adgate.Gate
	ledger   *quota.Ledger
	analyzer Analyzer
	cache    quota.ResultCache
	cacheTTL time.Duration
	observer Observer
	log      *slog.Logger
}

type Option func(*Service)

// WithResultCache enables the recent-result cache for features whose
// policy asks for it.
func WithResultCache(cache quota.ResultCache, ttl time.Duration) Option {
	return func(s *Service) {
		s.cache = cache
		s.cacheTTL = ttl
	}
}

func WithObserver(o Observer) Option {
	return func(s *Service) {
		if o != nil {
			s.observer = o
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

func NewService(gate *adgate.Gate, ledger *quota.Ledger, analyzer Analyzer, opts ...Option) *Service {
	s := &Service{
		gate:     gate,
		ledger:   ledger,
		analyzer: analyzer,
		observer: nopObserver{},
		log:      slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Call runs a gated feature. Gate refusals come back as *adgate.RequiredError
// or *quota.ExceededError. Usage is recorded only when the analysis
// succeeded and the request is still live.
func (s *Service) Call(ctx context.Context, req Request) (Response, error) {
	cacheable := s.cache != nil && s.cacheTTL > 0 && s.ledger.Table().Policy(req.Feature).CacheResults
	var key string
	if cacheable {
		key = quota.ResultKey(req.Subject, req.Feature, req.Payload)
		result, ok, err := s.cache.Get(ctx, key)
		switch {
		case err != nil:
			s.log.WarnContext(ctx, "result cache read failed",
				logger.Component("feature"), logger.Feature(string(req.Feature)), logger.Error(err))
		case ok:
			s.observer.CacheHit(req.Feature)
			return Response{Result: result, Cached: true}, nil
		}
	}

	out, err := s.gate.Evaluate(ctx, adgate.Request{Subject: req.Subject, Feature: req.Feature, Bypass: req.Bypass})
	s.observer.Evaluated(req.Feature, out.State, out.Bypassed)
	if err != nil {
		return Response{Outcome: out}, err
	}

	result, err := s.analyzer.Analyze(ctx, req.Feature, req.Payload)
	if err != nil {
		if errors.Is(err, ErrAnalyzer) {
			return Response{Outcome: out}, err
		}
		return Response{Outcome: out}, errors.Join(ErrAnalyzer, err)
	}
	if err := ctx.Err(); err != nil {
		return Response{Outcome: out}, fmt.Errorf("request ended before usage was recorded: %w", err)
	}

	if out.Debit {
		if err := s.ledger.Record(ctx, req.Subject, req.Feature, result); err != nil {
			s.log.ErrorContext(ctx, "usage not recorded",
				logger.Component("feature"),
				logger.Feature(string(req.Feature)),
				logger.Plan(string(req.Subject.Plan)),
				logger.Error(err),
			)
		} else {
			s.observer.Recorded(req.Feature)
		}
	}

	if cacheable {
		if err := s.cache.Set(ctx, key, result, s.cacheTTL); err != nil {
			s.log.WarnContext(ctx, "result cache write failed",
				logger.Component("feature"), logger.Feature(string(req.Feature)), logger.Error(err))
		}
	}
	return Response{Result: result, Outcome: out}, nil
}

// Usage returns the caller's usage for the current month.
func (s *Service) Usage(ctx context.Context, subj quota.Subject) (quota.Usage, error) {
	return s.ledger.Usage(ctx, subj)
}
