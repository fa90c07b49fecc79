package feature

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/dmitrymomot/quotagate/svc/entitlement"
)

// Analyzer runs the guarded operation once authorization passed.
type Analyzer interface {
	Analyze(ctx context.Context, feature entitlement.Feature, payload json.RawMessage) (json.RawMessage, error)
}

// AnalyzerFunc adapts a function to Analyzer.
type AnalyzerFunc func(ctx context.Context, feature entitlement.Feature, payload json.RawMessage) (json.RawMessage, error)

func (f AnalyzerFunc) Analyze(ctx context.Context, feature entitlement.Feature, payload json.RawMessage) (json.RawMessage, error) {
	return f(ctx, feature, payload)
}

type Config struct {
	AnalyzerURL     string        `env:"ANALYZER_URL"`
	AnalyzerTimeout time.Duration `env:"ANALYZER_TIMEOUT" envDefault:"30s"`
	AnalyzerToken   string        `env:"ANALYZER_TOKEN"`
}

// RemoteAnalyzer calls an inference service over HTTP:
//
//	POST {ANALYZER_URL}/v1/analyze {"feature": "text_analysis", "payload": ...}
//	200 {"result": ...}
type RemoteAnalyzer struct {
	http *resty.Client
}

func NewRemoteAnalyzer(cfg Config) (*RemoteAnalyzer, error) {
	if cfg.AnalyzerURL == "" {
		return nil, ErrNoAnalyzerURL
	}
	timeout := cfg.AnalyzerTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c := resty.New().
		SetBaseURL(cfg.AnalyzerURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	if cfg.AnalyzerToken != "" {
		c.SetAuthToken(cfg.AnalyzerToken)
	}
	return &RemoteAnalyzer{http: c}, nil
}

type analyzeRequest struct {
	Feature string          `json:"feature"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type analyzeResponse struct {
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error"`
}

func (a *RemoteAnalyzer) Analyze(ctx context.Context, feature entitlement.Feature, payload json.RawMessage) (json.RawMessage, error) {
	var out analyzeResponse
	resp, err := a.http.R().
		SetContext(ctx).
		SetBody(analyzeRequest{Feature: feature.WireName(), Payload: payload}).
		SetResult(&out).
		SetError(&out).
		Post("/v1/analyze")
	if err != nil {
		return nil, errors.Join(ErrAnalyzer, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%w: status %d: %s", ErrAnalyzer, resp.StatusCode(), out.Error)
	}
	if len(out.Result) == 0 {
		return nil, fmt.Errorf("%w: empty result", ErrAnalyzer)
	}
	return out.Result, nil
}
