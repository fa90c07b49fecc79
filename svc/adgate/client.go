package adgate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/dmitrymomot/quotagate/pkg/statemachine"
	"github.com/dmitrymomot/quotagate/svc/entitlement"
	"github.com/dmitrymomot/quotagate/svc/quota"
)

// AdPresenter is the device side: consent prompt and ad SDK.
type AdPresenter interface {
	// Consent asks the user to watch an ad. False means declined.
	Consent(ctx context.Context, feature string) (bool, error)
	// Show plays the rewarded ad and returns once it was fully watched.
	Show(ctx context.Context, feature string) error
}

// ClientResult is a successful call.
type ClientResult struct {
	State    State
	Result   json.RawMessage
	Bypassed bool
}

type featureResponse struct {
	OK              bool            `json:"ok"`
	Result          json.RawMessage `json:"result"`
	Error           string          `json:"error"`
	Feature         string          `json:"feature"`
	CurrentPlan     string          `json:"currentPlan"`
	BypassToken     string          `json:"bypassToken"`
	BypassExpiresAt time.Time       `json:"bypassExpiresAt"`
	Used            int64           `json:"used"`
	Limit           int64           `json:"limit"`
	ResetDate       time.Time       `json:"resetDate"`
}

// Client calls gated features and runs the ad flow when asked to.
type Client struct {
	http *resty.Client
	ads  AdPresenter
	flow *statemachine.Definition[State, Event]
}

type ClientOption func(*resty.Client)

// WithSession sets the bearer session token.
func WithSession(token string) ClientOption {
	return func(c *resty.Client) { c.SetAuthToken(token) }
}

// WithTenant sets the tenant header.
func WithTenant(header, slug string) ClientOption {
	return func(c *resty.Client) { c.SetHeader(header, slug) }
}

func WithTimeout(d time.Duration) ClientOption {
	return func(c *resty.Client) { c.SetTimeout(d) }
}

func NewClient(baseURL string, ads AdPresenter, opts ...ClientOption) *Client {
	rc := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(30*time.Second).
		SetHeader("Accept", "application/json")
	for _, opt := range opts {
		opt(rc)
	}
	return &Client{http: rc, ads: ads, flow: Flow}
}

// Run calls the feature. On AD_REQUIRED it asks for consent, shows the ad
// and retries once with the issued token. A declined or failed ad returns
// ErrAdDeclinedByUser or ErrAdDisplayFailed and never retries.
func (c *Client) Run(ctx context.Context, feature string, payload any) (ClientResult, error) {
	m := c.flow.Start()

	status, resp, err := c.call(ctx, feature, payload, "")
	if err != nil {
		return ClientResult{State: m.Current()}, err
	}

	switch {
	case status == http.StatusOK:
		if err := fire(ctx, m, EventChecked, Verdict{Allowed: true}); err != nil {
			return ClientResult{State: m.Current()}, err
		}
		return ClientResult{State: m.Current(), Result: resp.Result}, nil
	case status == http.StatusTooManyRequests:
		if err := fire(ctx, m, EventChecked, Verdict{Hard: true}); err != nil {
			return ClientResult{State: m.Current()}, err
		}
		return ClientResult{State: m.Current()}, exceeded(feature, resp)
	case status == http.StatusForbidden && resp.Error == "watch_ad_required":
		if err := fire(ctx, m, EventChecked, Verdict{}); err != nil {
			return ClientResult{State: m.Current()}, err
		}
	default:
		return ClientResult{State: m.Current()}, fmt.Errorf("%w: status %d: %s", ErrUnexpectedResponse, status, resp.Error)
	}

	ok, err := c.ads.Consent(ctx, feature)
	if err != nil || !ok {
		flowErr := abandon(ctx, m, EventAdDeclined)
		return ClientResult{State: m.Current()}, errors.Join(ErrAdDeclinedByUser, err, flowErr)
	}
	if err := c.ads.Show(ctx, feature); err != nil {
		flowErr := abandon(ctx, m, EventAdFailed)
		return ClientResult{State: m.Current()}, errors.Join(ErrAdDisplayFailed, err, flowErr)
	}
	if err := fire(ctx, m, EventAdCompleted, nil); err != nil {
		return ClientResult{State: m.Current()}, err
	}

	bypass := resp.BypassToken
	if bypass == "" {
		bypass = "1"
	}
	status, retry, err := c.call(ctx, feature, payload, bypass)
	if err != nil {
		return ClientResult{State: m.Current()}, errors.Join(err, fire(ctx, m, EventRetried, false))
	}
	if err := fire(ctx, m, EventRetried, status == http.StatusOK); err != nil {
		return ClientResult{State: m.Current()}, err
	}
	if status != http.StatusOK {
		return ClientResult{State: m.Current()}, fmt.Errorf("%w: retry status %d: %s", ErrUnexpectedResponse, status, retry.Error)
	}
	return ClientResult{State: m.Current(), Result: retry.Result, Bypassed: true}, nil
}

func fire(ctx context.Context, m *statemachine.Machine[State, Event], event Event, data any) error {
	if err := m.Fire(ctx, event, data); err != nil {
		return fmt.Errorf("%w: %w", ErrFlowViolation, err)
	}
	return nil
}

// abandon moves a declined or failed ad to DENIED.
func abandon(ctx context.Context, m *statemachine.Machine[State, Event], event Event) error {
	if err := fire(ctx, m, event, nil); err != nil {
		return err
	}
	return fire(ctx, m, EventAbandoned, nil)
}

func (c *Client) call(ctx context.Context, feature string, payload any, bypass string) (int, featureResponse, error) {
	var out featureResponse
	req := c.http.R().
		SetContext(ctx).
		SetBody(map[string]any{"payload": payload}).
		SetResult(&out).
		SetError(&out)
	if bypass != "" {
		req.SetHeader(BypassHeader, bypass)
	}
	resp, err := req.Post("/v1/features/" + url.PathEscape(feature))
	if err != nil {
		return 0, out, fmt.Errorf("call feature %s: %w", feature, err)
	}
	return resp.StatusCode(), out, nil
}

func exceeded(feature string, resp featureResponse) error {
	f, err := entitlement.ParseFeature(feature)
	if err != nil {
		f = entitlement.Feature(feature)
	}
	return &quota.ExceededError{
		Feature:   f,
		Used:      resp.Used,
		Limit:     entitlement.Limit(resp.Limit),
		ResetDate: resp.ResetDate,
	}
}
