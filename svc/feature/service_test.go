package feature_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/quotagate/svc/adgate"
	"github.com/dmitrymomot/quotagate/svc/entitlement"
	"github.com/dmitrymomot/quotagate/svc/feature"
	"github.com/dmitrymomot/quotagate/svc/quota"
)

var march = time.Date(2025, 3, 15, 12, 0, 0, 0, time.UTC)

type countingAnalyzer struct {
	calls atomic.Int32
	err   error
}

func (a *countingAnalyzer) Analyze(_ context.Context, f entitlement.Feature, _ json.RawMessage) (json.RawMessage, error) {
	a.calls.Add(1)
	if a.err != nil {
		return nil, a.err
	}
	return json.RawMessage(`{"feature":"` + f.WireName() + `"}`), nil
}

type fixture struct {
	store    *quota.MemoryStore
	analyzer *countingAnalyzer
	svc      *feature.Service
}

func newFixture(t *testing.T, opts ...feature.Option) fixture {
	t.Helper()
	store := quota.NewMemoryStore()
	ledger := quota.NewLedger(store, entitlement.DefaultTable(), quota.WithClock(func() time.Time { return march }))
	gate := adgate.NewGate(ledger, adgate.NewTokens("secret", 10*time.Minute), adgate.NewMemoryRedeemer())
	analyzer := &countingAnalyzer{}
	return fixture{store: store, analyzer: analyzer, svc: feature.NewService(gate, ledger, analyzer, opts...)}
}

func subject(plan entitlement.Plan) quota.Subject {
	return quota.Subject{TenantID: uuid.New(), UserID: uuid.New(), Plan: plan}
}

func (f fixture) count(t *testing.T, subj quota.Subject, feat entitlement.Feature) int64 {
	t.Helper()
	n, err := f.store.Count(context.Background(), subj.TenantID, subj.UserID, feat, "2025-03")
	require.NoError(t, err)
	return n
}

func (f fixture) adToken(t *testing.T, subj quota.Subject, feat entitlement.Feature) string {
	t.Helper()
	_, err := f.svc.Call(context.Background(), feature.Request{Subject: subj, Feature: feat})
	var req *adgate.RequiredError
	require.ErrorAs(t, err, &req)
	return req.BypassToken
}

func TestFreeTextAnalysisScenario(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	subj := subject(entitlement.PlanFree)
	ctx := context.Background()

	_, err := f.svc.Call(ctx, feature.Request{Subject: subj, Feature: entitlement.FeatureText})
	var req *adgate.RequiredError
	require.ErrorAs(t, err, &req)
	assert.Equal(t, "text_analysis", req.Feature.WireName())
	assert.Equal(t, entitlement.PlanFree, req.Plan)
	assert.Zero(t, f.analyzer.calls.Load())

	resp, err := f.svc.Call(ctx, feature.Request{Subject: subj, Feature: entitlement.FeatureText, Bypass: req.BypassToken})
	require.NoError(t, err)
	assert.JSONEq(t, `{"feature":"text_analysis"}`, string(resp.Result))
	assert.True(t, resp.Outcome.Bypassed)
	assert.Equal(t, int32(1), f.analyzer.calls.Load())
	assert.Zero(t, f.count(t, subj, entitlement.FeatureText))
}

func TestPremiumCoachScenario(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	subj := subject(entitlement.PlanPremium)
	ctx := context.Background()

	for range 5 {
		require.NoError(t, f.store.InsertRow(ctx, subj.TenantID, subj.UserID, json.RawMessage(`{}`), march))
	}

	tok := f.adToken(t, subj, entitlement.FeatureCoach)
	_, err := f.svc.Call(ctx, feature.Request{Subject: subj, Feature: entitlement.FeatureCoach, Payload: json.RawMessage(`{"day":1}`), Bypass: tok})
	require.NoError(t, err)

	assert.Equal(t, 6, f.store.Rows())
	counts, err := f.store.Counts(ctx, subj.TenantID, subj.UserID, "2025-03")
	require.NoError(t, err)
	assert.Empty(t, counts)
}

func TestPremiumDebitsCounter(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	subj := subject(entitlement.PlanPremium)

	for i := range 3 {
		_, err := f.svc.Call(context.Background(), feature.Request{Subject: subj, Feature: entitlement.FeatureOCR})
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), f.count(t, subj, entitlement.FeatureOCR))
	}
}

func TestUnlimitedNeverRecorded(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	subj := subject(entitlement.PlanUnlimited)

	for _, feat := range entitlement.Features {
		_, err := f.svc.Call(context.Background(), feature.Request{Subject: subj, Feature: feat})
		require.NoError(t, err)
		assert.Zero(t, f.count(t, subj, feat))
	}
	assert.Zero(t, f.store.Rows())
}

func TestFailedAnalysisIsNotRecorded(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.analyzer.err = errors.New("model unavailable")
	subj := subject(entitlement.PlanPremium)

	_, err := f.svc.Call(context.Background(), feature.Request{Subject: subj, Feature: entitlement.FeaturePhoto})
	require.ErrorIs(t, err, feature.ErrAnalyzer)
	assert.Zero(t, f.count(t, subj, entitlement.FeaturePhoto))
}

func TestCancelledRequestIsNotRecorded(t *testing.T) {
	t.Parallel()
	store := quota.NewMemoryStore()
	ledger := quota.NewLedger(store, entitlement.DefaultTable(), quota.WithClock(func() time.Time { return march }))
	gate := adgate.NewGate(ledger, adgate.NewTokens("secret", time.Minute), adgate.NewMemoryRedeemer())

	ctx, cancel := context.WithCancel(context.Background())
	analyzer := feature.AnalyzerFunc(func(context.Context, entitlement.Feature, json.RawMessage) (json.RawMessage, error) {
		cancel()
		return json.RawMessage(`{}`), nil
	})
	svc := feature.NewService(gate, ledger, analyzer)
	subj := subject(entitlement.PlanPremium)

	_, err := svc.Call(ctx, feature.Request{Subject: subj, Feature: entitlement.FeaturePhoto})
	require.ErrorIs(t, err, context.Canceled)

	n, err := store.Count(context.Background(), subj.TenantID, subj.UserID, entitlement.FeaturePhoto, "2025-03")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestHardCapReturnsExceeded(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	subj := subject(entitlement.PlanFree)

	for range 5 {
		_, err := f.svc.Call(context.Background(), feature.Request{Subject: subj, Feature: entitlement.FeaturePhoto})
		require.NoError(t, err)
	}
	_, err := f.svc.Call(context.Background(), feature.Request{Subject: subj, Feature: entitlement.FeaturePhoto})
	var exceeded *quota.ExceededError
	require.ErrorAs(t, err, &exceeded)
	assert.Equal(t, int64(5), exceeded.Used)
	assert.Equal(t, int32(5), f.analyzer.calls.Load())
}

func TestResultCache(t *testing.T) {
	t.Parallel()

	caches := map[string]func(t *testing.T) quota.ResultCache{
		"memory": func(*testing.T) quota.ResultCache { return quota.NewMemoryResultCache() },
		"redis": func(t *testing.T) quota.ResultCache {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { _ = client.Close() })
			return quota.NewRedisResultCache(client)
		},
	}
	for name, newCache := range caches {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, feature.WithResultCache(newCache(t), 5*time.Minute))
			subj := subject(entitlement.PlanPremium)
			ctx := context.Background()
			payload := json.RawMessage(`{"meals":["oats"]}`)

			first, err := f.svc.Call(ctx, feature.Request{Subject: subj, Feature: entitlement.FeatureCoach, Payload: payload})
			require.NoError(t, err)
			assert.False(t, first.Cached)

			second, err := f.svc.Call(ctx, feature.Request{Subject: subj, Feature: entitlement.FeatureCoach, Payload: payload})
			require.NoError(t, err)
			assert.True(t, second.Cached)
			assert.JSONEq(t, string(first.Result), string(second.Result))
			assert.Equal(t, int32(1), f.analyzer.calls.Load())
			assert.Equal(t, 1, f.store.Rows())

			_, err = f.svc.Call(ctx, feature.Request{Subject: subj, Feature: entitlement.FeatureCoach, Payload: json.RawMessage(`{"meals":["eggs"]}`)})
			require.NoError(t, err)
			assert.Equal(t, int32(2), f.analyzer.calls.Load())

			// Counter-metered features are not cached.
			for range 2 {
				_, err = f.svc.Call(ctx, feature.Request{Subject: subj, Feature: entitlement.FeatureText, Payload: payload})
				require.NoError(t, err)
			}
			assert.Equal(t, int32(4), f.analyzer.calls.Load())
		})
	}
}

func TestRemoteAnalyzer(t *testing.T) {
	t.Parallel()

	_, err := feature.NewRemoteAnalyzer(feature.Config{})
	require.ErrorIs(t, err, feature.ErrNoAnalyzerURL)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/analyze", r.URL.Path)
		assert.Equal(t, "Bearer inference-token", r.Header.Get("Authorization"))
		var in struct {
			Feature string          `json:"feature"`
			Payload json.RawMessage `json:"payload"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))

		w.Header().Set("Content-Type", "application/json")
		if in.Feature == "ocr_analysis" {
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte(`{"error":"model offline"}`))
			return
		}
		_, _ = w.Write([]byte(`{"result":{"feature":"` + in.Feature + `","echo":` + string(in.Payload) + `}}`))
	}))
	t.Cleanup(srv.Close)

	a, err := feature.NewRemoteAnalyzer(feature.Config{AnalyzerURL: srv.URL, AnalyzerToken: "inference-token", AnalyzerTimeout: time.Second})
	require.NoError(t, err)

	res, err := a.Analyze(context.Background(), entitlement.FeatureText, json.RawMessage(`{"text":"hi"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"feature":"text_analysis","echo":{"text":"hi"}}`, string(res))

	_, err = a.Analyze(context.Background(), entitlement.FeatureOCR, json.RawMessage(`{}`))
	assert.ErrorIs(t, err, feature.ErrAnalyzer)
}
