package adgate_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
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
	"github.com/dmitrymomot/quotagate/svc/quota"
)

const secret = "test-adgate-secret"

var march = time.Date(2025, 3, 15, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store *quota.MemoryStore
	gate  *adgate.Gate
}

func newFixture(t *testing.T, opts ...adgate.Option) fixture {
	t.Helper()
	store := quota.NewMemoryStore()
	ledger := quota.NewLedger(store, entitlement.DefaultTable(), quota.WithClock(func() time.Time { return march }))
	gate := adgate.NewGate(ledger, adgate.NewTokens(secret, 10*time.Minute), adgate.NewMemoryRedeemer(), opts...)
	return fixture{store: store, gate: gate}
}

func (f fixture) use(t *testing.T, subj quota.Subject, feature entitlement.Feature, n int) {
	t.Helper()
	for range n {
		_, err := f.store.Increment(context.Background(), subj.TenantID, subj.UserID, feature, "2025-03")
		require.NoError(t, err)
	}
}

func subject(plan entitlement.Plan) quota.Subject {
	return quota.Subject{TenantID: uuid.New(), UserID: uuid.New(), Plan: plan}
}

func requireAd(t *testing.T, err error) *adgate.RequiredError {
	t.Helper()
	var req *adgate.RequiredError
	require.ErrorAs(t, err, &req)
	require.NotEmpty(t, req.BypassToken)
	return req
}

// touchStore counts every store access.
type touchStore struct{ calls atomic.Int32 }

func (s *touchStore) Count(context.Context, uuid.UUID, uuid.UUID, entitlement.Feature, string) (int64, error) {
	s.calls.Add(1)
	return 0, nil
}

func (s *touchStore) Increment(context.Context, uuid.UUID, uuid.UUID, entitlement.Feature, string) (int64, error) {
	s.calls.Add(1)
	return 0, nil
}

func (s *touchStore) Counts(context.Context, uuid.UUID, uuid.UUID, string) (map[entitlement.Feature]int64, error) {
	s.calls.Add(1)
	return nil, nil
}

func (s *touchStore) CountRows(context.Context, uuid.UUID, uuid.UUID, time.Time, time.Time) (int64, error) {
	s.calls.Add(1)
	return 0, nil
}

func (s *touchStore) InsertRow(context.Context, uuid.UUID, uuid.UUID, json.RawMessage, time.Time) error {
	s.calls.Add(1)
	return nil
}

func TestFlow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("allowed", func(t *testing.T) {
		m := adgate.Flow.Start()
		require.NoError(t, m.Fire(ctx, adgate.EventChecked, adgate.Verdict{Allowed: true}))
		assert.Equal(t, adgate.StateAllowed, m.Current())
		assert.True(t, m.Done())
	})

	t.Run("hard cap denies", func(t *testing.T) {
		m := adgate.Flow.Start()
		require.NoError(t, m.Fire(ctx, adgate.EventChecked, adgate.Verdict{Hard: true}))
		assert.Equal(t, adgate.StateDenied, m.Current())
	})

	t.Run("ad watched and retry accepted", func(t *testing.T) {
		m := adgate.Flow.Start()
		require.NoError(t, m.Fire(ctx, adgate.EventChecked, adgate.Verdict{}))
		assert.Equal(t, adgate.StateAdRequired, m.Current())
		require.NoError(t, m.Fire(ctx, adgate.EventAdCompleted, nil))
		require.NoError(t, m.Fire(ctx, adgate.EventRetried, true))
		assert.Equal(t, adgate.StateAllowed, m.Current())
	})

	t.Run("retry rejected", func(t *testing.T) {
		m := adgate.Flow.Resume(adgate.StateAdGranted)
		require.NoError(t, m.Fire(ctx, adgate.EventRetried, false))
		assert.Equal(t, adgate.StateDenied, m.Current())
	})

	t.Run("declined and failed end denied", func(t *testing.T) {
		for _, ev := range []adgate.Event{adgate.EventAdDeclined, adgate.EventAdFailed} {
			m := adgate.Flow.Resume(adgate.StateAdRequired)
			require.NoError(t, m.Fire(ctx, ev, nil))
			require.NoError(t, m.Fire(ctx, adgate.EventAbandoned, nil))
			assert.Equal(t, adgate.StateDenied, m.Current())
		}
	})

	t.Run("no ad prompt after decline", func(t *testing.T) {
		m := adgate.Flow.Resume(adgate.StateAdDeclined)
		assert.False(t, m.CanFire(ctx, adgate.EventAdCompleted, nil))
	})
}

func TestGateFreePlan(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	subj := subject(entitlement.PlanFree)

	for _, feature := range []entitlement.Feature{entitlement.FeatureText, entitlement.FeatureOCR, entitlement.FeatureReport, entitlement.FeatureCoach} {
		out, err := f.gate.Evaluate(context.Background(), adgate.Request{Subject: subj, Feature: feature})
		req := requireAd(t, err)
		assert.Equal(t, feature, req.Feature)
		assert.Equal(t, entitlement.PlanFree, req.Plan)
		assert.Equal(t, adgate.StateAdRequired, out.State)
	}
}

func TestGatePremiumBoundary(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	subj := subject(entitlement.PlanPremium)
	ctx := context.Background()

	f.use(t, subj, entitlement.FeatureText, 49)
	out, err := f.gate.Evaluate(ctx, adgate.Request{Subject: subj, Feature: entitlement.FeatureText})
	require.NoError(t, err)
	assert.Equal(t, adgate.StateAllowed, out.State)
	assert.True(t, out.Debit)
	assert.Equal(t, int64(49), out.Decision.Used)

	f.use(t, subj, entitlement.FeatureText, 1)
	_, err = f.gate.Evaluate(ctx, adgate.Request{Subject: subj, Feature: entitlement.FeatureText})
	requireAd(t, err)
}

func TestGateUnlimited(t *testing.T) {
	t.Parallel()
	store := &touchStore{}
	ledger := quota.NewLedger(store, entitlement.DefaultTable())
	gate := adgate.NewGate(ledger, adgate.NewTokens(secret, time.Minute), adgate.NewMemoryRedeemer())
	subj := subject(entitlement.PlanUnlimited)

	for _, feature := range entitlement.Features {
		out, err := gate.Evaluate(context.Background(), adgate.Request{Subject: subj, Feature: feature, Bypass: "garbage"})
		require.NoError(t, err)
		assert.Equal(t, adgate.StateAllowed, out.State)
		assert.False(t, out.Debit)
		assert.False(t, out.Bypassed)
	}
	assert.Zero(t, store.calls.Load())
}

func TestGateHardCap(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	subj := subject(entitlement.PlanFree)

	f.use(t, subj, entitlement.FeaturePhoto, 4)
	_, err := f.gate.Evaluate(context.Background(), adgate.Request{Subject: subj, Feature: entitlement.FeaturePhoto})
	require.NoError(t, err)

	f.use(t, subj, entitlement.FeaturePhoto, 1)
	out, err := f.gate.Evaluate(context.Background(), adgate.Request{Subject: subj, Feature: entitlement.FeaturePhoto, Bypass: "1"})
	var exceeded *quota.ExceededError
	require.ErrorAs(t, err, &exceeded)
	assert.Equal(t, adgate.StateDenied, out.State)
	assert.Equal(t, int64(5), exceeded.Used)
	assert.Equal(t, entitlement.Limit(5), exceeded.Limit)
	assert.Equal(t, time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC), exceeded.ResetDate)
}

func TestGateBypass(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("zero allowance is not debited", func(t *testing.T) {
		f := newFixture(t)
		subj := subject(entitlement.PlanFree)
		_, err := f.gate.Evaluate(ctx, adgate.Request{Subject: subj, Feature: entitlement.FeatureText})
		tok := requireAd(t, err).BypassToken

		out, err := f.gate.Evaluate(ctx, adgate.Request{Subject: subj, Feature: entitlement.FeatureText, Bypass: tok})
		require.NoError(t, err)
		assert.Equal(t, adgate.StateAllowed, out.State)
		assert.True(t, out.Bypassed)
		assert.False(t, out.Debit)
	})

	t.Run("finite limit is debited", func(t *testing.T) {
		f := newFixture(t)
		subj := subject(entitlement.PlanPremium)
		f.use(t, subj, entitlement.FeatureOCR, 50)
		_, err := f.gate.Evaluate(ctx, adgate.Request{Subject: subj, Feature: entitlement.FeatureOCR})
		tok := requireAd(t, err).BypassToken

		out, err := f.gate.Evaluate(ctx, adgate.Request{Subject: subj, Feature: entitlement.FeatureOCR, Bypass: tok})
		require.NoError(t, err)
		assert.True(t, out.Bypassed)
		assert.True(t, out.Debit)
	})

	t.Run("token is single use", func(t *testing.T) {
		f := newFixture(t)
		subj := subject(entitlement.PlanFree)
		_, err := f.gate.Evaluate(ctx, adgate.Request{Subject: subj, Feature: entitlement.FeatureReport})
		tok := requireAd(t, err).BypassToken

		_, err = f.gate.Evaluate(ctx, adgate.Request{Subject: subj, Feature: entitlement.FeatureReport, Bypass: tok})
		require.NoError(t, err)

		_, err = f.gate.Evaluate(ctx, adgate.Request{Subject: subj, Feature: entitlement.FeatureReport, Bypass: tok})
		fresh := requireAd(t, err)
		assert.NotEqual(t, tok, fresh.BypassToken)
	})

	t.Run("concurrent redemption has one winner", func(t *testing.T) {
		f := newFixture(t)
		subj := subject(entitlement.PlanFree)
		_, err := f.gate.Evaluate(ctx, adgate.Request{Subject: subj, Feature: entitlement.FeatureText})
		tok := requireAd(t, err).BypassToken

		var wg sync.WaitGroup
		var accepted atomic.Int32
		for range 20 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				out, err := f.gate.Evaluate(ctx, adgate.Request{Subject: subj, Feature: entitlement.FeatureText, Bypass: tok})
				if err == nil && out.Bypassed {
					accepted.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), accepted.Load())
	})

	t.Run("token bound to feature and user", func(t *testing.T) {
		f := newFixture(t)
		subj := subject(entitlement.PlanFree)
		_, err := f.gate.Evaluate(ctx, adgate.Request{Subject: subj, Feature: entitlement.FeatureText})
		tok := requireAd(t, err).BypassToken

		_, err = f.gate.Evaluate(ctx, adgate.Request{Subject: subj, Feature: entitlement.FeatureOCR, Bypass: tok})
		requireAd(t, err)

		other := subj
		other.UserID = uuid.New()
		_, err = f.gate.Evaluate(ctx, adgate.Request{Subject: other, Feature: entitlement.FeatureText, Bypass: tok})
		requireAd(t, err)

		// Rejected attempts do not burn the token.
		out, err := f.gate.Evaluate(ctx, adgate.Request{Subject: subj, Feature: entitlement.FeatureText, Bypass: tok})
		require.NoError(t, err)
		assert.True(t, out.Bypassed)
	})

	t.Run("forged and expired tokens", func(t *testing.T) {
		f := newFixture(t)
		subj := subject(entitlement.PlanFree)

		forged, _, err := adgate.NewTokens("other-secret", time.Minute).Issue(subj, entitlement.FeatureText)
		require.NoError(t, err)
		_, err = f.gate.Evaluate(ctx, adgate.Request{Subject: subj, Feature: entitlement.FeatureText, Bypass: forged})
		requireAd(t, err)

		expired, _, err := adgate.NewTokens(secret, -time.Minute).Issue(subj, entitlement.FeatureText)
		require.NoError(t, err)
		_, err = f.gate.Evaluate(ctx, adgate.Request{Subject: subj, Feature: entitlement.FeatureText, Bypass: expired})
		requireAd(t, err)
	})

	t.Run("legacy value", func(t *testing.T) {
		subj := subject(entitlement.PlanFree)

		_, err := newFixture(t).gate.Evaluate(ctx, adgate.Request{Subject: subj, Feature: entitlement.FeatureText, Bypass: "1"})
		requireAd(t, err)

		out, err := newFixture(t, adgate.WithLegacyBypass(true)).gate.Evaluate(ctx, adgate.Request{Subject: subj, Feature: entitlement.FeatureText, Bypass: "1"})
		require.NoError(t, err)
		assert.True(t, out.Bypassed)
		assert.False(t, out.Debit)
	})
}

func TestTokens(t *testing.T) {
	t.Parallel()
	tokens := adgate.NewTokens(secret, 10*time.Minute)
	subj := subject(entitlement.PlanFree)

	raw, exp, err := tokens.Issue(subj, entitlement.FeatureCoach)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(10*time.Minute), exp, 2*time.Second)

	claims, err := tokens.Verify(raw, subj, entitlement.FeatureCoach)
	require.NoError(t, err)
	assert.Equal(t, subj.TenantID, claims.TenantID)
	assert.Equal(t, subj.UserID, claims.UserID)
	assert.NotEmpty(t, claims.ID)

	_, err = tokens.Verify(raw, subj, entitlement.FeatureText)
	assert.ErrorIs(t, err, adgate.ErrBypassMismatch)

	_, err = tokens.Verify("not-a-token", subj, entitlement.FeatureCoach)
	assert.ErrorIs(t, err, adgate.ErrBypassInvalid)

	stale, _, err := adgate.NewTokens(secret, -time.Second).Issue(subj, entitlement.FeatureCoach)
	require.NoError(t, err)
	_, err = tokens.Verify(stale, subj, entitlement.FeatureCoach)
	assert.ErrorIs(t, err, adgate.ErrBypassExpired)
}

func TestRedisRedeemer(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	r := adgate.NewRedisRedeemer(client)
	ctx := context.Background()

	ok, err := r.Redeem(ctx, "jti-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.Redeem(ctx, "jti-1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, mr.Exists("adgate:redeemed:jti-1"))

	mr.FastForward(2 * time.Minute)
	ok, err = r.Redeem(ctx, "jti-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGateRedeemerFailure(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })

	ledger := quota.NewLedger(quota.NewMemoryStore(), entitlement.DefaultTable())
	tokens := adgate.NewTokens(secret, time.Minute)
	gate := adgate.NewGate(ledger, tokens, adgate.NewRedisRedeemer(client))
	subj := subject(entitlement.PlanFree)

	tok, _, err := tokens.Issue(subj, entitlement.FeatureText)
	require.NoError(t, err)

	mr.SetError("READONLY")
	_, err = gate.Evaluate(context.Background(), adgate.Request{Subject: subj, Feature: entitlement.FeatureText, Bypass: tok})
	require.Error(t, err)
	var req *adgate.RequiredError
	assert.False(t, errors.As(err, &req))
}
