package adgate

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/quotagate/pkg/statemachine"
)

func TestClientRunReportsFlowViolation(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": map[string]string{"summary": "done"}})
	}))
	t.Cleanup(srv.Close)

	c := NewClient(srv.URL, nil)
	// No edge leaves INITIAL for an allowed verdict.
	c.flow = statemachine.NewBuilder[State, Event](StateInitial).
		From(StateInitial).When(EventChecked).To(StateAdRequired).Guard(verdictHard).Add().
		MustBuild()

	res, err := c.Run(context.Background(), "text_analysis", map[string]string{"text": "hi"})
	require.ErrorIs(t, err, ErrFlowViolation)
	var rejected *statemachine.RejectedError
	assert.ErrorAs(t, err, &rejected)
	assert.Equal(t, StateInitial, res.State)
}

func TestAbandonReachesDenied(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	m := Flow.Resume(StateAdRequired)
	require.NoError(t, abandon(ctx, m, EventAdDeclined))
	assert.Equal(t, StateDenied, m.Current())

	// Abandoning twice is a protocol error, not a silent no-op.
	err := abandon(ctx, m, EventAdDeclined)
	require.ErrorIs(t, err, ErrFlowViolation)
	var missing *statemachine.NoTransitionError
	assert.ErrorAs(t, err, &missing)
}
