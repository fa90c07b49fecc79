package adgate

import (
	"errors"
	"fmt"
	"time"

	"github.com/dmitrymomot/quotagate/svc/entitlement"
)

var (
	ErrBypassInvalid  = errors.New("bypass token invalid")
	ErrBypassExpired  = errors.New("bypass token expired")
	ErrBypassMismatch = errors.New("bypass token issued for another call")
	ErrBypassReplayed = errors.New("bypass token already redeemed")

	// ErrAdDeclinedByUser and ErrAdDisplayFailed end a client-side flow
	// without retrying. Callers surface them without blocking the user.
	ErrAdDeclinedByUser = errors.New("user declined the rewarded ad")
	ErrAdDisplayFailed  = errors.New("rewarded ad failed to display")

	ErrUnexpectedResponse = errors.New("unexpected response from feature endpoint")
	ErrFlowViolation      = errors.New("ad flow transition not allowed")
)

// RequiredError asks the client to show a rewarded ad and retry with
// BypassToken in the X-Ad-Completed header.
type RequiredError struct {
	Feature     entitlement.Feature
	Plan        entitlement.Plan
	BypassToken string
	ExpiresAt   time.Time
}

func (e *RequiredError) Error() string {
	return fmt.Sprintf("watch ad required for %s on %s plan", e.Feature.WireName(), e.Plan)
}
