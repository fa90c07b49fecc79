package quota

import (
	"errors"
	"fmt"
	"time"

	"github.com/dmitrymomot/quotagate/svc/entitlement"
)

var (
	ErrInvalidSubject = errors.New("quota subject needs tenant and user ids")
	ErrStore          = errors.New("quota store failure")
)

// ExceededError is a hard rejection: the allowance is used up and the
// feature has no ad bypass.
type ExceededError struct {
	Feature   entitlement.Feature
	Used      int64
	Limit     entitlement.Limit
	ResetDate time.Time
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("quota exceeded for %s: used %d of %s", e.Feature, e.Used, e.Limit)
}
