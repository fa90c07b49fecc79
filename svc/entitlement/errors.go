package entitlement

import "errors"

var (
	ErrUnknownPlan    = errors.New("unknown plan")
	ErrUnknownFeature = errors.New("unknown feature")
	ErrInvalidLimit   = errors.New("invalid limit")
	ErrInvalidTable   = errors.New("invalid entitlement table")
)
