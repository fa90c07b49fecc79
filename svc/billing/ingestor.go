package billing

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/quotagate/pkg/logger"
	"github.com/dmitrymomot/quotagate/svc/account"
)

// Result is the acknowledgement returned to the provider.
type Result struct {
	OK        bool       `json:"ok"`
	Processed bool       `json:"processed"`
	Duplicate bool       `json:"duplicate,omitempty"`
	UserID    *uuid.UUID `json:"userId,omitempty"`
	Error     string     `json:"error,omitempty"`
	// Applied reports whether subscription state changed.
	Applied bool `json:"-"`
}

// Ingestor records billing events exactly once and applies their
// subscription transitions in the same unit of work.
type Ingestor struct {
	store  Store
	cfg    Config
	secret []byte
	now    func() time.Time
	log    *slog.Logger
}

type Option func(*Ingestor)

func WithLogger(l *slog.Logger) Option {
	return func(i *Ingestor) {
		if l != nil {
			i.log = l
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(i *Ingestor) { i.now = now }
}

func NewIngestor(store Store, cfg Config, opts ...Option) (*Ingestor, error) {
	if cfg.WebhookSecret == "" {
		return nil, ErrEmptySecret
	}
	i := &Ingestor{
		store:  store,
		cfg:    cfg,
		secret: []byte(cfg.WebhookSecret),
		now:    time.Now,
		log:    slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// Authenticate checks the Authorization header against the shared secret,
// with or without the "Bearer " prefix.
func (i *Ingestor) Authenticate(authorization string) error {
	got := strings.TrimSpace(authorization)
	if scheme, rest, ok := strings.Cut(got, " "); ok && strings.EqualFold(scheme, "Bearer") {
		got = strings.TrimSpace(rest)
	}
	if got == "" || subtle.ConstantTimeCompare([]byte(got), i.secret) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// Ingest processes an authenticated event. Internal failures are logged and
// reported as {ok:false} so the provider does not retry them.
func (i *Ingestor) Ingest(ctx context.Context, e Event) Result {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = i.now().UTC()
	}

	res, err := i.ingest(ctx, e)
	if err != nil {
		i.log.WarnContext(ctx, "webhook processing failed",
			logger.Component("billing"),
			logger.EventID(e.ID),
			logger.EventType(e.Type),
			logger.Error(err),
		)
		return Result{OK: false, Error: "processing_failed"}
	}

	attrs := []any{
		logger.Component("billing"),
		logger.EventID(e.ID),
		logger.EventType(e.Type),
		slog.Bool("duplicate", res.Duplicate),
		slog.Bool("applied", res.Applied),
	}
	if res.UserID != nil {
		attrs = append(attrs, logger.UserID(*res.UserID))
	} else if res.Processed {
		attrs = append(attrs, slog.String("app_user_id", e.AppUserID))
	}
	i.log.InfoContext(ctx, "webhook processed", attrs...)
	return res
}

func (i *Ingestor) ingest(ctx context.Context, e Event) (Result, error) {
	var res Result
	err := i.store.InTx(ctx, func(tx Tx) error {
		res = Result{OK: true}

		u, err := i.resolve(ctx, tx, e)
		if err != nil {
			return err
		}

		rec := Record{Event: e}
		if u != nil {
			rec.TenantID, rec.UserID = u.TenantID, u.ID
			rec.Applied = apply(u, e, i.cfg.PlanFor(e.ProductID))
		}

		inserted, err := tx.InsertEvent(ctx, rec)
		if err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
		if !inserted {
			res.Duplicate = true
			return nil
		}
		if rec.Applied {
			if err := tx.SaveSubscription(ctx, u); err != nil {
				return fmt.Errorf("save subscription: %w", err)
			}
		}

		res.Processed = true
		res.Applied = rec.Applied
		if u != nil {
			id := u.ID
			res.UserID = &id
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

func (i *Ingestor) resolve(ctx context.Context, tx Tx, e Event) (*account.User, error) {
	for _, id := range e.candidates() {
		u, err := tx.FindUser(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("find user %q: %w", id, err)
		}
		if u != nil {
			return u, nil
		}
	}
	return nil, nil
}

// LinkResult reports how many stored events were attached to the user.
type LinkResult struct {
	Reconciled int  `json:"reconciled"`
	Applied    bool `json:"applied"`
}

// Link maps appUserID to u and replays its unresolved events in event
// order, all in one unit of work.
func (i *Ingestor) Link(ctx context.Context, appUserID string, u *account.User) (LinkResult, error) {
	appUserID = strings.TrimSpace(appUserID)
	if appUserID == "" {
		return LinkResult{}, fmt.Errorf("%w: empty app_user_id", ErrInvalidPayload)
	}

	var res LinkResult
	err := i.store.InTenantTx(ctx, u.TenantID, func(tx Tx) error {
		res = LinkResult{}
		if err := tx.LinkCustomer(ctx, appUserID, u); err != nil {
			return err
		}
		pending, err := tx.Unresolved(ctx, appUserID)
		if err != nil {
			return fmt.Errorf("load unresolved events: %w", err)
		}
		if len(pending) == 0 {
			return nil
		}

		cur, err := tx.User(ctx, u.TenantID, u.ID)
		if err != nil {
			return err
		}
		for _, rec := range pending {
			applied := apply(cur, rec.Event, i.cfg.PlanFor(rec.ProductID))
			res.Applied = res.Applied || applied
			if err := tx.Resolve(ctx, rec.ID, cur, applied); err != nil {
				return fmt.Errorf("resolve event %s: %w", rec.ID, err)
			}
		}
		res.Reconciled = len(pending)
		if res.Applied {
			return tx.SaveSubscription(ctx, cur)
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrAlreadyLinked) {
			err = fmt.Errorf("link app user: %w", err)
		}
		return LinkResult{}, err
	}

	if res.Reconciled > 0 {
		i.log.InfoContext(ctx, "billing events reconciled",
			logger.Component("billing"),
			slog.String("app_user_id", appUserID),
			slog.Int("reconciled", res.Reconciled),
			slog.Bool("applied", res.Applied),
		)
	}
	return res, nil
}
