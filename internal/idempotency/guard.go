package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/actiongate/internal/persistence"
)

// ErrInProgress reports a duplicate of an operation that is still
// running. Callers fail fast instead of waiting on the first attempt.
var ErrInProgress = errors.New("idempotency: operation already in progress")

// ErrPriorFailure reports a duplicate of an operation that already
// failed; the wrapped message is the cached original error.
var ErrPriorFailure = errors.New("idempotency: prior attempt failed")

// Guard serializes side-effecting operations by fingerprint so each
// runs at most once per TTL window. Duplicates get the cached outcome.
type Guard struct {
	store    *persistence.Store
	log      *slog.Logger
	ttl      time.Duration
	failOpen bool
	now      func() time.Time
}

// Options configures a Guard. Zero values fall back to the store's
// default TTL, fail-open behavior, and the wall clock.
type Options struct {
	TTL      time.Duration
	FailOpen *bool
	Now      func() time.Time
}

func NewGuard(store *persistence.Store, log *slog.Logger, opts Options) *Guard {
	g := &Guard{
		store:    store,
		log:      log,
		ttl:      opts.TTL,
		failOpen: true,
		now:      opts.Now,
	}
	if g.log == nil {
		g.log = slog.Default()
	}
	if g.ttl <= 0 {
		g.ttl = persistence.DefaultIdempotencyTTL
	}
	if opts.FailOpen != nil {
		g.failOpen = *opts.FailOpen
	}
	if g.now == nil {
		g.now = time.Now
	}
	return g
}

// Reservation is the result of CheckAndReserve.
type Reservation struct {
	Key       string
	Reserved  bool
	Duplicate persistence.IdempotencyRecord
	// Degraded is set when storage failed and the fail-open policy let
	// the operation proceed without a reservation.
	Degraded bool
}

// CheckAndReserve computes the operation fingerprint and attempts an
// atomic reservation. Exactly one concurrent caller wins; losers see
// the existing record. A storage fault (not a lost race, which the
// store resolves itself) degrades per the fail-open policy.
func (g *Guard) CheckAndReserve(ctx context.Context, conversationID, toolName string, args json.RawMessage) (Reservation, error) {
	key, err := Fingerprint(conversationID, toolName, args)
	if err != nil {
		return Reservation{}, fmt.Errorf("fingerprint: %w", err)
	}
	now := g.now()
	rec := persistence.IdempotencyRecord{
		ID:             key,
		ConversationID: conversationID,
		ToolName:       toolName,
		ArgsHash:       key[len(key)-16:],
		ExpiresAt:      now.Add(g.ttl),
	}
	existing, reserved, err := g.store.ReserveOperation(ctx, rec, now)
	if err != nil {
		if !g.failOpen {
			return Reservation{}, fmt.Errorf("reserve %s: %w", key, err)
		}
		g.log.Warn("idempotency check degraded, proceeding fail-open",
			"key", key, "tool", toolName, "error", err)
		return Reservation{Key: key, Reserved: true, Degraded: true}, nil
	}
	if reserved {
		return Reservation{Key: key, Reserved: true}, nil
	}
	g.log.Info("duplicate operation detected",
		"key", key, "tool", toolName, "status", existing.Status)
	return Reservation{Key: key, Duplicate: existing}, nil
}

// Complete records a successful outcome for a reservation. No-op for
// degraded (fail-open) reservations, which were never persisted.
func (g *Guard) Complete(ctx context.Context, r Reservation, result string) error {
	if r.Degraded {
		return nil
	}
	return g.store.CompleteOperation(ctx, r.Key, result, g.now())
}

// Fail records a failed outcome for a reservation.
func (g *Guard) Fail(ctx context.Context, r Reservation, opErr error) error {
	if r.Degraded {
		return nil
	}
	return g.store.FailOperation(ctx, r.Key, opErr.Error(), g.now())
}

// Execute runs fn at most once per fingerprint per TTL window.
// Duplicates return the cached result or cached error without running
// fn; a duplicate of a still-pending attempt fails fast with
// ErrInProgress. The duplicate flag tells the caller whether fn ran.
func (g *Guard) Execute(ctx context.Context, conversationID, toolName string, args json.RawMessage, fn func(context.Context) (string, error)) (result string, duplicate bool, err error) {
	r, err := g.CheckAndReserve(ctx, conversationID, toolName, args)
	if err != nil {
		return "", false, err
	}
	if !r.Reserved {
		switch r.Duplicate.Status {
		case persistence.OperationCompleted:
			return r.Duplicate.Result, true, nil
		case persistence.OperationFailed:
			return "", true, fmt.Errorf("%w: %s", ErrPriorFailure, r.Duplicate.Error)
		default:
			return "", true, ErrInProgress
		}
	}

	result, err = fn(ctx)
	if err != nil {
		if ferr := g.Fail(ctx, r, err); ferr != nil {
			g.log.Error("record operation failure", "key", r.Key, "error", ferr)
		}
		return "", false, err
	}
	if cerr := g.Complete(ctx, r, result); cerr != nil {
		// The side effect already happened; surface the result and log
		// the bookkeeping fault.
		g.log.Error("record operation result", "key", r.Key, "error", cerr)
	}
	return result, false, nil
}
