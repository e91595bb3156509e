/**
 * @description
 * AttemptLedger tracks failed face verifications per user and locks the account
 * once the configured maximum is reached.
 *
 * The counter write and the Disabled status write are two separate store calls.
 * When the second one fails the user is remembered as a pending lockout and the
 * reconciler keeps retrying until the status lands.
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/securegate/kiosk-service/internal/domain"
	"github.com/securegate/kiosk-service/internal/store"
)

// AttemptCounter is the persistence for failed attempt counters.
type AttemptCounter interface {
	GetAttempts(ctx context.Context, userID string) (int, error)
	UpsertAttempts(ctx context.Context, userID string, count int) error
	IncrementAttempts(ctx context.Context, userID string, max int) (int, error)
	DeleteAttempts(ctx context.Context, userID string) error
}

// UserStatusWriter patches the account status on lockout and unlock.
type UserStatusWriter interface {
	UpdateUser(ctx context.Context, userID string, patch domain.UserPatch) error
}

// overLimitLister is implemented by counters that can join against user status.
type overLimitLister interface {
	ListOverLimitActiveUsers(ctx context.Context, max int) ([]string, error)
}

// LedgerUpdate is the result of a single increment.
type LedgerUpdate struct {
	Count      int
	LockedOut  bool
	DisableErr error
}

// AttemptLedger owns every mutation of the failed attempt counters.
type AttemptLedger struct {
	counter AttemptCounter
	users   UserStatusWriter
	max     int
	logger  *slog.Logger

	mu      sync.Mutex
	pending map[string]struct{}

	// statusMu orders Unlock against reconcile writes of the same account.
	statusMu sync.Mutex
}

// NewAttemptLedger creates a ledger locking accounts at max failures.
func NewAttemptLedger(counter AttemptCounter, users UserStatusWriter, max int, logger *slog.Logger) *AttemptLedger {
	if max <= 0 {
		max = 3
	}
	return &AttemptLedger{
		counter: counter,
		users:   users,
		max:     max,
		logger:  logger,
		pending: make(map[string]struct{}),
	}
}

// Max returns the lockout threshold.
func (l *AttemptLedger) Max() int {
	return l.max
}

// Remaining returns how many attempts are left for count failures.
func (l *AttemptLedger) Remaining(count int) int {
	if count >= l.max {
		return 0
	}
	return l.max - count
}

// Get returns the failed count, 0 when the user has no record.
func (l *AttemptLedger) Get(ctx context.Context, userID string) (int, error) {
	count, err := l.counter.GetAttempts(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return count, nil
}

// Increment records one failed verification. Reaching the maximum also disables
// the account; a failed status write is reported in the update, not as an error.
func (l *AttemptLedger) Increment(ctx context.Context, userID string) (LedgerUpdate, error) {
	count, err := l.counter.IncrementAttempts(ctx, userID, l.max)
	if err != nil {
		return LedgerUpdate{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	update := LedgerUpdate{Count: count}
	if count < l.max {
		return update, nil
	}

	update.LockedOut = true
	if err := l.disable(ctx, userID); err != nil {
		update.DisableErr = err
		l.logger.Error("failed to disable locked out user", "user_id", userID, "attempts", count, "error", err)
	}
	return update, nil
}

// Reset sets the counter back to zero. Calling it on a missing record is fine.
func (l *AttemptLedger) Reset(ctx context.Context, userID string) error {
	if err := l.counter.UpsertAttempts(ctx, userID, 0); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// Delete drops the record so a new identification window starts clean.
func (l *AttemptLedger) Delete(ctx context.Context, userID string) error {
	if err := l.counter.DeleteAttempts(ctx, userID); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// Unlock is the administrative reset: the record is removed and the account is
// made Active again.
func (l *AttemptLedger) Unlock(ctx context.Context, userID string) error {
	l.statusMu.Lock()
	defer l.statusMu.Unlock()

	if err := l.Delete(ctx, userID); err != nil {
		return err
	}
	l.mu.Lock()
	delete(l.pending, userID)
	l.mu.Unlock()

	if err := l.users.UpdateUser(ctx, userID, domain.StatusPatch(domain.UserStatusActive)); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// MarkPendingLockout queues a Disabled write for the reconciler.
func (l *AttemptLedger) MarkPendingLockout(userID string) {
	l.mu.Lock()
	l.pending[userID] = struct{}{}
	l.mu.Unlock()
}

// PendingLockouts lists users whose Disabled write has not landed yet.
func (l *AttemptLedger) PendingLockouts() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := make([]string, 0, len(l.pending))
	for id := range l.pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Reconcile retries pending lockouts and, when the counter backend can see user
// status, sweeps accounts that reached the limit without being disabled. It
// returns the number of accounts disabled. Every candidate is re-checked right
// before its write, so an Unlock that lands mid-pass is never reverted.
func (l *AttemptLedger) Reconcile(ctx context.Context) (int, error) {
	pending := l.PendingLockouts()

	var swept []string
	if lister, ok := l.counter.(overLimitLister); ok {
		ids, err := lister.ListOverLimitActiveUsers(ctx, l.max)
		if err != nil {
			l.logger.Warn("over-limit sweep failed", "error", err)
		}
		swept = ids
	}

	seen := make(map[string]bool, len(pending)+len(swept))
	disabled := 0
	var firstErr error
	apply := func(userID string, fromSweep bool) {
		if seen[userID] {
			return
		}
		seen[userID] = true
		ok, err := l.reconcileOne(ctx, userID, fromSweep)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return
		}
		if ok {
			disabled++
		}
	}
	for _, userID := range pending {
		apply(userID, false)
	}
	for _, userID := range swept {
		apply(userID, true)
	}
	return disabled, firstErr
}

// reconcileOne disables userID if it still qualifies: queued users must still
// be pending, swept users must still be at the limit.
func (l *AttemptLedger) reconcileOne(ctx context.Context, userID string, fromSweep bool) (bool, error) {
	l.statusMu.Lock()
	defer l.statusMu.Unlock()

	if fromSweep {
		count, err := l.counter.GetAttempts(ctx, userID)
		if err != nil {
			return false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		if count < l.max {
			return false, nil
		}
	} else {
		l.mu.Lock()
		_, still := l.pending[userID]
		l.mu.Unlock()
		if !still {
			return false, nil
		}
	}

	if err := l.disable(ctx, userID); err != nil {
		return false, err
	}
	return true, nil
}

func (l *AttemptLedger) disable(ctx context.Context, userID string) error {
	err := l.users.UpdateUser(ctx, userID, domain.StatusPatch(domain.UserStatusDisabled))
	l.mu.Lock()
	defer l.mu.Unlock()
	if errors.Is(err, store.ErrUserNotFound) {
		delete(l.pending, userID)
		return err
	}
	if err != nil {
		l.pending[userID] = struct{}{}
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	delete(l.pending, userID)
	return nil
}
