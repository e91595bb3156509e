package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/securegate/kiosk-service/internal/domain"
	"github.com/securegate/kiosk-service/internal/store"
	"github.com/securegate/kiosk-service/pkg/cardreader"
)

// CardReader polls the hardware gateway once.
type CardReader interface {
	ReadCard(ctx context.Context) (*cardreader.CardResponse, error)
}

// UserDirectory resolves card UIDs to users.
type UserDirectory interface {
	GetUserByCardID(ctx context.Context, cardID string) (*domain.User, error)
}

// Card read outcomes produced by polling.
const (
	ReadSuccess = "success"
	ReadPending = "pending"
	ReadError   = "error"
)

// CardRead is one polling tick.
type CardRead struct {
	UID    string
	Status string
	Err    error
}

// IdentityCapture polls the card reader and resolves the card to a user.
type IdentityCapture struct {
	reader   CardReader
	users    UserDirectory
	interval time.Duration
	logger   *slog.Logger
}

// NewIdentityCapture creates a capture polling every interval.
func NewIdentityCapture(reader CardReader, users UserDirectory, interval time.Duration, logger *slog.Logger) *IdentityCapture {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &IdentityCapture{reader: reader, users: users, interval: interval, logger: logger}
}

// StartPolling emits one CardRead per tick until a successful read is delivered
// or ctx is cancelled; the channel is closed in both cases. Reader failures are
// logged and polling continues.
func (c *IdentityCapture) StartPolling(ctx context.Context) <-chan CardRead {
	out := make(chan CardRead)
	go func() {
		defer close(out)
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		for {
			read := c.poll(ctx)
			if ctx.Err() != nil {
				return
			}
			select {
			case out <- read:
			case <-ctx.Done():
				return
			}
			if read.Status == ReadSuccess {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return out
}

func (c *IdentityCapture) poll(ctx context.Context) CardRead {
	resp, err := c.reader.ReadCard(ctx)
	if err != nil {
		if ctx.Err() == nil {
			c.logger.Warn("card poll failed", "error", err)
		}
		return CardRead{Status: ReadError, Err: fmt.Errorf("%w: %v", ErrTransientHardware, err)}
	}
	switch resp.Status {
	case cardreader.StatusSuccess:
		if resp.CardUID == "" {
			return CardRead{Status: ReadPending}
		}
		return CardRead{UID: resp.CardUID, Status: ReadSuccess}
	case cardreader.StatusError:
		c.logger.Warn("card reader reported error", "message", resp.Message)
		return CardRead{Status: ReadError, Err: fmt.Errorf("%w: %s", ErrTransientHardware, resp.Message)}
	default:
		return CardRead{Status: ReadPending}
	}
}

// Resolve looks up the user a card belongs to.
func (c *IdentityCapture) Resolve(ctx context.Context, uid string) (*domain.User, error) {
	user, err := c.users.GetUserByCardID(ctx, uid)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			return nil, ErrUnknownCard
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return user, nil
}

// Capture polls until a card other than skipUID is read and resolves it. skipUID
// stays ignored until the reader reports no card, so a card left on the reader
// is not picked up twice. A cancelled ctx always wins over a late resolution.
func (c *IdentityCapture) Capture(ctx context.Context, skipUID string) (string, *domain.User, error) {
	for {
		uid := ""
		for read := range c.StartPolling(ctx) {
			switch read.Status {
			case ReadSuccess:
				uid = read.UID
			case ReadPending:
				skipUID = ""
			}
		}
		if uid == "" {
			return "", nil, ctx.Err()
		}
		if uid == skipUID {
			select {
			case <-ctx.Done():
				return "", nil, ctx.Err()
			case <-time.After(c.interval):
			}
			continue
		}

		user, err := c.Resolve(ctx, uid)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", nil, ctxErr
		}
		return uid, user, err
	}
}
