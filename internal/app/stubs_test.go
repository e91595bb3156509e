package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/securegate/kiosk-service/internal/domain"
	"github.com/securegate/kiosk-service/internal/store"
	"github.com/securegate/kiosk-service/pkg/actuator"
	"github.com/securegate/kiosk-service/pkg/cardreader"
	"github.com/securegate/kiosk-service/pkg/faceclient"
)

var errStubDown = errors.New("stub backend down")

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type memCounter struct {
	mu        sync.Mutex
	counts    map[string]int
	getErr    error
	incErr    error
	deleteErr error
	deletes   int
}

func newMemCounter() *memCounter {
	return &memCounter{counts: make(map[string]int)}
}

func (c *memCounter) GetAttempts(ctx context.Context, userID string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.getErr != nil {
		return 0, c.getErr
	}
	return c.counts[userID], nil
}

func (c *memCounter) UpsertAttempts(ctx context.Context, userID string, count int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[userID] = count
	return nil
}

func (c *memCounter) IncrementAttempts(ctx context.Context, userID string, max int) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.incErr != nil {
		return 0, c.incErr
	}
	next := c.counts[userID] + 1
	if max > 0 && next > max {
		next = max
	}
	c.counts[userID] = next
	return next, nil
}

func (c *memCounter) DeleteAttempts(ctx context.Context, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deleteErr != nil {
		return c.deleteErr
	}
	c.deletes++
	delete(c.counts, userID)
	return nil
}

func (c *memCounter) count(userID string) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.counts[userID]
	return n, ok
}

// sweepingCounter also answers the over-limit query, like the Postgres backend.
type sweepingCounter struct {
	*memCounter
	users *userStore
}

func (c *sweepingCounter) ListOverLimitActiveUsers(ctx context.Context, max int) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var ids []string
	for id, n := range c.counts {
		if n >= max && c.users.status(id) != domain.UserStatusDisabled {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

type userStore struct {
	mu        sync.Mutex
	users     map[string]*domain.User
	devices   map[string][]domain.Device
	updateErr error
	lookupErr error
	updates   int
	assigned  map[string][]string
}

func newUserStore(users ...domain.User) *userStore {
	s := &userStore{
		users:    make(map[string]*domain.User),
		devices:  make(map[string][]domain.Device),
		assigned: make(map[string][]string),
	}
	for _, u := range users {
		u := u
		s.users[u.ID] = &u
	}
	return s
}

func (s *userStore) GetUserByCardID(ctx context.Context, cardID string) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lookupErr != nil {
		return nil, s.lookupErr
	}
	for _, u := range s.users {
		if u.CardID == cardID {
			copied := *u
			return &copied, nil
		}
	}
	return nil, store.ErrUserNotFound
}

func (s *userStore) GetUserByID(ctx context.Context, userID string) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, store.ErrUserNotFound
	}
	copied := *u
	return &copied, nil
}

func (s *userStore) UpdateUser(ctx context.Context, userID string, patch domain.UserPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateErr != nil {
		return s.updateErr
	}
	u, ok := s.users[userID]
	if !ok {
		return store.ErrUserNotFound
	}
	s.updates++
	if patch.Status != nil {
		u.Status = *patch.Status
	}
	return nil
}

func (s *userStore) GetDevicesByUser(ctx context.Context, userID string) ([]domain.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Device(nil), s.devices[userID]...), nil
}

func (s *userStore) AssignDeviceToRole(ctx context.Context, roleID, deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if deviceID == "missing" {
		return store.ErrDeviceNotFound
	}
	s.assigned[roleID] = append(s.assigned[roleID], deviceID)
	return nil
}

func (s *userStore) GetDevicesForRole(ctx context.Context, roleID string) ([]domain.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Device
	for _, id := range s.assigned[roleID] {
		out = append(out, domain.Device{ID: id, Name: id})
	}
	return out, nil
}

func (s *userStore) status(userID string) domain.UserStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[userID]; ok {
		return u.Status
	}
	return ""
}

func (s *userStore) setUpdateErr(err error) {
	s.mu.Lock()
	s.updateErr = err
	s.mu.Unlock()
}

// fakeReader reports the card currently placed on it.
type fakeReader struct {
	mu    sync.Mutex
	uid   string
	fails int
	polls int
}

func (r *fakeReader) place(uid string) {
	r.mu.Lock()
	r.uid = uid
	r.mu.Unlock()
}

func (r *fakeReader) ReadCard(ctx context.Context) (*cardreader.CardResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.polls++
	if r.fails > 0 {
		r.fails--
		return nil, errStubDown
	}
	if r.uid == "" {
		return &cardreader.CardResponse{Status: cardreader.StatusNoCard}, nil
	}
	return &cardreader.CardResponse{Status: cardreader.StatusSuccess, CardUID: r.uid}, nil
}

type stubVerifier struct {
	mu     sync.Mutex
	calls  int
	images []string
	resp   *faceclient.VerifyResponse
	err    error
}

func (v *stubVerifier) Verify(ctx context.Context, payload faceclient.VerifyRequest) (*faceclient.VerifyResponse, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls++
	v.images = append(v.images, payload.Img1)
	if v.err != nil {
		return &faceclient.VerifyResponse{}, v.err
	}
	resp := *v.resp
	return &resp, nil
}

func (v *stubVerifier) set(resp *faceclient.VerifyResponse, err error) {
	v.mu.Lock()
	v.resp = resp
	v.err = err
	v.mu.Unlock()
}

func (v *stubVerifier) callCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.calls
}

type stubActuator struct {
	mu      sync.Mutex
	doorErr error
	failing map[string]bool
	status  map[string]*actuator.StatusResponse
	turned  []string
	doors   int
	delay   time.Duration
}

func (a *stubActuator) Door(ctx context.Context, action string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.doors++
	return a.doorErr
}

func (a *stubActuator) TurnOn(ctx context.Context, deviceID string) error {
	if a.delay > 0 {
		select {
		case <-time.After(a.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.turned = append(a.turned, deviceID)
	if a.failing[deviceID] {
		return errStubDown
	}
	return nil
}

func (a *stubActuator) DeviceStatus(ctx context.Context, deviceID string) (*actuator.StatusResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failing[deviceID] {
		return nil, errStubDown
	}
	if s, ok := a.status[deviceID]; ok {
		return s, nil
	}
	return &actuator.StatusResponse{}, nil
}

type memLogs struct {
	mu      sync.Mutex
	access  []domain.AccessLog
	devices []domain.DeviceLog
}

func (l *memLogs) CreateAccessLog(ctx context.Context, entry *domain.AccessLog) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.access = append(l.access, *entry)
	return nil
}

func (l *memLogs) CreateDeviceLog(ctx context.Context, entry *domain.DeviceLog) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.devices = append(l.devices, *entry)
	return nil
}

func (l *memLogs) accessStatuses() []domain.AccessStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.AccessStatus, 0, len(l.access))
	for _, e := range l.access {
		out = append(out, e.Status)
	}
	return out
}

type recordingPublisher struct {
	mu      sync.Mutex
	keys    []string
	ctxErrs []error
}

func (p *recordingPublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, routingKey)
	p.ctxErrs = append(p.ctxErrs, ctx.Err())
	return ctx.Err()
}

func (p *recordingPublisher) Close() {}

// contextErr reports the context state seen by the first publish of key.
func (p *recordingPublisher) contextErr(key string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, k := range p.keys {
		if k == key {
			return true, p.ctxErrs[i]
		}
	}
	return false, nil
}

func (p *recordingPublisher) routingKeys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.keys...)
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
