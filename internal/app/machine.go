/**
 * @description
 * SessionMachine drives one kiosk interaction at a time:
 *
 *   ScanCard -> EnterPin -> FaceVerification -> DeviceSelection -> Success
 *                                            \-> Failed -> ScanCard | Locked
 *
 * Every state entry bumps an epoch and cancels the previous state's context and
 * timer. Background work (card polling, face capture, store calls) runs outside
 * the lock and re-checks the epoch before touching the session, so a late
 * result from an abandoned state is dropped.
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/securegate/kiosk-service/internal/domain"
)

// DeviceDirectory lists the devices a user's role may activate.
type DeviceDirectory interface {
	GetDevicesByUser(ctx context.Context, userID string) ([]domain.Device, error)
}

// MachineConfig holds the session timings.
type MachineConfig struct {
	StepDelay         time.Duration
	SuccessCountdown  time.Duration
	FailureCountdown  time.Duration
	LockedCountdown   time.Duration
	FaceTickInterval  time.Duration
	LockoutWindow     time.Duration
	ActivationTimeout time.Duration
	StoreTimeout      time.Duration
	VerifyTimeout     time.Duration
}

func (c MachineConfig) withDefaults() MachineConfig {
	if c.StepDelay < 0 {
		c.StepDelay = 0
	}
	if c.SuccessCountdown <= 0 {
		c.SuccessCountdown = 10 * time.Second
	}
	if c.FailureCountdown <= 0 {
		c.FailureCountdown = 10 * time.Second
	}
	if c.LockedCountdown <= 0 {
		c.LockedCountdown = 10 * time.Second
	}
	if c.FaceTickInterval <= 0 {
		c.FaceTickInterval = 100 * time.Millisecond
	}
	if c.LockoutWindow <= 0 {
		c.LockoutWindow = 15 * time.Minute
	}
	if c.ActivationTimeout <= 0 {
		c.ActivationTimeout = 10 * time.Second
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 5 * time.Second
	}
	if c.VerifyTimeout <= 0 {
		c.VerifyTimeout = 30 * time.Second
	}
	return c
}

// MachineDeps are the collaborators of the session machine.
type MachineDeps struct {
	Capture    *IdentityCapture
	PIN        *CredentialChallenge
	Ledger     *AttemptLedger
	Face       *FaceVerifier
	Frames     FrameSource
	Activation *DeviceActivationCoordinator
	Devices    DeviceDirectory
	Audit      *AuditTrail
}

// SessionMachine owns the current Session and all of its timers.
type SessionMachine struct {
	capture    *IdentityCapture
	pin        *CredentialChallenge
	ledger     *AttemptLedger
	face       *FaceVerifier
	frames     FrameSource
	activation *DeviceActivationCoordinator
	devices    DeviceDirectory
	audit      *AuditTrail
	cfg        MachineConfig
	logger     *slog.Logger
	now        func() time.Time

	mu          sync.Mutex
	running     bool
	root        context.Context
	session     domain.Session
	epoch       uint64
	stageCancel context.CancelFunc
	timer       *time.Timer
	gate        faceGate
	windows     map[string]time.Time

	activations sync.WaitGroup
}

// NewSessionMachine wires a machine. Call Start to begin scanning.
func NewSessionMachine(deps MachineDeps, cfg MachineConfig, logger *slog.Logger) *SessionMachine {
	return &SessionMachine{
		capture:    deps.Capture,
		pin:        deps.PIN,
		ledger:     deps.Ledger,
		face:       deps.Face,
		frames:     deps.Frames,
		activation: deps.Activation,
		devices:    deps.Devices,
		audit:      deps.Audit,
		cfg:        cfg.withDefaults(),
		logger:     logger,
		now:        time.Now,
		windows:    make(map[string]time.Time),
	}
}

// Start enters ScanCard. ctx bounds every background activity of the machine.
func (m *SessionMachine) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.root = ctx
	m.running = true
	m.enterScanCardLocked("")
}

// Stop cancels polling and timers and waits for in-flight device activations.
func (m *SessionMachine) Stop() {
	m.mu.Lock()
	if m.running {
		m.running = false
		m.epoch++
		if m.stageCancel != nil {
			m.stageCancel()
			m.stageCancel = nil
		}
		if m.timer != nil {
			m.timer.Stop()
			m.timer = nil
		}
	}
	m.mu.Unlock()
	m.activations.Wait()
}

// Snapshot returns a copy of the current session.
func (m *SessionMachine) Snapshot() domain.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session.Clone()
}

// Reset is the idle/reset signal: every pending timer and poll is cancelled and
// a fresh session starts in ScanCard. Open lockout windows survive a reset.
func (m *SessionMachine) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return ErrWrongState
	}
	m.enterScanCardLocked("")
	return nil
}

// ForgetLockoutWindow drops the open lockout window of a user, so the next scan
// starts from a clean attempt record.
func (m *SessionMachine) ForgetLockoutWindow(userID string) {
	m.mu.Lock()
	delete(m.windows, userID)
	m.mu.Unlock()
}

// SubmitPIN checks the entered PIN. Mismatches are retried locally and do not
// consume a verification attempt.
func (m *SessionMachine) SubmitPIN(pin string) (bool, error) {
	m.mu.Lock()
	if !m.running || m.session.State != domain.StateEnterPin || m.session.User == nil {
		m.mu.Unlock()
		return false, ErrWrongState
	}
	epoch := m.epoch
	user := *m.session.User
	m.mu.Unlock()

	matched, err := m.pin.Verify(&user, pin)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.epoch != epoch {
		return false, ErrWrongState
	}
	if err != nil {
		m.session.Notice = fmt.Sprintf("PIN must be %d digits.", m.pin.length)
		return false, err
	}
	if !matched {
		m.session.PinRejections++
		m.session.Notice = "Incorrect PIN. Please try again."
		return false, nil
	}
	m.enterFaceVerificationLocked()
	return true, nil
}

// ConfirmDevices accepts the operator's selection and moves to Success. Device
// activation is started in the background and is never awaited here: the
// Success screen and its countdown must not depend on slow or failing devices.
func (m *SessionMachine) ConfirmDevices(deviceIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running || m.session.State != domain.StateDeviceSelection || m.session.User == nil {
		return ErrWrongState
	}

	available := make(map[string]domain.Device, len(m.session.AvailableDevices))
	for _, d := range m.session.AvailableDevices {
		available[d.ID] = d
	}
	seen := make(map[string]bool, len(deviceIDs))
	selected := make([]domain.Device, 0, len(deviceIDs))
	ids := make([]string, 0, len(deviceIDs))
	for _, id := range deviceIDs {
		d, ok := available[id]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownDevice, id)
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		selected = append(selected, d)
		ids = append(ids, id)
	}

	m.session.SelectedDeviceIDs = ids
	sessionID := m.session.ID
	userID := m.session.User.ID
	m.enterSuccessLocked()

	m.activations.Add(1)
	go m.activate(m.root, sessionID, userID, selected)
	return nil
}

// RefreshDeviceStatus re-reads the power state of the session's devices.
func (m *SessionMachine) RefreshDeviceStatus(ctx context.Context) (map[string]domain.DeviceState, error) {
	m.mu.Lock()
	state := m.session.State
	if !m.running || (state != domain.StateDeviceSelection && state != domain.StateSuccess) {
		m.mu.Unlock()
		return nil, ErrWrongState
	}
	sessionID := m.session.ID
	devices := append([]domain.Device(nil), m.session.AvailableDevices...)
	m.mu.Unlock()

	status := m.activation.QueryStatus(ctx, devices)

	m.mu.Lock()
	if m.session.ID == sessionID {
		m.session.DeviceStatus = status
	}
	m.mu.Unlock()
	return status, nil
}

func (m *SessionMachine) beginStateLocked(state domain.SessionState) (uint64, context.Context) {
	m.epoch++
	if m.stageCancel != nil {
		m.stageCancel()
		m.stageCancel = nil
	}
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	ctx, cancel := context.WithCancel(m.root)
	m.stageCancel = cancel
	m.session.State = state
	m.session.CountdownEndsAt = nil
	return m.epoch, ctx
}

// scheduleLocked runs fn under the lock after d unless the state changed first.
func (m *SessionMachine) scheduleLocked(epoch uint64, d time.Duration, fn func()) {
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = time.AfterFunc(d, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if !m.running || m.epoch != epoch {
			return
		}
		m.timer = nil
		fn()
	})
}

func (m *SessionMachine) countdownLocked(epoch uint64, d time.Duration, fn func()) {
	ends := m.now().Add(d).UTC()
	m.session.CountdownEndsAt = &ends
	m.scheduleLocked(epoch, d, fn)
}

func detach(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), timeout)
}

func (m *SessionMachine) enterScanCardLocked(skipUID string) {
	epoch, ctx := m.beginStateLocked(domain.StateScanCard)
	m.session = domain.Session{
		ID:                uuid.New(),
		State:             domain.StateScanCard,
		CardUID:           domain.NoCardUID,
		SelectedDeviceIDs: []string{},
		AttemptsRemaining: m.ledger.Max(),
		StartedAt:         m.now().UTC(),
	}
	m.gate.reset()
	if r, ok := m.frames.(interface{ Reset() }); ok {
		r.Reset()
	}
	go m.runCapture(ctx, epoch, skipUID)
}

var errInactiveAccount = errors.New("inactive account")

func captureNotice(err error) string {
	switch {
	case errors.Is(err, ErrUnknownCard):
		return "Card not recognised. Please scan again."
	case errors.Is(err, errInactiveAccount):
		return "This account is inactive. Please contact an administrator."
	default:
		return "Card could not be checked. Please scan again."
	}
}

func (m *SessionMachine) runCapture(ctx context.Context, epoch uint64, skipUID string) {
	for {
		uid, user, err := m.capture.Capture(ctx, skipUID)
		if ctx.Err() != nil {
			return
		}
		if err == nil && user.Status == domain.UserStatusInActive {
			err = errInactiveAccount
		}
		if err != nil {
			m.logger.Info("card rejected", "card_uid", uid, "reason", err)
			m.mu.Lock()
			if m.epoch != epoch {
				m.mu.Unlock()
				return
			}
			m.session.CardUID = uid
			m.session.Notice = captureNotice(err)
			m.mu.Unlock()
			skipUID = uid
			continue
		}
		m.admit(ctx, epoch, uid, user)
		return
	}
}

// admit prepares the attempt record for a resolved user and moves to EnterPin.
// Outside an open lockout window the record is deleted so stale counts never
// leak into a new identification attempt.
func (m *SessionMachine) admit(ctx context.Context, epoch uint64, uid string, user *domain.User) {
	if user.IsDisabled() {
		m.mu.Lock()
		if m.epoch != epoch {
			m.mu.Unlock()
			return
		}
		m.session.CardUID = uid
		m.session.User = user
		m.session.AttemptsUsed = m.ledger.Max()
		m.enterLockedLocked()
		snapshot := m.session.Clone()
		m.mu.Unlock()

		auditCtx, cancel := detach(ctx, m.cfg.StoreTimeout)
		defer cancel()
		m.audit.RecordAccess(auditCtx, snapshot, domain.AccessLocked, snapshot.AttemptsUsed)
		return
	}

	m.mu.Lock()
	expiry, open := m.windows[user.ID]
	if open && !m.now().Before(expiry) {
		delete(m.windows, user.ID)
		open = false
	}
	m.mu.Unlock()

	count := 0
	if open {
		current, err := m.ledger.Get(ctx, user.ID)
		if err != nil {
			m.logger.Warn("failed to read attempt record", "user_id", user.ID, "error", err)
		} else {
			count = current
		}
	} else if err := m.ledger.Delete(ctx, user.ID); err != nil {
		m.logger.Warn("failed to clear attempt record", "user_id", user.ID, "error", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if ctx.Err() != nil || m.epoch != epoch {
		return
	}
	m.session.CardUID = uid
	m.session.User = user
	m.session.Notice = ""
	m.session.AttemptsUsed = count
	m.session.AttemptsRemaining = m.ledger.Remaining(count)

	if count >= m.ledger.Max() {
		m.ledger.MarkPendingLockout(user.ID)
		m.enterLockedLocked()
		return
	}
	m.beginStateLocked(domain.StateEnterPin)
}

func (m *SessionMachine) enterFaceVerificationLocked() {
	epoch, ctx := m.beginStateLocked(domain.StateFaceVerification)
	m.session.Notice = ""
	m.gate.rearm()
	// Only detections made while this stage is on screen count.
	if r, ok := m.frames.(interface{ Reset() }); ok {
		r.Reset()
	}
	go m.runFaceCapture(ctx, epoch, m.session.Clone())
}

func (m *SessionMachine) waitForFrame(ctx context.Context, epoch uint64) (Frame, bool) {
	if m.frames == nil {
		<-ctx.Done()
		return Frame{}, false
	}
	ticker := time.NewTicker(m.cfg.FaceTickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return Frame{}, false
		case <-ticker.C:
		}
		if !m.frames.FaceDetected() {
			continue
		}
		frame, ok := m.frames.CaptureFrame()
		if !ok {
			continue
		}
		m.mu.Lock()
		if m.epoch != epoch {
			m.mu.Unlock()
			return Frame{}, false
		}
		admitted := m.gate.admit(frame.ID)
		m.mu.Unlock()
		if admitted {
			return frame, true
		}
	}
}

// runFaceCapture waits for a face, submits exactly one frame and settles the
// outcome. Once a frame is submitted the attempt counts even if the session is
// reset before the answer arrives.
func (m *SessionMachine) runFaceCapture(ctx context.Context, epoch uint64, base domain.Session) {
	frame, ok := m.waitForFrame(ctx, epoch)
	if !ok {
		return
	}

	verifyCtx, cancel := detach(ctx, m.cfg.VerifyTimeout)
	result, err := m.face.Verify(verifyCtx, frame.Image, base.User.Picture)
	cancel()

	base.Verification = &result
	if err == nil && result.Matched {
		m.onVerified(ctx, epoch, base)
		return
	}
	m.onRejected(ctx, epoch, base)
}

func (m *SessionMachine) onVerified(ctx context.Context, epoch uint64, base domain.Session) {
	user := base.User

	m.mu.Lock()
	delete(m.windows, user.ID)
	current := m.epoch == epoch
	if current {
		m.session.Verification = base.Verification
		m.session.Notice = "Identity verified."
	}
	m.mu.Unlock()

	storeCtx, cancel := detach(ctx, m.cfg.StoreTimeout)
	defer cancel()
	if err := m.ledger.Reset(storeCtx, user.ID); err != nil {
		m.logger.Warn("failed to reset attempt record", "user_id", user.ID, "error", err)
	}
	if !current {
		return
	}
	base.AttemptsUsed = 0
	m.audit.RecordAccess(storeCtx, base, domain.AccessGranted, 0)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.epoch != epoch {
		return
	}
	m.scheduleLocked(epoch, m.cfg.StepDelay, m.enterDeviceSelectionLocked)
}

func (m *SessionMachine) onRejected(ctx context.Context, epoch uint64, base domain.Session) {
	user := base.User
	limit := m.ledger.Max()

	storeCtx, cancel := detach(ctx, m.cfg.StoreTimeout)
	defer cancel()
	update, err := m.ledger.Increment(storeCtx, user.ID)
	if err != nil {
		m.logger.Warn("failed to record failed attempt", "user_id", user.ID, "error", err)
		update = LedgerUpdate{Count: base.AttemptsUsed + 1}
		if update.Count >= limit {
			update.Count = limit
			update.LockedOut = true
			m.ledger.MarkPendingLockout(user.ID)
		}
	}

	m.mu.Lock()
	m.windows[user.ID] = m.now().Add(m.cfg.LockoutWindow)
	if m.epoch == epoch {
		m.session.Verification = base.Verification
		m.session.AttemptsUsed = update.Count
		m.session.AttemptsRemaining = m.ledger.Remaining(update.Count)
	}
	m.mu.Unlock()

	status := domain.AccessFailed
	if update.LockedOut {
		status = domain.AccessLocked
	}
	base.AttemptsUsed = update.Count
	m.audit.RecordAccess(storeCtx, base, status, update.Count)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.epoch != epoch {
		return
	}
	m.scheduleLocked(epoch, m.cfg.StepDelay, func() { m.enterFailedLocked(update) })
}

func (m *SessionMachine) enterFailedLocked(update LedgerUpdate) {
	epoch, _ := m.beginStateLocked(domain.StateFailed)
	m.session.AttemptsUsed = update.Count
	m.session.AttemptsRemaining = m.ledger.Remaining(update.Count)
	if update.LockedOut || update.Count >= m.ledger.Max() {
		m.enterLockedLocked()
		return
	}
	m.session.Notice = fmt.Sprintf("We couldn't verify your identity. %d attempt(s) remaining.", m.session.AttemptsRemaining)
	m.countdownLocked(epoch, m.cfg.FailureCountdown, func() { m.enterScanCardLocked("") })
}

// enterLockedLocked shows the lockout screen, then hands the kiosk to the next
// user. The locked card is ignored until it leaves the reader.
func (m *SessionMachine) enterLockedLocked() {
	epoch, _ := m.beginStateLocked(domain.StateLocked)
	m.session.AttemptsRemaining = 0
	m.session.Notice = "Account locked. Please contact an administrator."
	skip := m.session.CardUID
	m.countdownLocked(epoch, m.cfg.LockedCountdown, func() { m.enterScanCardLocked(skip) })
}

func (m *SessionMachine) enterDeviceSelectionLocked() {
	epoch, ctx := m.beginStateLocked(domain.StateDeviceSelection)
	m.session.Notice = ""
	go m.loadDevices(ctx, epoch, m.session.User.ID)
}

func (m *SessionMachine) loadDevices(ctx context.Context, epoch uint64, userID string) {
	devices, err := m.devices.GetDevicesByUser(ctx, userID)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		m.logger.Warn("failed to load user devices", "user_id", userID, "error", err)
		m.mu.Lock()
		if m.epoch == epoch {
			m.session.Notice = "Devices could not be loaded."
		}
		m.mu.Unlock()
		return
	}
	status := m.activation.QueryStatus(ctx, devices)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.epoch != epoch {
		return
	}
	m.session.AvailableDevices = devices
	m.session.DeviceStatus = status
}

func (m *SessionMachine) enterSuccessLocked() {
	epoch, _ := m.beginStateLocked(domain.StateSuccess)
	m.session.Notice = "Access granted."
	skip := m.session.CardUID
	m.countdownLocked(epoch, m.cfg.SuccessCountdown, func() { m.enterScanCardLocked(skip) })
}

// activate runs detached from the session: a reset or the Success countdown
// never aborts commands already sent, and the report is only attached if the
// same session is still on screen.
func (m *SessionMachine) activate(parent context.Context, sessionID uuid.UUID, userID string, devices []domain.Device) {
	defer m.activations.Done()

	ctx, cancel := detach(parent, m.cfg.ActivationTimeout)
	defer cancel()

	report, err := m.activation.Activate(ctx, userID, devices)
	if err != nil {
		m.logger.Warn("device activation incomplete", "session_id", sessionID, "user_id", userID, "error", err)
	}

	m.mu.Lock()
	if m.session.ID == sessionID {
		m.session.Activation = &report
		if m.session.DeviceStatus == nil {
			m.session.DeviceStatus = make(map[string]domain.DeviceState, len(report.Devices))
		}
		for id, state := range report.Devices {
			m.session.DeviceStatus[id] = state
		}
	}
	m.mu.Unlock()

	auditCtx, cancelAudit := detach(parent, m.cfg.StoreTimeout)
	defer cancelAudit()
	m.audit.RecordActivation(auditCtx, sessionID, userID, report)
}
