package api

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/securegate/kiosk-service/internal/app"
	"github.com/securegate/kiosk-service/internal/domain"
)

type fakeSession struct {
	mu         sync.Mutex
	snapshot   domain.Session
	pinErr     error
	matched    bool
	pins       []string
	confirmed  []string
	confirmErr error
	status     map[string]domain.DeviceState
	statusErr  error
	resets     int
}

func (s *fakeSession) Snapshot() domain.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot
}

func (s *fakeSession) SubmitPIN(pin string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pins = append(s.pins, pin)
	return s.matched, s.pinErr
}

func (s *fakeSession) ConfirmDevices(deviceIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.confirmed = deviceIDs
	return s.confirmErr
}

func (s *fakeSession) RefreshDeviceStatus(ctx context.Context) (map[string]domain.DeviceState, error) {
	return s.status, s.statusErr
}

func (s *fakeSession) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets++
	return nil
}

type fakeFrames struct {
	detected bool
	frame    *app.Frame
	pushes   int
}

func (f *fakeFrames) Push(faceDetected bool, frame *app.Frame) {
	f.pushes++
	f.detected = faceDetected
	f.frame = frame
}

type fakeAdmin struct {
	unlocked []string
	assigned []string
}

func (a *fakeAdmin) UnlockUser(ctx context.Context, userID string) error {
	if userID == "missing" {
		return app.ErrUserNotFound
	}
	a.unlocked = append(a.unlocked, userID)
	return nil
}

func (a *fakeAdmin) Attempts(ctx context.Context, userID string) (*app.AttemptSummary, error) {
	return &app.AttemptSummary{UserID: userID, Failed: 2, Max: 3, Remaining: 1, Status: domain.UserStatusActive}, nil
}

func (a *fakeAdmin) AssignDeviceToRole(ctx context.Context, roleID, deviceID string) error {
	if deviceID == "missing" {
		return app.ErrUnknownDevice
	}
	a.assigned = append(a.assigned, roleID+"/"+deviceID)
	return nil
}

func (a *fakeAdmin) DevicesForRole(ctx context.Context, roleID string) ([]domain.Device, error) {
	return []domain.Device{{ID: "d1", Name: "Lights"}}, nil
}

type testServer struct {
	session *fakeSession
	frames  *fakeFrames
	admin   *fakeAdmin
	router  http.Handler
}

func newTestServer(t *testing.T, cfg RouterConfig) *testServer {
	t.Helper()
	s := &testServer{
		session: &fakeSession{snapshot: domain.Session{State: domain.StateEnterPin}},
		frames:  &fakeFrames{},
		admin:   &fakeAdmin{},
	}
	s.router = NewRouter(NewHandler(s.session, s.frames, s.admin), cfg)
	return s
}

func (s *testServer) do(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return body["error"]
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, RouterConfig{})
	if rec := s.do(http.MethodGet, "/health", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestKioskRoutesRequireAPIKey(t *testing.T) {
	s := newTestServer(t, RouterConfig{KioskAPIKey: "kiosk-secret"})

	if rec := s.do(http.MethodGet, "/kiosk/session", "", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without key, got %d", rec.Code)
	}
	if rec := s.do(http.MethodGet, "/kiosk/session", "", map[string]string{"X-API-Key": "wrong"}); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong key, got %d", rec.Code)
	}
	rec := s.do(http.MethodGet, "/kiosk/session", "", map[string]string{"X-API-Key": "kiosk-secret"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with key, got %d", rec.Code)
	}
	var snap domain.Session
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	if snap.State != domain.StateEnterPin {
		t.Fatalf("expected EnterPin snapshot, got %s", snap.State)
	}
}

func TestSubmitPIN(t *testing.T) {
	s := newTestServer(t, RouterConfig{})
	s.session.matched = true

	rec := s.do(http.MethodPost, "/kiosk/session/pin", `{"pin":" 1234 "}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]bool
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || !body["matched"] {
		t.Fatalf("expected matched=true, got %s", rec.Body.String())
	}
	if s.session.pins[0] != "1234" {
		t.Fatalf("expected trimmed pin, got %q", s.session.pins[0])
	}

	cases := []struct {
		err  error
		code int
	}{
		{err: app.ErrInvalidFormat, code: http.StatusUnprocessableEntity},
		{err: app.ErrWrongState, code: http.StatusConflict},
		{err: fmt.Errorf("%w: pool closed", app.ErrStoreUnavailable), code: http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		s.session.pinErr = tc.err
		rec := s.do(http.MethodPost, "/kiosk/session/pin", `{"pin":"12"}`, nil)
		if rec.Code != tc.code {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.code, rec.Code)
		}
		if decodeError(t, rec) == "" {
			t.Fatalf("%v: expected error message", tc.err)
		}
	}

	if rec := s.do(http.MethodPost, "/kiosk/session/pin", `not json`, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed body, got %d", rec.Code)
	}
}

func TestFaceTickPushesFrame(t *testing.T) {
	s := newTestServer(t, RouterConfig{})

	rec := s.do(http.MethodPost, "/kiosk/session/face", `{"face_detected":true,"frame_id":"f1","image":"data:image/jpeg;base64,AAA"}`, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	if !s.frames.detected || s.frames.frame == nil || s.frames.frame.ID != "f1" {
		t.Fatalf("unexpected pushed frame %+v", s.frames.frame)
	}

	s.do(http.MethodPost, "/kiosk/session/face", `{"face_detected":false,"frame_id":"f2","image":"AAA"}`, nil)
	if s.frames.detected || s.frames.frame != nil {
		t.Fatalf("expected frame dropped without detection")
	}
}

func TestListAndConfirmDevices(t *testing.T) {
	s := newTestServer(t, RouterConfig{})
	s.session.snapshot.AvailableDevices = []domain.Device{{ID: "d1", Name: "Lights"}, {ID: "d2", Name: "Fan"}}
	s.session.status = map[string]domain.DeviceState{"d1": domain.DeviceOn}

	rec := s.do(http.MethodGet, "/kiosk/session/devices", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var devices []deviceView
	if err := json.Unmarshal(rec.Body.Bytes(), &devices); err != nil {
		t.Fatalf("decode devices: %v", err)
	}
	if len(devices) != 2 || devices[0].Status != domain.DeviceOn || devices[1].Status != domain.DeviceUnknown {
		t.Fatalf("unexpected devices %+v", devices)
	}

	rec = s.do(http.MethodPost, "/kiosk/session/devices", `{"device_ids":["d1","d2"]}`, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	if len(s.session.confirmed) != 2 {
		t.Fatalf("expected selection forwarded, got %v", s.session.confirmed)
	}

	s.session.confirmErr = fmt.Errorf("%w: d9", app.ErrUnknownDevice)
	if rec := s.do(http.MethodPost, "/kiosk/session/devices", `{"device_ids":["d9"]}`, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown device, got %d", rec.Code)
	}
	s.session.statusErr = app.ErrWrongState
	if rec := s.do(http.MethodGet, "/kiosk/session/devices", "", nil); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 outside device selection, got %d", rec.Code)
	}
}

func TestReset(t *testing.T) {
	s := newTestServer(t, RouterConfig{})
	if rec := s.do(http.MethodPost, "/kiosk/session/reset", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if s.session.resets != 1 {
		t.Fatalf("expected one reset, got %d", s.session.resets)
	}
}

// jwksFixture serves a single RSA key and signs tokens with it.
type jwksFixture struct {
	key    *rsa.PrivateKey
	kid    string
	server *httptest.Server
	hits   atomic.Int32
}

func newJWKSFixture(t *testing.T) *jwksFixture {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	f := &jwksFixture{key: key, kid: "test-key"}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.hits.Add(1)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"keys": []map[string]string{{
				"kid": f.kid,
				"kty": "RSA",
				"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
			}},
		})
	}))
	t.Cleanup(f.server.Close)
	return f
}

func (f *jwksFixture) token(t *testing.T, subject string, expires time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"sub": subject,
		"exp": expires.Unix(),
	})
	token.Header["kid"] = f.kid
	signed, err := token.SignedString(f.key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestAdminRoutesRequireValidToken(t *testing.T) {
	jwks := newJWKSFixture(t)
	s := newTestServer(t, RouterConfig{AdminJWKSURL: jwks.server.URL})

	if rec := s.do(http.MethodPost, "/admin/users/u-1/unlock", "", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	expired := jwks.token(t, "admin-1", time.Now().Add(-time.Minute))
	if rec := s.do(http.MethodPost, "/admin/users/u-1/unlock", "", map[string]string{"Authorization": "Bearer " + expired}); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with expired token, got %d", rec.Code)
	}

	auth := map[string]string{"Authorization": "Bearer " + jwks.token(t, "admin-1", time.Now().Add(time.Hour))}
	if rec := s.do(http.MethodPost, "/admin/users/u-1/unlock", "", auth); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if len(s.admin.unlocked) != 1 || s.admin.unlocked[0] != "u-1" {
		t.Fatalf("expected u-1 unlocked, got %v", s.admin.unlocked)
	}
	if rec := s.do(http.MethodPost, "/admin/users/missing/unlock", "", auth); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown user, got %d", rec.Code)
	}

	rec := s.do(http.MethodGet, "/admin/users/u-1/attempts", "", auth)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var summary app.AttemptSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &summary); err != nil || summary.Failed != 2 || summary.Remaining != 1 {
		t.Fatalf("unexpected summary %s", rec.Body.String())
	}

	if rec := s.do(http.MethodPost, "/admin/roles/r-1/devices/d1", "", auth); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if rec := s.do(http.MethodPost, "/admin/roles/r-1/devices/missing", "", auth); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown device, got %d", rec.Code)
	}
	if rec := s.do(http.MethodGet, "/admin/roles/r-1/devices", "", auth); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestAdminRoutesRejectForeignKey(t *testing.T) {
	jwks := newJWKSFixture(t)
	other := newJWKSFixture(t)
	s := newTestServer(t, RouterConfig{AdminJWKSURL: jwks.server.URL})

	forged := other.token(t, "admin-1", time.Now().Add(time.Hour))
	if rec := s.do(http.MethodGet, "/admin/roles/r-1/devices", "", map[string]string{"Authorization": "Bearer " + forged}); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for token signed by another key, got %d", rec.Code)
	}
}

func TestAdminRoutesDisabledWithoutJWKS(t *testing.T) {
	s := newTestServer(t, RouterConfig{})
	if rec := s.do(http.MethodGet, "/admin/users/u-1/attempts", "", map[string]string{"Authorization": "Bearer x"}); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without JWKS configured, got %d", rec.Code)
	}
}

func TestJWKSCacheLimitsRefetchForUnknownKid(t *testing.T) {
	jwks := newJWKSFixture(t)
	cache := newJWKSCache(jwks.server.URL, 10*time.Minute)
	ctx := context.Background()

	if _, err := cache.publicKey(ctx, "test-key"); err != nil {
		t.Fatalf("public key: %v", err)
	}
	for i := 0; i < 5; i++ {
		if _, err := cache.publicKey(ctx, fmt.Sprintf("unknown-%d", i)); err == nil {
			t.Fatalf("expected unknown kid to be rejected")
		}
	}
	if _, err := cache.publicKey(ctx, "test-key"); err != nil {
		t.Fatalf("expected cached key to keep working: %v", err)
	}
	if hits := jwks.hits.Load(); hits != 1 {
		t.Fatalf("expected a single JWKS fetch, got %d", hits)
	}

	cache.mu.Lock()
	cache.attemptedAt = time.Now().Add(-time.Minute)
	cache.mu.Unlock()
	if _, err := cache.publicKey(ctx, "unknown-6"); err == nil {
		t.Fatalf("expected unknown kid to be rejected")
	}
	if hits := jwks.hits.Load(); hits != 2 {
		t.Fatalf("expected one refetch once the interval passed, got %d fetches", hits)
	}
}

func TestAdminRoutesUnknownKidDoesNotRefetch(t *testing.T) {
	jwks := newJWKSFixture(t)
	s := newTestServer(t, RouterConfig{AdminJWKSURL: jwks.server.URL})
	auth := map[string]string{"Authorization": "Bearer " + jwks.token(t, "admin-1", time.Now().Add(time.Hour))}
	if rec := s.do(http.MethodGet, "/admin/roles/r-1/devices", "", auth); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	for i := 0; i < 5; i++ {
		token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{"sub": "admin-1", "exp": time.Now().Add(time.Hour).Unix()})
		token.Header["kid"] = fmt.Sprintf("rotated-%d", i)
		signed, err := token.SignedString(jwks.key)
		if err != nil {
			t.Fatalf("sign token: %v", err)
		}
		if rec := s.do(http.MethodGet, "/admin/roles/r-1/devices", "", map[string]string{"Authorization": "Bearer " + signed}); rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401 for unknown kid, got %d", rec.Code)
		}
	}
	if hits := jwks.hits.Load(); hits != 1 {
		t.Fatalf("expected unknown kids to reuse the recent fetch, got %d fetches", hits)
	}
}

func TestParseRSAPublicKey(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	n := base64.RawURLEncoding.EncodeToString(key.N.Bytes())
	e := base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes())

	pub, err := parseRSAPublicKey(n, e)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if pub.E != key.E || pub.N.Cmp(key.N) != 0 {
		t.Fatalf("parsed key does not match")
	}
	if _, err := parseRSAPublicKey("!!", e); err == nil {
		t.Fatalf("expected error for malformed modulus")
	}
}
