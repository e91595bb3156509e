package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/securegate/kiosk-service/internal/domain"
	"github.com/securegate/kiosk-service/pkg/faceclient"
)

// VerificationService compares an image pair remotely.
type VerificationService interface {
	Verify(ctx context.Context, payload faceclient.VerifyRequest) (*faceclient.VerifyResponse, error)
}

// FaceOptions are passed through to the verification service unchanged.
type FaceOptions struct {
	ModelName        string
	DetectorBackend  string
	DistanceMetric   string
	Align            bool
	AntiSpoofing     bool
	EnforceDetection bool
}

// DefaultFaceOptions returns Facenet on mediapipe with cosine distance, aligned,
// anti-spoofing off.
func DefaultFaceOptions() FaceOptions {
	return FaceOptions{
		ModelName:       "Facenet",
		DetectorBackend: "mediapipe",
		DistanceMetric:  "cosine",
		Align:           true,
	}
}

// FaceVerifier submits a captured frame and the user's reference photo. There is
// no local fallback when the service is down.
type FaceVerifier struct {
	service VerificationService
	options FaceOptions
	logger  *slog.Logger
}

func NewFaceVerifier(service VerificationService, options FaceOptions, logger *slog.Logger) *FaceVerifier {
	return &FaceVerifier{service: service, options: options, logger: logger}
}

// Verify makes exactly one service call. Service errors yield a non-matching
// result together with an ErrVerificationService error; callers count both as a
// failed attempt.
func (v *FaceVerifier) Verify(ctx context.Context, captured, reference string) (domain.VerificationResult, error) {
	resp, err := v.service.Verify(ctx, faceclient.VerifyRequest{
		ModelName:        v.options.ModelName,
		DetectorBackend:  v.options.DetectorBackend,
		DistanceMetric:   v.options.DistanceMetric,
		Align:            v.options.Align,
		Img1:             captured,
		Img2:             reference,
		EnforceDetection: v.options.EnforceDetection,
		AntiSpoofing:     v.options.AntiSpoofing,
	})

	result := domain.VerificationResult{}
	if resp != nil {
		result.Distance = resp.Distance
		result.Threshold = resp.Threshold
		result.Raw = resp.Raw
	}

	if err != nil {
		var apiErr *faceclient.APIError
		if errors.As(err, &apiErr) {
			v.logger.Warn("verification service rejected request", "status", apiErr.StatusCode, "message", apiErr.Message)
		} else {
			v.logger.Error("verification service call failed", "error", err)
		}
		result.Error = err.Error()
		return result, fmt.Errorf("%w: %v", ErrVerificationService, err)
	}
	if resp.Error != "" {
		result.Error = resp.Error
		return result, fmt.Errorf("%w: %s", ErrVerificationService, resp.Error)
	}

	result.Matched = resp.Verified
	return result, nil
}

// Frame is one still taken from the live camera feed.
type Frame struct {
	ID    string
	Image string
}

// FrameSource is the camera side of face verification: a presence detector and
// a still capture.
type FrameSource interface {
	FaceDetected() bool
	CaptureFrame() (Frame, bool)
}

// faceGate lets one frame through per face verification stage and never the
// same frame twice within a session.
type faceGate struct {
	captured  bool
	submitted map[string]bool
}

func (g *faceGate) reset() {
	g.captured = false
	g.submitted = nil
}

func (g *faceGate) rearm() {
	g.captured = false
}

func (g *faceGate) admit(frameID string) bool {
	if g.captured || frameID == "" || g.submitted[frameID] {
		return false
	}
	if g.submitted == nil {
		g.submitted = make(map[string]bool)
	}
	g.captured = true
	g.submitted[frameID] = true
	return true
}

// LiveFrameFeed is a FrameSource fed by the kiosk UI: every detection tick the
// browser pushes whether a face is visible and, when one is, the current frame.
type LiveFrameFeed struct {
	mu       sync.Mutex
	detected bool
	frame    *Frame
}

func NewLiveFrameFeed() *LiveFrameFeed {
	return &LiveFrameFeed{}
}

// Push records one detection tick. A tick without a face drops any held frame.
func (f *LiveFrameFeed) Push(faceDetected bool, frame *Frame) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detected = faceDetected
	if !faceDetected {
		f.frame = nil
		return
	}
	if frame != nil && frame.Image != "" {
		copied := *frame
		f.frame = &copied
	}
}

func (f *LiveFrameFeed) FaceDetected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.detected
}

// CaptureFrame hands out the held frame once.
func (f *LiveFrameFeed) CaptureFrame() (Frame, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.frame == nil {
		return Frame{}, false
	}
	frame := *f.frame
	f.frame = nil
	return frame, true
}

// Reset forgets detections and frames from the previous session.
func (f *LiveFrameFeed) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detected = false
	f.frame = nil
}
