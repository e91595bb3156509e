/**
 * @description
 * HTTP handlers for the kiosk UI and the administrator console. Handlers parse
 * the request, call the session machine or admin service, and map domain errors
 * to status codes with a {"error": message} body.
 */
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/securegate/kiosk-service/internal/app"
	"github.com/securegate/kiosk-service/internal/domain"
)

// SessionController is the kiosk session surface used by the handlers.
type SessionController interface {
	Snapshot() domain.Session
	SubmitPIN(pin string) (bool, error)
	ConfirmDevices(deviceIDs []string) error
	RefreshDeviceStatus(ctx context.Context) (map[string]domain.DeviceState, error)
	Reset() error
}

// FramePusher receives camera ticks from the kiosk UI.
type FramePusher interface {
	Push(faceDetected bool, frame *app.Frame)
}

// AdminAPI is the administrator surface used by the handlers.
type AdminAPI interface {
	UnlockUser(ctx context.Context, userID string) error
	Attempts(ctx context.Context, userID string) (*app.AttemptSummary, error)
	AssignDeviceToRole(ctx context.Context, roleID, deviceID string) error
	DevicesForRole(ctx context.Context, roleID string) ([]domain.Device, error)
}

// Handler holds the services the handlers interact with.
type Handler struct {
	session SessionController
	frames  FramePusher
	admin   AdminAPI
}

func NewHandler(session SessionController, frames FramePusher, admin AdminAPI) *Handler {
	return &Handler{session: session, frames: frames, admin: admin}
}

type pinRequest struct {
	Pin string `json:"pin"`
}

type faceTickRequest struct {
	FaceDetected bool   `json:"face_detected"`
	FrameID      string `json:"frame_id"`
	Image        string `json:"image"`
}

type confirmDevicesRequest struct {
	DeviceIDs []string `json:"device_ids"`
}

type deviceView struct {
	ID     string             `json:"id"`
	Name   string             `json:"name"`
	Status domain.DeviceState `json:"status"`
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, h.session.Snapshot())
}

func (h *Handler) handleSubmitPIN(w http.ResponseWriter, r *http.Request) {
	var req pinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	matched, err := h.session.SubmitPIN(strings.TrimSpace(req.Pin))
	if err != nil {
		respondWithDomainError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]bool{"matched": matched})
}

// handleFaceTick feeds the capture loop. The image is only kept when a face is detected.
func (h *Handler) handleFaceTick(w http.ResponseWriter, r *http.Request) {
	var req faceTickRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	var frame *app.Frame
	if req.FaceDetected && req.Image != "" {
		frame = &app.Frame{ID: req.FrameID, Image: req.Image}
	}
	h.frames.Push(req.FaceDetected, frame)
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) handleListDevices(w http.ResponseWriter, r *http.Request) {
	status, err := h.session.RefreshDeviceStatus(r.Context())
	if err != nil {
		respondWithDomainError(w, err)
		return
	}

	snapshot := h.session.Snapshot()
	devices := make([]deviceView, 0, len(snapshot.AvailableDevices))
	for _, d := range snapshot.AvailableDevices {
		state, ok := status[d.ID]
		if !ok {
			state = domain.DeviceUnknown
		}
		devices = append(devices, deviceView{ID: d.ID, Name: d.Name, Status: state})
	}
	respondWithJSON(w, http.StatusOK, devices)
}

func (h *Handler) handleConfirmDevices(w http.ResponseWriter, r *http.Request) {
	var req confirmDevicesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := h.session.ConfirmDevices(req.DeviceIDs); err != nil {
		respondWithDomainError(w, err)
		return
	}
	respondWithJSON(w, http.StatusAccepted, h.session.Snapshot())
}

func (h *Handler) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := h.session.Reset(); err != nil {
		respondWithDomainError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, h.session.Snapshot())
}

func (h *Handler) handleUnlockUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if err := h.admin.UnlockUser(r.Context(), userID); err != nil {
		respondWithDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleGetAttempts(w http.ResponseWriter, r *http.Request) {
	summary, err := h.admin.Attempts(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		respondWithDomainError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, summary)
}

func (h *Handler) handleAssignDevice(w http.ResponseWriter, r *http.Request) {
	roleID := chi.URLParam(r, "roleID")
	deviceID := chi.URLParam(r, "deviceID")
	if err := h.admin.AssignDeviceToRole(r.Context(), roleID, deviceID); err != nil {
		respondWithDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleRoleDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := h.admin.DevicesForRole(r.Context(), chi.URLParam(r, "roleID"))
	if err != nil {
		respondWithDomainError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, devices)
}

func respondWithDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, app.ErrInvalidFormat):
		respondWithError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, app.ErrWrongState):
		respondWithError(w, http.StatusConflict, err.Error())
	case errors.Is(err, app.ErrUnknownDevice):
		respondWithError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, app.ErrUserNotFound):
		respondWithError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, app.ErrStoreUnavailable):
		respondWithError(w, http.StatusServiceUnavailable, "Record store unavailable")
	default:
		respondWithError(w, http.StatusInternalServerError, "Internal Server Error")
	}
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

// respondWithJSON is a helper function to write JSON responses.
func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}
