package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/securegate/kiosk-service/internal/domain"
	"github.com/securegate/kiosk-service/pkg/rabbitmq"
)

// AccessLogWriter appends access decisions.
type AccessLogWriter interface {
	CreateAccessLog(ctx context.Context, entry *domain.AccessLog) error
}

// AuditTrail records terminal session outcomes in the access log table and on
// the events exchange. Both writes are best effort and only logged on failure.
type AuditTrail struct {
	logs      AccessLogWriter
	publisher rabbitmq.Publisher
	exchange  string
	kioskID   string
	logger    *slog.Logger
	now       func() time.Time
}

func NewAuditTrail(logs AccessLogWriter, publisher rabbitmq.Publisher, exchange, kioskID string, logger *slog.Logger) *AuditTrail {
	return &AuditTrail{
		logs:      logs,
		publisher: publisher,
		exchange:  exchange,
		kioskID:   kioskID,
		logger:    logger,
		now:       time.Now,
	}
}

var accessRoutingKeys = map[domain.AccessStatus]string{
	domain.AccessGranted: domain.EventAccessGranted,
	domain.AccessFailed:  domain.EventAccessFailed,
	domain.AccessLocked:  domain.EventAccessLocked,
}

// RecordAccess stores and publishes one access decision for the session.
func (a *AuditTrail) RecordAccess(ctx context.Context, sess domain.Session, status domain.AccessStatus, attempts int) {
	if a == nil {
		return
	}
	now := a.now().UTC()
	userID := ""
	if sess.User != nil {
		userID = sess.User.ID
	}
	var distance *float64
	method := "card"
	if sess.Verification != nil {
		d := sess.Verification.Distance
		distance = &d
		method = "face"
	}

	if a.logs != nil {
		entry := &domain.AccessLog{
			KioskID:   a.kioskID,
			UserID:    userID,
			CardUID:   sess.CardUID,
			Status:    status,
			Method:    method,
			Distance:  distance,
			CreatedAt: now,
		}
		if err := a.logs.CreateAccessLog(ctx, entry); err != nil {
			a.logger.Warn("failed to write access log", "user_id", userID, "status", status, "error", err)
		}
	}

	a.publish(ctx, accessRoutingKeys[status], domain.KioskEvent{
		EventID:    uuid.NewString(),
		EventType:  accessRoutingKeys[status],
		KioskID:    a.kioskID,
		SessionID:  sess.ID.String(),
		UserID:     userID,
		CardUID:    sess.CardUID,
		Status:     string(status),
		Distance:   distance,
		Attempts:   attempts,
		OccurredAt: now,
	})
}

// RecordActivation publishes the outcome of a device activation batch.
func (a *AuditTrail) RecordActivation(ctx context.Context, sessionID uuid.UUID, userID string, report domain.ActivationReport) {
	if a == nil {
		return
	}
	devices := make(map[string]domain.DeviceState, len(report.Devices)+1)
	for id, state := range report.Devices {
		devices[id] = state
	}
	devices["door"] = report.Door

	status := "success"
	if report.Failed() {
		status = "partial"
	}
	a.publish(ctx, domain.EventDeviceActivated, domain.KioskEvent{
		EventID:    uuid.NewString(),
		EventType:  domain.EventDeviceActivated,
		KioskID:    a.kioskID,
		SessionID:  sessionID.String(),
		UserID:     userID,
		Status:     status,
		Devices:    devices,
		OccurredAt: a.now().UTC(),
	})
}

func (a *AuditTrail) publish(ctx context.Context, routingKey string, event domain.KioskEvent) {
	if a.publisher == nil || a.exchange == "" {
		return
	}
	if err := a.publisher.Publish(ctx, a.exchange, routingKey, event); err != nil {
		a.logger.Warn("failed to publish kiosk event", "routing_key", routingKey, "error", err)
	}
}
