/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * Table and column names follow the kiosk schema: users, failed_attempts, devices,
 * role_to_device, access_logs and device_logs.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/securegate/kiosk-service/internal/domain"
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const userColumns = `uid, coalesce(card_id, ''), coalesce(password, ''), status, coalesce(user_picture, ''), coalesce(first_name, ''), coalesce(last_name, ''), role_id`

func scanUser(row pgx.Row) (*domain.User, error) {
	var user domain.User
	var status string
	err := row.Scan(&user.ID, &user.CardID, &user.PinSecret, &status, &user.Picture, &user.FirstName, &user.LastName, &user.RoleID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	user.Status = domain.UserStatus(status)
	return &user, nil
}

// GetUserByCardID retrieves the user a card UID is registered to.
func (r *PostgresRepository) GetUserByCardID(ctx context.Context, cardID string) (*domain.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE card_id = $1`
	return scanUser(r.db.QueryRow(ctx, query, cardID))
}

// GetUserByID retrieves a user by primary key.
func (r *PostgresRepository) GetUserByID(ctx context.Context, userID string) (*domain.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE uid = $1`
	return scanUser(r.db.QueryRow(ctx, query, userID))
}

// UpdateUser applies a partial update. Only the fields the kiosk owns are patchable.
func (r *PostgresRepository) UpdateUser(ctx context.Context, userID string, patch domain.UserPatch) error {
	if patch.Status == nil {
		return nil
	}
	tag, err := r.db.Exec(ctx, `UPDATE users SET status = $2 WHERE uid = $1`, userID, string(*patch.Status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// GetAttempts returns the failed attempt count, or 0 when the user has no record.
func (r *PostgresRepository) GetAttempts(ctx context.Context, userID string) (int, error) {
	var failed int
	err := r.db.QueryRow(ctx, `SELECT failed FROM failed_attempts WHERE user_id = $1`, userID).Scan(&failed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return failed, nil
}

// UpsertAttempts stores an explicit count, creating the record when absent.
func (r *PostgresRepository) UpsertAttempts(ctx context.Context, userID string, count int) error {
	if count < 0 {
		count = 0
	}
	query := `
		INSERT INTO failed_attempts (user_id, failed, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (user_id) DO UPDATE SET failed = EXCLUDED.failed, updated_at = NOW()
	`
	_, err := r.db.Exec(ctx, query, userID, count)
	return err
}

// IncrementAttempts atomically adds one failure, never exceeding max when max > 0.
func (r *PostgresRepository) IncrementAttempts(ctx context.Context, userID string, max int) (int, error) {
	query := `
		INSERT INTO failed_attempts (user_id, failed, updated_at)
		VALUES ($1, 1, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			failed = CASE
				WHEN $2 > 0 THEN LEAST(failed_attempts.failed + 1, $2)
				ELSE failed_attempts.failed + 1
			END,
			updated_at = NOW()
		RETURNING failed
	`
	var failed int
	if err := r.db.QueryRow(ctx, query, userID, max).Scan(&failed); err != nil {
		return 0, err
	}
	return failed, nil
}

// DeleteAttempts removes the record entirely. Deleting a missing record is not an error.
func (r *PostgresRepository) DeleteAttempts(ctx context.Context, userID string) error {
	_, err := r.db.Exec(ctx, `DELETE FROM failed_attempts WHERE user_id = $1`, userID)
	return err
}

// ListOverLimitActiveUsers finds users whose counter reached max but whose account
// was never disabled, i.e. the second half of a lockout did not land.
func (r *PostgresRepository) ListOverLimitActiveUsers(ctx context.Context, max int) ([]string, error) {
	query := `
		SELECT fa.user_id
		FROM failed_attempts fa
		JOIN users u ON u.uid = fa.user_id
		WHERE fa.failed >= $1 AND u.status <> $2
	`
	rows, err := r.db.Query(ctx, query, max, string(domain.UserStatusDisabled))
	if err != nil {
		if isUndefinedTableError(err) {
			return nil, nil
		}
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanDevices(rows pgx.Rows) ([]domain.Device, error) {
	defer rows.Close()
	var devices []domain.Device
	for rows.Next() {
		var d domain.Device
		if err := rows.Scan(&d.ID, &d.Name, &d.GatewayID); err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// GetDevicesByUser lists the devices assigned to the user's role.
func (r *PostgresRepository) GetDevicesByUser(ctx context.Context, userID string) ([]domain.Device, error) {
	query := `
		SELECT d.device_id, d.device_name, coalesce(d.tuya_device_id, d.device_id::text)
		FROM users u
		JOIN role_to_device rd ON rd.role_id = u.role_id
		JOIN devices d ON d.device_id = rd.device_id
		WHERE u.uid = $1
		ORDER BY d.device_name
	`
	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	return scanDevices(rows)
}

// AssignDeviceToRole links a device to a role. Repeating an assignment is a no-op.
func (r *PostgresRepository) AssignDeviceToRole(ctx context.Context, roleID, deviceID string) error {
	query := `
		INSERT INTO role_to_device (role_id, device_id)
		VALUES ($1, $2)
		ON CONFLICT (role_id, device_id) DO NOTHING
	`
	_, err := r.db.Exec(ctx, query, roleID, deviceID)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23503" {
		return ErrDeviceNotFound
	}
	return err
}

// GetDevicesForRole lists the devices assigned to a role.
func (r *PostgresRepository) GetDevicesForRole(ctx context.Context, roleID string) ([]domain.Device, error) {
	query := `
		SELECT d.device_id, d.device_name, coalesce(d.tuya_device_id, d.device_id::text)
		FROM role_to_device rd
		JOIN devices d ON d.device_id = rd.device_id
		WHERE rd.role_id = $1
		ORDER BY d.device_name
	`
	rows, err := r.db.Query(ctx, query, roleID)
	if err != nil {
		return nil, err
	}
	return scanDevices(rows)
}

// CreateAccessLog appends an access decision to the audit table.
func (r *PostgresRepository) CreateAccessLog(ctx context.Context, entry *domain.AccessLog) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO access_logs (id, kiosk_id, user_id, card_uid, status, method, distance, user_picture, created_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, NULLIF($8, ''), $9)
	`
	_, err := r.db.Exec(ctx, query,
		entry.ID,
		entry.KioskID,
		entry.UserID,
		entry.CardUID,
		string(entry.Status),
		entry.Method,
		entry.Distance,
		entry.CapturedPicture,
		entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert access log: %w", err)
	}
	return nil
}

// CreateDeviceLog appends one device command outcome to the audit table.
func (r *PostgresRepository) CreateDeviceLog(ctx context.Context, entry *domain.DeviceLog) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO device_logs (id, device_id, user_id, action, outcome, created_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6)
	`
	_, err := r.db.Exec(ctx, query, entry.ID, entry.DeviceID, entry.UserID, entry.Action, string(entry.Outcome), entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert device log: %w", err)
	}
	return nil
}

func isUndefinedTableError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "42P01"
}
