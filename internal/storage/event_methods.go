package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/iohc-gateway/iohc-gateway-pro/internal/models"
	"github.com/iohc-gateway/iohc-gateway-pro/pkg/iohc"
)

// LogEvent inserts a controller event
func (s *PostgresStore) LogEvent(ctx context.Context, evt *models.EventLog) error {
	if evt.ID == uuid.Nil {
		evt.ID = uuid.New()
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = time.Now()
	}

	var device *string
	if evt.Device != nil {
		str := evt.Device.String()
		device = &str
	}

	var details []byte
	if evt.Details != nil {
		var err error
		details, err = json.Marshal(evt.Details)
		if err != nil {
			return fmt.Errorf("marshal event details: %w", err)
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO event_logs (id, device, type, level, description, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		evt.ID, device, evt.Type, evt.Level, evt.Description, details, evt.CreatedAt)
	if err != nil {
		return fmt.Errorf("log event: %w", err)
	}
	return nil
}

// ListEvents returns a page of events, optionally filtered by device
func (s *PostgresStore) ListEvents(ctx context.Context, device *iohc.Address, limit, offset int) ([]*models.EventLog, error) {
	query := `
		SELECT id, device, type, level, description, details, created_at
		FROM event_logs`
	args := []interface{}{}
	if device != nil {
		query += ` WHERE device = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`
		args = append(args, device.String(), limit, offset)
	} else {
		query += ` ORDER BY created_at DESC LIMIT $1 OFFSET $2`
		args = append(args, limit, offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []*models.EventLog
	for rows.Next() {
		var evt models.EventLog
		var deviceStr *string
		var details []byte
		if err := rows.Scan(&evt.ID, &deviceStr, &evt.Type, &evt.Level,
			&evt.Description, &details, &evt.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if deviceStr != nil {
			if addr, err := iohc.ParseAddress(*deviceStr); err == nil {
				evt.Device = &addr
			}
		}
		if len(details) > 0 {
			json.Unmarshal(details, &evt.Details)
		}
		events = append(events, &evt)
	}
	return events, rows.Err()
}
