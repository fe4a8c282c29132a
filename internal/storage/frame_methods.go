package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/iohc-gateway/iohc-gateway-pro/internal/models"
	"github.com/iohc-gateway/iohc-gateway-pro/pkg/iohc"
)

// LogFrame inserts one captured on-air frame
func (s *PostgresStore) LogFrame(ctx context.Context, frame *models.FrameLog) error {
	if frame.ID == uuid.Nil {
		frame.ID = uuid.New()
	}
	if frame.CreatedAt.IsZero() {
		frame.CreatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO frame_logs (id, direction, source, target, cmd, payload, rssi, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		frame.ID, frame.Direction, frame.Source.String(), frame.Target.String(),
		int16(frame.Cmd), frame.Payload, frame.RSSI, frame.CreatedAt)
	if err != nil {
		return fmt.Errorf("log frame: %w", err)
	}
	return nil
}

// ListFrames returns a page of captured frames, optionally filtered by the
// device appearing as source or target
func (s *PostgresStore) ListFrames(ctx context.Context, device *iohc.Address, limit, offset int) ([]*models.FrameLog, error) {
	query := `
		SELECT id, direction, source, target, cmd, payload, rssi, created_at
		FROM frame_logs`
	args := []interface{}{}
	if device != nil {
		query += ` WHERE source = $1 OR target = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`
		args = append(args, device.String(), limit, offset)
	} else {
		query += ` ORDER BY created_at DESC LIMIT $1 OFFSET $2`
		args = append(args, limit, offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list frames: %w", err)
	}
	defer rows.Close()

	var frames []*models.FrameLog
	for rows.Next() {
		var fl models.FrameLog
		var source, target string
		var cmd int16
		if err := rows.Scan(&fl.ID, &fl.Direction, &source, &target, &cmd,
			&fl.Payload, &fl.RSSI, &fl.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan frame: %w", err)
		}
		fl.Cmd = uint8(cmd)
		if addr, err := iohc.ParseAddress(source); err == nil {
			fl.Source = addr
		}
		if addr, err := iohc.ParseAddress(target); err == nil {
			fl.Target = addr
		}
		frames = append(frames, &fl)
	}
	return frames, rows.Err()
}
