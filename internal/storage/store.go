package storage

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/iohc-gateway/iohc-gateway-pro/internal/models"
	"github.com/iohc-gateway/iohc-gateway-pro/pkg/iohc"
)

// Common errors
var (
	ErrNotFound = errors.New("not found")
)

// Store defines the history-store interface: admin users plus the event
// and frame logs. The device registry itself lives in its durable JSON
// mirror, not here.
type Store interface {
	// User methods
	CreateUser(ctx context.Context, user *models.User) error
	GetUser(ctx context.Context, id uuid.UUID) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	ListUsers(ctx context.Context, limit, offset int) ([]*models.User, error)

	// Event log methods
	LogEvent(ctx context.Context, evt *models.EventLog) error
	ListEvents(ctx context.Context, device *iohc.Address, limit, offset int) ([]*models.EventLog, error)

	// Frame log methods
	LogFrame(ctx context.Context, frame *models.FrameLog) error
	ListFrames(ctx context.Context, device *iohc.Address, limit, offset int) ([]*models.FrameLog, error)

	Close() error
}
