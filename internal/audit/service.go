package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events.
//
// It MUST be append-only.
// No Update/Delete methods are provided by design.

type Repository interface {
	Append(ctx context.Context, e Event) error
}

// Service logs internal audit information.
//
// IMPORTANT:
// - Audit is internal-only. Do not expose these records to callers by default.
// - Callers should treat audit logging as best-effort.

type Service struct {
	repo      Repository
	clusterID string
	clock     func() time.Time
}

func NewService(repo Repository, clusterID string) *Service {
	return &Service{repo: repo, clusterID: clusterID, clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.Type == "" {
		return ErrInvalidEvent
	}

	now := s.clock().UTC()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.ClusterID == "" {
		e.ClusterID = s.clusterID
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	return s.repo.Append(ctx, e)
}

// LogForceEnd records an admin force-ending a call.
func (s *Service) LogForceEnd(ctx context.Context, actorUserID, actorRole, ip, callID, message string) error {
	return s.Append(ctx, Event{
		Type:        EventTypeForceEnd,
		ActorUserID: actorUserID,
		ActorRole:   actorRole,
		IPAddress:   ip,
		CallID:      callID,
		Message:     message,
	})
}

// LogQueuePurge records an admin removing a pending request from the queue.
func (s *Service) LogQueuePurge(ctx context.Context, actorUserID, actorRole, ip, channelID string) error {
	return s.Append(ctx, Event{
		Type:        EventTypeQueuePurge,
		ActorUserID: actorUserID,
		ActorRole:   actorRole,
		IPAddress:   ip,
		ChannelID:   channelID,
		Message:     "pending request purged",
	})
}
