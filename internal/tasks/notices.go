package tasks

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog/log"
)

const (
	// TaskTypeOwnerOffline reaches site owners out of band when a request
	// arrives and none of them hold a live connection.
	TaskTypeOwnerOffline = "notify:owner_offline"

	// TaskTypeAuditArchive compacts old audit rows on a schedule.
	TaskTypeAuditArchive = "maintenance:audit_archive"
)

// OwnerOfflineNotice is the payload for TaskTypeOwnerOffline. The deadline
// travels with it so a late worker can skip requests that already expired.
type OwnerOfflineNotice struct {
	RequestID    uuid.UUID   `json:"request_id"`
	TargetSiteID uuid.UUID   `json:"target_site_id"`
	OwnerIDs     []uuid.UUID `json:"owner_ids"`
	ExpiresAt    time.Time   `json:"expires_at"`
}

// AuditArchivePayload is the payload for TaskTypeAuditArchive.
type AuditArchivePayload struct {
	Before time.Time `json:"before"`
}

// OfflineDispatcher enqueues owner-offline notices. It satisfies the
// broker's offline notifier contract.
type OfflineDispatcher struct {
	client *Client
}

// NewOfflineDispatcher creates a dispatcher backed by the given task client.
func NewOfflineDispatcher(client *Client) *OfflineDispatcher {
	return &OfflineDispatcher{client: client}
}

// NotifyOwnerOffline enqueues the notice on the critical queue so it is
// handled before the request's five minute window closes.
func (d *OfflineDispatcher) NotifyOwnerOffline(ctx context.Context, notice OwnerOfflineNotice) error {
	_, err := d.client.Enqueue(TaskTypeOwnerOffline, notice,
		asynq.Queue("critical"),
		asynq.Deadline(notice.ExpiresAt),
	)
	return err
}

// OwnerContactor delivers an offline notice through an external channel,
// typically email or a mobile push gateway.
type OwnerContactor interface {
	ContactOwner(ctx context.Context, ownerID uuid.UUID, notice OwnerOfflineNotice) error
}

// LogContactor writes notices to the log. It is the default when no
// delivery gateway is configured.
type LogContactor struct{}

func (LogContactor) ContactOwner(ctx context.Context, ownerID uuid.UUID, notice OwnerOfflineNotice) error {
	log.Info().
		Str("owner_id", ownerID.String()).
		Str("request_id", notice.RequestID.String()).
		Time("expires_at", notice.ExpiresAt).
		Msg("Owner offline notice")
	return nil
}

// RegisterHandlers wires the task handlers onto the server.
func RegisterHandlers(srv *Server, contactor OwnerContactor) {
	srv.Handle(TaskTypeOwnerOffline, NewTaskHandler(func(ctx context.Context, notice OwnerOfflineNotice) error {
		if time.Now().After(notice.ExpiresAt) {
			log.Debug().Str("request_id", notice.RequestID.String()).Msg("Skipping notice for expired request")
			return nil
		}
		for _, owner := range notice.OwnerIDs {
			if err := contactor.ContactOwner(ctx, owner, notice); err != nil {
				return err
			}
		}
		return nil
	}))
}
