package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"github.com/brickworks/sitegate/internal/audit"
	"github.com/brickworks/sitegate/internal/database"
	"github.com/brickworks/sitegate/internal/directory"
	"github.com/brickworks/sitegate/internal/tasks"
	"github.com/brickworks/sitegate/internal/types"
)

// sweepBatchSize bounds how many due records one sweep pass transitions.
const sweepBatchSize = 100

// OfflineNotifier queues an out-of-band notice when no owner connection is
// live to receive a pending request.
type OfflineNotifier interface {
	NotifyOwnerOffline(ctx context.Context, notice tasks.OwnerOfflineNotice) error
}

// Requests is the request lifecycle manager. A request is owned by this
// service from creation to its terminal state.
type Requests struct {
	db       *database.Database
	store    *database.RequestStore
	sessions *Sessions
	checks   *directory.Checks
	auditor  *audit.Emitter
	notifier Notifier
	offline  OfflineNotifier
	locks    *keyedMutex
	validate *validator.Validate
	now      func() time.Time
}

// NewRequests creates the request lifecycle manager. offline may be nil
// when no task queue is configured.
func NewRequests(
	db *database.Database,
	store *database.RequestStore,
	sessions *Sessions,
	checks *directory.Checks,
	auditor *audit.Emitter,
	notifier Notifier,
	offline OfflineNotifier,
) *Requests {
	return &Requests{
		db:       db,
		store:    store,
		sessions: sessions,
		checks:   checks,
		auditor:  auditor,
		notifier: notifier,
		offline:  offline,
		locks:    newKeyedMutex(),
		validate: validator.New(),
		now:      time.Now,
	}
}

// Create validates and persists a new pending request, audits it, and
// pushes it to every connected owner of the target site. An offline owner
// still sees the request via the pending pull on next connect.
func (r *Requests) Create(ctx context.Context, input types.CreateRequestInput, actor Actor) (*types.ImpersonationRequest, error) {
	if err := r.validateInput(input); err != nil {
		return nil, err
	}

	profile, err := r.checks.SupportAgent(ctx, input.SupportUserID)
	if errors.Is(err, types.ErrForbidden) {
		r.auditDeniedAttempt(ctx, types.ActionRequestRejected, input.SupportUserID, input.TargetSiteID, actor,
			map[string]interface{}{"reason": "not a support agent"})
		return nil, types.ErrForbidden
	}
	if err != nil {
		return nil, err
	}

	if _, err := r.checks.MembershipRole(ctx, input.TargetUserID, input.TargetSiteID); err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return nil, types.NewValidationError(map[string]string{
				"target_user_id": "no active membership on target site",
			})
		}
		return nil, err
	}

	caps := directory.Capabilities(profile.Level)
	duration := input.SessionDurationMinutes
	if duration > caps.MaxSessionDurationMinutes {
		duration = caps.MaxSessionDurationMinutes
	}

	now := r.now()
	req := &types.ImpersonationRequest{
		ID:                     uuid.New(),
		SupportUserID:          input.SupportUserID,
		TargetUserID:           input.TargetUserID,
		TargetSiteID:           input.TargetSiteID,
		Reason:                 input.Reason,
		SessionDurationMinutes: duration,
		Status:                 types.RequestPending,
		CreatedAt:              now,
		ExpiresAt:              now.Add(types.RequestTTL),
	}

	err = r.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		if err := r.store.CreateTx(tx, req); err != nil {
			return fmt.Errorf("creating request: %w", err)
		}
		entry := types.NewAuditLog(types.ActionImpersonationRequested, req.SupportUserID, req.TargetSiteID).
			WithDetails(map[string]interface{}{
				"request_id":     req.ID.String(),
				"target_user_id": req.TargetUserID.String(),
				"reason":         req.Reason,
				"duration_min":   req.SessionDurationMinutes,
			}).
			WithIPAddress(actor.IPAddress).
			WithUserAgent(actor.UserAgent)
		return r.auditor.Record(tx, entry)
	})
	if err != nil {
		return nil, err
	}

	requestsCreated.Inc()
	log.Info().
		Str("request_id", req.ID.String()).
		Str("support_user_id", req.SupportUserID.String()).
		Str("target_site_id", req.TargetSiteID.String()).
		Int("duration_min", req.SessionDurationMinutes).
		Msg("Impersonation request created")

	r.pushToOwners(ctx, req)
	return req, nil
}

// Respond applies an owner's approve/deny to a pending request. A request
// past its deadline is expired first and the respond fails with a conflict.
func (r *Requests) Respond(ctx context.Context, input types.RespondInput, actor Actor) (*types.RespondResponse, error) {
	if input.RequestID == uuid.Nil || input.OwnerID == uuid.Nil {
		return nil, types.NewValidationError(map[string]string{
			"request_id": "request_id and owner_id are required",
		})
	}

	unlock := r.locks.Lock(input.RequestID)
	defer unlock()

	req, err := r.store.Get(ctx, input.RequestID)
	if err != nil {
		return nil, err
	}

	if req.Status != types.RequestPending {
		return nil, fmt.Errorf("%w: request is %s", types.ErrConflict, req.Status)
	}

	now := r.now()
	if req.IsExpired(now) {
		if err := r.expireOne(ctx, req, now); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: request has expired", types.ErrConflict)
	}

	isOwner, err := r.checks.IsSiteOwner(ctx, input.OwnerID, req.TargetSiteID)
	if err != nil {
		return nil, err
	}
	if !isOwner {
		r.auditDeniedAttempt(ctx, types.ActionResponseRejected, input.OwnerID, req.TargetSiteID, actor,
			map[string]interface{}{"request_id": req.ID.String(), "reason": "responder is not a site owner"})
		return nil, fmt.Errorf("%w: responder is not an owner of the target site", types.ErrForbidden)
	}

	resp := &types.RespondResponse{Approved: input.Approved}

	err = r.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		if input.Approved {
			session, err := r.sessions.startTx(ctx, tx, req, now)
			if err != nil {
				return err
			}
			resp.SessionID = &session.ID

			ok, err := r.store.TransitionTx(tx, req.ID, types.RequestApproved, "", now)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: request left pending concurrently", types.ErrConflict)
			}

			entry := types.NewAuditLog(types.ActionImpersonationApproved, input.OwnerID, req.TargetSiteID).
				WithSession(session.ID).
				WithDetails(map[string]interface{}{
					"request_id":  req.ID.String(),
					"approved_by": input.OwnerID.String(),
				}).
				WithIPAddress(actor.IPAddress).
				WithUserAgent(actor.UserAgent)
			return r.auditor.Record(tx, entry)
		}

		ok, err := r.store.TransitionTx(tx, req.ID, types.RequestDenied, input.DeniedReason, now)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: request left pending concurrently", types.ErrConflict)
		}

		entry := types.NewAuditLog(types.ActionImpersonationDenied, input.OwnerID, req.TargetSiteID).
			WithDetails(map[string]interface{}{
				"request_id":    req.ID.String(),
				"denied_by":     input.OwnerID.String(),
				"denied_reason": input.DeniedReason,
			}).
			WithIPAddress(actor.IPAddress).
			WithUserAgent(actor.UserAgent)
		return r.auditor.Record(tx, entry)
	})
	if err != nil {
		return nil, err
	}

	if input.Approved {
		requestTransitions.WithLabelValues(string(types.RequestApproved)).Inc()
		r.notifier.Notify(req.SupportUserID, types.ResponseMessage{
			Type:      types.KindImpersonationApproved,
			RequestID: req.ID,
			Approved:  true,
			SessionID: resp.SessionID,
		})
	} else {
		requestTransitions.WithLabelValues(string(types.RequestDenied)).Inc()
		r.notifier.Notify(req.SupportUserID, types.ResponseMessage{
			Type:         types.KindImpersonationDenied,
			RequestID:    req.ID,
			Approved:     false,
			DeniedReason: input.DeniedReason,
		})
	}

	log.Info().
		Str("request_id", req.ID.String()).
		Str("owner_id", input.OwnerID.String()).
		Bool("approved", input.Approved).
		Msg("Impersonation request answered")

	return resp, nil
}

// Cancel withdraws a pending request. Only the requesting support agent may
// cancel, and only while the request is still pending.
func (r *Requests) Cancel(ctx context.Context, requestID, supportUserID uuid.UUID, actor Actor) error {
	unlock := r.locks.Lock(requestID)
	defer unlock()

	req, err := r.store.Get(ctx, requestID)
	if err != nil {
		return err
	}
	if req.SupportUserID != supportUserID {
		return fmt.Errorf("%w: only the requesting agent may cancel", types.ErrForbidden)
	}
	if req.Status != types.RequestPending {
		return fmt.Errorf("%w: request is %s", types.ErrConflict, req.Status)
	}

	now := r.now()
	err = r.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		ok, err := r.store.TransitionTx(tx, req.ID, types.RequestCancelled, "", now)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: request left pending concurrently", types.ErrConflict)
		}
		entry := types.NewAuditLog(types.ActionImpersonationCancelled, supportUserID, req.TargetSiteID).
			WithDetails(map[string]interface{}{"request_id": req.ID.String()}).
			WithIPAddress(actor.IPAddress).
			WithUserAgent(actor.UserAgent)
		return r.auditor.Record(tx, entry)
	})
	if err != nil {
		return err
	}

	requestTransitions.WithLabelValues(string(types.RequestCancelled)).Inc()
	return nil
}

// ListPending returns the pending, unexpired requests on sites the caller
// owns. This is the reconciliation pull for owners connecting or
// reconnecting.
func (r *Requests) ListPending(ctx context.Context, ownerID uuid.UUID, siteID *uuid.UUID) ([]types.ImpersonationRequest, error) {
	sites, err := r.checks.OwnedSites(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if siteID != nil {
		filtered := sites[:0]
		for _, s := range sites {
			if s == *siteID {
				filtered = append(filtered, s)
			}
		}
		sites = filtered
	}
	return r.store.ListPendingForSites(ctx, sites, r.now())
}

// ExpireDue transitions every pending request past its deadline to expired.
// Runs on the sweep tick regardless of connection activity; calling it on
// already-expired requests is a no-op.
func (r *Requests) ExpireDue(ctx context.Context) error {
	sweepRuns.WithLabelValues("requests").Inc()

	due, err := r.store.ListDuePending(ctx, r.now(), sweepBatchSize)
	if err != nil {
		return fmt.Errorf("listing due requests: %w", err)
	}

	for i := range due {
		req := &due[i]
		unlock := r.locks.Lock(req.ID)
		if err := r.expireOne(ctx, req, r.now()); err != nil {
			unlock()
			log.Error().Err(err).Str("request_id", req.ID.String()).Msg("Failed to expire request")
			continue
		}
		unlock()
	}
	return nil
}

// expireOne moves a single pending request to expired. Callers hold the
// request's lock. Losing the guarded UPDATE race is not an error.
func (r *Requests) expireOne(ctx context.Context, req *types.ImpersonationRequest, now time.Time) error {
	transitioned := false
	err := r.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		ok, err := r.store.TransitionTx(tx, req.ID, types.RequestExpired, "", now)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		transitioned = true
		entry := types.NewAuditLog(types.ActionRequestExpired, req.SupportUserID, req.TargetSiteID).
			WithDetails(map[string]interface{}{
				"request_id": req.ID.String(),
				"reason":     "request expired without response",
			})
		return r.auditor.Record(tx, entry)
	})
	if err != nil {
		return err
	}
	if !transitioned {
		return nil
	}

	requestTransitions.WithLabelValues(string(types.RequestExpired)).Inc()
	r.notifier.Notify(req.SupportUserID, types.ResponseMessage{
		Type:         types.KindImpersonationDenied,
		RequestID:    req.ID,
		Approved:     false,
		DeniedReason: "request expired without response",
	})
	return nil
}

// pushToOwners delivers a pending request to every connected owner of the
// target site and queues an offline notice when nobody is connected.
func (r *Requests) pushToOwners(ctx context.Context, req *types.ImpersonationRequest) {
	owners, err := r.checks.SiteOwners(ctx, req.TargetSiteID)
	if err != nil {
		log.Error().Err(err).Str("site_id", req.TargetSiteID.String()).Msg("Failed to look up site owners")
		return
	}

	msg := types.RequestMessage{
		Type:                   types.KindImpersonationRequest,
		RequestID:              req.ID,
		SupportUserID:          req.SupportUserID,
		TargetUserID:           req.TargetUserID,
		TargetSiteID:           req.TargetSiteID,
		Reason:                 req.Reason,
		SessionDurationMinutes: req.SessionDurationMinutes,
		ExpiresAt:              req.ExpiresAt,
	}

	delivered := false
	for _, owner := range owners {
		if r.notifier.Notify(owner, msg) {
			delivered = true
		}
	}

	if !delivered && r.offline != nil {
		notice := tasks.OwnerOfflineNotice{
			RequestID:    req.ID,
			TargetSiteID: req.TargetSiteID,
			OwnerIDs:     owners,
			ExpiresAt:    req.ExpiresAt,
		}
		if err := r.offline.NotifyOwnerOffline(ctx, notice); err != nil {
			log.Error().Err(err).Str("request_id", req.ID.String()).Msg("Failed to queue offline owner notice")
		}
	}
}

// auditDeniedAttempt records an authorization rejection that would have
// mutated state. Best effort: a failed write here must not mask the
// authorization error being returned.
func (r *Requests) auditDeniedAttempt(ctx context.Context, action string, actorID, siteID uuid.UUID, actor Actor, details map[string]interface{}) {
	err := r.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		entry := types.NewAuditLog(action, actorID, siteID).
			WithDetails(details).
			WithIPAddress(actor.IPAddress).
			WithUserAgent(actor.UserAgent)
		return r.auditor.Record(tx, entry)
	})
	if err != nil {
		log.Error().Err(err).Str("action", action).Msg("Failed to audit denied attempt")
	}
}

// validateInput maps validator output onto field-level messages.
func (r *Requests) validateInput(input types.CreateRequestInput) error {
	err := r.validate.Struct(input)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", types.ErrValidation, err)
	}

	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		switch fe.Field() {
		case "Reason":
			fields["reason"] = fmt.Sprintf("must be at least %d characters", 10)
		case "SessionDurationMinutes":
			fields["session_duration_minutes"] = fmt.Sprintf("must be between %d and %d minutes",
				types.MinSessionMinutes, types.MaxSessionMinutes)
		case "SupportUserID":
			fields["support_user_id"] = "required"
		case "TargetUserID":
			fields["target_user_id"] = "required"
		case "TargetSiteID":
			fields["target_site_id"] = "required"
		default:
			fields[fe.Field()] = fe.Tag()
		}
	}
	return types.NewValidationError(fields)
}
