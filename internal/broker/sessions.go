package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"github.com/brickworks/sitegate/internal/audit"
	"github.com/brickworks/sitegate/internal/database"
	"github.com/brickworks/sitegate/internal/directory"
	"github.com/brickworks/sitegate/internal/types"
)

// Sessions manages the time-boxed grants produced by approved requests.
type Sessions struct {
	db       *database.Database
	store    *database.SessionStore
	checks   *directory.Checks
	auditor  *audit.Emitter
	notifier Notifier
	locks    *keyedMutex
	now      func() time.Time
}

// NewSessions creates the session manager.
func NewSessions(
	db *database.Database,
	store *database.SessionStore,
	checks *directory.Checks,
	auditor *audit.Emitter,
	notifier Notifier,
) *Sessions {
	return &Sessions{
		db:       db,
		store:    store,
		checks:   checks,
		auditor:  auditor,
		notifier: notifier,
		locks:    newKeyedMutex(),
		now:      time.Now,
	}
}

// startTx creates the session for an approved request inside the caller's
// transaction so approval, session creation, and audit commit or roll back
// together. The effective role is the target's site role, downgraded to
// supervisor when the target is an owner. One active session per support
// agent and site pair.
func (s *Sessions) startTx(ctx context.Context, tx *sqlx.Tx, req *types.ImpersonationRequest, now time.Time) (*types.ImpersonationSession, error) {
	role, err := s.checks.MembershipRoleTx(tx, req.TargetUserID, req.TargetSiteID)
	if err != nil {
		return nil, fmt.Errorf("resolving target role: %w", err)
	}
	effectiveRole := role
	if effectiveRole == types.RoleOwner {
		effectiveRole = types.RoleSupervisor
	}

	existing, err := s.store.ActiveForPairTx(tx, req.SupportUserID, req.TargetSiteID)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.Usable(now) {
		return nil, fmt.Errorf("%w: agent already has an active session on this site", types.ErrConflict)
	}

	session := &types.ImpersonationSession{
		ID:            uuid.New(),
		RequestID:     req.ID,
		SupportUserID: req.SupportUserID,
		TargetUserID:  req.TargetUserID,
		TargetSiteID:  req.TargetSiteID,
		EffectiveRole: effectiveRole,
		StartedAt:     now,
		ExpiresAt:     now.Add(time.Duration(req.SessionDurationMinutes) * time.Minute),
		IsActive:      true,
	}
	if err := s.store.CreateTx(tx, session); err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}

	sessionsStarted.Inc()
	activeSessions.Inc()
	return session, nil
}

// End terminates an active session. The end reason is derived from who is
// asking: an owner of the session's site revokes, the holding support agent
// ends manually, anyone else is rejected and the attempt audited.
func (s *Sessions) End(ctx context.Context, input types.EndSessionInput, actor Actor) error {
	unlock := s.locks.Lock(input.SessionID)
	defer unlock()

	session, err := s.store.Get(ctx, input.SessionID)
	if err != nil {
		return err
	}

	// Ownership outranks holding the session: an agent who also owns the
	// site revokes rather than ends.
	isOwner, err := s.checks.IsSiteOwner(ctx, input.UserID, session.TargetSiteID)
	if err != nil {
		return err
	}
	var reason types.EndReason
	switch {
	case isOwner:
		reason = types.EndReasonRevoked
	case input.UserID == session.SupportUserID:
		reason = types.EndReasonManual
	default:
		s.auditDeniedAttempt(ctx, session, input.UserID, actor)
		return fmt.Errorf("%w: only the holding agent or a site owner may end a session", types.ErrForbidden)
	}

	if !session.IsActive {
		return fmt.Errorf("%w: session already ended (%s)", types.ErrConflict, session.EndReason)
	}

	now := s.now()
	ended := false
	err = s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		ok, err := s.store.EndTx(tx, session.ID, reason, input.UserID, now)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: session already ended", types.ErrConflict)
		}
		ended = true

		action := types.ActionImpersonationEnded
		if reason == types.EndReasonRevoked {
			action = types.ActionImpersonationRevoked
		}
		entry := types.NewAuditLog(action, input.UserID, session.TargetSiteID).
			WithSession(session.ID).
			WithDetails(map[string]interface{}{
				"end_reason": string(reason),
				"note":       input.Reason,
			}).
			WithIPAddress(actor.IPAddress).
			WithUserAgent(actor.UserAgent)
		return s.auditor.Record(tx, entry)
	})
	if err != nil {
		return err
	}

	if ended {
		sessionsEnded.WithLabelValues(string(reason)).Inc()
		activeSessions.Dec()
	}

	if reason == types.EndReasonRevoked {
		s.notifier.Notify(session.SupportUserID, types.SessionEndMessage{
			Type:      types.KindImpersonationRevoked,
			SessionID: session.ID,
			Reason:    input.Reason,
		})
	}

	log.Info().
		Str("session_id", session.ID.String()).
		Str("ended_by", input.UserID.String()).
		Str("reason", string(reason)).
		Msg("Impersonation session ended")

	return nil
}

// Verify is the per-use check for a session. A session found past its
// deadline is expired on the spot so the stored state catches up with the
// answer; possession of a session id never substitutes for this check.
func (s *Sessions) Verify(ctx context.Context, sessionID, supportUserID uuid.UUID) (*types.VerifySessionResponse, error) {
	session, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.SupportUserID != supportUserID {
		return nil, fmt.Errorf("%w: session belongs to another agent", types.ErrForbidden)
	}

	now := s.now()
	if session.Usable(now) {
		return &types.VerifySessionResponse{Valid: true, Session: session}, nil
	}

	if session.IsActive && session.IsExpired(now) {
		unlock := s.locks.Lock(session.ID)
		if err := s.expireOne(ctx, session, now); err != nil {
			unlock()
			return nil, err
		}
		unlock()
		return &types.VerifySessionResponse{Valid: false, Reason: "session expired"}, nil
	}

	return &types.VerifySessionResponse{
		Valid:  false,
		Reason: fmt.Sprintf("session ended (%s)", session.EndReason),
	}, nil
}

// ActiveForSupport lists the caller's own active sessions.
func (s *Sessions) ActiveForSupport(ctx context.Context, supportUserID uuid.UUID) ([]types.ImpersonationSession, error) {
	return s.store.ListActiveForSupport(ctx, supportUserID)
}

// ActiveOnOwnedSites lists active sessions on every site the caller owns.
func (s *Sessions) ActiveOnOwnedSites(ctx context.Context, ownerID uuid.UUID) ([]types.ImpersonationSession, error) {
	sites, err := s.checks.OwnedSites(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	return s.store.ListActiveForSites(ctx, sites)
}

// ExpireDue ends every active session past its deadline. Runs on the sweep
// tick; the guarded update makes a second pass over the same session a
// no-op.
func (s *Sessions) ExpireDue(ctx context.Context) error {
	sweepRuns.WithLabelValues("sessions").Inc()

	due, err := s.store.ListDueActive(ctx, s.now(), sweepBatchSize)
	if err != nil {
		return fmt.Errorf("listing due sessions: %w", err)
	}

	for i := range due {
		session := &due[i]
		unlock := s.locks.Lock(session.ID)
		if err := s.expireOne(ctx, session, s.now()); err != nil {
			unlock()
			log.Error().Err(err).Str("session_id", session.ID.String()).Msg("Failed to expire session")
			continue
		}
		unlock()
	}
	return nil
}

// expireOne ends a single session with reason expired. Callers hold the
// session's lock. No actor: expiry is the system's doing, ended_by stays
// NULL.
func (s *Sessions) expireOne(ctx context.Context, session *types.ImpersonationSession, now time.Time) error {
	ended := false
	err := s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		ok, err := s.store.EndTx(tx, session.ID, types.EndReasonExpired, uuid.Nil, now)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		ended = true
		entry := types.NewAuditLog(types.ActionSessionExpired, session.SupportUserID, session.TargetSiteID).
			WithSession(session.ID).
			WithDetails(map[string]interface{}{
				"expired_at": now.UTC().Format(time.RFC3339),
			})
		return s.auditor.Record(tx, entry)
	})
	if err != nil {
		return err
	}
	if !ended {
		return nil
	}

	sessionsEnded.WithLabelValues(string(types.EndReasonExpired)).Inc()
	activeSessions.Dec()
	s.notifier.Notify(session.SupportUserID, types.SessionEndMessage{
		Type:      types.KindSessionExpired,
		SessionID: session.ID,
		Reason:    "session reached its deadline",
	})
	return nil
}

func (s *Sessions) auditDeniedAttempt(ctx context.Context, session *types.ImpersonationSession, actorID uuid.UUID, actor Actor) {
	err := s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		entry := types.NewAuditLog(types.ActionSessionEndRejected, actorID, session.TargetSiteID).
			WithSession(session.ID).
			WithDetails(map[string]interface{}{"reason": "caller may not end this session"}).
			WithIPAddress(actor.IPAddress).
			WithUserAgent(actor.UserAgent)
		return s.auditor.Record(tx, entry)
	})
	if err != nil {
		log.Error().Err(err).Str("session_id", session.ID.String()).Msg("Failed to audit denied attempt")
	}
}
