package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/brickworks/sitegate/internal/types"
)

func TestEffectiveRoleNeverOwner(t *testing.T) {
	f := newFixture(t)

	// Target the site owner themselves.
	req, err := f.requests.Create(context.Background(), types.CreateRequestInput{
		SupportUserID:          f.agent,
		TargetUserID:           f.ownerID,
		TargetSiteID:           f.siteID,
		Reason:                 "owner cannot see the approvals screen",
		SessionDurationMinutes: 30,
	}, Actor{})
	if err != nil {
		t.Fatalf("creating request: %v", err)
	}
	sessionID := f.approve(t, req.ID)

	session, err := f.sessions.store.Get(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("loading session: %v", err)
	}
	if session.EffectiveRole != types.RoleSupervisor {
		t.Errorf("effective_role = %s, want supervisor (owner downgraded)", session.EffectiveRole)
	}
}

func TestEffectiveRoleMatchesTarget(t *testing.T) {
	f := newFixture(t)
	req := f.createRequest(t, 30)
	sessionID := f.approve(t, req.ID)

	session, _ := f.sessions.store.Get(context.Background(), sessionID)
	if session.EffectiveRole != types.RoleForeman {
		t.Errorf("effective_role = %s, want foreman", session.EffectiveRole)
	}
}

func TestDuplicateActiveSessionConflicts(t *testing.T) {
	f := newFixture(t)
	first := f.createRequest(t, 30)
	f.approve(t, first.ID)

	second := f.createRequest(t, 30)
	_, err := f.requests.Respond(context.Background(), types.RespondInput{
		RequestID: second.ID,
		OwnerID:   f.ownerID,
		Approved:  true,
	}, Actor{})
	if !errors.Is(err, types.ErrConflict) {
		t.Fatalf("second approval err = %v, want ErrConflict", err)
	}

	// The failed approval must not have left the request approved.
	got, _ := f.requests.store.Get(context.Background(), second.ID)
	if got.Status != types.RequestPending {
		t.Errorf("status = %s, want pending after rolled-back approval", got.Status)
	}
}

func TestEndManualBySupportAgent(t *testing.T) {
	f := newFixture(t)
	req := f.createRequest(t, 30)
	sessionID := f.approve(t, req.ID)

	err := f.sessions.End(context.Background(), types.EndSessionInput{
		SessionID: sessionID,
		UserID:    f.agent,
	}, Actor{})
	if err != nil {
		t.Fatalf("ending session: %v", err)
	}

	session, _ := f.sessions.store.Get(context.Background(), sessionID)
	if session.IsActive {
		t.Error("session still active")
	}
	if session.EndReason != types.EndReasonManual {
		t.Errorf("end_reason = %s, want manual", session.EndReason)
	}
	if entries := f.auditActions(t, types.ActionImpersonationEnded); len(entries) != 1 {
		t.Errorf("ended audit entries = %d, want 1", len(entries))
	}
}

func TestEndByOwnerIsRevoked(t *testing.T) {
	f := newFixture(t)
	req := f.createRequest(t, 30)
	sessionID := f.approve(t, req.ID)

	err := f.sessions.End(context.Background(), types.EndSessionInput{
		SessionID: sessionID,
		UserID:    f.ownerID,
		Reason:    "handled it myself",
	}, Actor{})
	if err != nil {
		t.Fatalf("revoking session: %v", err)
	}

	session, _ := f.sessions.store.Get(context.Background(), sessionID)
	if session.EndReason != types.EndReasonRevoked {
		t.Errorf("end_reason = %s, want revoked", session.EndReason)
	}
	if entries := f.auditActions(t, types.ActionImpersonationRevoked); len(entries) != 1 {
		t.Errorf("revoked audit entries = %d, want 1", len(entries))
	}

	// Agent is told their session was pulled.
	var told bool
	for _, m := range f.notifier.sent(f.agent) {
		if em, ok := m.(types.SessionEndMessage); ok && em.Type == types.KindImpersonationRevoked {
			told = true
		}
	}
	if !told {
		t.Error("agent never notified of revocation")
	}
}

func TestEndByOwnerAgentIsRevoked(t *testing.T) {
	f := newFixture(t)

	// An agent who also owns the site acts as an owner when ending.
	if err := f.dir.SeedMembership(context.Background(), &types.SiteMembership{
		UserID:   f.agent,
		SiteID:   f.siteID,
		Role:     types.RoleOwner,
		IsActive: true,
	}); err != nil {
		t.Fatalf("seeding membership: %v", err)
	}

	req := f.createRequest(t, 30)
	sessionID := f.approve(t, req.ID)

	err := f.sessions.End(context.Background(), types.EndSessionInput{
		SessionID: sessionID,
		UserID:    f.agent,
		Reason:    "wrapping up",
	}, Actor{})
	if err != nil {
		t.Fatalf("ending session: %v", err)
	}

	session, _ := f.sessions.store.Get(context.Background(), sessionID)
	if session.EndReason != types.EndReasonRevoked {
		t.Errorf("end_reason = %s, want revoked", session.EndReason)
	}
	if entries := f.auditActions(t, types.ActionImpersonationRevoked); len(entries) != 1 {
		t.Errorf("revoked audit entries = %d, want 1", len(entries))
	}
	if entries := f.auditActions(t, types.ActionImpersonationEnded); len(entries) != 0 {
		t.Errorf("ended audit entries = %d, want 0", len(entries))
	}
}

func TestEndByStrangerRejectedAndAudited(t *testing.T) {
	f := newFixture(t)
	req := f.createRequest(t, 30)
	sessionID := f.approve(t, req.ID)

	err := f.sessions.End(context.Background(), types.EndSessionInput{
		SessionID: sessionID,
		UserID:    uuid.New(),
	}, Actor{})
	if !errors.Is(err, types.ErrForbidden) {
		t.Fatalf("err = %v, want ErrForbidden", err)
	}

	session, _ := f.sessions.store.Get(context.Background(), sessionID)
	if !session.IsActive {
		t.Error("session ended by unauthorized caller")
	}
	if entries := f.auditActions(t, types.ActionSessionEndRejected); len(entries) != 1 {
		t.Errorf("rejected-attempt audit entries = %d, want 1", len(entries))
	}
}

func TestEndTwiceConflicts(t *testing.T) {
	f := newFixture(t)
	req := f.createRequest(t, 30)
	sessionID := f.approve(t, req.ID)

	input := types.EndSessionInput{SessionID: sessionID, UserID: f.agent}
	if err := f.sessions.End(context.Background(), input, Actor{}); err != nil {
		t.Fatalf("first end: %v", err)
	}
	err := f.sessions.End(context.Background(), input, Actor{})
	if !errors.Is(err, types.ErrConflict) {
		t.Fatalf("second end err = %v, want ErrConflict", err)
	}
}

func TestVerifyLazilyExpires(t *testing.T) {
	f := newFixture(t)
	req := f.createRequest(t, 30)
	sessionID := f.approve(t, req.ID)

	resp, err := f.sessions.Verify(context.Background(), sessionID, f.agent)
	if err != nil {
		t.Fatalf("verifying: %v", err)
	}
	if !resp.Valid {
		t.Fatalf("fresh session invalid: %+v", resp)
	}

	f.clock.Advance(31 * time.Minute)

	resp, err = f.sessions.Verify(context.Background(), sessionID, f.agent)
	if err != nil {
		t.Fatalf("verifying expired: %v", err)
	}
	if resp.Valid {
		t.Error("expired session verified as valid")
	}

	// The verify itself must have persisted the expiry.
	session, _ := f.sessions.store.Get(context.Background(), sessionID)
	if session.IsActive {
		t.Error("expired session still active after verify")
	}
	if session.EndReason != types.EndReasonExpired {
		t.Errorf("end_reason = %s, want expired", session.EndReason)
	}
	if session.EndedBy.Valid {
		t.Errorf("ended_by = %v, want NULL for system expiry", session.EndedBy)
	}
}

func TestVerifyWrongAgentForbidden(t *testing.T) {
	f := newFixture(t)
	req := f.createRequest(t, 30)
	sessionID := f.approve(t, req.ID)

	_, err := f.sessions.Verify(context.Background(), sessionID, uuid.New())
	if !errors.Is(err, types.ErrForbidden) {
		t.Fatalf("err = %v, want ErrForbidden", err)
	}
}

func TestSessionSweepExpiresAndNotifies(t *testing.T) {
	f := newFixture(t)
	req := f.createRequest(t, 30)
	sessionID := f.approve(t, req.ID)

	f.clock.Advance(31 * time.Minute)

	for i := 0; i < 2; i++ {
		if err := f.sessions.ExpireDue(context.Background()); err != nil {
			t.Fatalf("sweep %d: %v", i, err)
		}
	}

	session, _ := f.sessions.store.Get(context.Background(), sessionID)
	if session.IsActive || session.EndReason != types.EndReasonExpired {
		t.Errorf("session after sweep: active=%v reason=%s", session.IsActive, session.EndReason)
	}
	if entries := f.auditActions(t, types.ActionSessionExpired); len(entries) != 1 {
		t.Errorf("expiry audit entries = %d, want exactly 1 across repeated sweeps", len(entries))
	}

	var told bool
	for _, m := range f.notifier.sent(f.agent) {
		if em, ok := m.(types.SessionEndMessage); ok && em.Type == types.KindSessionExpired {
			told = true
		}
	}
	if !told {
		t.Error("agent never notified of session expiry")
	}
}

func TestActiveSessionListings(t *testing.T) {
	f := newFixture(t)
	req := f.createRequest(t, 30)
	sessionID := f.approve(t, req.ID)

	mine, err := f.sessions.ActiveForSupport(context.Background(), f.agent)
	if err != nil {
		t.Fatalf("listing agent sessions: %v", err)
	}
	if len(mine) != 1 || mine[0].ID != sessionID {
		t.Fatalf("agent sessions = %+v", mine)
	}

	owned, err := f.sessions.ActiveOnOwnedSites(context.Background(), f.ownerID)
	if err != nil {
		t.Fatalf("listing owned-site sessions: %v", err)
	}
	if len(owned) != 1 || owned[0].ID != sessionID {
		t.Fatalf("owned-site sessions = %+v", owned)
	}
}
