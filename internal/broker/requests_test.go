package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/brickworks/sitegate/internal/types"
)

func TestCreateRequestClampsDurationToCapability(t *testing.T) {
	f := newFixture(t)

	// Tier2 caps sessions at 45 minutes.
	req := f.createRequest(t, 60)

	if req.SessionDurationMinutes != 45 {
		t.Errorf("duration = %d, want 45 (clamped)", req.SessionDurationMinutes)
	}
	if req.Status != types.RequestPending {
		t.Errorf("status = %s, want pending", req.Status)
	}
	if want := f.clock.Now().Add(types.RequestTTL); !req.ExpiresAt.Equal(want) {
		t.Errorf("expires_at = %v, want %v", req.ExpiresAt, want)
	}
}

func TestCreateRequestAuditsAndNotifiesOwner(t *testing.T) {
	f := newFixture(t)

	req := f.createRequest(t, 30)

	entries := f.auditActions(t, types.ActionImpersonationRequested)
	if len(entries) != 1 {
		t.Fatalf("audit entries = %d, want 1", len(entries))
	}
	if entries[0].ActorUserID.UUID != f.agent {
		t.Errorf("audit actor = %s, want agent %s", entries[0].ActorUserID.UUID, f.agent)
	}
	if entries[0].IPAddress.String != "198.51.100.7" {
		t.Errorf("audit ip = %q", entries[0].IPAddress.String)
	}

	sent := f.notifier.sent(f.ownerID)
	if len(sent) != 1 {
		t.Fatalf("owner notifications = %d, want 1", len(sent))
	}
	msg, ok := sent[0].(types.RequestMessage)
	if !ok {
		t.Fatalf("owner notification is %T", sent[0])
	}
	if msg.RequestID != req.ID || msg.Type != types.KindImpersonationRequest {
		t.Errorf("unexpected owner notification %+v", msg)
	}
}

func TestCreateRequestRejectsNonAgent(t *testing.T) {
	f := newFixture(t)

	_, err := f.requests.Create(context.Background(), types.CreateRequestInput{
		SupportUserID:          f.ownerID,
		TargetUserID:           f.target,
		TargetSiteID:           f.siteID,
		Reason:                 "owners cannot impersonate anybody",
		SessionDurationMinutes: 30,
	}, Actor{})
	if !errors.Is(err, types.ErrForbidden) {
		t.Fatalf("err = %v, want ErrForbidden", err)
	}

	// The refused attempt must itself be on the record.
	if entries := f.auditActions(t, types.ActionRequestRejected); len(entries) != 1 {
		t.Errorf("rejected-attempt audit entries = %d, want 1", len(entries))
	}
}

func TestCreateRequestValidation(t *testing.T) {
	f := newFixture(t)

	_, err := f.requests.Create(context.Background(), types.CreateRequestInput{
		SupportUserID:          f.agent,
		TargetUserID:           f.target,
		TargetSiteID:           f.siteID,
		Reason:                 "too short",
		SessionDurationMinutes: 30,
	}, Actor{})
	if !errors.Is(err, types.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}

	var verr *types.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err is %T, want *ValidationError", err)
	}
	if _, ok := verr.Fields["reason"]; !ok {
		t.Errorf("validation fields = %v, want reason entry", verr.Fields)
	}
}

func TestRespondApproveStartsSession(t *testing.T) {
	f := newFixture(t)
	req := f.createRequest(t, 30)

	sessionID := f.approve(t, req.ID)

	got, err := f.requests.store.Get(context.Background(), req.ID)
	if err != nil {
		t.Fatalf("reloading request: %v", err)
	}
	if got.Status != types.RequestApproved {
		t.Errorf("status = %s, want approved", got.Status)
	}

	session, err := f.sessions.store.Get(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("loading session: %v", err)
	}
	if !session.IsActive {
		t.Error("session not active")
	}
	if want := f.clock.Now().Add(30 * time.Minute); !session.ExpiresAt.Equal(want) {
		t.Errorf("session expires_at = %v, want %v", session.ExpiresAt, want)
	}

	// Approval entry must reference the session.
	entries := f.auditActions(t, types.ActionImpersonationApproved)
	if len(entries) != 1 {
		t.Fatalf("approval audit entries = %d, want 1", len(entries))
	}
	if !entries[0].SessionID.Valid || entries[0].SessionID.UUID != sessionID {
		t.Errorf("approval audit session = %+v, want %s", entries[0].SessionID, sessionID)
	}

	// Agent learns the outcome.
	var approved bool
	for _, m := range f.notifier.sent(f.agent) {
		if rm, ok := m.(types.ResponseMessage); ok && rm.Type == types.KindImpersonationApproved {
			approved = true
		}
	}
	if !approved {
		t.Error("agent never notified of approval")
	}
}

func TestRespondApproveReturnsOnSingleConnection(t *testing.T) {
	f := newFixture(t)
	req := f.createRequest(t, 30)

	// The pool holds one connection and the approval transaction owns it
	// for its whole duration. Every lookup made while approving must ride
	// that transaction, or the approval waits on itself forever.
	type outcome struct {
		resp *types.RespondResponse
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		resp, err := f.requests.Respond(context.Background(), types.RespondInput{
			RequestID: req.ID,
			OwnerID:   f.ownerID,
			Approved:  true,
		}, Actor{})
		done <- outcome{resp, err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			t.Fatalf("approving request: %v", out.err)
		}
		if out.resp.SessionID == nil {
			t.Fatal("approval returned no session id")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("approval never returned")
	}
}

func TestRespondDeny(t *testing.T) {
	f := newFixture(t)
	req := f.createRequest(t, 30)

	resp, err := f.requests.Respond(context.Background(), types.RespondInput{
		RequestID:    req.ID,
		OwnerID:      f.ownerID,
		Approved:     false,
		DeniedReason: "no active ticket for this site",
	}, Actor{})
	if err != nil {
		t.Fatalf("denying: %v", err)
	}
	if resp.Approved || resp.SessionID != nil {
		t.Errorf("deny response = %+v", resp)
	}

	got, _ := f.requests.store.Get(context.Background(), req.ID)
	if got.Status != types.RequestDenied {
		t.Errorf("status = %s, want denied", got.Status)
	}
	if got.DeniedReason != "no active ticket for this site" {
		t.Errorf("denied_reason = %q", got.DeniedReason)
	}
}

func TestRespondByNonOwnerRejectedAndAudited(t *testing.T) {
	f := newFixture(t)
	req := f.createRequest(t, 30)

	_, err := f.requests.Respond(context.Background(), types.RespondInput{
		RequestID: req.ID,
		OwnerID:   f.target, // foreman, not owner
		Approved:  true,
	}, Actor{})
	if !errors.Is(err, types.ErrForbidden) {
		t.Fatalf("err = %v, want ErrForbidden", err)
	}

	if entries := f.auditActions(t, types.ActionResponseRejected); len(entries) != 1 {
		t.Errorf("rejected-attempt audit entries = %d, want 1", len(entries))
	}

	got, _ := f.requests.store.Get(context.Background(), req.ID)
	if got.Status != types.RequestPending {
		t.Errorf("status = %s, want still pending", got.Status)
	}
}

func TestRespondTwiceConflicts(t *testing.T) {
	f := newFixture(t)
	req := f.createRequest(t, 30)
	f.approve(t, req.ID)

	_, err := f.requests.Respond(context.Background(), types.RespondInput{
		RequestID: req.ID,
		OwnerID:   f.ownerID,
		Approved:  false,
	}, Actor{})
	if !errors.Is(err, types.ErrConflict) {
		t.Fatalf("second respond err = %v, want ErrConflict", err)
	}
}

func TestRespondAtDeadlineExpiresFirst(t *testing.T) {
	f := newFixture(t)
	req := f.createRequest(t, 30)

	f.clock.Advance(types.RequestTTL + time.Second)

	_, err := f.requests.Respond(context.Background(), types.RespondInput{
		RequestID: req.ID,
		OwnerID:   f.ownerID,
		Approved:  true,
	}, Actor{})
	if !errors.Is(err, types.ErrConflict) {
		t.Fatalf("late respond err = %v, want ErrConflict", err)
	}

	got, _ := f.requests.store.Get(context.Background(), req.ID)
	if got.Status != types.RequestExpired {
		t.Errorf("status = %s, want expired", got.Status)
	}
	if entries := f.auditActions(t, types.ActionRequestExpired); len(entries) != 1 {
		t.Errorf("expiry audit entries = %d, want 1", len(entries))
	}
}

func TestCancelPendingRequest(t *testing.T) {
	f := newFixture(t)
	req := f.createRequest(t, 30)

	if err := f.requests.Cancel(context.Background(), req.ID, f.agent, Actor{}); err != nil {
		t.Fatalf("cancelling: %v", err)
	}

	got, _ := f.requests.store.Get(context.Background(), req.ID)
	if got.Status != types.RequestCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}

	// Only the requesting agent may cancel.
	other := f.createRequest(t, 30)
	err := f.requests.Cancel(context.Background(), other.ID, f.ownerID, Actor{})
	if !errors.Is(err, types.ErrForbidden) {
		t.Errorf("foreign cancel err = %v, want ErrForbidden", err)
	}
}

func TestExpireDueSweepIsIdempotent(t *testing.T) {
	f := newFixture(t)
	req := f.createRequest(t, 30)

	f.clock.Advance(types.RequestTTL + time.Second)

	for i := 0; i < 3; i++ {
		if err := f.requests.ExpireDue(context.Background()); err != nil {
			t.Fatalf("sweep %d: %v", i, err)
		}
	}

	got, _ := f.requests.store.Get(context.Background(), req.ID)
	if got.Status != types.RequestExpired {
		t.Errorf("status = %s, want expired", got.Status)
	}
	if entries := f.auditActions(t, types.ActionRequestExpired); len(entries) != 1 {
		t.Errorf("expiry audit entries = %d, want exactly 1 across repeated sweeps", len(entries))
	}

	// Agent is told the request lapsed.
	var lapsed bool
	for _, m := range f.notifier.sent(f.agent) {
		if rm, ok := m.(types.ResponseMessage); ok && rm.Type == types.KindImpersonationDenied && rm.RequestID == req.ID {
			lapsed = true
		}
	}
	if !lapsed {
		t.Error("agent never notified of request expiry")
	}
}

func TestListPendingOnlyOwnedSites(t *testing.T) {
	f := newFixture(t)
	req := f.createRequest(t, 30)

	pending, err := f.requests.ListPending(context.Background(), f.ownerID, nil)
	if err != nil {
		t.Fatalf("listing pending: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != req.ID {
		t.Fatalf("pending = %+v, want the created request", pending)
	}

	// A user owning nothing sees nothing.
	none, err := f.requests.ListPending(context.Background(), uuid.New(), nil)
	if err != nil {
		t.Fatalf("listing pending for stranger: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("stranger sees %d pending requests", len(none))
	}
}
