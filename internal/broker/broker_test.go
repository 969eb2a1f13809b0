package broker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/brickworks/sitegate/internal/audit"
	"github.com/brickworks/sitegate/internal/database"
	"github.com/brickworks/sitegate/internal/directory"
	"github.com/brickworks/sitegate/internal/types"
)

// captureNotifier records every notification for assertions. Connected
// controls what Notify reports back to the broker.
type captureNotifier struct {
	mu        sync.Mutex
	messages  map[uuid.UUID][]any
	Connected bool
}

func newCaptureNotifier() *captureNotifier {
	return &captureNotifier{
		messages:  make(map[uuid.UUID][]any),
		Connected: true,
	}
}

func (n *captureNotifier) Notify(userID uuid.UUID, msg any) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages[userID] = append(n.messages[userID], msg)
	return n.Connected
}

func (n *captureNotifier) sent(userID uuid.UUID) []any {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]any(nil), n.messages[userID]...)
}

// fixture wires a broker against an in-memory database with one site, one
// owner, one target worker, and one support agent.
type fixture struct {
	db       *database.Database
	dir      *database.DirectoryStore
	requests *Requests
	sessions *Sessions
	notifier *captureNotifier
	audits   *database.AuditStore

	siteID  uuid.UUID
	ownerID uuid.UUID
	target  uuid.UUID
	agent   uuid.UUID

	clock *fakeClock
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := database.OpenMemory()
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	dirStore := database.NewDirectoryStore(db)
	f := &fixture{
		db:       db,
		dir:      dirStore,
		notifier: newCaptureNotifier(),
		audits:   database.NewAuditStore(db),
		siteID:   uuid.New(),
		ownerID:  uuid.New(),
		target:   uuid.New(),
		agent:    uuid.New(),
		clock:    &fakeClock{now: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)},
	}

	ctx := context.Background()
	seed := []types.SiteMembership{
		{UserID: f.ownerID, SiteID: f.siteID, Role: types.RoleOwner, IsActive: true},
		{UserID: f.target, SiteID: f.siteID, Role: types.RoleForeman, IsActive: true},
	}
	for i := range seed {
		if err := dirStore.SeedMembership(ctx, &seed[i]); err != nil {
			t.Fatalf("seeding membership: %v", err)
		}
	}
	if err := dirStore.SeedSupportProfile(ctx, &types.SupportProfile{
		UserID:         f.agent,
		IsSupportAgent: true,
		Level:          types.SupportTier2,
	}); err != nil {
		t.Fatalf("seeding support profile: %v", err)
	}

	checks := directory.NewChecks(dirStore)
	auditor := audit.NewEmitter(f.audits)

	f.sessions = NewSessions(db, database.NewSessionStore(db), checks, auditor, f.notifier)
	f.sessions.now = f.clock.Now
	f.requests = NewRequests(db, database.NewRequestStore(db), f.sessions, checks, auditor, f.notifier, nil)
	f.requests.now = f.clock.Now

	return f
}

func (f *fixture) createRequest(t *testing.T, minutes int) *types.ImpersonationRequest {
	t.Helper()
	req, err := f.requests.Create(context.Background(), types.CreateRequestInput{
		SupportUserID:          f.agent,
		TargetUserID:           f.target,
		TargetSiteID:           f.siteID,
		Reason:                 "investigating duplicated timesheet entries",
		SessionDurationMinutes: minutes,
	}, Actor{IPAddress: "198.51.100.7"})
	if err != nil {
		t.Fatalf("creating request: %v", err)
	}
	return req
}

func (f *fixture) approve(t *testing.T, requestID uuid.UUID) uuid.UUID {
	t.Helper()
	resp, err := f.requests.Respond(context.Background(), types.RespondInput{
		RequestID: requestID,
		OwnerID:   f.ownerID,
		Approved:  true,
	}, Actor{})
	if err != nil {
		t.Fatalf("approving request: %v", err)
	}
	if resp.SessionID == nil {
		t.Fatal("approval returned no session id")
	}
	return *resp.SessionID
}

func (f *fixture) auditActions(t *testing.T, action string) []types.AuditLog {
	t.Helper()
	entries, err := f.audits.ListByAction(context.Background(), action, 50)
	if err != nil {
		t.Fatalf("listing audit entries: %v", err)
	}
	return entries
}
