package directory

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/brickworks/sitegate/internal/database"
	"github.com/brickworks/sitegate/internal/types"
)

func TestCapabilitiesFailClosed(t *testing.T) {
	tests := []struct {
		level      types.SupportLevel
		maxMinutes int
		financials bool
	}{
		{types.SupportTier1, 30, false},
		{types.SupportTier2, 45, true},
		{types.SupportAdmin, 60, true},
		{"", 30, false},
		{"tier99", 30, false},
	}

	for _, tt := range tests {
		caps := Capabilities(tt.level)
		if caps.MaxSessionDurationMinutes != tt.maxMinutes {
			t.Errorf("Capabilities(%q).MaxSessionDurationMinutes = %d, want %d",
				tt.level, caps.MaxSessionDurationMinutes, tt.maxMinutes)
		}
		if caps.CanViewFinancials != tt.financials {
			t.Errorf("Capabilities(%q).CanViewFinancials = %v, want %v",
				tt.level, caps.CanViewFinancials, tt.financials)
		}
	}
}

func testChecks(t *testing.T) (*Checks, *database.DirectoryStore) {
	t.Helper()
	db, err := database.OpenMemory()
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	store := database.NewDirectoryStore(db)
	return NewChecks(store), store
}

func TestSupportAgentChecks(t *testing.T) {
	checks, store := testChecks(t)
	ctx := context.Background()

	agent := uuid.New()
	if err := store.SeedSupportProfile(ctx, &types.SupportProfile{
		UserID:         agent,
		IsSupportAgent: true,
		Level:          types.SupportTier1,
	}); err != nil {
		t.Fatalf("seeding: %v", err)
	}

	profile, err := checks.SupportAgent(ctx, agent)
	if err != nil {
		t.Fatalf("SupportAgent: %v", err)
	}
	if profile.Level != types.SupportTier1 {
		t.Errorf("level = %s", profile.Level)
	}

	// Unknown user is forbidden, not not-found.
	if _, err := checks.SupportAgent(ctx, uuid.New()); !errors.Is(err, types.ErrForbidden) {
		t.Errorf("unknown user err = %v, want ErrForbidden", err)
	}

	// A profile with the flag cleared is equally forbidden.
	former := uuid.New()
	if err := store.SeedSupportProfile(ctx, &types.SupportProfile{
		UserID:         former,
		IsSupportAgent: false,
		Level:          types.SupportAdmin,
	}); err != nil {
		t.Fatalf("seeding: %v", err)
	}
	if _, err := checks.SupportAgent(ctx, former); !errors.Is(err, types.ErrForbidden) {
		t.Errorf("inactive agent err = %v, want ErrForbidden", err)
	}
}

func TestOwnershipChecks(t *testing.T) {
	checks, store := testChecks(t)
	ctx := context.Background()

	owner, supervisor, site := uuid.New(), uuid.New(), uuid.New()
	seed := []types.SiteMembership{
		{UserID: owner, SiteID: site, Role: types.RoleOwner, IsActive: true},
		{UserID: supervisor, SiteID: site, Role: types.RoleSupervisor, IsActive: true},
	}
	for i := range seed {
		if err := store.SeedMembership(ctx, &seed[i]); err != nil {
			t.Fatalf("seeding: %v", err)
		}
	}

	if ok, _ := checks.IsSiteOwner(ctx, owner, site); !ok {
		t.Error("owner not recognized")
	}
	if ok, _ := checks.IsSiteOwner(ctx, supervisor, site); ok {
		t.Error("supervisor treated as owner")
	}

	owners, err := checks.SiteOwners(ctx, site)
	if err != nil {
		t.Fatalf("SiteOwners: %v", err)
	}
	if len(owners) != 1 || owners[0] != owner {
		t.Errorf("SiteOwners = %v, want [%s]", owners, owner)
	}

	sites, err := checks.OwnedSites(ctx, owner)
	if err != nil {
		t.Fatalf("OwnedSites: %v", err)
	}
	if len(sites) != 1 || sites[0] != site {
		t.Errorf("OwnedSites = %v, want [%s]", sites, site)
	}
}
