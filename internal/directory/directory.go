// Package directory answers authorization questions against the membership
// and support tables owned by the main application. Pure reads, no side
// effects.
package directory

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/brickworks/sitegate/internal/database"
	"github.com/brickworks/sitegate/internal/types"
)

// capabilities is the static per-level table. Unknown levels fall back to
// tier1, the most restrictive entry.
var capabilities = map[types.SupportLevel]types.SupportCapabilities{
	types.SupportTier1: {MaxSessionDurationMinutes: 30, CanViewFinancials: false},
	types.SupportTier2: {MaxSessionDurationMinutes: 45, CanViewFinancials: true},
	types.SupportAdmin: {MaxSessionDurationMinutes: 60, CanViewFinancials: true},
}

// Capabilities returns the capabilities for a support level, failing closed
// to tier1 for anything unrecognized.
func Capabilities(level types.SupportLevel) types.SupportCapabilities {
	if caps, ok := capabilities[level]; ok {
		return caps
	}
	return capabilities[types.SupportTier1]
}

// Checks performs directory lookups for the broker.
type Checks struct {
	store *database.DirectoryStore
}

// NewChecks creates a Checks backed by the directory store.
func NewChecks(store *database.DirectoryStore) *Checks {
	return &Checks{store: store}
}

// IsSiteOwner reports whether the user is an active owner of the site.
func (c *Checks) IsSiteOwner(ctx context.Context, userID, siteID uuid.UUID) (bool, error) {
	role, err := c.store.MembershipRole(ctx, userID, siteID)
	if errors.Is(err, types.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return role == types.RoleOwner, nil
}

// MembershipRole returns the user's active role on the site.
func (c *Checks) MembershipRole(ctx context.Context, userID, siteID uuid.UUID) (types.SiteRole, error) {
	return c.store.MembershipRole(ctx, userID, siteID)
}

// MembershipRoleTx is MembershipRole scoped to an open transaction.
func (c *Checks) MembershipRoleTx(tx *sqlx.Tx, userID, siteID uuid.UUID) (types.SiteRole, error) {
	return c.store.MembershipRoleTx(tx, userID, siteID)
}

// SupportAgent returns the support profile of a user, or ErrForbidden when
// the user is not an active support agent.
func (c *Checks) SupportAgent(ctx context.Context, userID uuid.UUID) (*types.SupportProfile, error) {
	profile, err := c.store.SupportProfile(ctx, userID)
	if errors.Is(err, types.ErrNotFound) {
		return nil, types.ErrForbidden
	}
	if err != nil {
		return nil, err
	}
	if !profile.IsSupportAgent {
		return nil, types.ErrForbidden
	}
	return profile, nil
}

// SiteOwners returns the active owners of a site.
func (c *Checks) SiteOwners(ctx context.Context, siteID uuid.UUID) ([]uuid.UUID, error) {
	return c.store.SiteOwners(ctx, siteID)
}

// OwnedSites returns the sites a user actively owns.
func (c *Checks) OwnedSites(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	return c.store.OwnedSites(ctx, userID)
}
