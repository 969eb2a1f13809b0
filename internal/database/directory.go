package database

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/brickworks/sitegate/internal/types"
)

// DirectoryStore reads the membership and support tables owned by the main
// application, plus its auth tokens. All methods are pure reads except the
// seed helpers used by tests and provisioning tooling.
type DirectoryStore struct {
	db *Database
}

// NewDirectoryStore creates a DirectoryStore.
func NewDirectoryStore(db *Database) *DirectoryStore {
	return &DirectoryStore{db: db}
}

// MembershipRole returns the active role of a user on a site.
func (s *DirectoryStore) MembershipRole(ctx context.Context, userID, siteID uuid.UUID) (types.SiteRole, error) {
	var role types.SiteRole
	err := s.db.db.GetContext(ctx, &role, `
		SELECT role FROM site_memberships
		WHERE user_id = ? AND site_id = ? AND is_active = 1`,
		userID, siteID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", types.ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return role, nil
}

// MembershipRoleTx is MembershipRole inside the caller's transaction. The
// pool holds a single connection, so a lookup made while a transaction is
// open must ride that transaction or it waits on itself.
func (s *DirectoryStore) MembershipRoleTx(tx *sqlx.Tx, userID, siteID uuid.UUID) (types.SiteRole, error) {
	var role types.SiteRole
	err := tx.Get(&role, `
		SELECT role FROM site_memberships
		WHERE user_id = ? AND site_id = ? AND is_active = 1`,
		userID, siteID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", types.ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return role, nil
}

// SiteOwners returns the user ids of all active owners of a site.
func (s *DirectoryStore) SiteOwners(ctx context.Context, siteID uuid.UUID) ([]uuid.UUID, error) {
	var owners []uuid.UUID
	err := s.db.db.SelectContext(ctx, &owners, `
		SELECT user_id FROM site_memberships
		WHERE site_id = ? AND role = ? AND is_active = 1`,
		siteID, types.RoleOwner)
	if err != nil {
		return nil, err
	}
	return owners, nil
}

// OwnedSites returns the site ids a user actively owns.
func (s *DirectoryStore) OwnedSites(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	var sites []uuid.UUID
	err := s.db.db.SelectContext(ctx, &sites, `
		SELECT site_id FROM site_memberships
		WHERE user_id = ? AND role = ? AND is_active = 1`,
		userID, types.RoleOwner)
	if err != nil {
		return nil, err
	}
	return sites, nil
}

// SupportProfile returns a user's support profile, or ErrNotFound.
func (s *DirectoryStore) SupportProfile(ctx context.Context, userID uuid.UUID) (*types.SupportProfile, error) {
	var profile types.SupportProfile
	err := s.db.db.GetContext(ctx, &profile, `
		SELECT * FROM support_profiles WHERE user_id = ?`,
		userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &profile, nil
}

// UserForToken resolves an auth token to a user id, rejecting expired
// tokens. Token issuance belongs to the main application's login flow.
func (s *DirectoryStore) UserForToken(ctx context.Context, token string) (uuid.UUID, error) {
	var row struct {
		UserID    uuid.UUID    `db:"user_id"`
		ExpiresAt sql.NullTime `db:"expires_at"`
	}
	err := s.db.db.GetContext(ctx, &row, `
		SELECT user_id, expires_at FROM auth_tokens WHERE token = ?`,
		token)
	if errors.Is(err, sql.ErrNoRows) {
		return uuid.Nil, types.ErrUnauthorized
	}
	if err != nil {
		return uuid.Nil, err
	}
	if row.ExpiresAt.Valid && !time.Now().Before(row.ExpiresAt.Time) {
		return uuid.Nil, types.ErrUnauthorized
	}
	return row.UserID, nil
}

// SeedMembership inserts or replaces a site membership.
func (s *DirectoryStore) SeedMembership(ctx context.Context, m *types.SiteMembership) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	_, err := s.db.db.NamedExecContext(ctx, `
		INSERT OR REPLACE INTO site_memberships (id, user_id, site_id, role, is_active)
		VALUES (:id, :user_id, :site_id, :role, :is_active)`,
		m)
	return err
}

// SeedSupportProfile inserts or replaces a support profile.
func (s *DirectoryStore) SeedSupportProfile(ctx context.Context, p *types.SupportProfile) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	_, err := s.db.db.NamedExecContext(ctx, `
		INSERT OR REPLACE INTO support_profiles (user_id, is_support_agent, level, created_at)
		VALUES (:user_id, :is_support_agent, :level, :created_at)`,
		p)
	return err
}

// SeedToken inserts an auth token for a user.
func (s *DirectoryStore) SeedToken(ctx context.Context, token string, userID uuid.UUID, expiresAt *time.Time) error {
	_, err := s.db.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO auth_tokens (token, user_id, expires_at)
		VALUES (?, ?, ?)`,
		token, userID, expiresAt)
	return err
}
