package types

import (
	"time"

	"github.com/google/uuid"
)

// SiteRole is a user's role on a site.
type SiteRole string

const (
	RoleOwner      SiteRole = "owner"
	RoleSupervisor SiteRole = "supervisor"
	RoleForeman    SiteRole = "foreman"
	RoleWorker     SiteRole = "worker"
)

// SiteMembership links a user to a site with a role. Memberships are owned
// by the main application; sitegate only reads them.
type SiteMembership struct {
	ID       uuid.UUID `db:"id" json:"id"`
	UserID   uuid.UUID `db:"user_id" json:"user_id"`
	SiteID   uuid.UUID `db:"site_id" json:"site_id"`
	Role     SiteRole  `db:"role" json:"role"`
	IsActive bool      `db:"is_active" json:"is_active"`
}

// SupportLevel is the tier granted to a support agent.
type SupportLevel string

const (
	SupportTier1 SupportLevel = "tier1"
	SupportTier2 SupportLevel = "tier2"
	SupportAdmin SupportLevel = "admin"
)

// SupportCapabilities bounds what a support agent may do while impersonating.
type SupportCapabilities struct {
	MaxSessionDurationMinutes int  `json:"max_session_duration_minutes"`
	CanViewFinancials         bool `json:"can_view_financials"`
}

// SupportProfile marks a user as a support agent at a given level.
type SupportProfile struct {
	UserID         uuid.UUID    `db:"user_id" json:"user_id"`
	IsSupportAgent bool         `db:"is_support_agent" json:"is_support_agent"`
	Level          SupportLevel `db:"level" json:"level"`
	CreatedAt      time.Time    `db:"created_at" json:"created_at"`
}
