package auth

import (
	"strings"
	"time"
)

// Role is the upper-case canonical name of a role. The role table is open
// (admins can define new roles); ADMIN and PACIENTE carry reserved meaning.
type Role string

const (
	// RoleAdmin bypasses the dynamic permission matrix entirely.
	RoleAdmin Role = "ADMIN"
	// RolePatient is the implicit role of every identity without a
	// system-user binding. It is never materialized as a SystemUser row.
	RolePatient Role = "PACIENTE"
)

// NormalizeRole canonicalizes a stored role name.
func NormalizeRole(name string) Role {
	return Role(strings.ToUpper(strings.TrimSpace(name)))
}

func (r Role) IsAdmin() bool   { return r == RoleAdmin }
func (r Role) IsPatient() bool { return r == RolePatient }

// Identity is a person known to the clinic: a patient, or a staff member
// when a SystemUser binding exists.
type Identity struct {
	ID          string    `json:"id"`
	Email       string    `json:"email,omitempty"`
	DisplayName string    `json:"display_name"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Credential holds the login secret and MFA material for one identity.
// MFASecret may be populated while MFAEnabled is still false: that is the
// setup-in-progress state, resolved by MFAState.
type Credential struct {
	ID                 string     `json:"id"`
	IdentityID         string     `json:"identity_id"`
	PasswordHash       string     `json:"-"`
	MFAEnabled         bool       `json:"mfa_enabled"`
	MFASecret          string     `json:"-"`
	MustChangePassword bool       `json:"must_change_password"`
	LastAccessAt       *time.Time `json:"last_access_at,omitempty"`
	FailedAttempts     int        `json:"failed_attempts"`
}

// MFAState is the explicit three-state view of a credential's MFA setup.
// It replaces the nullable-field encoding ("secret set, enabled false")
// with a value the state machine can switch on.
type MFAState int

const (
	MFADisabled MFAState = iota
	MFAPending
	MFAEnabled
)

func (s MFAState) String() string {
	switch s {
	case MFAPending:
		return "pending_verification"
	case MFAEnabled:
		return "enabled"
	default:
		return "disabled"
	}
}

// MFAState derives the setup state. An enabled flag without a stored secret
// is not representable as Enabled; it degrades to Disabled.
func (c *Credential) MFAState() MFAState {
	switch {
	case c.MFAEnabled && c.MFASecret != "":
		return MFAEnabled
	case !c.MFAEnabled && c.MFASecret != "":
		return MFAPending
	default:
		return MFADisabled
	}
}

// BackupCode is a single-use MFA fallback credential. Only the hash is
// stored; the plaintext is shown exactly once at generation time.
type BackupCode struct {
	ID           string     `json:"id"`
	CredentialID string     `json:"credential_id"`
	CodeHash     string     `json:"-"`
	Used         bool       `json:"used"`
	UsedAt       *time.Time `json:"used_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// SystemUser binds an identity to a staff role. Its presence is what
// separates the staff partition from the patient partition.
type SystemUser struct {
	ID         string    `json:"id"`
	IdentityID string    `json:"identity_id"`
	RoleID     string    `json:"role_id"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"created_at"`
}

// RoleRecord is a row of the open role table.
type RoleRecord struct {
	ID        string    `json:"id"`
	Name      Role      `json:"name"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// RolePermission grants or denies (resource, action) at the role level.
// Composite key (RoleID, Resource, Action).
type RolePermission struct {
	RoleID   string `json:"role_id"`
	Resource string `json:"resource"`
	Action   string `json:"action"`
	Active   bool   `json:"active"`
}

// UserPermissionOverride pins (resource, action) for a single system user.
// When present it wins over the role permission in both directions: an
// inactive override denies what the role grants, an active one grants what
// the role denies.
type UserPermissionOverride struct {
	SystemUserID string    `json:"system_user_id"`
	Resource     string    `json:"resource"`
	Action       string    `json:"action"`
	Active       bool      `json:"active"`
	GrantedBy    string    `json:"granted_by"`
	GrantedAt    time.Time `json:"granted_at"`
}

// PermissionChange is one entry of the role-permission batch update.
type PermissionChange struct {
	Resource string `json:"resource"`
	Action   string `json:"action"`
	Active   bool   `json:"active"`
}

// Claim is the identity data derived once at authentication and carried in
// the session token for the life of the session. It is never mutated
// without re-authentication; the sliding refresh copies it verbatim.
type Claim struct {
	IdentityID         string `json:"identity_id"`
	DisplayName        string `json:"display_name"`
	Role               Role   `json:"role"`
	SystemUserID       string `json:"system_user_id,omitempty"`
	MustChangePassword bool   `json:"must_change_password"`
}

// LoginRecord is the joined view the authorize path reads in one lookup:
// identity + credential, plus the system-user binding and its role when
// the identity is staff. SystemUser and RoleName are nil/empty for
// patients.
type LoginRecord struct {
	Identity   Identity
	Credential Credential
	SystemUser *SystemUser
	RoleName   Role
}

// EffectiveRole resolves the claim role: the bound role's name for staff,
// PACIENTE otherwise.
func (r *LoginRecord) EffectiveRole() Role {
	if r.SystemUser != nil && r.RoleName != "" {
		return r.RoleName
	}
	return RolePatient
}
