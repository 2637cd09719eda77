package auth

import (
	"context"
	"time"
)

// Store describes the persistence operations the auth core needs. The
// Postgres implementation lives in internal/store/pg; tests substitute
// in-memory stubs.
type Store interface {
	// FindLogin loads identity + credential by email, joined with the
	// system-user binding and role name when the identity is staff.
	// Returns ErrNotFound when no credential matches the email.
	FindLogin(ctx context.Context, email string) (*LoginRecord, error)

	// IdentityByID loads one identity.
	IdentityByID(ctx context.Context, identityID string) (*Identity, error)
	// CredentialByIdentity loads the credential of one identity.
	CredentialByIdentity(ctx context.Context, identityID string) (*Credential, error)

	// RecordAccess stamps last_access_at and resets failed_attempts.
	RecordAccess(ctx context.Context, credentialID string, at time.Time) error
	// RecordFailedAttempt bumps the failed-attempt counter.
	RecordFailedAttempt(ctx context.Context, credentialID string) error

	// UpdatePassword replaces the password hash and clears the forced
	// change flag.
	UpdatePassword(ctx context.Context, credentialID, passwordHash string) error

	// SetMFASecret stores the pending secret; mfa stays disabled.
	SetMFASecret(ctx context.Context, credentialID, secret string) error
	// EnableMFA flips the credential to enabled.
	EnableMFA(ctx context.Context, credentialID string) error
	// DisableMFA clears the secret, the enabled flag and all backup codes.
	DisableMFA(ctx context.Context, credentialID string) error

	// ReplaceBackupCodes deletes the credential's codes and inserts the
	// given hashes as a fresh unused batch.
	ReplaceBackupCodes(ctx context.Context, credentialID string, hashes []string) error
	// UnusedBackupCodes lists not-yet-consumed codes in stored order.
	UnusedBackupCodes(ctx context.Context, credentialID string) ([]BackupCode, error)
	// ConsumeBackupCode marks one code used with a single conditional
	// write. It reports false when the code was already consumed, so two
	// racing logins redeem it at most once.
	ConsumeBackupCode(ctx context.Context, codeID string, at time.Time) (bool, error)

	// SystemUserByID loads a staff binding by its id.
	SystemUserByID(ctx context.Context, systemUserID string) (*SystemUser, error)
	// SystemUsersByRole lists active staff bindings for a role.
	SystemUsersByRole(ctx context.Context, roleID string) ([]SystemUser, error)
	// RoleByID loads a role row.
	RoleByID(ctx context.Context, roleID string) (*RoleRecord, error)

	// PermissionOverride fetches the per-user override for (resource,
	// action), ErrNotFound when none exists.
	PermissionOverride(ctx context.Context, systemUserID, resource, action string) (*UserPermissionOverride, error)
	// RolePermission fetches the role-level permission, ErrNotFound when
	// none exists.
	RolePermission(ctx context.Context, roleID, resource, action string) (*RolePermission, error)
	// UpsertRolePermission inserts or updates a role permission row.
	UpsertRolePermission(ctx context.Context, rp RolePermission) error
	// UpsertUserOverride inserts or updates a per-user override row.
	UpsertUserOverride(ctx context.Context, o UserPermissionOverride) error
}
