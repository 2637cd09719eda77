package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	defaultMFAIssuer  = "ClinSalud"
	defaultTOTPDrift  = 1
	backupCodesPerSet = BackupCodeBatchSize
)

// Service implements the authentication and authorization decisions on top
// of a Store. All methods are request-scoped and safe for concurrent use;
// the service holds no mutable state beyond configuration.
type Service struct {
	store     Store
	now       func() time.Time
	mfaIssuer string
	totpDrift int
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithMFAIssuer sets the issuer name embedded in provisioning URIs.
func WithMFAIssuer(issuer string) ServiceOption {
	return func(s *Service) {
		if strings.TrimSpace(issuer) != "" {
			s.mfaIssuer = strings.TrimSpace(issuer)
		}
	}
}

// WithTOTPDrift sets the accepted clock-skew window in 30s steps.
func WithTOTPDrift(steps int) ServiceOption {
	return func(s *Service) {
		if steps >= 0 {
			s.totpDrift = steps
		}
	}
}

// NewService constructs a Service over the given store.
func NewService(store Store, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrInvalidInput)
	}
	svc := &Service{
		store:     store,
		now:       time.Now,
		mfaIssuer: defaultMFAIssuer,
		totpDrift: defaultTOTPDrift,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// AuthorizeInput is the credential set submitted at login.
type AuthorizeInput struct {
	Email    string
	Password string
	MFACode  string
}

// Authorize verifies credentials (plus the MFA code when the account has
// MFA enabled) and returns the session claim. Failures are one of
// ErrMissingCredentials, ErrInvalidCredentials, ErrMFARequired or
// ErrInvalidMFACode; storage failures propagate as-is.
func (s *Service) Authorize(ctx context.Context, in AuthorizeInput) (Claim, error) {
	email := strings.TrimSpace(strings.ToLower(in.Email))
	if email == "" || in.Password == "" {
		return Claim{}, ErrMissingCredentials
	}

	rec, err := s.store.FindLogin(ctx, email)
	if isNotFound(err) {
		// Same error as a wrong password: account existence must not leak.
		return Claim{}, ErrInvalidCredentials
	}
	if err != nil {
		return Claim{}, err
	}
	if !rec.Identity.Active {
		return Claim{}, ErrInvalidCredentials
	}

	if VerifyPassword(rec.Credential.PasswordHash, in.Password) != nil {
		_ = s.store.RecordFailedAttempt(ctx, rec.Credential.ID)
		return Claim{}, ErrInvalidCredentials
	}

	if rec.Credential.MFAState() == MFAEnabled {
		if strings.TrimSpace(in.MFACode) == "" {
			return Claim{}, ErrMFARequired
		}
		if err := s.verifyMFACode(ctx, &rec.Credential, in.MFACode); err != nil {
			return Claim{}, err
		}
	}

	// Best effort: a failed access stamp must not block a valid login.
	_ = s.store.RecordAccess(ctx, rec.Credential.ID, s.now().UTC())

	return Claim{
		IdentityID:         rec.Identity.ID,
		DisplayName:        rec.Identity.DisplayName,
		Role:               rec.EffectiveRole(),
		SystemUserID:       systemUserID(rec.SystemUser),
		MustChangePassword: rec.Credential.MustChangePassword,
	}, nil
}

// verifyMFACode tries TOTP first, then falls back to the unused backup
// codes in stored order. The first matching backup code is consumed with a
// conditional write; losing that race counts as no match.
func (s *Service) verifyMFACode(ctx context.Context, cred *Credential, code string) error {
	if VerifyTOTP(cred.MFASecret, code, s.now(), s.totpDrift) {
		return nil
	}

	codes, err := s.store.UnusedBackupCodes(ctx, cred.ID)
	if err != nil {
		return err
	}
	for _, bc := range codes {
		if !VerifyBackupCode(code, bc.CodeHash) {
			continue
		}
		consumed, err := s.store.ConsumeBackupCode(ctx, bc.ID, s.now().UTC())
		if err != nil {
			return err
		}
		if consumed {
			return nil
		}
		// A concurrent login already redeemed this code; keep scanning.
	}
	return ErrInvalidMFACode
}

// InitiateMFA starts MFA setup: it generates a secret, stores it on the
// credential with MFA still disabled, and returns the enrollment material.
// Fails with ErrAlreadyConfigured while MFA is enabled.
func (s *Service) InitiateMFA(ctx context.Context, identityID string) (TOTPSetup, error) {
	cred, err := s.store.CredentialByIdentity(ctx, identityID)
	if err != nil {
		return TOTPSetup{}, err
	}
	if cred.MFAState() == MFAEnabled {
		return TOTPSetup{}, ErrAlreadyConfigured
	}

	identity, err := s.store.IdentityByID(ctx, identityID)
	if err != nil {
		return TOTPSetup{}, err
	}
	account := identity.Email
	if account == "" {
		account = identity.ID
	}

	setup, err := GenerateTOTPSecret(s.mfaIssuer, account)
	if err != nil {
		return TOTPSetup{}, err
	}
	if err := s.store.SetMFASecret(ctx, cred.ID, setup.Secret); err != nil {
		return TOTPSetup{}, err
	}
	return setup, nil
}

// ActivateMFA completes setup: the submitted code is checked against the
// pending secret, backup codes are generated and persisted, and MFA flips
// to enabled. The plaintext backup codes are returned exactly once; they
// cannot be re-derived afterwards.
func (s *Service) ActivateMFA(ctx context.Context, identityID, code string) ([]string, error) {
	cred, err := s.store.CredentialByIdentity(ctx, identityID)
	if err != nil {
		return nil, err
	}
	switch cred.MFAState() {
	case MFAEnabled:
		return nil, ErrAlreadyConfigured
	case MFADisabled:
		return nil, fmt.Errorf("%w: mfa setup not initiated", ErrNotFound)
	}

	if !VerifyTOTP(cred.MFASecret, code, s.now(), s.totpDrift) {
		return nil, ErrInvalidSetupCode
	}

	generated, err := GenerateBackupCodes(backupCodesPerSet)
	if err != nil {
		return nil, err
	}
	hashes := make([]string, len(generated))
	plaintexts := make([]string, len(generated))
	for i, g := range generated {
		hashes[i] = g.Hash
		plaintexts[i] = g.Plaintext
	}
	if err := s.store.ReplaceBackupCodes(ctx, cred.ID, hashes); err != nil {
		return nil, err
	}
	if err := s.store.EnableMFA(ctx, cred.ID); err != nil {
		return nil, err
	}
	return plaintexts, nil
}

// DisableMFA turns MFA off after re-verifying the account password. The
// password check defends against a hijacked session disabling the second
// factor. Backup codes and the secret are destroyed.
func (s *Service) DisableMFA(ctx context.Context, identityID, password string) error {
	cred, err := s.store.CredentialByIdentity(ctx, identityID)
	if err != nil {
		return err
	}
	if cred.MFAState() != MFAEnabled {
		return fmt.Errorf("%w: mfa not enabled", ErrNotFound)
	}
	if VerifyPassword(cred.PasswordHash, password) != nil {
		return ErrWrongPassword
	}
	return s.store.DisableMFA(ctx, cred.ID)
}

// RegenerateBackupCodes re-verifies the password, replaces the batch and
// returns the fresh plaintexts. MFA stays enabled.
func (s *Service) RegenerateBackupCodes(ctx context.Context, identityID, password string) ([]string, error) {
	cred, err := s.store.CredentialByIdentity(ctx, identityID)
	if err != nil {
		return nil, err
	}
	if cred.MFAState() != MFAEnabled {
		return nil, fmt.Errorf("%w: mfa not enabled", ErrNotFound)
	}
	if VerifyPassword(cred.PasswordHash, password) != nil {
		return nil, ErrWrongPassword
	}

	generated, err := GenerateBackupCodes(backupCodesPerSet)
	if err != nil {
		return nil, err
	}
	hashes := make([]string, len(generated))
	plaintexts := make([]string, len(generated))
	for i, g := range generated {
		hashes[i] = g.Hash
		plaintexts[i] = g.Plaintext
	}
	if err := s.store.ReplaceBackupCodes(ctx, cred.ID, hashes); err != nil {
		return nil, err
	}
	return plaintexts, nil
}

// ChangePassword verifies the current password, stores the new hash and
// clears the forced-change flag. Callers must re-issue the session token
// afterwards since claims are immutable for the life of a session.
func (s *Service) ChangePassword(ctx context.Context, identityID, current, next string) error {
	next = strings.TrimSpace(next)
	if next == "" {
		return fmt.Errorf("%w: new password is required", ErrInvalidInput)
	}
	cred, err := s.store.CredentialByIdentity(ctx, identityID)
	if err != nil {
		return err
	}
	if VerifyPassword(cred.PasswordHash, current) != nil {
		return ErrWrongPassword
	}
	hash, err := HashPassword(next)
	if err != nil {
		return err
	}
	return s.store.UpdatePassword(ctx, cred.ID, hash)
}

// HasPermission resolves (resource, action) for a system user: a per-user
// override short-circuits in both directions, otherwise the role permission
// applies, otherwise deny. The super-admin bypass is the caller's job and
// is deliberately not evaluated here.
func (s *Service) HasPermission(ctx context.Context, systemUserID, resource, action string) (bool, error) {
	resource = strings.TrimSpace(resource)
	action = strings.TrimSpace(action)
	if systemUserID == "" || resource == "" || action == "" {
		return false, fmt.Errorf("%w: system user, resource and action are required", ErrInvalidInput)
	}

	override, err := s.store.PermissionOverride(ctx, systemUserID, resource, action)
	if err == nil {
		return override.Active, nil
	}
	if !isNotFound(err) {
		return false, err
	}

	user, err := s.store.SystemUserByID(ctx, systemUserID)
	if err != nil {
		return false, err
	}
	rp, err := s.store.RolePermission(ctx, user.RoleID, resource, action)
	if err == nil {
		return rp.Active, nil
	}
	if !isNotFound(err) {
		return false, err
	}
	return false, nil
}

// UpdateRolePermissionsBatch upserts each change into the role's permission
// set, then snapshots the same (resource, action, active) triples into
// per-user overrides for every system user currently bound to the role,
// stamped with the acting admin. The reserved PACIENTE role has no system
// users and is not propagated. Users who later move to another role keep
// the stale overrides until a new batch touches them; that snapshot
// semantic is inherited behavior.
func (s *Service) UpdateRolePermissionsBatch(ctx context.Context, roleID string, changes []PermissionChange, grantedBy string) error {
	roleID = strings.TrimSpace(roleID)
	if roleID == "" {
		return fmt.Errorf("%w: role_id is required", ErrInvalidInput)
	}
	if len(changes) == 0 {
		return fmt.Errorf("%w: at least one change is required", ErrInvalidInput)
	}
	for i := range changes {
		changes[i].Resource = strings.TrimSpace(changes[i].Resource)
		changes[i].Action = strings.TrimSpace(changes[i].Action)
		if changes[i].Resource == "" || changes[i].Action == "" {
			return fmt.Errorf("%w: resource and action are required", ErrInvalidInput)
		}
	}

	role, err := s.store.RoleByID(ctx, roleID)
	if err != nil {
		return err
	}

	for _, ch := range changes {
		if err := s.store.UpsertRolePermission(ctx, RolePermission{
			RoleID:   roleID,
			Resource: ch.Resource,
			Action:   ch.Action,
			Active:   ch.Active,
		}); err != nil {
			return err
		}
	}

	if role.Name.IsPatient() {
		return nil
	}

	users, err := s.store.SystemUsersByRole(ctx, roleID)
	if err != nil {
		return err
	}
	stamp := s.now().UTC()
	for _, u := range users {
		for _, ch := range changes {
			if err := s.store.UpsertUserOverride(ctx, UserPermissionOverride{
				SystemUserID: u.ID,
				Resource:     ch.Resource,
				Action:       ch.Action,
				Active:       ch.Active,
				GrantedBy:    grantedBy,
				GrantedAt:    stamp,
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

func systemUserID(u *SystemUser) string {
	if u == nil {
		return ""
	}
	return u.ID
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
