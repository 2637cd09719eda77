package auth

import "errors"

var (
	// ErrMissingCredentials indicates the login request carried no email or
	// no password.
	ErrMissingCredentials = errors.New("auth: missing credentials")
	// ErrInvalidCredentials covers both unknown email and wrong password so
	// callers cannot enumerate accounts.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	// ErrMFARequired is not a failure: the password checked out and the
	// caller must re-prompt with an MFA code.
	ErrMFARequired = errors.New("auth: mfa code required")
	// ErrInvalidMFACode means neither TOTP nor any unused backup code
	// matched.
	ErrInvalidMFACode = errors.New("auth: invalid mfa code")
	// ErrAlreadyConfigured rejects MFA initiation while MFA is enabled.
	ErrAlreadyConfigured = errors.New("auth: mfa already configured, disable first")
	// ErrInvalidSetupCode rejects MFA activation with a wrong TOTP code.
	ErrInvalidSetupCode = errors.New("auth: invalid mfa setup code")
	// ErrWrongPassword rejects MFA disable/regenerate when the password
	// confirmation fails.
	ErrWrongPassword = errors.New("auth: wrong password")
	// ErrNotFound indicates a credential, role or identity assumed to exist
	// is missing.
	ErrNotFound = errors.New("auth: not found")
	// ErrInvalidInput marks malformed arguments to admin operations.
	ErrInvalidInput = errors.New("auth: invalid input")
	// ErrInvalidToken indicates a session token failed validation.
	ErrInvalidToken = errors.New("auth: invalid token")
)
