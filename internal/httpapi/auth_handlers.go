package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"clinsalud.org/internal/audit"
	"clinsalud.org/internal/auth"
	"clinsalud.org/internal/obs"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	MFACode  string `json:"mfa_code,omitempty"`
}

type sessionResponse struct {
	Token     string     `json:"token"`
	ExpiresAt time.Time  `json:"expires_at"`
	Claim     auth.Claim `json:"claim"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	claim, err := a.svc.Authorize(r.Context(), auth.AuthorizeInput{
		Email:    req.Email,
		Password: req.Password,
		MFACode:  req.MFACode,
	})
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrMissingCredentials):
			obs.ObserveLogin("missing_credentials")
			writeCodedError(w, r, http.StatusBadRequest, "missing_credentials", "email and password are required")
		case errors.Is(err, auth.ErrInvalidCredentials):
			obs.ObserveLogin("invalid_credentials")
			writeCodedError(w, r, http.StatusUnauthorized, "invalid_credentials", "invalid credentials")
		case errors.Is(err, auth.ErrMFARequired):
			// Not a failure from the UI's point of view: the frontend
			// switches to the code prompt and retries with mfa_code set.
			obs.ObserveLogin("mfa_required")
			writeCodedError(w, r, http.StatusUnauthorized, "mfa_required", "mfa code is required")
		case errors.Is(err, auth.ErrInvalidMFACode):
			obs.ObserveLogin("invalid_mfa_code")
			writeCodedError(w, r, http.StatusUnauthorized, "invalid_mfa_code", "invalid credentials")
		default:
			obs.ObserveLogin("error")
			writeError(w, r, http.StatusInternalServerError, "login failed")
		}
		return
	}

	token, err := auth.IssueSessionToken(claim, a.sessionTTL)
	if err != nil {
		obs.ObserveLogin("error")
		writeError(w, r, http.StatusInternalServerError, "could not issue session token")
		return
	}

	obs.ObserveLogin("success")
	_ = audit.LogEvent(r.Context(), "auth.login", map[string]any{
		"identity_id": claim.IdentityID,
		"role":        string(claim.Role),
		"mfa":         req.MFACode != "",
	})
	writeJSON(w, http.StatusOK, sessionResponse{
		Token:     token,
		ExpiresAt: time.Now().UTC().Add(a.sessionTTL),
		Claim:     claim,
	})
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	token, ok := auth.TokenFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "missing session token")
		return
	}
	refreshed, err := auth.RefreshSessionToken(token, a.sessionTTL)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, "invalid session token")
		return
	}
	claim, _ := auth.ClaimFromContext(r.Context())
	writeJSON(w, http.StatusOK, sessionResponse{
		Token:     refreshed,
		ExpiresAt: time.Now().UTC().Add(a.sessionTTL),
		Claim:     claim,
	})
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

func (a *API) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	claim, ok := requireClaim(w, r)
	if !ok {
		return
	}
	var req changePasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	err := a.svc.ChangePassword(r.Context(), claim.IdentityID, req.CurrentPassword, req.NewPassword)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrWrongPassword):
			writeError(w, r, http.StatusForbidden, "current password is incorrect")
		case errors.Is(err, auth.ErrInvalidInput):
			writeError(w, r, http.StatusBadRequest, err.Error())
		case errors.Is(err, auth.ErrNotFound):
			writeError(w, r, http.StatusNotFound, "credential not found")
		default:
			writeError(w, r, http.StatusInternalServerError, "password change failed")
		}
		return
	}

	// The old token still says must_change_password; issue a fresh one so
	// the route decision stops intercepting.
	claim.MustChangePassword = false
	token, err := auth.IssueSessionToken(claim, a.sessionTTL)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "could not issue session token")
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.password_changed", map[string]any{
		"identity_id": claim.IdentityID,
	})
	writeJSON(w, http.StatusOK, sessionResponse{
		Token:     token,
		ExpiresAt: time.Now().UTC().Add(a.sessionTTL),
		Claim:     claim,
	})
}

type routeDecisionRequest struct {
	Path string `json:"path"`
}

func (a *API) handleRouteDecision(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req routeDecisionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Path) == "" {
		writeError(w, r, http.StatusBadRequest, "path is required")
		return
	}

	var session *auth.Claim
	if claim, ok := auth.ClaimFromContext(r.Context()); ok {
		session = &claim
	}
	writeJSON(w, http.StatusOK, auth.Decide(session, req.Path))
}

func (a *API) handleMFASetup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	claim, ok := requireClaim(w, r)
	if !ok {
		return
	}

	setup, err := a.svc.InitiateMFA(r.Context(), claim.IdentityID)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrAlreadyConfigured):
			writeError(w, r, http.StatusConflict, "mfa is already enabled")
		case errors.Is(err, auth.ErrNotFound):
			writeError(w, r, http.StatusNotFound, "credential not found")
		default:
			writeError(w, r, http.StatusInternalServerError, "mfa setup failed")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"secret":           setup.Secret,
		"provisioning_uri": setup.ProvisioningURI,
	})
}

type mfaActivateRequest struct {
	Code string `json:"code"`
}

func (a *API) handleMFAActivate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	claim, ok := requireClaim(w, r)
	if !ok {
		return
	}
	var req mfaActivateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	plaintexts, err := a.svc.ActivateMFA(r.Context(), claim.IdentityID, req.Code)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrAlreadyConfigured):
			writeError(w, r, http.StatusConflict, "mfa is already enabled")
		case errors.Is(err, auth.ErrInvalidSetupCode):
			writeError(w, r, http.StatusBadRequest, "verification code does not match")
		case errors.Is(err, auth.ErrNotFound):
			writeError(w, r, http.StatusNotFound, "mfa setup was not initiated")
		default:
			writeError(w, r, http.StatusInternalServerError, "mfa activation failed")
		}
		return
	}

	_ = audit.LogEvent(r.Context(), "auth.mfa_enabled", map[string]any{
		"identity_id": claim.IdentityID,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"backup_codes": formatBackupCodes(plaintexts),
	})
}

type passwordConfirmRequest struct {
	Password string `json:"password"`
}

func (a *API) handleMFADisable(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	claim, ok := requireClaim(w, r)
	if !ok {
		return
	}
	var req passwordConfirmRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	if err := a.svc.DisableMFA(r.Context(), claim.IdentityID, req.Password); err != nil {
		switch {
		case errors.Is(err, auth.ErrWrongPassword):
			writeError(w, r, http.StatusForbidden, "password is incorrect")
		case errors.Is(err, auth.ErrNotFound):
			writeError(w, r, http.StatusNotFound, "mfa is not enabled")
		default:
			writeError(w, r, http.StatusInternalServerError, "mfa disable failed")
		}
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.mfa_disabled", map[string]any{
		"identity_id": claim.IdentityID,
	})
	writeJSON(w, http.StatusOK, map[string]any{"status": "disabled"})
}

func (a *API) handleMFABackupCodes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	claim, ok := requireClaim(w, r)
	if !ok {
		return
	}
	var req passwordConfirmRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	plaintexts, err := a.svc.RegenerateBackupCodes(r.Context(), claim.IdentityID, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrWrongPassword):
			writeError(w, r, http.StatusForbidden, "password is incorrect")
		case errors.Is(err, auth.ErrNotFound):
			writeError(w, r, http.StatusNotFound, "mfa is not enabled")
		default:
			writeError(w, r, http.StatusInternalServerError, "backup code regeneration failed")
		}
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.backup_codes_regenerated", map[string]any{
		"identity_id": claim.IdentityID,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"backup_codes": formatBackupCodes(plaintexts),
	})
}

func (a *API) handlePermissionCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	claim, ok := requireClaim(w, r)
	if !ok {
		return
	}
	resource := strings.TrimSpace(r.URL.Query().Get("resource"))
	action := strings.TrimSpace(r.URL.Query().Get("action"))
	if resource == "" || action == "" {
		writeError(w, r, http.StatusBadRequest, "resource and action are required")
		return
	}

	// Super admins bypass the matrix; patients are not in it at all.
	var (
		allowed bool
		err     error
	)
	switch {
	case claim.Role.IsAdmin():
		allowed = true
	case claim.Role.IsPatient() || claim.SystemUserID == "":
		allowed = false
	default:
		allowed, err = a.svc.HasPermission(r.Context(), claim.SystemUserID, resource, action)
		if err != nil {
			writeError(w, r, http.StatusInternalServerError, "permission check failed")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"resource": resource,
		"action":   action,
		"allowed":  allowed,
	})
}

type permissionChangeRequest struct {
	Resource string `json:"resource"`
	Action   string `json:"action"`
	Active   bool   `json:"active"`
}

type rolePermissionsRequest struct {
	Changes []permissionChangeRequest `json:"changes"`
}

// handleRoleResource dispatches /v1/roles/{id}/permissions.
func (a *API) handleRoleResource(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/roles/"), "/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "permissions" {
		writeError(w, r, http.StatusNotFound, "not found")
		return
	}
	if r.Method != http.MethodPut {
		methodNotAllowed(w, r, http.MethodPut)
		return
	}
	claim, ok := requireClaim(w, r)
	if !ok {
		return
	}
	if !claim.Role.IsAdmin() {
		writeError(w, r, http.StatusForbidden, "insufficient permissions")
		return
	}

	var req rolePermissionsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	changes := make([]auth.PermissionChange, len(req.Changes))
	for i, ch := range req.Changes {
		changes[i] = auth.PermissionChange{
			Resource: ch.Resource,
			Action:   ch.Action,
			Active:   ch.Active,
		}
	}

	grantedBy := claim.SystemUserID
	if grantedBy == "" {
		grantedBy = claim.IdentityID
	}
	err := a.svc.UpdateRolePermissionsBatch(r.Context(), parts[0], changes, grantedBy)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrInvalidInput):
			writeError(w, r, http.StatusBadRequest, err.Error())
		case errors.Is(err, auth.ErrNotFound):
			writeError(w, r, http.StatusNotFound, "role not found")
		default:
			writeError(w, r, http.StatusInternalServerError, "permission update failed")
		}
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.role_permissions_updated", map[string]any{
		"role_id": parts[0],
		"changes": len(changes),
	})
	writeJSON(w, http.StatusOK, map[string]any{"status": "updated"})
}

func formatBackupCodes(plaintexts []string) []string {
	out := make([]string, len(plaintexts))
	for i, p := range plaintexts {
		out[i] = auth.FormatBackupCode(p)
	}
	return out
}
