package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"
)

// memStore is the in-memory Store used across the service tests.
type memStore struct {
	mu          sync.Mutex
	identities  map[string]*Identity
	credentials map[string]*Credential // keyed by identity id
	emails      map[string]string      // email -> identity id
	systemUsers map[string]*SystemUser
	roles       map[string]*RoleRecord
	backupCodes map[string][]*BackupCode // keyed by credential id
	rolePerms   map[string]RolePermission
	overrides   map[string]UserPermissionOverride
	nextCodeID  int
}

func newMemStore() *memStore {
	return &memStore{
		identities:  make(map[string]*Identity),
		credentials: make(map[string]*Credential),
		emails:      make(map[string]string),
		systemUsers: make(map[string]*SystemUser),
		roles:       make(map[string]*RoleRecord),
		backupCodes: make(map[string][]*BackupCode),
		rolePerms:   make(map[string]RolePermission),
		overrides:   make(map[string]UserPermissionOverride),
	}
}

func permKey(a, b, c string) string { return a + "|" + b + "|" + c }

func (m *memStore) addIdentity(id, email, name string, active bool, passwordHash string) {
	m.identities[id] = &Identity{ID: id, Email: email, DisplayName: name, Active: active}
	m.emails[email] = id
	m.credentials[id] = &Credential{ID: "cred-" + id, IdentityID: id, PasswordHash: passwordHash}
}

func (m *memStore) addStaff(identityID, systemUserID, roleID string) {
	m.systemUsers[systemUserID] = &SystemUser{ID: systemUserID, IdentityID: identityID, RoleID: roleID, Active: true}
}

func (m *memStore) credentialByID(credentialID string) *Credential {
	for _, c := range m.credentials {
		if c.ID == credentialID {
			return c
		}
	}
	return nil
}

func (m *memStore) FindLogin(_ context.Context, email string) (*LoginRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.emails[email]
	if !ok {
		return nil, ErrNotFound
	}
	rec := LoginRecord{Identity: *m.identities[id], Credential: *m.credentials[id]}
	for _, su := range m.systemUsers {
		if su.IdentityID == id && su.Active {
			copySU := *su
			rec.SystemUser = &copySU
			if role, ok := m.roles[su.RoleID]; ok && role.Active {
				rec.RoleName = role.Name
			}
			break
		}
	}
	return &rec, nil
}

func (m *memStore) IdentityByID(_ context.Context, identityID string) (*Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.identities[identityID]
	if !ok {
		return nil, ErrNotFound
	}
	copyP := *p
	return &copyP, nil
}

func (m *memStore) CredentialByIdentity(_ context.Context, identityID string) (*Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.credentials[identityID]
	if !ok {
		return nil, ErrNotFound
	}
	copyC := *c
	return &copyC, nil
}

func (m *memStore) RecordAccess(_ context.Context, credentialID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c := m.credentialByID(credentialID); c != nil {
		c.LastAccessAt = &at
		c.FailedAttempts = 0
	}
	return nil
}

func (m *memStore) RecordFailedAttempt(_ context.Context, credentialID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c := m.credentialByID(credentialID); c != nil {
		c.FailedAttempts++
	}
	return nil
}

func (m *memStore) UpdatePassword(_ context.Context, credentialID, passwordHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.credentialByID(credentialID)
	if c == nil {
		return ErrNotFound
	}
	c.PasswordHash = passwordHash
	c.MustChangePassword = false
	return nil
}

func (m *memStore) SetMFASecret(_ context.Context, credentialID, secret string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.credentialByID(credentialID)
	if c == nil {
		return ErrNotFound
	}
	c.MFASecret = secret
	c.MFAEnabled = false
	return nil
}

func (m *memStore) EnableMFA(_ context.Context, credentialID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.credentialByID(credentialID)
	if c == nil || c.MFASecret == "" {
		return ErrNotFound
	}
	c.MFAEnabled = true
	return nil
}

func (m *memStore) DisableMFA(_ context.Context, credentialID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.credentialByID(credentialID)
	if c == nil {
		return ErrNotFound
	}
	c.MFAEnabled = false
	c.MFASecret = ""
	delete(m.backupCodes, credentialID)
	return nil
}

func (m *memStore) ReplaceBackupCodes(_ context.Context, credentialID string, hashes []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	codes := make([]*BackupCode, 0, len(hashes))
	for _, h := range hashes {
		m.nextCodeID++
		codes = append(codes, &BackupCode{
			ID:           "bc-" + strconv.Itoa(m.nextCodeID),
			CredentialID: credentialID,
			CodeHash:     h,
			CreatedAt:    time.Now().UTC(),
		})
	}
	m.backupCodes[credentialID] = codes
	return nil
}

func (m *memStore) UnusedBackupCodes(_ context.Context, credentialID string) ([]BackupCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []BackupCode
	for _, bc := range m.backupCodes[credentialID] {
		if !bc.Used {
			out = append(out, *bc)
		}
	}
	return out, nil
}

func (m *memStore) ConsumeBackupCode(_ context.Context, codeID string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, codes := range m.backupCodes {
		for _, bc := range codes {
			if bc.ID != codeID {
				continue
			}
			if bc.Used {
				return false, nil
			}
			bc.Used = true
			bc.UsedAt = &at
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) SystemUserByID(_ context.Context, systemUserID string) (*SystemUser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	su, ok := m.systemUsers[systemUserID]
	if !ok {
		return nil, ErrNotFound
	}
	copySU := *su
	return &copySU, nil
}

func (m *memStore) SystemUsersByRole(_ context.Context, roleID string) ([]SystemUser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []SystemUser
	for _, su := range m.systemUsers {
		if su.RoleID == roleID && su.Active {
			out = append(out, *su)
		}
	}
	return out, nil
}

func (m *memStore) RoleByID(_ context.Context, roleID string) (*RoleRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.roles[roleID]
	if !ok {
		return nil, ErrNotFound
	}
	copyR := *r
	return &copyR, nil
}

func (m *memStore) PermissionOverride(_ context.Context, systemUserID, resource, action string) (*UserPermissionOverride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.overrides[permKey(systemUserID, resource, action)]
	if !ok {
		return nil, ErrNotFound
	}
	return &o, nil
}

func (m *memStore) RolePermission(_ context.Context, roleID, resource, action string) (*RolePermission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rp, ok := m.rolePerms[permKey(roleID, resource, action)]
	if !ok {
		return nil, ErrNotFound
	}
	return &rp, nil
}

func (m *memStore) UpsertRolePermission(_ context.Context, rp RolePermission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rolePerms[permKey(rp.RoleID, rp.Resource, rp.Action)] = rp
	return nil
}

func (m *memStore) UpsertUserOverride(_ context.Context, o UserPermissionOverride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.overrides[permKey(o.SystemUserID, o.Resource, o.Action)] = o
	return nil
}

var _ Store = (*memStore)(nil)

func mustHash(t *testing.T, password string) string {
	t.Helper()
	h, err := HashPassword(password)
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	return h
}

func newTestService(t *testing.T, store Store, opts ...ServiceOption) *Service {
	t.Helper()
	svc, err := NewService(store, opts...)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc
}

func TestAuthorizeMissingCredentials(t *testing.T) {
	svc := newTestService(t, newMemStore())
	ctx := context.Background()

	for _, in := range []AuthorizeInput{
		{},
		{Email: "a@b.c"},
		{Password: "secret"},
		{Email: "   ", Password: "secret"},
	} {
		if _, err := svc.Authorize(ctx, in); !errors.Is(err, ErrMissingCredentials) {
			t.Fatalf("Authorize(%+v) = %v, want ErrMissingCredentials", in, err)
		}
	}
}

func TestAuthorizeUnknownAndWrongPasswordLookTheSame(t *testing.T) {
	store := newMemStore()
	store.addIdentity("p1", "ana@clinic.example", "Ana", true, mustHash(t, "correct-horse"))
	svc := newTestService(t, store)
	ctx := context.Background()

	_, unknownErr := svc.Authorize(ctx, AuthorizeInput{Email: "nobody@clinic.example", Password: "whatever"})
	_, wrongErr := svc.Authorize(ctx, AuthorizeInput{Email: "ana@clinic.example", Password: "wrong"})
	if !errors.Is(unknownErr, ErrInvalidCredentials) || !errors.Is(wrongErr, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for both, got %v and %v", unknownErr, wrongErr)
	}
	if unknownErr.Error() != wrongErr.Error() {
		t.Fatalf("error messages differ, account existence leaks: %q vs %q", unknownErr, wrongErr)
	}
	if got := store.credentials["p1"].FailedAttempts; got != 1 {
		t.Fatalf("failed attempts = %d, want 1", got)
	}
}

func TestAuthorizeInactiveIdentity(t *testing.T) {
	store := newMemStore()
	store.addIdentity("p1", "ana@clinic.example", "Ana", false, mustHash(t, "correct-horse"))
	svc := newTestService(t, store)

	_, err := svc.Authorize(context.Background(), AuthorizeInput{Email: "ana@clinic.example", Password: "correct-horse"})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("Authorize = %v, want ErrInvalidCredentials", err)
	}
}

func TestAuthorizePatientClaim(t *testing.T) {
	store := newMemStore()
	store.addIdentity("p1", "ana@clinic.example", "Ana Torres", true, mustHash(t, "correct-horse"))
	svc := newTestService(t, store)

	claim, err := svc.Authorize(context.Background(), AuthorizeInput{Email: "Ana@Clinic.example", Password: "correct-horse"})
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if claim.Role != RolePatient {
		t.Fatalf("role = %s, want PACIENTE", claim.Role)
	}
	if claim.SystemUserID != "" {
		t.Fatalf("patient claim carries system user id %q", claim.SystemUserID)
	}
	if claim.IdentityID != "p1" || claim.DisplayName != "Ana Torres" {
		t.Fatalf("unexpected claim: %+v", claim)
	}
	if store.credentials["p1"].LastAccessAt == nil {
		t.Fatalf("last access not stamped")
	}
}

func TestAuthorizeStaffClaim(t *testing.T) {
	store := newMemStore()
	store.addIdentity("p1", "vega@clinic.example", "Dra. Vega", true, mustHash(t, "correct-horse"))
	store.roles["r-med"] = &RoleRecord{ID: "r-med", Name: Role("MEDICO"), Active: true}
	store.addStaff("p1", "su1", "r-med")
	svc := newTestService(t, store)

	claim, err := svc.Authorize(context.Background(), AuthorizeInput{Email: "vega@clinic.example", Password: "correct-horse"})
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if claim.Role != Role("MEDICO") {
		t.Fatalf("role = %s, want MEDICO", claim.Role)
	}
	if claim.SystemUserID != "su1" {
		t.Fatalf("system user id = %q, want su1", claim.SystemUserID)
	}
}

func TestAuthorizeMFARequired(t *testing.T) {
	store := newMemStore()
	store.addIdentity("p1", "vega@clinic.example", "Dra. Vega", true, mustHash(t, "correct-horse"))
	cred := store.credentials["p1"]
	cred.MFASecret = rfcSecret
	cred.MFAEnabled = true

	at := time.Unix(59, 0).UTC()
	svc := newTestService(t, store, WithClock(func() time.Time { return at }))
	ctx := context.Background()

	if _, err := svc.Authorize(ctx, AuthorizeInput{Email: "vega@clinic.example", Password: "correct-horse"}); !errors.Is(err, ErrMFARequired) {
		t.Fatalf("Authorize without code = %v, want ErrMFARequired", err)
	}
	if _, err := svc.Authorize(ctx, AuthorizeInput{Email: "vega@clinic.example", Password: "correct-horse", MFACode: "000001"}); !errors.Is(err, ErrInvalidMFACode) {
		t.Fatalf("Authorize with bad code = %v, want ErrInvalidMFACode", err)
	}
	if _, err := svc.Authorize(ctx, AuthorizeInput{Email: "vega@clinic.example", Password: "correct-horse", MFACode: "287082"}); err != nil {
		t.Fatalf("Authorize with valid TOTP: %v", err)
	}

	// Wrong password outranks the MFA phase: no MFA signal may leak.
	if _, err := svc.Authorize(ctx, AuthorizeInput{Email: "vega@clinic.example", Password: "wrong"}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("Authorize wrong password = %v, want ErrInvalidCredentials", err)
	}
}

func TestAuthorizeBackupCodeFallback(t *testing.T) {
	store := newMemStore()
	store.addIdentity("p1", "vega@clinic.example", "Dra. Vega", true, mustHash(t, "correct-horse"))
	cred := store.credentials["p1"]
	cred.MFASecret = rfcSecret
	cred.MFAEnabled = true

	generated, err := GenerateBackupCodes(2)
	if err != nil {
		t.Fatalf("GenerateBackupCodes: %v", err)
	}
	hashes := []string{generated[0].Hash, generated[1].Hash}
	if err := store.ReplaceBackupCodes(context.Background(), cred.ID, hashes); err != nil {
		t.Fatalf("ReplaceBackupCodes: %v", err)
	}

	svc := newTestService(t, store)
	ctx := context.Background()
	in := AuthorizeInput{Email: "vega@clinic.example", Password: "correct-horse", MFACode: generated[0].Plaintext}

	if _, err := svc.Authorize(ctx, in); err != nil {
		t.Fatalf("Authorize with backup code: %v", err)
	}
	// Single use: the same code must not work twice.
	if _, err := svc.Authorize(ctx, in); !errors.Is(err, ErrInvalidMFACode) {
		t.Fatalf("reused backup code = %v, want ErrInvalidMFACode", err)
	}
	// The second code is still live.
	in.MFACode = FormatBackupCode(generated[1].Plaintext)
	if _, err := svc.Authorize(ctx, in); err != nil {
		t.Fatalf("Authorize with second backup code: %v", err)
	}
}

func TestMFASetupLifecycle(t *testing.T) {
	store := newMemStore()
	store.addIdentity("p1", "vega@clinic.example", "Dra. Vega", true, mustHash(t, "correct-horse"))
	at := time.Unix(1_700_000_000, 0).UTC()
	svc := newTestService(t, store, WithClock(func() time.Time { return at }))
	ctx := context.Background()

	// Activation before setup is not a thing.
	if _, err := svc.ActivateMFA(ctx, "p1", "123456"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("ActivateMFA before setup = %v, want ErrNotFound", err)
	}

	setup, err := svc.InitiateMFA(ctx, "p1")
	if err != nil {
		t.Fatalf("InitiateMFA: %v", err)
	}
	if store.credentials["p1"].MFAState() != MFAPending {
		t.Fatalf("state after setup = %v, want pending", store.credentials["p1"].MFAState())
	}

	if _, err := svc.ActivateMFA(ctx, "p1", "000000"); !errors.Is(err, ErrInvalidSetupCode) {
		t.Fatalf("ActivateMFA with wrong code = %v, want ErrInvalidSetupCode", err)
	}

	code := totpCodeAt(setup.Secret, at)
	plaintexts, err := svc.ActivateMFA(ctx, "p1", code)
	if err != nil {
		t.Fatalf("ActivateMFA: %v", err)
	}
	if len(plaintexts) != BackupCodeBatchSize {
		t.Fatalf("got %d backup codes, want %d", len(plaintexts), BackupCodeBatchSize)
	}
	if store.credentials["p1"].MFAState() != MFAEnabled {
		t.Fatalf("state after activation = %v, want enabled", store.credentials["p1"].MFAState())
	}

	// While enabled, another setup must be refused.
	if _, err := svc.InitiateMFA(ctx, "p1"); !errors.Is(err, ErrAlreadyConfigured) {
		t.Fatalf("InitiateMFA while enabled = %v, want ErrAlreadyConfigured", err)
	}

	// Disable needs the password, then wipes everything.
	if err := svc.DisableMFA(ctx, "p1", "wrong"); !errors.Is(err, ErrWrongPassword) {
		t.Fatalf("DisableMFA with wrong password = %v, want ErrWrongPassword", err)
	}
	if err := svc.DisableMFA(ctx, "p1", "correct-horse"); err != nil {
		t.Fatalf("DisableMFA: %v", err)
	}
	if store.credentials["p1"].MFAState() != MFADisabled {
		t.Fatalf("state after disable = %v, want disabled", store.credentials["p1"].MFAState())
	}
	if codes, _ := store.UnusedBackupCodes(ctx, store.credentials["p1"].ID); len(codes) != 0 {
		t.Fatalf("backup codes survived disable: %d", len(codes))
	}
	if err := svc.DisableMFA(ctx, "p1", "correct-horse"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("DisableMFA while disabled = %v, want ErrNotFound", err)
	}
}

// totpCodeAt derives the expected code for a secret at a fixed instant.
func totpCodeAt(secret string, at time.Time) string {
	key, err := totpEncoding.DecodeString(secret)
	if err != nil {
		panic(fmt.Sprintf("bad test secret: %v", err))
	}
	return hotpCode(key, at.Unix()/totpPeriod)
}

func TestRegenerateBackupCodesReplacesBatch(t *testing.T) {
	store := newMemStore()
	store.addIdentity("p1", "vega@clinic.example", "Dra. Vega", true, mustHash(t, "correct-horse"))
	cred := store.credentials["p1"]
	cred.MFASecret = rfcSecret
	cred.MFAEnabled = true
	_ = store.ReplaceBackupCodes(context.Background(), cred.ID, []string{"old-hash"})

	svc := newTestService(t, store)
	ctx := context.Background()

	if _, err := svc.RegenerateBackupCodes(ctx, "p1", "wrong"); !errors.Is(err, ErrWrongPassword) {
		t.Fatalf("RegenerateBackupCodes wrong password = %v, want ErrWrongPassword", err)
	}
	plaintexts, err := svc.RegenerateBackupCodes(ctx, "p1", "correct-horse")
	if err != nil {
		t.Fatalf("RegenerateBackupCodes: %v", err)
	}
	if len(plaintexts) != BackupCodeBatchSize {
		t.Fatalf("got %d codes, want %d", len(plaintexts), BackupCodeBatchSize)
	}
	codes, _ := store.UnusedBackupCodes(ctx, cred.ID)
	if len(codes) != BackupCodeBatchSize {
		t.Fatalf("stored batch = %d, want %d", len(codes), BackupCodeBatchSize)
	}
	for _, c := range codes {
		if c.CodeHash == "old-hash" {
			t.Fatalf("old batch survived regeneration")
		}
	}
}

func TestChangePassword(t *testing.T) {
	store := newMemStore()
	store.addIdentity("p1", "ana@clinic.example", "Ana", true, mustHash(t, "old-password"))
	store.credentials["p1"].MustChangePassword = true
	svc := newTestService(t, store)
	ctx := context.Background()

	if err := svc.ChangePassword(ctx, "p1", "wrong", "new-password"); !errors.Is(err, ErrWrongPassword) {
		t.Fatalf("ChangePassword wrong current = %v, want ErrWrongPassword", err)
	}
	if err := svc.ChangePassword(ctx, "p1", "old-password", "   "); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("ChangePassword empty new = %v, want ErrInvalidInput", err)
	}
	if err := svc.ChangePassword(ctx, "p1", "old-password", "new-password"); err != nil {
		t.Fatalf("ChangePassword: %v", err)
	}

	cred := store.credentials["p1"]
	if cred.MustChangePassword {
		t.Fatalf("forced-change flag not cleared")
	}
	if VerifyPassword(cred.PasswordHash, "old-password") == nil {
		t.Fatalf("old password still verifies")
	}
	if err := VerifyPassword(cred.PasswordHash, "new-password"); err != nil {
		t.Fatalf("new password does not verify: %v", err)
	}
}

func TestHasPermissionPrecedence(t *testing.T) {
	store := newMemStore()
	store.roles["r-med"] = &RoleRecord{ID: "r-med", Name: Role("MEDICO"), Active: true}
	store.systemUsers["su1"] = &SystemUser{ID: "su1", IdentityID: "p1", RoleID: "r-med", Active: true}
	svc := newTestService(t, store)
	ctx := context.Background()

	// Nothing anywhere: deny.
	allowed, err := svc.HasPermission(ctx, "su1", "citas", "editar")
	if err != nil || allowed {
		t.Fatalf("default = (%v, %v), want deny", allowed, err)
	}

	// Role grants.
	store.rolePerms[permKey("r-med", "citas", "editar")] = RolePermission{RoleID: "r-med", Resource: "citas", Action: "editar", Active: true}
	if allowed, _ = svc.HasPermission(ctx, "su1", "citas", "editar"); !allowed {
		t.Fatalf("role grant not honored")
	}

	// Inactive override beats the role grant.
	store.overrides[permKey("su1", "citas", "editar")] = UserPermissionOverride{SystemUserID: "su1", Resource: "citas", Action: "editar", Active: false}
	if allowed, _ = svc.HasPermission(ctx, "su1", "citas", "editar"); allowed {
		t.Fatalf("inactive override did not deny")
	}

	// Active override beats a missing role permission.
	store.overrides[permKey("su1", "historias", "ver")] = UserPermissionOverride{SystemUserID: "su1", Resource: "historias", Action: "ver", Active: true}
	if allowed, _ = svc.HasPermission(ctx, "su1", "historias", "ver"); !allowed {
		t.Fatalf("active override did not grant")
	}

	// Inactive role permission denies.
	store.rolePerms[permKey("r-med", "pacientes", "borrar")] = RolePermission{RoleID: "r-med", Resource: "pacientes", Action: "borrar", Active: false}
	if allowed, _ = svc.HasPermission(ctx, "su1", "pacientes", "borrar"); allowed {
		t.Fatalf("inactive role permission granted")
	}

	if _, err := svc.HasPermission(ctx, "", "citas", "ver"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("blank system user = %v, want ErrInvalidInput", err)
	}
	if _, err := svc.HasPermission(ctx, "missing", "citas", "ver"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown system user = %v, want ErrNotFound", err)
	}
}

func TestUpdateRolePermissionsBatchFanOut(t *testing.T) {
	store := newMemStore()
	store.roles["r-med"] = &RoleRecord{ID: "r-med", Name: Role("MEDICO"), Active: true}
	store.systemUsers["su1"] = &SystemUser{ID: "su1", IdentityID: "p1", RoleID: "r-med", Active: true}
	store.systemUsers["su2"] = &SystemUser{ID: "su2", IdentityID: "p2", RoleID: "r-med", Active: true}
	store.systemUsers["su3"] = &SystemUser{ID: "su3", IdentityID: "p3", RoleID: "r-med", Active: false}
	at := time.Unix(1_700_000_000, 0).UTC()
	svc := newTestService(t, store, WithClock(func() time.Time { return at }))
	ctx := context.Background()

	changes := []PermissionChange{
		{Resource: "citas", Action: "editar", Active: true},
		{Resource: "historias", Action: "ver", Active: false},
	}
	if err := svc.UpdateRolePermissionsBatch(ctx, "r-med", changes, "su-admin"); err != nil {
		t.Fatalf("UpdateRolePermissionsBatch: %v", err)
	}

	// Role rows updated.
	if rp := store.rolePerms[permKey("r-med", "citas", "editar")]; !rp.Active {
		t.Fatalf("role permission not upserted: %+v", rp)
	}
	// Snapshot propagated to both active users, stamped with the actor.
	for _, su := range []string{"su1", "su2"} {
		o, ok := store.overrides[permKey(su, "historias", "ver")]
		if !ok || o.Active || o.GrantedBy != "su-admin" || !o.GrantedAt.Equal(at) {
			t.Fatalf("override for %s wrong: %+v (ok=%v)", su, o, ok)
		}
	}
	// Inactive binding skipped.
	if _, ok := store.overrides[permKey("su3", "citas", "editar")]; ok {
		t.Fatalf("inactive system user received override")
	}
}

func TestUpdateRolePermissionsBatchSkipsPatientRole(t *testing.T) {
	store := newMemStore()
	store.roles["r-pac"] = &RoleRecord{ID: "r-pac", Name: RolePatient, Active: true}
	// A stray binding to PACIENTE must not receive overrides even if present.
	store.systemUsers["su9"] = &SystemUser{ID: "su9", IdentityID: "p9", RoleID: "r-pac", Active: true}
	svc := newTestService(t, store)
	ctx := context.Background()

	changes := []PermissionChange{{Resource: "portal", Action: "ver", Active: true}}
	if err := svc.UpdateRolePermissionsBatch(ctx, "r-pac", changes, "su-admin"); err != nil {
		t.Fatalf("UpdateRolePermissionsBatch: %v", err)
	}
	if _, ok := store.rolePerms[permKey("r-pac", "portal", "ver")]; !ok {
		t.Fatalf("role permission row missing")
	}
	if len(store.overrides) != 0 {
		t.Fatalf("PACIENTE fan-out happened: %d overrides", len(store.overrides))
	}
}

func TestUpdateRolePermissionsBatchValidation(t *testing.T) {
	store := newMemStore()
	store.roles["r-med"] = &RoleRecord{ID: "r-med", Name: Role("MEDICO"), Active: true}
	svc := newTestService(t, store)
	ctx := context.Background()

	if err := svc.UpdateRolePermissionsBatch(ctx, "", []PermissionChange{{Resource: "a", Action: "b"}}, "x"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("blank role = %v, want ErrInvalidInput", err)
	}
	if err := svc.UpdateRolePermissionsBatch(ctx, "r-med", nil, "x"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("empty batch = %v, want ErrInvalidInput", err)
	}
	if err := svc.UpdateRolePermissionsBatch(ctx, "r-med", []PermissionChange{{Resource: " ", Action: "b"}}, "x"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("blank resource = %v, want ErrInvalidInput", err)
	}
	if err := svc.UpdateRolePermissionsBatch(ctx, "missing", []PermissionChange{{Resource: "a", Action: "b"}}, "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown role = %v, want ErrNotFound", err)
	}
}

func TestMFAStateDerivation(t *testing.T) {
	cases := []struct {
		enabled bool
		secret  string
		want    MFAState
	}{
		{false, "", MFADisabled},
		{false, "SECRET", MFAPending},
		{true, "SECRET", MFAEnabled},
		{true, "", MFADisabled},
	}
	for _, tc := range cases {
		c := Credential{MFAEnabled: tc.enabled, MFASecret: tc.secret}
		if got := c.MFAState(); got != tc.want {
			t.Fatalf("MFAState(enabled=%v secret=%q) = %v, want %v", tc.enabled, tc.secret, got, tc.want)
		}
	}
}

func TestEffectiveRole(t *testing.T) {
	staff := LoginRecord{SystemUser: &SystemUser{ID: "su1"}, RoleName: Role("MEDICO")}
	if staff.EffectiveRole() != Role("MEDICO") {
		t.Fatalf("staff effective role = %s", staff.EffectiveRole())
	}
	patient := LoginRecord{}
	if patient.EffectiveRole() != RolePatient {
		t.Fatalf("patient effective role = %s", patient.EffectiveRole())
	}
	// Binding without a resolvable role name degrades to patient.
	orphan := LoginRecord{SystemUser: &SystemUser{ID: "su1"}}
	if orphan.EffectiveRole() != RolePatient {
		t.Fatalf("orphan effective role = %s", orphan.EffectiveRole())
	}
}
