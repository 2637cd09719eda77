package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"clinsalud.org/internal/auth"
	"clinsalud.org/internal/ids"
	"clinsalud.org/internal/obs"
)

// FindLogin joins persona + credencial with the optional staff binding in
// one round trip. The left joins keep patients (no usuarios_sistema row)
// on the happy path.
func (s *Store) FindLogin(ctx context.Context, email string) (*auth.LoginRecord, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	email = strings.ToLower(strings.TrimSpace(email))

	var (
		rec      auth.LoginRecord
		lastAt   sql.NullTime
		suID     sql.NullString
		suRoleID sql.NullString
		suActive sql.NullBool
		roleName sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		select p.id, coalesce(p.email, ''), p.nombre_completo, p.activo, p.created_at, p.updated_at,
		       c.id, c.password_hash, c.mfa_enabled, coalesce(c.mfa_secret, ''),
		       c.must_change_password, c.last_access_at, c.failed_attempts,
		       us.id, us.rol_id, us.activo, r.nombre
		from personas p
		join credenciales c on c.persona_id = p.id
		left join usuarios_sistema us on us.persona_id = p.id and us.activo
		left join roles r on r.id = us.rol_id and r.activo
		where lower(p.email) = $1
	`, email).Scan(
		&rec.Identity.ID, &rec.Identity.Email, &rec.Identity.DisplayName, &rec.Identity.Active,
		&rec.Identity.CreatedAt, &rec.Identity.UpdatedAt,
		&rec.Credential.ID, &rec.Credential.PasswordHash, &rec.Credential.MFAEnabled, &rec.Credential.MFASecret,
		&rec.Credential.MustChangePassword, &lastAt, &rec.Credential.FailedAttempts,
		&suID, &suRoleID, &suActive, &roleName,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rec.Credential.IdentityID = rec.Identity.ID
	if lastAt.Valid {
		t := lastAt.Time
		rec.Credential.LastAccessAt = &t
	}
	if suID.Valid {
		rec.SystemUser = &auth.SystemUser{
			ID:         suID.String,
			IdentityID: rec.Identity.ID,
			RoleID:     suRoleID.String,
			Active:     suActive.Bool,
		}
		if roleName.Valid {
			rec.RoleName = auth.NormalizeRole(roleName.String)
		}
	}
	return &rec, nil
}

func (s *Store) IdentityByID(ctx context.Context, identityID string) (*auth.Identity, error) {
	var p auth.Identity
	err := s.db.QueryRowContext(ctx, `
		select id, coalesce(email, ''), nombre_completo, activo, created_at, updated_at
		from personas
		where id = $1
	`, identityID).Scan(&p.ID, &p.Email, &p.DisplayName, &p.Active, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) CredentialByIdentity(ctx context.Context, identityID string) (*auth.Credential, error) {
	var (
		c      auth.Credential
		lastAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		select id, persona_id, password_hash, mfa_enabled, coalesce(mfa_secret, ''),
		       must_change_password, last_access_at, failed_attempts
		from credenciales
		where persona_id = $1
	`, identityID).Scan(
		&c.ID, &c.IdentityID, &c.PasswordHash, &c.MFAEnabled, &c.MFASecret,
		&c.MustChangePassword, &lastAt, &c.FailedAttempts,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if lastAt.Valid {
		t := lastAt.Time
		c.LastAccessAt = &t
	}
	return &c, nil
}

func (s *Store) RecordAccess(ctx context.Context, credentialID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		update credenciales set last_access_at = $2, failed_attempts = 0 where id = $1
	`, credentialID, at)
	return err
}

func (s *Store) RecordFailedAttempt(ctx context.Context, credentialID string) error {
	_, err := s.db.ExecContext(ctx, `
		update credenciales set failed_attempts = failed_attempts + 1 where id = $1
	`, credentialID)
	return err
}

func (s *Store) UpdatePassword(ctx context.Context, credentialID, passwordHash string) error {
	res, err := s.db.ExecContext(ctx, `
		update credenciales set password_hash = $2, must_change_password = false where id = $1
	`, credentialID, passwordHash)
	if err != nil {
		return err
	}
	return requireOneRow(res)
}

func (s *Store) SetMFASecret(ctx context.Context, credentialID, mfaSecret string) error {
	res, err := s.db.ExecContext(ctx, `
		update credenciales set mfa_secret = $2, mfa_enabled = false where id = $1
	`, credentialID, mfaSecret)
	if err != nil {
		return err
	}
	return requireOneRow(res)
}

func (s *Store) EnableMFA(ctx context.Context, credentialID string) error {
	res, err := s.db.ExecContext(ctx, `
		update credenciales set mfa_enabled = true where id = $1 and mfa_secret is not null
	`, credentialID)
	if err != nil {
		return err
	}
	return requireOneRow(res)
}

// DisableMFA clears the secret and destroys the backup codes in one
// transaction so a failed delete cannot leave live codes behind a
// disabled credential.
func (s *Store) DisableMFA(ctx context.Context, credentialID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		update credenciales set mfa_enabled = false, mfa_secret = null where id = $1
	`, credentialID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		delete from codigos_backup where credencial_id = $1
	`, credentialID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) ReplaceBackupCodes(ctx context.Context, credentialID string, hashes []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		delete from codigos_backup where credencial_id = $1
	`, credentialID); err != nil {
		return err
	}
	for _, hash := range hashes {
		if _, err := tx.ExecContext(ctx, `
			insert into codigos_backup (id, credencial_id, codigo_hash, usado, created_at)
			values ($1, $2, $3, false, now())
		`, ids.New(), credentialID, hash); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) UnusedBackupCodes(ctx context.Context, credentialID string) ([]auth.BackupCode, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, credencial_id, codigo_hash, usado, usado_at, created_at
		from codigos_backup
		where credencial_id = $1 and usado = false
		order by created_at, id
	`, credentialID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []auth.BackupCode
	for rows.Next() {
		var (
			bc     auth.BackupCode
			usedAt sql.NullTime
		)
		if err := rows.Scan(&bc.ID, &bc.CredentialID, &bc.CodeHash, &bc.Used, &usedAt, &bc.CreatedAt); err != nil {
			return nil, err
		}
		if usedAt.Valid {
			t := usedAt.Time
			bc.UsedAt = &t
		}
		result = append(result, bc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// ConsumeBackupCode is the contended write of the whole subsystem: the
// usado=false guard makes the transition a compare-and-set, so of two
// logins racing on one code exactly one sees an affected row.
func (s *Store) ConsumeBackupCode(ctx context.Context, codeID string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		update codigos_backup set usado = true, usado_at = $2
		where id = $1 and usado = false
	`, codeID, at)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		obs.ObserveBackupCodeRedemption()
		return true, nil
	}
	return false, nil
}

func (s *Store) SystemUserByID(ctx context.Context, systemUserID string) (*auth.SystemUser, error) {
	var u auth.SystemUser
	err := s.db.QueryRowContext(ctx, `
		select id, persona_id, rol_id, activo, created_at
		from usuarios_sistema
		where id = $1
	`, systemUserID).Scan(&u.ID, &u.IdentityID, &u.RoleID, &u.Active, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Store) SystemUsersByRole(ctx context.Context, roleID string) ([]auth.SystemUser, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, persona_id, rol_id, activo, created_at
		from usuarios_sistema
		where rol_id = $1 and activo
		order by id
	`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []auth.SystemUser
	for rows.Next() {
		var u auth.SystemUser
		if err := rows.Scan(&u.ID, &u.IdentityID, &u.RoleID, &u.Active, &u.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) RoleByID(ctx context.Context, roleID string) (*auth.RoleRecord, error) {
	var (
		r    auth.RoleRecord
		name string
	)
	err := s.db.QueryRowContext(ctx, `
		select id, nombre, activo, created_at from roles where id = $1
	`, roleID).Scan(&r.ID, &name, &r.Active, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.Name = auth.NormalizeRole(name)
	return &r, nil
}

func (s *Store) PermissionOverride(ctx context.Context, systemUserID, resource, action string) (*auth.UserPermissionOverride, error) {
	var o auth.UserPermissionOverride
	err := s.db.QueryRowContext(ctx, `
		select usuario_sistema_id, recurso, accion, activo, coalesce(otorgado_por, ''), otorgado_at
		from usuario_permisos
		where usuario_sistema_id = $1 and recurso = $2 and accion = $3
	`, systemUserID, resource, action).Scan(&o.SystemUserID, &o.Resource, &o.Action, &o.Active, &o.GrantedBy, &o.GrantedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *Store) RolePermission(ctx context.Context, roleID, resource, action string) (*auth.RolePermission, error) {
	var rp auth.RolePermission
	err := s.db.QueryRowContext(ctx, `
		select rol_id, recurso, accion, activo
		from rol_permisos
		where rol_id = $1 and recurso = $2 and accion = $3
	`, roleID, resource, action).Scan(&rp.RoleID, &rp.Resource, &rp.Action, &rp.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rp, nil
}

func (s *Store) UpsertRolePermission(ctx context.Context, rp auth.RolePermission) error {
	_, err := s.db.ExecContext(ctx, `
		insert into rol_permisos (rol_id, recurso, accion, activo)
		values ($1, $2, $3, $4)
		on conflict (rol_id, recurso, accion) do update set activo = excluded.activo
	`, rp.RoleID, rp.Resource, rp.Action, rp.Active)
	return err
}

func (s *Store) UpsertUserOverride(ctx context.Context, o auth.UserPermissionOverride) error {
	_, err := s.db.ExecContext(ctx, `
		insert into usuario_permisos (usuario_sistema_id, recurso, accion, activo, otorgado_por, otorgado_at)
		values ($1, $2, $3, $4, $5, $6)
		on conflict (usuario_sistema_id, recurso, accion)
		do update set activo = excluded.activo, otorgado_por = excluded.otorgado_por, otorgado_at = excluded.otorgado_at
	`, o.SystemUserID, o.Resource, o.Action, o.Active, o.GrantedBy, o.GrantedAt)
	return err
}

func requireOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return auth.ErrNotFound
	}
	if n > 1 {
		return fmt.Errorf("expected one affected row, got %d", n)
	}
	return nil
}
