package auth

import (
	"crypto/rand"
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// Backup codes are 8 uppercase hex characters (32 bits of code space).
// Collisions inside a batch are birthday-bound and negligible at this size.
const (
	backupCodeBytes = 4
	backupCodeLen   = 2 * backupCodeBytes
	// BackupCodeBatchSize is the number of codes issued per batch.
	BackupCodeBatchSize = 10
)

// GeneratedBackupCode pairs the plaintext shown to the user with the hash
// that gets persisted.
type GeneratedBackupCode struct {
	Plaintext string
	Hash      string
}

// GenerateBackupCodes draws count codes from crypto/rand and hashes each
// with bcrypt before anything touches storage.
func GenerateBackupCodes(count int) ([]GeneratedBackupCode, error) {
	if count <= 0 {
		count = BackupCodeBatchSize
	}
	out := make([]GeneratedBackupCode, 0, count)
	for i := 0; i < count; i++ {
		raw := make([]byte, backupCodeBytes)
		if _, err := rand.Read(raw); err != nil {
			return nil, err
		}
		plain := strings.ToUpper(hex.EncodeToString(raw))
		hash, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
		if err != nil {
			return nil, err
		}
		out = append(out, GeneratedBackupCode{Plaintext: plain, Hash: string(hash)})
	}
	return out, nil
}

// VerifyBackupCode compares a submitted code with a stored hash,
// case-insensitively.
func VerifyBackupCode(plaintext, hash string) bool {
	normalized := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(plaintext), "-", ""))
	if normalized == "" || hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(normalized)) == nil
}

// FormatBackupCode inserts the display separator at the midpoint
// (ABCD1234 -> ABCD-1234). Inputs of any other length pass through
// unchanged.
func FormatBackupCode(code string) string {
	if len(code) != backupCodeLen {
		return code
	}
	return code[:backupCodeLen/2] + "-" + code[backupCodeLen/2:]
}
