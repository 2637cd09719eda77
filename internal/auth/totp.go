package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base32"
	"encoding/binary"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// RFC 6238 parameters: 20-byte (160-bit) secrets, 6 digits, 30-second steps.
const (
	totpSecretBytes = 20
	totpDigits      = 6
	totpPeriod      = 30
)

var totpEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// TOTPSetup is the enrollment material returned when MFA setup begins.
type TOTPSetup struct {
	Secret          string `json:"secret"`
	ProvisioningURI string `json:"provisioning_uri"`
}

// GenerateTOTPSecret produces a random base32-encoded shared secret and the
// otpauth:// provisioning URI for QR enrollment. Pure: nothing is persisted.
func GenerateTOTPSecret(issuer, account string) (TOTPSetup, error) {
	raw := make([]byte, totpSecretBytes)
	if _, err := rand.Read(raw); err != nil {
		return TOTPSetup{}, err
	}
	secret := totpEncoding.EncodeToString(raw)
	return TOTPSetup{
		Secret:          secret,
		ProvisioningURI: provisioningURI(issuer, account, secret),
	}, nil
}

func provisioningURI(issuer, account, secret string) string {
	label := url.PathEscape(issuer + ":" + account)
	v := url.Values{}
	v.Set("secret", secret)
	v.Set("issuer", issuer)
	v.Set("period", strconv.Itoa(totpPeriod))
	v.Set("digits", strconv.Itoa(totpDigits))
	v.Set("algorithm", "SHA1")
	return "otpauth://totp/" + label + "?" + v.Encode()
}

// VerifyTOTP checks a 6-digit code against the base32 secret at the given
// time, accepting ±driftWindow 30-second steps of clock skew. It returns
// false on any internal error, never an error value: a garbled secret must
// read as "code rejected".
func VerifyTOTP(secret, code string, at time.Time, driftWindow int) bool {
	code = strings.TrimSpace(code)
	if len(code) != totpDigits || !isDigits(code) {
		return false
	}
	key, err := totpEncoding.DecodeString(strings.ToUpper(strings.TrimSpace(secret)))
	if err != nil || len(key) == 0 {
		return false
	}
	if driftWindow < 0 {
		driftWindow = 0
	}

	base := at.Unix() / totpPeriod
	for step := -driftWindow; step <= driftWindow; step++ {
		counter := base + int64(step)
		if counter < 0 {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(hotpCode(key, counter)), []byte(code)) == 1 {
			return true
		}
	}
	return false
}

// hotpCode implements RFC 4226 dynamic truncation over HMAC-SHA1.
func hotpCode(key []byte, counter int64) string {
	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], uint64(counter))

	mac := hmac.New(sha1.New, key)
	_, _ = mac.Write(msg[:])
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0f
	bin := (int(sum[offset])&0x7f)<<24 |
		(int(sum[offset+1])&0xff)<<16 |
		(int(sum[offset+2])&0xff)<<8 |
		(int(sum[offset+3]) & 0xff)

	mod := 1
	for i := 0; i < totpDigits; i++ {
		mod *= 10
	}
	return fmt.Sprintf("%0*d", totpDigits, bin%mod)
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
