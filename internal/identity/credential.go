package identity

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/nidhogg/memorybank/internal/errs"
)

const (
	credentialPrefix = "mb_sk_"
	// lookupLen is how much of a credential is stored in clear as an index
	// key. The remainder stays secret behind the bcrypt hash.
	lookupLen     = len(credentialPrefix) + 8
	minCredential = 24
	maxCredential = 72
)

// GenerateCredential returns a fresh random agent key.
func GenerateCredential() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate credential: %w", err)
	}
	return credentialPrefix + base64.RawURLEncoding.EncodeToString(buf), nil
}

func checkCredential(c string) error {
	if len(c) < minCredential || len(c) > maxCredential {
		return errs.Invalid("credential must be %d to %d bytes", minCredential, maxCredential)
	}
	if strings.TrimSpace(c) != c {
		return errs.Invalid("credential has surrounding whitespace")
	}
	return nil
}

func lookupKey(c string) string {
	if len(c) < lookupLen {
		return c
	}
	return c[:lookupLen]
}

func hashCredential(c string, cost int) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(c), cost)
	if err != nil {
		return "", fmt.Errorf("hash credential: %w", err)
	}
	return string(h), nil
}

// dummyHash keeps failed lookups as slow as failed comparisons.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("memorybank-timing-pad"), bcrypt.MinCost)
