// Package authtoken issues and verifies the short-lived bearer tokens the
// relay requires on non-loopback binds. The signing secret survives
// `--replace` restarts by living in the OS keychain rather than being
// regenerated (and thus invalidating every client's token) on every
// launch.
package authtoken

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/zalando/go-keyring"

	"github.com/cdprelay/relay/internal/logging"
)

const (
	keyringService = "cdp-relay"
	keyringAccount = "signing-secret"
	secretBytes    = 32
)

var log = logging.Named("authtoken")

// Manager issues and verifies bearer tokens against one signing secret.
type Manager struct {
	secret []byte
}

// NewManager loads the relay's signing secret from the OS keychain,
// generating and persisting a fresh one on first run. If the keychain is
// unavailable (headless CI, disabled via NEBO-style escape hatch), it
// falls back to an in-memory secret: tokens then only survive the
// current process, which is safe but forces every `--replace` restart to
// re-mint tokens for connected clients.
func NewManager() (*Manager, error) {
	secretHex, err := keyring.Get(keyringService, keyringAccount)
	if err == nil {
		secret, decodeErr := hex.DecodeString(secretHex)
		if decodeErr == nil && len(secret) == secretBytes {
			return &Manager{secret: secret}, nil
		}
		log.Warn("stored signing secret was invalid, regenerating")
	}

	secret := make([]byte, secretBytes)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("authtoken: generating secret: %w", err)
	}
	if err := keyring.Set(keyringService, keyringAccount, hex.EncodeToString(secret)); err != nil {
		log.Warnf("could not persist signing secret to OS keychain, using in-memory only: %v", err)
	}
	return &Manager{secret: secret}, nil
}

// NewManagerWithSecret builds a Manager around an explicit secret,
// bypassing the keychain. Used by tests; a --token value is checked by
// serve's own static-token verifier, not through a Manager.
func NewManagerWithSecret(secret []byte) *Manager {
	return &Manager{secret: secret}
}

// Issue mints a signed bearer token valid for ttl.
func (m *Manager) Issue(ttl time.Duration) (string, error) {
	claims := jwt.RegisteredClaims{
		Issuer:    "cdp-relay",
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}

// Verify reports whether tokenString is a validly signed, unexpired
// token from this Manager.
func (m *Manager) Verify(tokenString string) bool {
	if tokenString == "" {
		return false
	}
	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("authtoken: unexpected signing method %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	return err == nil && token.Valid
}
