// Package capability mints and verifies the signed authority tokens carried
// from the Gateway to executor containers. A token is three base64url
// segments joined by '.': a fixed header, the JSON claims, and an
// HMAC-SHA-256 signature over the first two segments.
package capability

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Verification failures. All are CapabilityError conditions: the executor
// refuses the task and the Dispatcher surfaces a DispatchError.
var (
	ErrMalformed = errors.New("malformed token")
	ErrSignature = errors.New("signature mismatch")
	ErrExpired   = errors.New("token expired")
)

// Network policy modes.
const (
	NetworkNone    = "none"
	NetworkDomains = "domains"
)

// Mount is one host path mapped into the executor container.
type Mount struct {
	HostPath      string `json:"hostPath"`
	ContainerPath string `json:"containerPath"`
	ReadOnly      bool   `json:"readOnly"`
}

// NetworkPolicy is the network authority granted to the executor: no
// network at all, or outbound restricted to the listed domains.
type NetworkPolicy struct {
	Mode           string   `json:"mode"`
	AllowedDomains []string `json:"allowedDomains,omitempty"`
}

// Claims is the authority envelope an executor must present.
type Claims struct {
	ExecutorType   string        `json:"executorType"`
	Mounts         []Mount       `json:"mounts,omitempty"`
	Network        NetworkPolicy `json:"network"`
	TimeoutSeconds int           `json:"timeoutSeconds"`
	MaxOutputBytes int           `json:"maxOutputBytes"`
	IssuedAt       int64         `json:"issuedAt"`
	ExpiresAt      int64         `json:"expiresAt"`
}

const tokenHeader = `{"alg":"HS256","typ":"CAP"}`

// ExpiryGrace is added on top of the task timeout so a container that runs
// to the wall-clock limit still holds a valid token while reporting back.
const ExpiryGrace = 30 * time.Second

// DefaultHardCap bounds token lifetime regardless of task timeout.
const DefaultHardCap = 15 * time.Minute

// Signer mints and verifies tokens with a process-wide symmetric secret.
type Signer struct {
	secret  []byte
	hardCap time.Duration
}

// NewSigner builds a Signer. The secret must be non-empty; the hard cap
// falls back to DefaultHardCap when zero.
func NewSigner(secret string, hardCap time.Duration) (*Signer, error) {
	if secret == "" {
		return nil, errors.New("capability: empty signing secret")
	}
	if hardCap <= 0 {
		hardCap = DefaultHardCap
	}
	return &Signer{secret: []byte(secret), hardCap: hardCap}, nil
}

// Mint signs the claims. IssuedAt defaults to now; ExpiresAt defaults to
// IssuedAt + min(TimeoutSeconds + grace, hardCap).
func (s *Signer) Mint(claims Claims) (string, error) {
	if claims.IssuedAt == 0 {
		claims.IssuedAt = time.Now().Unix()
	}
	if claims.ExpiresAt == 0 {
		lifetime := time.Duration(claims.TimeoutSeconds)*time.Second + ExpiryGrace
		if lifetime > s.hardCap {
			lifetime = s.hardCap
		}
		claims.ExpiresAt = claims.IssuedAt + int64(lifetime.Seconds())
	}
	if claims.Network.Mode == "" {
		claims.Network.Mode = NetworkNone
	}

	payload, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("capability: marshal claims: %w", err)
	}

	enc := base64.RawURLEncoding
	signingInput := enc.EncodeToString([]byte(tokenHeader)) + "." + enc.EncodeToString(payload)
	return signingInput + "." + enc.EncodeToString(s.sign(signingInput)), nil
}

// Verify checks the signature and expiry and returns the claims.
func (s *Signer) Verify(token string) (*Claims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("capability: %w: want 3 segments, got %d", ErrMalformed, len(parts))
	}

	enc := base64.RawURLEncoding
	signingInput := parts[0] + "." + parts[1]
	sig, err := enc.DecodeString(parts[2])
	if err != nil {
		return nil, fmt.Errorf("capability: %w: bad signature encoding", ErrMalformed)
	}
	if !hmac.Equal(sig, s.sign(signingInput)) {
		return nil, fmt.Errorf("capability: %w", ErrSignature)
	}

	payload, err := enc.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("capability: %w: bad payload encoding", ErrMalformed)
	}
	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, fmt.Errorf("capability: %w: bad payload JSON", ErrMalformed)
	}

	if time.Now().Unix() > claims.ExpiresAt {
		return nil, fmt.Errorf("capability: %w", ErrExpired)
	}
	return &claims, nil
}

func (s *Signer) sign(input string) []byte {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(input))
	return mac.Sum(nil)
}
