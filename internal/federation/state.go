package federation

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"go.pilab.hu/oauthlink/domain"
	serrors "go.pilab.hu/oauthlink/errors"
	"go.pilab.hu/oauthlink/internal/crypto"
)

const (
	// DefaultStateTTL bounds how long an authorize round trip may take.
	DefaultStateTTL = 10 * time.Minute

	stateKeyInfo   = "oauthlink/state/v1"
	stateClockSkew = time.Minute
)

var stateAAD = []byte("oauthlink-state-v1")

// StateCodec encodes AuthRequestState into an encrypted, authenticated
// string so no server side session is needed between redirect and callback.
type StateCodec struct {
	sealer *crypto.Sealer
	ttl    time.Duration
	now    func() time.Time
}

// NewStateCodec derives the state key from secret. A zero ttl selects DefaultStateTTL.
func NewStateCodec(secret []byte, ttl time.Duration) (*StateCodec, error) {
	key, err := crypto.DeriveKey(secret, stateKeyInfo)
	if err != nil {
		return nil, fmt.Errorf("state codec: %w", err)
	}
	sealer, err := crypto.NewSealer(key)
	if err != nil {
		return nil, fmt.Errorf("state codec: %w", err)
	}
	if ttl <= 0 {
		ttl = DefaultStateTTL
	}
	return &StateCodec{sealer: sealer, ttl: ttl, now: time.Now}, nil
}

// TTL returns the maximum age of an accepted state.
func (c *StateCodec) TTL() time.Duration { return c.ttl }

// Encode seals s. A zero IssuedAt is stamped with the current time.
func (c *StateCodec) Encode(s domain.AuthRequestState) (string, error) {
	if s.IssuedAt.IsZero() {
		s.IssuedAt = c.now()
	}
	s.IssuedAt = s.IssuedAt.UTC()
	payload, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("failed to marshal state: %w", err)
	}
	sealed, err := c.sealer.Seal(payload, stateAAD)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decode opens an encoded state. Every failure (malformed, tampered, expired)
// yields the same InvalidState error.
func (c *StateCodec) Decode(encoded string) (domain.AuthRequestState, error) {
	var s domain.AuthRequestState
	invalid := serrors.New(serrors.KindInvalidState, "", "state rejected")

	if encoded == "" {
		return s, invalid
	}
	sealed, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return s, invalid
	}
	payload, err := c.sealer.Open(sealed, stateAAD)
	if err != nil {
		return s, invalid
	}
	if err := json.Unmarshal(payload, &s); err != nil {
		return domain.AuthRequestState{}, invalid
	}
	if s.CSRFNonce == "" || s.ProviderID == "" || s.IssuedAt.IsZero() {
		return domain.AuthRequestState{}, invalid
	}
	now := c.now()
	if now.Sub(s.IssuedAt) > c.ttl || s.IssuedAt.Sub(now) > stateClockSkew {
		return domain.AuthRequestState{}, invalid
	}
	s.IssuedAt = s.IssuedAt.UTC()
	return s, nil
}

// NewNonce returns 32 random bytes encoded as unpadded base64url.
func NewNonce() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
