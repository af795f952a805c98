// Package token signs and validates the time-boxed HMAC tokens that
// authenticate the receive endpoint. A token binds a content hash and an
// audience string, so it cannot be replayed against another endpoint or
// with modified content.
package token

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/schemabus/schemabus/internal/gateway/jsoncodec"
)

// BearerKid is the reserved key id that resolves its secret from the
// caller's security context instead of the static key map.
const BearerKid = "bearer"

const (
	// DefaultTTL is how long a freshly signed token stays valid.
	DefaultTTL = 10 * time.Second
	// DefaultLeeway absorbs clock skew between signer and validator.
	DefaultLeeway = 5 * time.Second
)

var (
	// ErrInvalidToken covers every validation failure. Token failures
	// are always fatal and never retried.
	ErrInvalidToken = errors.New("schemabus: invalid token, access denied")
	// ErrNoSecret means no secret could be resolved for a key id. That
	// is a configuration error, not a client fault.
	ErrNoSecret = errors.New("schemabus: no secret resolvable for key id")
)

// Token is the signed assertion. Sig covers the serialized form of the
// other fields.
type Token struct {
	Aud  string `json:"aud"`
	Kid  string `json:"kid"`
	Iat  int64  `json:"iat"`
	Exp  int64  `json:"exp"`
	Hash string `json:"hash"`
}

type bearerKey struct{}

// WithBearer attaches a caller-supplied bearer secret to the context.
// It backs the "bearer" key id.
func WithBearer(ctx context.Context, secret string) context.Context {
	return context.WithValue(ctx, bearerKey{}, secret)
}

func bearerFromContext(ctx context.Context) (string, bool) {
	secret, ok := ctx.Value(bearerKey{}).(string)
	return secret, ok && secret != ""
}

// SignerOptions tunes a Signer. Zero values take the defaults above.
type SignerOptions struct {
	TTL    time.Duration
	Leeway time.Duration
	// Now overrides the clock in tests.
	Now func() time.Time
}

// Signer signs and validates tokens with a static key-id to secret map.
type Signer struct {
	keys   map[string]string
	ttl    time.Duration
	leeway time.Duration
	now    func() time.Time
}

// NewSigner constructs a Signer over the given key map.
func NewSigner(keys map[string]string, opts SignerOptions) *Signer {
	s := &Signer{
		keys:   make(map[string]string, len(keys)),
		ttl:    opts.TTL,
		leeway: opts.Leeway,
		now:    opts.Now,
	}
	for kid, secret := range keys {
		s.keys[kid] = secret
	}
	if s.ttl <= 0 {
		s.ttl = DefaultTTL
	}
	if s.leeway <= 0 {
		s.leeway = DefaultLeeway
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// resolveSecret looks up the secret for a key id. The static map wins;
// the "bearer" kid falls back to the context-supplied bearer secret.
func (s *Signer) resolveSecret(ctx context.Context, kid string) (string, error) {
	if secret, ok := s.keys[kid]; ok && secret != "" {
		return secret, nil
	}
	if kid == BearerKid {
		if secret, ok := bearerFromContext(ctx); ok {
			return secret, nil
		}
	}
	return "", fmt.Errorf("%w %q", ErrNoSecret, kid)
}

func hashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

func serialize(tok Token, secret string) (string, error) {
	payload, err := jsoncodec.Marshal(tok)
	if err != nil {
		return "", err
	}
	encoded := base64.RawURLEncoding.EncodeToString(payload)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(encoded))
	sig := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	return encoded + "." + sig, nil
}

// Sign creates a token over content for the given audience, signed with
// the key id's secret.
func (s *Signer) Sign(ctx context.Context, content, audience, kid string) (string, error) {
	secret, err := s.resolveSecret(ctx, kid)
	if err != nil {
		return "", err
	}
	now := s.now()
	tok := Token{
		Aud:  audience,
		Kid:  kid,
		Iat:  now.Unix(),
		Exp:  now.Add(s.ttl).Unix(),
		Hash: hashContent(content),
	}
	return serialize(tok, secret)
}

// Validate checks a presented token against the content and audience the
// caller actually received. It reconstructs the expected token from the
// presented key id and timestamps and compares field-for-field, so a
// re-signed token over different content fails even when its signature
// verifies under some key.
func (s *Signer) Validate(ctx context.Context, content, audience, presented string) error {
	encoded, sig, ok := strings.Cut(presented, ".")
	if !ok {
		return fmt.Errorf("%w: malformed token", ErrInvalidToken)
	}
	payload, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("%w: malformed token", ErrInvalidToken)
	}
	var tok Token
	if err := jsoncodec.Unmarshal(payload, &tok); err != nil {
		return fmt.Errorf("%w: malformed token", ErrInvalidToken)
	}

	secret, err := s.resolveSecret(ctx, tok.Kid)
	if err != nil {
		return err
	}

	now := s.now()
	if now.Unix() > tok.Exp+int64(s.leeway.Seconds()) {
		return fmt.Errorf("%w: expired", ErrInvalidToken)
	}
	if tok.Iat > now.Unix()+int64(s.leeway.Seconds()) {
		return fmt.Errorf("%w: issued in the future", ErrInvalidToken)
	}

	expected := Token{
		Aud:  audience,
		Kid:  tok.Kid,
		Iat:  tok.Iat,
		Exp:  tok.Exp,
		Hash: hashContent(content),
	}
	if subtleNotEqual(tok.Aud, expected.Aud) {
		return fmt.Errorf("%w: audience mismatch", ErrInvalidToken)
	}
	if subtleNotEqual(tok.Hash, expected.Hash) {
		return fmt.Errorf("%w: content mismatch", ErrInvalidToken)
	}
	reserialized, err := serialize(expected, secret)
	if err != nil {
		return err
	}
	if !hmac.Equal([]byte(reserialized), []byte(encoded+"."+sig)) {
		return fmt.Errorf("%w: signature mismatch", ErrInvalidToken)
	}
	return nil
}

func subtleNotEqual(a, b string) bool {
	return !hmac.Equal([]byte(a), []byte(b))
}
