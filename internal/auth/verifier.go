package auth

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/example/stream-gateway/internal/gatewaycfg"
	"github.com/example/stream-gateway/internal/logging"
	ulid "github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
	ssh "golang.org/x/crypto/ssh"
)

// Sentinel rejection reasons. Callers map these to distinct close codes so
// clients can tell retryable from non-retryable failures apart.
var (
	ErrInvalidToken   = errors.New("invalid credential")
	ErrTenantMismatch = errors.New("tenant mismatch")
	ErrUnknownJob     = errors.New("unknown job")
)

// Verifier validates Ed25519-signed bearer tokens. Verify keys are looked up
// by kid and may be hot-reloaded (see WatchKeys).
type Verifier struct {
	cfg  gatewaycfg.AuthConfig
	mu   sync.RWMutex
	pub  map[string]ed25519.PublicKey
	priv ed25519.PrivateKey
	rd   *redis.Client
	skew time.Duration
}

func NewVerifier(cfg gatewaycfg.AuthConfig, rd *redis.Client) (*Verifier, error) {
	v := &Verifier{cfg: cfg, rd: rd, skew: time.Duration(cfg.SkewSeconds) * time.Second}
	v.pub = make(map[string]ed25519.PublicKey, len(cfg.PublicKeys)+len(cfg.PublicKeysSSH))
	for kid, b64 := range cfg.PublicKeys {
		pk, err := base64.RawStdEncoding.DecodeString(strings.TrimSpace(b64))
		if err != nil {
			return nil, fmt.Errorf("invalid public key for %s: %w", kid, err)
		}
		if len(pk) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("public key %s wrong size", kid)
		}
		v.pub[kid] = ed25519.PublicKey(pk)
	}
	for kid, line := range cfg.PublicKeysSSH {
		pk, err := parseSSHEd25519(line)
		if err != nil {
			return nil, fmt.Errorf("ssh public key for %s: %w", kid, err)
		}
		v.pub[kid] = pk
	}
	if cfg.PrivateKey != "" {
		sk, err := base64.RawStdEncoding.DecodeString(strings.TrimSpace(cfg.PrivateKey))
		if err != nil {
			return nil, fmt.Errorf("invalid private key: %w", err)
		}
		if len(sk) != ed25519.PrivateKeySize {
			return nil, errors.New("private key wrong size")
		}
		v.priv = ed25519.PrivateKey(sk)
	}
	if cfg.KeyDir != "" {
		if err := v.loadKeyDir(); err != nil {
			return nil, err
		}
	}
	return v, nil
}

func parseSSHEd25519(line string) (ed25519.PublicKey, error) {
	pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(strings.TrimSpace(line)))
	if err != nil {
		return nil, err
	}
	cp, ok := pub.(ssh.CryptoPublicKey)
	if !ok {
		return nil, errors.New("not a crypto public key")
	}
	ed, ok := cp.CryptoPublicKey().(ed25519.PublicKey)
	if !ok || len(ed) != ed25519.PublicKeySize {
		return nil, errors.New("not ed25519")
	}
	return ed, nil
}

type header struct {
	Alg string `json:"alg"`
	Kid string `json:"kid"`
	Typ string `json:"typ"`
}

type claims struct {
	Iss string `json:"iss"`
	Aud string `json:"aud"`
	Sub string `json:"sub"`
	Iat int64  `json:"iat"`
	Nbf int64  `json:"nbf"`
	Exp int64  `json:"exp"`
	Jti string `json:"jti"`
}

func b64(b []byte) string { return base64.RawStdEncoding.EncodeToString(b) }
func parseB64(s string) ([]byte, error) { return base64.RawStdEncoding.DecodeString(s) }

func (v *Verifier) key(kid string) ed25519.PublicKey {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.pub[kid]
}

// Issue signs a token for subject (requires a configured private key). Used by
// operational tooling and tests; the gateway itself only verifies.
func (v *Verifier) Issue(subject string, ttl time.Duration) (string, string, time.Time, error) {
	if len(v.priv) == 0 {
		return "", "", time.Time{}, errors.New("issuer private key not configured")
	}
	now := time.Now().UTC()
	exp := now.Add(ttl)
	jti := ulid.Make().String()
	hdr := header{Alg: "EdDSA", Kid: v.cfg.KeyID, Typ: "SGW"}
	cl := claims{Iss: v.cfg.Issuer, Aud: v.cfg.Audience, Sub: subject, Iat: now.Unix(), Nbf: now.Unix() - int64(v.cfg.SkewSeconds), Exp: exp.Unix(), Jti: jti}
	hb, _ := json.Marshal(hdr)
	cb, _ := json.Marshal(cl)
	signing := b64(hb) + "." + b64(cb)
	sig := ed25519.Sign(v.priv, []byte(signing))
	return signing + "." + b64(sig), jti, exp, nil
}

// Verify validates signature and claims, returning the subject and jti. Every
// failure wraps ErrInvalidToken.
func (v *Verifier) Verify(ctx context.Context, tok string) (string, string, error) {
	ev := logging.NewEventLogger()
	if tok == "" {
		return "", "", fmt.Errorf("%w: missing", ErrInvalidToken)
	}
	parts := strings.Split(tok, ".")
	if len(parts) != 3 {
		return "", "", fmt.Errorf("%w: bad format", ErrInvalidToken)
	}
	hb, err := parseB64(parts[0])
	if err != nil {
		return "", "", fmt.Errorf("%w: bad header b64", ErrInvalidToken)
	}
	cb, err := parseB64(parts[1])
	if err != nil {
		return "", "", fmt.Errorf("%w: bad claims b64", ErrInvalidToken)
	}
	sig, err := parseB64(parts[2])
	if err != nil {
		return "", "", fmt.Errorf("%w: bad sig b64", ErrInvalidToken)
	}
	var h header
	if err := json.Unmarshal(hb, &h); err != nil {
		return "", "", fmt.Errorf("%w: bad header json", ErrInvalidToken)
	}
	if h.Alg != "EdDSA" {
		return "", "", fmt.Errorf("%w: alg not supported", ErrInvalidToken)
	}
	pub := v.key(h.Kid)
	if len(pub) == 0 {
		return "", "", fmt.Errorf("%w: unknown kid", ErrInvalidToken)
	}
	signing := parts[0] + "." + parts[1]
	if !ed25519.Verify(pub, []byte(signing), sig) {
		return "", "", fmt.Errorf("%w: bad signature", ErrInvalidToken)
	}
	var c claims
	if err := json.Unmarshal(cb, &c); err != nil {
		return "", "", fmt.Errorf("%w: bad claims json", ErrInvalidToken)
	}
	now := time.Now().UTC().Unix()
	if c.Iss != v.cfg.Issuer || c.Aud != v.cfg.Audience {
		return "", "", fmt.Errorf("%w: bad issuer/audience", ErrInvalidToken)
	}
	if c.Nbf > now+int64(v.cfg.SkewSeconds) {
		return "", "", fmt.Errorf("%w: not yet valid", ErrInvalidToken)
	}
	if c.Exp < now-int64(v.cfg.SkewSeconds) {
		return "", "", fmt.Errorf("%w: expired", ErrInvalidToken)
	}
	if ok, _ := authRedisExists(v.rd, ctx, "revoked:jti:"+c.Jti); ok > 0 {
		ev.Auth("reject", c.Sub, "", false, "token_revoked")
		return "", "", fmt.Errorf("%w: revoked", ErrInvalidToken)
	}
	ev.Auth("verify", c.Sub, "", true, "")
	return c.Sub, c.Jti, nil
}

// Revoke marks a jti revoked in the shared cache. Revocation is honored at
// connect time; live sessions are not retroactively torn down.
func (v *Verifier) Revoke(ctx context.Context, jti string) error {
	return authRedisSet(v.rd, ctx, "revoked:jti:"+jti, "1", 30*24*time.Hour)
}

// wrapper functions to allow substitution in tests without changing production behavior
var (
	authRedisExists = func(rd *redis.Client, ctx context.Context, key string) (int64, error) {
		if rd != nil {
			return rd.Exists(ctx, key).Result()
		}
		return 0, nil
	}
	authRedisSet = func(rd *redis.Client, ctx context.Context, key, value string, ttl time.Duration) error {
		if rd != nil {
			return rd.Set(ctx, key, value, ttl).Err()
		}
		return nil
	}
)
