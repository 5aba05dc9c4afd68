package auth

import (
	"crypto"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/nerrad567/udmi-device/internal/keystore"
)

// JWT defaults.
const (
	DefaultTokenLifetime = 60 * time.Minute
	DefaultRefreshBuffer = 5 * time.Minute

	// jwtUsername is ignored by brokers that authenticate on the token.
	jwtUsername = "unused"
)

// Signer turns a claims set into a compact JWT.
type Signer interface {
	Sign(claims jwt.Claims) (string, error)
	Algorithm() string
}

// KeySigner signs with a private key using RS256 or ES256.
type KeySigner struct {
	method jwt.SigningMethod
	key    crypto.Signer
}

// NewKeySigner parses a PEM private key for alg ("RS256" or "ES256").
func NewKeySigner(pemKey []byte, alg string) (*KeySigner, error) {
	key, err := keystore.ParsePrivateKey(pemKey)
	if err != nil {
		return nil, err
	}
	var method jwt.SigningMethod
	switch alg {
	case keystore.RS256:
		method = jwt.SigningMethodRS256
	case keystore.ES256:
		method = jwt.SigningMethodES256
	default:
		return nil, fmt.Errorf("%w: %q", keystore.ErrUnsupportedAlgorithm, alg)
	}
	return &KeySigner{method: method, key: key}, nil
}

// Sign signs claims with the private key.
func (s *KeySigner) Sign(claims jwt.Claims) (string, error) {
	return jwt.NewWithClaims(s.method, claims).SignedString(s.key)
}

// Algorithm returns the JWT alg header value.
func (s *KeySigner) Algorithm() string {
	return s.method.Alg()
}

// Public returns the public half of the signing key.
func (s *KeySigner) Public() crypto.PublicKey {
	return s.key.Public()
}

// JWTAuthProvider presents a cached, self-signed JWT as the password.
type JWTAuthProvider struct {
	signer        Signer
	audience      string
	lifetime      time.Duration
	refreshBuffer time.Duration
	now           func() time.Time
	logger        Logger
	onRefresh     func(err error)

	mu     sync.Mutex
	token  string
	expiry time.Time
}

// JWTOption configures a JWTAuthProvider.
type JWTOption func(*JWTAuthProvider)

// WithLifetime sets the token lifetime.
func WithLifetime(d time.Duration) JWTOption {
	return func(p *JWTAuthProvider) { p.lifetime = d }
}

// WithRefreshBuffer sets how long before expiry the token is regenerated.
func WithRefreshBuffer(d time.Duration) JWTOption {
	return func(p *JWTAuthProvider) { p.refreshBuffer = d }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) JWTOption {
	return func(p *JWTAuthProvider) { p.now = now }
}

// WithLogger sets the logger.
func WithLogger(l Logger) JWTOption {
	return func(p *JWTAuthProvider) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithRefreshHook is called after every regeneration attempt.
func WithRefreshHook(fn func(err error)) JWTOption {
	return func(p *JWTAuthProvider) { p.onRefresh = fn }
}

// NewJWTAuthProvider returns a provider signing {iat, exp, aud} claims.
func NewJWTAuthProvider(signer Signer, audience string, opts ...JWTOption) *JWTAuthProvider {
	p := &JWTAuthProvider{
		signer:        signer,
		audience:      audience,
		lifetime:      DefaultTokenLifetime,
		refreshBuffer: DefaultRefreshBuffer,
		now:           time.Now,
		logger:        noopLogger{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Username returns a placeholder; the broker authenticates on the token.
func (p *JWTAuthProvider) Username() string { return jwtUsername }

// SkipAuth is always false.
func (p *JWTAuthProvider) SkipAuth() bool { return false }

// NeedsRefresh reports whether the cached token is absent or inside the
// refresh buffer.
func (p *JWTAuthProvider) NeedsRefresh() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stale()
}

func (p *JWTAuthProvider) stale() bool {
	return p.token == "" || !p.now().Before(p.expiry.Add(-p.refreshBuffer))
}

// Password returns the cached token, regenerating it when stale. Signing
// errors are logged and returned; nothing is retried here.
func (p *JWTAuthProvider) Password() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stale() {
		if err := p.regenerate(); err != nil {
			return "", err
		}
	}
	return p.token, nil
}

// Refresh regenerates the token unconditionally.
func (p *JWTAuthProvider) Refresh() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.regenerate()
}

// Expiry returns the expiry of the cached token.
func (p *JWTAuthProvider) Expiry() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.expiry
}

func (p *JWTAuthProvider) regenerate() error {
	now := p.now()
	exp := now.Add(p.lifetime)
	claims := jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
		Audience:  jwt.ClaimStrings{p.audience},
	}

	token, err := p.signer.Sign(claims)
	if p.onRefresh != nil {
		p.onRefresh(err)
	}
	if err != nil {
		p.logger.Error("jwt signing failed", "audience", p.audience, "alg", p.signer.Algorithm(), "error", err)
		return fmt.Errorf("%w: %w", ErrSigningFailed, err)
	}

	p.token = token
	p.expiry = exp
	p.logger.Info("jwt refreshed", "audience", p.audience, "expires", exp)
	return nil
}
