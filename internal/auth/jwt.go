package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/austindbirch/parcelhook/internal/faults"
)

type contextKey string

const CallerKey contextKey = "caller"

// Claims carried by the queue's service-identity token
type Claims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// TokenValidator checks RS256 bearer tokens against one public key
type TokenValidator struct {
	publicKey *rsa.PublicKey
	issuer    string
	audience  string
}

// NewTokenValidator parses a PEM public key (PKCS1 or PKIX)
func NewTokenValidator(publicKeyPEM, issuer, audience string) (*TokenValidator, error) {
	block, _ := pem.Decode([]byte(publicKeyPEM))
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}

	publicKey, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse public key: %v", err)
		}

		var ok bool
		publicKey, ok = key.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("public key is not RSA")
		}
	}

	return &TokenValidator{
		publicKey: publicKey,
		issuer:    issuer,
		audience:  audience,
	}, nil
}

// Validate returns the token's caller: the email claim, else the subject
func (v *TokenValidator) Validate(tokenString string) (string, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}), jwt.WithExpirationRequired()}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	var claims Claims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(*jwt.Token) (any, error) {
		return v.publicKey, nil
	}, opts...)
	if err != nil {
		return "", faults.New(faults.Auth, "auth.token", err)
	}
	if !token.Valid {
		return "", faults.Newf(faults.Auth, "auth.token", "invalid token")
	}

	if claims.Email != "" {
		return claims.Email, nil
	}
	return claims.Subject, nil
}

// Middleware rejects requests without a valid bearer token, except the
// health and metrics endpoints.
func (v *TokenValidator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Missing Authorization header", http.StatusUnauthorized)
			return
		}

		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenString == authHeader {
			http.Error(w, "Invalid Authorization header format", http.StatusUnauthorized)
			return
		}

		caller, err := v.Validate(tokenString)
		if err != nil {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), CallerKey, caller)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// CallerFromContext returns the identity the middleware accepted
func CallerFromContext(ctx context.Context) (string, bool) {
	caller, ok := ctx.Value(CallerKey).(string)
	return caller, ok
}

// Signer mints short-lived RS256 tokens the way the managed queue does
// for its OIDC service account.
type Signer struct {
	key     *rsa.PrivateKey
	keyID   string
	issuer  string
	subject string
	ttl     time.Duration
	now     func() time.Time
}

func NewSigner(privateKeyPEM, issuer, subject string, ttl time.Duration) (*Signer, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(privateKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %v", err)
	}
	if ttl == 0 {
		ttl = time.Hour
	}
	return &Signer{
		key:     key,
		keyID:   "parcelhook-relay-1",
		issuer:  issuer,
		subject: subject,
		ttl:     ttl,
		now:     time.Now,
	}, nil
}

// Sign returns a token whose audience is the push target
func (s *Signer) Sign(audience string) (string, error) {
	now := s.now()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, Claims{
		Email: s.subject,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   s.subject,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	})
	token.Header["kid"] = s.keyID
	return token.SignedString(s.key)
}

// GenerateKeyPair returns a new RSA key pair as PKCS1 private and PKIX public PEM
func GenerateKeyPair(bits int) (privatePEM, publicPEM []byte, err error) {
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, nil, err
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, nil, err
	}
	privatePEM = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	publicPEM = pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	return privatePEM, publicPEM, nil
}
