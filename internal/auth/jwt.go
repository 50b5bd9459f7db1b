package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/golang-jwt/jwt/v5"
)

// JWTProvider validates bearer tokens against a JWK set.
type JWTProvider struct {
	id   string
	keys []jwk
}

type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
	K   string `json:"k"`

	rsaKey *rsa.PublicKey
	secret []byte
}

// NewJWTProvider parses JWKS JSON content. RSA (RS256 family) and symmetric
// (HS256 family) keys are supported.
func NewJWTProvider(id string, jwksJSON []byte) (*JWTProvider, error) {
	var set struct {
		Keys []jwk `json:"keys"`
	}
	if err := json.Unmarshal(jwksJSON, &set); err != nil {
		return nil, fmt.Errorf("jwks %s: %w", id, err)
	}
	if len(set.Keys) == 0 {
		return nil, fmt.Errorf("jwks %s: no keys", id)
	}
	keys := make([]jwk, 0, len(set.Keys))
	for _, k := range set.Keys {
		switch k.Kty {
		case "RSA":
			pub, err := rsaKeyFromJWK(k)
			if err != nil {
				return nil, fmt.Errorf("jwks %s: key %q: %w", id, k.Kid, err)
			}
			k.rsaKey = pub
		case "oct":
			secret, err := base64.RawURLEncoding.DecodeString(k.K)
			if err != nil {
				return nil, fmt.Errorf("jwks %s: key %q: %w", id, k.Kid, err)
			}
			k.secret = secret
		default:
			return nil, fmt.Errorf("jwks %s: unsupported key type %q", id, k.Kty)
		}
		keys = append(keys, k)
	}
	return &JWTProvider{id: id, keys: keys}, nil
}

func rsaKeyFromJWK(k jwk) (*rsa.PublicKey, error) {
	n, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, err
	}
	e, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, err
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(n),
		E: int(new(big.Int).SetBytes(e).Int64()),
	}, nil
}

func (p *JWTProvider) ID() string { return p.id }

func (p *JWTProvider) Validate(ctx context.Context, creds Credentials) (map[string]any, error) {
	if creds.Token == "" {
		return nil, errors.New("bearer token required")
	}
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(creds.Token, claims, p.keyFunc,
		jwt.WithValidMethods([]string{"RS256", "RS384", "RS512", "HS256", "HS384", "HS512"}))
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	return map[string]any(claims), nil
}

func (p *JWTProvider) keyFunc(token *jwt.Token) (any, error) {
	kid, _ := token.Header["kid"].(string)
	_, isHMAC := token.Method.(*jwt.SigningMethodHMAC)
	for _, k := range p.keys {
		if kid != "" && k.Kid != kid {
			continue
		}
		if isHMAC && k.secret != nil {
			return k.secret, nil
		}
		if !isHMAC && k.rsaKey != nil {
			return k.rsaKey, nil
		}
	}
	return nil, fmt.Errorf("no key matches kid %q", kid)
}
