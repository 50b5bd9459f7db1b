package auth

import (
	"context"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// BasicProvider validates basic-auth credentials against htpasswd content.
// Supported hash formats: bcrypt ($2a$/$2b$/$2y$), SHA1 ({SHA}), and plain
// text entries.
type BasicProvider struct {
	id    string
	users map[string]string
}

// NewBasicProvider parses htpasswd file content. Blank lines and lines
// starting with '#' are skipped.
func NewBasicProvider(id, htpasswd string) (*BasicProvider, error) {
	users := map[string]string{}
	for i, line := range strings.Split(htpasswd, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		user, hash, ok := strings.Cut(line, ":")
		if !ok || user == "" {
			return nil, fmt.Errorf("htpasswd %s: malformed entry on line %d", id, i+1)
		}
		users[user] = hash
	}
	if len(users) == 0 {
		return nil, fmt.Errorf("htpasswd %s: no entries", id)
	}
	return &BasicProvider{id: id, users: users}, nil
}

func (p *BasicProvider) ID() string { return p.id }

func (p *BasicProvider) Validate(ctx context.Context, creds Credentials) (map[string]any, error) {
	if creds.Username == "" {
		return nil, errors.New("basic credentials required")
	}
	hash, ok := p.users[creds.Username]
	if !ok {
		return nil, errors.New("unknown user")
	}
	if err := verifyPassword(hash, creds.Password); err != nil {
		return nil, err
	}
	return map[string]any{"sub": creds.Username}, nil
}

func verifyPassword(hash, password string) error {
	switch {
	case strings.HasPrefix(hash, "$2a$"), strings.HasPrefix(hash, "$2b$"), strings.HasPrefix(hash, "$2y$"):
		if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
			return errors.New("invalid password")
		}
	case strings.HasPrefix(hash, "{SHA}"):
		sum := sha1.Sum([]byte(password))
		want := hash[len("{SHA}"):]
		got := base64.StdEncoding.EncodeToString(sum[:])
		if subtle.ConstantTimeCompare([]byte(want), []byte(got)) != 1 {
			return errors.New("invalid password")
		}
	default:
		if subtle.ConstantTimeCompare([]byte(hash), []byte(password)) != 1 {
			return errors.New("invalid password")
		}
	}
	return nil
}
