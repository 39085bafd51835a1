package auth

import (
	"crypto/subtle"
	"errors"
	"log/slog"
	"time"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

const (
	defaultTokenExpiry = 24 * time.Hour
	// RoleAdmin is the only operator role the coordinator ships with today.
	RoleAdmin = "admin"
)

// Operator is the single config-defined operator account. The coordinator
// has no user database; credentials come from configuration.
type Operator struct {
	Username     string
	PasswordHash string
	Role         string
}

// Service checks operator credentials and issues session tokens.
type Service struct {
	secret      string
	tokenExpiry time.Duration
	operator    Operator
}

func NewService(secret string, tokenExpiry time.Duration, operator Operator) *Service {
	if tokenExpiry <= 0 {
		tokenExpiry = defaultTokenExpiry
	}
	if operator.Role == "" {
		operator.Role = RoleAdmin
	}
	return &Service{
		secret:      secret,
		tokenExpiry: tokenExpiry,
		operator:    operator,
	}
}

// Login verifies the credentials and returns a signed session token. Both
// checks always run so a rejected username costs the same as a rejected
// password.
func (s *Service) Login(username, password string) (string, error) {
	usernameOK := subtle.ConstantTimeCompare([]byte(username), []byte(s.operator.Username)) == 1
	passwordOK := CheckPassword(password, s.operator.PasswordHash)
	if !usernameOK || !passwordOK {
		slog.Warn("Operator login rejected", "username", username)
		return "", ErrInvalidCredentials
	}

	token, err := GenerateToken(s.secret, s.operator.Username, s.operator.Username, s.operator.Role, s.tokenExpiry)
	if err != nil {
		return "", err
	}

	slog.Info("Operator logged in", "username", username)
	return token, nil
}

// Secret exposes the signing secret for the HTTP middleware.
func (s *Service) Secret() string {
	return s.secret
}
