package server

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/pointcare/clinicsync/internal/clinic/schema"
)

// Account is a provider allowed to sync with the instance.
type Account struct {
	Email    string `mapstructure:"email" yaml:"email" toml:"email"`
	Password string `mapstructure:"password" yaml:"password" toml:"password"`
	Name     string `mapstructure:"name" yaml:"name" toml:"name"`
	Role     string `mapstructure:"role" yaml:"role" toml:"role"`
	Phone    string `mapstructure:"phone" yaml:"phone,omitempty" toml:"phone,omitempty"`
}

// accountNamespace derives stable user ids from account emails, so a
// restarted instance hands out the same ids.
var accountNamespace = uuid.MustParse("7d0f3b0e-6a3c-4d55-9a43-1f6c2b9e8a10")

type account struct {
	user schema.User
	hash []byte
}

// Claims are the claims of a session token.
type Claims struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

var errBadCredentials = errors.New("invalid email or password")

func newAccount(a Account, instanceURL string) (*account, error) {
	email := strings.ToLower(strings.TrimSpace(a.Email))
	if email == "" || a.Password == "" {
		return nil, fmt.Errorf("account %q needs an email and a password", a.Email)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(a.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password of %s: %w", email, err)
	}
	role := a.Role
	if role == "" {
		role = schema.RoleProvider
	}
	name := a.Name
	if name == "" {
		name = email
	}
	return &account{
		user: schema.User{
			ID: uuid.NewSHA1(accountNamespace, []byte("user:"+email)).String(),
			Name: schema.LanguageString{
				ID:      uuid.NewSHA1(accountNamespace, []byte("name:"+email)).String(),
				Content: map[string]string{schema.LanguageEnglish: name},
			},
			Role:        role,
			Email:       email,
			Phone:       a.Phone,
			InstanceURL: instanceURL,
		},
		hash: hash,
	}, nil
}

func (a *account) check(password string) error {
	if err := bcrypt.CompareHashAndPassword(a.hash, []byte(password)); err != nil {
		return errBadCredentials
	}
	return nil
}

func (s *Server) issueToken(u schema.User) (string, time.Time, error) {
	now := s.now()
	expires := now.Add(s.cfg.TokenTTL)
	claims := &Claims{
		UserID: u.ID,
		Role:   u.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expires),
			IssuedAt:  jwt.NewNumericDate(now),
			Subject:   u.ID,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, expires, nil
}

func (s *Server) validateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}
