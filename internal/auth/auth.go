// Package auth registers and authenticates users against the document
// store. Sessions are stateless JWTs; logout only clears the local
// current-session indicator.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"matjarpos/internal/docstore"
	"matjarpos/internal/domain"
)

var (
	// ErrInvalidCredentials is returned for unknown username, inactive
	// account and password mismatch alike, so a caller cannot tell which
	// case occurred.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrDuplicateUsername is a best-effort check: two offline registers
	// can still create the same username before syncing. See DESIGN.md for
	// the post-sync resolution policy.
	ErrDuplicateUsername = errors.New("username already exists")
)

type Session struct {
	User      domain.UserView `json:"user"`
	Token     string          `json:"token"`
	ExpiresAt time.Time       `json:"expiresAt"`
}

type Service struct {
	users    *docstore.Collection
	secret   []byte
	tokenTTL time.Duration

	mu      sync.RWMutex
	current *domain.UserView
}

type claims struct {
	jwtlib.RegisteredClaims
	Username string `json:"username"`
	Role     string `json:"role"`
}

func New(users *docstore.Collection, secret string, tokenTTL time.Duration) *Service {
	if secret == "" {
		secret = "dev-change-me"
	}
	if tokenTTL <= 0 {
		tokenTTL = 8 * time.Hour
	}
	return &Service{users: users, secret: []byte(secret), tokenTTL: tokenTTL}
}

// Register creates a user with the role's default permission set, storing
// only the bcrypt hash of the password.
func (s *Service) Register(ctx context.Context, username, password, name, role string) (domain.UserView, error) {
	username = strings.ToLower(strings.TrimSpace(username))
	if len(username) < 4 || strings.ContainsAny(username, " \t\r\n") {
		return domain.UserView{}, fmt.Errorf("%w: username must be at least 4 characters without spaces", docstore.ErrValidation)
	}
	if len(password) < 6 {
		return domain.UserView{}, fmt.Errorf("%w: password must be at least 6 characters", docstore.ErrValidation)
	}
	if role == "" {
		role = domain.RoleCashier
	}
	if !domain.ValidRole(role) {
		return domain.UserView{}, fmt.Errorf("%w: unknown role %q", docstore.ErrValidation, role)
	}

	existing, err := s.findByUsername(ctx, username)
	if err != nil && !errors.Is(err, docstore.ErrNotFound) {
		return domain.UserView{}, err
	}
	if err == nil && existing.ID != "" {
		return domain.UserView{}, fmt.Errorf("%w: %s", ErrDuplicateUsername, username)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return domain.UserView{}, fmt.Errorf("hash password: %w", err)
	}

	user := domain.User{
		Username:     username,
		PasswordHash: string(hash),
		Name:         name,
		Role:         role,
		Permissions:  domain.DefaultPermissions(role),
		Active:       true,
	}
	fields, err := domain.Fields(user)
	if err != nil {
		return domain.UserView{}, err
	}
	doc, err := s.users.Put(ctx, docstore.Document{Data: fields})
	if err != nil {
		return domain.UserView{}, err
	}
	user.ID = doc.ID
	return view(user), nil
}

// Login authenticates and returns a session with a signed token and a user
// view stripped of the password hash. All failure modes surface the same
// ErrInvalidCredentials.
func (s *Service) Login(ctx context.Context, username, password string) (Session, error) {
	username = strings.ToLower(strings.TrimSpace(username))
	user, err := s.findByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return Session{}, ErrInvalidCredentials
		}
		return Session{}, err
	}
	if !user.Active {
		return Session{}, ErrInvalidCredentials
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return Session{}, ErrInvalidCredentials
	}

	now := time.Now().UTC()
	s.recordLastLogin(ctx, user.ID, now)
	user.LastLogin = &now

	expiresAt := now.Add(s.tokenTTL)
	token, err := s.sign(user, expiresAt)
	if err != nil {
		return Session{}, err
	}

	v := view(user)
	s.mu.Lock()
	s.current = &v
	s.mu.Unlock()

	return Session{User: v, Token: token, ExpiresAt: expiresAt}, nil
}

// Logout clears the current-session indicator. Tokens are not server
// tracked, so there is nothing to invalidate remotely.
func (s *Service) Logout() {
	s.mu.Lock()
	s.current = nil
	s.mu.Unlock()
}

func (s *Service) Current() (domain.UserView, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return domain.UserView{}, false
	}
	return *s.current, true
}

// HasPermission reports whether the user holds the wildcard or the literal
// permission string.
func HasPermission(user domain.UserView, permission string) bool {
	for _, p := range user.Permissions {
		if p == domain.PermissionAll || p == permission {
			return true
		}
	}
	return false
}

func (s *Service) ParseToken(tokenStr string) (domain.Actor, error) {
	parsed := &claims{}
	token, err := jwtlib.ParseWithClaims(tokenStr, parsed, func(t *jwtlib.Token) (any, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.secret, nil
	}, jwtlib.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		return domain.Actor{}, errors.New("invalid or expired token")
	}
	sub, err := parsed.GetSubject()
	if err != nil || sub == "" {
		return domain.Actor{}, errors.New("invalid token subject")
	}
	return domain.Actor{UserID: sub, Username: parsed.Username, Role: parsed.Role}, nil
}

func (s *Service) sign(user domain.User, expiresAt time.Time) (string, error) {
	c := claims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   user.ID,
			IssuedAt:  jwtlib.NewNumericDate(time.Now().UTC()),
			ExpiresAt: jwtlib.NewNumericDate(expiresAt),
			Issuer:    "matjarpos",
		},
		Username: user.Username,
		Role:     user.Role,
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, c)
	return token.SignedString(s.secret)
}

func (s *Service) findByUsername(ctx context.Context, username string) (domain.User, error) {
	docs, err := s.users.Query(ctx, docstore.Selector{
		Equals: map[string]any{"username": username},
		Limit:  1,
	})
	if err != nil {
		return domain.User{}, err
	}
	if len(docs) == 0 {
		return domain.User{}, fmt.Errorf("%w: user %s", docstore.ErrNotFound, username)
	}

	var user domain.User
	if err := domain.Decode(docs[0].Data, &user); err != nil {
		return domain.User{}, err
	}
	user.ID, user.Rev = docs[0].ID, docs[0].Rev
	return user, nil
}

// recordLastLogin is best effort; a concurrent edit or replication race
// must not block a successful login.
func (s *Service) recordLastLogin(ctx context.Context, userID string, at time.Time) {
	doc, err := s.users.Get(ctx, userID)
	if err != nil {
		log.Printf("[auth] WARN: last-login read failed for %s: %v", userID, err)
		return
	}
	if _, err := s.users.Update(ctx, userID, doc.Rev, map[string]any{"lastLogin": at.Format(time.RFC3339)}); err != nil {
		log.Printf("[auth] WARN: last-login write failed for %s: %v", userID, err)
	}
}

func view(user domain.User) domain.UserView {
	return domain.UserView{
		ID:          user.ID,
		Username:    user.Username,
		Name:        user.Name,
		Role:        user.Role,
		Permissions: user.Permissions,
		LastLogin:   user.LastLogin,
	}
}
