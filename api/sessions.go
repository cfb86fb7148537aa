package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"github.com/thejerf/abtime"
	"golang.org/x/crypto/bcrypt"
)

type userStore interface {
	getUserByName(ctx context.Context, name string) (*user, error)
	getUserByID(ctx context.Context, id int) (*user, error)
	userExists(ctx context.Context, name, email string) (bool, error)
	insertUser(ctx context.Context, u *user) error
}

type sessionStore interface {
	save(ctx context.Context, sess *session, ttl time.Duration) error
	get(ctx context.Context, id string) (*session, error)
	delete(ctx context.Context, id string) error
}

type sessionSettings struct {
	Secret   []byte
	TTL      time.Duration
	HashCost int
	abtime.AbstractTime
}

// sessionManager owns the identity lifecycle: registration, credential
// checks and the server side sessions bound to them.
type sessionManager struct {
	users    userStore
	sessions sessionStore
	logger   *slog.Logger
	metrics  *metrics
	*sessionSettings

	// dummyHash is compared against when the user name is unknown so both
	// failure paths cost one bcrypt comparison.
	dummyHash   []byte
	compareHash func(hash, password []byte) error
}

func newSessionManager(users userStore, sessions sessionStore, logger *slog.Logger, m *metrics, settings *sessionSettings) (*sessionManager, error) {
	if len(settings.Secret) == 0 {
		return nil, errors.New("session secret must be set")
	}
	if settings.TTL == 0 {
		settings.TTL = 24 * time.Hour
	}
	if settings.HashCost == 0 {
		settings.HashCost = bcrypt.DefaultCost
	}
	if settings.AbstractTime == nil {
		settings.AbstractTime = abtime.NewRealTime()
	}

	// The dummy hash is only as slow as HashCost. Stored hashes keep the cost
	// they were created with, so changing the cost reopens a timing gap for
	// older accounts until they are re-hashed.
	dummyHash, err := bcrypt.GenerateFromPassword([]byte(uuid.NewString()), settings.HashCost)
	if err != nil {
		return nil, fmt.Errorf("dummy hash: %w", err)
	}

	return &sessionManager{
		users:           users,
		sessions:        sessions,
		logger:          logger,
		metrics:         m,
		sessionSettings: settings,
		dummyHash:       dummyHash,
		compareHash:     bcrypt.CompareHashAndPassword,
	}, nil
}

// register creates a user with the default role. It does not log the user
// in.
func (sm *sessionManager) register(ctx context.Context, name, email, password, confirm string) (*user, error) {
	v := newValidator()
	v.checkName(name)
	v.checkEmail(email)
	v.checkPassword(password)
	v.checkConfirm(password, confirm)
	if err := v.toError(); err != nil {
		sm.metrics.registrations.WithLabelValues("invalid").Inc()
		return nil, err
	}

	u, err := sm.createUser(ctx, name, email, password, roleUser)
	if err != nil {
		if errors.Is(err, errConflict) {
			sm.metrics.registrations.WithLabelValues("conflict").Inc()
		}
		return nil, err
	}
	sm.metrics.registrations.WithLabelValues("ok").Inc()
	return u, nil
}

// createUser stores a new account with any role. register goes through it,
// and so does the admin seeding at startup.
func (sm *sessionManager) createUser(ctx context.Context, name, email, password string, r role) (*user, error) {
	exists, err := sm.users.userExists(ctx, name, email)
	if err != nil {
		return nil, fmt.Errorf("check user: %w", err)
	}
	if exists {
		return nil, errConflict
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), sm.HashCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	u := &user{
		Name:         name,
		Email:        email,
		PasswordHash: hash,
		Role:         r,
	}
	if err := sm.users.insertUser(ctx, u); err != nil {
		if errors.Is(err, errConflict) {
			return nil, errConflict
		}
		return nil, fmt.Errorf("insert user: %w", err)
	}

	sm.logger.Info("user created", slog.Int("user_id", u.ID), slog.String("role", string(u.Role)))
	return u, nil
}

// authenticate checks name and password. An unknown name and a wrong
// password both yield errAuthentication after one hash comparison.
func (sm *sessionManager) authenticate(ctx context.Context, name, password string) (*identity, error) {
	u, err := sm.users.getUserByName(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("lookup user: %w", err)
	}

	hash := sm.dummyHash
	if u != nil {
		hash = u.PasswordHash
	}
	cmpErr := sm.compareHash(hash, []byte(password))

	if u == nil || cmpErr != nil {
		sm.metrics.authAttempts.WithLabelValues("failure").Inc()
		sm.logger.Warn("login failed", slog.String("name", name))
		return nil, errAuthentication
	}

	sm.metrics.authAttempts.WithLabelValues("success").Inc()
	return u.identity(), nil
}

// login authenticates and binds a fresh session to the identity.
func (sm *sessionManager) login(ctx context.Context, name, password string) (*identity, string, time.Time, error) {
	id, err := sm.authenticate(ctx, name, password)
	if err != nil {
		return nil, "", time.Time{}, err
	}
	token, expiresAt, err := sm.startSession(ctx, id)
	if err != nil {
		return nil, "", time.Time{}, err
	}
	sm.logger.Info("user logged in", slog.Int("user_id", id.ID), slog.String("role", string(id.Role)))
	return id, token, expiresAt, nil
}

func (sm *sessionManager) startSession(ctx context.Context, id *identity) (string, time.Time, error) {
	now := sm.Now()
	sess := &session{
		ID:        uuid.NewString(),
		UserID:    id.ID,
		CreatedAt: now,
		ExpiresAt: now.Add(sm.TTL),
	}
	if err := sm.sessions.save(ctx, sess, sm.TTL); err != nil {
		return "", time.Time{}, err
	}

	claims := jwt.RegisteredClaims{
		ID:        sess.ID,
		Subject:   strconv.Itoa(id.ID),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(sess.ExpiresAt),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(sm.Secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign session token: %w", err)
	}
	return token, sess.ExpiresAt, nil
}

// logout destroys the session named by token. A missing, malformed or
// already destroyed session is not an error.
func (sm *sessionManager) logout(ctx context.Context, token string) error {
	claims, err := sm.parseToken(token)
	if err != nil {
		return nil
	}
	if err := sm.sessions.delete(ctx, claims.ID); err != nil {
		return err
	}
	sm.logger.Info("user logged out", slog.String("user_id", claims.Subject))
	return nil
}

// currentIdentity resolves token to the identity it was issued for. It
// returns nil, nil for anything that is not a live session of an existing
// user.
func (sm *sessionManager) currentIdentity(ctx context.Context, token string) (*identity, error) {
	claims, err := sm.parseToken(token)
	if err != nil {
		return nil, nil
	}
	now := sm.Now()
	if !claims.VerifyExpiresAt(now, true) {
		return nil, nil
	}

	sess, err := sm.sessions.get(ctx, claims.ID)
	if err != nil {
		return nil, err
	}
	if sess == nil || !now.Before(sess.ExpiresAt) || strconv.Itoa(sess.UserID) != claims.Subject {
		return nil, nil
	}

	u, err := sm.users.getUserByID(ctx, sess.UserID)
	if err != nil {
		return nil, fmt.Errorf("lookup user: %w", err)
	}
	if u == nil {
		return nil, nil
	}
	return u.identity(), nil
}

// parseToken checks the signature only. Expiry is checked against the
// manager's clock by the caller.
func (sm *sessionManager) parseToken(token string) (*jwt.RegisteredClaims, error) {
	if token == "" {
		return nil, errNotAuthenticated
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	claims := &jwt.RegisteredClaims{}
	_, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return sm.Secret, nil
	})
	if err != nil {
		return nil, err
	}
	if claims.ID == "" {
		return nil, errors.New("session token without id")
	}
	return claims, nil
}
