package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/alejandro-garf/MyNetRunner-sub000/internal/db"
	"github.com/alejandro-garf/MyNetRunner-sub000/internal/models"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserNotFound       = errors.New("user not found")
	ErrUserExists         = errors.New("user already exists")
	ErrInvalidToken       = errors.New("invalid token")
	ErrInvalidUsername    = errors.New("username must be 3-32 letters, digits or underscores")
	ErrWeakPassword       = errors.New("password must be at least 8 characters")
)

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_]{3,32}$`)

const minPasswordLength = 8

// Service owns accounts and bearer sessions. Only a SHA-256 of each token
// is stored.
type Service struct {
	db         *sql.DB
	dialect    db.Dialect
	sessionTTL time.Duration
	cost       int
	now        func() time.Time
	log        *logrus.Entry
}

func NewService(database *db.DB, sessionTTL time.Duration) *Service {
	return &Service{
		db:         database.SQL,
		dialect:    database.Dialect,
		sessionTTL: sessionTTL,
		cost:       bcrypt.DefaultCost,
		now:        time.Now,
		log:        logrus.WithField("component", "auth"),
	}
}

// CreateUser creates a new user with password
func (s *Service) CreateUser(ctx context.Context, username, password string) (*models.User, error) {
	if !usernamePattern.MatchString(username) {
		return nil, ErrInvalidUsername
	}
	if len(password) < minPasswordLength {
		return nil, ErrWeakPassword
	}

	passwordHash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user := &models.User{
		ID:        uuid.New(),
		Username:  username,
		CreatedAt: time.UnixMilli(s.now().UnixMilli()),
	}

	_, err = s.db.ExecContext(ctx, s.dialect.Rebind(`
		INSERT INTO users (id, username, password_hash, created_at)
		VALUES (?, ?, ?, ?)
	`), user.ID, user.Username, string(passwordHash), user.CreatedAt.UnixMilli())
	if db.IsUniqueViolation(err) {
		return nil, ErrUserExists
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	s.log.WithField("user_id", user.ID).Infof("Created user %s", username)
	return user, nil
}

// AuthenticateUser verifies username/password and returns user
func (s *Service) AuthenticateUser(ctx context.Context, username, password string) (*models.User, error) {
	var (
		user         models.User
		passwordHash string
		createdAt    int64
	)

	err := s.db.QueryRowContext(ctx, s.dialect.Rebind(`
		SELECT id, username, password_hash, created_at
		FROM users
		WHERE username = ?
	`), username).Scan(&user.ID, &user.Username, &passwordHash, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query user: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(passwordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	user.CreatedAt = time.UnixMilli(createdAt)
	return &user, nil
}

// GetUserByID returns the public view of an account.
func (s *Service) GetUserByID(ctx context.Context, userID uuid.UUID) (*models.User, error) {
	var (
		user      models.User
		createdAt int64
	)

	err := s.db.QueryRowContext(ctx, s.dialect.Rebind(`
		SELECT id, username, created_at FROM users WHERE id = ?
	`), userID).Scan(&user.ID, &user.Username, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	user.CreatedAt = time.UnixMilli(createdAt)
	return &user, nil
}

// UsernameToID resolves a username to its account id.
func (s *Service) UsernameToID(ctx context.Context, username string) (uuid.UUID, error) {
	var id uuid.UUID
	err := s.db.QueryRowContext(ctx, s.dialect.Rebind(`
		SELECT id FROM users WHERE username = ?
	`), username).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return uuid.Nil, ErrUserNotFound
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to look up username: %w", err)
	}
	return id, nil
}

func (s *Service) UserExists(ctx context.Context, userID uuid.UUID) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, s.dialect.Rebind(`
		SELECT EXISTS(SELECT 1 FROM users WHERE id = ?)
	`), userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check user: %w", err)
	}
	return exists, nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// GenerateSessionToken issues a random bearer token valid for the session TTL.
func (s *Service) GenerateSessionToken(ctx context.Context, userID uuid.UUID) (string, error) {
	tokenBytes := make([]byte, 32)
	if _, err := rand.Read(tokenBytes); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(tokenBytes)

	now := s.now()
	_, err := s.db.ExecContext(ctx, s.dialect.Rebind(`
		INSERT INTO sessions (token_hash, user_id, created_at, expires_at)
		VALUES (?, ?, ?, ?)
	`), hashToken(token), userID, now.UnixMilli(), now.Add(s.sessionTTL).UnixMilli())
	if err != nil {
		return "", fmt.Errorf("failed to store session: %w", err)
	}
	return token, nil
}

// ValidateSessionToken validates a session token and returns the user ID
func (s *Service) ValidateSessionToken(ctx context.Context, token string) (uuid.UUID, error) {
	if token == "" {
		return uuid.Nil, ErrInvalidToken
	}

	var userID uuid.UUID
	err := s.db.QueryRowContext(ctx, s.dialect.Rebind(`
		SELECT user_id FROM sessions WHERE token_hash = ? AND expires_at > ?
	`), hashToken(token), s.now().UnixMilli()).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return uuid.Nil, ErrInvalidToken
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to validate session: %w", err)
	}
	return userID, nil
}

// Register creates the account and opens a first session.
func (s *Service) Register(ctx context.Context, username, password string) (*models.AuthResponse, error) {
	user, err := s.CreateUser(ctx, username, password)
	if err != nil {
		return nil, err
	}
	token, err := s.GenerateSessionToken(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	return &models.AuthResponse{User: user, Token: token}, nil
}

func (s *Service) Login(ctx context.Context, username, password string) (*models.AuthResponse, error) {
	user, err := s.AuthenticateUser(ctx, username, password)
	if err != nil {
		return nil, err
	}
	token, err := s.GenerateSessionToken(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	return &models.AuthResponse{User: user, Token: token}, nil
}

// Logout revokes token and returns the user it belonged to.
func (s *Service) Logout(ctx context.Context, token string) (uuid.UUID, error) {
	var userID uuid.UUID
	err := s.db.QueryRowContext(ctx, s.dialect.Rebind(`
		DELETE FROM sessions WHERE token_hash = ? RETURNING user_id
	`), hashToken(token)).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return uuid.Nil, ErrInvalidToken
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to revoke session: %w", err)
	}

	s.log.WithField("user_id", userID).Info("Session revoked")
	return userID, nil
}

// PurgeExpiredSessions deletes sessions that expired before now.
func (s *Service) PurgeExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.dialect.Rebind(`
		DELETE FROM sessions WHERE expires_at <= ?
	`), now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to purge sessions: %w", err)
	}
	return res.RowsAffected()
}
