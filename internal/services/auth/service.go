package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/maypok86/otter"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/text/unicode/norm"

	"github.com/pixelfort/vmhub/internal/database"
	"github.com/pixelfort/vmhub/internal/models"
)

const (
	// tokenValidity bounds opaque session tokens; the cleanup sweep deletes
	// rows past it, validation rejects them before the sweep gets there.
	tokenValidity = 30 * 24 * time.Hour

	cacheTTL  = 5 * time.Minute
	cacheSize = 16384
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid token")
	ErrUsernameTaken      = errors.New("username taken")
)

// Store is the slice of the database the auth service reads and writes.
type Store interface {
	CreateAccount(ctx context.Context, username, passwordHash string) (*models.Account, error)
	GetAccountByUsername(ctx context.Context, username string) (*models.Account, error)
	InsertToken(ctx context.Context, token string, userID int64) error
	GetToken(ctx context.Context, token string) (*database.Session, error)
	DeleteToken(ctx context.Context, token string) error
}

// LoginRecorder batches the non-critical last_login touch.
type LoginRecorder interface {
	Enqueue(sql string, args ...any)
}

type session struct {
	userID    int64
	createdAt time.Time
}

type Config struct {
	AdminUsername string
	AdminPassword string
	JWTSecret     string
	JWTExpiry     time.Duration
}

// Service owns player accounts and both session kinds: opaque DB-backed
// tokens for players (cache-fronted) and short-lived JWTs for the admin
// dashboard.
type Service struct {
	store    Store
	recorder LoginRecorder
	logger   *zap.Logger
	cache    otter.Cache[string, session]

	adminUsername string
	adminPassword string
	jwtSecret     []byte
	jwtExpiry     time.Duration

	now func() time.Time
}

func NewService(store Store, recorder LoginRecorder, cfg Config, logger *zap.Logger) *Service {
	cache, err := otter.MustBuilder[string, session](cacheSize).
		Cost(func(_ string, _ session) uint32 { return 1 }).
		WithTTL(cacheTTL).
		Build()
	if err != nil {
		panic("auth: failed to create token cache: " + err.Error())
	}

	return &Service{
		store:         store,
		recorder:      recorder,
		logger:        logger,
		cache:         cache,
		adminUsername: cfg.AdminUsername,
		adminPassword: cfg.AdminPassword,
		jwtSecret:     []byte(cfg.JWTSecret),
		jwtExpiry:     cfg.JWTExpiry,
		now:           time.Now,
	}
}

func (s *Service) Close() {
	s.cache.Close()
}

// NormalizeUsername trims and NFC-normalizes so visually identical names
// cannot register as distinct accounts.
func NormalizeUsername(username string) string {
	return norm.NFC.String(strings.TrimSpace(username))
}

// Register creates an account and an initial session token.
func (s *Service) Register(ctx context.Context, username, password string) (*models.Account, string, error) {
	username = NormalizeUsername(username)

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", fmt.Errorf("failed to hash password: %w", err)
	}

	account, err := s.store.CreateAccount(ctx, username, string(hash))
	if err != nil {
		if errors.Is(err, database.ErrDuplicate) {
			return nil, "", ErrUsernameTaken
		}
		return nil, "", err
	}

	token, err := s.issueToken(ctx, account.ID)
	if err != nil {
		return nil, "", err
	}

	s.logger.Info("account registered",
		zap.Int64("user_id", account.ID),
		zap.String("username", username))
	return account, token, nil
}

// Login verifies credentials and issues a fresh session token.
func (s *Service) Login(ctx context.Context, username, password string) (*models.Account, string, error) {
	username = NormalizeUsername(username)

	account, err := s.store.GetAccountByUsername(ctx, username)
	if err != nil {
		return nil, "", err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(password)); err != nil {
		return nil, "", ErrInvalidCredentials
	}

	token, err := s.issueToken(ctx, account.ID)
	if err != nil {
		return nil, "", err
	}

	if s.recorder != nil {
		s.recorder.Enqueue(database.TouchLastLoginSQL, account.ID)
	}
	return account, token, nil
}

// Logout deletes the token row and its cache entry.
func (s *Service) Logout(ctx context.Context, token string) error {
	s.cache.Delete(token)
	return s.store.DeleteToken(ctx, token)
}

// Validate resolves a bearer token to a user id, consulting the cache before
// the store. Expired tokens are rejected here; the cleanup sweep deletes
// their rows eventually.
func (s *Service) Validate(ctx context.Context, token string) (int64, error) {
	if token == "" {
		return 0, ErrInvalidToken
	}

	if cached, ok := s.cache.Get(token); ok {
		if s.now().Sub(cached.createdAt) > tokenValidity {
			s.cache.Delete(token)
			return 0, ErrInvalidToken
		}
		return cached.userID, nil
	}

	row, err := s.store.GetToken(ctx, token)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return 0, ErrInvalidToken
		}
		return 0, err
	}
	if s.now().Sub(row.CreatedAt) > tokenValidity {
		return 0, ErrInvalidToken
	}

	s.cache.Set(token, session{userID: row.UserID, createdAt: row.CreatedAt})
	return row.UserID, nil
}

func (s *Service) issueToken(ctx context.Context, userID int64) (string, error) {
	token, err := newToken()
	if err != nil {
		return "", err
	}
	if err := s.store.InsertToken(ctx, token, userID); err != nil {
		return "", err
	}
	s.cache.Set(token, session{userID: userID, createdAt: s.now()})
	return token, nil
}

func newToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

type AdminClaims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// AdminLogin checks the configured credential pair and issues a signed JWT
// for the dashboard.
func (s *Service) AdminLogin(username, password string) (string, error) {
	if username != s.adminUsername || password != s.adminPassword {
		return "", ErrInvalidCredentials
	}

	now := s.now()
	claims := &AdminClaims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(s.jwtExpiry)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("failed to sign admin token: %w", err)
	}
	return signed, nil
}

// ValidateAdminToken parses and verifies a dashboard JWT.
func (s *Service) ValidateAdminToken(tokenString string) (*AdminClaims, error) {
	claims := &AdminClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
