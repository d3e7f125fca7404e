package auth

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pixelfort/vmhub/internal/database"
	"github.com/pixelfort/vmhub/internal/models"
)

type fakeStore struct {
	mu       sync.Mutex
	nextID   int64
	accounts map[string]*models.Account
	tokens   map[string]*database.Session
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		accounts: make(map[string]*models.Account),
		tokens:   make(map[string]*database.Session),
	}
}

func (f *fakeStore) CreateAccount(_ context.Context, username, passwordHash string) (*models.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.accounts[username]; exists {
		return nil, database.ErrDuplicate
	}
	f.nextID++
	account := &models.Account{
		ID:           f.nextID,
		Username:     username,
		PasswordHash: passwordHash,
		CreatedAt:    time.Now(),
	}
	f.accounts[username] = account
	return account, nil
}

func (f *fakeStore) GetAccountByUsername(_ context.Context, username string) (*models.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	account, ok := f.accounts[username]
	if !ok {
		return nil, database.ErrNotFound
	}
	copied := *account
	return &copied, nil
}

func (f *fakeStore) InsertToken(_ context.Context, token string, userID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens[token] = &database.Session{Token: token, UserID: userID, CreatedAt: time.Now()}
	return nil
}

func (f *fakeStore) GetToken(_ context.Context, token string) (*database.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.tokens[token]
	if !ok {
		return nil, database.ErrNotFound
	}
	copied := *s
	return &copied, nil
}

func (f *fakeStore) DeleteToken(_ context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.tokens, token)
	return nil
}

func (f *fakeStore) dropToken(token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.tokens, token)
}

type fakeRecorder struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeRecorder) Enqueue(sql string, _ ...any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, sql)
}

func (f *fakeRecorder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestService(t *testing.T) (*Service, *fakeStore, *fakeRecorder) {
	t.Helper()
	store := newFakeStore()
	recorder := &fakeRecorder{}
	svc := NewService(store, recorder, Config{
		AdminUsername: "admin",
		AdminPassword: "hunter2hunter2",
		JWTSecret:     "test-secret",
		JWTExpiry:     12 * time.Hour,
	}, zap.NewNop())
	t.Cleanup(svc.Close)
	return svc, store, recorder
}

func Test_Register_CreatesAccountAndToken(t *testing.T) {
	svc, _, _ := newTestService(t)

	account, token, err := svc.Register(context.Background(), "alice", "correct horse battery")
	require.NoError(t, err)
	assert.Equal(t, "alice", account.Username)
	assert.NotEqual(t, "correct horse battery", account.PasswordHash)
	assert.Len(t, token, 64, "32 random bytes hex-encoded")

	userID, err := svc.Validate(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, account.ID, userID)
}

func Test_Register_DuplicateUsername(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, _, err := svc.Register(context.Background(), "alice", "first password")
	require.NoError(t, err)

	_, _, err = svc.Register(context.Background(), "alice", "second password")
	assert.ErrorIs(t, err, ErrUsernameTaken)
}

func Test_Register_NormalizesUsername(t *testing.T) {
	svc, _, _ := newTestService(t)

	// Decomposed e + combining acute vs the precomposed form.
	_, _, err := svc.Register(context.Background(), "José", "first password")
	require.NoError(t, err)

	_, _, err = svc.Register(context.Background(), "José", "second password")
	assert.ErrorIs(t, err, ErrUsernameTaken, "NFC-equal names are the same account")

	account, token, err := svc.Login(context.Background(), "José", "first password")
	require.NoError(t, err)
	assert.Equal(t, "José", account.Username)
	assert.NotEmpty(t, token)
}

func Test_Login_RoundTrip(t *testing.T) {
	svc, _, recorder := newTestService(t)

	registered, _, err := svc.Register(context.Background(), "alice", "correct horse battery")
	require.NoError(t, err)

	account, token, err := svc.Login(context.Background(), "alice", "correct horse battery")
	require.NoError(t, err)
	assert.Equal(t, registered.ID, account.ID)

	userID, err := svc.Validate(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, registered.ID, userID)

	assert.Equal(t, 1, recorder.count(), "login touches last_login through the buffer")
}

func Test_Login_WrongPassword(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, _, err := svc.Register(context.Background(), "alice", "correct horse battery")
	require.NoError(t, err)

	_, _, err = svc.Login(context.Background(), "alice", "wrong password!!")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func Test_Login_UnknownUser(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, _, err := svc.Login(context.Background(), "nobody", "whatever password")
	assert.ErrorIs(t, err, database.ErrNotFound)
}

func Test_Validate_CacheHitSurvivesRowDeletion(t *testing.T) {
	svc, store, _ := newTestService(t)

	account, token, err := svc.Register(context.Background(), "alice", "correct horse battery")
	require.NoError(t, err)

	// The row disappears behind the cache's back; validation still answers
	// from the cache until its TTL runs out.
	store.dropToken(token)

	userID, err := svc.Validate(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, account.ID, userID)
}

func Test_Validate_FallsBackToStore(t *testing.T) {
	svc, store, _ := newTestService(t)

	require.NoError(t, store.InsertToken(context.Background(), "deadbeef", 42))

	userID, err := svc.Validate(context.Background(), "deadbeef")
	require.NoError(t, err)
	assert.Equal(t, int64(42), userID)
}

func Test_Validate_ExpiredToken(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, token, err := svc.Register(context.Background(), "alice", "correct horse battery")
	require.NoError(t, err)

	svc.now = func() time.Time { return time.Now().Add(31 * 24 * time.Hour) }

	_, err = svc.Validate(context.Background(), token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func Test_Validate_UnknownToken(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.Validate(context.Background(), "no-such-token")
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = svc.Validate(context.Background(), "")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func Test_Logout_InvalidatesToken(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, token, err := svc.Register(context.Background(), "alice", "correct horse battery")
	require.NoError(t, err)

	require.NoError(t, svc.Logout(context.Background(), token))

	_, err = svc.Validate(context.Background(), token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func Test_AdminLogin_IssuesValidJWT(t *testing.T) {
	svc, _, _ := newTestService(t)

	token, err := svc.AdminLogin("admin", "hunter2hunter2")
	require.NoError(t, err)

	claims, err := svc.ValidateAdminToken(token)
	require.NoError(t, err)
	assert.Equal(t, "admin", claims.Username)
	assert.True(t, claims.ExpiresAt.After(time.Now().Add(11*time.Hour)))
}

func Test_AdminLogin_WrongCredentials(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.AdminLogin("admin", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = svc.AdminLogin("root", "hunter2hunter2")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func Test_ValidateAdminToken_Expired(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store, nil, Config{
		AdminUsername: "admin",
		AdminPassword: "hunter2hunter2",
		JWTSecret:     "test-secret",
		JWTExpiry:     -time.Hour,
	}, zap.NewNop())
	t.Cleanup(svc.Close)

	token, err := svc.AdminLogin("admin", "hunter2hunter2")
	require.NoError(t, err)

	_, err = svc.ValidateAdminToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func Test_ValidateAdminToken_Garbage(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.ValidateAdminToken("not.a.jwt")
	assert.ErrorIs(t, err, ErrInvalidToken)
}
