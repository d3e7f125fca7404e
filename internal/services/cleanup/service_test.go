package cleanup

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

type fakeStore struct {
	mu sync.Mutex

	tokensDeleted   int64
	tokensErr       error
	tokenMaxAge     time.Duration
	expiredUsers    []int64
	expireErr       error
	paymentsDropped int64
	logsPruned      int64
	logMaxAge       time.Duration

	calls []string
}

func (f *fakeStore) DeleteExpiredTokens(_ context.Context, maxAge time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "tokens")
	f.tokenMaxAge = maxAge
	return f.tokensDeleted, f.tokensErr
}

func (f *fakeStore) ExpirePrivateSubscriptions(_ context.Context) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "subscriptions")
	return f.expiredUsers, f.expireErr
}

func (f *fakeStore) DeleteExhaustedPayments(_ context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "payments")
	return f.paymentsDropped, nil
}

func (f *fakeStore) PruneStartupLogs(_ context.Context, maxAge time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "logs")
	f.logMaxAge = maxAge
	return f.logsPruned, nil
}

type stopCall struct {
	uid      string
	graceful bool
}

type fakeLocal struct {
	mu    sync.Mutex
	err   error
	calls []stopCall
}

func (f *fakeLocal) StopServer(uid string, graceful bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, stopCall{uid: uid, graceful: graceful})
	return f.err
}

func Test_Sweep_RunsEverySweepWithRetentionWindows(t *testing.T) {
	store := &fakeStore{tokensDeleted: 3, paymentsDropped: 2, logsPruned: 7}
	svc := NewService(store, &fakeLocal{}, "main-203.0.113.10", zap.NewNop())

	svc.sweep()

	assert.Equal(t, []string{"tokens", "subscriptions", "payments", "logs"}, store.calls)
	assert.Equal(t, 30*24*time.Hour, store.tokenMaxAge)
	assert.Equal(t, 7*24*time.Hour, store.logMaxAge)
}

func Test_Sweep_StopsExpiredPrivateServers(t *testing.T) {
	store := &fakeStore{expiredUsers: []int64{4, 9}}
	local := &fakeLocal{}
	svc := NewService(store, local, "main-203.0.113.10", zap.NewNop())

	svc.sweep()

	assert.Equal(t, []stopCall{
		{uid: "private_4_main-203.0.113.10", graceful: true},
		{uid: "private_9_main-203.0.113.10", graceful: true},
	}, local.calls)
}

func Test_Sweep_StopFailureDoesNotAbort(t *testing.T) {
	store := &fakeStore{expiredUsers: []int64{4}}
	local := &fakeLocal{err: errors.New("agent unreachable")}
	svc := NewService(store, local, "main-203.0.113.10", zap.NewNop())

	svc.sweep()

	assert.Equal(t, []string{"tokens", "subscriptions", "payments", "logs"}, store.calls,
		"a failed stop never blocks the remaining sweeps")
}

func Test_Sweep_ContinuesPastStoreErrors(t *testing.T) {
	store := &fakeStore{
		tokensErr: errors.New("db down"),
		expireErr: errors.New("db down"),
	}
	svc := NewService(store, &fakeLocal{}, "main-203.0.113.10", zap.NewNop())

	svc.sweep()

	assert.Equal(t, []string{"tokens", "subscriptions", "payments", "logs"}, store.calls)
}

func Test_StartStop(t *testing.T) {
	svc := NewService(&fakeStore{}, &fakeLocal{}, "main-203.0.113.10", zap.NewNop())
	svc.Start()
	svc.Stop()
}
