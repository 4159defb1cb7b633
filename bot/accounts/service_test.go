package accounts

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m3rciful/gitpush/bot/apperr"
	"github.com/m3rciful/gitpush/bot/github"
)

type fakeProber struct {
	mu     sync.Mutex
	logins map[string]string
	calls  int
}

func (f *fakeProber) User(_ context.Context, token string) (github.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	login, ok := f.logins[token]
	if !ok {
		return github.User{}, &apperr.Error{Kind: apperr.ErrAuthentication, Status: 401, Msg: "Bad credentials"}
	}
	return github.User{Login: login}, nil
}

func newService(t *testing.T, key string) (*Service, *fakeProber) {
	t.Helper()
	repo, err := OpenBolt(filepath.Join(t.TempDir(), "state", "gitpush.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	sealer, err := NewSealer(key)
	require.NoError(t, err)
	prober := &fakeProber{logins: map[string]string{"tok-a": "alice", "tok-b": "bob", "tok-c": "carol"}}
	return NewService(repo, prober, sealer), prober
}

func TestAddProbesBeforeStoring(t *testing.T) {
	ctx := context.Background()
	svc, prober := newService(t, "")

	_, err := svc.Add(ctx, 1, "bogus")
	require.ErrorIs(t, err, apperr.ErrAuthentication)
	assert.Equal(t, "GitHub rejected this token", apperr.Message(err))
	list, err := svc.List(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, list)

	_, err = svc.Add(ctx, 1, "two words")
	assert.ErrorIs(t, err, apperr.ErrValidation)
	assert.Equal(t, 1, prober.calls)
}

func TestFirstCredentialBecomesActive(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t, testKey(3))

	id, err := svc.Add(ctx, 1, "tok-a")
	require.NoError(t, err)
	assert.Equal(t, "alice", id.Login)
	_, err = svc.Add(ctx, 1, " tok-b ")
	require.NoError(t, err)

	active, err := svc.GetActive(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, "tok-a", active.Secret)

	list, err := svc.List(ctx, 1)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, []string{"alice", "bob"}, []string{list[0].Login, list[1].Login})
	assert.True(t, list[0].Active)
	assert.False(t, list[1].Active)

	ok, err := svc.SetActive(ctx, 1, list[1].Fingerprint)
	require.NoError(t, err)
	assert.True(t, ok)
	active, err = svc.GetActive(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "tok-b", active.Secret)

	ok, err = svc.SetActive(ctx, 1, "tok-unknown")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRemovingActiveLeavesNone(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t, "")
	_, err := svc.Add(ctx, 1, "tok-a")
	require.NoError(t, err)
	_, err = svc.Add(ctx, 1, "tok-b")
	require.NoError(t, err)

	ok, err := svc.Remove(ctx, 1, "tok-a")
	require.NoError(t, err)
	assert.True(t, ok)

	active, err := svc.GetActive(ctx, 1)
	require.NoError(t, err)
	assert.Nil(t, active)
	list, err := svc.List(ctx, 1)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "bob", list[0].Login)

	ok, err = svc.Remove(ctx, 1, "tok-a")
	require.NoError(t, err)
	assert.False(t, ok)

	// with no active credential the next one added takes over
	_, err = svc.Add(ctx, 1, "tok-c")
	require.NoError(t, err)
	active, err = svc.GetActive(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "carol", active.Login)
}

func TestAddActiveOverridesCurrent(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t, "")
	_, err := svc.Add(ctx, 9, "tok-a")
	require.NoError(t, err)
	_, err = svc.AddActive(ctx, 9, "tok-b")
	require.NoError(t, err)

	active, err := svc.GetActive(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, "bob", active.Login)
}

func TestReAddingKeepsOneRecord(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t, "")
	for i := 0; i < 3; i++ {
		_, err := svc.Add(ctx, 1, "tok-a")
		require.NoError(t, err)
	}
	list, err := svc.List(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestUsersAreIsolated(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t, "")

	var wg sync.WaitGroup
	for uid := int64(1); uid <= 8; uid++ {
		uid := uid
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Add(ctx, uid, "tok-a")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	for uid := int64(1); uid <= 8; uid++ {
		list, err := svc.List(ctx, uid)
		require.NoError(t, err)
		assert.Len(t, list, 1)
	}
	other, err := svc.List(ctx, 99)
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestKeyedMutexIndependentKeys(t *testing.T) {
	var k keyedMutex
	unlock1 := k.Lock(1)

	done := make(chan struct{})
	go func() {
		unlock2 := k.Lock(2)
		unlock2()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on another key blocked")
	}

	acquired := make(chan struct{})
	go func() {
		u := k.Lock(1)
		close(acquired)
		u()
	}()
	select {
	case <-acquired:
		t.Fatal("same key acquired twice")
	case <-time.After(20 * time.Millisecond):
	}
	unlock1()
	<-acquired
	k.mu.Lock()
	defer k.mu.Unlock()
	assert.Empty(t, k.slots)
}

func TestRegistryAndBans(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t, "")

	u, created, err := svc.Register(ctx, 10, "Ann")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "Ann", u.FirstName)
	_, created, err = svc.Register(ctx, 10, "")
	require.NoError(t, err)
	assert.False(t, created)
	got, err := svc.User(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, "Ann", got.FirstName)

	_, _, err = svc.Register(ctx, 11, "Ben")
	require.NoError(t, err)
	_, _, err = svc.Register(ctx, 12, "Cid")
	require.NoError(t, err)

	require.NoError(t, svc.SetBanned(ctx, 11, true))
	assert.True(t, svc.IsBanned(ctx, 11))
	assert.False(t, svc.IsBanned(ctx, 10))
	assert.False(t, svc.IsBanned(ctx, 404))

	ids, err := svc.Recipients(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{10, 12}, ids)

	page, err := svc.Users(ctx, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	assert.Equal(t, 2, page.Pages())
	require.Len(t, page.Users, 1)

	_, err = svc.User(ctx, 404)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	require.NoError(t, svc.SetBanned(ctx, 11, false))
	assert.False(t, svc.IsBanned(ctx, 11))
	require.NoError(t, svc.Ping(ctx))
}
