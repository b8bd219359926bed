package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestLocalManagerCreateAndNextChunkID(t *testing.T) {
	mgr := NewLocalManager(5*time.Minute, zaptest.NewLogger(t))

	sess, err := mgr.Create(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusActive, sess.Status)

	for want := int64(0); want < 3; want++ {
		got, err := mgr.NextChunkID(context.Background(), sess.ID)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
}

func TestLocalManagerUnknownSession(t *testing.T) {
	mgr := NewLocalManager(5*time.Minute, zaptest.NewLogger(t))
	_, err := mgr.NextChunkID(context.Background(), "does-not-exist")
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestLocalManagerEndedSessionResolvesDuringGrace(t *testing.T) {
	mgr := NewLocalManager(time.Hour, zaptest.NewLogger(t))
	sess, err := mgr.Create(context.Background())
	require.NoError(t, err)

	require.NoError(t, mgr.End(context.Background(), sess.ID))

	got, err := mgr.Get(context.Background(), sess.ID)
	require.NoError(t, err)
	require.Equal(t, StatusEnded, got.Status)
}

func TestLocalManagerEndedSessionExpiresAfterGrace(t *testing.T) {
	mgr := NewLocalManager(10*time.Millisecond, zaptest.NewLogger(t))
	sess, err := mgr.Create(context.Background())
	require.NoError(t, err)
	require.NoError(t, mgr.End(context.Background(), sess.ID))

	time.Sleep(30 * time.Millisecond)

	_, err = mgr.NextChunkID(context.Background(), sess.ID)
	require.ErrorIs(t, err, ErrSessionEnded)
}

func TestLocalManagerSweepRemovesExpiredSessions(t *testing.T) {
	mgr := NewLocalManager(10*time.Millisecond, zaptest.NewLogger(t))
	sess, err := mgr.Create(context.Background())
	require.NoError(t, err)
	require.NoError(t, mgr.End(context.Background(), sess.ID))

	time.Sleep(30 * time.Millisecond)
	require.Equal(t, 1, mgr.Sweep())

	_, err = mgr.Get(context.Background(), sess.ID)
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRedisManagerCreateAndNextChunkID(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	mgr, err := NewRedisManager(mr.Addr(), "", 5*time.Minute, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer mgr.Close()

	sess, err := mgr.Create(context.Background())
	require.NoError(t, err)

	for want := int64(0); want < 3; want++ {
		got, err := mgr.NextChunkID(context.Background(), sess.ID)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
}

func TestRedisManagerGetFallsBackToRedisOnCacheMiss(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	mgr, err := NewRedisManager(mr.Addr(), "", 5*time.Minute, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer mgr.Close()

	sess, err := mgr.Create(context.Background())
	require.NoError(t, err)

	mgr.mu.Lock()
	delete(mgr.localCache, sess.ID)
	mgr.mu.Unlock()

	got, err := mgr.Get(context.Background(), sess.ID)
	require.NoError(t, err)
	require.Equal(t, sess.ID, got.ID)
}
