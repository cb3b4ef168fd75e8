package audiosvc

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestParseMute(t *testing.T) {
	muted, err := ParseMute("Mute: yes\n")
	require.NoError(t, err)
	assert.True(t, muted)

	muted, err = ParseMute("Mute: no")
	require.NoError(t, err)
	assert.False(t, muted)

	_, err = ParseMute("Connection failure: Connection refused")
	assert.Error(t, err)
}

func TestIsSourceEvent(t *testing.T) {
	assert.True(t, IsSourceEvent("Event 'change' on source #56"))
	assert.False(t, IsSourceEvent("Event 'new' on source-output #12"))
	assert.False(t, IsSourceEvent("Event 'change' on sink #3"))
}

func makeRunDir(t *testing.T, uids ...string) string {
	t.Helper()
	dir := t.TempDir()
	for _, uid := range uids {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, uid, "pulse"), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, uid, "pulse", "native"), nil, 0o600))
	}
	return dir
}

func homes(uid string) (string, error) {
	if uid == "1500" {
		return "", errors.New("unknown user")
	}
	return "/home/u" + uid, nil
}

func TestFindTarget(t *testing.T) {
	dir := makeRunDir(t, "0", "120", "1500", "1001", "2001")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "1000"), 0o755))

	target, ok := FindTarget(dir, homes)
	require.True(t, ok)
	assert.Equal(t, 1001, target.UID)
	assert.Equal(t, "unix:"+filepath.Join(dir, "1001", "pulse", "native"), target.Server)
	assert.Equal(t, "/home/u1001/.config/pulse/cookie", target.Cookie)

	_, ok = FindTarget(makeRunDir(t, "0", "2001"), homes)
	assert.False(t, ok)
	_, ok = FindTarget(filepath.Join(dir, "missing"), homes)
	assert.False(t, ok)
}

type fakeClient struct {
	mu       sync.Mutex
	muted    bool
	sessions int
	lines    []string
}

func (c *fakeClient) SourceMuted(ctx context.Context, target Target) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.muted, nil
}

func (c *fakeClient) Subscribe(ctx context.Context, target Target, onEvent func(string)) error {
	c.mu.Lock()
	c.sessions++
	first := c.sessions == 1
	c.mu.Unlock()
	if !first {
		<-ctx.Done()
		return ctx.Err()
	}
	for _, line := range c.lines {
		c.mu.Lock()
		c.muted = !c.muted
		c.mu.Unlock()
		onEvent(line)
	}
	return errors.New("connection reset")
}

type muteRecorder struct {
	mu    sync.Mutex
	calls []bool
}

func (r *muteRecorder) SetMicMute(on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, on)
}

func (r *muteRecorder) get() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.calls...)
}

func TestObserverFollowsServerAndClearsOnDisconnect(t *testing.T) {
	client := &fakeClient{
		muted: true,
		lines: []string{
			"Event 'change' on source #56",
			"Event 'change' on sink #1",
			"Event 'change' on source #56",
		},
	}
	rec := &muteRecorder{}
	obs := NewObserver(zap.NewNop(), client, rec,
		WithRunDir(makeRunDir(t, "1000")),
		WithHomeLookup(homes),
		WithBackoff(time.Millisecond, 5*time.Millisecond),
	)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- obs.Start(ctx)
	}()

	// initial query, two source events, disconnect, then the reconnect query
	require.Eventually(t, func() bool { return len(rec.get()) >= 5 }, time.Second, time.Millisecond)
	calls := rec.get()
	assert.Equal(t, []bool{true, false, false, false, false}, calls[:5])

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("observer did not stop")
	}
	calls = rec.get()
	assert.False(t, calls[len(calls)-1])
}

func TestObserverWaitsForServer(t *testing.T) {
	rec := &muteRecorder{}
	obs := NewObserver(zap.NewNop(), &fakeClient{}, rec,
		WithRunDir(t.TempDir()),
		WithHomeLookup(homes),
		WithBackoff(time.Millisecond, 2*time.Millisecond),
	)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.NoError(t, obs.Start(ctx))
	assert.Empty(t, rec.get())
}
