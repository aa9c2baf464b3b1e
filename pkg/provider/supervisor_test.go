package provider

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestEnsureRunningReusesAnsweringServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sup := NewSupervisor(testLogger())
	proc, err := sup.EnsureRunning(context.Background(), "calendar", &ServerConfig{
		Command:  "definitely-not-invoked",
		ReadyURL: srv.URL,
	})
	require.NoError(t, err)
	assert.False(t, proc.Owned, "a reused server must not be owned")
	assert.True(t, proc.Alive())

	sup.Shutdown(proc)
	assert.False(t, proc.Signaled(), "shutdown must never signal a server it did not start")
}

func TestEnsureRunningRejectsMissingCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	sup := NewSupervisor(testLogger())
	_, err := sup.EnsureRunning(context.Background(), "calendar", &ServerConfig{
		Command:  "calagent-no-such-binary",
		ReadyURL: srv.URL,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found on PATH")
}

func TestEnsureRunningRejectsMissingDir(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	sup := NewSupervisor(testLogger())
	_, err := sup.EnsureRunning(context.Background(), "calendar", &ServerConfig{
		Command:  "true",
		Dir:      "/definitely/not/a/real/provider/checkout",
		ReadyURL: srv.URL,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "is missing")
}

func TestEnsureRunningTimesOutOnServerThatNeverReadies(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	sup := NewSupervisor(testLogger(), WithProbeInterval(10*time.Millisecond), WithGracePeriod(100*time.Millisecond))
	_, err := sup.EnsureRunning(context.Background(), "calendar", &ServerConfig{
		Command:      "sleep",
		Args:         []string{"60"},
		ReadyURL:     srv.URL,
		StartTimeout: 50 * time.Millisecond,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "did not become ready")
}

func TestEnsureRunningInjectsTimezoneWithoutOverlay(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns a real process")
	}
	var hits atomic.Int32
	probed := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Fail the reuse probe so the command is spawned, then report ready.
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer probed.Close()

	sup := NewSupervisor(testLogger(), WithProbeInterval(10*time.Millisecond))
	proc, err := sup.EnsureRunning(context.Background(), "datetime", &ServerConfig{
		Command:      "sh",
		Args:         []string{"-c", `echo "tz=$TZ tzname=$TIMEZONE"`},
		ReadyURL:     probed.URL,
		StartTimeout: 2 * time.Second,
	})
	require.NoError(t, err)
	require.True(t, proc.Owned)

	require.Eventually(t, func() bool { return !proc.Alive() }, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, proc.Output(), "tz="+DefaultTimezone)
	assert.Contains(t, proc.Output(), "tzname="+DefaultTimezone)
}

func TestWaitReadyBoundedByTimeoutWhenProbeStalls(t *testing.T) {
	// The target accepts connections and never answers; the handler exits
	// when the probe gives up on its side.
	stalled := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer stalled.Close()

	sup := NewSupervisor(testLogger(), WithProbeInterval(20*time.Millisecond))

	start := time.Now()
	ok := sup.WaitReady(context.Background(), stalled.URL, 150*time.Millisecond)
	assert.False(t, ok)
	assert.Less(t, time.Since(start), time.Second,
		"a stalled probe must not extend the wait past the timeout")
}

func TestWaitReadyPollsUntilSuccess(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sup := NewSupervisor(testLogger(), WithProbeInterval(10*time.Millisecond))
	assert.True(t, sup.WaitReady(context.Background(), srv.URL, time.Second))
	assert.GreaterOrEqual(t, hits.Load(), int32(3))
}

func TestShutdownEscalatesToKill(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns a real process")
	}
	// Only the spawn path is under test, so the probe must fail first and
	// succeed once the process runs.
	ready := atomic.Bool{}
	probed := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ready.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer probed.Close()

	sup := NewSupervisor(testLogger(), WithProbeInterval(10*time.Millisecond), WithGracePeriod(100*time.Millisecond))

	go func() {
		time.Sleep(30 * time.Millisecond)
		ready.Store(true)
	}()

	proc, err := sup.EnsureRunning(context.Background(), "stubborn", &ServerConfig{
		Command:      "sh",
		Args:         []string{"-c", `trap "" TERM; while true; do sleep 0.1; done`},
		ReadyURL:     probed.URL,
		StartTimeout: 2 * time.Second,
	})
	require.NoError(t, err)
	require.True(t, proc.Owned)
	require.True(t, proc.Alive())

	done := make(chan struct{})
	go func() {
		sup.Shutdown(proc)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Shutdown did not return after escalating to SIGKILL")
	}
	assert.True(t, proc.Signaled())
	assert.False(t, proc.Alive())
}
