package bootstrap

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type mockUpgrader struct {
	exit      chan struct{}
	hasParent bool
}

func (m *mockUpgrader) Exit() <-chan struct{} { return m.exit }
func (m *mockUpgrader) HasParent() bool       { return m.hasParent }
func (m *mockUpgrader) Ready() error          { return nil }
func (m *mockUpgrader) Upgrade() error {
	close(m.exit)
	return nil
}

type testServer struct {
	server   *http.Server
	listener net.Listener
	url      string
}

func (s *testServer) slowRequest(duration time.Duration) <-chan error {
	done := make(chan error)
	go func() {
		r, err := http.Get(fmt.Sprintf("%sslow?seconds=%d", s.url, int(duration.Seconds())))
		if r != nil {
			r.Body.Close()
		}
		done <- err
	}()
	return done
}

func makeBootstrap(t *testing.T) (*Bootstrap, *testServer) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(200)
	})
	mux.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		sec, err := strconv.Atoi(r.URL.Query().Get("seconds"))
		require.NoError(t, err)
		time.Sleep(time.Duration(sec) * time.Second)
		w.WriteHeader(200)
	})

	s := &http.Server{Handler: mux}
	u := &mockUpgrader{exit: make(chan struct{})}

	b, err := _new(u, net.Listen, false)
	require.NoError(t, err)
	b.StopAction = func() { require.NoError(t, s.Shutdown(context.Background())) }

	var listener net.Listener
	b.RegisterStarter(func(listen ListenFunc, errors chan<- error) error {
		l, err := listen("tcp", "127.0.0.1:0")
		if err != nil {
			return err
		}
		listener = l
		go func() { errors <- s.Serve(l) }()
		return nil
	})

	require.NoError(t, b.Start())

	return b, &testServer{
		server:   s,
		listener: listener,
		url:      fmt.Sprintf("http://%s/", listener.Addr().String()),
	}
}

func waitWithTimeout(t *testing.T, waitCh <-chan error, timeout time.Duration) error {
	select {
	case <-time.After(timeout):
		t.Fatal("timed out waiting for Wait to return")
		return nil
	case err := <-waitCh:
		return err
	}
}

func TestBootstrap_ListenerError(t *testing.T) {
	b, server := makeBootstrap(t)

	waitCh := make(chan error)
	go func() { waitCh <- b.Wait(2 * time.Second) }()

	require.NoError(t, server.listener.Close())

	err := waitWithTimeout(t, waitCh, time.Second)
	require.Error(t, err)
}

func TestBootstrap_TerminatesOnSignal(t *testing.T) {
	for _, sig := range []syscall.Signal{syscall.SIGTERM, syscall.SIGINT} {
		t.Run(sig.String(), func(t *testing.T) {
			b, server := makeBootstrap(t)
			defer server.server.Close()

			waitCh := make(chan error)
			go func() { waitCh <- b.Wait(2 * time.Second) }()

			time.Sleep(100 * time.Millisecond)

			self, err := os.FindProcess(os.Getpid())
			require.NoError(t, err)
			require.NoError(t, self.Signal(sig))

			waitErr := waitWithTimeout(t, waitCh, time.Second)
			require.Error(t, waitErr)
			require.Contains(t, waitErr.Error(), "received signal")
		})
	}
}

func TestBootstrap_GracefulUpgrade_StopActionCompletes(t *testing.T) {
	b, server := makeBootstrap(t)

	b.StopAction = func() { server.server.Close() }

	waitCh := make(chan error)
	go func() { waitCh <- b.Wait(2 * time.Second) }()

	require.NoError(t, b.upgrader.Upgrade())

	err := waitWithTimeout(t, waitCh, time.Second)
	require.Error(t, err)
	require.Contains(t, err.Error(), "graceful upgrade")
}

func TestBootstrap_GracefulUpgrade_GracePeriodExpires(t *testing.T) {
	b, server := makeBootstrap(t)
	defer server.server.Close()

	done := server.slowRequest(3 * time.Second)

	waitCh := make(chan error)
	go func() { waitCh <- b.Wait(200 * time.Millisecond) }()

	require.NoError(t, b.upgrader.Upgrade())

	err := waitWithTimeout(t, waitCh, time.Second)
	require.Error(t, err)
	require.Contains(t, err.Error(), "grace period expired")

	<-done
}

func TestBootstrap_UnixSocket(t *testing.T) {
	b, err := New()
	require.NoError(t, err)

	socketPath := filepath.Join(t.TempDir(), "monitor-test.sock")
	l, err := b.listen("unix", socketPath)
	require.NoError(t, err)
	require.NoError(t, l.Close())
}
