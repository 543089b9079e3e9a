// Package bootstrap adapts the teacher's internal/bootstrap: it gives a
// long-running server zero-downtime restarts (re-exec on SIGHUP, drain
// in-flight requests before the old process exits) on top of
// github.com/cloudflare/tableflip. The monitor uses it so an operator can
// roll out a new binary without dropping an in-flight node_active call.
package bootstrap

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cloudflare/tableflip"
)

// ListenFunc matches net.Listen's signature, swappable in tests.
type ListenFunc func(network, addr string) (net.Listener, error)

// Starter is registered with RegisterStarter; it is handed listen (bound
// through the upgrader so a listening socket survives a re-exec) and a
// channel to report a fatal serving error on.
type Starter func(listen ListenFunc, errors chan<- error) error

// upgrader is the subset of *tableflip.Upgrader the Bootstrap needs,
// satisfied by both the real upgrader and mockUpgrader in tests.
type upgrader interface {
	Exit() <-chan struct{}
	HasParent() bool
	Ready() error
	Upgrade() error
}

// realUpgrader wraps *tableflip.Upgrader to add the HasParent() method the
// interface above needs.
type realUpgrader struct {
	*tableflip.Upgrader
	hasParent bool
}

func (u *realUpgrader) HasParent() bool { return u.hasParent }

// Bootstrap drives listener creation, SIGHUP-triggered re-exec, and
// graceful shutdown on SIGTERM/SIGINT for a server with one or more
// listening sockets.
type Bootstrap struct {
	// StopAction, if set, is invoked once the grace period begins so the
	// caller can stop accepting new work (e.g. http.Server.Shutdown).
	StopAction func()

	upgrader     upgrader
	listen       ListenFunc
	starters     []Starter
	serverErrors chan error
	mu           sync.Mutex
}

// New builds a Bootstrap backed by a real tableflip.Upgrader listening for
// SIGHUP.
func New() (*Bootstrap, error) {
	return _new(nil, net.Listen, false)
}

func _new(u upgrader, listen ListenFunc, hasParent bool) (*Bootstrap, error) {
	if u == nil {
		upg, err := tableflip.New(tableflip.Options{})
		if err != nil {
			return nil, fmt.Errorf("tableflip: %w", err)
		}
		ru := &realUpgrader{Upgrader: upg, hasParent: hasParent}
		u = ru

		go func() {
			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGHUP)
			for range sig {
				_ = upg.Upgrade()
			}
		}()
	}

	return &Bootstrap{upgrader: u, listen: listen}, nil
}

// RegisterStarter queues a Starter to run when Start is called.
func (b *Bootstrap) RegisterStarter(s Starter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.starters = append(b.starters, s)
}

// Start runs every registered Starter, then signals the upgrader that this
// process is ready to serve (releasing the parent process, if any, to
// exit).
func (b *Bootstrap) Start() error {
	errCh := make(chan error, len(b.starters)+1)

	for _, s := range b.starters {
		if err := s(b.listen, errCh); err != nil {
			return err
		}
	}

	if err := b.upgrader.Ready(); err != nil {
		return fmt.Errorf("upgrader ready: %w", err)
	}

	b.serverErrors = errCh
	return nil
}

// Wait blocks until the process should exit: a signal, a fatal listener
// error, or (after the upgrader signals an in-flight upgrade) the grace
// period for in-flight requests expiring. gracePeriod bounds how long
// StopAction is given to drain before Wait gives up and returns an error
// anyway — the caller's process still exits, but the error indicates the
// shutdown wasn't clean.
func (b *Bootstrap) Wait(gracePeriod time.Duration) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case err := <-b.serverErrors:
		return err
	case sig := <-sigCh:
		return fmt.Errorf("received signal %q", sig.String())
	case <-b.upgrader.Exit():
		return b.waitGracePeriod(gracePeriod, sigCh)
	}
}

// waitGracePeriod runs StopAction (expected to be, or wrap, a blocking
// graceful-stop call such as http.Server.Shutdown) and waits for it to
// return, a force-shutdown signal, or the grace period expiring, whichever
// comes first.
func (b *Bootstrap) waitGracePeriod(gracePeriod time.Duration, sigCh <-chan os.Signal) error {
	stopped := make(chan struct{})
	if b.StopAction != nil {
		go func() {
			b.StopAction()
			close(stopped)
		}()
	} else {
		close(stopped)
	}

	select {
	case <-stopped:
		return fmt.Errorf("graceful upgrade: server shutdown completed")
	case sig := <-sigCh:
		return fmt.Errorf("graceful upgrade: force shutdown on signal %q", sig.String())
	case <-time.After(gracePeriod):
		return fmt.Errorf("graceful upgrade: grace period expired")
	}
}
