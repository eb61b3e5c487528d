// Package server runs the on-demand binary package builder: a small
// HTTP front-end that queues package build requests and serves the
// resulting binary package dir. Requests are accepted immediately and
// built one at a time by a single worker, since builds share one mount
// namespace and one package store.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"

	"github.com/containerd/containerd/log"
	"github.com/coreos/go-systemd/v22/daemon"
)

// BuildFunc builds one binary package.
type BuildFunc func(ctx context.Context, pkg string) error

// Server queues package build requests over HTTP.
type Server struct {
	build  BuildFunc
	pkgDir string

	mu      sync.Mutex
	queue   []string
	pending map[string]struct{}
	wake    chan struct{}
}

// NewServer returns a Server that builds packages with build and serves
// the binary package store at pkgDir.
func NewServer(build BuildFunc, pkgDir string) *Server {
	return &Server{
		build:   build,
		pkgDir:  pkgDir,
		pending: make(map[string]struct{}),
		wake:    make(chan struct{}, 1),
	}
}

// Enqueue adds a package to the build queue. Adding a package that is
// already queued is an error.
func (s *Server) Enqueue(pkg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[pkg]; ok {
		return fmt.Errorf("package is already queued: %s", pkg)
	}
	s.pending[pkg] = struct{}{}
	s.queue = append(s.queue, pkg)
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

func (s *Server) dequeue() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return "", false
	}
	pkg := s.queue[0]
	s.queue = s.queue[1:]
	return pkg, true
}

// worker drains the queue one package at a time. A failed build is
// logged and dropped; the next request for the same package re-queues
// it. Builds run on a context detached from ctx so shutdown never kills
// a build mid-emerge: ctx only stops the worker between builds.
func (s *Server) worker(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	buildCtx := log.WithLogger(context.Background(), log.G(ctx))
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		pkg, ok := s.dequeue()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-s.wake:
			}
			continue
		}

		log.G(ctx).Infof("Building queued package: %s", pkg)
		if err := s.build(buildCtx, pkg); err != nil {
			log.G(ctx).WithError(err).Errorf("Failed to build package: %s", pkg)
		}
		s.mu.Lock()
		delete(s.pending, pkg)
		s.mu.Unlock()
	}
}

// Handler returns the HTTP mux: GET /pkg?pkg=NAME queues a build, and
// the binary package dir is served statically at the root.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/pkg", func(w http.ResponseWriter, r *http.Request) {
		pkg := r.URL.Query().Get("pkg")
		if pkg == "" {
			http.Error(w, "missing pkg parameter", http.StatusBadRequest)
			return
		}
		if err := s.Enqueue(pkg); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		log.G(r.Context()).Infof("Queued package: %s", pkg)
		fmt.Fprintf(w, "queued: %s\n", pkg)
	})
	mux.Handle("/", http.FileServer(http.Dir(s.pkgDir)))
	return mux
}

// Serve listens on addr until ctx is cancelled, then drains: the
// in-flight build finishes before Serve returns. If NOTIFY_SOCKET is set
// the server is running as a systemd service and readiness is notified.
func (s *Server) Serve(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: s.Handler()}

	workerDone := make(chan struct{})
	go s.worker(ctx, workerDone)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(l); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("error on serving at %q: %w", addr, err)
		}
	}()
	log.G(ctx).Infof("Package server listening on %s, serving %s", addr, s.pkgDir)

	if os.Getenv("NOTIFY_SOCKET") != "" {
		notified, notifyErr := daemon.SdNotify(false, daemon.SdNotifyReady)
		log.G(ctx).Debugf("SdNotifyReady notified=%v, err=%v", notified, notifyErr)
		defer func() {
			notified, notifyErr := daemon.SdNotify(false, daemon.SdNotifyStopping)
			log.G(ctx).Debugf("SdNotifyStopping notified=%v, err=%v", notified, notifyErr)
		}()
	}

	select {
	case <-ctx.Done():
		err := srv.Shutdown(context.Background())
		log.G(ctx).Infof("Waiting for the current build to finish")
		<-workerDone
		return err
	case err := <-errCh:
		return err
	}
}
