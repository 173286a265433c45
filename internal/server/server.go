// Package server exposes the device snapshot, actions, package table and
// audit log over a small JSON HTTP API.
//
// Actions run in background goroutines and are tracked by id; a second
// action on the same device is refused while one is in flight.
package server

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/animegasan/luci-app-droidnet/internal/action"
	"github.com/animegasan/luci-app-droidnet/internal/auditlog"
	"github.com/animegasan/luci-app-droidnet/internal/device"
	"github.com/animegasan/luci-app-droidnet/internal/model"
	"github.com/animegasan/luci-app-droidnet/internal/pager"
)

const (
	gracefulShutdownTimeout = 10 * time.Second
	readHeaderTimeout       = 10 * time.Second
)

// Loader rebuilds the device snapshot.
type Loader interface {
	Load(ctx context.Context, scope device.Scope) (*model.Snapshot, error)
}

// Executor runs one action against the configured device.
type Executor interface {
	Execute(ctx context.Context, req action.Request) (action.Result, error)
	Device() string
}

// Devices lists attached devices and serialises actions per serial.
type Devices interface {
	Refresh(ctx context.Context) ([]model.Attached, error)
	Acquire(serial string) bool
	Release(serial string)
	Busy(serial string) bool
}

// LogReader reads the audit trail.
type LogReader interface {
	Read(direction auditlog.Direction) ([]string, error)
}

// Deps holds the collaborators of the API server.
type Deps struct {
	Listen   string
	PageSize int
	Loader   Loader
	Actions  Executor
	Devices  Devices
	Log      LogReader
	// Jobs is shared with the orchestrator observer; nil creates a private one.
	Jobs  *Jobs
	NewID func() string
}

// Server is the HTTP API server.
type Server struct {
	listen   string
	pageSize int
	loader   Loader
	actions  Executor
	devices  Devices
	log      LogReader
	jobs     *Jobs
	newID    func() string

	// last healthy ScopeSystem snapshot backing /api/packages
	pkgMu   sync.Mutex
	pkgSnap *model.Snapshot

	// base outlives individual requests; background actions run under it.
	base context.Context
}

// New validates deps and builds a Server. It does not listen until Run.
func New(deps Deps) (*Server, error) {
	if deps.Loader == nil {
		return nil, errors.New("server: loader is required")
	}
	if deps.Actions == nil {
		return nil, errors.New("server: action executor is required")
	}
	if deps.Devices == nil {
		return nil, errors.New("server: device tracker is required")
	}
	s := &Server{
		listen:   strings.TrimSpace(deps.Listen),
		pageSize: deps.PageSize,
		loader:   deps.Loader,
		actions:  deps.Actions,
		devices:  deps.Devices,
		log:      deps.Log,
		jobs:     deps.Jobs,
		newID:    deps.NewID,
		base:     context.Background(),
	}
	if s.pageSize <= 0 {
		s.pageSize = pager.DefaultPageSize
	}
	if s.jobs == nil {
		s.jobs = NewJobs()
	}
	if s.newID == nil {
		s.newID = uuid.NewString
	}
	return s, nil
}

// Jobs returns the action job registry.
func (s *Server) Jobs() *Jobs {
	return s.jobs
}

// Run listens on the configured address until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) Run(ctx context.Context) error {
	if s.listen == "" {
		return errors.New("server: listen address is empty")
	}
	s.base = context.WithoutCancel(ctx)
	srv := &http.Server{
		Addr:              s.listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("listen", s.listen).Str("device", s.actions.Device()).Msg("api server starting")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "api server")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "shutdown api server")
	}
	log.Info().Str("listen", s.listen).Msg("api server stopped")
	return nil
}
