// Package droidnet manages an Android device used as a modem through the adb
// bridge tool: it loads the device snapshot, runs stateful actions with
// settle windows and keeps an audit trail of what changed.
package droidnet

import (
	"context"
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/animegasan/luci-app-droidnet/internal/action"
	"github.com/animegasan/luci-app-droidnet/internal/adb"
	"github.com/animegasan/luci-app-droidnet/internal/auditlog"
	"github.com/animegasan/luci-app-droidnet/internal/config"
	"github.com/animegasan/luci-app-droidnet/internal/devrecorder"
	"github.com/animegasan/luci-app-droidnet/internal/device"
	"github.com/animegasan/luci-app-droidnet/internal/model"
	"github.com/animegasan/luci-app-droidnet/internal/pager"
	adbprovider "github.com/animegasan/luci-app-droidnet/internal/providers/adb"
	"github.com/animegasan/luci-app-droidnet/internal/server"
	"github.com/animegasan/luci-app-droidnet/internal/storage"
)

// Runner is the adb surface the client drives.
type Runner interface {
	Run(ctx context.Context, device string, args ...string) (adb.Result, error)
	RunInstall(ctx context.Context, device string, args ...string) (string, error)
	Devices(ctx context.Context) (adb.Result, error)
}

type options struct {
	runner    Runner
	provider  device.Provider
	recorders []action.Recorder
	sleeper   action.Sleeper
	now       func() time.Time
}

// Option customises a Client.
type Option func(*options)

// WithRunner replaces the adb runner built from the configured binary.
func WithRunner(r Runner) Option {
	return func(o *options) { o.runner = r }
}

// WithProvider replaces attached-device discovery.
func WithProvider(p device.Provider) Option {
	return func(o *options) { o.provider = p }
}

// WithRecorder adds an action result recorder.
func WithRecorder(r action.Recorder) Option {
	return func(o *options) {
		if r != nil {
			o.recorders = append(o.recorders, r)
		}
	}
}

// WithSleeper replaces the settle wait.
func WithSleeper(s action.Sleeper) Option {
	return func(o *options) { o.sleeper = s }
}

// WithClock replaces the timestamp source of actions and audit lines.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Client wires the configured device to the loader, the tracker and the
// action orchestrator.
type Client struct {
	cfg     *config.Config
	runner  Runner
	loader  *device.Loader
	tracker *device.Tracker
	audit   *auditlog.Log
	history *storage.Store
	jobs    *server.Jobs
	actions *action.Orchestrator
}

// New builds a Client from cfg. The device serial may be empty for
// commands that only list attached devices.
func New(cfg *config.Config, opts ...Option) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("droidnet: config is nil")
	}
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.runner == nil {
		o.runner = adb.New(cfg.ADBPath)
	}
	if o.provider == nil {
		o.provider = discovery(cfg, o.runner)
	}
	if o.now == nil {
		o.now = time.Now
	}

	c := &Client{
		cfg:    cfg,
		runner: o.runner,
		loader: device.NewLoader(o.runner, cfg.Device),
		audit:  auditlog.New(cfg.LogPath, auditlog.WithClock(o.now)),
		jobs:   server.NewJobs(),
	}

	recorders := o.recorders
	var deviceRecorder device.Recorder
	if cfg.DatabasePath != "" {
		store, err := storage.Open(cfg.DatabasePath)
		if err != nil {
			return nil, errors.Wrap(err, "open action history")
		}
		c.history = store
		deviceRecorder = store
		recorders = append(recorders, store)
	}
	remote, err := devrecorder.NewFromEnv()
	if err != nil {
		c.Close()
		return nil, errors.Wrap(err, "init feishu recorder")
	}
	if _, noop := remote.(devrecorder.NoopRecorder); !noop {
		recorders = append(recorders, remote)
	}

	c.tracker = device.NewTracker(o.provider, deviceRecorder, cfg.Device)

	actionOpts := []action.Option{
		action.WithWaits(waitsFrom(cfg.Waits)),
		action.WithStagingPath(cfg.StagingPath),
		action.WithClock(o.now),
		action.WithSleeper(o.sleeper),
		action.WithObserver(c.jobs.Observe),
	}
	for _, rec := range recorders {
		actionOpts = append(actionOpts, action.WithRecorder(rec))
	}
	c.actions = action.New(o.runner, c.audit, cfg.Device, actionOpts...)
	return c, nil
}

func discovery(cfg *config.Config, runner Runner) device.Provider {
	if cfg.Discovery == config.DiscoveryServer {
		p, err := adbprovider.NewDefault()
		if err == nil {
			return p
		}
		log.Warn().Err(err).Msg("adb server unavailable, falling back to adb devices")
	}
	return adbprovider.NewCLI(runner)
}

func waitsFrom(w config.WaitConfig) action.Waits {
	return action.Waits{
		Radio:         config.Seconds(w.Radio),
		SpecialReboot: config.Seconds(w.SpecialReboot),
		Reboot:        config.Seconds(w.Reboot),
		Shutdown:      config.Seconds(w.Shutdown),
		Package:       config.Seconds(w.Package),
		Refresh:       config.Seconds(w.Refresh),
	}
}

// Close releases the action history database.
func (c *Client) Close() error {
	if c == nil || c.history == nil {
		return nil
	}
	return c.history.Close()
}

// Device returns the configured device serial.
func (c *Client) Device() string {
	return c.cfg.Device
}

// Config returns the loaded configuration.
func (c *Client) Config() *config.Config {
	return c.cfg
}

// Snapshot loads the device state for scope.
func (c *Client) Snapshot(ctx context.Context, scope device.Scope) (*model.Snapshot, error) {
	if err := c.cfg.RequireDevice(); err != nil {
		return nil, err
	}
	return c.loader.Load(ctx, scope)
}

// Devices lists attached devices.
func (c *Client) Devices(ctx context.Context) ([]model.Attached, error) {
	return c.tracker.Refresh(ctx)
}

// Packages loads the package list and returns the requested page.
func (c *Client) Packages(ctx context.Context, q pager.Query) (pager.Page, error) {
	if q.PageSize <= 0 {
		q.PageSize = c.cfg.PageSize
	}
	snap, err := c.Snapshot(ctx, device.ScopeSystem)
	if err != nil {
		return pager.Page{}, err
	}
	if snap.Conflict {
		return pager.Page{}, device.ErrDeviceConflict
	}
	if diag := snap.Diagnostic(model.SectionPackages); diag != "" {
		return pager.Page{}, errors.Errorf("list packages: %s", diag)
	}
	return pager.Paginate(snap.Packages, q), nil
}

// Run loads a fresh snapshot and executes name against the configured device.
// pkg is required by remove-package and ignored otherwise.
func (c *Client) Run(ctx context.Context, name action.Name, pkg string) (action.Result, error) {
	return c.execute(ctx, action.Request{Action: name, Package: pkg})
}

// Install uploads the package read from r and installs it.
func (c *Client) Install(ctx context.Context, r io.Reader) (action.Result, error) {
	return c.execute(ctx, action.Request{Action: action.InstallPackage, Artifact: r})
}

func (c *Client) execute(ctx context.Context, req action.Request) (action.Result, error) {
	if err := c.cfg.RequireDevice(); err != nil {
		return action.Result{}, err
	}
	serial := c.cfg.Device
	if !c.tracker.Acquire(serial) {
		return action.Result{}, errors.Errorf("another action is running on %s", serial)
	}
	defer c.tracker.Release(serial)

	snap, err := c.loader.Load(ctx, device.ScopeAll)
	if err != nil {
		return action.Result{}, err
	}
	req.Snapshot = snap
	return c.actions.Execute(ctx, req)
}

// Log reads the audit trail.
func (c *Client) Log(direction auditlog.Direction) ([]string, error) {
	return c.audit.Read(direction)
}

// History lists recorded action outcomes. It fails when no database is configured.
func (c *Client) History(ctx context.Context, f storage.Filter) ([]storage.ActionRecord, error) {
	if c.history == nil {
		return nil, errors.Errorf("action history is disabled (set database_path or $%s)", config.EnvDBPath)
	}
	return c.history.ListActions(ctx, f)
}

// DeviceHistory lists every device the tracker has recorded, attached or not.
func (c *Client) DeviceHistory(ctx context.Context) ([]storage.DeviceRecord, error) {
	if c.history == nil {
		return nil, errors.Errorf("action history is disabled (set database_path or $%s)", config.EnvDBPath)
	}
	return c.history.ListDevices(ctx)
}

// Serve runs the HTTP API and a periodic attached-device refresh until ctx is
// cancelled.
func (c *Client) Serve(ctx context.Context) error {
	if err := c.cfg.RequireDevice(); err != nil {
		return err
	}
	srv, err := server.New(server.Deps{
		Listen:   c.cfg.Listen,
		PageSize: c.cfg.PageSize,
		Loader:   c.loader,
		Actions:  c.actions,
		Devices:  c.tracker,
		Log:      c.audit,
		Jobs:     c.jobs,
	})
	if err != nil {
		return err
	}
	if _, err := c.tracker.Resolve(ctx); err != nil {
		log.Warn().Err(err).Str("device", c.cfg.Device).Msg("configured device is not ready")
	}
	return runGroup(ctx,
		task{name: "api server", fn: srv.Run},
		task{name: "device refresh", fn: c.refreshLoop},
	)
}

func (c *Client) refreshLoop(ctx context.Context) error {
	ticker := time.NewTicker(deviceRefreshInterval)
	defer ticker.Stop()
	for {
		if _, err := c.tracker.Refresh(ctx); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Msg("refresh attached devices failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
