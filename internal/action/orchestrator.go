package action

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/animegasan/luci-app-droidnet/internal/model"
	"github.com/animegasan/luci-app-droidnet/internal/parser"
)

// DefaultStagingPath is where uploaded packages are written before install.
const DefaultStagingPath = "/tmp/upload.apk"

// Orchestrator executes actions against one configured device. Actions run
// on the caller's goroutine; callers serialise actions per device.
type Orchestrator struct {
	runner      Runner
	audit       Auditor
	device      string
	stagingPath string
	waits       Waits
	sleep       Sleeper
	now         func() time.Time
	newID       func() string
	observers   []Observer
	recorders   []Recorder
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithWaits overrides the settle windows.
func WithWaits(w Waits) Option {
	return func(o *Orchestrator) { o.waits = w }
}

// WithSleeper replaces the settle wait implementation.
func WithSleeper(s Sleeper) Option {
	return func(o *Orchestrator) {
		if s != nil {
			o.sleep = s
		}
	}
}

// WithClock replaces the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// WithIDGenerator replaces the invocation id source.
func WithIDGenerator(gen func() string) Option {
	return func(o *Orchestrator) {
		if gen != nil {
			o.newID = gen
		}
	}
}

// WithStagingPath overrides the package staging file.
func WithStagingPath(path string) Option {
	return func(o *Orchestrator) {
		if strings.TrimSpace(path) != "" {
			o.stagingPath = path
		}
	}
}

// WithObserver registers a transition observer.
func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) {
		if obs != nil {
			o.observers = append(o.observers, obs)
		}
	}
}

// WithRecorder registers a result recorder.
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) {
		if r != nil {
			o.recorders = append(o.recorders, r)
		}
	}
}

// New builds an Orchestrator. audit may be nil to disable the audit trail.
func New(runner Runner, audit Auditor, device string, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		runner:      runner,
		audit:       audit,
		device:      strings.TrimSpace(device),
		stagingPath: DefaultStagingPath,
		waits:       DefaultWaits(),
		sleep:       sleepContext,
		now:         time.Now,
		newID:       uuid.NewString,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Device returns the configured device id.
func (o *Orchestrator) Device() string {
	return o.device
}

func sleepContext(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// invocation carries the mutable state of one Execute call.
type invocation struct {
	def    definition
	req    Request
	result Result
}

// Execute runs req through Idle → Dispatching → Waiting → Settled. The error
// is non-nil when the request was refused before dispatch, when the upload was
// cancelled, or when the tool could not be invoked; in the last case the
// returned Result is settled as a failure.
func (o *Orchestrator) Execute(ctx context.Context, req Request) (Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	req.Package = strings.TrimSpace(req.Package)
	def, ok := definitions[req.Action]
	if !ok {
		return Result{}, errors.Wrapf(ErrUnknownAction, "%q", req.Action)
	}
	if err := o.check(def, req); err != nil {
		return Result{}, err
	}

	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = o.newID()
	}
	inv := &invocation{
		def: def,
		req: req,
		result: Result{
			ID:        id,
			Action:    req.Action,
			Device:    o.device,
			Package:   req.Package,
			State:     StateIdle,
			Outcome:   InFlight,
			StartedAt: o.now(),
		},
	}

	if req.Action == EnableData && req.Snapshot.Airplane == model.On {
		log.Warn().Str("device", o.device).Str("action", string(req.Action)).Msg("action blocked by airplane mode")
		return o.settle(ctx, inv, Failure, msgAirplaneBlocksData, ""), nil
	}

	o.transition(inv, StateDispatching)
	switch def.kind {
	case kindInstall:
		return o.install(ctx, inv)
	case kindRemove:
		return o.remove(ctx, inv)
	case kindRefresh:
		return o.refresh(ctx, inv)
	default:
		return o.command(ctx, inv)
	}
}

func (o *Orchestrator) check(def definition, req Request) error {
	if o.runner == nil {
		return errors.New("action orchestrator: runner is nil")
	}
	if o.device == "" {
		return errors.New("action orchestrator: device id is empty")
	}
	snap := req.Snapshot
	if snap == nil {
		return errors.New("action orchestrator: snapshot is required")
	}
	if snap.Conflict {
		return &refusal{cause: ErrDeviceConflict}
	}
	if snap.Error != "" {
		return &refusal{cause: errors.New(snap.Error)}
	}
	switch def.kind {
	case kindRemove:
		if req.Package == "" {
			return ErrMissingPackage
		}
	case kindInstall:
		if req.Artifact == nil {
			return ErrMissingArtifact
		}
	}
	return nil
}

// command handles toggles and reboots. The device does not confirm these
// synchronously: silent output starts the settle window, while output that
// already reports a failure settles at once.
func (o *Orchestrator) command(ctx context.Context, inv *invocation) (Result, error) {
	res, err := o.runner.Run(ctx, o.device, inv.def.args...)
	if err != nil {
		o.settle(ctx, inv, Failure, inv.def.failure, err.Error())
		return inv.result, errors.Wrapf(err, "dispatch %s", inv.req.Action)
	}
	o.transition(inv, StateWaiting)

	stdout := strings.TrimSpace(res.Stdout)
	stderr := strings.TrimSpace(res.Stderr)
	switch {
	case inv.def.kind == kindAirplane && stdout != "":
		// old releases print usage text instead of toggling
		return o.settle(ctx, inv, Failure, inv.def.unsupported, stdout), nil
	case stderr != "":
		return o.settle(ctx, inv, Failure, inv.def.failure, stderr), nil
	}
	o.sleep(ctx, inv.def.wait(o.waits))
	return o.settle(ctx, inv, Success, inv.def.success, ""), nil
}

func (o *Orchestrator) remove(ctx context.Context, inv *invocation) (Result, error) {
	pkg := inv.result.Package
	success := fmt.Sprintf(inv.def.success, pkg)
	failure := fmt.Sprintf(inv.def.failure, pkg)
	res, err := o.runner.Run(ctx, o.device, "shell", "pm", "uninstall", "-k", "--user", "0", pkg)
	if err != nil {
		o.settle(ctx, inv, Failure, failure, err.Error())
		return inv.result, errors.Wrapf(err, "dispatch %s", inv.req.Action)
	}
	report := strings.TrimSpace(res.Stdout)
	if report == "" {
		report = strings.TrimSpace(res.Stderr)
	}
	o.transition(inv, StateWaiting)
	o.sleep(ctx, inv.def.wait(o.waits))
	if report != "Success" {
		return o.settle(ctx, inv, Failure, failure, report), nil
	}
	return o.settle(ctx, inv, Success, success, ""), nil
}

func (o *Orchestrator) refresh(ctx context.Context, inv *invocation) (Result, error) {
	res, err := o.runner.Run(ctx, o.device, inv.def.args...)
	if err != nil {
		o.settle(ctx, inv, Failure, inv.def.failure, err.Error())
		return inv.result, errors.Wrapf(err, "dispatch %s", inv.req.Action)
	}
	list := parser.ParsePackages(res.Stdout, res.Stderr)
	o.transition(inv, StateWaiting)
	o.sleep(ctx, inv.def.wait(o.waits))
	if list.Diagnostic != "" {
		return o.settle(ctx, inv, Failure, inv.def.failure, list.Diagnostic), nil
	}
	inv.result.Packages = list.Packages
	return o.settle(ctx, inv, Success, inv.def.success, ""), nil
}

func (o *Orchestrator) transition(inv *invocation, to State) {
	from := inv.result.State
	inv.result.State = to
	t := Transition{
		ID:      inv.result.ID,
		Action:  inv.result.Action,
		Device:  inv.result.Device,
		From:    from,
		To:      to,
		Outcome: inv.result.Outcome,
		At:      o.now(),
	}
	for _, obs := range o.observers {
		obs(t)
	}
}

// settle finalises the result, writes the audit entry for state-changing
// actions and notifies recorders.
func (o *Orchestrator) settle(ctx context.Context, inv *invocation, outcome Outcome, message, diagnostic string) Result {
	r := &inv.result
	r.Outcome = outcome
	r.Message = message
	r.Diagnostic = strings.TrimSpace(diagnostic)
	r.SettledAt = o.now()
	if outcome == Success {
		r.Notice = inv.def.notice
		if inv.req.Snapshot != nil {
			r.Provisional = inv.req.Snapshot.Clone()
			if inv.def.provisional != nil {
				inv.def.provisional(r.Provisional, inv.req)
			}
			if inv.def.kind == kindRefresh {
				r.Provisional.Packages = append(make([]string, 0, len(r.Packages)), r.Packages...)
			}
		}
	}
	o.transition(inv, StateSettled)

	evt := log.Info()
	if outcome != Success {
		evt = log.Warn()
	}
	evt.Str("id", r.ID).
		Str("device", r.Device).
		Str("action", string(r.Action)).
		Str("outcome", string(outcome)).
		Str("diagnostic", r.Diagnostic).
		Dur("elapsed", r.SettledAt.Sub(r.StartedAt)).
		Msg(message)

	if !r.Action.StateChanging() {
		return *r
	}
	if o.audit != nil {
		if _, err := o.audit.Append(message, r.Diagnostic); err != nil {
			log.Error().Err(err).Str("action", string(r.Action)).Msg("append audit entry failed")
		}
	}
	o.record(ctx, *r)
	return *r
}

func (o *Orchestrator) record(ctx context.Context, r Result) {
	if len(o.recorders) == 0 {
		return
	}
	recCtx := context.WithoutCancel(ctx)
	for _, rec := range o.recorders {
		if err := rec.RecordAction(recCtx, r); err != nil {
			log.Error().Err(err).Str("id", r.ID).Str("action", string(r.Action)).Msg("record action failed")
		}
	}
}
