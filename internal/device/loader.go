// Package device builds device snapshots from adb output and tracks the
// devices attached to the adb server.
package device

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/animegasan/luci-app-droidnet/internal/model"
	"github.com/animegasan/luci-app-droidnet/internal/parser"
)

// Scope selects which retrieval steps a load runs.
type Scope string

const (
	ScopeNetwork Scope = "network"
	ScopeSystem  Scope = "system"
	ScopeAll     Scope = "all"
)

// ParseScope maps a query value to a Scope; empty means ScopeAll.
func ParseScope(raw string) (Scope, error) {
	switch Scope(strings.ToLower(strings.TrimSpace(raw))) {
	case "", ScopeAll:
		return ScopeAll, nil
	case ScopeNetwork:
		return ScopeNetwork, nil
	case ScopeSystem:
		return ScopeSystem, nil
	default:
		return "", errors.Errorf("unknown scope %q", raw)
	}
}

// Shell argument vectors of the retrieval steps.
var (
	PropertiesArgs = []string{"shell", "getprop"}
	SettingsArgs   = []string{"shell", "settings", "list", "global"}
	IMEIArgs       = []string{"shell", "service", "call", "iphonesubinfo", "1", "s16", "com.android.shell"}
	RouteArgs      = []string{"shell", "ip", "route"}
	StorageArgs    = []string{"shell", "df", "sdcard", "-h"}
	PackagesArgs   = []string{"shell", "pm", "list", "packages"}
)

type step struct {
	section model.Section
	args    []string
	apply   func(snap *model.Snapshot, stdout, stderr string)
}

var (
	networkSteps = []step{
		{model.SectionProperties, PropertiesArgs, applyProperties},
		{model.SectionSettings, SettingsArgs, applySettings},
		{model.SectionIMEI, IMEIArgs, applyIMEI},
		{model.SectionRoute, RouteArgs, applyRoute},
	}
	systemSteps = []step{
		{model.SectionStorage, StorageArgs, applyStorage},
		{model.SectionPackages, PackagesArgs, applyPackages},
	}
)

func stepsFor(scope Scope) []step {
	switch scope {
	case ScopeNetwork:
		return networkSteps
	case ScopeSystem:
		return systemSteps
	default:
		all := make([]step, 0, len(networkSteps)+len(systemSteps))
		all = append(all, networkSteps...)
		return append(all, systemSteps...)
	}
}

// Loader rebuilds a Snapshot for one configured device.
type Loader struct {
	runner Runner
	device string
}

// NewLoader creates a Loader bound to the configured device id.
func NewLoader(runner Runner, device string) *Loader {
	return &Loader{runner: runner, device: strings.TrimSpace(device)}
}

// Device returns the configured device id.
func (l *Loader) Device() string {
	return l.device
}

// Load runs every retrieval step of scope concurrently and merges the
// partial records. A transport failure of any step aborts the load: the
// returned snapshot then carries only the device id and the error text.
func (l *Loader) Load(ctx context.Context, scope Scope) (*model.Snapshot, error) {
	if l == nil || l.runner == nil {
		return nil, errors.New("device loader: runner is nil")
	}
	if l.device == "" {
		return nil, errors.New("device loader: device id is empty")
	}
	started := time.Now()
	steps := stepsFor(scope)
	outputs := make([][2]string, len(steps))

	g, gctx := errgroup.WithContext(ctx)
	for i, st := range steps {
		g.Go(func() error {
			res, err := l.runner.Run(gctx, l.device, st.args...)
			if err != nil {
				return errors.Wrapf(err, "retrieve %s", st.section)
			}
			outputs[i] = [2]string{res.Stdout, res.Stderr}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Error().Err(err).
			Str("device", l.device).
			Str("scope", string(scope)).
			Msg("device load failed")
		return &model.Snapshot{Device: l.device, Error: err.Error()}, err
	}

	snap := &model.Snapshot{Device: l.device}
	for i, st := range steps {
		st.apply(snap, outputs[i][0], outputs[i][1])
	}
	for _, diag := range snap.Diagnostics {
		if parser.IsDeviceNotFound(diag) {
			snap.Conflict = true
			break
		}
	}

	evt := log.Info()
	if snap.Conflict {
		evt = log.Warn()
	}
	evt.Str("device", l.device).
		Str("scope", string(scope)).
		Int("diagnostics", len(snap.Diagnostics)).
		Bool("conflict", snap.Conflict).
		Dur("elapsed", time.Since(started)).
		Msg("device loaded")
	return snap, nil
}

func applyProperties(snap *model.Snapshot, stdout, stderr string) {
	p := parser.ParseProperties(stdout, stderr)
	if p.Diagnostic != "" {
		snap.SetDiagnostic(model.SectionProperties, p.Diagnostic)
		return
	}
	snap.Operator = p.Operator
	snap.Network = p.Network
	snap.Driver = p.Driver
	snap.Roaming = p.Roaming
	snap.MCC = p.MCC
	snap.SDK = p.SDK
}

func applySettings(snap *model.Snapshot, stdout, stderr string) {
	s := parser.ParseSettings(stdout, stderr)
	if s.Diagnostic != "" {
		snap.SetDiagnostic(model.SectionSettings, s.Diagnostic)
		return
	}
	snap.Airplane = s.Airplane
	snap.SIM1Data = s.SIM1Data
	snap.SIM2Data = s.SIM2Data
}

func applyIMEI(snap *model.Snapshot, stdout, stderr string) {
	r := parser.ParseIMEI(stdout, stderr)
	if r.Diagnostic != "" {
		snap.SetDiagnostic(model.SectionIMEI, r.Diagnostic)
		return
	}
	snap.IMEI = r.Value
}

func applyRoute(snap *model.Snapshot, stdout, stderr string) {
	r := parser.ParseRoute(stdout, stderr)
	snap.SetDiagnostic(model.SectionRoute, r.Diagnostic)
	snap.IP = r.IP
	snap.MobileData = r.MobileData
}

func applyStorage(snap *model.Snapshot, stdout, stderr string) {
	s := parser.ParseStorage(stdout, stderr)
	if s.Diagnostic != "" {
		snap.SetDiagnostic(model.SectionStorage, s.Diagnostic)
		return
	}
	snap.Storage = s.Usage
}

func applyPackages(snap *model.Snapshot, stdout, stderr string) {
	p := parser.ParsePackages(stdout, stderr)
	if p.Diagnostic != "" {
		snap.SetDiagnostic(model.SectionPackages, p.Diagnostic)
		return
	}
	snap.Packages = p.Packages
}
