// Package action runs state-changing device actions: precondition check,
// command dispatch, a fixed settle wait, outcome classification and the
// audit trail.
package action

import (
	"context"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/animegasan/luci-app-droidnet/internal/adb"
	"github.com/animegasan/luci-app-droidnet/internal/auditlog"
	"github.com/animegasan/luci-app-droidnet/internal/device"
	"github.com/animegasan/luci-app-droidnet/internal/model"
)

// Name identifies an action.
type Name string

const (
	EnableData         Name = "enable-data"
	DisableData        Name = "disable-data"
	EnableAirplane     Name = "enable-airplane"
	DisableAirplane    Name = "disable-airplane"
	RebootNormal       Name = "reboot-normal"
	RebootBootloader   Name = "reboot-bootloader"
	RebootRecovery     Name = "reboot-recovery"
	Shutdown           Name = "shutdown"
	InstallPackage     Name = "install-package"
	RemovePackage      Name = "remove-package"
	RefreshPackageList Name = "refresh-package-list"
)

// State is a step of the per-invocation state machine.
type State string

const (
	StateIdle        State = "idle"
	StateDispatching State = "dispatching"
	StateWaiting     State = "waiting"
	StateSettled     State = "settled"
)

// Outcome classifies a result.
type Outcome string

const (
	InFlight Outcome = "in-flight"
	Success  Outcome = "success"
	Failure  Outcome = "failure"
)

var (
	ErrUnknownAction   = errors.New("unknown action")
	ErrNotActionable   = errors.New("device state does not allow actions")
	ErrUploadCanceled  = errors.New("upload has been cancelled")
	ErrMissingPackage  = errors.New("package name is required")
	ErrMissingArtifact = errors.New("package file is required")
	// ErrDeviceConflict is returned (wrapped in a refusal) for a snapshot in conflict state.
	ErrDeviceConflict = device.ErrDeviceConflict
)

// refusal is returned when the snapshot may not drive any action. It matches
// both ErrNotActionable and its cause under errors.Is.
type refusal struct {
	cause error
}

func (r *refusal) Error() string        { return "action refused: " + r.cause.Error() }
func (r *refusal) Unwrap() error        { return r.cause }
func (r *refusal) Is(target error) bool { return target == ErrNotActionable }

// Runner is the part of the command runner the orchestrator needs.
type Runner interface {
	Run(ctx context.Context, device string, args ...string) (adb.Result, error)
	RunInstall(ctx context.Context, device string, args ...string) (string, error)
}

// Auditor appends audit lines.
type Auditor interface {
	Append(message, diagnostic string) (auditlog.Entry, error)
}

// Recorder receives every settled state-changing result.
type Recorder interface {
	RecordAction(ctx context.Context, result Result) error
}

// Observer is notified on every state transition.
type Observer func(Transition)

// Sleeper blocks for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration)

// Transition describes one state change of an invocation.
type Transition struct {
	ID      string    `json:"id"`
	Action  Name      `json:"action"`
	Device  string    `json:"device"`
	From    State     `json:"from"`
	To      State     `json:"to"`
	Outcome Outcome   `json:"outcome"`
	At      time.Time `json:"at"`
}

// Request names an action and its inputs.
type Request struct {
	// ID, when set, becomes the invocation id instead of a generated one.
	ID     string
	Action Name
	// Snapshot is the latest loaded device state; it gates every action.
	Snapshot *model.Snapshot
	// Package is the package id for remove-package.
	Package string
	// Artifact is the package file for install-package.
	Artifact io.Reader
}

// Result is the settled (or in-flight) state of one invocation.
type Result struct {
	ID          string          `json:"id"`
	Action      Name            `json:"action"`
	Device      string          `json:"device"`
	Package     string          `json:"package,omitempty"`
	State       State           `json:"state"`
	Outcome     Outcome         `json:"outcome"`
	Message     string          `json:"message,omitempty"`
	Notice      string          `json:"notice,omitempty"`
	Diagnostic  string          `json:"diagnostic,omitempty"`
	Packages    []string        `json:"packages,omitempty"`
	Provisional *model.Snapshot `json:"provisional,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	SettledAt   time.Time       `json:"settled_at,omitempty"`
}

// Settled reports whether the invocation finished.
func (r Result) Settled() bool {
	return r.State == StateSettled
}

// Waits holds the settle window per action class.
type Waits struct {
	Radio         time.Duration
	SpecialReboot time.Duration
	Reboot        time.Duration
	Shutdown      time.Duration
	Package       time.Duration
	Refresh       time.Duration
}

// DefaultWaits returns the stock settle windows.
func DefaultWaits() Waits {
	return Waits{
		Radio:         5 * time.Second,
		SpecialReboot: 10 * time.Second,
		Reboot:        30 * time.Second,
		Shutdown:      15 * time.Second,
		Package:       time.Second,
		Refresh:       10 * time.Second,
	}
}

type kind int

const (
	kindToggle kind = iota
	kindAirplane
	kindReboot
	kindInstall
	kindRemove
	kindRefresh
)

type definition struct {
	kind        kind
	args        []string
	wait        func(Waits) time.Duration
	success     string
	failure     string
	unsupported string
	notice      string
	// provisional applies the expected effect to a snapshot copy.
	provisional func(snap *model.Snapshot, req Request)
}

func radioWait(w Waits) time.Duration    { return w.Radio }
func specialWait(w Waits) time.Duration  { return w.SpecialReboot }
func rebootWait(w Waits) time.Duration   { return w.Reboot }
func shutdownWait(w Waits) time.Duration { return w.Shutdown }
func packageWait(w Waits) time.Duration  { return w.Package }
func refreshWait(w Waits) time.Duration  { return w.Refresh }

const (
	msgAirplaneBlocksData = "Failed to switch on mobile network because the device is in airplane mode."
	msgAirplaneOnOld      = "Failed to turn on airplane mode because the device Android version is below 10."
	msgAirplaneOffOld     = "Failed to turn off airplane mode because the device Android version is below 10."
	msgUploadFailed       = "Failed to upload the package."
	msgUploadCanceled     = "Upload has been cancelled."
	msgRemoveSuccess      = "Removing %s package successfully."
	msgRemoveFailure      = "Failed to remove the %s package."
)

var definitions = map[Name]definition{
	EnableData: {
		kind:    kindToggle,
		args:    []string{"shell", "svc", "data", "enable"},
		wait:    radioWait,
		success: "Mobile network has been switched on.",
		failure: "Failed to switch on mobile network.",
		notice:  "The mobile network has been successfully switched on.",
		provisional: func(snap *model.Snapshot, _ Request) {
			snap.MobileData = model.On
		},
	},
	DisableData: {
		kind:    kindToggle,
		args:    []string{"shell", "svc", "data", "disable"},
		wait:    radioWait,
		success: "Mobile network has been switched off.",
		failure: "Failed to switch off mobile network.",
		notice:  "The mobile network has been successfully switched off.",
		provisional: func(snap *model.Snapshot, _ Request) {
			snap.MobileData = model.Off
			snap.IP = nil
		},
	},
	EnableAirplane: {
		kind:        kindAirplane,
		args:        []string{"shell", "cmd", "connectivity", "airplane-mode", "enable"},
		wait:        radioWait,
		success:     "Airplane mode has been switched on.",
		failure:     "Failed to turn on airplane mode.",
		unsupported: msgAirplaneOnOld,
		notice:      "The airplane mode has been successfully switched on.",
		provisional: func(snap *model.Snapshot, _ Request) {
			snap.Airplane = model.On
		},
	},
	DisableAirplane: {
		kind:        kindAirplane,
		args:        []string{"shell", "cmd", "connectivity", "airplane-mode", "disable"},
		wait:        radioWait,
		success:     "Airplane mode has been switched off.",
		failure:     "Failed to turn off airplane mode.",
		unsupported: msgAirplaneOffOld,
		notice:      "The airplane mode has been successfully switched off.",
		provisional: func(snap *model.Snapshot, _ Request) {
			snap.Airplane = model.Off
		},
	},
	RebootBootloader: {
		kind:    kindReboot,
		args:    []string{"shell", "reboot", "bootloader"},
		wait:    specialWait,
		success: "Device entered Fastboot mode.",
		failure: "Failed to enter Fastboot mode.",
		notice:  "The device has been successfully switched to Fastboot mode.",
	},
	RebootRecovery: {
		kind:    kindReboot,
		args:    []string{"shell", "reboot", "recovery"},
		wait:    specialWait,
		success: "Device entered Recovery mode.",
		failure: "Failed to enter Recovery mode.",
		notice:  "The device has been successfully switched to Recovery mode.",
	},
	RebootNormal: {
		kind:    kindReboot,
		args:    []string{"shell", "reboot"},
		wait:    rebootWait,
		success: "Device restarted successfully.",
		failure: "Failed to restart the device.",
		notice:  "The device has been successfully restarted.",
	},
	Shutdown: {
		kind:    kindReboot,
		args:    []string{"shell", "reboot", "-p"},
		wait:    shutdownWait,
		success: "Device powered off successfully.",
		failure: "Failed to power off the device.",
		notice:  "The device has been successfully shut down.",
	},
	InstallPackage: {
		kind:    kindInstall,
		wait:    packageWait,
		success: "The package has been successfully installed.",
		failure: "Failed to install the package",
		notice:  "The package has been successfully installed.",
	},
	RemovePackage: {
		kind:    kindRemove,
		wait:    packageWait,
		success: msgRemoveSuccess,
		failure: msgRemoveFailure,
		notice:  "The package has been successfully removed.",
		provisional: func(snap *model.Snapshot, req Request) {
			if snap.Packages == nil {
				return
			}
			kept := snap.Packages[:0]
			for _, pkg := range snap.Packages {
				if pkg != req.Package {
					kept = append(kept, pkg)
				}
			}
			snap.Packages = kept
		},
	},
	RefreshPackageList: {
		kind:    kindRefresh,
		args:    []string{"shell", "pm", "list", "packages"},
		wait:    refreshWait,
		success: "The package list has been successfully updated.",
		failure: "Failed to update the package list.",
		notice:  "The package list has been successfully updated.",
	},
}

// Names returns every known action, sorted.
func Names() []Name {
	names := make([]Name, 0, len(definitions))
	for name := range definitions {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// ParseName validates a raw action name.
func ParseName(raw string) (Name, error) {
	name := Name(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := definitions[name]; !ok {
		known := make([]string, 0, len(definitions))
		for _, n := range Names() {
			known = append(known, string(n))
		}
		return "", errors.Wrapf(ErrUnknownAction, "%q (known: %s)", raw, strings.Join(known, ", "))
	}
	return name, nil
}

// StateChanging reports whether the action alters the device and is audited.
func (n Name) StateChanging() bool {
	def, ok := definitions[n]
	return ok && def.kind != kindRefresh
}
