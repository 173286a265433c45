package device

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/animegasan/luci-app-droidnet/internal/adb"
	"github.com/animegasan/luci-app-droidnet/internal/model"
)

// ErrDeviceConflict reports that the configured device is not among the
// devices attached to the adb server.
var ErrDeviceConflict = errors.New("configured device and adb devices are conflicting")

// Runner executes adb sub-commands against one device.
type Runner interface {
	Run(ctx context.Context, device string, args ...string) (adb.Result, error)
}

// Provider lists the devices currently attached to the adb server.
type Provider interface {
	ListDevices(ctx context.Context) ([]model.Attached, error)
}

// Recorder mirrors attached devices to external storage (SQLite).
type Recorder interface {
	UpsertDevices(ctx context.Context, devices []InfoUpdate) error
}

// InfoUpdate describes one device row to report.
type InfoUpdate struct {
	Serial     string
	State      string
	Model      string
	Product    string
	Configured bool
	Busy       bool
	LastSeenAt time.Time
}
