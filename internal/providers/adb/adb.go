// Package adb lists attached devices, either through the adb server protocol
// (gadb) or by parsing `adb devices -l`.
package adb

import (
	"context"
	"strings"

	"github.com/httprunner/httprunner/v5/pkg/gadb"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	adbcli "github.com/animegasan/luci-app-droidnet/internal/adb"
	"github.com/animegasan/luci-app-droidnet/internal/model"
	"github.com/animegasan/luci-app-droidnet/internal/parser"
)

// Provider implements device.Provider using gadb.
type Provider struct {
	client gadb.Client
}

// New creates a Provider backed by the given gadb client.
func New(client gadb.Client) *Provider {
	return &Provider{client: client}
}

// NewDefault creates a Provider using a default gadb client.
func NewDefault() (*Provider, error) {
	client, err := gadb.NewClient()
	if err != nil {
		return nil, errors.Wrap(err, "init adb client for provider")
	}
	return New(client), nil
}

// ListDevices returns the attached devices with their state. The model name
// is read from the device properties for online devices.
func (p *Provider) ListDevices(ctx context.Context) ([]model.Attached, error) {
	if p == nil {
		return nil, errors.New("adb provider is nil")
	}
	devs, err := p.client.DeviceList()
	if err != nil {
		return nil, errors.Wrap(err, "list adb devices")
	}
	result := make([]model.Attached, 0, len(devs))
	for _, dev := range devs {
		if dev == nil {
			continue
		}
		serial := strings.TrimSpace(dev.Serial())
		if serial == "" {
			continue
		}
		info := model.Attached{Serial: serial, State: model.StateOffline}
		state, err := dev.State()
		switch {
		case err != nil:
			info.State = strings.ToLower(string(gadb.StateUnknown))
		case state == gadb.StateOnline:
			info.State = model.StateOnline
		case state == gadb.StateOffline:
			info.State = model.StateOffline
		default:
			info.State = string(state)
		}
		if info.Online() {
			out, err := dev.RunShellCommand("getprop", "ro.product.model")
			if err != nil {
				log.Debug().Err(err).Str("serial", serial).Msg("read device model failed")
			} else {
				info.Model = strings.ReplaceAll(strings.TrimSpace(out), " ", "_")
			}
		}
		result = append(result, info)
	}
	return result, nil
}

// DeviceLister is the part of the command runner the CLI provider needs.
type DeviceLister interface {
	Devices(ctx context.Context) (adbcli.Result, error)
}

// CLIProvider implements device.Provider by running `adb devices -l`.
type CLIProvider struct {
	runner DeviceLister
}

// NewCLI creates a CLIProvider on top of the command runner.
func NewCLI(runner DeviceLister) *CLIProvider {
	return &CLIProvider{runner: runner}
}

// ListDevices parses the attached device table.
func (p *CLIProvider) ListDevices(ctx context.Context) ([]model.Attached, error) {
	if p == nil || p.runner == nil {
		return nil, errors.New("adb cli provider: runner is nil")
	}
	res, err := p.runner.Devices(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list adb devices")
	}
	if diag := strings.TrimSpace(res.Stderr); diag != "" && strings.TrimSpace(res.Stdout) == "" {
		return nil, errors.Errorf("list adb devices: %s", diag)
	}
	return parser.ParseDevices(res.Stdout), nil
}
