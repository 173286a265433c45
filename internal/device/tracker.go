package device

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/animegasan/luci-app-droidnet/internal/model"
)

const offlineThreshold = 5 * time.Minute

// Status describes whether an action is running on a device.
type Status string

const (
	StatusIdle Status = "idle"
	StatusBusy Status = "busy"
)

// Tracker keeps the list of attached devices, resolves the configured device
// against it and serialises actions per device.
type Tracker struct {
	provider   Provider
	recorder   Recorder
	configured string
	now        func() time.Time

	mu      sync.Mutex
	devices map[string]*state
}

type state struct {
	info     model.Attached
	status   Status
	present  bool
	lastSeen time.Time
}

// NewTracker builds a Tracker. provider and recorder may be nil.
func NewTracker(provider Provider, recorder Recorder, configured string) *Tracker {
	return &Tracker{
		provider:   provider,
		recorder:   recorder,
		configured: strings.TrimSpace(configured),
		now:        time.Now,
		devices:    make(map[string]*state),
	}
}

// Refresh lists attached devices and syncs the recorder.
func (t *Tracker) Refresh(ctx context.Context) ([]model.Attached, error) {
	if t == nil || t.provider == nil {
		return nil, errors.New("device tracker: provider is nil")
	}
	attached, err := t.provider.ListDevices(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list devices failed")
	}
	now := t.now()
	seen := make(map[string]struct{}, len(attached))
	updates := make([]InfoUpdate, 0, len(attached))

	t.mu.Lock()
	for _, info := range attached {
		info.Serial = strings.TrimSpace(info.Serial)
		if info.Serial == "" {
			continue
		}
		seen[info.Serial] = struct{}{}
		dev, exists := t.devices[info.Serial]
		if !exists {
			dev = &state{status: StatusIdle}
			t.devices[info.Serial] = dev
			log.Info().Str("serial", info.Serial).Str("model", info.Model).Msg("device connected")
		}
		dev.info = info
		dev.present = true
		dev.lastSeen = now
		updates = append(updates, t.update(dev, info.State))
	}

	for serial, dev := range t.devices {
		if _, ok := seen[serial]; ok {
			continue
		}
		dev.present = false
		if dev.status == StatusBusy {
			log.Warn().Str("serial", serial).Msg("device disconnected during action")
			continue
		}
		if now.Sub(dev.lastSeen) < offlineThreshold {
			continue
		}
		delete(t.devices, serial)
		update := t.update(dev, model.StateOffline)
		update.LastSeenAt = dev.lastSeen
		updates = append(updates, update)
		log.Info().Str("serial", serial).Msg("device disconnected")
	}
	t.mu.Unlock()

	if t.recorder != nil && len(updates) > 0 {
		if err := t.recorder.UpsertDevices(ctx, updates); err != nil {
			log.Error().Err(err).Msg("device recorder upsert failed")
		}
	}
	return t.Attached(), nil
}

func (t *Tracker) update(dev *state, stateName string) InfoUpdate {
	return InfoUpdate{
		Serial:     dev.info.Serial,
		State:      stateName,
		Model:      dev.info.Model,
		Product:    dev.info.Product,
		Configured: dev.info.Serial == t.configured,
		Busy:       dev.status == StatusBusy,
		LastSeenAt: dev.lastSeen,
	}
}

// Attached returns the devices seen by the last refresh, ordered by serial.
func (t *Tracker) Attached() []model.Attached {
	t.mu.Lock()
	defer t.mu.Unlock()
	result := make([]model.Attached, 0, len(t.devices))
	for _, dev := range t.devices {
		if dev.present && dev.info.Serial != "" {
			result = append(result, dev.info)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Serial < result[j].Serial })
	return result
}

// Resolve refreshes the device list and checks that the configured device is
// attached and online.
func (t *Tracker) Resolve(ctx context.Context) (model.Attached, error) {
	if t.configured == "" {
		return model.Attached{}, errors.New("device tracker: no device configured")
	}
	attached, err := t.Refresh(ctx)
	if err != nil {
		return model.Attached{}, err
	}
	for _, dev := range attached {
		if dev.Serial != t.configured {
			continue
		}
		if !dev.Online() {
			return dev, errors.Wrapf(ErrDeviceConflict, "device %s is %s", dev.Serial, dev.State)
		}
		return dev, nil
	}
	return model.Attached{}, errors.Wrapf(ErrDeviceConflict, "device %s not attached", t.configured)
}

// Acquire marks serial busy. It returns false when an action is already running.
func (t *Tracker) Acquire(serial string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	dev, ok := t.devices[serial]
	if !ok {
		dev = &state{info: model.Attached{Serial: serial}, status: StatusIdle, lastSeen: t.now()}
		t.devices[serial] = dev
	}
	if dev.status == StatusBusy {
		return false
	}
	dev.status = StatusBusy
	return true
}

// Release marks serial idle again.
func (t *Tracker) Release(serial string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if dev, ok := t.devices[serial]; ok {
		dev.status = StatusIdle
	}
}

// Busy reports whether an action is running on serial.
func (t *Tracker) Busy(serial string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	dev, ok := t.devices[serial]
	return ok && dev.status == StatusBusy
}
