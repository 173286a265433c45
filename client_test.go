package droidnet

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/animegasan/luci-app-droidnet/internal/action"
	"github.com/animegasan/luci-app-droidnet/internal/adb"
	"github.com/animegasan/luci-app-droidnet/internal/auditlog"
	"github.com/animegasan/luci-app-droidnet/internal/config"
	"github.com/animegasan/luci-app-droidnet/internal/devrecorder"
	"github.com/animegasan/luci-app-droidnet/internal/device"
	"github.com/animegasan/luci-app-droidnet/internal/pager"
	"github.com/animegasan/luci-app-droidnet/internal/storage"
)

type stubRunner struct {
	mu      sync.Mutex
	replies map[string]adb.Result
	stderr  string
	devices adb.Result
	calls   []string
}

func (s *stubRunner) Run(ctx context.Context, serial string, args ...string) (adb.Result, error) {
	key := strings.Join(args, " ")
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, key)
	if s.stderr != "" {
		return adb.Result{Stderr: s.stderr, Exit: 1}, nil
	}
	return s.replies[key], nil
}

func (s *stubRunner) RunInstall(ctx context.Context, serial string, args ...string) (string, error) {
	return "Success", nil
}

func (s *stubRunner) Devices(ctx context.Context) (adb.Result, error) {
	return s.devices, nil
}

func (s *stubRunner) called(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.calls {
		if c == key {
			return true
		}
	}
	return false
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv(devrecorder.EnvAppToken, "")
	t.Setenv(devrecorder.EnvTableID, "")
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Device = "R58M"
	cfg.Discovery = config.DiscoveryCLI
	cfg.LogPath = filepath.Join(dir, "droidnet.log")
	cfg.StagingPath = filepath.Join(dir, "upload.apk")
	cfg.DatabasePath = filepath.Join(dir, "history.sqlite")
	cfg.PageSize = 2
	cfg.Waits = config.WaitConfig{}
	return cfg
}

func newTestClient(t *testing.T, cfg *config.Config, runner *stubRunner) *Client {
	t.Helper()
	c, err := New(cfg, WithRunner(runner), WithSleeper(func(context.Context, time.Duration) {}))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestRunRecordsAuditAndHistory(t *testing.T) {
	runner := &stubRunner{replies: map[string]adb.Result{}}
	c := newTestClient(t, testConfig(t), runner)

	res, err := c.Run(context.Background(), action.DisableData, "")
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if res.Outcome != action.Success || !runner.called("shell svc data disable") {
		t.Fatalf("unexpected result: %+v", res)
	}

	lines, err := c.Log(auditlog.Down)
	if err != nil {
		t.Fatalf("read log failed: %v", err)
	}
	if len(lines) != 1 || !strings.HasSuffix(lines[0], " - Mobile network has been switched off.") {
		t.Fatalf("unexpected audit lines: %q", lines)
	}

	rows, err := c.History(context.Background(), storage.Filter{})
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	if len(rows) != 1 || rows[0].ID != res.ID || rows[0].Outcome != string(action.Success) {
		t.Fatalf("unexpected history: %+v", rows)
	}

	if _, ok := c.jobs.Get(res.ID); ok {
		t.Fatal("direct runs are not registered as jobs")
	}
}

func TestRunRefusesConflictingDevice(t *testing.T) {
	runner := &stubRunner{stderr: "error: device 'R58M' not found"}
	c := newTestClient(t, testConfig(t), runner)

	_, err := c.Run(context.Background(), action.RebootNormal, "")
	if !errors.Is(err, action.ErrNotActionable) || !errors.Is(err, device.ErrDeviceConflict) {
		t.Fatalf("expected conflict refusal, got %v", err)
	}
	if runner.called("reboot") {
		t.Fatal("reboot must not be dispatched")
	}
	if _, err := c.Log(auditlog.Down); !errors.Is(err, auditlog.ErrEmpty) {
		t.Fatalf("conflict must not be audited, got %v", err)
	}
}

func TestPackagesPage(t *testing.T) {
	runner := &stubRunner{replies: map[string]adb.Result{
		"shell pm list packages": {Stdout: "package:com.android.chrome\npackage:com.whatsapp\npackage:org.telegram\n"},
	}}
	c := newTestClient(t, testConfig(t), runner)

	page, err := c.Packages(context.Background(), pager.Query{Page: 2})
	if err != nil {
		t.Fatalf("packages failed: %v", err)
	}
	if page.Summary != "Displaying 3-3 of 3" || page.Items[0] != "org.telegram" {
		t.Fatalf("unexpected page: %+v", page)
	}
}

func TestDevicesUsesCLIDiscovery(t *testing.T) {
	runner := &stubRunner{devices: adb.Result{
		Stdout: "List of devices attached\nR58M device product:a52qnsxx model:SM_A525F device:a52q transport_id:3\n",
	}}
	c := newTestClient(t, testConfig(t), runner)

	attached, err := c.Devices(context.Background())
	if err != nil {
		t.Fatalf("devices failed: %v", err)
	}
	if len(attached) != 1 || attached[0].Model != "SM_A525F" || !attached[0].Online() {
		t.Fatalf("unexpected devices: %+v", attached)
	}

	rows, err := c.DeviceHistory(context.Background())
	if err != nil {
		t.Fatalf("device history failed: %v", err)
	}
	if len(rows) != 1 || rows[0].Serial != "R58M" || rows[0].Model != "SM_A525F" || !rows[0].Configured {
		t.Fatalf("unexpected device rows: %+v", rows)
	}
}

func TestDeviceRequired(t *testing.T) {
	cfg := testConfig(t)
	cfg.Device = ""
	cfg.DatabasePath = ""
	c := newTestClient(t, cfg, &stubRunner{})

	if _, err := c.Snapshot(context.Background(), device.ScopeAll); err == nil {
		t.Fatal("expected error without device")
	}
	if _, err := c.Run(context.Background(), action.DisableData, ""); err == nil {
		t.Fatal("expected error without device")
	}
	if _, err := c.History(context.Background(), storage.Filter{}); err == nil {
		t.Fatal("expected error without history database")
	}
	if _, err := c.DeviceHistory(context.Background()); err == nil {
		t.Fatal("expected error without history database")
	}
}

func TestGoSafeRestartsAfterPanic(t *testing.T) {
	calls := 0
	want := errors.New("stopped")
	g, ctx := errgroup.WithContext(context.Background())
	goSafe(ctx, g, "flaky", func(context.Context) error {
		calls++
		if calls == 1 {
			panic("boom")
		}
		return want
	})
	if err := g.Wait(); err != want {
		t.Fatalf("err=%v", err)
	}
	if calls != 2 {
		t.Fatalf("calls=%d", calls)
	}
}
