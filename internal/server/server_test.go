package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/animegasan/luci-app-droidnet/internal/action"
	"github.com/animegasan/luci-app-droidnet/internal/adb"
	"github.com/animegasan/luci-app-droidnet/internal/auditlog"
	"github.com/animegasan/luci-app-droidnet/internal/device"
	"github.com/animegasan/luci-app-droidnet/internal/model"
	"github.com/animegasan/luci-app-droidnet/internal/pager"
)

type stubLoader struct {
	mu     sync.Mutex
	snap   *model.Snapshot
	err    error
	scopes []device.Scope
}

func (s *stubLoader) Load(ctx context.Context, scope device.Scope) (*model.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scopes = append(s.scopes, scope)
	if s.snap == nil {
		return nil, s.err
	}
	return s.snap.Clone(), s.err
}

func (s *stubLoader) count(scope device.Scope) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sc := range s.scopes {
		if sc == scope {
			n++
		}
	}
	return n
}

type stubExecutor struct {
	mu       sync.Mutex
	reqs     []action.Request
	uploaded []byte
	gate     chan struct{}
	err      error
}

func (s *stubExecutor) Device() string { return "R58M" }

func (s *stubExecutor) Execute(ctx context.Context, req action.Request) (action.Result, error) {
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	s.reqs = append(s.reqs, req)
	s.mu.Unlock()
	if s.err != nil {
		return action.Result{}, s.err
	}
	if req.Artifact != nil {
		data, err := io.ReadAll(req.Artifact)
		if err != nil {
			return action.Result{}, err
		}
		s.mu.Lock()
		s.uploaded = data
		s.mu.Unlock()
	}
	return action.Result{
		ID:      req.ID,
		Action:  req.Action,
		Device:  "R58M",
		Package: req.Package,
		State:   action.StateSettled,
		Outcome: action.Success,
		Message: "done",
	}, nil
}

func (s *stubExecutor) requests() []action.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]action.Request(nil), s.reqs...)
}

type stubDevices struct {
	mu       sync.Mutex
	attached []model.Attached
	err      error
	busy     map[string]bool
}

func (s *stubDevices) Refresh(ctx context.Context) ([]model.Attached, error) {
	return s.attached, s.err
}

func (s *stubDevices) Acquire(serial string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy[serial] {
		return false
	}
	s.busy[serial] = true
	return true
}

func (s *stubDevices) Release(serial string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.busy, serial)
}

func (s *stubDevices) Busy(serial string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy[serial]
}

type stubLog struct {
	lines []string
	err   error
	dirs  []auditlog.Direction
}

func (s *stubLog) Read(direction auditlog.Direction) ([]string, error) {
	s.dirs = append(s.dirs, direction)
	return s.lines, s.err
}

type fixture struct {
	srv     *Server
	loader  *stubLoader
	exec    *stubExecutor
	devices *stubDevices
	log     *stubLog
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		loader: &stubLoader{snap: &model.Snapshot{
			Device:   "R58M",
			Packages: []string{"com.android.chrome", "com.whatsapp", "org.telegram"},
		}},
		exec:    &stubExecutor{},
		devices: &stubDevices{busy: map[string]bool{}},
		log:     &stubLog{},
	}
	srv, err := New(Deps{
		PageSize: 2,
		Loader:   f.loader,
		Actions:  f.exec,
		Devices:  f.devices,
		Log:      f.log,
		NewID:    func() string { return "job-1" },
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	f.srv = srv
	return f
}

func (f *fixture) do(t *testing.T, method, target string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func waitForJob(t *testing.T, jobs *Jobs, id string) action.Result {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if res, ok := jobs.Get(id); ok && res.Settled() {
			return res
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s did not settle", id)
	return action.Result{}
}

func TestNewRequiresDeps(t *testing.T) {
	if _, err := New(Deps{}); err == nil {
		t.Fatal("expected error without loader")
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/healthz", nil, "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"device":"R58M"`) {
		t.Fatalf("unexpected response %d %s", rec.Code, rec.Body.String())
	}
}

func TestDeviceSnapshot(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/device?scope=network", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	var snap model.Snapshot
	decode(t, rec, &snap)
	if snap.Device != "R58M" {
		t.Fatalf("device=%q", snap.Device)
	}
	if got := f.loader.scopes; len(got) != 1 || got[0] != device.ScopeNetwork {
		t.Fatalf("scopes=%v", got)
	}

	if rec := f.do(t, http.MethodGet, "/api/device?scope=bogus", nil, ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("bogus scope status=%d", rec.Code)
	}

	f.loader.err = &adb.TransportError{Args: []string{"shell", "getprop"}, Err: errors.New("exec: not found")}
	if rec := f.do(t, http.MethodGet, "/api/device", nil, ""); rec.Code != http.StatusBadGateway {
		t.Fatalf("transport status=%d", rec.Code)
	}
}

func TestDevicesList(t *testing.T) {
	f := newFixture(t)
	f.devices.attached = []model.Attached{{Serial: "R58M", State: model.StateOnline, Model: "SM_A525F"}}
	rec := f.do(t, http.MethodGet, "/api/devices", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	var body struct {
		Configured string           `json:"configured"`
		Busy       bool             `json:"busy"`
		Devices    []model.Attached `json:"devices"`
	}
	decode(t, rec, &body)
	if body.Configured != "R58M" || body.Busy || len(body.Devices) != 1 || body.Devices[0].Model != "SM_A525F" {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestPackagesPagination(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/packages?page=2", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	var page pager.Page
	decode(t, rec, &page)
	if page.Page != 2 || page.Summary != "Displaying 3-3 of 3" || len(page.Items) != 1 {
		t.Fatalf("unexpected page: %+v", page)
	}

	rec = f.do(t, http.MethodGet, "/api/packages?filter=WHATS", nil, "")
	decode(t, rec, &page)
	if page.Total != 1 || page.Items[0] != "com.whatsapp" {
		t.Fatalf("unexpected filtered page: %+v", page)
	}

	if rec := f.do(t, http.MethodGet, "/api/packages?size=0", nil, ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("size=0 status=%d", rec.Code)
	}

	f.loader.snap.Conflict = true
	if rec := f.do(t, http.MethodGet, "/api/packages?refresh=1", nil, ""); rec.Code != http.StatusConflict {
		t.Fatalf("conflict status=%d", rec.Code)
	}
}

func TestPackagesServedFromLastSnapshot(t *testing.T) {
	f := newFixture(t)
	for _, target := range []string{"/api/packages", "/api/packages?page=2", "/api/packages?filter=tele"} {
		if rec := f.do(t, http.MethodGet, target, nil, ""); rec.Code != http.StatusOK {
			t.Fatalf("%s status=%d", target, rec.Code)
		}
	}
	if n := f.loader.count(device.ScopeSystem); n != 1 {
		t.Fatalf("paging must reuse the loaded list, loads=%d", n)
	}

	if rec := f.do(t, http.MethodGet, "/api/packages?refresh=1", nil, ""); rec.Code != http.StatusOK {
		t.Fatalf("refresh status=%d", rec.Code)
	}
	if n := f.loader.count(device.ScopeSystem); n != 2 {
		t.Fatalf("refresh must reload, loads=%d", n)
	}

	rec := f.do(t, http.MethodPost, "/api/actions/remove-package", strings.NewReader(`{"package":"com.whatsapp"}`), "application/json")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("action status=%d", rec.Code)
	}
	waitForJob(t, f.srv.Jobs(), "job-1")
	f.loader.mu.Lock()
	f.loader.snap.Packages = []string{"com.android.chrome"}
	f.loader.mu.Unlock()
	rec = f.do(t, http.MethodGet, "/api/packages", nil, "")
	var page pager.Page
	decode(t, rec, &page)
	if page.Total != 1 || f.loader.count(device.ScopeSystem) != 3 {
		t.Fatalf("settled action must drop the cached list: %+v", page)
	}
}

func TestActionRunsInBackground(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/api/actions/remove-package", strings.NewReader(`{"package":" com.whatsapp "}`), "application/json")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	var job action.Result
	decode(t, rec, &job)
	if job.ID != "job-1" || job.Outcome != action.InFlight {
		t.Fatalf("unexpected job: %+v", job)
	}

	res := waitForJob(t, f.srv.Jobs(), "job-1")
	if res.Outcome != action.Success || res.Package != "com.whatsapp" {
		t.Fatalf("unexpected result: %+v", res)
	}
	reqs := f.exec.requests()
	if len(reqs) != 1 || reqs[0].ID != "job-1" || reqs[0].Snapshot == nil {
		t.Fatalf("unexpected requests: %+v", reqs)
	}
	if got := f.loader.scopes; got[len(got)-1] != device.ScopeAll {
		t.Fatalf("actions must load the full snapshot, got %v", got)
	}

	rec = f.do(t, http.MethodGet, "/api/actions/job-1", nil, "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"outcome":"success"`) {
		t.Fatalf("unexpected job lookup %d %s", rec.Code, rec.Body.String())
	}
	if rec := f.do(t, http.MethodGet, "/api/actions/missing", nil, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("missing job status=%d", rec.Code)
	}
}

func TestActionRefusedWhileBusy(t *testing.T) {
	f := newFixture(t)
	f.exec.gate = make(chan struct{})
	rec := f.do(t, http.MethodPost, "/api/actions/disable-data", nil, "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	rec = f.do(t, http.MethodPost, "/api/actions/enable-data", nil, "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("second action status=%d", rec.Code)
	}
	close(f.exec.gate)
	waitForJob(t, f.srv.Jobs(), "job-1")
	deadline := time.Now().Add(2 * time.Second)
	for f.devices.Busy("R58M") && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if f.devices.Busy("R58M") {
		t.Fatal("device should be released after the action settles")
	}
}

func TestActionValidation(t *testing.T) {
	f := newFixture(t)
	cases := []struct {
		name   string
		target string
		body   string
		want   int
	}{
		{name: "unknown", target: "/api/actions/format-disk", want: http.StatusNotFound},
		{name: "install via json", target: "/api/actions/install-package", want: http.StatusBadRequest},
		{name: "remove without package", target: "/api/actions/remove-package", body: `{}`, want: http.StatusBadRequest},
		{name: "bad json", target: "/api/actions/remove-package", body: `{`, want: http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, tc.target, strings.NewReader(tc.body), "application/json")
			if rec.Code != tc.want {
				t.Fatalf("status=%d want %d body=%s", rec.Code, tc.want, rec.Body.String())
			}
		})
	}
	if len(f.exec.requests()) != 0 {
		t.Fatal("invalid requests must not reach the orchestrator")
	}
}

func TestActionRefusedOnConflict(t *testing.T) {
	f := newFixture(t)
	f.loader.snap.Conflict = true
	rec := f.do(t, http.MethodPost, "/api/actions/reboot-normal", nil, "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("status=%d", rec.Code)
	}
	if f.devices.Busy("R58M") {
		t.Fatal("refused action must release the device")
	}
	if len(f.exec.requests()) != 0 {
		t.Fatal("conflicting snapshot must not dispatch")
	}
}

func TestInstallUpload(t *testing.T) {
	f := newFixture(t)
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile(uploadField, "app.apk")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	fw.Write([]byte("apk-bytes"))
	mw.Close()

	rec := f.do(t, http.MethodPost, "/api/packages/install", &buf, mw.FormDataContentType())
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	if string(f.exec.uploaded) != "apk-bytes" {
		t.Fatalf("uploaded=%q", f.exec.uploaded)
	}
	if f.devices.Busy("R58M") {
		t.Fatal("device should be released after install")
	}

	var empty bytes.Buffer
	mw = multipart.NewWriter(&empty)
	mw.WriteField("other", "x")
	mw.Close()
	rec = f.do(t, http.MethodPost, "/api/packages/install", &empty, mw.FormDataContentType())
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing file status=%d", rec.Code)
	}
}

type installRunner struct {
	mu       sync.Mutex
	installs int
}

func (r *installRunner) Run(ctx context.Context, device string, args ...string) (adb.Result, error) {
	return adb.Result{}, nil
}

func (r *installRunner) RunInstall(ctx context.Context, device string, args ...string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.installs++
	return "Success", nil
}

func TestInstallTruncatedUploadIsNotAudited(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "droidnet.log")
	staging := filepath.Join(dir, "upload.apk")
	runner := &installRunner{}
	recorder := &stubRecorder{}
	orch := action.New(runner, auditlog.New(logPath), "R58M",
		action.WithStagingPath(staging),
		action.WithSleeper(func(context.Context, time.Duration) {}),
		action.WithRecorder(recorder),
	)
	devices := &stubDevices{busy: map[string]bool{}}
	srv, err := New(Deps{
		Loader:  &stubLoader{snap: &model.Snapshot{Device: "R58M"}},
		Actions: orch,
		Devices: devices,
		NewID:   func() string { return "job-1" },
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	// the client announced a larger body and hung up inside the file part
	body := "--b\r\n" +
		"Content-Disposition: form-data; name=\"package\"; filename=\"app.apk\"\r\n" +
		"Content-Type: application/vnd.android.package-archive\r\n\r\n" +
		"PK\x03\x04 first chunk of the archive"
	req := httptest.NewRequest(http.MethodPost, "/api/packages/install", strings.NewReader(body))
	req.Header.Set("Content-Type", "multipart/form-data; boundary=b")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	if data, err := os.ReadFile(logPath); err == nil && len(data) > 0 {
		t.Fatalf("cancelled upload wrote an audit entry: %q", data)
	}
	if runner.installs != 0 || len(recorder.results) != 0 {
		t.Fatalf("cancelled upload reached the device: installs=%d recorded=%d", runner.installs, len(recorder.results))
	}
	if _, err := os.Stat(staging); !os.IsNotExist(err) {
		t.Fatalf("staged file left behind: %v", err)
	}
	if res, ok := srv.Jobs().Get("job-1"); !ok || res.Outcome != action.Failure || res.Message == "" {
		t.Fatalf("unexpected job: %+v", res)
	}
	if devices.Busy("R58M") {
		t.Fatal("device should be released after a cancelled upload")
	}
}

type stubRecorder struct {
	results []action.Result
}

func (r *stubRecorder) RecordAction(ctx context.Context, res action.Result) error {
	r.results = append(r.results, res)
	return nil
}

func TestUploadBodyMapsTruncation(t *testing.T) {
	ctx := context.Background()
	_, err := io.ReadAll(uploadBody{ctx: ctx, r: io.MultiReader(strings.NewReader("abc"), iotestErr{io.ErrUnexpectedEOF})})
	if !errors.Is(err, action.ErrUploadCanceled) {
		t.Fatalf("truncated body: %v", err)
	}
	data, err := io.ReadAll(uploadBody{ctx: ctx, r: strings.NewReader("abc")})
	if err != nil || string(data) != "abc" {
		t.Fatalf("complete body = %q, %v", data, err)
	}
	disk := errors.New("disk on fire")
	if _, err := io.ReadAll(uploadBody{ctx: ctx, r: iotestErr{disk}}); errors.Is(err, action.ErrUploadCanceled) || !errors.Is(err, disk) {
		t.Fatalf("other errors must pass through: %v", err)
	}
}

type iotestErr struct{ err error }

func (e iotestErr) Read([]byte) (int, error) { return 0, e.err }

func TestLogDirections(t *testing.T) {
	f := newFixture(t)
	f.log.lines = []string{"Tue, Mar 5, 10:00 AM - Mobile network has been switched off."}
	rec := f.do(t, http.MethodGet, "/api/log?direction=up", nil, "")
	if rec.Code != http.StatusOK || len(f.log.dirs) != 1 || f.log.dirs[0] != auditlog.Up {
		t.Fatalf("status=%d dirs=%v", rec.Code, f.log.dirs)
	}

	f.log.lines, f.log.err = nil, auditlog.ErrEmpty
	rec = f.do(t, http.MethodGet, "/api/log", nil, "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"lines":[]`) {
		t.Fatalf("empty log response %d %s", rec.Code, rec.Body.String())
	}

	if rec := f.do(t, http.MethodGet, "/api/log?direction=sideways", nil, ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad direction status=%d", rec.Code)
	}
}

func TestJobsObserveTransitions(t *testing.T) {
	jobs := NewJobs()
	jobs.start("a1", action.DisableData, "R58M", "", time.Now())
	jobs.Observe(action.Transition{ID: "a1", To: action.StateWaiting, Outcome: action.InFlight})
	res, ok := jobs.Get("a1")
	if !ok || res.State != action.StateWaiting {
		t.Fatalf("unexpected job: %+v", res)
	}
	jobs.Observe(action.Transition{ID: "unknown", To: action.StateSettled})
	if _, ok := jobs.Get("unknown"); ok {
		t.Fatal("observe must not create jobs")
	}
	jobs.fail("a1", errors.New("device state does not allow actions"), time.Now())
	res, _ = jobs.Get("a1")
	if res.Outcome != action.Failure || !res.Settled() {
		t.Fatalf("unexpected failed job: %+v", res)
	}
}
