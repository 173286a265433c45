package devrecorder

import (
	"context"
	"errors"
	"testing"
	"time"

	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	larkbitable "github.com/larksuite/oapi-sdk-go/v3/service/bitable/v1"

	"github.com/animegasan/luci-app-droidnet/internal/action"
)

type stubCreator struct {
	reqs []*larkbitable.CreateAppTableRecordReq
	resp *larkbitable.CreateAppTableRecordResp
	err  error
}

func (s *stubCreator) Create(ctx context.Context, req *larkbitable.CreateAppTableRecordReq, options ...larkcore.RequestOptionFunc) (*larkbitable.CreateAppTableRecordResp, error) {
	s.reqs = append(s.reqs, req)
	if s.err != nil {
		return nil, s.err
	}
	return s.resp, nil
}

func newTestRecorder(api recordCreator) *FeishuRecorder {
	return &FeishuRecorder{api: api, appToken: "app", tableID: "tbl", fields: DefaultFields()}
}

func TestRecordActionWritesFields(t *testing.T) {
	stub := &stubCreator{resp: &larkbitable.CreateAppTableRecordResp{}}
	rec := newTestRecorder(stub)
	started := time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)
	res := action.Result{
		ID:        "a1",
		Action:    action.RemovePackage,
		Device:    "R58M",
		Package:   "com.whatsapp",
		Outcome:   action.Success,
		Message:   "Package com.whatsapp has been removed.",
		StartedAt: started,
		SettledAt: started.Add(time.Second),
	}
	if err := rec.RecordAction(context.Background(), res); err != nil {
		t.Fatalf("record failed: %v", err)
	}
	if len(stub.reqs) != 1 {
		t.Fatalf("expected one create call, got %d", len(stub.reqs))
	}
	fields := stub.reqs[0].AppTableRecord.Fields
	if fields["ActionID"] != "a1" || fields["Package"] != "com.whatsapp" || fields["Outcome"] != "success" {
		t.Fatalf("unexpected fields: %#v", fields)
	}
	if fields["SettledAt"] != started.Add(time.Second).UnixMilli() {
		t.Fatalf("settled_at=%v", fields["SettledAt"])
	}
	if _, ok := fields["Diagnostic"]; ok {
		t.Fatalf("empty diagnostic should be omitted: %#v", fields)
	}
}

func TestRecordActionErrors(t *testing.T) {
	failing := &stubCreator{err: errors.New("network down")}
	if err := newTestRecorder(failing).RecordAction(context.Background(), action.Result{ID: "a1"}); err == nil {
		t.Fatal("expected transport error")
	}

	rejected := &stubCreator{resp: &larkbitable.CreateAppTableRecordResp{CodeError: larkcore.CodeError{Code: 1254045, Msg: "FieldNameNotFound"}}}
	if err := newTestRecorder(rejected).RecordAction(context.Background(), action.Result{ID: "a1"}); err == nil {
		t.Fatal("expected api error")
	}

	skipped := &stubCreator{}
	if err := newTestRecorder(skipped).RecordAction(context.Background(), action.Result{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(skipped.reqs) != 0 {
		t.Fatalf("result without id should not be sent")
	}
}

func TestNewFromEnv(t *testing.T) {
	t.Setenv(EnvAppToken, "")
	t.Setenv(EnvTableID, "")
	rec, err := NewFromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := rec.(NoopRecorder); !ok {
		t.Fatalf("expected noop recorder, got %T", rec)
	}

	t.Setenv(EnvAppToken, "app")
	t.Setenv(EnvTableID, "tbl")
	t.Setenv(EnvAppID, "")
	t.Setenv(EnvAppSecret, "")
	if _, err := NewFromEnv(); err == nil {
		t.Fatal("expected error without app credentials")
	}

	t.Setenv(EnvAppID, "cli_x")
	t.Setenv(EnvAppSecret, "secret")
	rec, err = NewFromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := rec.(*FeishuRecorder); !ok {
		t.Fatalf("expected feishu recorder, got %T", rec)
	}
}
