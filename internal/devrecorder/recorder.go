// Package devrecorder mirrors settled device actions to a Feishu bitable.
package devrecorder

import (
	"context"
	"strings"
	"time"

	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	larkbitable "github.com/larksuite/oapi-sdk-go/v3/service/bitable/v1"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/animegasan/luci-app-droidnet/internal/action"
	"github.com/animegasan/luci-app-droidnet/internal/env"
)

// Environment variables read by NewFromEnv.
const (
	EnvAppID     = "FEISHU_APP_ID"
	EnvAppSecret = "FEISHU_APP_SECRET"
	EnvBaseURL   = "FEISHU_BASE_URL"
	EnvAppToken  = "DROIDNET_FEISHU_APP_TOKEN"
	EnvTableID   = "DROIDNET_FEISHU_TABLE_ID"
)

// ActionRecorder receives settled action results.
type ActionRecorder interface {
	RecordAction(ctx context.Context, r action.Result) error
}

// NoopRecorder is used when the mirror is not configured.
type NoopRecorder struct{}

func (NoopRecorder) RecordAction(ctx context.Context, r action.Result) error {
	return nil
}

// Fields maps result attributes to bitable column names.
type Fields struct {
	ID         string
	Action     string
	Device     string
	Package    string
	Outcome    string
	Message    string
	Diagnostic string
	StartedAt  string
	SettledAt  string
}

// DefaultFields returns the column names of the stock action table.
func DefaultFields() Fields {
	return Fields{
		ID:         "ActionID",
		Action:     "Action",
		Device:     "Device",
		Package:    "Package",
		Outcome:    "Outcome",
		Message:    "Message",
		Diagnostic: "Diagnostic",
		StartedAt:  "StartedAt",
		SettledAt:  "SettledAt",
	}
}

type recordCreator interface {
	Create(ctx context.Context, req *larkbitable.CreateAppTableRecordReq, options ...larkcore.RequestOptionFunc) (*larkbitable.CreateAppTableRecordResp, error)
}

// FeishuRecorder appends one bitable row per settled action.
type FeishuRecorder struct {
	api      recordCreator
	appToken string
	tableID  string
	fields   Fields
}

// NewFeishuRecorder returns nil when the table is not configured, allowing
// graceful opt-out.
func NewFeishuRecorder(appID, appSecret, baseURL, appToken, tableID string) (*FeishuRecorder, error) {
	appToken = strings.TrimSpace(appToken)
	tableID = strings.TrimSpace(tableID)
	if appToken == "" || tableID == "" {
		return nil, nil
	}
	if strings.TrimSpace(appID) == "" || strings.TrimSpace(appSecret) == "" {
		return nil, errors.Errorf("feishu: %s and %s must be set", EnvAppID, EnvAppSecret)
	}
	opts := []lark.ClientOptionFunc{
		lark.WithLogLevel(larkcore.LogLevelError),
	}
	if baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/"); baseURL != "" && baseURL != lark.FeishuBaseUrl {
		opts = append(opts, lark.WithOpenBaseUrl(baseURL))
	}
	client := lark.NewClient(appID, appSecret, opts...)
	return &FeishuRecorder{
		api:      client.Bitable.V1.AppTableRecord,
		appToken: appToken,
		tableID:  tableID,
		fields:   DefaultFields(),
	}, nil
}

// NewFromEnv builds a recorder using environment variables; falls back to Noop when not configured.
func NewFromEnv() (ActionRecorder, error) {
	rec, err := NewFeishuRecorder(
		env.String(EnvAppID, ""),
		env.String(EnvAppSecret, ""),
		env.String(EnvBaseURL, ""),
		env.String(EnvAppToken, ""),
		env.String(EnvTableID, ""),
	)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return NoopRecorder{}, nil
	}
	return rec, nil
}

func (r *FeishuRecorder) RecordAction(ctx context.Context, res action.Result) error {
	if r == nil || r.api == nil {
		return nil
	}
	if strings.TrimSpace(res.ID) == "" {
		log.Warn().Str("action", string(res.Action)).Msg("feishu recorder: skip result without id")
		return nil
	}
	req := larkbitable.NewCreateAppTableRecordReqBuilder().
		AppToken(r.appToken).
		TableId(r.tableID).
		AppTableRecord(r.fields.record(res)).
		Build()
	resp, err := r.api.Create(ctx, req)
	if err != nil {
		return errors.Wrapf(err, "feishu: create action record %s", res.ID)
	}
	if resp == nil {
		return errors.Errorf("feishu: empty response for action record %s", res.ID)
	}
	if !resp.Success() {
		return errors.Errorf("feishu: create action record %s failed: code=%d msg=%s", res.ID, resp.Code, resp.Msg)
	}
	log.Debug().Str("id", res.ID).Str("table", r.tableID).Msg("feishu recorder: action mirrored")
	return nil
}

func (f Fields) record(r action.Result) *larkbitable.AppTableRecord {
	values := map[string]interface{}{}
	put := func(name string, v interface{}) {
		if name = strings.TrimSpace(name); name != "" {
			values[name] = v
		}
	}
	put(f.ID, r.ID)
	put(f.Action, string(r.Action))
	put(f.Device, r.Device)
	put(f.Outcome, string(r.Outcome))
	put(f.Message, r.Message)
	if r.Package != "" {
		put(f.Package, r.Package)
	}
	if r.Diagnostic != "" {
		put(f.Diagnostic, r.Diagnostic)
	}
	if ms := millis(r.StartedAt); ms > 0 {
		put(f.StartedAt, ms)
	}
	if ms := millis(r.SettledAt); ms > 0 {
		put(f.SettledAt, ms)
	}
	return larkbitable.NewAppTableRecordBuilder().Fields(values).Build()
}

// millis renders t the way bitable date columns expect it.
func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
