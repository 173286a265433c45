package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/animegasan/luci-app-droidnet/internal/action"
	"github.com/animegasan/luci-app-droidnet/internal/adb"
	"github.com/animegasan/luci-app-droidnet/internal/auditlog"
	"github.com/animegasan/luci-app-droidnet/internal/device"
	"github.com/animegasan/luci-app-droidnet/internal/model"
	"github.com/animegasan/luci-app-droidnet/internal/pager"
)

// uploadField is the multipart field carrying the package file.
const uploadField = "package"

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"device": s.actions.Device(),
	})
}

func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	scope, err := device.ParseScope(r.URL.Query().Get("scope"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	snap, err := s.loader.Load(r.Context(), scope)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	attached, err := s.devices.Refresh(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	if attached == nil {
		attached = []model.Attached{}
	}
	configured := s.actions.Device()
	writeJSON(w, http.StatusOK, map[string]any{
		"configured": configured,
		"busy":       s.devices.Busy(configured),
		"devices":    attached,
	})
}

func (s *Server) handlePackages(w http.ResponseWriter, r *http.Request) {
	q := pager.Query{PageSize: s.pageSize, Page: 1}
	values := r.URL.Query()
	q = q.WithFilter(values.Get("filter"))
	if raw := values.Get("page"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "page must be a number")
			return
		}
		q = q.WithPage(n)
	}
	if raw := values.Get("size"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "size must be a positive number")
			return
		}
		q.PageSize = n
	}

	snap, err := s.systemSnapshot(r.Context(), values.Get("refresh") != "")
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	if snap.Conflict {
		writeError(w, http.StatusConflict, device.ErrDeviceConflict.Error())
		return
	}
	if diag := snap.Diagnostic(model.SectionPackages); diag != "" {
		writeError(w, http.StatusBadGateway, diag)
		return
	}
	writeJSON(w, http.StatusOK, pager.Paginate(snap.Packages, q))
}

// systemSnapshot serves pages from the last healthy system snapshot. It loads
// a new one on first use, when fresh is set, and after any action settled.
func (s *Server) systemSnapshot(ctx context.Context, fresh bool) (*model.Snapshot, error) {
	s.pkgMu.Lock()
	cached := s.pkgSnap
	s.pkgMu.Unlock()
	if cached != nil && !fresh {
		return cached, nil
	}
	snap, err := s.loader.Load(ctx, device.ScopeSystem)
	if err != nil {
		return nil, err
	}
	if snap.Actionable() && snap.Diagnostic(model.SectionPackages) == "" {
		s.pkgMu.Lock()
		s.pkgSnap = snap
		s.pkgMu.Unlock()
	}
	return snap, nil
}

func (s *Server) dropPackages() {
	s.pkgMu.Lock()
	s.pkgSnap = nil
	s.pkgMu.Unlock()
}

func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	if s.log == nil {
		writeError(w, http.StatusNotFound, "audit log is disabled")
		return
	}
	dir, err := auditlog.ParseDirection(r.URL.Query().Get("direction"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	lines, err := s.log.Read(dir)
	switch {
	case errors.Is(err, auditlog.ErrEmpty):
		lines = []string{}
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"direction": dir,
		"lines":     lines,
	})
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	res, ok := s.jobs.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "action "+id+" not found")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type actionBody struct {
	Package string `json:"package"`
}

// handleAction validates the request, loads a fresh snapshot and runs the
// action in the background. The response carries the job id to poll.
func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	name, err := action.ParseName(chi.URLParam(r, "action"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if name == action.InstallPackage {
		writeError(w, http.StatusBadRequest, "install-package requires a multipart upload to /api/packages/install")
		return
	}
	var body actionBody
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	body.Package = strings.TrimSpace(body.Package)
	if name == action.RemovePackage && body.Package == "" {
		writeError(w, http.StatusBadRequest, action.ErrMissingPackage.Error())
		return
	}

	serial := s.actions.Device()
	snap, ok := s.prepare(w, r, serial)
	if !ok {
		return
	}

	id := s.newID()
	job := s.jobs.start(id, name, serial, body.Package, time.Now())
	req := action.Request{ID: id, Action: name, Snapshot: snap, Package: body.Package}
	go func() {
		defer s.devices.Release(serial)
		res, err := s.actions.Execute(s.base, req)
		s.dropPackages()
		if err != nil && res.ID == "" {
			s.jobs.fail(id, err, time.Now())
			log.Warn().Err(err).Str("id", id).Str("action", string(name)).Msg("action refused")
			return
		}
		s.jobs.finish(res)
	}()
	writeJSON(w, http.StatusAccepted, job)
}

// handleInstall streams the uploaded package into the orchestrator. The
// upload is bound to the request, so the install runs synchronously.
func (s *Server) handleInstall(w http.ResponseWriter, r *http.Request) {
	mr, err := r.MultipartReader()
	if err != nil {
		writeError(w, http.StatusBadRequest, "multipart form expected")
		return
	}
	var part io.ReadCloser
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			writeError(w, http.StatusBadRequest, "read multipart form: "+err.Error())
			return
		}
		if p.FormName() == uploadField {
			part = p
			break
		}
		p.Close()
	}
	if part == nil {
		writeError(w, http.StatusBadRequest, action.ErrMissingArtifact.Error())
		return
	}
	defer part.Close()

	serial := s.actions.Device()
	snap, ok := s.prepare(w, r, serial)
	if !ok {
		return
	}
	defer s.devices.Release(serial)

	id := s.newID()
	s.jobs.start(id, action.InstallPackage, serial, "", time.Now())
	res, err := s.actions.Execute(r.Context(), action.Request{
		ID:       id,
		Action:   action.InstallPackage,
		Snapshot: snap,
		Artifact: uploadBody{ctx: r.Context(), r: part},
	})
	s.dropPackages()
	switch {
	case errors.Is(err, action.ErrUploadCanceled):
		s.jobs.finish(res)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil && res.ID == "":
		s.jobs.fail(id, err, time.Now())
		writeError(w, statusFor(err), err.Error())
		return
	}
	s.jobs.finish(res)
	writeJSON(w, http.StatusOK, res)
}

// uploadBody reports a body that stops short of its declared length as a
// cancelled upload. net/http leaves the request context alive while the
// handler still reads, so a client that hangs up surfaces as a truncated part.
type uploadBody struct {
	ctx context.Context
	r   io.Reader
}

func (u uploadBody) Read(p []byte) (int, error) {
	n, err := u.r.Read(p)
	if err == nil || err == io.EOF {
		return n, err
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || u.ctx.Err() != nil {
		return n, errors.Wrap(action.ErrUploadCanceled, err.Error())
	}
	return n, err
}

// prepare reserves serial and loads the snapshot that gates the action. On
// failure it has already written the response and released the device.
func (s *Server) prepare(w http.ResponseWriter, r *http.Request, serial string) (*model.Snapshot, bool) {
	if !s.devices.Acquire(serial) {
		writeError(w, http.StatusConflict, "another action is running on "+serial)
		return nil, false
	}
	snap, err := s.loader.Load(r.Context(), device.ScopeAll)
	if err == nil && !snap.Actionable() {
		err = refusalOf(snap)
	}
	if err != nil {
		s.devices.Release(serial)
		writeError(w, statusFor(err), err.Error())
		return nil, false
	}
	return snap, true
}

func refusalOf(snap *model.Snapshot) error {
	if snap.Conflict {
		return errors.Wrap(action.ErrNotActionable, device.ErrDeviceConflict.Error())
	}
	return errors.Wrap(action.ErrNotActionable, snap.Error)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, device.ErrDeviceConflict), errors.Is(err, action.ErrNotActionable):
		return http.StatusConflict
	case errors.Is(err, action.ErrMissingPackage), errors.Is(err, action.ErrMissingArtifact), errors.Is(err, action.ErrUnknownAction):
		return http.StatusBadRequest
	case errors.Is(err, adb.ErrTransport), errors.Is(err, context.DeadlineExceeded):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
