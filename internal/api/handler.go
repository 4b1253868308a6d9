package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"
	"strings"
	"time"

	"automoth/internal/eventbus"
	"automoth/internal/imaging"
	"automoth/internal/metadata"
	"automoth/internal/repository"
	"automoth/internal/scheduling"
	"automoth/internal/storage"
	"automoth/internal/task/engine"
	"automoth/pkg/logx"
)

// Control is the scheduling surface (scheduling.Scheduler).
type Control interface {
	StartNow(ctx context.Context, name string, settings imaging.Settings) (imaging.Status, error)
	StopActive(ctx context.Context) (imaging.Status, error)
	Active() (imaging.Status, bool)
	RequestSchedule(ctx context.Context, req scheduling.Request) (scheduling.Result, error)
	CheckConflicts(ctx context.Context, start time.Time, settings imaging.Settings) (scheduling.Verdict, error)
	Cancel(ctx context.Context, code int64) (bool, error)
	Pending(ctx context.Context) ([]scheduling.Pending, error)
}

// Sessions is the recorded-session surface (repository.Repository).
type Sessions interface {
	ListSessions(ctx context.Context) ([]storage.SessionRow, error)
	GetSession(ctx context.Context, id int64) (storage.SessionRow, error)
	DeleteSession(ctx context.Context, id int64) error
	ListImages(ctx context.Context, sessionID int64) ([]storage.ImageRow, error)
	CountImages(ctx context.Context, sessionID int64) (int, error)
	DeleteImage(ctx context.Context, id int64) error
}

// Metadata is the metadata surface (metadata.Service).
type Metadata interface {
	Entries(ctx context.Context, sessionID int64) ([]metadata.Entry, error)
	ParseUpdate(ctx context.Context, sessionID int64, field, raw string) (metadata.Update, error)
	Apply(ctx context.Context, u metadata.Update) error
	Fields(ctx context.Context) ([]metadata.Field, error)
	AddField(ctx context.Context, name string, t metadata.Type) (metadata.Field, error)
	DeleteField(ctx context.Context, name string) error
	RenameField(ctx context.Context, oldName, newName string) error
}

type Deps struct {
	Control  Control
	Sessions Sessions
	Metadata Metadata
	Bus      eventbus.Bus

	// DefaultsPath is the imaging defaults file; Fallback applies while it
	// does not exist.
	DefaultsPath string
	Fallback     imaging.Settings
	// ImageSize is the per-image size used for storage estimates.
	ImageSize int64

	// Runtime returns extra status sections (task engine, timers).
	Runtime func() map[string]any

	// Tasks runs deletions when set; otherwise they run on the request
	// goroutine.
	Tasks Tasks
}

// Tasks is the task engine surface (engine.Service).
type Tasks interface {
	Do(ctx context.Context, t engine.Task) error
}

type handler struct {
	deps Deps
	log  logx.Logger
}

// NewHandler builds the API mux. Every route, including /healthz, is
// behind the bearer token when one is configured.
func NewHandler(cfg Config, deps Deps, log logx.Logger) http.Handler {
	if deps.Bus == nil {
		deps.Bus = eventbus.Nop()
	}
	h := &handler{deps: deps, log: log}
	wrap := func(fn http.HandlerFunc) http.HandlerFunc { return withAuth(cfg.Token, fn) }

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", wrap(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	mux.HandleFunc("GET /v1/status", wrap(h.status))
	mux.HandleFunc("POST /v1/session/start", wrap(h.start))
	mux.HandleFunc("POST /v1/session/stop", wrap(h.stop))
	mux.HandleFunc("GET /v1/pending", wrap(h.pending))
	mux.HandleFunc("POST /v1/pending", wrap(h.schedule))
	mux.HandleFunc("DELETE /v1/pending/{code}", wrap(h.cancel))
	mux.HandleFunc("GET /v1/sessions", wrap(h.sessions))
	mux.HandleFunc("GET /v1/sessions/{id}", wrap(h.session))
	mux.HandleFunc("DELETE /v1/sessions/{id}", wrap(h.deleteSession))
	mux.HandleFunc("GET /v1/sessions/{id}/images", wrap(h.images))
	mux.HandleFunc("DELETE /v1/images/{id}", wrap(h.deleteImage))
	mux.HandleFunc("GET /v1/sessions/{id}/metadata", wrap(h.entries))
	mux.HandleFunc("PUT /v1/sessions/{id}/metadata/{field}", wrap(h.setEntry))
	mux.HandleFunc("GET /v1/fields", wrap(h.fields))
	mux.HandleFunc("POST /v1/fields", wrap(h.addField))
	mux.HandleFunc("PUT /v1/fields/{name}", wrap(h.renameField))
	mux.HandleFunc("DELETE /v1/fields/{name}", wrap(h.deleteField))
	mux.HandleFunc("GET /v1/defaults", wrap(h.getDefaults))
	mux.HandleFunc("PUT /v1/defaults", wrap(h.putDefaults))
	mux.HandleFunc("GET /v1/events", wrap(h.events))

	if cfg.Pprof {
		mux.HandleFunc("/debug/pprof/", wrap(hpprof.Index))
		mux.HandleFunc("/debug/pprof/cmdline", wrap(hpprof.Cmdline))
		mux.HandleFunc("/debug/pprof/profile", wrap(hpprof.Profile))
		mux.HandleFunc("/debug/pprof/symbol", wrap(hpprof.Symbol))
		mux.HandleFunc("/debug/pprof/trace", wrap(hpprof.Trace))
	}
	return mux
}

func withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		// Accept "Authorization: Bearer <token>" or ?token=<token>.
		if got := r.URL.Query().Get("token"); got != "" {
			if got == tok {
				h(w, r)
				return
			}
			unauthorized(w)
			return
		}
		const p = "Bearer "
		if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
			h(w, r)
			return
		}
		unauthorized(w)
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized", Code: "unauthorized"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return badRequest{fmt.Errorf("decode body: %w", err)}
	}
	return nil
}

type badRequest struct{ err error }

func (e badRequest) Error() string { return e.err.Error() }
func (e badRequest) Unwrap() error { return e.err }

// fail maps domain errors to HTTP status codes.
func (h *handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	body := errorBody{Error: err.Error()}
	status := http.StatusInternalServerError
	var (
		conflict *scheduling.ConflictError
		br       badRequest
	)
	switch {
	case errors.As(err, &conflict):
		status, body.Code = http.StatusConflict, "conflict"
		v := conflict.Verdict
		body.Verdict = &v
	case errors.Is(err, scheduling.ErrSessionActive):
		status, body.Code = http.StatusConflict, "session_active"
	case errors.Is(err, scheduling.ErrNoActiveSession):
		status, body.Code = http.StatusConflict, "no_active_session"
	case errors.Is(err, storage.ErrNotFound):
		status, body.Code = http.StatusNotFound, "not_found"
	case errors.Is(err, metadata.ErrReadOnly), errors.Is(err, metadata.ErrBuiltinField):
		status, body.Code = http.StatusForbidden, "read_only"
	case errors.As(err, &br),
		errors.Is(err, scheduling.ErrStartNotInFuture),
		errors.Is(err, imaging.ErrInvalidSettings),
		errors.Is(err, repository.ErrInvalidName),
		errors.Is(err, metadata.ErrInvalidValue),
		errors.Is(err, metadata.ErrInvalidField),
		errors.Is(err, metadata.ErrUnknownField),
		errors.Is(err, metadata.ErrTypeMismatch),
		errors.Is(err, metadata.ErrFieldConflicts):
		status, body.Code = http.StatusBadRequest, "invalid"
	default:
		body.Code = "internal"
		h.log.Warn("api request failed", logx.String("method", r.Method), logx.String("path", r.URL.Path), logx.Err(err))
	}
	writeJSON(w, status, body)
}

func pathID(r *http.Request, key string) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue(key), 10, 64)
	if err != nil || id <= 0 {
		return 0, badRequest{fmt.Errorf("invalid %s %q", key, r.PathValue(key))}
	}
	return id, nil
}

func (h *handler) settingsOr(s *imaging.Settings) (imaging.Settings, error) {
	if s != nil {
		return *s, nil
	}
	return imaging.LoadDefaults(h.deps.DefaultsPath, h.deps.Fallback)
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	pending, err := h.deps.Control.Pending(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := Status{Pending: pending}
	if st, ok := h.deps.Control.Active(); ok {
		out.Active = &st
	}
	if h.deps.Runtime != nil {
		out.Runtime = h.deps.Runtime()
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) start(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	settings, err := h.settingsOr(req.Settings)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	st, err := h.deps.Control.StartNow(r.Context(), req.Name, settings)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, st)
}

func (h *handler) stop(w http.ResponseWriter, r *http.Request) {
	st, err := h.deps.Control.StopActive(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *handler) pending(w http.ResponseWriter, r *http.Request) {
	p, err := h.deps.Control.Pending(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *handler) schedule(w http.ResponseWriter, r *http.Request) {
	var req ScheduleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	settings, err := h.settingsOr(req.Settings)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := ScheduleResponse{Estimate: estimate(settings, req.Start, h.deps.ImageSize)}

	if req.DryRun {
		if err := settings.ValidateFrom(req.Start); err != nil {
			h.fail(w, r, err)
			return
		}
		v, err := h.deps.Control.CheckConflicts(r.Context(), req.Start, settings)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		out.Verdict = v
		writeJSON(w, http.StatusOK, out)
		return
	}

	res, err := h.deps.Control.RequestSchedule(r.Context(), scheduling.Request{
		Name:     req.Name,
		Settings: settings,
		Start:    req.Start,
		Confirm:  req.Confirm,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out.Result = &res
	if res.Doomed != nil {
		out.Verdict = *res.Doomed
	}
	writeJSON(w, http.StatusCreated, out)
}

func (h *handler) cancel(w http.ResponseWriter, r *http.Request) {
	code, err := pathID(r, "code")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	ok, err := h.deps.Control.Cancel(r.Context(), code)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if !ok {
		h.fail(w, r, fmt.Errorf("pending #%d: %w", code, storage.ErrNotFound))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) sessions(w http.ResponseWriter, r *http.Request) {
	rows, err := h.deps.Sessions.ListSessions(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]Session, 0, len(rows))
	for _, row := range rows {
		n, err := h.deps.Sessions.CountImages(r.Context(), row.ID)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		out = append(out, sessionView(row, n))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) session(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	row, err := h.deps.Sessions.GetSession(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	n, err := h.deps.Sessions.CountImages(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionView(row, n))
}

func (h *handler) deleteSession(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if st, ok := h.deps.Control.Active(); ok && st.SessionID == id {
		h.fail(w, r, fmt.Errorf("session #%d: %w", id, scheduling.ErrSessionActive))
		return
	}
	err = h.run(r.Context(), fmt.Sprintf("session.delete.%d", id), func(ctx context.Context) error {
		return h.deps.Sessions.DeleteSession(ctx, id)
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// run executes fn on the task engine, without retries, and waits for it.
func (h *handler) run(ctx context.Context, name string, fn func(context.Context) error) error {
	if h.deps.Tasks == nil {
		return fn(ctx)
	}
	return h.deps.Tasks.Do(ctx, engine.Task{Name: name, Run: fn, Opt: engine.TaskOptions{RetryMax: -1}})
}

func (h *handler) images(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if _, err := h.deps.Sessions.GetSession(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	rows, err := h.deps.Sessions.ListImages(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]Image, 0, len(rows))
	for _, img := range rows {
		out = append(out, Image{ID: img.ID, Filename: img.Filename, Taken: img.Taken})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) deleteImage(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	err = h.run(r.Context(), fmt.Sprintf("image.delete.%d", id), func(ctx context.Context) error {
		return h.deps.Sessions.DeleteImage(ctx, id)
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) entries(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	es, err := h.deps.Metadata.Entries(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, es)
}

func (h *handler) setEntry(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req SetValueRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	u, err := h.deps.Metadata.ParseUpdate(r.Context(), id, r.PathValue("field"), req.Value)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.deps.Metadata.Apply(r.Context(), u); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) fields(w http.ResponseWriter, r *http.Request) {
	fs, err := h.deps.Metadata.Fields(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, fs)
}

func (h *handler) addField(w http.ResponseWriter, r *http.Request) {
	var req FieldRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	t, err := metadata.ParseType(req.Type)
	if err != nil {
		h.fail(w, r, badRequest{err})
		return
	}
	f, err := h.deps.Metadata.AddField(r.Context(), req.Name, t)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, f)
}

func (h *handler) renameField(w http.ResponseWriter, r *http.Request) {
	var req FieldRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.deps.Metadata.RenameField(r.Context(), r.PathValue("name"), req.Name); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) deleteField(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Metadata.DeleteField(r.Context(), r.PathValue("name")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) getDefaults(w http.ResponseWriter, r *http.Request) {
	s, err := imaging.LoadDefaults(h.deps.DefaultsPath, h.deps.Fallback)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *handler) putDefaults(w http.ResponseWriter, r *http.Request) {
	var s imaging.Settings
	if err := decodeJSON(w, r, &s); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := imaging.SaveDefaults(h.deps.DefaultsPath, s); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}
