package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/example/cita-scheduler/internal/auth"
	"github.com/example/cita-scheduler/internal/db"
	"github.com/example/cita-scheduler/internal/domain/appointment"
	"github.com/example/cita-scheduler/internal/supervisor"
	"github.com/example/cita-scheduler/internal/tasks"
)

type fakeSupervisor struct {
	started   []*appointment.CustomerProfile
	cancelled []string
	live      []string
}

func (f *fakeSupervisor) Start(_ context.Context, p *appointment.CustomerProfile) (supervisor.TaskInfo, error) {
	f.started = append(f.started, p)
	return supervisor.TaskInfo{ID: "new-task", Key: p.RegionKey(), State: supervisor.Running}, nil
}

func (f *fakeSupervisor) Cancel(key string) bool {
	f.cancelled = append(f.cancelled, key)
	return true
}

func (f *fakeSupervisor) List() []string { return f.live }

type fakeStore struct {
	tasks   map[string]tasks.Task
	owners  map[string]int64
	profile *appointment.CustomerProfile
	shot    []byte
}

func (f *fakeStore) AssignOwner(_ context.Context, id string, uid int64) error {
	f.owners[id] = uid
	return nil
}

func (f *fakeStore) ListByUser(_ context.Context, uid int64, _ int) ([]tasks.Task, error) {
	var out []tasks.Task
	for _, t := range f.tasks {
		if t.UserID != nil && *t.UserID == uid {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeStore) Get(_ context.Context, id string) (tasks.Task, error) {
	t, ok := f.tasks[id]
	if !ok {
		return tasks.Task{}, db.ErrNotFound
	}
	return t, nil
}

func (f *fakeStore) Events(context.Context, string, int) ([]tasks.Event, error) {
	return []tasks.Event{{Kind: "started", Message: "task started", At: time.Now()}}, nil
}

func (f *fakeStore) Profile(context.Context, string) (*appointment.CustomerProfile, error) {
	return f.profile, nil
}

func (f *fakeStore) Screenshot(context.Context, string) ([]byte, error) {
	if f.shot == nil {
		return nil, db.ErrNotFound
	}
	return f.shot, nil
}

type fakeGate struct {
	waiting []string
	resumed []string
}

func (g *fakeGate) Resume(key string) bool {
	for _, k := range g.waiting {
		if k == key {
			g.resumed = append(g.resumed, key)
			return true
		}
	}
	return false
}

func (g *fakeGate) Waiting() []string { return g.waiting }

type harness struct {
	srv   *Server
	h     http.Handler
	sup   *fakeSupervisor
	store *fakeStore
	gate  *fakeGate
	mock  pgxmock.PgxPoolIface
}

func owner(id int64) *int64 { return &id }

func newHarness(t *testing.T) *harness {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	code := "ABC123"
	h := &harness{
		sup: &fakeSupervisor{live: []string{"c1:28"}},
		store: &fakeStore{
			tasks: map[string]tasks.Task{
				"t-running": {ID: "t-running", UserID: owner(1), Key: "c1:28", State: "running", MaxCycles: 5, StartedAt: time.Now()},
				"t-done":    {ID: "t-done", UserID: owner(1), Key: "c1:8", State: "succeeded", Code: &code, StartedAt: time.Now()},
				"t-other":   {ID: "t-other", UserID: owner(2), Key: "c9:28", State: "running", StartedAt: time.Now()},
			},
			owners: map[string]int64{},
		},
		gate: &fakeGate{waiting: []string{"c1:28"}},
		mock: mock,
	}
	h.srv = &Server{
		Auth:       auth.NewStore(db.New(mock), []byte("0123456789abcdef0123456789abcdef"), []byte("abcdef0123456789abcdef0123456789")),
		Tasks:      h.store,
		Supervisor: h.sup,
		Gate:       h.gate,
	}
	h.h = h.srv.Routes()
	return h
}

// as sends r with a session for uid.
func (h *harness) as(t *testing.T, uid int64, r *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	login := httptest.NewRecorder()
	require.NoError(t, h.srv.Auth.SetSession(login, r, uid))
	for _, c := range login.Result().Cookies() {
		r.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	h.h.ServeHTTP(rec, r)
	return rec
}

func form(values url.Values) *strings.Reader { return strings.NewReader(values.Encode()) }

func post(path string, values url.Values) *http.Request {
	r := httptest.NewRequest(http.MethodPost, path, form(values))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return r
}

func TestHealthzAndStatic(t *testing.T) {
	h := newHarness(t)
	rec := httptest.NewRecorder()
	h.h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/static/style.css", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHome(t *testing.T) {
	h := newHarness(t)

	rec := httptest.NewRecorder()
	h.h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusFound, rec.Code)

	rec = h.as(t, 1, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "c1:28")
	assert.Contains(t, body, "ABC123")
	assert.Contains(t, body, "needs you")
	assert.NotContains(t, body, "c9:28")
}

func TestLogin(t *testing.T) {
	h := newHarness(t)
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret-pass"), bcrypt.MinCost)
	require.NoError(t, err)
	h.mock.ExpectQuery(regexp.QuoteMeta("SELECT id, password_bcrypt FROM users")).
		WithArgs("ana").
		WillReturnRows(pgxmock.NewRows([]string{"id", "password_bcrypt"}).AddRow(int64(1), string(hash)))

	rec := httptest.NewRecorder()
	h.h.ServeHTTP(rec, post("/login", url.Values{"username": {"ana"}, "password": {"s3cret-pass"}}))
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.NotEmpty(t, rec.Result().Cookies())
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func validForm() url.Values {
	return url.Values{
		"customer_id":     {"c7"},
		"doc_type":        {"nie"},
		"doc_value":       {"y1234567z"},
		"name":            {"IVAN PETROV"},
		"phone":           {"600000000"},
		"email":           {"ivan@example.com"},
		"province":        {"28"},
		"operation":       {"4010"},
		"auto_office":     {"on"},
		"wait_exact_time": {"00:00, 30:00"},
		"captcha_mode":    {"manual"},
	}
}

func TestCreateTask(t *testing.T) {
	h := newHarness(t)
	rec := h.as(t, 1, post("/tasks", validForm()))
	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/tasks/new-task", rec.Header().Get("Location"))

	require.Len(t, h.sup.started, 1)
	p := h.sup.started[0]
	assert.Equal(t, "c7:28", p.RegionKey())
	assert.Equal(t, "Y1234567Z", p.DocValue)
	assert.Equal(t, [][2]int{{0, 0}, {30, 0}}, p.WaitExactTime)
	assert.True(t, p.AutoOffice)
	assert.Equal(t, int64(1), h.store.owners["new-task"])
}

func TestCreateTask_Invalid(t *testing.T) {
	h := newHarness(t)
	f := validForm()
	f.Del("email")
	rec := h.as(t, 1, post("/tasks", f))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "email required")
	assert.Empty(t, h.sup.started)

	f = validForm()
	f.Set("wait_exact_time", "soon")
	rec = h.as(t, 1, post("/tasks", f))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "mm:ss")
}

func TestNewTaskForm(t *testing.T) {
	h := newHarness(t)
	rec := h.as(t, 1, httptest.NewRequest(http.MethodGet, "/tasks/new", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "TOMA_HUELLAS")
	assert.Contains(t, body, "MADRID")
}

func TestShowTask(t *testing.T) {
	h := newHarness(t)
	rec := h.as(t, 1, httptest.NewRequest(http.MethodGet, "/tasks/t-running", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Manual step done")

	rec = h.as(t, 1, httptest.NewRequest(http.MethodGet, "/tasks/t-other", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = h.as(t, 1, httptest.NewRequest(http.MethodGet, "/tasks/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelTask(t *testing.T) {
	h := newHarness(t)
	rec := h.as(t, 1, post("/tasks/t-running/cancel", nil))
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, []string{"c1:28"}, h.sup.cancelled)

	// Terminal tasks are left alone.
	h.as(t, 1, post("/tasks/t-done/cancel", nil))
	assert.Equal(t, []string{"c1:28"}, h.sup.cancelled)

	rec = h.as(t, 1, post("/tasks/t-other/cancel", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, []string{"c1:28"}, h.sup.cancelled)
}

func TestResumeTask(t *testing.T) {
	h := newHarness(t)
	rec := h.as(t, 1, post("/tasks/t-running/resume", nil))
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, []string{"c1:28"}, h.gate.resumed)

	rec = h.as(t, 1, post("/tasks/t-done/resume", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRestartTask(t *testing.T) {
	h := newHarness(t)
	p := &appointment.CustomerProfile{CustomerID: "c1", Province: appointment.ProvinceBarcelona}
	h.store.profile = p

	rec := h.as(t, 1, post("/tasks/t-done/restart", nil))
	assert.Equal(t, http.StatusFound, rec.Code)
	require.Len(t, h.sup.started, 1)
	assert.Same(t, p, h.sup.started[0])
}

func TestScreenshot(t *testing.T) {
	h := newHarness(t)
	rec := h.as(t, 1, httptest.NewRequest(http.MethodGet, "/tasks/t-done/screenshot", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	h.store.shot = []byte("\x89PNG")
	rec = h.as(t, 1, httptest.NewRequest(http.MethodGet, "/tasks/t-done/screenshot", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(t, "\x89PNG", rec.Body.String())
}

func TestAPITasks(t *testing.T) {
	h := newHarness(t)
	r := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
	r.Header.Set("Accept", "application/json")
	rec := h.as(t, 1, r)
	require.Equal(t, http.StatusOK, rec.Code)

	var got []apiTask
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 2)
	byID := map[string]apiTask{}
	for _, a := range got {
		byID[a.ID] = a
	}
	assert.True(t, byID["t-running"].Live)
	assert.True(t, byID["t-running"].Waiting)
	assert.False(t, byID["t-done"].Live)
	assert.Equal(t, "ABC123", *byID["t-done"].Code)

	anon := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
	anon.Header.Set("Accept", "application/json")
	rec = httptest.NewRecorder()
	h.h.ServeHTTP(rec, anon)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
