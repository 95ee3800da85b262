package web

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/cita-scheduler/internal/auth"
	"github.com/example/cita-scheduler/internal/db"
	"github.com/example/cita-scheduler/internal/domain/appointment"
	"github.com/example/cita-scheduler/internal/supervisor"
	"github.com/example/cita-scheduler/internal/tasks"
)

//go:embed templates/*.html static/*
var fs embed.FS

// Supervisor is the task control the web UI drives.
type Supervisor interface {
	Start(ctx context.Context, p *appointment.CustomerProfile) (supervisor.TaskInfo, error)
	Cancel(key string) bool
	List() []string
}

type TaskStore interface {
	AssignOwner(ctx context.Context, taskID string, userID int64) error
	ListByUser(ctx context.Context, userID int64, limit int) ([]tasks.Task, error)
	Get(ctx context.Context, id string) (tasks.Task, error)
	Events(ctx context.Context, taskID string, limit int) ([]tasks.Event, error)
	Profile(ctx context.Context, id string) (*appointment.CustomerProfile, error)
	Screenshot(ctx context.Context, id string) ([]byte, error)
}

// Gate releases tasks parked on a manual step.
type Gate interface {
	Resume(taskKey string) bool
	Waiting() []string
}

type Server struct {
	Auth       *auth.Store
	Tasks      TaskStore
	Supervisor Supervisor
	Gate       Gate
	Logger     *zap.Logger
}

type taskRow struct {
	tasks.Task
	Live    bool
	Waiting bool
}

type tmplData struct {
	Title string
	User  int64
	Flash string

	Tasks  []taskRow
	Task   taskRow
	Events []tasks.Event

	Form       formValues
	Provinces  []appointment.NamedProvince
	Operations []operationOption
}

type operationOption struct {
	Code appointment.OperationType
	Name string
}

func (s *Server) log() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("GET /static/", http.FileServer(http.FS(fs)))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("/login", s.handleLogin)
	mux.HandleFunc("/logout", s.handleLogout)

	authed := func(h http.HandlerFunc) http.Handler { return s.Auth.RequireAuth(h) }
	mux.Handle("GET /{$}", authed(s.handleHome))
	mux.Handle("GET /tasks/new", authed(s.handleTaskNew))
	mux.Handle("POST /tasks", authed(s.handleTaskCreate))
	mux.Handle("GET /tasks/{id}", authed(s.handleTaskShow))
	mux.Handle("GET /tasks/{id}/screenshot", authed(s.handleScreenshot))
	mux.Handle("POST /tasks/{id}/cancel", authed(s.handleTaskCancel))
	mux.Handle("POST /tasks/{id}/resume", authed(s.handleTaskResume))
	mux.Handle("POST /tasks/{id}/restart", authed(s.handleTaskRestart))
	mux.Handle("GET /api/tasks", authed(s.handleAPITasks))

	return mux
}

func (s *Server) rows(ts []tasks.Task) []taskRow {
	live := s.Supervisor.List()
	waiting := s.Gate.Waiting()
	out := make([]taskRow, 0, len(ts))
	for _, t := range ts {
		running := t.State == string(supervisor.Running)
		out = append(out, taskRow{
			Task:    t,
			Live:    running && slices.Contains(live, t.Key),
			Waiting: running && slices.Contains(waiting, t.Key),
		})
	}
	return out
}

func (s *Server) handleHome(w http.ResponseWriter, r *http.Request) {
	uid, _ := auth.UserIDFromContext(r.Context())
	ts, err := s.Tasks.ListByUser(r.Context(), uid, 100)
	if err != nil {
		s.log().Error("list tasks", zap.Error(err))
		http.Error(w, "failed to list tasks", http.StatusInternalServerError)
		return
	}
	s.render(w, "templates/tasks.html", tmplData{Title: "Tasks", User: uid, Tasks: s.rows(ts)})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.render(w, "templates/login.html", tmplData{Title: "Login"})
	case http.MethodPost:
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		username := strings.TrimSpace(r.FormValue("username"))
		id, err := s.Auth.Authenticate(r.Context(), username, r.FormValue("password"))
		if err != nil {
			if !errors.Is(err, auth.ErrInvalidCredentials) {
				s.log().Error("authenticate", zap.Error(err))
			}
			s.render(w, "templates/login.html", tmplData{Title: "Login", Flash: "Invalid username/password"})
			return
		}
		if err := s.Auth.SetSession(w, r, id); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		http.Redirect(w, r, "/", http.StatusFound)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.Auth.ClearSession(w)
	http.Redirect(w, r, "/login", http.StatusFound)
}

func (s *Server) newTaskData(uid int64, f formValues, flash string) tmplData {
	var ops []operationOption
	for _, op := range appointment.Operations() {
		rule, _ := appointment.RuleFor(op)
		ops = append(ops, operationOption{Code: op, Name: rule.Name})
	}
	return tmplData{
		Title:      "New task",
		User:       uid,
		Flash:      flash,
		Form:       f,
		Provinces:  appointment.Provinces(),
		Operations: ops,
	}
}

func (s *Server) handleTaskNew(w http.ResponseWriter, r *http.Request) {
	uid, _ := auth.UserIDFromContext(r.Context())
	s.render(w, "templates/new_task.html", s.newTaskData(uid, formValues{
		DocType:     string(appointment.DocNIE),
		Country:     appointment.DefaultCountry,
		CaptchaMode: string(appointment.CaptchaManual),
		AutoOffice:  true,
	}, ""))
}

func (s *Server) handleTaskCreate(w http.ResponseWriter, r *http.Request) {
	uid, _ := auth.UserIDFromContext(r.Context())
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f := readForm(r)
	p, err := f.profile()
	if err == nil {
		err = p.Validate()
	}
	if err != nil {
		s.renderStatus(w, http.StatusUnprocessableEntity, "templates/new_task.html", s.newTaskData(uid, f, err.Error()))
		return
	}
	s.start(w, r, uid, p)
}

func (s *Server) start(w http.ResponseWriter, r *http.Request, uid int64, p *appointment.CustomerProfile) {
	info, err := s.Supervisor.Start(r.Context(), p)
	if err != nil {
		s.log().Error("start task", zap.String("task", p.RegionKey()), zap.Error(err))
		http.Error(w, "failed to start task: "+err.Error(), http.StatusInternalServerError)
		return
	}
	if err := s.Tasks.AssignOwner(r.Context(), info.ID, uid); err != nil {
		s.log().Warn("assign task owner", zap.String("task_id", info.ID), zap.Error(err))
	}
	http.Redirect(w, r, "/tasks/"+info.ID, http.StatusFound)
}

// owned loads the task named in the path if it belongs to the session user.
func (s *Server) owned(w http.ResponseWriter, r *http.Request) (tasks.Task, int64, bool) {
	uid, _ := auth.UserIDFromContext(r.Context())
	t, err := s.Tasks.Get(r.Context(), r.PathValue("id"))
	if err != nil || t.UserID == nil || *t.UserID != uid {
		if err != nil && !db.IsNotFound(err) {
			s.log().Error("get task", zap.Error(err))
		}
		http.NotFound(w, r)
		return tasks.Task{}, 0, false
	}
	return t, uid, true
}

func (s *Server) handleTaskShow(w http.ResponseWriter, r *http.Request) {
	t, uid, ok := s.owned(w, r)
	if !ok {
		return
	}
	evs, err := s.Tasks.Events(r.Context(), t.ID, 200)
	if err != nil {
		s.log().Error("task events", zap.Error(err))
	}
	s.render(w, "templates/task.html", tmplData{
		Title:  "Task " + t.Key,
		User:   uid,
		Task:   s.rows([]tasks.Task{t})[0],
		Events: evs,
	})
}

func (s *Server) handleScreenshot(w http.ResponseWriter, r *http.Request) {
	t, _, ok := s.owned(w, r)
	if !ok {
		return
	}
	b, err := s.Tasks.Screenshot(r.Context(), t.ID)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", "cita-"+t.ID+".png"))
	_, _ = w.Write(b)
}

func (s *Server) handleTaskCancel(w http.ResponseWriter, r *http.Request) {
	t, _, ok := s.owned(w, r)
	if !ok {
		return
	}
	if t.State == string(supervisor.Running) && s.Supervisor.Cancel(t.Key) {
		s.log().Info("task cancel requested", zap.String("task", t.Key), zap.String("task_id", t.ID))
	}
	http.Redirect(w, r, "/tasks/"+t.ID, http.StatusFound)
}

func (s *Server) handleTaskResume(w http.ResponseWriter, r *http.Request) {
	t, _, ok := s.owned(w, r)
	if !ok {
		return
	}
	if !s.Gate.Resume(t.Key) {
		http.Error(w, "task is not waiting for a manual step", http.StatusConflict)
		return
	}
	http.Redirect(w, r, "/tasks/"+t.ID, http.StatusFound)
}

// handleTaskRestart starts a new task from the profile of a finished one.
func (s *Server) handleTaskRestart(w http.ResponseWriter, r *http.Request) {
	t, uid, ok := s.owned(w, r)
	if !ok {
		return
	}
	p, err := s.Tasks.Profile(r.Context(), t.ID)
	if err != nil {
		s.log().Error("load task profile", zap.String("task_id", t.ID), zap.Error(err))
		http.Error(w, "failed to load task profile", http.StatusInternalServerError)
		return
	}
	s.start(w, r, uid, p)
}

type apiTask struct {
	ID         string     `json:"id"`
	Key        string     `json:"key"`
	Province   string     `json:"province"`
	Operation  string     `json:"operation"`
	State      string     `json:"state"`
	Live       bool       `json:"live"`
	Waiting    bool       `json:"waiting_manual_step"`
	Attempts   int        `json:"attempts"`
	MaxCycles  int        `json:"max_cycles"`
	Code       *string    `json:"code,omitempty"`
	LastError  *string    `json:"last_error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

func (s *Server) handleAPITasks(w http.ResponseWriter, r *http.Request) {
	uid, _ := auth.UserIDFromContext(r.Context())
	ts, err := s.Tasks.ListByUser(r.Context(), uid, 100)
	if err != nil {
		s.log().Error("list tasks", zap.Error(err))
		http.Error(w, "failed to list tasks", http.StatusInternalServerError)
		return
	}
	out := make([]apiTask, 0, len(ts))
	for _, t := range s.rows(ts) {
		out = append(out, apiTask{
			ID: t.ID, Key: t.Key, Province: t.Province, Operation: t.Operation, State: t.State,
			Live: t.Live, Waiting: t.Waiting, Attempts: t.Attempts, MaxCycles: t.MaxCycles,
			Code: t.Code, LastError: t.LastError, StartedAt: t.StartedAt, FinishedAt: t.FinishedAt,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(out); err != nil {
		s.log().Warn("encode tasks", zap.Error(err))
	}
}

// formValues is the new-task form as typed, kept for re-rendering on errors.
type formValues struct {
	CustomerID      string
	DocType         string
	DocValue        string
	Name            string
	YearOfBirth     string
	Country         string
	Phone           string
	Email           string
	Reason          string
	Province        string
	Operation       string
	AutoOffice      bool
	Offices         string
	ExceptOffices   string
	MinDate         string
	MaxDate         string
	MinTime         string
	MaxTime         string
	WaitExactTime   string
	CaptchaMode     string
	CaptchaAPIKey   string
	SMSWebhookToken string
	SaveArtifacts   bool
	UseProxy        bool
}

func readForm(r *http.Request) formValues {
	v := func(k string) string { return strings.TrimSpace(r.FormValue(k)) }
	return formValues{
		CustomerID:      v("customer_id"),
		DocType:         v("doc_type"),
		DocValue:        v("doc_value"),
		Name:            v("name"),
		YearOfBirth:     v("year_of_birth"),
		Country:         v("country"),
		Phone:           v("phone"),
		Email:           v("email"),
		Reason:          v("reason"),
		Province:        v("province"),
		Operation:       v("operation"),
		AutoOffice:      r.FormValue("auto_office") != "",
		Offices:         v("offices"),
		ExceptOffices:   v("except_offices"),
		MinDate:         v("min_date"),
		MaxDate:         v("max_date"),
		MinTime:         v("min_time"),
		MaxTime:         v("max_time"),
		WaitExactTime:   v("wait_exact_time"),
		CaptchaMode:     v("captcha_mode"),
		CaptchaAPIKey:   v("captcha_api_key"),
		SMSWebhookToken: v("sms_webhook_token"),
		SaveArtifacts:   r.FormValue("save_artifacts") != "",
		UseProxy:        r.FormValue("use_proxy") != "",
	}
}

func (f formValues) profile() (*appointment.CustomerProfile, error) {
	marks, err := parseMarks(f.WaitExactTime)
	if err != nil {
		return nil, err
	}
	p := &appointment.CustomerProfile{
		CustomerID:       f.CustomerID,
		DocType:          appointment.DocType(f.DocType),
		DocValue:         f.DocValue,
		Name:             f.Name,
		YearOfBirth:      f.YearOfBirth,
		Country:          f.Country,
		Phone:            f.Phone,
		Email:            f.Email,
		Reason:           f.Reason,
		Province:         appointment.Province(f.Province),
		Operation:        appointment.OperationType(f.Operation),
		AutoOffice:       f.AutoOffice,
		PreferredOffices: splitCSV(f.Offices),
		ExceptOffices:    splitCSV(f.ExceptOffices),
		MinDate:          f.MinDate,
		MaxDate:          f.MaxDate,
		MinTime:          f.MinTime,
		MaxTime:          f.MaxTime,
		WaitExactTime:    marks,
		CaptchaMode:      appointment.CaptchaMode(f.CaptchaMode),
		CaptchaAPIKey:    f.CaptchaAPIKey,
		SMSWebhookToken:  f.SMSWebhookToken,
		SaveArtifacts:    f.SaveArtifacts,
		UseProxy:         f.UseProxy,
	}
	p.ApplyDefaults()
	return p, nil
}

// parseMarks reads "mm:ss" marks separated by commas.
func parseMarks(s string) ([][2]int, error) {
	var out [][2]int
	for _, m := range splitCSV(s) {
		mm, ss, ok := strings.Cut(m, ":")
		if !ok {
			return nil, fmt.Errorf("wait_exact_time %q: want mm:ss", m)
		}
		mi, err1 := strconv.Atoi(mm)
		si, err2 := strconv.Atoi(ss)
		if err1 != nil || err2 != nil {
			return nil, fmt.Errorf("wait_exact_time %q: want mm:ss", m)
		}
		out = append(out, [2]int{mi, si})
	}
	return out, nil
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	var out []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

var funcs = template.FuncMap{
	"list": func(v ...string) []string { return v },
	"deref": func(s *string) string {
		if s == nil {
			return ""
		}
		return *s
	},
	"when": func(t *time.Time) string {
		if t == nil {
			return ""
		}
		return t.Format("2006-01-02 15:04:05")
	},
}

func (s *Server) render(w http.ResponseWriter, name string, data tmplData) {
	s.renderStatus(w, http.StatusOK, name, data)
}

func (s *Server) renderStatus(w http.ResponseWriter, status int, name string, data tmplData) {
	t, err := template.New("base").Funcs(funcs).ParseFS(fs, "templates/base.html", name)
	if err != nil {
		http.Error(w, "template error: "+err.Error(), http.StatusInternalServerError)
		return
	}
	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, "base", data); err != nil {
		http.Error(w, "render error: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = buf.WriteTo(w)
}

func Start(ctx context.Context, addr string, h http.Handler, logger *zap.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	logger.Info("listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
