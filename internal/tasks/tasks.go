// Package tasks keeps the history of supervised tasks in Postgres: one row per
// task, its sealed customer profile, and the progress events it emitted.
package tasks

import (
	"context"
	"fmt"
	"time"

	"github.com/example/cita-scheduler/internal/crypto"
	"github.com/example/cita-scheduler/internal/db"
	"github.com/example/cita-scheduler/internal/domain/appointment"
	"github.com/example/cita-scheduler/internal/engine"
	"github.com/example/cita-scheduler/internal/notify"
	"github.com/example/cita-scheduler/internal/supervisor"
)

type Task struct {
	ID         string
	UserID     *int64
	Key        string
	CustomerID string
	Province   string
	Operation  string
	State      string
	MaxCycles  int
	Attempts   int
	Code       *string
	LastError  *string
	StartedAt  time.Time
	FinishedAt *time.Time
	UpdatedAt  time.Time
}

type Event struct {
	ID      int64
	TaskID  string
	Kind    string
	Attempt int
	Message string
	Code    *string
	At      time.Time
}

// Repo is both the supervisor's Recorder and a Notifier for the event log.
type Repo struct {
	db   *db.DB
	aead *crypto.AEAD
}

func NewRepo(d *db.DB, a *crypto.AEAD) *Repo { return &Repo{db: d, aead: a} }

var (
	_ supervisor.Recorder = (*Repo)(nil)
	_ notify.Notifier     = (*Repo)(nil)
)

const taskColumns = `id,user_id,region_key,customer_id,province,operation,state,max_cycles,attempts,code,last_error,started_at,finished_at,updated_at`

func scanTask(r db.Row) (Task, error) {
	var t Task
	err := r.Scan(&t.ID, &t.UserID, &t.Key, &t.CustomerID, &t.Province, &t.Operation, &t.State,
		&t.MaxCycles, &t.Attempts, &t.Code, &t.LastError, &t.StartedAt, &t.FinishedAt, &t.UpdatedAt)
	return t, err
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (r *Repo) TaskStarted(ctx context.Context, info supervisor.TaskInfo, p *appointment.CustomerProfile) error {
	sealed, err := r.aead.SealJSON(p, []byte(info.ID))
	if err != nil {
		return fmt.Errorf("seal profile: %w", err)
	}
	return r.db.Exec(ctx, `
INSERT INTO tasks(id,region_key,customer_id,province,operation,state,max_cycles,profile_sealed,started_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		info.ID, info.Key, info.CustomerID, info.Province, info.Operation, string(info.State), info.MaxCycles, sealed, info.StartedAt,
	)
}

func (r *Repo) TaskFinished(ctx context.Context, info supervisor.TaskInfo, res engine.Result) error {
	var shot []byte
	if res.Confirmed != nil {
		shot = res.Confirmed.Screenshot
	}
	n, err := r.db.ExecRows(ctx, `
UPDATE tasks SET state=$2, attempts=$3, code=$4, last_error=$5, screenshot=$6, finished_at=$7, updated_at=now()
WHERE id=$1`,
		info.ID, string(info.State), info.Attempts, nullable(info.Code), nullable(info.Error), shot, info.FinishedAt,
	)
	if err != nil {
		return err
	}
	if n == 0 {
		return db.ErrNotFound
	}
	return nil
}

// Notify appends e to the task's event log.
func (r *Repo) Notify(ctx context.Context, e notify.Event) error {
	if e.TaskID == "" {
		return nil
	}
	if err := r.db.Exec(ctx, `INSERT INTO task_events(task_id,kind,attempt,message,code,at) VALUES ($1,$2,$3,$4,$5,$6)`,
		e.TaskID, string(e.Kind), e.Attempt, e.Message, nullable(e.Code), e.At); err != nil {
		return err
	}
	if e.Kind == notify.Attempt {
		return r.db.Exec(ctx, `UPDATE tasks SET attempts=$2, updated_at=now() WHERE id=$1`, e.TaskID, e.Attempt)
	}
	return nil
}

// AssignOwner links a task to the user who started it from the web UI.
func (r *Repo) AssignOwner(ctx context.Context, taskID string, userID int64) error {
	n, err := r.db.ExecRows(ctx, `UPDATE tasks SET user_id=$2 WHERE id=$1`, taskID, userID)
	if err != nil {
		return err
	}
	if n == 0 {
		return db.ErrNotFound
	}
	return nil
}

func (r *Repo) ListByUser(ctx context.Context, userID int64, limit int) ([]Task, error) {
	rows, err := r.db.Query(ctx, `SELECT `+taskColumns+` FROM tasks WHERE user_id=$1 ORDER BY started_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *Repo) Get(ctx context.Context, id string) (Task, error) {
	t, err := scanTask(r.db.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=$1`, id))
	if err != nil {
		return Task{}, db.WrapNotFound(err)
	}
	return t, nil
}

// Events returns the newest limit events of a task, oldest first.
func (r *Repo) Events(ctx context.Context, taskID string, limit int) ([]Event, error) {
	rows, err := r.db.Query(ctx, `
SELECT id,task_id,kind,attempt,message,code,at FROM (
	SELECT id,task_id,kind,attempt,message,code,at FROM task_events WHERE task_id=$1 ORDER BY id DESC LIMIT $2
) e ORDER BY id`, taskID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.TaskID, &e.Kind, &e.Attempt, &e.Message, &e.Code, &e.At); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Profile opens the profile a task was started with, ready to start again.
func (r *Repo) Profile(ctx context.Context, id string) (*appointment.CustomerProfile, error) {
	var sealed string
	if err := r.db.QueryRow(ctx, `SELECT profile_sealed FROM tasks WHERE id=$1`, id).Scan(&sealed); err != nil {
		return nil, db.WrapNotFound(err)
	}
	var p appointment.CustomerProfile
	if err := r.aead.OpenJSON(sealed, []byte(id), &p); err != nil {
		return nil, fmt.Errorf("open profile of task %s: %w", id, err)
	}
	p.ApplyDefaults()
	return &p, nil
}

func (r *Repo) Screenshot(ctx context.Context, id string) ([]byte, error) {
	var b []byte
	if err := r.db.QueryRow(ctx, `SELECT screenshot FROM tasks WHERE id=$1`, id).Scan(&b); err != nil {
		return nil, db.WrapNotFound(err)
	}
	if len(b) == 0 {
		return nil, db.ErrNotFound
	}
	return b, nil
}

// MarkInterrupted closes tasks left running by a previous process.
func (r *Repo) MarkInterrupted(ctx context.Context) (int64, error) {
	return r.db.ExecRows(ctx, `
UPDATE tasks SET state=$1, last_error='interrupted by restart', finished_at=now(), updated_at=now()
WHERE state=$2`, string(supervisor.Aborted), string(supervisor.Running))
}
