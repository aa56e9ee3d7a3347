// Package journal keeps a queryable SQLite history of every action the
// engine accepted or rejected and how each one resolved.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"campfire/engine/internal/actions"
	"campfire/engine/internal/intake"
	"campfire/engine/internal/logging"
	"campfire/engine/internal/tick"
	"campfire/engine/internal/world"
)

// ErrClosed is returned by Flush after Close.
var ErrClosed = errors.New("journal closed")

const defaultQueueSize = 8192

// Status values stored in the actions table.
const (
	StatusPending    = "pending"
	StatusDispatched = "dispatched"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusRejected   = "rejected"
)

// Entry is one row of the action history.
type Entry struct {
	ActionID        uint64         `json:"action_id,omitempty"`
	PlayerID        world.PlayerID `json:"player_id"`
	Kind            actions.Kind   `json:"kind"`
	TargetID        world.EntityID `json:"target_id"`
	Units           int            `json:"units"`
	SubmittedAtTick uint64         `json:"submitted_at_tick"`
	CompleteAt      uint64         `json:"complete_at,omitempty"`
	Status          string         `json:"status"`
	Reason          string         `json:"reason,omitempty"`
	ResolvedAtTick  uint64         `json:"resolved_at_tick,omitempty"`
}

type reqKind int

const (
	reqAccepted reqKind = iota + 1
	reqRejected
	reqChangeSet
	reqFlush
)

type req struct {
	kind  reqKind
	entry Entry
	cs    tick.ChangeSet
	done  chan struct{}
}

// Journal writes on a single background goroutine so tick publication never
// waits on disk. Writes are dropped when the queue is full.
type Journal struct {
	db  *sql.DB
	log *logging.Logger

	ch      chan req
	wg      sync.WaitGroup
	once    sync.Once
	closeMu sync.RWMutex
	closed  bool

	dropped atomic.Uint64
	written atomic.Uint64
}

// Options tune Open.
type Options struct {
	QueueSize int
	Logger    *logging.Logger
}

// Open creates or reopens the journal database at path. The special path
// ":memory:" keeps the journal in memory.
func Open(path string, opts Options) (*Journal, error) {
	if path == "" {
		return nil, fmt.Errorf("empty journal path")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	size := opts.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	j := &Journal{db: db, log: logger, ch: make(chan req, size)}
	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		j.loop()
	}()
	return j, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS actions (
			action_id INTEGER PRIMARY KEY,
			player_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			target_id INTEGER NOT NULL,
			units INTEGER NOT NULL,
			submitted_tick INTEGER NOT NULL,
			complete_at INTEGER NOT NULL,
			status TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			resolved_tick INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_actions_player ON actions(player_id, action_id);`,
		`CREATE TABLE IF NOT EXISTS rejections (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			player_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			target_id INTEGER NOT NULL,
			units INTEGER NOT NULL,
			reason TEXT NOT NULL,
			recorded_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_rejections_player ON rejections(player_id, seq);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

// ActionAccepted implements intake.Observer.
func (j *Journal) ActionAccepted(r actions.Request, plan actions.Plan) {
	j.enqueue(req{kind: reqAccepted, entry: Entry{
		ActionID:        r.ID,
		PlayerID:        r.PlayerID,
		Kind:            r.Kind,
		TargetID:        r.Payload.TargetID,
		Units:           r.Payload.Units,
		SubmittedAtTick: r.SubmittedAtTick,
		CompleteAt:      plan.CompleteAt,
		Status:          StatusPending,
	}})
}

// ActionRejected implements intake.Observer.
func (j *Journal) ActionRejected(sub intake.Submission, reason string) {
	j.enqueue(req{kind: reqRejected, entry: Entry{
		PlayerID: sub.PlayerID,
		Kind:     sub.Kind,
		TargetID: sub.Payload.TargetID,
		Units:    sub.Payload.Units,
		Status:   StatusRejected,
		Reason:   reason,
	}})
}

// Publish implements tick.Emitter. Only action lifecycle deltas are recorded.
func (j *Journal) Publish(cs tick.ChangeSet) {
	for _, d := range cs.Deltas {
		if lifecycleStatus(d.Kind) != "" {
			j.enqueue(req{kind: reqChangeSet, cs: cs})
			return
		}
	}
}

func (j *Journal) enqueue(r req) {
	if j == nil {
		return
	}
	j.closeMu.RLock()
	defer j.closeMu.RUnlock()
	if j.closed {
		return
	}
	select {
	case j.ch <- r:
	default:
		j.dropped.Add(1)
	}
}

// Flush blocks until every write queued before the call has been applied.
func (j *Journal) Flush(ctx context.Context) error {
	done := make(chan struct{})
	j.closeMu.RLock()
	if j.closed {
		j.closeMu.RUnlock()
		return ErrClosed
	}
	select {
	case j.ch <- req{kind: reqFlush, done: done}:
	case <-ctx.Done():
		j.closeMu.RUnlock()
		return ctx.Err()
	}
	j.closeMu.RUnlock()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats reports how many writes landed and how many were dropped.
func (j *Journal) Stats() (written, dropped uint64) {
	return j.written.Load(), j.dropped.Load()
}

// Close drains the queue and closes the database.
func (j *Journal) Close() error {
	var err error
	j.once.Do(func() {
		j.closeMu.Lock()
		j.closed = true
		close(j.ch)
		j.closeMu.Unlock()
		j.wg.Wait()
		err = j.db.Close()
	})
	return err
}

func (j *Journal) loop() {
	ctx := context.Background()
	for r := range j.ch {
		var err error
		switch r.kind {
		case reqAccepted:
			e := r.entry
			//1.- Never overwrite a status a change set already recorded for this id.
			_, err = j.db.ExecContext(ctx,
				`INSERT INTO actions(action_id,player_id,kind,target_id,units,submitted_tick,complete_at,status) VALUES(?,?,?,?,?,?,?,?)
				ON CONFLICT(action_id) DO UPDATE SET player_id=excluded.player_id, kind=excluded.kind, target_id=excluded.target_id,
					units=excluded.units, submitted_tick=excluded.submitted_tick, complete_at=excluded.complete_at`,
				int64(e.ActionID), string(e.PlayerID), string(e.Kind), int64(e.TargetID), e.Units,
				int64(e.SubmittedAtTick), int64(e.CompleteAt), e.Status,
			)
		case reqRejected:
			e := r.entry
			_, err = j.db.ExecContext(ctx,
				`INSERT INTO rejections(player_id,kind,target_id,units,reason,recorded_at) VALUES(?,?,?,?,?,?)`,
				string(e.PlayerID), string(e.Kind), int64(e.TargetID), e.Units, e.Reason,
				time.Now().UTC().Format(time.RFC3339Nano),
			)
		case reqChangeSet:
			err = j.resolve(ctx, r.cs)
		case reqFlush:
			close(r.done)
			continue
		}
		if err != nil {
			j.log.Warn("journal write failed", logging.Error(err))
			continue
		}
		j.written.Add(1)
	}
}

func lifecycleStatus(kind world.DeltaKind) string {
	switch kind {
	case world.DeltaActionDispatched:
		return StatusDispatched
	case world.DeltaActionCompleted:
		return StatusCompleted
	case world.DeltaCompletionFailed:
		return StatusFailed
	}
	return ""
}

func (j *Journal) resolve(ctx context.Context, cs tick.ChangeSet) error {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	dispatched, err := tx.PrepareContext(ctx, `UPDATE actions SET status=? WHERE action_id=? AND status=?`)
	if err != nil {
		return err
	}
	defer dispatched.Close()
	resolved, err := tx.PrepareContext(ctx, `UPDATE actions SET status=?, reason=?, resolved_tick=? WHERE action_id=?`)
	if err != nil {
		return err
	}
	defer resolved.Close()
	missing, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO actions(action_id,player_id,kind,target_id,units,submitted_tick,complete_at,status,reason,resolved_tick) VALUES(?,?,'',0,0,0,0,?,?,?)`)
	if err != nil {
		return err
	}
	defer missing.Close()

	for _, d := range cs.Deltas {
		status := lifecycleStatus(d.Kind)
		if status == "" {
			continue
		}
		var res sql.Result
		var resolvedTick int64
		if status == StatusDispatched {
			res, err = dispatched.ExecContext(ctx, status, int64(d.ActionID), StatusPending)
		} else {
			resolvedTick = int64(cs.Tick)
			res, err = resolved.ExecContext(ctx, status, d.Reason, resolvedTick, int64(d.ActionID))
		}
		if err != nil {
			return err
		}
		//1.- A row the accept write has not reached yet is created now; the accept fills in the rest.
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			if _, err := missing.ExecContext(ctx, int64(d.ActionID), string(d.PlayerID), status, d.Reason, resolvedTick); err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}

// Query narrows a history lookup.
type Query struct {
	PlayerID world.PlayerID
	Status   string
	Limit    int
}

// Actions returns accepted actions newest first.
func (j *Journal) Actions(ctx context.Context, q Query) ([]Entry, error) {
	limit := q.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `SELECT action_id,player_id,kind,target_id,units,submitted_tick,complete_at,status,reason,resolved_tick FROM actions WHERE 1=1`
	var args []any
	if q.PlayerID != "" {
		query += ` AND player_id=?`
		args = append(args, string(q.PlayerID))
	}
	if q.Status != "" {
		query += ` AND status=?`
		args = append(args, q.Status)
	}
	query += ` ORDER BY action_id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var e Entry
		var id, target, submitted, completeAt, resolved int64
		var player, kind string
		if err := rows.Scan(&id, &player, &kind, &target, &e.Units, &submitted, &completeAt, &e.Status, &e.Reason, &resolved); err != nil {
			return nil, err
		}
		e.ActionID = uint64(id)
		e.PlayerID = world.PlayerID(player)
		e.Kind = actions.Kind(kind)
		e.TargetID = world.EntityID(target)
		e.SubmittedAtTick = uint64(submitted)
		e.CompleteAt = uint64(completeAt)
		e.ResolvedAtTick = uint64(resolved)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ActionsForPlayer returns the player's most recent actions.
func (j *Journal) ActionsForPlayer(ctx context.Context, player world.PlayerID, limit int) ([]Entry, error) {
	return j.Actions(ctx, Query{PlayerID: player, Limit: limit})
}

// Rejections returns the player's most recent rejected submissions.
func (j *Journal) Rejections(ctx context.Context, player world.PlayerID, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT player_id,kind,target_id,units,reason FROM rejections WHERE player_id=? ORDER BY seq DESC LIMIT ?`,
		string(player), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var e Entry
		var target int64
		var pid, kind string
		if err := rows.Scan(&pid, &kind, &target, &e.Units, &e.Reason); err != nil {
			return nil, err
		}
		e.PlayerID = world.PlayerID(pid)
		e.Kind = actions.Kind(kind)
		e.TargetID = world.EntityID(target)
		e.Status = StatusRejected
		out = append(out, e)
	}
	return out, rows.Err()
}
