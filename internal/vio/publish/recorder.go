package publish

import (
	"bytes"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/tailscale/tailsql/server/tailsql"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"

	"github.com/banshee-data/vio.frontend/internal/httputil"
	"github.com/banshee-data/vio.frontend/internal/monitoring"
	"github.com/banshee-data/vio.frontend/internal/vio"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var recorderLogf = monitoring.Component("Recorder")

const (
	defaultRecorderQueue = 1024
	maxBatch             = 256
)

// RecorderOptions configures OpenRecorder.
type RecorderOptions struct {
	Metrics *monitoring.Metrics
	// QueueSize bounds the writes waiting for the writer goroutine.
	// Writes beyond it are dropped and counted.
	QueueSize int
	// SkipLatest records frame reports only.
	SkipLatest bool
}

// Recorder is a Publisher that stores the trajectory in a sqlite
// database. Publishing only enqueues; a single goroutine writes batches
// in transactions.
type Recorder struct {
	db      *sql.DB
	path    string
	metrics *monitoring.Metrics
	skip    bool

	closeMu sync.RWMutex
	closed  bool
	queue   chan record
	wg      sync.WaitGroup

	dropped atomic.Uint64
	written atomic.Uint64
}

type record struct {
	session string
	latest  *vio.PropagatedState
	frame   *vio.FrameReport
}

// OpenRecorder opens (or creates) the database at path, applies pending
// schema migrations and starts the writer.
func OpenRecorder(path string, opts RecorderOptions) (*Recorder, error) {
	if opts.Metrics == nil {
		opts.Metrics = monitoring.NewMetrics(nil)
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultRecorderQueue
	}

	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open recorder database: %w", err)
	}
	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, err
	}

	r := &Recorder{
		db:      db,
		path:    path,
		metrics: opts.Metrics,
		skip:    opts.SkipLatest,
		queue:   make(chan record, opts.QueueSize),
	}
	r.wg.Add(1)
	go r.writeLoop()
	recorderLogf("recording trajectory to %s", path)
	return r, nil
}

func newMigrate(db *sql.DB) (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("load embedded migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = migrateLogger{}
	return m, nil
}

// migrateUp applies every pending migration. The migrate instance is not
// closed because that would close db.
func migrateUp(db *sql.DB) error {
	m, err := newMigrate(db)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// SchemaVersion returns the applied migration version and dirty flag.
func (r *Recorder) SchemaVersion() (uint, bool, error) {
	m, err := newMigrate(r.db)
	if err != nil {
		return 0, false, err
	}
	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return v, dirty, err
}

type migrateLogger struct{}

func (migrateLogger) Printf(format string, v ...interface{}) {
	monitoring.Logf("[migrate] "+format, v...)
}

func (migrateLogger) Verbose() bool { return false }

func (r *Recorder) PublishLatest(sessionID string, state vio.PropagatedState) {
	if r.skip {
		return
	}
	r.enqueue(record{session: sessionID, latest: &state})
}

func (r *Recorder) PublishFrame(report vio.FrameReport) {
	r.enqueue(record{session: report.SessionID, frame: &report})
}

func (r *Recorder) enqueue(rec record) {
	r.closeMu.RLock()
	defer r.closeMu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- rec:
	default:
		r.dropped.Add(1)
		r.metrics.RecorderErrors.Inc()
	}
}

func (r *Recorder) writeLoop() {
	defer r.wg.Done()
	batch := make([]record, 0, maxBatch)
	for rec := range r.queue {
		batch = append(batch[:0], rec)
	drain:
		for len(batch) < maxBatch {
			select {
			case next, ok := <-r.queue:
				if !ok {
					break drain
				}
				batch = append(batch, next)
			default:
				break drain
			}
		}
		if err := r.writeBatch(batch); err != nil {
			r.metrics.RecorderErrors.Inc()
			recorderLogf("write of %d rows failed: %v", len(batch), err)
		}
	}
}

func (r *Recorder) writeBatch(batch []record) error {
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	counts := make(map[string]int)
	for _, rec := range batch {
		switch {
		case rec.latest != nil:
			if err := insertLatest(tx, rec.session, *rec.latest); err != nil {
				return err
			}
			counts["propagated_states"]++
		case rec.frame != nil:
			if err := insertFrame(tx, *rec.frame); err != nil {
				return err
			}
			counts["frame_reports"]++
			if rec.frame.Relocalization != nil {
				if err := insertRelocalization(tx, rec.session, *rec.frame.Relocalization); err != nil {
					return err
				}
				counts["relocalizations"]++
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	for table, n := range counts {
		r.metrics.RecorderWrites.WithLabelValues(table).Add(float64(n))
	}
	r.written.Add(uint64(len(batch)))
	return nil
}

func insertLatest(tx *sql.Tx, session string, s vio.PropagatedState) error {
	_, err := tx.Exec(`
		INSERT INTO propagated_states (session_id, timestamp, px, py, pz, qw, qx, qy, qz, vx, vy, vz)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session, s.BaseTimestamp,
		s.Position.X, s.Position.Y, s.Position.Z,
		s.Orientation.Real, s.Orientation.Imag, s.Orientation.Jmag, s.Orientation.Kmag,
		s.Velocity.X, s.Velocity.Y, s.Velocity.Z,
	)
	return err
}

func insertFrame(tx *sql.Tx, f vio.FrameReport) error {
	o := f.Odometry
	_, err := tx.Exec(`
		INSERT INTO frame_reports (session_id, timestamp, phase, px, py, pz, qw, qx, qy, qz, vx, vy, vz, key_poses, points, keyframe)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.SessionID, f.Timestamp, f.Phase.String(),
		o.Position.X, o.Position.Y, o.Position.Z,
		o.Orientation.Real, o.Orientation.Imag, o.Orientation.Jmag, o.Orientation.Kmag,
		o.Velocity.X, o.Velocity.Y, o.Velocity.Z,
		len(f.KeyPoses), len(f.PointCloud), f.Keyframe != nil,
	)
	return err
}

func insertRelocalization(tx *sql.Tx, session string, rel vio.RelocalizationResult) error {
	d := rel.Drift
	_, err := tx.Exec(`
		INSERT INTO relocalizations (session_id, timestamp, frame_index, dx, dy, dz, dqw, dqx, dqy, dqz)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session, rel.Timestamp, rel.FrameIndex,
		d.Position.X, d.Position.Y, d.Position.Z,
		d.Orientation.Real, d.Orientation.Imag, d.Orientation.Jmag, d.Orientation.Kmag,
	)
	return err
}

// FrameRow is one recorded frame report.
type FrameRow struct {
	SessionID   string      `json:"session_id"`
	Timestamp   float64     `json:"timestamp"`
	Phase       string      `json:"phase"`
	Position    r3.Vec      `json:"position"`
	Orientation quat.Number `json:"orientation"`
	Velocity    r3.Vec      `json:"velocity"`
	KeyPoses    int         `json:"key_poses"`
	Points      int         `json:"points"`
	Keyframe    bool        `json:"keyframe"`
}

// Frames returns up to limit recorded frame reports of a session, oldest
// first. An empty session matches every session.
func (r *Recorder) Frames(sessionID string, limit int) ([]FrameRow, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(`
		SELECT session_id, timestamp, phase, px, py, pz, qw, qx, qy, qz, vx, vy, vz, key_poses, points, keyframe
		FROM frame_reports
		WHERE ? = '' OR session_id = ?
		ORDER BY id
		LIMIT ?`, sessionID, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FrameRow
	for rows.Next() {
		var f FrameRow
		if err := rows.Scan(&f.SessionID, &f.Timestamp, &f.Phase,
			&f.Position.X, &f.Position.Y, &f.Position.Z,
			&f.Orientation.Real, &f.Orientation.Imag, &f.Orientation.Jmag, &f.Orientation.Kmag,
			&f.Velocity.X, &f.Velocity.Y, &f.Velocity.Z,
			&f.KeyPoses, &f.Points, &f.Keyframe); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// Count returns the number of rows recorded in table for a session.
func (r *Recorder) Count(table, sessionID string) (int, error) {
	switch table {
	case "propagated_states", "frame_reports", "relocalizations":
	default:
		return 0, fmt.Errorf("unknown table %q", table)
	}
	var n int
	err := r.db.QueryRow("SELECT COUNT(*) FROM "+table+" WHERE session_id = ?", sessionID).Scan(&n)
	return n, err
}

// RecorderStats summarizes a Recorder.
type RecorderStats struct {
	Path    string `json:"path"`
	Written uint64 `json:"written"`
	Dropped uint64 `json:"dropped"`
	Queued  int    `json:"queued"`
}

func (r *Recorder) Stats() RecorderStats {
	return RecorderStats{
		Path:    r.path,
		Written: r.written.Load(),
		Dropped: r.dropped.Load(),
		Queued:  len(r.queue),
	}
}

// Close stops accepting writes, flushes the queue and closes the
// database.
func (r *Recorder) Close() error {
	r.closeMu.Lock()
	if r.closed {
		r.closeMu.Unlock()
		return nil
	}
	r.closed = true
	close(r.queue)
	r.closeMu.Unlock()

	r.wg.Wait()
	return r.db.Close()
}

// AttachAdminRoutes mounts live SQL over the recorder database, a JSON view
// of recent frames and a trajectory chart on the mux's /debug/ tree.
func (r *Recorder) AttachAdminRoutes(mux *http.ServeMux) error {
	debug := tsweb.Debugger(mux)
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		return fmt.Errorf("create tailsql server: %w", err)
	}
	tsql.SetDB("sqlite://"+r.path, r.db, &tailsql.DBOptions{
		Label: "Trajectory DB",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.Handle("trajectory", "Recent frame reports (?session=&limit=)", http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		frames, ok := r.queryFrames(w, req, 100)
		if !ok {
			return
		}
		httputil.WriteJSONOK(w, struct {
			Stats  RecorderStats `json:"stats"`
			Frames []FrameRow    `json:"frames"`
		}{r.Stats(), frames})
	}))

	debug.Handle("trajectory-chart", "Top-down plot of recorded positions (?session=&limit=)", http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		frames, ok := r.queryFrames(w, req, 2000)
		if !ok {
			return
		}
		var buf bytes.Buffer
		if err := renderTrajectoryChart(&buf, req.URL.Query().Get("session"), frames); err != nil {
			httputil.InternalServerError(w, err.Error())
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write(buf.Bytes())
	}))
	return nil
}

// queryFrames reads the session and limit query parameters and loads the
// frames. It writes the error response itself and reports false on failure.
func (r *Recorder) queryFrames(w http.ResponseWriter, req *http.Request, defaultLimit int) ([]FrameRow, bool) {
	limit := defaultLimit
	if s := req.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			httputil.BadRequest(w, "invalid limit")
			return nil, false
		}
		limit = n
	}
	frames, err := r.Frames(req.URL.Query().Get("session"), limit)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return nil, false
	}
	return frames, true
}
