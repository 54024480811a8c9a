package archive

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/murmurlink/murmurlink/pkg/provider/speech"
)

// Session is one recorded capture session.
type Session struct {
	ID         int64      `json:"id"`
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"` // nil while the session is still running
	Profile    string     `json:"profile"`
	SampleRate int        `json:"sample_rate"`
	BlockSize  int        `json:"block_size"`
}

// Segment is one recorded speech segment.
type Segment struct {
	ID        int64         `json:"id"`
	SessionID int64         `json:"session_id"`
	At        time.Time     `json:"at"`
	Blocks    int           `json:"blocks"`
	Duration  time.Duration `json:"duration_ns"`
	PeakRMS   float64       `json:"peak_rms"`
	MeanRMS   float64       `json:"mean_rms"`
}

// TranscriptEntry is one recorded transcript line.
type TranscriptEntry struct {
	ID        int64     `json:"id"`
	SessionID int64     `json:"session_id"`
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	At        time.Time `json:"at"`
}

// SearchOpts filters a transcript search.
type SearchOpts struct {
	// SessionID restricts results to one session. Zero means all sessions.
	SessionID int64

	// After and Before bound the timestamp range. Zero values are ignored.
	After  time.Time
	Before time.Time

	// Limit caps the number of results. Zero means no limit.
	Limit int
}

// Store is the PostgreSQL-backed session archive. It holds a single
// [pgxpool.Pool]; all methods are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore establishes a connection pool to the database at dsn and runs
// [Migrate] to ensure the schema exists.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("archive: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("archive: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// BeginSession records the start of a capture session and returns its ID.
func (s *Store) BeginSession(ctx context.Context, profile string, sampleRate, blockSize int) (int64, error) {
	const q = `
		INSERT INTO sessions (profile, sample_rate, block_size)
		VALUES ($1, $2, $3)
		RETURNING id`

	var id int64
	if err := s.pool.QueryRow(ctx, q, profile, sampleRate, blockSize).Scan(&id); err != nil {
		return 0, fmt.Errorf("archive: begin session: %w", err)
	}
	return id, nil
}

// EndSession stamps the session's end time. Ending an already-ended session
// overwrites the stamp.
func (s *Store) EndSession(ctx context.Context, sessionID int64) error {
	const q = `UPDATE sessions SET ended_at = now() WHERE id = $1`

	tag, err := s.pool.Exec(ctx, q, sessionID)
	if err != nil {
		return fmt.Errorf("archive: end session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("archive: end session: no session with id %d", sessionID)
	}
	return nil
}

// WriteSegment appends a speech segment row.
func (s *Store) WriteSegment(ctx context.Context, seg Segment) error {
	const q = `
		INSERT INTO segments (session_id, blocks, duration_ns, peak_rms, mean_rms)
		VALUES ($1, $2, $3, $4, $5)`

	_, err := s.pool.Exec(ctx, q,
		seg.SessionID,
		seg.Blocks,
		seg.Duration.Nanoseconds(),
		seg.PeakRMS,
		seg.MeanRMS,
	)
	if err != nil {
		return fmt.Errorf("archive: write segment: %w", err)
	}
	return nil
}

// WriteTranscript appends a transcript line under sessionID.
func (s *Store) WriteTranscript(ctx context.Context, sessionID int64, t speech.Transcript) error {
	const q = `
		INSERT INTO transcripts (session_id, role, text, at)
		VALUES ($1, $2, $3, $4)`

	_, err := s.pool.Exec(ctx, q, sessionID, t.Role, t.Text, t.At)
	if err != nil {
		return fmt.Errorf("archive: write transcript: %w", err)
	}
	return nil
}

// RecentSessions returns the most recently started sessions, newest first.
func (s *Store) RecentSessions(ctx context.Context, limit int) ([]Session, error) {
	const q = `
		SELECT id, started_at, ended_at, profile, sample_rate, block_size
		FROM   sessions
		ORDER  BY started_at DESC
		LIMIT  $1`

	rows, err := s.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("archive: recent sessions: %w", err)
	}
	sessions, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Session, error) {
		var sess Session
		err := row.Scan(&sess.ID, &sess.StartedAt, &sess.EndedAt, &sess.Profile, &sess.SampleRate, &sess.BlockSize)
		return sess, err
	})
	if err != nil {
		return nil, fmt.Errorf("archive: scan sessions: %w", err)
	}
	return sessions, nil
}

// Segments returns all segments of a session in chronological order.
func (s *Store) Segments(ctx context.Context, sessionID int64) ([]Segment, error) {
	const q = `
		SELECT id, session_id, at, blocks, duration_ns, peak_rms, mean_rms
		FROM   segments
		WHERE  session_id = $1
		ORDER  BY at`

	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("archive: segments: %w", err)
	}
	segments, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Segment, error) {
		var (
			seg        Segment
			durationNS int64
		)
		if err := row.Scan(&seg.ID, &seg.SessionID, &seg.At, &seg.Blocks, &durationNS, &seg.PeakRMS, &seg.MeanRMS); err != nil {
			return Segment{}, err
		}
		seg.Duration = time.Duration(durationNS)
		return seg, nil
	})
	if err != nil {
		return nil, fmt.Errorf("archive: scan segments: %w", err)
	}
	return segments, nil
}

// SearchTranscripts performs a full-text search over archived transcripts
// and applies optional filters from opts. The query is passed through
// plainto_tsquery so no operator syntax is required.
func (s *Store) SearchTranscripts(ctx context.Context, query string, opts SearchOpts) ([]TranscriptEntry, error) {
	args := []any{query} // $1 = FTS query string
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	conditions := []string{
		"to_tsvector('english', text) @@ plainto_tsquery('english', $1)",
	}
	if opts.SessionID != 0 {
		conditions = append(conditions, "session_id = "+next(opts.SessionID))
	}
	if !opts.After.IsZero() {
		conditions = append(conditions, "at > "+next(opts.After))
	}
	if !opts.Before.IsZero() {
		conditions = append(conditions, "at < "+next(opts.Before))
	}

	q := "SELECT id, session_id, role, text, at\n" +
		"FROM   transcripts\n" +
		"WHERE  " + strings.Join(conditions, "\n  AND  ") + "\n" +
		"ORDER  BY at"

	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		q += fmt.Sprintf("\nLIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("archive: search transcripts: %w", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (TranscriptEntry, error) {
		var e TranscriptEntry
		err := row.Scan(&e.ID, &e.SessionID, &e.Role, &e.Text, &e.At)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("archive: scan transcripts: %w", err)
	}
	if entries == nil {
		entries = []TranscriptEntry{}
	}
	return entries, nil
}

// Ping verifies database connectivity. Used by readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all connections held by the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}
