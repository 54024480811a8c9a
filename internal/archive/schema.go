// Package archive provides PostgreSQL persistence for capture sessions.
//
// A [Store] records one row per capture session (start/stop, active profile,
// stream geometry), one row per detected speech segment, and the transcript
// entries returned by the upstream speech session. The schema is installed by
// [Migrate] on startup; all statements are idempotent.
//
// Archiving is optional: the rest of the pipeline treats a nil *Store as
// "archiving disabled".
package archive

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlSessions = `
CREATE TABLE IF NOT EXISTS sessions (
    id          BIGSERIAL    PRIMARY KEY,
    started_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    ended_at    TIMESTAMPTZ,
    profile     TEXT         NOT NULL,
    sample_rate INTEGER      NOT NULL,
    block_size  INTEGER      NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_started_at
    ON sessions (started_at);
`

const ddlSegments = `
CREATE TABLE IF NOT EXISTS segments (
    id          BIGSERIAL         PRIMARY KEY,
    session_id  BIGINT            NOT NULL REFERENCES sessions (id) ON DELETE CASCADE,
    at          TIMESTAMPTZ       NOT NULL DEFAULT now(),
    blocks      INTEGER           NOT NULL,
    duration_ns BIGINT            NOT NULL DEFAULT 0,
    peak_rms    DOUBLE PRECISION  NOT NULL,
    mean_rms    DOUBLE PRECISION  NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_segments_session_id
    ON segments (session_id);
`

const ddlTranscripts = `
CREATE TABLE IF NOT EXISTS transcripts (
    id          BIGSERIAL    PRIMARY KEY,
    session_id  BIGINT       NOT NULL REFERENCES sessions (id) ON DELETE CASCADE,
    role        TEXT         NOT NULL,
    text        TEXT         NOT NULL,
    at          TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_transcripts_session_id
    ON transcripts (session_id);

CREATE INDEX IF NOT EXISTS idx_transcripts_fts
    ON transcripts USING GIN (to_tsvector('english', text));
`

// Migrate creates or ensures all archive tables exist. It is idempotent and
// safe to call on every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	statements := []string{
		ddlSessions,
		ddlSegments,
		ddlTranscripts,
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("archive migrate: %w", err)
		}
	}
	return nil
}
