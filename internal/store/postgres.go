package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	_ "github.com/lib/pq"

	"github.com/coordcore/coordinator/internal/logproc"
)

const interactionsSchema = `
CREATE TABLE IF NOT EXISTS interactions (
    interaction_id  TEXT PRIMARY KEY,
    mcp_id          TEXT NOT NULL DEFAULT '',
    client_id       TEXT NOT NULL DEFAULT '',
    state           TEXT NOT NULL,
    start_ts        TIMESTAMPTZ NOT NULL,
    end_ts          TIMESTAMPTZ,
    latency_ms      DOUBLE PRECISION NOT NULL DEFAULT 0,
    record          JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS interactions_mcp_start_idx ON interactions (mcp_id, start_ts DESC);
CREATE INDEX IF NOT EXISTS interactions_start_idx ON interactions (start_ts DESC);
`

// PostgresStore keeps interaction records in Postgres. The full record is
// a JSONB column; the hot query columns are denormalized beside it.
type PostgresStore struct {
	db     *sql.DB
	logger *log.Logger
}

// OpenPostgresStore connects, verifies the connection, and ensures the
// schema exists.
func OpenPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.Exec(interactionsSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure interactions schema: %w", err)
	}
	ps := &PostgresStore{
		db:     db,
		logger: log.New(log.Writer(), "[STORE] ", log.LstdFlags),
	}
	ps.logger.Printf("Postgres interaction store ready")
	return ps, nil
}

func (ps *PostgresStore) Put(rec *logproc.Record) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record %s: %w", rec.InteractionID, err)
	}
	var endTS *time.Time
	if rec.EndTS != nil {
		endTS = rec.EndTS
	}
	_, err = ps.db.Exec(`
		INSERT INTO interactions (interaction_id, mcp_id, client_id, state, start_ts, end_ts, latency_ms, record)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (interaction_id) DO UPDATE SET
			state = EXCLUDED.state,
			end_ts = EXCLUDED.end_ts,
			latency_ms = EXCLUDED.latency_ms,
			record = EXCLUDED.record`,
		rec.InteractionID, rec.MCPID, rec.ClientID, string(rec.State),
		rec.StartTS, endTS, rec.LatencyMs(), body)
	if err != nil {
		return fmt.Errorf("upsert record %s: %w", rec.InteractionID, err)
	}
	return nil
}

func (ps *PostgresStore) Get(interactionID string) (*logproc.Record, error) {
	var body []byte
	err := ps.db.QueryRow(`SELECT record FROM interactions WHERE interaction_id = $1`, interactionID).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, logproc.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get record %s: %w", interactionID, err)
	}
	var rec logproc.Record
	if err := json.Unmarshal(body, &rec); err != nil {
		return nil, fmt.Errorf("decode record %s: %w", interactionID, err)
	}
	return &rec, nil
}

func (ps *PostgresStore) List(f logproc.Filter) ([]*logproc.Record, error) {
	query := `SELECT record FROM interactions WHERE 1=1`
	var args []interface{}
	if f.MCPID != "" {
		args = append(args, f.MCPID)
		query += fmt.Sprintf(" AND mcp_id = $%d", len(args))
	}
	if f.ClientID != "" {
		args = append(args, f.ClientID)
		query += fmt.Sprintf(" AND client_id = $%d", len(args))
	}
	query += " ORDER BY start_ts DESC, interaction_id ASC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := ps.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var out []*logproc.Record
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var rec logproc.Record
		if err := json.Unmarshal(body, &rec); err != nil {
			return nil, fmt.Errorf("decode record: %w", err)
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (ps *PostgresStore) Aggregate(mcpID string, since time.Time) (logproc.Aggregate, error) {
	var agg logproc.Aggregate
	err := ps.db.QueryRow(`
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE state = 'completed'),
		       COUNT(*) FILTER (WHERE state = 'failed'),
		       COALESCE(AVG(latency_ms), 0),
		       COALESCE(MIN(latency_ms), 0),
		       COALESCE(MAX(latency_ms), 0)
		FROM interactions
		WHERE state IN ('completed', 'failed')
		  AND start_ts >= $1
		  AND ($2 = '' OR mcp_id = $2)`,
		since, mcpID).Scan(&agg.Count, &agg.Success, &agg.Failure,
		&agg.AvgLatencyMs, &agg.MinLatencyMs, &agg.MaxLatencyMs)
	if err != nil {
		return logproc.Aggregate{}, fmt.Errorf("aggregate: %w", err)
	}
	return agg, nil
}

func (ps *PostgresStore) DeleteOlderThan(cutoff time.Time) (int, error) {
	res, err := ps.db.Exec(`DELETE FROM interactions WHERE start_ts < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("retention delete: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (ps *PostgresStore) Close() error { return ps.db.Close() }
