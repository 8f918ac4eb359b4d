package etl

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx database/sql driver
	"github.com/jmoiron/sqlx"

	"github.com/fiberstack/fiber/modules/gateway"
	"github.com/fiberstack/fiber/pkg/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS samples (
    time          TIMESTAMPTZ      NOT NULL,
    node_id       TEXT             NOT NULL,
    latency_ms    DOUBLE PRECISION NOT NULL,
    uptime_pct    DOUBLE PRECISION NOT NULL,
    packet_loss   DOUBLE PRECISION NOT NULL,
    target_host   TEXT,
    probe_type    TEXT,
    ingest_region TEXT,
    trace_id      TEXT,
    metadata      JSONB,
    PRIMARY KEY (time, node_id)
);

CREATE TABLE IF NOT EXISTS nodes (
    node_id      TEXT PRIMARY KEY,
    node_name    TEXT NOT NULL DEFAULT '',
    country      TEXT NOT NULL DEFAULT '',
    region       TEXT NOT NULL DEFAULT '',
    lat          DOUBLE PRECISION,
    lng          DOUBLE PRECISION,
    status       TEXT NOT NULL DEFAULT 'registered',
    last_seen_at TIMESTAMPTZ NOT NULL DEFAULT 'epoch',
    updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS sample_conflicts (
    id          BIGSERIAL PRIMARY KEY,
    time        TIMESTAMPTZ NOT NULL,
    node_id     TEXT        NOT NULL,
    attempted   JSONB       NOT NULL,
    trace_id    TEXT,
    observed_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS samples_node_time_idx ON samples (node_id, time DESC);
`

// SampleRow is the storage form of a sample.
type SampleRow struct {
	Time         time.Time `db:"time"`
	NodeID       string    `db:"node_id"`
	LatencyMS    float64   `db:"latency_ms"`
	UptimePct    float64   `db:"uptime_pct"`
	PacketLoss   float64   `db:"packet_loss"`
	TargetHost   string    `db:"target_host"`
	ProbeType    string    `db:"probe_type"`
	IngestRegion string    `db:"ingest_region"`
	TraceID      string    `db:"trace_id"`
	Metadata     []byte    `db:"metadata"`
}

// Store is the Postgres persistence layer. The ETL is the sole writer; the
// gateway only reads through QueryMetrics.
type Store struct {
	db *sqlx.DB
}

// OpenStore connects to Postgres through the pgx driver.
func OpenStore(dsn string) (*Store, error) {
	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &Store{db: db}, nil
}

// NewStore wraps an existing connection, mainly for tests.
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// EnsureSchema creates the tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Ping reports storage health.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// InsertSamples persists rows in one transaction. A row whose (time, node_id)
// identity already exists is not overwritten; the attempt is recorded in the
// conflicts table and counted. Either the whole batch commits or none of it
// does, so a crash mid-batch leaves storage consistent with a later replay.
func (s *Store) InsertSamples(ctx context.Context, rows []SampleRow) (inserted, conflicts int, err error) {
	if len(rows) == 0 {
		return 0, 0, nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for i := range rows {
		r := &rows[i]
		res, execErr := tx.ExecContext(ctx, `
			INSERT INTO samples (time, node_id, latency_ms, uptime_pct, packet_loss, target_host, probe_type, ingest_region, trace_id, metadata)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (time, node_id) DO NOTHING`,
			r.Time, r.NodeID, r.LatencyMS, r.UptimePct, r.PacketLoss,
			r.TargetHost, r.ProbeType, r.IngestRegion, r.TraceID, nullableJSON(r.Metadata))
		if execErr != nil {
			err = fmt.Errorf("inserting sample %s/%s: %w", r.NodeID, r.Time.Format(time.RFC3339), execErr)
			return 0, 0, err
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			conflicts++
			attempted, mErr := json.Marshal(r)
			if mErr != nil {
				attempted = []byte("{}")
			}
			if _, execErr := tx.ExecContext(ctx, `
				INSERT INTO sample_conflicts (time, node_id, attempted, trace_id)
				VALUES ($1, $2, $3, $4)`,
				r.Time, r.NodeID, attempted, r.TraceID); execErr != nil {
				err = fmt.Errorf("recording conflict: %w", execErr)
				return 0, 0, err
			}
			continue
		}
		inserted++
	}

	if err = tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("commit: %w", err)
	}
	return inserted, conflicts, nil
}

// TouchNodes auto-registers the node ids seen in a batch and advances their
// last_seen_at. Operator-managed fields are never touched from the sample
// path; a deleted node stays deleted.
func (s *Store) TouchNodes(ctx context.Context, seen map[string]SampleRow) error {
	for nodeID, r := range seen {
		country, region := "", ""
		if r.IngestRegion != "" {
			region = r.IngestRegion
		}
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO nodes (node_id, node_name, country, region, status, last_seen_at)
			VALUES ($1, $1, $2, $3, $4, $5)
			ON CONFLICT (node_id) DO UPDATE SET
				last_seen_at = GREATEST(nodes.last_seen_at, EXCLUDED.last_seen_at),
				status = CASE
					WHEN nodes.status = $6 THEN nodes.status
					ELSE $4
				END,
				updated_at = now()`,
			nodeID, country, region, model.NodeStatusReporting, r.Time, model.NodeStatusDeleted)
		if err != nil {
			return fmt.Errorf("touching node %s: %w", nodeID, err)
		}
	}
	return nil
}

// UpsertNode applies an operator-initiated registration. Operator fields win,
// but last_seen_at only ever moves forward.
func (s *Store) UpsertNode(ctx context.Context, n *model.Node) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO nodes (node_id, node_name, country, region, lat, lng, status, last_seen_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (node_id) DO UPDATE SET
			node_name    = EXCLUDED.node_name,
			country      = EXCLUDED.country,
			region       = EXCLUDED.region,
			lat          = EXCLUDED.lat,
			lng          = EXCLUDED.lng,
			status       = EXCLUDED.status,
			last_seen_at = GREATEST(nodes.last_seen_at, EXCLUDED.last_seen_at),
			updated_at   = now()`,
		n.NodeID, n.NodeName, n.Country, n.Region, n.Lat, n.Lng, n.Status, n.LastSeenAt)
	if err != nil {
		return fmt.Errorf("upserting node %s: %w", n.NodeID, err)
	}
	return nil
}

// MarkNodeDeleted flips a node's status. Samples and the row itself remain.
func (s *Store) MarkNodeDeleted(ctx context.Context, nodeID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE nodes SET status = $2, updated_at = now() WHERE node_id = $1`,
		nodeID, model.NodeStatusDeleted)
	if err != nil {
		return fmt.Errorf("deleting node %s: %w", nodeID, err)
	}
	return nil
}

// QueryMetrics serves the gateway read path.
func (s *Store) QueryMetrics(ctx context.Context, p gateway.QueryParams) ([]gateway.MetricRow, error) {
	q := `SELECT time, node_id, latency_ms, uptime_pct, packet_loss FROM samples`
	var (
		where []string
		args  []interface{}
	)
	add := func(clause string, arg interface{}) {
		args = append(args, arg)
		where = append(where, clause+" $"+strconv.Itoa(len(args)))
	}
	if p.NodeID != "" {
		add("node_id =", p.NodeID)
	}
	if !p.Since.IsZero() {
		add("time >=", p.Since)
	}
	if !p.Until.IsZero() {
		add("time <=", p.Until)
	}
	for i, w := range where {
		if i == 0 {
			q += " WHERE " + w
		} else {
			q += " AND " + w
		}
	}
	args = append(args, p.Limit, p.Offset)
	q += fmt.Sprintf(" ORDER BY time DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows := []gateway.MetricRow{}
	if err := s.db.SelectContext(ctx, &rows, q, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rows, nil
		}
		return nil, fmt.Errorf("querying metrics: %w", err)
	}
	return rows, nil
}

func nullableJSON(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}
