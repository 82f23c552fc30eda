// Package audit archives controller decisions and committed topology
// switches in Postgres, so episode trajectories survive process restarts
// and can be replayed offline against the bandit.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	_ "github.com/lib/pq"

	"github.com/apex/runtime/internal/controller"
	"github.com/apex/runtime/internal/coordinator"
	"github.com/apex/runtime/internal/runtime"
)

const schema = `
CREATE TABLE IF NOT EXISTS apex_decisions (
	id          BIGSERIAL PRIMARY KEY,
	step        INTEGER NOT NULL,
	topology    TEXT NOT NULL,
	features    JSONB NOT NULL,
	action      TEXT NOT NULL,
	epsilon     DOUBLE PRECISION NOT NULL,
	decision_ms DOUBLE PRECISION NOT NULL,
	attempted   BOOLEAN NOT NULL,
	committed   BOOLEAN NOT NULL,
	epoch       BIGINT NOT NULL,
	at          TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS apex_switches (
	id         BIGSERIAL PRIMARY KEY,
	from_topo  TEXT NOT NULL,
	to_topo    TEXT NOT NULL,
	epoch      BIGINT NOT NULL,
	at         TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Store is the Postgres-backed archive. It satisfies
// controller.DecisionSink.
type Store struct {
	db     *sql.DB
	logger *log.Logger
}

// Open connects, verifies and migrates.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate audit schema: %w", err)
	}
	return &Store{
		db:     db,
		logger: log.New(log.Writer(), "[AUDIT] ", log.LstdFlags),
	}, nil
}

// InsertDecision archives one controller decision.
func (s *Store) InsertDecision(ctx context.Context, rec controller.DecisionRecord) error {
	features, err := json.Marshal(rec.Features)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO apex_decisions
			(step, topology, features, action, epsilon, decision_ms, attempted, committed, epoch, at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		rec.Step, string(rec.TopologyBefore), features, rec.Action.String(),
		rec.Epsilon, rec.DecisionMS, rec.Switch.Attempted, rec.Switch.Committed,
		uint64(rec.Switch.Epoch), rec.At,
	)
	return err
}

// InsertSwitch archives one committed topology change.
func (s *Store) InsertSwitch(ctx context.Context, change coordinator.TopologyChange) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO apex_switches (from_topo, to_topo, epoch) VALUES ($1, $2, $3)`,
		string(change.From), string(change.To), uint64(change.Epoch),
	)
	return err
}

// WatchSwitches archives every change delivered on ch until the context
// ends. Intended to run as a goroutine over coordinator.Subscribe().
func (s *Store) WatchSwitches(ctx context.Context, ch <-chan coordinator.TopologyChange) {
	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-ch:
			if !ok {
				return
			}
			if err := s.InsertSwitch(ctx, change); err != nil {
				s.logger.Printf("archive switch %s->%s: %v", change.From, change.To, err)
			}
		}
	}
}

// RecentDecisions returns up to limit most recent decisions, newest first.
func (s *Store) RecentDecisions(ctx context.Context, limit int) ([]controller.DecisionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT step, topology, features, action, epsilon, decision_ms, attempted, committed, epoch, at
		FROM apex_decisions ORDER BY id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []controller.DecisionRecord
	for rows.Next() {
		var rec controller.DecisionRecord
		var topo, action string
		var features []byte
		var epoch uint64
		if err := rows.Scan(&rec.Step, &topo, &features, &action, &rec.Epsilon, &rec.DecisionMS,
			&rec.Switch.Attempted, &rec.Switch.Committed, &epoch, &rec.At); err != nil {
			return nil, err
		}
		rec.TopologyBefore = runtime.Topology(topo)
		rec.Action = controller.ParseAction(action)
		rec.Switch.Epoch = runtime.Epoch(epoch)
		if err := json.Unmarshal(features, &rec.Features); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close releases the pool.
func (s *Store) Close() error { return s.db.Close() }
