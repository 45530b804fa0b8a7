package recorder

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/yourorg/peg-stability-engine/internal/model"

	_ "modernc.org/sqlite"
)

// SQLiteRecorder persists historical data to a SQLite database.
type SQLiteRecorder struct {
	db *sql.DB
	mu sync.Mutex
}

// NewSQLiteRecorder opens (or creates) the SQLite database and runs migrations.
func NewSQLiteRecorder(dbPath string) (*SQLiteRecorder, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// WAL mode for concurrent read performance (dashboards read while the
	// engine writes).
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	r := &SQLiteRecorder{db: db}
	if err := r.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	logrus.Infof("sqlite recorder opened: %s", dbPath)
	return r, nil
}

func (r *SQLiteRecorder) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS supply_adjustments (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp    INTEGER NOT NULL,
			action       TEXT NOT NULL,
			amount       REAL,
			new_supply   REAL,
			reserve_pool REAL,
			reserve_ratio REAL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_adjustments_ts ON supply_adjustments(timestamp)`,

		`CREATE TABLE IF NOT EXISTS stability_snapshots (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp       INTEGER NOT NULL,
			target_price    REAL,
			current_price   REAL,
			deviation       REAL,
			volatility      REAL,
			stability_score REAL,
			total_supply    REAL,
			reserve_pool    REAL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_ts ON stability_snapshots(timestamp)`,
	}

	for _, s := range stmts {
		if _, err := r.db.Exec(s); err != nil {
			return fmt.Errorf("exec %q: %w", s[:40], err)
		}
	}
	return nil
}

// RecordAdjustment persists one executed supply adjustment.
func (r *SQLiteRecorder) RecordAdjustment(adj model.SupplyAdjustment, supply model.SupplyInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.Exec(`INSERT INTO supply_adjustments
		(timestamp, action, amount, new_supply, reserve_pool, reserve_ratio)
		VALUES (?,?,?,?,?,?)`,
		adj.Timestamp, string(adj.Action), adj.Amount, adj.NewSupply,
		supply.ReservePool, supply.ReserveRatio,
	)
	return err
}

// RecordSnapshot persists one periodic stability snapshot.
func (r *SQLiteRecorder) RecordSnapshot(snap StabilitySnapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.Exec(`INSERT INTO stability_snapshots
		(timestamp, target_price, current_price, deviation, volatility,
		 stability_score, total_supply, reserve_pool)
		VALUES (?,?,?,?,?,?,?,?)`,
		time.Now().UnixMilli(),
		snap.Metrics.TargetPrice, snap.Metrics.CurrentPrice,
		snap.Metrics.Deviation, snap.Metrics.Volatility, snap.Metrics.StabilityScore,
		snap.Supply.TotalSupply, snap.Supply.ReservePool,
	)
	return err
}

// RecentAdjustments returns up to limit persisted adjustments, most recent first.
func (r *SQLiteRecorder) RecentAdjustments(limit int) ([]model.SupplyAdjustment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}

	rows, err := r.db.Query(`SELECT timestamp, action, amount, new_supply
		FROM supply_adjustments ORDER BY timestamp DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.SupplyAdjustment
	for rows.Next() {
		var adj model.SupplyAdjustment
		var action string
		if err := rows.Scan(&adj.Timestamp, &action, &adj.Amount, &adj.NewSupply); err != nil {
			return nil, err
		}
		adj.Action = model.AdjustmentAction(action)
		out = append(out, adj)
	}
	return out, rows.Err()
}

// Close closes the underlying database.
func (r *SQLiteRecorder) Close() error {
	return r.db.Close()
}
