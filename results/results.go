// Package results persists the post-training evaluation to a SQLite archive:
// per-(time, member, station, variable) predicted and observed error fields,
// and per-(time, member) selector, verification, and last-time scores and
// ranks.
package results

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ensnet/ensnet/verify"
)

const schema = `
CREATE TABLE IF NOT EXISTS predictions (
	time       TEXT    NOT NULL,
	member     INTEGER NOT NULL,
	station    INTEGER NOT NULL,
	variable   INTEGER NOT NULL,
	prediction REAL,
	target     REAL,
	PRIMARY KEY (time, member, station, variable)
);
CREATE TABLE IF NOT EXISTS member_scores (
	time            TEXT    NOT NULL,
	member          INTEGER NOT NULL,
	selector_score  REAL,
	selector_rank   REAL,
	verif_score     REAL,
	verif_rank      REAL,
	last_time_score REAL,
	last_time_rank  REAL,
	PRIMARY KEY (time, member)
);
`

// Store is an open result archive.
type Store struct {
	db   *sql.DB
	path string
}

// Create opens (or creates) a result archive at path and ensures the schema
// exists.
func Create(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("results: open %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("results: ping %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("results: create schema: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// WriteReport persists a full validation report in a single transaction; on
// any failure the write is rolled back.
func (s *Store) WriteReport(r *verify.Result) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("results: begin transaction: %w", err)
	}
	defer tx.Rollback()

	predStmt, err := tx.Prepare(`INSERT OR REPLACE INTO predictions
		(time, member, station, variable, prediction, target)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("results: prepare predictions insert: %w", err)
	}
	defer predStmt.Close()

	scoreStmt, err := tx.Prepare(`INSERT OR REPLACE INTO member_scores
		(time, member, selector_score, selector_rank, verif_score, verif_rank, last_time_score, last_time_rank)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("results: prepare member_scores insert: %w", err)
	}
	defer scoreStmt.Close()

	shape := r.Shape
	width := shape.Stations * shape.Variables
	for di := range r.Times {
		ts := r.Times[di].UTC().Format(time.RFC3339)

		pred := r.Predictions[di]
		tar := r.Targets[di]
		for m := 0; m < shape.Members; m++ {
			for st := 0; st < shape.Stations; st++ {
				for v := 0; v < shape.Variables; v++ {
					k := m*width + st*shape.Variables + v
					if _, err := predStmt.Exec(ts, m, st, v, float64(pred[k]), float64(tar[k])); err != nil {
						return fmt.Errorf("results: insert prediction (%s, %d, %d, %d): %w", ts, m, st, v, err)
					}
				}
			}
			if _, err := scoreStmt.Exec(ts, m,
				r.SelectorScores[di][m], r.SelectorRanks[di][m],
				r.VerifScores[di][m], r.VerifRanks[di][m],
				r.LastTimeScores[di][m], r.LastTimeRanks[di][m],
			); err != nil {
				return fmt.Errorf("results: insert member score (%s, %d): %w", ts, m, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("results: commit: %w", err)
	}
	return nil
}

// MemberScore is one row of the member_scores table.
type MemberScore struct {
	Time          time.Time
	Member        int
	SelectorScore float64
	SelectorRank  float64
	VerifScore    float64
	VerifRank     float64
	LastTimeScore float64
	LastTimeRank  float64
}

// MemberScores reads back the member_scores table ordered by time and
// member.
func (s *Store) MemberScores() ([]MemberScore, error) {
	rows, err := s.db.Query(`SELECT time, member, selector_score, selector_rank,
		verif_score, verif_rank, last_time_score, last_time_rank
		FROM member_scores ORDER BY time, member`)
	if err != nil {
		return nil, fmt.Errorf("results: query member_scores: %w", err)
	}
	defer rows.Close()

	var out []MemberScore
	for rows.Next() {
		var ms MemberScore
		var ts string
		if err := rows.Scan(&ts, &ms.Member, &ms.SelectorScore, &ms.SelectorRank,
			&ms.VerifScore, &ms.VerifRank, &ms.LastTimeScore, &ms.LastTimeRank); err != nil {
			return nil, fmt.Errorf("results: scan member_scores row: %w", err)
		}
		if ms.Time, err = time.Parse(time.RFC3339, ts); err != nil {
			return nil, fmt.Errorf("results: parse time %q: %w", ts, err)
		}
		out = append(out, ms)
	}
	return out, rows.Err()
}

// CountPredictions returns the number of rows in the predictions table.
func (s *Store) CountPredictions() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM predictions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("results: count predictions: %w", err)
	}
	return n, nil
}
