package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/microstorm/bletrack/internal/localizer"
)

// Estimate is a stored epoch result without its particle cloud.
type Estimate struct {
	ID           int64         `json:"id"`
	Session      string        `json:"session"`
	Seq          uint64        `json:"seq"`
	At           time.Time     `json:"at"`
	X            float64       `json:"x"`
	Y            float64       `json:"y"`
	NEff         float64       `json:"n_eff"`
	Resampled    bool          `json:"resampled"`
	Degenerate   bool          `json:"degenerate"`
	Observations []Observation `json:"observations,omitempty"`
}

// Observation is the distance to one anchor used by an epoch.
type Observation struct {
	AnchorID int     `json:"anchor_id"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Distance float64 `json:"distance"`
}

// RecordEpoch stores an epoch result and its observations in one transaction.
func (db *DB) RecordEpoch(r localizer.EpochResult) (int64, error) {
	tx, err := db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		`INSERT INTO estimates (session_id, seq, at_unix_ns, x, y, n_eff, resampled, degenerate)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Session, r.Seq, r.At.UnixNano(), r.Estimate.X, r.Estimate.Y, r.NEff,
		boolInt(r.Resampled), boolInt(r.Degenerate),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert estimate: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	for _, o := range r.Observations {
		if _, err := tx.Exec(
			`INSERT INTO observations (estimate_id, anchor_id, anchor_x, anchor_y, distance) VALUES (?, ?, ?, ?, ?)`,
			id, o.AnchorID, o.Position.X, o.Position.Y, o.Distance,
		); err != nil {
			return 0, fmt.Errorf("failed to insert observation: %w", err)
		}
	}
	return id, tx.Commit()
}

// RecordReading stores one smoothed anchor reading. rssi may be nil for
// readings that arrived as distances.
func (db *DB) RecordReading(session string, anchorID int, rssi *float64, distance float64, at time.Time) error {
	var v sql.NullFloat64
	if rssi != nil {
		v = sql.NullFloat64{Float64: *rssi, Valid: true}
	}
	_, err := db.Exec(
		`INSERT INTO readings (session_id, anchor_id, rssi, distance, at_unix_ns) VALUES (?, ?, ?, ?, ?)`,
		session, anchorID, v, distance, at.UnixNano(),
	)
	return err
}

// CountReadings returns the number of stored readings for a session.
func (db *DB) CountReadings(session string) (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM readings WHERE session_id = ?`, session).Scan(&n)
	return n, err
}

// Estimates returns up to limit estimates of a session, newest first, with
// their observations. A limit <= 0 returns all of them.
func (db *DB) Estimates(session string, limit int) ([]Estimate, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.Query(
		`SELECT estimate_id, session_id, seq, at_unix_ns, x, y, n_eff, resampled, degenerate
		 FROM estimates WHERE session_id = ? ORDER BY seq DESC LIMIT ?`,
		session, limit,
	)
	if err != nil {
		return nil, err
	}

	var (
		estimates []Estimate
		index     = make(map[int64]int)
	)
	for rows.Next() {
		var (
			e                     Estimate
			ns                    int64
			resampled, degenerate int
		)
		if err := rows.Scan(&e.ID, &e.Session, &e.Seq, &ns, &e.X, &e.Y, &e.NEff, &resampled, &degenerate); err != nil {
			rows.Close()
			return nil, err
		}
		e.At = time.Unix(0, ns)
		e.Resampled = resampled != 0
		e.Degenerate = degenerate != 0
		index[e.ID] = len(estimates)
		estimates = append(estimates, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(estimates) == 0 {
		return estimates, nil
	}

	obs, err := db.Query(
		`SELECT o.estimate_id, o.anchor_id, o.anchor_x, o.anchor_y, o.distance
		 FROM observations o JOIN estimates e ON e.estimate_id = o.estimate_id
		 WHERE e.session_id = ? AND e.seq >= ?
		 ORDER BY o.estimate_id, o.anchor_id`,
		session, estimates[len(estimates)-1].Seq,
	)
	if err != nil {
		return nil, err
	}
	defer obs.Close()
	for obs.Next() {
		var (
			id int64
			o  Observation
		)
		if err := obs.Scan(&id, &o.AnchorID, &o.X, &o.Y, &o.Distance); err != nil {
			return nil, err
		}
		if i, ok := index[id]; ok {
			estimates[i].Observations = append(estimates[i].Observations, o)
		}
	}
	return estimates, obs.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
