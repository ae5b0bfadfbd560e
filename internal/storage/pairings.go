package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/petervdpas/tunepair/internal/pairing"
)

// SavePairing records a pairing this device took part in, replacing any
// earlier row with the same id.
func (d *DB) SavePairing(p pairing.Pairing) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.db.Exec(`
		INSERT INTO _pairings (id, source_id, sink_id, code, status, expires_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			sink_id    = excluded.sink_id,
			status     = excluded.status,
			expires_at = excluded.expires_at,
			updated_at = CURRENT_TIMESTAMP`,
		p.ID, p.SourceDeviceID, p.SinkDeviceID, p.Code, string(p.Status),
		expiresAt(p.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("save pairing: %w", err)
	}
	return nil
}

// LastPairing returns the most recently updated pairing in the paired state.
func (d *DB) LastPairing() (pairing.Pairing, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var (
		p       pairing.Pairing
		status  string
		expires sql.NullTime
	)
	err := d.db.QueryRow(`
		SELECT id, source_id, sink_id, code, status, expires_at
		FROM _pairings WHERE status = ?
		ORDER BY updated_at DESC, rowid DESC LIMIT 1`, string(pairing.StatusPaired)).
		Scan(&p.ID, &p.SourceDeviceID, &p.SinkDeviceID, &p.Code, &status, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return pairing.Pairing{}, ErrNotFound
	}
	if err != nil {
		return pairing.Pairing{}, fmt.Errorf("last pairing: %w", err)
	}
	p.Status = pairing.Status(status)
	if expires.Valid {
		p.ExpiresAt = expires.Time.UTC()
	}
	return p, nil
}

// expiresAt stores a zero expiry as NULL.
func expiresAt(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

// PairingCount returns how many pairings are stored.
func (d *DB) PairingCount() (int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var n int
	err := d.db.QueryRow(`SELECT COUNT(*) FROM _pairings`).Scan(&n)
	return n, err
}
