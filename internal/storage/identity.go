package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/petervdpas/tunepair/internal/pairing"
)

// Identity is the device record this installation registered as.
type Identity struct {
	Device       pairing.Device
	RegisteredAt time.Time
}

// SaveIdentity stores or replaces this installation's device.
func (d *DB) SaveIdentity(dev pairing.Device) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		INSERT INTO _identity (slot, device_id, device_name, kind, user_id, registered_at)
		VALUES (1, ?, ?, ?, ?, ?)
		ON CONFLICT(slot) DO UPDATE SET
			device_id     = excluded.device_id,
			device_name   = excluded.device_name,
			kind          = excluded.kind,
			user_id       = excluded.user_id,
			registered_at = excluded.registered_at`,
		dev.ID, dev.DisplayName, string(dev.Kind()), dev.UserID, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("save identity: %w", err)
	}
	return nil
}

// LoadIdentity returns the stored device, or ErrNotFound before the first
// registration.
func (d *DB) LoadIdentity() (Identity, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var (
		id         Identity
		kind       string
		registered sql.NullTime
	)
	err := d.db.QueryRow(`
		SELECT device_id, device_name, kind, user_id, registered_at
		FROM _identity WHERE slot = 1`).
		Scan(&id.Device.ID, &id.Device.DisplayName, &kind, &id.Device.UserID, &registered)
	if errors.Is(err, sql.ErrNoRows) {
		return Identity{}, ErrNotFound
	}
	if err != nil {
		return Identity{}, fmt.Errorf("load identity: %w", err)
	}

	id.Device.IsSource = pairing.Kind(kind) == pairing.KindSource
	if id.Device.IsSource {
		id.Device.DeviceType = pairing.DeviceTypeMobile
	} else {
		id.Device.DeviceType = pairing.DeviceTypeBrowser
	}
	if registered.Valid {
		id.RegisteredAt = registered.Time.UTC()
	}
	return id, nil
}

// ClearIdentity forgets the stored device so the next start registers anew.
func (d *DB) ClearIdentity() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`DELETE FROM _identity`)
	return err
}
