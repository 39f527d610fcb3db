package database

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"tunerhub/models"
)

// DeviceRepository persists discovered appliances.
type DeviceRepository struct {
	conn *sql.DB
}

func NewDeviceRepository(conn *sql.DB) *DeviceRepository {
	return &DeviceRepository{conn: conn}
}

const deviceColumns = `id, device_id, friendly_name, model_number, firmware_name, firmware_version,
	device_auth, ip, base_url, lineup_url, storage_url, tuner_count, free_space, total_space,
	online, discovered_via, last_seen`

const upsertDeviceSQL = `
	INSERT INTO devices (device_id, friendly_name, model_number, firmware_name, firmware_version,
		device_auth, ip, base_url, lineup_url, storage_url, tuner_count, free_space, total_space,
		online, discovered_via, last_seen)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(device_id) DO UPDATE SET
		friendly_name = excluded.friendly_name,
		model_number = excluded.model_number,
		firmware_name = excluded.firmware_name,
		firmware_version = excluded.firmware_version,
		device_auth = excluded.device_auth,
		ip = excluded.ip,
		base_url = excluded.base_url,
		lineup_url = excluded.lineup_url,
		storage_url = excluded.storage_url,
		tuner_count = excluded.tuner_count,
		free_space = excluded.free_space,
		total_space = excluded.total_space,
		online = excluded.online,
		discovered_via = excluded.discovered_via,
		last_seen = excluded.last_seen,
		updated_at = CURRENT_TIMESTAMP
	RETURNING id`

type rowQuerier interface {
	QueryRow(query string, args ...any) *sql.Row
}

func upsertDevice(q rowQuerier, d *models.Device) error {
	if d.DeviceID == "" {
		return fmt.Errorf("upsert device: %w: empty device id", models.ErrInvalidArgument)
	}
	if d.LastSeen.IsZero() {
		d.LastSeen = time.Now().UTC()
	}

	err := q.QueryRow(upsertDeviceSQL,
		d.DeviceID, d.FriendlyName, d.ModelNumber, d.FirmwareName, d.FirmwareVersion,
		d.DeviceAuth, d.IP, d.BaseURL, d.LineupURL, d.StorageURL, d.TunerCount, d.FreeSpace,
		d.TotalSpace, d.Online, d.DiscoveredVia, d.LastSeen.UTC(),
	).Scan(&d.ID)
	if err != nil {
		return fmt.Errorf("upsert device %s: %w", d.DeviceID, err)
	}
	return nil
}

// Upsert inserts or refreshes a device keyed by its hardware id. The row id
// is written back to d.
func (r *DeviceRepository) Upsert(d *models.Device) error {
	return upsertDevice(r.conn, d)
}

// ReplaceOnlineSet persists one discovery pass in a single transaction:
// every device in the pass is upserted as online, everything else flips
// offline. Readers see the previous appliance set or the new one, never a
// mid-merge mix. Returns how many devices went offline.
func (r *DeviceRepository) ReplaceOnlineSet(devices []models.Device) (int64, error) {
	tx, err := r.conn.Begin()
	if err != nil {
		return 0, fmt.Errorf("replace online set: %w", err)
	}
	defer tx.Rollback()

	seen := make([]any, 0, len(devices))
	for i := range devices {
		d := &devices[i]
		d.Online = true
		if err := upsertDevice(tx, d); err != nil {
			return 0, err
		}
		seen = append(seen, d.DeviceID)
	}

	query := `UPDATE devices SET online = 0, updated_at = CURRENT_TIMESTAMP WHERE online = 1`
	if len(seen) > 0 {
		query += ` AND device_id NOT IN (?` + strings.Repeat(",?", len(seen)-1) + `)`
	}
	res, err := tx.Exec(query, seen...)
	if err != nil {
		return 0, fmt.Errorf("mark devices offline: %w", err)
	}
	offlined, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("replace online set: %w", err)
	}
	return offlined, nil
}

// GetByDeviceID looks a device up by hardware id.
func (r *DeviceRepository) GetByDeviceID(deviceID string) (*models.Device, error) {
	row := r.conn.QueryRow(`SELECT `+deviceColumns+` FROM devices WHERE device_id = ?`, deviceID)
	d, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("device %s: %w", deviceID, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get device %s: %w", deviceID, err)
	}
	return d, nil
}

// List returns every known device, online or not, ordered by hardware id.
func (r *DeviceRepository) List() ([]models.Device, error) {
	return r.list(`SELECT ` + deviceColumns + ` FROM devices ORDER BY device_id`)
}

// ListOnline returns devices seen in the latest discovery pass.
func (r *DeviceRepository) ListOnline() ([]models.Device, error) {
	return r.list(`SELECT ` + deviceColumns + ` FROM devices WHERE online = 1 ORDER BY device_id`)
}

func (r *DeviceRepository) list(query string) ([]models.Device, error) {
	rows, err := r.conn.Query(query)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var devices []models.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		devices = append(devices, *d)
	}
	return devices, rows.Err()
}

// MarkOfflineExcept flags every device not in seen as offline and returns
// how many rows changed. An empty seen list marks everything offline.
func (r *DeviceRepository) MarkOfflineExcept(seen []string) (int64, error) {
	query := `UPDATE devices SET online = 0, updated_at = CURRENT_TIMESTAMP WHERE online = 1`
	args := make([]any, 0, len(seen))
	if len(seen) > 0 {
		query += ` AND device_id NOT IN (?` + strings.Repeat(",?", len(seen)-1) + `)`
		for _, id := range seen {
			args = append(args, id)
		}
	}

	res, err := r.conn.Exec(query, args...)
	if err != nil {
		return 0, fmt.Errorf("mark devices offline: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// UpdateAuth stores a refreshed DeviceAuth token.
func (r *DeviceRepository) UpdateAuth(deviceID, auth string) error {
	res, err := r.conn.Exec(`UPDATE devices SET device_auth = ?, updated_at = CURRENT_TIMESTAMP WHERE device_id = ?`,
		auth, deviceID)
	if err != nil {
		return fmt.Errorf("update device auth: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("device %s: %w", deviceID, models.ErrNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (*models.Device, error) {
	var d models.Device
	var lastSeen sql.NullTime
	err := row.Scan(&d.ID, &d.DeviceID, &d.FriendlyName, &d.ModelNumber, &d.FirmwareName,
		&d.FirmwareVersion, &d.DeviceAuth, &d.IP, &d.BaseURL, &d.LineupURL, &d.StorageURL,
		&d.TunerCount, &d.FreeSpace, &d.TotalSpace, &d.Online, &d.DiscoveredVia, &lastSeen)
	if err != nil {
		return nil, err
	}
	if lastSeen.Valid {
		d.LastSeen = lastSeen.Time
	}
	return &d, nil
}

// nullTime maps zero times to NULL so optional timestamps stay optional in
// the schema.
func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
