package database

import (
	"database/sql"
	"fmt"
	"log"

	"tunerhub/models"
)

// TunerRepository mirrors the live allocator's in-memory state so tuner and
// viewer activity is inspectable and survives a crash for postmortems. The
// allocator is the source of truth while the process runs.
type TunerRepository struct {
	conn *sql.DB
}

func NewTunerRepository(conn *sql.DB) *TunerRepository {
	return &TunerRepository{conn: conn}
}

// UpsertTuner writes one tuner slot keyed by (device, index).
func (r *TunerRepository) UpsertTuner(t *models.Tuner) error {
	err := r.conn.QueryRow(`
		INSERT INTO live_tuners (device_id, tuner_index, state, channel, viewer_count,
			cooldown_until, last_accessed, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id, tuner_index) DO UPDATE SET
			state = excluded.state,
			channel = excluded.channel,
			viewer_count = excluded.viewer_count,
			cooldown_until = excluded.cooldown_until,
			last_accessed = excluded.last_accessed,
			last_error = excluded.last_error,
			updated_at = CURRENT_TIMESTAMP
		RETURNING id`,
		t.DeviceID, t.Index, string(t.State), t.Channel, t.ViewerCount,
		nullTime(t.CooldownUntil), nullTime(t.LastAccessed), t.LastError,
	).Scan(&t.ID)
	if err != nil {
		return fmt.Errorf("upsert tuner %s/%d: %w", t.DeviceID, t.Index, err)
	}
	return nil
}

// ListTuners returns the mirrored tuner rows in allocation walk order.
func (r *TunerRepository) ListTuners() ([]models.Tuner, error) {
	rows, err := r.conn.Query(`SELECT id, device_id, tuner_index, state, channel, viewer_count,
		cooldown_until, last_accessed, last_error
		FROM live_tuners ORDER BY device_id, tuner_index`)
	if err != nil {
		return nil, fmt.Errorf("list tuners: %w", err)
	}
	defer rows.Close()

	var out []models.Tuner
	for rows.Next() {
		var t models.Tuner
		var state string
		var cooldown, accessed sql.NullTime
		err := rows.Scan(&t.ID, &t.DeviceID, &t.Index, &state, &t.Channel, &t.ViewerCount,
			&cooldown, &accessed, &t.LastError)
		if err != nil {
			return nil, fmt.Errorf("scan tuner: %w", err)
		}
		t.State = models.TunerState(state)
		if cooldown.Valid {
			t.CooldownUntil = cooldown.Time
		}
		if accessed.Valid {
			t.LastAccessed = accessed.Time
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ResetRuntimeState forces every mirrored tuner back to idle and clears all
// viewers. No worker survives a restart, so rows claiming otherwise are
// stale by definition.
func (r *TunerRepository) ResetRuntimeState() error {
	res, err := r.conn.Exec(`UPDATE live_tuners SET state = ?, channel = '', viewer_count = 0,
		last_error = '', updated_at = CURRENT_TIMESTAMP
		WHERE state != ?`, string(models.TunerIdle), string(models.TunerIdle))
	if err != nil {
		return fmt.Errorf("reset tuner state: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		log.Printf("[database] reset %d stale tuner rows to idle", n)
	}

	if _, err := r.conn.Exec(`DELETE FROM live_viewers`); err != nil {
		return fmt.Errorf("clear stale viewers: %w", err)
	}
	return nil
}

// SaveViewer upserts a viewer keyed by client id.
func (r *TunerRepository) SaveViewer(v *models.Viewer) error {
	_, err := r.conn.Exec(`
		INSERT INTO live_viewers (client_id, tuner_key, channel, started_at, last_heartbeat)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(client_id) DO UPDATE SET
			tuner_key = excluded.tuner_key,
			channel = excluded.channel,
			last_heartbeat = excluded.last_heartbeat`,
		v.ClientID, v.TunerKey, v.Channel, v.StartedAt.UTC(), v.LastHeartbeat.UTC())
	if err != nil {
		return fmt.Errorf("save viewer %s: %w", v.ClientID, err)
	}
	return nil
}

// DeleteViewer removes one viewer row.
func (r *TunerRepository) DeleteViewer(clientID string) error {
	if _, err := r.conn.Exec(`DELETE FROM live_viewers WHERE client_id = ?`, clientID); err != nil {
		return fmt.Errorf("delete viewer %s: %w", clientID, err)
	}
	return nil
}

// DeleteViewersForTuner removes every viewer attached to a tuner, used when
// the tuner itself is torn down.
func (r *TunerRepository) DeleteViewersForTuner(tunerKey string) error {
	if _, err := r.conn.Exec(`DELETE FROM live_viewers WHERE tuner_key = ?`, tunerKey); err != nil {
		return fmt.Errorf("delete viewers for tuner %s: %w", tunerKey, err)
	}
	return nil
}

// ListViewers returns all mirrored viewers.
func (r *TunerRepository) ListViewers() ([]models.Viewer, error) {
	rows, err := r.conn.Query(`SELECT client_id, tuner_key, channel, started_at, last_heartbeat
		FROM live_viewers ORDER BY started_at`)
	if err != nil {
		return nil, fmt.Errorf("list viewers: %w", err)
	}
	defer rows.Close()

	var out []models.Viewer
	for rows.Next() {
		var v models.Viewer
		if err := rows.Scan(&v.ClientID, &v.TunerKey, &v.Channel, &v.StartedAt, &v.LastHeartbeat); err != nil {
			return nil, fmt.Errorf("scan viewer: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
