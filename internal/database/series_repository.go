package database

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"tunerhub/models"
)

// SeriesRepository persists the per-device series mirror. Aggregate columns
// are read-only here; triggers maintain them as episodes change.
type SeriesRepository struct {
	conn *sql.DB
}

func NewSeriesRepository(conn *sql.DB) *SeriesRepository {
	return &SeriesRepository{conn: conn}
}

const seriesColumns = `id, device_row_id, series_id, title, category, image_url,
	episode_count, total_duration, first_recorded, last_recorded, updated_at`

// Upsert inserts or refreshes a series keyed by (device, series id). The row
// id is written back to s.
func (r *SeriesRepository) Upsert(s *models.Series) error {
	if s.SeriesID == "" {
		return fmt.Errorf("upsert series: %w: empty series id", models.ErrInvalidArgument)
	}

	err := r.conn.QueryRow(`
		INSERT INTO series (device_row_id, series_id, title, category, image_url)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(device_row_id, series_id) DO UPDATE SET
			title = excluded.title,
			category = excluded.category,
			image_url = excluded.image_url,
			updated_at = CURRENT_TIMESTAMP
		RETURNING id`,
		s.DeviceRowID, s.SeriesID, s.Title, s.Category, s.ImageURL,
	).Scan(&s.ID)
	if err != nil {
		return fmt.Errorf("upsert series %s: %w", s.SeriesID, err)
	}
	return nil
}

// GetByID fetches a series by row id.
func (r *SeriesRepository) GetByID(id int64) (*models.Series, error) {
	row := r.conn.QueryRow(`SELECT `+seriesColumns+` FROM series WHERE id = ?`, id)
	s, err := scanSeries(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("series %d: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get series %d: %w", id, err)
	}
	return s, nil
}

// GetBySeriesID fetches a series by upstream id within one device.
func (r *SeriesRepository) GetBySeriesID(deviceRowID int64, seriesID string) (*models.Series, error) {
	row := r.conn.QueryRow(`SELECT `+seriesColumns+` FROM series WHERE device_row_id = ? AND series_id = ?`,
		deviceRowID, seriesID)
	s, err := scanSeries(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("series %s: %w", seriesID, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get series %s: %w", seriesID, err)
	}
	return s, nil
}

// FindBySeriesID fetches series rows matching an upstream id across all
// devices. The same show recorded by two DVRs yields two rows.
func (r *SeriesRepository) FindBySeriesID(seriesID string) ([]models.Series, error) {
	return r.list(`SELECT `+seriesColumns+` FROM series WHERE series_id = ? ORDER BY id`, seriesID)
}

// List returns all series ordered by title.
func (r *SeriesRepository) List() ([]models.Series, error) {
	return r.list(`SELECT ` + seriesColumns + ` FROM series ORDER BY title COLLATE NOCASE, id`)
}

// ListByDevice returns the series mirror for one device.
func (r *SeriesRepository) ListByDevice(deviceRowID int64) ([]models.Series, error) {
	return r.list(`SELECT `+seriesColumns+` FROM series WHERE device_row_id = ? ORDER BY title COLLATE NOCASE, id`,
		deviceRowID)
}

func (r *SeriesRepository) list(query string, args ...any) ([]models.Series, error) {
	rows, err := r.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list series: %w", err)
	}
	defer rows.Close()

	var out []models.Series
	for rows.Next() {
		s, err := scanSeries(rows)
		if err != nil {
			return nil, fmt.Errorf("scan series: %w", err)
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// DeleteMissing removes series for a device whose upstream ids are not in
// keep. Cascades to episodes. Returns rows removed.
func (r *SeriesRepository) DeleteMissing(deviceRowID int64, keep []string) (int64, error) {
	query := `DELETE FROM series WHERE device_row_id = ?`
	args := []any{deviceRowID}
	if len(keep) > 0 {
		query += ` AND series_id NOT IN (?` + strings.Repeat(",?", len(keep)-1) + `)`
		for _, id := range keep {
			args = append(args, id)
		}
	}

	res, err := r.conn.Exec(query, args...)
	if err != nil {
		return 0, fmt.Errorf("delete missing series: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Delete removes one series row and, via cascade, its episodes.
func (r *SeriesRepository) Delete(id int64) error {
	res, err := r.conn.Exec(`DELETE FROM series WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete series %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("series %d: %w", id, models.ErrNotFound)
	}
	return nil
}

func scanSeries(row rowScanner) (*models.Series, error) {
	var s models.Series
	var first, last sql.NullTime
	err := row.Scan(&s.ID, &s.DeviceRowID, &s.SeriesID, &s.Title, &s.Category, &s.ImageURL,
		&s.EpisodeCount, &s.TotalDuration, &first, &last, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if first.Valid {
		s.FirstRecorded = first.Time
	}
	if last.Valid {
		s.LastRecorded = last.Time
	}
	return &s, nil
}
