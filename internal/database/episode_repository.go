package database

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"tunerhub/models"
)

// EpisodeRepository persists the recording mirror. Resume positions arrive
// already canonicalized; the watched sentinel never reaches this layer.
type EpisodeRepository struct {
	conn *sql.DB
}

func NewEpisodeRepository(conn *sql.DB) *EpisodeRepository {
	return &EpisodeRepository{conn: conn}
}

const episodeColumns = `id, series_row_id, program_id, series_id, title, episode_title,
	episode_number, season, episode, synopsis, category, image_url, channel_name, channel_number,
	original_airdate, start_time, end_time, record_start_time, record_end_time, record_success,
	duration, source_url, cmd_url, resume_position, watched, updated_at`

// Upsert inserts or refreshes an episode keyed by (series row, program id).
// The row id is written back to e.
func (r *EpisodeRepository) Upsert(e *models.Episode) error {
	if e.ProgramID == "" {
		return fmt.Errorf("upsert episode: %w: empty program id", models.ErrInvalidArgument)
	}
	if e.ResumePosition < 0 {
		return fmt.Errorf("upsert episode %s: %w: negative resume", e.ProgramID, models.ErrInvalidArgument)
	}

	err := r.conn.QueryRow(`
		INSERT INTO episodes (series_row_id, program_id, series_id, title, episode_title,
			episode_number, season, episode, synopsis, category, image_url, channel_name,
			channel_number, original_airdate, start_time, end_time, record_start_time,
			record_end_time, record_success, duration, source_url, cmd_url, resume_position, watched)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(series_row_id, program_id) DO UPDATE SET
			series_id = excluded.series_id,
			title = excluded.title,
			episode_title = excluded.episode_title,
			episode_number = excluded.episode_number,
			season = excluded.season,
			episode = excluded.episode,
			synopsis = excluded.synopsis,
			category = excluded.category,
			image_url = excluded.image_url,
			channel_name = excluded.channel_name,
			channel_number = excluded.channel_number,
			original_airdate = excluded.original_airdate,
			start_time = excluded.start_time,
			end_time = excluded.end_time,
			record_start_time = excluded.record_start_time,
			record_end_time = excluded.record_end_time,
			record_success = excluded.record_success,
			duration = excluded.duration,
			source_url = excluded.source_url,
			cmd_url = excluded.cmd_url,
			resume_position = excluded.resume_position,
			watched = excluded.watched,
			updated_at = CURRENT_TIMESTAMP
		RETURNING id`,
		e.SeriesRowID, e.ProgramID, e.SeriesID, e.Title, e.EpisodeTitle,
		e.EpisodeNumber, e.Season, e.Episode, e.Synopsis, e.Category, e.ImageURL, e.ChannelName,
		e.ChannelNumber, nullTime(e.OriginalAirdate), e.StartTime.UTC(), e.EndTime.UTC(),
		nullTime(e.RecordStartTime), nullTime(e.RecordEndTime), e.RecordSuccess, e.Duration,
		e.SourceURL, e.CmdURL, e.ResumePosition, e.Watched,
	).Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("upsert episode %s: %w", e.ProgramID, err)
	}
	return nil
}

// GetByID fetches an episode by row id.
func (r *EpisodeRepository) GetByID(id int64) (*models.Episode, error) {
	row := r.conn.QueryRow(`SELECT `+episodeColumns+` FROM episodes WHERE id = ?`, id)
	e, err := scanEpisode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("episode %d: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get episode %d: %w", id, err)
	}
	return e, nil
}

// ListBySeries returns one series row's episodes in airing order.
func (r *EpisodeRepository) ListBySeries(seriesRowID int64) ([]models.Episode, error) {
	return r.list(`SELECT `+episodeColumns+` FROM episodes WHERE series_row_id = ?
		ORDER BY season, episode, start_time, id`, seriesRowID)
}

// ListBySeriesID returns every episode of an upstream series across devices,
// oldest first. The bulk transcode driver walks this list.
func (r *EpisodeRepository) ListBySeriesID(seriesID string) ([]models.Episode, error) {
	return r.list(`SELECT `+episodeColumns+` FROM episodes WHERE series_id = ?
		ORDER BY start_time, id`, seriesID)
}

func (r *EpisodeRepository) list(query string, args ...any) ([]models.Episode, error) {
	rows, err := r.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list episodes: %w", err)
	}
	defer rows.Close()

	var out []models.Episode
	for rows.Next() {
		e, err := scanEpisode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan episode: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// UpdateProgress stores a new resume position. Watched implies the position
// equals the episode duration.
func (r *EpisodeRepository) UpdateProgress(id int64, resumeSeconds int, watched bool) error {
	if resumeSeconds < 0 {
		return fmt.Errorf("update progress: %w: negative resume", models.ErrInvalidArgument)
	}
	res, err := r.conn.Exec(`UPDATE episodes SET resume_position = ?, watched = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`, resumeSeconds, watched, id)
	if err != nil {
		return fmt.Errorf("update progress for episode %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("episode %d: %w", id, models.ErrNotFound)
	}
	return nil
}

// DeleteMissing removes a series row's episodes whose program ids are not in
// keep. Returns rows removed.
func (r *EpisodeRepository) DeleteMissing(seriesRowID int64, keep []string) (int64, error) {
	query := `DELETE FROM episodes WHERE series_row_id = ?`
	args := []any{seriesRowID}
	if len(keep) > 0 {
		query += ` AND program_id NOT IN (?` + strings.Repeat(",?", len(keep)-1) + `)`
		for _, id := range keep {
			args = append(args, id)
		}
	}

	res, err := r.conn.Exec(query, args...)
	if err != nil {
		return 0, fmt.Errorf("delete missing episodes: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Delete removes one episode row.
func (r *EpisodeRepository) Delete(id int64) error {
	res, err := r.conn.Exec(`DELETE FROM episodes WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete episode %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("episode %d: %w", id, models.ErrNotFound)
	}
	return nil
}

// Count returns the number of mirrored episodes.
func (r *EpisodeRepository) Count() (int, error) {
	var n int
	if err := r.conn.QueryRow(`SELECT COUNT(*) FROM episodes`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count episodes: %w", err)
	}
	return n, nil
}

func scanEpisode(row rowScanner) (*models.Episode, error) {
	var e models.Episode
	var airdate, recStart, recEnd sql.NullTime
	err := row.Scan(&e.ID, &e.SeriesRowID, &e.ProgramID, &e.SeriesID, &e.Title, &e.EpisodeTitle,
		&e.EpisodeNumber, &e.Season, &e.Episode, &e.Synopsis, &e.Category, &e.ImageURL,
		&e.ChannelName, &e.ChannelNumber, &airdate, &e.StartTime, &e.EndTime, &recStart, &recEnd,
		&e.RecordSuccess, &e.Duration, &e.SourceURL, &e.CmdURL, &e.ResumePosition, &e.Watched,
		&e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if airdate.Valid {
		e.OriginalAirdate = airdate.Time
	}
	if recStart.Valid {
		e.RecordStartTime = recStart.Time
	}
	if recEnd.Valid {
		e.RecordEndTime = recEnd.Time
	}
	return &e, nil
}
