package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"tunerhub/models"
)

// GuideRepository persists guide channels and their airings. Programs are
// append-only: identity is (channel, series, start time) and re-fetches
// update fields in place.
type GuideRepository struct {
	conn *sql.DB
}

func NewGuideRepository(conn *sql.DB) *GuideRepository {
	return &GuideRepository{conn: conn}
}

// UpsertChannel inserts or refreshes a channel and stamps its fetch time.
// The row id is written back to c.
func (r *GuideRepository) UpsertChannel(c *models.GuideChannel) error {
	if c.GuideNumber == "" {
		return fmt.Errorf("upsert guide channel: %w: empty guide number", models.ErrInvalidArgument)
	}

	err := r.conn.QueryRow(`
		INSERT INTO guide_channels (guide_number, guide_name, affiliate, image_url, fetched_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(guide_number) DO UPDATE SET
			guide_name = excluded.guide_name,
			affiliate = excluded.affiliate,
			image_url = excluded.image_url,
			fetched_at = CURRENT_TIMESTAMP,
			updated_at = CURRENT_TIMESTAMP
		RETURNING id`,
		c.GuideNumber, c.GuideName, c.Affiliate, c.ImageURL,
	).Scan(&c.ID)
	if err != nil {
		return fmt.Errorf("upsert guide channel %s: %w", c.GuideNumber, err)
	}
	return nil
}

// ListChannels returns all guide channels in lineup order. Guide numbers
// sort numerically where possible ("5.1" before "10.1"), so ordering is by
// the numeric prefix first.
func (r *GuideRepository) ListChannels() ([]models.GuideChannel, error) {
	rows, err := r.conn.Query(`SELECT id, guide_number, guide_name, affiliate, image_url, updated_at
		FROM guide_channels ORDER BY CAST(guide_number AS REAL), guide_number`)
	if err != nil {
		return nil, fmt.Errorf("list guide channels: %w", err)
	}
	defer rows.Close()

	var out []models.GuideChannel
	for rows.Next() {
		var c models.GuideChannel
		if err := rows.Scan(&c.ID, &c.GuideNumber, &c.GuideName, &c.Affiliate, &c.ImageURL, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan guide channel: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ChannelFreshness returns when each channel's guide window was last
// fetched, keyed by guide number. Channels never fetched are absent.
func (r *GuideRepository) ChannelFreshness() (map[string]time.Time, error) {
	rows, err := r.conn.Query(`SELECT guide_number, fetched_at FROM guide_channels WHERE fetched_at IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("channel freshness: %w", err)
	}
	defer rows.Close()

	out := make(map[string]time.Time)
	for rows.Next() {
		var number string
		var at time.Time
		if err := rows.Scan(&number, &at); err != nil {
			return nil, fmt.Errorf("scan freshness: %w", err)
		}
		out[number] = at
	}
	return out, rows.Err()
}

// UpsertProgram inserts or refreshes one airing. The row id is written back
// to p.
func (r *GuideRepository) UpsertProgram(p *models.GuideProgram) error {
	if p.ChannelRowID == 0 {
		return fmt.Errorf("upsert guide program: %w: missing channel", models.ErrInvalidArgument)
	}
	if p.StartTime.IsZero() || p.EndTime.IsZero() {
		return fmt.Errorf("upsert guide program: %w: missing airing window", models.ErrInvalidArgument)
	}

	filter, err := json.Marshal(p.Filter)
	if err != nil {
		return fmt.Errorf("encode program filter: %w", err)
	}

	err = r.conn.QueryRow(`
		INSERT INTO guide_programs (channel_row_id, series_id, program_id, title, episode_number,
			episode_title, synopsis, image_url, poster_url, original_airdate, start_time, end_time, filter)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(channel_row_id, series_id, start_time) DO UPDATE SET
			program_id = excluded.program_id,
			title = excluded.title,
			episode_number = excluded.episode_number,
			episode_title = excluded.episode_title,
			synopsis = excluded.synopsis,
			image_url = excluded.image_url,
			poster_url = excluded.poster_url,
			original_airdate = excluded.original_airdate,
			end_time = excluded.end_time,
			filter = excluded.filter
		RETURNING id`,
		p.ChannelRowID, p.SeriesID, p.ProgramID, p.Title, p.EpisodeNumber,
		p.EpisodeTitle, p.Synopsis, p.ImageURL, p.PosterURL, nullTime(p.OriginalAirdate),
		p.StartTime.UTC(), p.EndTime.UTC(), string(filter),
	).Scan(&p.ID)
	if err != nil {
		return fmt.Errorf("upsert guide program %s/%s: %w", p.SeriesID, p.StartTime, err)
	}
	return nil
}

const programColumns = `p.id, p.channel_row_id, c.guide_number, p.series_id, p.program_id, p.title,
	p.episode_number, p.episode_title, p.synopsis, p.image_url, p.poster_url, p.original_airdate,
	p.start_time, p.end_time, p.filter`

// ProgramsForChannel returns a channel's airings overlapping [from, to) in
// start order.
func (r *GuideRepository) ProgramsForChannel(guideNumber string, from, to time.Time) ([]models.GuideProgram, error) {
	return r.listPrograms(`SELECT `+programColumns+` FROM guide_programs p
		JOIN guide_channels c ON c.id = p.channel_row_id
		WHERE c.guide_number = ? AND p.end_time > ? AND p.start_time < ?
		ORDER BY p.start_time`, guideNumber, from.UTC(), to.UTC())
}

// ProgramsInWindow returns all channels' airings overlapping [from, to).
// The search service folds and filters these in memory.
func (r *GuideRepository) ProgramsInWindow(from, to time.Time) ([]models.GuideProgram, error) {
	return r.listPrograms(`SELECT `+programColumns+` FROM guide_programs p
		JOIN guide_channels c ON c.id = p.channel_row_id
		WHERE p.end_time > ? AND p.start_time < ?
		ORDER BY p.start_time, c.guide_number`, from.UTC(), to.UTC())
}

// NowPlaying returns the airing covering the instant for every channel that
// has one.
func (r *GuideRepository) NowPlaying(at time.Time) ([]models.GuideProgram, error) {
	return r.listPrograms(`SELECT `+programColumns+` FROM guide_programs p
		JOIN guide_channels c ON c.id = p.channel_row_id
		WHERE p.start_time <= ? AND p.end_time > ?
		ORDER BY CAST(c.guide_number AS REAL), c.guide_number`, at.UTC(), at.UTC())
}

func (r *GuideRepository) listPrograms(query string, args ...any) ([]models.GuideProgram, error) {
	rows, err := r.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list guide programs: %w", err)
	}
	defer rows.Close()

	var out []models.GuideProgram
	for rows.Next() {
		var p models.GuideProgram
		var airdate sql.NullTime
		var filter string
		err := rows.Scan(&p.ID, &p.ChannelRowID, &p.GuideNumber, &p.SeriesID, &p.ProgramID, &p.Title,
			&p.EpisodeNumber, &p.EpisodeTitle, &p.Synopsis, &p.ImageURL, &p.PosterURL, &airdate,
			&p.StartTime, &p.EndTime, &filter)
		if err != nil {
			return nil, fmt.Errorf("scan guide program: %w", err)
		}
		if airdate.Valid {
			p.OriginalAirdate = airdate.Time
		}
		if filter != "" {
			if err := json.Unmarshal([]byte(filter), &p.Filter); err != nil {
				return nil, fmt.Errorf("decode program filter: %w", err)
			}
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// PrunePrograms drops airings that ended before the cutoff. Guide history
// has no consumer past a few days; this keeps the table bounded.
func (r *GuideRepository) PrunePrograms(endedBefore time.Time) (int64, error) {
	res, err := r.conn.Exec(`DELETE FROM guide_programs WHERE end_time < ?`, endedBefore.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune guide programs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
