package database

import (
	"database/sql"
	"errors"
	"fmt"

	"tunerhub/models"
)

// RuleRepository mirrors vendor-cloud recording rules. The cloud listing is
// authoritative: ReplaceAll reconciles the local table against it wholesale.
type RuleRepository struct {
	conn *sql.DB
}

func NewRuleRepository(conn *sql.DB) *RuleRepository {
	return &RuleRepository{conn: conn}
}

const ruleColumns = `id, rule_id, series_id, title, synopsis, image_url, category, channel_only,
	team_only, recent_only, after_original_airdate_only, date_time_only, priority,
	start_padding, end_padding, updated_at`

// ReplaceAll swaps the mirror for the given rule set in one transaction.
func (r *RuleRepository) ReplaceAll(rules []models.RecordingRule) error {
	tx, err := r.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin rule replace: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM recording_rules`); err != nil {
		return fmt.Errorf("clear recording rules: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO recording_rules (rule_id, series_id, title, synopsis, image_url, category,
			channel_only, team_only, recent_only, after_original_airdate_only, date_time_only,
			priority, start_padding, end_padding)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare rule insert: %w", err)
	}
	defer stmt.Close()

	for i := range rules {
		rule := &rules[i]
		if rule.RuleID == "" {
			return fmt.Errorf("replace rules: %w: empty rule id", models.ErrInvalidArgument)
		}
		res, err := stmt.Exec(rule.RuleID, rule.SeriesID, rule.Title, rule.Synopsis, rule.ImageURL,
			rule.Category, rule.ChannelOnly, rule.TeamOnly, rule.RecentOnly,
			nullTime(rule.AfterOriginalAirdateOnly), nullTime(rule.DateTimeOnly),
			rule.Priority, rule.StartPadding, rule.EndPadding)
		if err != nil {
			return fmt.Errorf("insert rule %s: %w", rule.RuleID, err)
		}
		rule.ID, _ = res.LastInsertId()
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rule replace: %w", err)
	}
	return nil
}

// List returns all mirrored rules in cloud priority order.
func (r *RuleRepository) List() ([]models.RecordingRule, error) {
	rows, err := r.conn.Query(`SELECT ` + ruleColumns + ` FROM recording_rules ORDER BY priority, id`)
	if err != nil {
		return nil, fmt.Errorf("list recording rules: %w", err)
	}
	defer rows.Close()

	var out []models.RecordingRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan recording rule: %w", err)
		}
		out = append(out, *rule)
	}
	return out, rows.Err()
}

// GetByRuleID looks a rule up by its cloud identifier.
func (r *RuleRepository) GetByRuleID(ruleID string) (*models.RecordingRule, error) {
	row := r.conn.QueryRow(`SELECT `+ruleColumns+` FROM recording_rules WHERE rule_id = ?`, ruleID)
	rule, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("recording rule %s: %w", ruleID, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get recording rule %s: %w", ruleID, err)
	}
	return rule, nil
}

// DeleteByRuleID removes one mirrored rule after the cloud confirmed the
// deletion.
func (r *RuleRepository) DeleteByRuleID(ruleID string) error {
	res, err := r.conn.Exec(`DELETE FROM recording_rules WHERE rule_id = ?`, ruleID)
	if err != nil {
		return fmt.Errorf("delete recording rule %s: %w", ruleID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("recording rule %s: %w", ruleID, models.ErrNotFound)
	}
	return nil
}

// SeriesIDsWithRules reports which series have an active rule, for flagging
// guide programs.
func (r *RuleRepository) SeriesIDsWithRules() (map[string]bool, error) {
	rows, err := r.conn.Query(`SELECT DISTINCT series_id FROM recording_rules WHERE series_id != ''`)
	if err != nil {
		return nil, fmt.Errorf("list rule series ids: %w", err)
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan rule series id: %w", err)
		}
		out[id] = true
	}
	return out, rows.Err()
}

func scanRule(row rowScanner) (*models.RecordingRule, error) {
	var rule models.RecordingRule
	var airdate, dateTime sql.NullTime
	err := row.Scan(&rule.ID, &rule.RuleID, &rule.SeriesID, &rule.Title, &rule.Synopsis,
		&rule.ImageURL, &rule.Category, &rule.ChannelOnly, &rule.TeamOnly, &rule.RecentOnly,
		&airdate, &dateTime, &rule.Priority, &rule.StartPadding, &rule.EndPadding, &rule.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if airdate.Valid {
		rule.AfterOriginalAirdateOnly = airdate.Time
	}
	if dateTime.Valid {
		rule.DateTimeOnly = dateTime.Time
	}
	return &rule, nil
}
