package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/livinlefevreloca/digestd/internal/report"
)

// =============================================================================
// Configuration Store (read path used by the engine)
// =============================================================================

const configurationColumns = `
	c.id, c.user_id, c.repository, c.branch, c.schedule, c.timezone, c.enabled,
	c.style, c.tone, c.author_display, c.link_to_commits, c.on_no_updates`

// ListEnabledConfigurations returns every enabled configuration whose owner
// is entitled to run reports, with its delivery targets
func (db *DB) ListEnabledConfigurations(ctx context.Context) ([]report.Configuration, error) {
	query := `
		SELECT` + configurationColumns + `
		FROM report_configurations c
		JOIN users u ON u.id = c.user_id
		WHERE c.enabled = 1 AND u.entitled = 1
		ORDER BY c.id
	`

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	configs := []report.Configuration{}
	for rows.Next() {
		cfg, err := scanConfiguration(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, *cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(configs) == 0 {
		return configs, nil
	}

	targets, err := db.listTargets(ctx, "")
	if err != nil {
		return nil, err
	}
	for i := range configs {
		configs[i].Targets = targets[configs[i].ID]
	}

	return configs, nil
}

// GetConfiguration retrieves one configuration by ID regardless of its
// enabled flag. The second return reports whether the owner is entitled.
func (db *DB) GetConfiguration(ctx context.Context, id string) (*report.Configuration, bool, error) {
	query := `
		SELECT` + configurationColumns + `, u.entitled
		FROM report_configurations c
		JOIN users u ON u.id = c.user_id
		WHERE c.id = ?
	`

	var entitled int
	cfg, err := scanConfiguration(db.QueryRowContext(ctx, query, id), &entitled)
	if err == sql.ErrNoRows {
		return nil, false, ErrNotFound
	}
	if err != nil {
		return nil, false, err
	}

	targets, err := db.listTargets(ctx, id)
	if err != nil {
		return nil, false, err
	}
	cfg.Targets = targets[id]

	return cfg, entitled == 1, nil
}

// LastSucceededInstant returns the scheduled instant of the latest
// succeeded run of a configuration. ok is false if it never succeeded.
func (db *DB) LastSucceededInstant(ctx context.Context, configurationID string) (instant time.Time, ok bool, err error) {
	var latest sql.NullInt64
	err = db.QueryRowContext(ctx, `
		SELECT MAX(scheduled_at) FROM run_records
		WHERE configuration_id = ? AND state = 'succeeded'
	`, configurationID).Scan(&latest)
	if err != nil {
		return time.Time{}, false, err
	}
	if !latest.Valid {
		return time.Time{}, false, nil
	}
	return time.Unix(latest.Int64, 0).UTC(), true, nil
}

func (db *DB) listTargets(ctx context.Context, configurationID string) (map[string][]report.Target, error) {
	query := `SELECT configuration_id, id, url, channel FROM delivery_targets`
	args := []any{}
	if configurationID != "" {
		query += ` WHERE configuration_id = ?`
		args = append(args, configurationID)
	}
	query += ` ORDER BY configuration_id, sort_order, id`

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	targets := make(map[string][]report.Target)
	for rows.Next() {
		var cfgID, channel string
		var target report.Target
		if err := rows.Scan(&cfgID, &target.ID, &target.URL, &channel); err != nil {
			return nil, err
		}
		target.Channel, err = report.ParseChannelType(channel)
		if err != nil {
			return nil, fmt.Errorf("target %s: %w", target.ID, err)
		}
		targets[cfgID] = append(targets[cfgID], target)
	}
	return targets, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanConfiguration(row scanner, extra ...any) (*report.Configuration, error) {
	var (
		cfg                                     report.Configuration
		enabled, authors, links, notifyNoUpdate int
		style, tone                             string
	)

	dest := []any{
		&cfg.ID, &cfg.UserID, &cfg.Repository, &cfg.Branch, &cfg.Schedule, &cfg.Timezone, &enabled,
		&style, &tone, &authors, &links, &notifyNoUpdate,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}

	var err error
	if cfg.Formatting.Style, err = report.ParseStyle(style); err != nil {
		return nil, fmt.Errorf("configuration %s: %w", cfg.ID, err)
	}
	if cfg.Formatting.Tone, err = report.ParseTone(tone); err != nil {
		return nil, fmt.Errorf("configuration %s: %w", cfg.ID, err)
	}
	cfg.Enabled = enabled == 1
	cfg.Formatting.AuthorDisplay = authors == 1
	cfg.Formatting.LinkToCommits = links == 1
	cfg.Formatting.OnNoUpdates = notifyNoUpdate == 1

	return &cfg, nil
}

// =============================================================================
// Seeding helpers. The engine never calls these; they back tests and the
// `digestd seed` command.
// =============================================================================

// CreateUser inserts a user row
func (db *DB) CreateUser(ctx context.Context, id string, entitled bool) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO users (id, entitled, created_at) VALUES (?, ?, ?)`,
		id, boolToInt(entitled), time.Now().Unix(),
	)
	return err
}

// SetUserEntitled flips a user's entitlement
func (db *DB) SetUserEntitled(ctx context.Context, id string, entitled bool) error {
	return db.updateOne(ctx, `UPDATE users SET entitled = ? WHERE id = ?`, boolToInt(entitled), id)
}

// CreateConfiguration inserts a configuration and its targets atomically.
// Targets without an ID get a generated one.
func (db *DB) CreateConfiguration(ctx context.Context, cfg *report.Configuration) error {
	if cfg.ID == "" {
		cfg.ID = uuid.New().String()
	}
	if cfg.Branch == "" {
		cfg.Branch = "main"
	}
	if cfg.Timezone == "" {
		cfg.Timezone = "UTC"
	}

	return db.WithTransaction(ctx, func(tx *Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO report_configurations (
				id, user_id, repository, branch, schedule, timezone, enabled,
				style, tone, author_display, link_to_commits, on_no_updates, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			cfg.ID, cfg.UserID, cfg.Repository, cfg.Branch, cfg.Schedule, cfg.Timezone, boolToInt(cfg.Enabled),
			cfg.Formatting.Style.String(), cfg.Formatting.Tone.String(),
			boolToInt(cfg.Formatting.AuthorDisplay), boolToInt(cfg.Formatting.LinkToCommits),
			boolToInt(cfg.Formatting.OnNoUpdates), time.Now().Unix(),
		)
		if err != nil {
			return fmt.Errorf("insert configuration: %w", err)
		}

		for i := range cfg.Targets {
			target := &cfg.Targets[i]
			if target.ID == "" {
				target.ID = uuid.New().String()
			}
			if target.Channel == "" {
				target.Channel = report.ChannelGeneric
			}
			_, err := tx.ExecContext(ctx, `
				INSERT INTO delivery_targets (id, configuration_id, url, channel, sort_order)
				VALUES (?, ?, ?, ?, ?)
			`, target.ID, cfg.ID, target.URL, strings.ToLower(string(target.Channel)), i)
			if err != nil {
				return fmt.Errorf("insert target %s: %w", target.ID, err)
			}
		}
		return nil
	})
}

// SetConfigurationEnabled enables or disables a configuration
func (db *DB) SetConfigurationEnabled(ctx context.Context, id string, enabled bool) error {
	return db.updateOne(ctx, `UPDATE report_configurations SET enabled = ? WHERE id = ?`, boolToInt(enabled), id)
}

func (db *DB) updateOne(ctx context.Context, query string, args ...any) error {
	result, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}
