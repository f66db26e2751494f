package alerts

import (
	"context"
	"database/sql"
	"errors"
)

const configColumns = `tenant_id,
	cost_spike_enabled, cost_spike_threshold,
	error_rate_enabled, error_rate_threshold,
	slow_response_enabled, slow_response_threshold,
	webhook_url, updated_at`

// PostgresStore implements ConfigStore with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed alert config store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Get(ctx context.Context, tenantID string) (*Config, error) {
	cfg, err := scanConfig(p.db.QueryRowContext(ctx,
		`SELECT `+configColumns+` FROM alert_configs WHERE tenant_id = $1`, tenantID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrConfigNotFound
	}
	return cfg, err
}

func (p *PostgresStore) Save(ctx context.Context, cfg *Config) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO alert_configs (`+configColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (tenant_id) DO UPDATE SET
			cost_spike_enabled = EXCLUDED.cost_spike_enabled,
			cost_spike_threshold = EXCLUDED.cost_spike_threshold,
			error_rate_enabled = EXCLUDED.error_rate_enabled,
			error_rate_threshold = EXCLUDED.error_rate_threshold,
			slow_response_enabled = EXCLUDED.slow_response_enabled,
			slow_response_threshold = EXCLUDED.slow_response_threshold,
			webhook_url = EXCLUDED.webhook_url,
			updated_at = EXCLUDED.updated_at`,
		cfg.TenantID,
		cfg.CostSpike.Enabled, cfg.CostSpike.Threshold,
		cfg.ErrorRate.Enabled, cfg.ErrorRate.Threshold,
		cfg.SlowResponse.Enabled, cfg.SlowResponse.Threshold,
		cfg.WebhookURL, cfg.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) ListEnabled(ctx context.Context) ([]*Config, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+configColumns+` FROM alert_configs
		WHERE cost_spike_enabled OR error_rate_enabled OR slow_response_enabled
		ORDER BY tenant_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Config
	for rows.Next() {
		cfg, err := scanConfig(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, cfg)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanConfig(row scanner) (*Config, error) {
	cfg := &Config{}
	err := row.Scan(&cfg.TenantID,
		&cfg.CostSpike.Enabled, &cfg.CostSpike.Threshold,
		&cfg.ErrorRate.Enabled, &cfg.ErrorRate.Threshold,
		&cfg.SlowResponse.Enabled, &cfg.SlowResponse.Threshold,
		&cfg.WebhookURL, &cfg.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

var _ ConfigStore = (*PostgresStore)(nil)
