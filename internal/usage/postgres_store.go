package usage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// PostgresStore implements Store with PostgreSQL. Costs are NUMERIC and
// scanned through decimal.Decimal so no float rounding creeps in.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed usage store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Insert(ctx context.Context, r *Record) error {
	meta, err := json.Marshal(r.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO usage_records (id, tenant_id, feature, model, cost, tokens_used, latency_ms, success, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (tenant_id, (metadata->>'operationId')) WHERE metadata->>'operationId' IS NOT NULL
		DO NOTHING
	`, r.ID, r.TenantID, r.Feature, r.Model, r.Cost, r.TokensUsed, r.LatencyMs, r.Success, string(meta), r.CreatedAt)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrDuplicateRecord
	}
	return nil
}

func (p *PostgresStore) SumCost(ctx context.Context, tenantID string, from, to time.Time) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(cost), 0) FROM usage_records
		WHERE tenant_id = $1 AND created_at >= $2 AND created_at < $3
	`, tenantID, from, to).Scan(&sum)
	return sum, err
}

func (p *PostgresStore) Count(ctx context.Context, tenantID, feature string, from, to time.Time) (int64, error) {
	var n int64
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM usage_records
		WHERE tenant_id = $1 AND ($2::text = '' OR feature = $2) AND created_at >= $3 AND created_at < $4
	`, tenantID, feature, from, to).Scan(&n)
	return n, err
}

func (p *PostgresStore) Stats(ctx context.Context, tenantID string, from, to time.Time) (*WindowStats, error) {
	stats := &WindowStats{}
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE NOT success),
		       COALESCE(SUM(cost), 0),
		       COALESCE(SUM(tokens_used), 0),
		       COALESCE(AVG(latency_ms), 0)
		FROM usage_records
		WHERE tenant_id = $1 AND created_at >= $2 AND created_at < $3
	`, tenantID, from, to).Scan(&stats.Count, &stats.Failed, &stats.TotalCost, &stats.TotalTokens, &stats.MeanLatencyMs)
	if err != nil {
		return nil, err
	}
	return stats, nil
}

func (p *PostgresStore) ByFeature(ctx context.Context, tenantID string, from, to time.Time) ([]FeatureSummary, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT feature, COUNT(*), COALESCE(SUM(cost), 0), COALESCE(SUM(tokens_used), 0)
		FROM usage_records
		WHERE tenant_id = $1 AND created_at >= $2 AND created_at < $3
		GROUP BY feature
		ORDER BY feature
	`, tenantID, from, to)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []FeatureSummary
	for rows.Next() {
		var s FeatureSummary
		if err := rows.Scan(&s.Feature, &s.Count, &s.TotalCost, &s.TotalTokens); err != nil {
			return nil, err
		}
		result = append(result, s)
	}
	return result, rows.Err()
}

func (p *PostgresStore) PurgeBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM usage_records WHERE created_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
