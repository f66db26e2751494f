// Package usage records AI operations and aggregates their cost over a
// tenant's billing period.
//
// Spend is money (decimal), never credits. Aggregates are recomputed from
// the records on every call; there is no running counter to drift.
package usage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Jrmromao/prompt-craft-sub007/internal/apperr"
)

var (
	// ErrInvalidRecord is returned for records that fail validation.
	ErrInvalidRecord = fmt.Errorf("usage: %w", apperr.Invalid("invalid usage record"))
	// ErrDuplicateRecord means a record with the same tenant and
	// Metadata.OperationID is already stored.
	ErrDuplicateRecord = fmt.Errorf("usage: %w", apperr.Invalid("operation already recorded"))
)

// Metadata is optional context for a record.
type Metadata struct {
	OperationID string            `json:"operationId,omitempty"`
	PromptID    string            `json:"promptId,omitempty"`
	Extra       map[string]string `json:"extra,omitempty"`
}

// Record is one AI operation. Records are write-once.
type Record struct {
	ID         string          `json:"id"`
	TenantID   string          `json:"tenantId"`
	Feature    string          `json:"feature"`
	Model      string          `json:"model,omitempty"`
	Cost       decimal.Decimal `json:"cost"`
	TokensUsed int64           `json:"tokensUsed"`
	LatencyMs  int64           `json:"latencyMs"`
	Success    bool            `json:"success"`
	Metadata   Metadata        `json:"metadata"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// Validate checks the fields a caller supplies.
func (r *Record) Validate() error {
	switch {
	case strings.TrimSpace(r.TenantID) == "":
		return fmt.Errorf("%w: tenant id is required", ErrInvalidRecord)
	case strings.TrimSpace(r.Feature) == "":
		return fmt.Errorf("%w: feature is required", ErrInvalidRecord)
	case r.Cost.IsNegative():
		return fmt.Errorf("%w: cost must not be negative", ErrInvalidRecord)
	case r.TokensUsed < 0:
		return fmt.Errorf("%w: tokens must not be negative", ErrInvalidRecord)
	case r.LatencyMs < 0:
		return fmt.Errorf("%w: latency must not be negative", ErrInvalidRecord)
	}
	return nil
}

// WindowStats summarizes the records in a time window.
type WindowStats struct {
	Count         int64           `json:"count"`
	Failed        int64           `json:"failed"`
	TotalCost     decimal.Decimal `json:"totalCost"`
	TotalTokens   int64           `json:"totalTokens"`
	MeanLatencyMs decimal.Decimal `json:"meanLatencyMs"`
}

// ErrorRate returns failed/count as a percentage; zero when there are no
// records.
func (s *WindowStats) ErrorRate() decimal.Decimal {
	if s.Count == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(s.Failed).Mul(decimal.NewFromInt(100)).Div(decimal.NewFromInt(s.Count))
}

// FeatureSummary is the per-feature breakdown of a window.
type FeatureSummary struct {
	Feature     string          `json:"feature"`
	Count       int64           `json:"count"`
	TotalCost   decimal.Decimal `json:"totalCost"`
	TotalTokens int64           `json:"totalTokens"`
}

// Store persists usage records. Windows are half-open: [from, to). Insert
// returns ErrDuplicateRecord for a second record carrying the same
// operation id for a tenant.
type Store interface {
	Insert(ctx context.Context, r *Record) error
	SumCost(ctx context.Context, tenantID string, from, to time.Time) (decimal.Decimal, error)
	// Count counts records; an empty feature counts every feature.
	Count(ctx context.Context, tenantID, feature string, from, to time.Time) (int64, error)
	Stats(ctx context.Context, tenantID string, from, to time.Time) (*WindowStats, error)
	ByFeature(ctx context.Context, tenantID string, from, to time.Time) ([]FeatureSummary, error)
	PurgeBefore(ctx context.Context, before time.Time) (int64, error)
}
