// Package accounting is the request-path entry point to the engine. Callers
// Authorize before running an AI operation and Settle once it finished:
// Authorize applies the plan's spend and feature limits, Settle debits the
// credits and records the usage the operation produced.
package accounting

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/Jrmromao/prompt-craft-sub007/internal/apperr"
	"github.com/Jrmromao/prompt-craft-sub007/internal/credits"
	"github.com/Jrmromao/prompt-craft-sub007/internal/limits"
	"github.com/Jrmromao/prompt-craft-sub007/internal/usage"
)

var (
	// ErrInvalidOperation is returned for malformed authorize or settle input.
	ErrInvalidOperation = fmt.Errorf("accounting: %w", apperr.Invalid("invalid operation"))

	// ErrUsageNotRecorded is returned by Settle, joined with the cause, when
	// the debit committed but the usage record could not be written. The
	// partial Settlement is returned alongside it. Settling the same
	// operation id again records the usage without charging twice.
	ErrUsageNotRecorded = errors.New("accounting: credits charged but usage not recorded")
)

// LimitChecker is the subset of limits.Evaluator used on the request path.
type LimitChecker interface {
	CheckAISpendLimit(ctx context.Context, tenantID string) (*limits.SpendCheck, error)
	CheckPlanLimit(ctx context.Context, tenantID, feature string) (*limits.FeatureCheck, error)
}

// CreditLedger is the subset of credits.Ledger used on the request path.
type CreditLedger interface {
	GetBalance(ctx context.Context, tenantID string) (*credits.Balance, error)
	Debit(ctx context.Context, tenantID string, amount int64, description string, meta credits.Metadata) (*credits.Result, error)
	Operation(ctx context.Context, tenantID, operationID string) (*credits.Transaction, error)
}

// UsageRecorder stores usage records.
type UsageRecorder interface {
	Record(ctx context.Context, r *usage.Record) error
}

// AuthorizeRequest describes an operation about to run.
type AuthorizeRequest struct {
	TenantID string `json:"tenantId"`
	// RequiredFeature is a plan feature flag the operation needs, if any.
	RequiredFeature string `json:"requiredFeature,omitempty"`
	// Credits is the expected charge. When positive the balance must cover it.
	Credits int64 `json:"credits,omitempty"`
}

// Authorization is the outcome of Authorize. Warning is set when the tenant
// is allowed but at or above the spend warning threshold.
type Authorization struct {
	TenantID string               `json:"tenantId"`
	Allowed  bool                 `json:"allowed"`
	Warning  bool                 `json:"warning"`
	Spend    *limits.SpendCheck   `json:"spend"`
	Feature  *limits.FeatureCheck `json:"feature,omitempty"`
	Balance  *credits.Balance     `json:"balance,omitempty"`
}

// Operation is a finished AI operation to settle.
type Operation struct {
	TenantID    string          `json:"tenantId"`
	OperationID string          `json:"operationId,omitempty"`
	Feature     string          `json:"feature"`
	Model       string          `json:"model,omitempty"`
	PromptID    string          `json:"promptId,omitempty"`
	Credits     int64           `json:"credits"`
	Cost        decimal.Decimal `json:"cost"`
	TokensUsed  int64           `json:"tokensUsed"`
	LatencyMs   int64           `json:"latencyMs"`
	Success     bool            `json:"success"`
}

// Validate checks the fields a caller supplies.
func (o *Operation) Validate() error {
	switch {
	case strings.TrimSpace(o.TenantID) == "":
		return fmt.Errorf("%w: tenant id is required", ErrInvalidOperation)
	case strings.TrimSpace(o.Feature) == "":
		return fmt.Errorf("%w: feature is required", ErrInvalidOperation)
	case o.Credits < 0:
		return fmt.Errorf("%w: credits must not be negative", ErrInvalidOperation)
	case o.Cost.IsNegative():
		return fmt.Errorf("%w: cost must not be negative", ErrInvalidOperation)
	case o.TokensUsed < 0 || o.LatencyMs < 0:
		return fmt.Errorf("%w: tokens and latency must not be negative", ErrInvalidOperation)
	}
	return nil
}

// Settlement is the outcome of Settle. TransactionID is empty when no
// credits were charged. Replayed is set when the operation id had already
// been settled, in part or in full, by an earlier call; UsageID is empty
// when the usage record came from that earlier call.
type Settlement struct {
	OperationID   string           `json:"operationId"`
	UsageID       string           `json:"usageId,omitempty"`
	TransactionID string           `json:"transactionId,omitempty"`
	Charged       int64            `json:"charged"`
	Balance       *credits.Balance `json:"balance,omitempty"`
	Replayed      bool             `json:"replayed,omitempty"`
}
