package accounting

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Jrmromao/prompt-craft-sub007/internal/apperr"
	"github.com/Jrmromao/prompt-craft-sub007/internal/credits"
	"github.com/Jrmromao/prompt-craft-sub007/internal/idgen"
	"github.com/Jrmromao/prompt-craft-sub007/internal/logging"
	"github.com/Jrmromao/prompt-craft-sub007/internal/traces"
	"github.com/Jrmromao/prompt-craft-sub007/internal/usage"
)

// Engine ties the limit evaluator, the credit ledger and the usage store
// together for one operation.
type Engine struct {
	limits LimitChecker
	ledger CreditLedger
	usage  UsageRecorder
}

// NewEngine creates an accounting engine.
func NewEngine(checker LimitChecker, ledger CreditLedger, recorder UsageRecorder) *Engine {
	return &Engine{limits: checker, ledger: ledger, usage: recorder}
}

// Authorize decides whether the tenant may run an operation now. A denial is
// returned both in the Authorization and as the error: a *apperr.LimitError
// for plan limits, a *apperr.InsufficientCreditsError when the balance cannot
// cover req.Credits.
func (e *Engine) Authorize(ctx context.Context, req AuthorizeRequest) (auth *Authorization, err error) {
	ctx, span := traces.StartSpan(ctx, "accounting.Authorize", traces.TenantID(req.TenantID))
	defer func() {
		observe("authorize", err)
		traces.End(span, err)
	}()

	if strings.TrimSpace(req.TenantID) == "" {
		return nil, fmt.Errorf("%w: tenant id is required", ErrInvalidOperation)
	}
	if req.Credits < 0 {
		return nil, fmt.Errorf("%w: credits must not be negative", ErrInvalidOperation)
	}

	spend, err := e.limits.CheckAISpendLimit(ctx, req.TenantID)
	if err != nil {
		return nil, err
	}
	auth = &Authorization{TenantID: req.TenantID, Spend: spend, Warning: spend.Warning}
	if err := spend.Err(); err != nil {
		return auth, err
	}

	if req.RequiredFeature != "" {
		feature, err := e.limits.CheckPlanLimit(ctx, req.TenantID, req.RequiredFeature)
		if err != nil {
			return nil, err
		}
		auth.Feature = feature
		if err := feature.Err(); err != nil {
			return auth, err
		}
	}

	if req.Credits > 0 {
		bal, err := e.ledger.GetBalance(ctx, req.TenantID)
		if err != nil {
			return nil, err
		}
		auth.Balance = bal
		if bal.Closed() {
			return auth, credits.ErrAccountClosed
		}
		if bal.Total() < req.Credits {
			return auth, &apperr.InsufficientCreditsError{
				TenantID: req.TenantID, Requested: req.Credits, Available: bal.Total(),
			}
		}
	}

	auth.Allowed = true
	if auth.Warning {
		logging.L(ctx).Info("tenant nearing spend limit",
			"tenant_id", req.TenantID, "percent_used", spend.PercentUsed.String())
	}
	return auth, nil
}

// Charged reports whether operationID has already been debited for the
// tenant.
func (e *Engine) Charged(ctx context.Context, tenantID, operationID string) (bool, error) {
	_, err := e.ledger.Operation(ctx, tenantID, operationID)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, credits.ErrOperationNotFound):
		return false, nil
	}
	return false, err
}

// Settle charges op.Credits and records the operation's usage. Failed
// operations are recorded but never charged. The debit runs first so a
// tenant that cannot pay leaves no usage behind.
//
// Settle is idempotent on op.OperationID: the debit and the usage record are
// each written at most once per operation id, so a caller may repeat a
// settlement that failed part way. A usage write failing after the debit
// committed returns the Settlement together with ErrUsageNotRecorded.
func (e *Engine) Settle(ctx context.Context, op *Operation) (s *Settlement, err error) {
	if op == nil {
		return nil, fmt.Errorf("%w: operation is required", ErrInvalidOperation)
	}
	ctx, span := traces.StartSpan(ctx, "accounting.Settle", traces.TenantID(op.TenantID))
	defer func() {
		observe("settle", err)
		traces.End(span, err)
	}()

	if err := op.Validate(); err != nil {
		return nil, err
	}
	if op.OperationID == "" {
		op.OperationID = idgen.WithPrefix(idgen.PrefixOperation)
	}
	s = &Settlement{OperationID: op.OperationID}

	if op.Success && op.Credits > 0 {
		res, err := e.ledger.Debit(ctx, op.TenantID, op.Credits, "AI operation: "+op.Feature, credits.Metadata{
			OperationID: op.OperationID,
			PromptID:    op.PromptID,
			Model:       op.Model,
			TokensUsed:  op.TokensUsed,
		})
		if err != nil {
			return nil, err
		}
		s.TransactionID = res.TransactionID
		s.Charged = op.Credits
		s.Balance = res.Balance
		s.Replayed = res.Replayed
	}

	rec := &usage.Record{
		TenantID:   op.TenantID,
		Feature:    op.Feature,
		Model:      op.Model,
		Cost:       op.Cost,
		TokensUsed: op.TokensUsed,
		LatencyMs:  op.LatencyMs,
		Success:    op.Success,
		Metadata:   usage.Metadata{OperationID: op.OperationID, PromptID: op.PromptID},
	}
	switch err := e.usage.Record(ctx, rec); {
	case errors.Is(err, usage.ErrDuplicateRecord):
		s.Replayed = true
		return s, nil
	case err != nil && s.TransactionID != "":
		logging.L(ctx).Error("usage not recorded after debit",
			"tenant_id", op.TenantID, "operation_id", op.OperationID,
			"transaction_id", s.TransactionID, "error", err)
		return s, fmt.Errorf("%w: %w", ErrUsageNotRecorded, err)
	case err != nil:
		return nil, err
	}
	s.UsageID = rec.ID

	logging.L(ctx).Debug("operation settled",
		"tenant_id", op.TenantID, "operation_id", op.OperationID,
		"charged", s.Charged, "cost", op.Cost.String(), "success", op.Success)
	return s, nil
}
