package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"go-agentic/pkg/logger"
)

var (
	ErrApprovalNotFound = errors.New("approval request not found")
	ErrUnknownAction    = errors.New("unknown approval action")
)

// HandleApproval applies a decision to a phase that is waiting for approval. Each request is
// consumed by the first valid decision; later decisions for it get ErrApprovalNotFound.
func (e *Engine) HandleApproval(ctx context.Context, d Decision) (string, error) {
	if !d.Action.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownAction, d.Action)
	}
	// loading a non-resident workflow restores its open requests
	pid, err := e.instance(ctx, d.WorkflowID)
	if err != nil {
		return "", err
	}
	id := approvalID(d.WorkflowID, d.PhaseID)
	if _, ok := e.takeApproval(id); !ok {
		return "", fmt.Errorf("%w: %s", ErrApprovalNotFound, id)
	}
	res, err := e.request(pid, decide{Decision: d})
	if err != nil {
		return "", err
	}
	msg, _ := res.(string)
	return msg, nil
}

// ExpiryPolicy decides what to do with an approval request past its ExpiresAt.
// Returning false leaves the request open.
type ExpiryPolicy interface {
	OnExpired(req ApprovalRequest) (ApprovalAction, bool)
}

// NoopExpiry leaves expired requests open.
type NoopExpiry struct{}

func (NoopExpiry) OnExpired(ApprovalRequest) (ApprovalAction, bool) { return "", false }

// ExpireWith applies a fixed action to every expired request.
type ExpireWith ApprovalAction

func (a ExpireWith) OnExpired(ApprovalRequest) (ApprovalAction, bool) {
	return ApprovalAction(a), ApprovalAction(a).Valid()
}

const expiryUser = "approval-expiry"

// SweepExpiredApprovals applies the configured ExpiryPolicy to expired requests and returns how
// many were decided.
func (e *Engine) SweepExpiredApprovals(ctx context.Context) (int, error) {
	now := e.cfg.Clock()
	decided := 0
	var errs []error
	for _, req := range e.PendingApprovals() {
		if now.Before(req.ExpiresAt) {
			continue
		}
		action, ok := e.cfg.Expiry.OnExpired(req)
		if !ok {
			continue
		}
		_, err := e.HandleApproval(ctx, Decision{
			WorkflowID: req.WorkflowID,
			PhaseID:    req.PhaseID,
			Action:     action,
			Feedback:   "approval expired",
			UserID:     expiryUser,
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		decided++
		log.Info().
			Str(logger.WorkflowIDField, req.WorkflowID).
			Str(logger.PhaseIDField, req.PhaseID).
			Str(logger.ActionField, string(action)).
			Msg("expired approval decided")
	}
	return decided, errors.Join(errs...)
}
