package workflow

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"go-agentic/internal/metrics"
	"go-agentic/pkg/logger"
)

var (
	ErrPhaseNotWaiting = errors.New("phase is not waiting for approval")
	ErrPhaseTimeout    = errors.New("phase timed out")
	// ErrCancelled is recorded on a phase whose agent call was still running at cancellation.
	ErrCancelled       = errors.New("workflow cancelled while phase was running")
)

type (
	// advance looks for the next runnable phase.
	advance struct{}

	phaseOutcome struct {
		phaseID string
		token   int
		result  map[string]any
		err     error
	}

	retryPhase struct {
		phaseID string
		token   int
	}

	getSnapshot struct{}

	decide struct {
		Decision
	}

	control struct {
		op     string
		userID string
	}
)

const (
	opPause  = "pause"
	opResume = "resume"
	opCancel = "cancel"
)

// instanceActor owns one Instance. Agent calls run outside the actor and report back with a
// phaseOutcome; tokens tie each outcome to the invocation that produced it.
type instanceActor struct {
	engine   *Engine
	wf       *Instance
	backoffs map[string]backoff.BackOff
	tokens   map[string]int
}

func newInstanceActor(e *Engine, wf *Instance) *instanceActor {
	return &instanceActor{
		engine:   e,
		wf:       wf,
		backoffs: map[string]backoff.BackOff{},
		tokens:   map[string]int{},
	}
}

func (a *instanceActor) Receive(ac actor.Context) {
	switch msg := ac.Message().(type) {
	case *actor.Started:
		log.Debug().Str(logger.WorkflowIDField, a.wf.ID).Str(logger.ActorIDField, ac.Self().Id).Msg("instance actor started")
	case *actor.Stopping, *actor.Stopped:
		log.Debug().Str(logger.WorkflowIDField, a.wf.ID).Msg("instance actor stopped")
	case *actor.Restarting:
		log.Warn().Str(logger.WorkflowIDField, a.wf.ID).Msg("instance actor restarting")
	case advance:
		a.advance(ac)
	case phaseOutcome:
		a.onOutcome(ac, msg)
	case retryPhase:
		a.onRetry(ac, msg)
	case getSnapshot:
		ac.Respond(a.wf.Clone())
	case decide:
		ac.Respond(a.decide(ac, msg.Decision))
	case control:
		ac.Respond(a.control(ac, msg))
	default:
		log.Warn().Str(logger.WorkflowIDField, a.wf.ID).Msgf("unexpected message %T", msg)
	}
}

func (a *instanceActor) advance(ac actor.Context) {
	if a.wf.Status == StatusPending {
		a.wf.Status = StatusRunning
	}
	if a.wf.Status != StatusRunning {
		return
	}

	for i := range a.wf.Phases {
		switch a.wf.Phases[i].Status {
		case PhaseRunning, PhaseFailed, PhaseWaitingApproval:
			// in flight, waiting for a retry, or held until a decision arrives
			return
		}
	}
	if next := a.nextRunnable(); next != nil {
		a.execute(ac, next)
		return
	}
	for _, p := range a.wf.Phases {
		if p.Status == PhasePending {
			a.failWorkflow(fmt.Sprintf("phase %q (%s) can never run: dependencies not satisfied", p.Name, p.ID))
			return
		}
	}
	a.completeWorkflow()
}

func (a *instanceActor) nextRunnable() *Phase {
	for i := range a.wf.Phases {
		p := &a.wf.Phases[i]
		if p.Status == PhasePending && a.dependenciesSatisfied(p) {
			return p
		}
	}
	return nil
}

func (a *instanceActor) dependenciesSatisfied(p *Phase) bool {
	for _, dep := range p.Dependencies {
		d := a.wf.phase(dep)
		if d == nil || !d.Status.Satisfied() {
			return false
		}
	}
	return true
}

func (a *instanceActor) execute(ac actor.Context, p *Phase) {
	now := a.engine.cfg.Clock()
	p.Status = PhaseRunning
	p.StartTime = &now
	p.EndTime = nil
	p.NextRetryAt = nil
	p.Error = ""
	a.wf.CurrentPhase = p.ID
	a.tokens[p.ID]++
	a.persist()

	e := a.engine
	pid := ac.Self()
	outcome := phaseOutcome{phaseID: p.ID, token: a.tokens[p.ID]}
	input := a.phaseInput(p)
	agentType, method, timeout := p.AgentType, p.Method, p.Timeout

	log.Info().
		Str(logger.WorkflowIDField, a.wf.ID).
		Str(logger.PhaseIDField, p.ID).
		Int("attempt", p.RetryCount+1).
		Msg("executing phase")

	go func() {
		agent, ok := e.agent(agentType)
		if !ok {
			outcome.err = fmt.Errorf("%w: %s", ErrUnknownAgent, agentType)
		} else {
			outcome.result, outcome.err = e.invoke(agent, method, input, timeout)
		}
		e.root.Send(pid, outcome)
	}()
}

// invoke calls the agent with a deadline. An agent that ignores its context is abandoned at the deadline.
func (e *Engine) invoke(agent ExternalAgent, method string, input map[string]any, timeout time.Duration) (map[string]any, error) {
	if timeout <= 0 {
		timeout = DefaultPhaseTimeout
	}
	ctx, cancel := context.WithTimeout(e.ctx, timeout)
	defer cancel()

	type result struct {
		out map[string]any
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("agent panic: %v", r)}
			}
		}()
		out, err := agent.Execute(ctx, method, input)
		done <- result{out: out, err: err}
	}()

	select {
	case r := <-done:
		return r.out, r.err
	case <-ctx.Done():
		return nil, fmt.Errorf("%w after %s", ErrPhaseTimeout, timeout)
	}
}

func (a *instanceActor) phaseInput(p *Phase) map[string]any {
	input := make(map[string]any, len(p.InputData)+len(a.wf.Config)+8)
	for k, v := range a.wf.Config {
		input[k] = v
	}
	for k, v := range p.InputData {
		input[k] = v
	}
	input["requirements"] = a.wf.Requirements
	input["technology"] = a.wf.Technology
	input["output_path"] = a.wf.OutputPath
	input["config"] = copyMap(a.wf.Config)
	input["workflow_id"] = a.wf.ID
	input["phase_id"] = p.ID
	for _, dep := range p.Dependencies {
		if d := a.wf.phase(dep); d != nil && d.Result != nil {
			input[dep+"_result"] = copyMap(d.Result)
		}
	}
	return input
}

func (a *instanceActor) onOutcome(ac actor.Context, msg phaseOutcome) {
	p := a.wf.phase(msg.phaseID)
	if p == nil || p.Status != PhaseRunning || msg.token != a.tokens[p.ID] {
		log.Debug().Str(logger.WorkflowIDField, a.wf.ID).Str(logger.PhaseIDField, msg.phaseID).Msg("stale phase outcome dropped")
		return
	}
	if a.wf.Status.Terminal() {
		log.Info().Str(logger.WorkflowIDField, a.wf.ID).Str(logger.PhaseIDField, p.ID).Msg("outcome discarded, workflow already " + string(a.wf.Status))
		return
	}

	err := msg.err
	if err == nil {
		if ok, set := msg.result["success"].(bool); set && !ok {
			err = errors.New(reportedError(msg.result))
		}
	}
	if err != nil {
		a.failPhase(ac, p, err)
		return
	}

	p.Result = msg.result
	a.collectArtifacts(p)
	metrics.PhasesFinished.WithLabelValues(string(PhaseCompleted)).Inc()

	if p.ApprovalRequired && a.wf.ApprovalMode == ApprovalInteractive {
		now := a.engine.cfg.Clock()
		p.Status = PhaseWaitingApproval
		p.EndTime = &now
		req := a.engine.newApprovalRequest(a.wf, p)
		a.engine.addApproval(req)
		a.audit(AuditApprovalRequested, p.ID, "", map[string]any{"approval_id": req.ID})
		a.persist()
		log.Info().Str(logger.WorkflowIDField, a.wf.ID).Str(logger.PhaseIDField, p.ID).Msg("phase waiting for approval")
		return
	}
	a.completePhase(ac, p, true)
}

func reportedError(result map[string]any) string {
	if s, ok := result["error"].(string); ok && s != "" {
		return s
	}
	return "agent reported failure"
}

func (a *instanceActor) collectArtifacts(p *Phase) {
	now := a.engine.cfg.Clock()
	add := func(path, name string) {
		if path == "" {
			return
		}
		if name == "" {
			name = filepath.Base(path)
		}
		a.wf.Artifacts = append(a.wf.Artifacts, Artifact{
			ID:        uuid.NewString(),
			Type:      "file",
			Name:      name,
			Path:      path,
			PhaseID:   p.ID,
			CreatedAt: now,
		})
	}
	switch files := p.Result["generated_files"].(type) {
	case []string:
		for _, f := range files {
			add(f, "")
		}
	case []any:
		for _, f := range files {
			switch v := f.(type) {
			case string:
				add(v, "")
			case map[string]any:
				path, _ := v["path"].(string)
				name, _ := v["name"].(string)
				add(path, name)
			}
		}
	}
}

func (a *instanceActor) completePhase(ac actor.Context, p *Phase, writeAudit bool) {
	now := a.engine.cfg.Clock()
	p.Status = PhaseCompleted
	p.EndTime = &now
	p.Error = ""
	delete(a.backoffs, p.ID)
	a.wf.updateProgress()
	if writeAudit {
		a.audit(AuditPhaseCompleted, p.ID, "", nil)
	}
	a.persist()
	log.Info().Str(logger.WorkflowIDField, a.wf.ID).Str(logger.PhaseIDField, p.ID).Msg("phase completed")
	ac.Send(ac.Self(), advance{})
}

func (a *instanceActor) failPhase(ac actor.Context, p *Phase, err error) {
	now := a.engine.cfg.Clock()
	p.Status = PhaseFailed
	p.Error = err.Error()
	p.EndTime = &now
	metrics.PhasesFinished.WithLabelValues(string(PhaseFailed)).Inc()
	log.Warn().Err(err).Str(logger.WorkflowIDField, a.wf.ID).Str(logger.PhaseIDField, p.ID).Int("retry_count", p.RetryCount).Msg("phase failed")

	if p.RetryCount < p.MaxRetries {
		b, ok := a.backoffs[p.ID]
		if !ok {
			b = a.engine.cfg.Backoff()
			a.backoffs[p.ID] = b
		}
		if delay := b.NextBackOff(); delay != backoff.Stop {
			p.RetryCount++
			at := now.Add(delay)
			p.NextRetryAt = &at
			a.audit(AuditPhaseRetry, p.ID, "", map[string]any{"attempt": p.RetryCount, "error": p.Error, "delay": delay.String()})
			a.persist()
			metrics.PhaseRetries.Inc()
			a.scheduleRetry(ac, p.ID, delay)
			return
		}
	}
	a.failWorkflow(fmt.Sprintf("phase %q (%s) failed after %d retries: %s", p.Name, p.ID, p.RetryCount, p.Error))
}

// remainingDelay is what is left of the backoff chosen when p failed. Unknown or elapsed
// deadlines mean no wait.
func (a *instanceActor) remainingDelay(p *Phase) time.Duration {
	if p.NextRetryAt == nil {
		return 0
	}
	if d := p.NextRetryAt.Sub(a.engine.cfg.Clock()); d > 0 {
		return d
	}
	return 0
}

func (a *instanceActor) scheduleRetry(ac actor.Context, phaseID string, delay time.Duration) {
	e := a.engine
	pid := ac.Self()
	msg := retryPhase{phaseID: phaseID, token: a.tokens[phaseID]}
	time.AfterFunc(delay, func() { e.root.Send(pid, msg) })
}

func (a *instanceActor) onRetry(ac actor.Context, msg retryPhase) {
	if a.wf.Status != StatusRunning {
		// paused retries are picked up by resume
		return
	}
	p := a.wf.phase(msg.phaseID)
	if p == nil || p.Status != PhaseFailed || msg.token != a.tokens[p.ID] {
		return
	}
	a.execute(ac, p)
}

func (a *instanceActor) decide(ac actor.Context, d Decision) any {
	if a.wf.Status.Terminal() {
		return fmt.Errorf("%w: workflow is %s", ErrInvalidState, a.wf.Status)
	}
	p := a.wf.phase(d.PhaseID)
	if p == nil || p.Status != PhaseWaitingApproval {
		return fmt.Errorf("%w: %s", ErrPhaseNotWaiting, d.PhaseID)
	}

	a.audit(approvalAuditAction(d.Action), p.ID, d.UserID, map[string]any{
		"feedback":      d.Feedback,
		"modifications": d.Modifications,
	})
	metrics.Approvals.WithLabelValues(string(d.Action)).Inc()
	log.Info().
		Str(logger.WorkflowIDField, a.wf.ID).
		Str(logger.PhaseIDField, p.ID).
		Str(logger.ActionField, string(d.Action)).
		Str(logger.UserIDField, d.UserID).
		Msg("approval decision")

	switch d.Action {
	case ActionApprove:
		a.completePhase(ac, p, false)
		return "phase approved"
	case ActionModify:
		if p.Result == nil {
			p.Result = map[string]any{}
		}
		for k, v := range d.Modifications {
			p.Result[k] = v
		}
		a.completePhase(ac, p, false)
		return "phase modified and approved"
	case ActionRetry:
		p.Status = PhasePending
		p.Error = ""
		p.Result = nil
		p.RetryCount = 0
		p.StartTime, p.EndTime = nil, nil
		delete(a.backoffs, p.ID)
		a.dropArtifacts(p.ID)
		a.wf.updateProgress()
		a.persist()
		ac.Send(ac.Self(), advance{})
		return "phase retry started"
	case ActionSkip:
		now := a.engine.cfg.Clock()
		p.Status = PhaseSkipped
		p.EndTime = &now
		a.wf.updateProgress()
		a.persist()
		ac.Send(ac.Self(), advance{})
		return "phase skipped"
	case ActionCancel:
		a.cancel()
		return "workflow cancelled"
	}
	return fmt.Errorf("%w: %s", ErrUnknownAction, d.Action)
}

func (a *instanceActor) dropArtifacts(phaseID string) {
	kept := a.wf.Artifacts[:0]
	for _, art := range a.wf.Artifacts {
		if art.PhaseID != phaseID {
			kept = append(kept, art)
		}
	}
	a.wf.Artifacts = kept
}

func (a *instanceActor) control(ac actor.Context, c control) any {
	if a.wf.Status.Terminal() {
		return fmt.Errorf("%w: workflow is %s", ErrInvalidState, a.wf.Status)
	}
	switch c.op {
	case opPause:
		if a.wf.Status != StatusRunning && a.wf.Status != StatusPending {
			return fmt.Errorf("%w: cannot pause a %s workflow", ErrInvalidState, a.wf.Status)
		}
		a.wf.Status = StatusPaused
		a.audit(AuditWorkflowPaused, "", c.userID, nil)
		a.persist()
		return "workflow paused"
	case opResume:
		if a.wf.Status != StatusPaused && len(a.tokens) > 0 {
			return fmt.Errorf("%w: workflow is already %s", ErrInvalidState, a.wf.Status)
		}
		a.wf.Status = StatusRunning
		a.audit(AuditWorkflowResumed, "", c.userID, nil)
		var retry *Phase
		for i := range a.wf.Phases {
			p := &a.wf.Phases[i]
			switch {
			case p.Status == PhaseRunning && a.tokens[p.ID] == 0:
				// left running by a previous process
				p.Status = PhasePending
				p.StartTime = nil
			case p.Status == PhaseFailed && retry == nil:
				retry = p
			}
		}
		a.persist()
		if retry != nil {
			// the attempt was already counted when the retry was first scheduled
			a.scheduleRetry(ac, retry.ID, a.remainingDelay(retry))
			return "workflow resumed"
		}
		ac.Send(ac.Self(), advance{})
		return "workflow resumed"
	case opCancel:
		a.audit(AuditWorkflowCancelled, "", c.userID, nil)
		a.cancel()
		return "workflow cancelled"
	}
	return fmt.Errorf("%w: unknown operation %q", ErrInvalidRequest, c.op)
}

func (a *instanceActor) cancel() {
	now := a.engine.cfg.Clock()
	a.wf.Status = StatusCancelled
	a.wf.CompletedAt = &now
	for i := range a.wf.Phases {
		p := &a.wf.Phases[i]
		if p.Status == PhaseRunning {
			p.Status = PhaseFailed
			p.Error = ErrCancelled.Error()
			p.EndTime = &now
		}
		p.NextRetryAt = nil
	}
	a.persist()
	a.engine.dropApprovals(a.wf.ID)
	metrics.WorkflowsFinished.WithLabelValues(string(StatusCancelled)).Inc()
	log.Info().Str(logger.WorkflowIDField, a.wf.ID).Msg("workflow cancelled")
}

func (a *instanceActor) completeWorkflow() {
	now := a.engine.cfg.Clock()
	a.wf.Status = StatusCompleted
	a.wf.CompletedAt = &now
	a.wf.CurrentPhase = ""
	a.wf.updateProgress()
	a.audit(AuditWorkflowCompleted, "", "", nil)
	a.persist()
	a.engine.dropApprovals(a.wf.ID)
	metrics.WorkflowsFinished.WithLabelValues(string(StatusCompleted)).Inc()
	log.Info().Str(logger.WorkflowIDField, a.wf.ID).Msg("workflow completed")
}

func (a *instanceActor) failWorkflow(reason string) {
	now := a.engine.cfg.Clock()
	a.wf.Status = StatusFailed
	a.wf.Error = reason
	a.wf.CompletedAt = &now
	a.audit(AuditWorkflowFailed, a.wf.CurrentPhase, "", map[string]any{"error": reason})
	a.persist()
	a.engine.dropApprovals(a.wf.ID)
	metrics.WorkflowsFinished.WithLabelValues(string(StatusFailed)).Inc()
	log.Error().Str(logger.WorkflowIDField, a.wf.ID).Msg(reason)
}

func (a *instanceActor) audit(action, phaseID, userID string, data map[string]any) {
	entry := a.engine.newAudit(a.wf.ID, action, phaseID, userID, data)
	a.wf.AuditLog = append(a.wf.AuditLog, entry)
	if err := a.engine.store.AppendAudit(a.engine.ctx, entry); err != nil {
		log.Error().Err(err).Str(logger.WorkflowIDField, a.wf.ID).Str(logger.ActionField, action).Msg("failed to append audit entry")
	}
}

func (a *instanceActor) persist() {
	a.wf.UpdatedAt = a.engine.cfg.Clock()
	if err := a.engine.store.SaveWorkflow(a.engine.ctx, a.wf); err != nil {
		log.Error().Err(err).Str(logger.WorkflowIDField, a.wf.ID).Msg("failed to persist workflow")
	}
}
