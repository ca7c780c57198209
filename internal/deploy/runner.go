package deploy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"log/slog"

	"github.com/alvesdmateus/iac-sandbox/internal/bus"
	"github.com/alvesdmateus/iac-sandbox/internal/domain"
	"github.com/alvesdmateus/iac-sandbox/internal/engine"
	"github.com/alvesdmateus/iac-sandbox/internal/state"
)

const (
	stopTimeout  = 5 * time.Second
	waitTimeout  = time.Minute
	rawTailLimit = 200
)

// runner drives one launched operation to its end: it folds tool
// records into the store and republishes them as wire events on the
// stack and deployment topics.
type runner struct {
	store  *state.Store
	bus    *bus.Bus
	logger *slog.Logger
	now    func() time.Time
}

// runState accumulates what the records have told us so far.
type runState struct {
	dep           domain.Deployment
	total         int
	completed     int
	progress      int
	summary       domain.Summary
	stopRequested bool
}

func (r runner) run(ctx context.Context, dep domain.Deployment, handle engine.Handle, estimate int) {
	log := r.logger.With(
		"deployment_id", dep.ID,
		"stack_name", dep.StackName,
		"operation", string(dep.Operation),
	)
	st := &runState{dep: dep}

	r.publish(st, domain.Event{
		Type: domain.EventDeploymentStarted,
		Data: domain.DeploymentStarted{Operation: dep.Operation, EstimatedDuration: estimate},
	})
	log.Info("deployment started")

	records := handle.Records()
	done := ctx.Done()
	for records != nil {
		select {
		case rec, ok := <-records:
			if !ok {
				records = nil
				continue
			}
			r.apply(st, rec, log)
		case <-done:
			done = nil
			st.stopRequested = true
			log.Info("interrupting provisioning tool", "reason", ctx.Err())
			stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
			if err := handle.Stop(stopCtx); err != nil {
				log.Warn("interrupt tool", "error", err)
			}
			cancel()
		}
	}

	waitCtx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	result, werr := handle.Wait(waitCtx)
	cancel()

	switch {
	case werr != nil:
		msg, kind := fmt.Sprintf("waiting for tool: %v", werr), domain.ErrKindInternal
		if st.stopRequested {
			msg, kind = r.cancelReason(ctx), domain.ErrKindCancelled
		}
		r.fail(st, msg, kind, log)
	case st.stopRequested:
		r.fail(st, r.cancelReason(ctx), domain.ErrKindCancelled, log)
	case result.Err != "":
		r.fail(st, result.Err, domain.ErrKindToolFailure, log)
	default:
		r.complete(st, result, log)
	}
}

func (r runner) cancelReason(ctx context.Context) string {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return "deployment timed out"
	}
	return "deployment cancelled"
}

// apply folds one raw record into the store and the event stream.
func (r runner) apply(st *runState, rec engine.Record, log *slog.Logger) {
	switch rec.Kind {
	case engine.RecordPlan:
		if rec.TotalSteps <= 0 || st.total > 0 {
			return
		}
		st.total = rec.TotalSteps
		if err := r.store.Update(st.dep.ID, domain.DeploymentUpdate{TotalSteps: &st.total}); err != nil {
			log.Warn("record plan", "error", err)
		}
		r.progressEvent(st, "", fmt.Sprintf("planned %d steps", st.total))

	case engine.RecordDiagnostic:
		r.logEvent(st, severityLevel(rec.Severity), rec.Message, nil)

	case engine.RecordOutput:
		r.logEvent(st, domain.LogInfo, rec.Message, nil)

	case engine.RecordResource:
		kind, ok := mapChangeKind(rec.Op)
		if !ok {
			log.Warn("unknown change kind in tool record", "op", rec.Op, "urn", rec.URN)
			return
		}
		st.summary.Add(kind, 1)
		st.completed++
		progress := nextProgress(st)
		err := r.store.Update(st.dep.ID, domain.DeploymentUpdate{
			Progress:       &progress,
			CurrentStep:    &rec.URN,
			CompletedSteps: &st.completed,
			Summary:        &st.summary,
		})
		if err != nil {
			log.Warn("record resource change", "error", err)
		}
		r.publish(st, domain.Event{
			Type: domain.EventResourceChange,
			Data: domain.ResourceChange{
				ResourceID:   rec.URN,
				ResourceType: rec.ResourceType,
				ChangeKind:   kind,
				OldState:     rec.OldState,
				NewState:     rec.NewState,
				Diff:         rec.Diff,
			},
		})
		r.publishProgress(st, rec.URN, describeChange(kind, rec.URN))

	case engine.RecordSummary:
		// Trust the tool's totals only when no step records were seen,
		// as happens for operations that finish without changes.
		if st.summary.Total() > 0 || len(rec.Changes) == 0 {
			return
		}
		st.summary = summaryFromChanges(rec.Changes)
		if err := r.store.Update(st.dep.ID, domain.DeploymentUpdate{Summary: &st.summary}); err != nil {
			log.Warn("record summary", "error", err)
		}

	case engine.RecordMalformed:
		raw := rec.Raw
		if len(raw) > rawTailLimit {
			raw = raw[:rawTailLimit]
		}
		log.Warn("malformed tool record", "raw", raw)
		r.logEvent(st, domain.LogWarning, "unrecognized tool output", map[string]any{"raw": raw})
	}
}

// nextProgress advances the monotone progress estimate.
func nextProgress(st *runState) int {
	p := progressFor(st.completed, st.total)
	if p < st.progress {
		p = st.progress
	}
	st.progress = p
	return p
}

// progressEvent stores and publishes a progress update that is not tied
// to a resource step.
func (r runner) progressEvent(st *runState, currentStep, message string) {
	progress := nextProgress(st)
	update := domain.DeploymentUpdate{Progress: &progress}
	if currentStep != "" {
		update.CurrentStep = &currentStep
	}
	if err := r.store.Update(st.dep.ID, update); err != nil {
		r.logger.Warn("record progress", "deployment_id", st.dep.ID, "error", err)
	}
	r.publishProgress(st, currentStep, message)
}

func (r runner) publishProgress(st *runState, currentStep, message string) {
	r.publish(st, domain.Event{
		Type: domain.EventDeploymentProgress,
		Data: domain.DeploymentProgress{
			Progress:       st.progress,
			CurrentStep:    currentStep,
			TotalSteps:     st.total,
			CompletedSteps: st.completed,
			Message:        message,
		},
	})
}

// logEvent appends to the deployment log tail and mirrors the line on
// the stream.
func (r runner) logEvent(st *runState, level, message string, ctxMap map[string]any) {
	line := message
	if err := r.store.Update(st.dep.ID, domain.DeploymentUpdate{LogLine: &line}); err != nil {
		r.logger.Warn("record log line", "deployment_id", st.dep.ID, "error", err)
	}
	r.publish(st, domain.Event{
		Type: domain.EventDeploymentLog,
		Data: domain.DeploymentLog{Level: level, Message: message, Context: ctxMap},
	})
}

func (r runner) complete(st *runState, result engine.Result, log *slog.Logger) {
	if st.summary.Total() == 0 {
		st.summary = summaryFromChanges(result.Summary)
	}
	dep, err := r.store.Finish(st.dep.ID, domain.StatusCompleted, st.summary, result.Outputs, "", "")
	if err != nil {
		log.Warn("record completion", "error", err)
		return
	}
	recordOutcome(st.dep.Operation, domain.StatusCompleted)
	duration := r.runDuration(dep)
	r.publish(st, domain.Event{
		Type: domain.EventDeploymentCompleted,
		Data: domain.DeploymentCompleted{Duration: duration, Summary: st.summary, Outputs: result.Outputs},
	})
	log.Info("deployment completed", "duration_seconds", duration, "changes", st.summary.Total())
}

func (r runner) fail(st *runState, message, kind string, log *slog.Logger) {
	dep, err := r.store.Finish(st.dep.ID, domain.StatusFailed, st.summary, nil, message, kind)
	if err != nil {
		log.Warn("record failure", "error", err)
		return
	}
	recordOutcome(st.dep.Operation, domain.StatusFailed)
	r.publish(st, domain.Event{
		Type: domain.EventDeploymentFailed,
		Data: domain.DeploymentFailed{Error: message, Kind: kind},
	})
	log.Error("deployment failed", "error", message, "kind", kind, "duration_seconds", r.runDuration(dep))
}

func (r runner) runDuration(dep domain.Deployment) float64 {
	if dep.CompletedAt == nil {
		return 0
	}
	return dep.CompletedAt.Sub(dep.StartedAt).Seconds()
}

// publish stamps the envelope and fans the event out to both the stack
// topic and the deployment topic.
func (r runner) publish(st *runState, event domain.Event) {
	event.Timestamp = r.now()
	event.DeploymentID = st.dep.ID
	event.StackName = st.dep.StackName
	r.bus.Publish(bus.StackTopic(st.dep.StackName), event)
	r.bus.Publish(bus.DeploymentTopic(st.dep.ID), event)
}
