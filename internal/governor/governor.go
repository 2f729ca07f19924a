package governor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"mcplane/internal/model"
	"mcplane/internal/policy"
	"mcplane/internal/session"
)

// Gateway submits jobs to the data platform.
type Gateway interface {
	SubmitJob(ctx context.Context, spec model.JobSpec) (model.JobSubmission, error)
}

// LogCollector gathers a run's log output, bounded by maxWait.
type LogCollector interface {
	CollectLogs(ctx context.Context, runID string, maxWait time.Duration) (string, error)
}

// Publisher receives execution lifecycle events.
type Publisher interface {
	Publish(event model.ExecutionEvent)
}

// errAttemptBlocked discards the session mutation when a policy check
// refuses the attempt.
var errAttemptBlocked = errors.New("attempt blocked by policy")

// Governor enforces the execution policy for every transport: manual-first,
// the per-session attempt cap, and the cooldown between attempts. All
// decisions happen inside a single session-store update so concurrent calls
// for the same session key cannot both pass the same check.
type Governor struct {
	cfg    policy.Config
	store  session.Store
	gate   Gateway
	logs   LogCollector
	events Publisher
	logger *log.Logger
	clock  func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
}

func New(cfg policy.Config, store session.Store, gate Gateway, logs LogCollector, events Publisher, logger *log.Logger) *Governor {
	if logger == nil {
		logger = log.New(log.Writer(), "", log.LstdFlags)
	}
	return &Governor{
		cfg:    cfg,
		store:  store,
		gate:   gate,
		logs:   logs,
		events: events,
		logger: logger,
		clock:  func() time.Time { return time.Now().UTC() },
		sleep:  sleepContext,
	}
}

// SetClock overrides the time source. Tests only.
func (g *Governor) SetClock(clock func() time.Time) {
	g.clock = clock
}

// SetSleep overrides the settle-delay sleeper. Tests only.
func (g *Governor) SetSleep(sleep func(ctx context.Context, d time.Duration) error) {
	g.sleep = sleep
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ExecuteAndMonitor runs the governed execution flow: policy checks and the
// attempt increment happen atomically, then the job is submitted and its
// logs collected. Refusals and downstream failures come back as outcomes;
// the error return is reserved for session-store failures.
func (g *Governor) ExecuteAndMonitor(ctx context.Context, sessionKey string, spec model.JobSpec, manualTrigger bool) (model.ExecutionOutcome, error) {
	sessionKey = strings.TrimSpace(sessionKey)
	if sessionKey == "" {
		return model.ExecutionOutcome{}, fmt.Errorf("session key is required")
	}

	maxAttempts := g.cfg.Execution.MaxAttempts
	cooldown := g.cfg.Cooldown()

	var blocked model.ExecutionOutcome
	record, err := g.store.Update(ctx, sessionKey, func(s *model.ExecutionSession) error {
		now := g.clock()
		if !s.HasManualExecution && !manualTrigger {
			blocked = model.ExecutionOutcome{
				Kind:              model.OutcomeManualRequired,
				Message:           "execution requires a prior manual run for this session: register one with register_manual_execution, or pass manual_trigger=true if the user explicitly asked to execute",
				AttemptCount:      s.AttemptCount,
				AttemptsRemaining: remaining(maxAttempts, s.AttemptCount),
				LastError:         s.LastError,
				ManualTrigger:     manualTrigger,
			}
			return errAttemptBlocked
		}
		if s.AttemptCount >= maxAttempts {
			message := fmt.Sprintf("execution limit reached: %d/%d attempts used for this session", s.AttemptCount, maxAttempts)
			if s.LastError != "" {
				message += fmt.Sprintf("; last error: %s", s.LastError)
			}
			message += ". Investigate the failure or start a new session instead of retrying."
			blocked = model.ExecutionOutcome{
				Kind:          model.OutcomeLimitReached,
				Message:       message,
				AttemptCount:  s.AttemptCount,
				LastError:     s.LastError,
				ManualTrigger: manualTrigger,
				IsError:       true,
			}
			return errAttemptBlocked
		}
		if !s.LastAttemptAt.IsZero() {
			elapsed := now.Sub(s.LastAttemptAt)
			if elapsed < cooldown {
				wait := ceilSeconds(cooldown - elapsed)
				blocked = model.ExecutionOutcome{
					Kind:              model.OutcomeCooldown,
					Message:           fmt.Sprintf("cooldown active: wait %ds before the next execution attempt", wait),
					AttemptCount:      s.AttemptCount,
					AttemptsRemaining: remaining(maxAttempts, s.AttemptCount),
					RetryAfterSeconds: wait,
					LastError:         s.LastError,
					ManualTrigger:     manualTrigger,
				}
				return errAttemptBlocked
			}
		}
		s.AttemptCount++
		s.LastAttemptAt = now
		if manualTrigger {
			s.HasManualExecution = true
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, errAttemptBlocked) {
			g.publish(model.ExecutionEvent{
				Type:       model.EventAttemptBlocked,
				SessionKey: sessionKey,
				Kind:       blocked.Kind,
				Detail:     blocked.Message,
			})
			return blocked, nil
		}
		return model.ExecutionOutcome{}, fmt.Errorf("update session %s: %w", sessionKey, err)
	}

	label := fmt.Sprintf("automatic attempt %d/%d", record.AttemptCount, maxAttempts)
	if manualTrigger {
		label = fmt.Sprintf("manual attempt %d/%d", record.AttemptCount, maxAttempts)
	}
	g.logger.Printf("governor: session=%s %s submitting job to dataplane=%s", sessionKey, label, spec.Dataplane)
	g.publish(model.ExecutionEvent{
		Type:       model.EventAttemptStarted,
		SessionKey: sessionKey,
		Detail:     label,
	})

	submission, submitErr := g.gate.SubmitJob(ctx, spec)
	if submitErr != nil {
		return g.recordFailure(ctx, sessionKey, record, submission, submitErr, label, manualTrigger)
	}

	if delay := g.cfg.SettleDelay(); delay > 0 {
		if err := g.sleep(ctx, delay); err != nil {
			return g.recordFailure(ctx, sessionKey, record, submission, fmt.Errorf("canceled while waiting for run %s to settle: %w", submission.RunID, err), label, manualTrigger)
		}
	}

	logs, logErr := g.logs.CollectLogs(ctx, submission.RunID, g.cfg.LogWindow())
	if logErr != nil {
		logs = fmt.Sprintf("(log collection unavailable: %v)", logErr)
	} else if strings.TrimSpace(logs) == "" {
		logs = "(no logs emitted within the collection window)"
	}

	updated, err := g.store.Update(ctx, sessionKey, func(s *model.ExecutionSession) error {
		s.LastRunID = submission.RunID
		return nil
	})
	if err != nil {
		return model.ExecutionOutcome{}, fmt.Errorf("update session %s: %w", sessionKey, err)
	}

	g.publish(model.ExecutionEvent{
		Type:       model.EventAttemptSucceeded,
		SessionKey: sessionKey,
		RunID:      submission.RunID,
		Detail:     label,
	})
	return model.ExecutionOutcome{
		Kind:              model.OutcomeSucceeded,
		Message:           fmt.Sprintf("%s submitted run %s", label, submission.RunID),
		RunID:             submission.RunID,
		Status:            submission.Status,
		Logs:              logs,
		AttemptCount:      updated.AttemptCount,
		AttemptsRemaining: remaining(maxAttempts, updated.AttemptCount),
		LastError:         updated.LastError,
		ManualTrigger:     manualTrigger,
	}, nil
}

func (g *Governor) recordFailure(ctx context.Context, sessionKey string, record model.ExecutionSession, submission model.JobSubmission, submitErr error, label string, manualTrigger bool) (model.ExecutionOutcome, error) {
	updated, err := g.store.Update(ctx, sessionKey, func(s *model.ExecutionSession) error {
		s.LastError = submitErr.Error()
		if submission.RunID != "" {
			s.LastRunID = submission.RunID
		}
		return nil
	})
	if err != nil {
		return model.ExecutionOutcome{}, fmt.Errorf("update session %s: %w", sessionKey, err)
	}

	left := remaining(g.cfg.Execution.MaxAttempts, updated.AttemptCount)
	message := fmt.Sprintf("%s failed: %v", label, submitErr)
	if left > 0 {
		message += fmt.Sprintf(". %d attempt(s) remain after a %ds cooldown; fix the underlying issue before retrying.", left, g.cfg.Execution.CooldownSeconds)
	} else {
		message += ". No attempts remain for this session."
	}
	g.logger.Printf("governor: session=%s %s failed: %v", sessionKey, label, submitErr)
	g.publish(model.ExecutionEvent{
		Type:       model.EventAttemptFailed,
		SessionKey: sessionKey,
		RunID:      submission.RunID,
		Detail:     submitErr.Error(),
	})
	return model.ExecutionOutcome{
		Kind:              model.OutcomeFailed,
		Message:           message,
		RunID:             submission.RunID,
		Status:            model.RunStatusFailed,
		AttemptCount:      updated.AttemptCount,
		AttemptsRemaining: left,
		RetryAfterSeconds: g.cfg.Execution.CooldownSeconds,
		LastError:         updated.LastError,
		ManualTrigger:     manualTrigger,
	}, nil
}

// RegisterManualExecution records that a human ran the job outside the
// assistant. It unblocks governed execution for the session and never
// touches the attempt count or cooldown.
func (g *Governor) RegisterManualExecution(ctx context.Context, sessionKey string, runID string, success bool) (model.ExecutionOutcome, error) {
	sessionKey = strings.TrimSpace(sessionKey)
	if sessionKey == "" {
		return model.ExecutionOutcome{}, fmt.Errorf("session key is required")
	}
	runID = strings.TrimSpace(runID)

	record, err := g.store.Update(ctx, sessionKey, func(s *model.ExecutionSession) error {
		s.HasManualExecution = true
		if runID != "" {
			s.LastRunID = runID
		}
		return nil
	})
	if err != nil {
		return model.ExecutionOutcome{}, fmt.Errorf("update session %s: %w", sessionKey, err)
	}

	message := "manual execution registered: governed execution is now unblocked for this session"
	if !success {
		message = "manual execution registered as failed: governed execution is unblocked, but review the manual run's failure before executing again"
	}
	if runID != "" {
		message += fmt.Sprintf(" (run %s)", runID)
	}
	g.publish(model.ExecutionEvent{
		Type:       model.EventManualRegistered,
		SessionKey: sessionKey,
		RunID:      runID,
		Detail:     fmt.Sprintf("success=%t", success),
	})
	return model.ExecutionOutcome{
		Kind:              model.OutcomeManualRegistered,
		Message:           message,
		RunID:             runID,
		AttemptCount:      record.AttemptCount,
		AttemptsRemaining: remaining(g.cfg.Execution.MaxAttempts, record.AttemptCount),
		LastError:         record.LastError,
	}, nil
}

// SessionState exposes the current session record for status surfaces.
func (g *Governor) SessionState(ctx context.Context, sessionKey string) (model.ExecutionSession, bool, error) {
	return g.store.Get(ctx, strings.TrimSpace(sessionKey))
}

func (g *Governor) publish(event model.ExecutionEvent) {
	if g.events != nil {
		g.events.Publish(event)
	}
}

func remaining(maxAttempts int, used int) int {
	left := maxAttempts - used
	if left < 0 {
		return 0
	}
	return left
}

func ceilSeconds(d time.Duration) int {
	secs := int(d / time.Second)
	if d%time.Second != 0 {
		secs++
	}
	if secs < 1 {
		secs = 1
	}
	return secs
}
