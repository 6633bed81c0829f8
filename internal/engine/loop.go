package engine

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/ralph-run/ralph/internal/agent"
	"github.com/ralph-run/ralph/internal/logstore"
	"github.com/ralph-run/ralph/internal/subagent"
	"github.com/ralph-run/ralph/internal/tracker"
)

// promiseMarkerRe matches the completion marker, whitespace-tolerant
// between tags and token (spec §4.1, §6).
var promiseMarkerRe = regexp.MustCompile(`(?is)<promise>\s*complete\s*</promise>`)

func isPromiseComplete(stdout string) bool {
	return promiseMarkerRe.MatchString(stdout)
}

// runLoop is the outer cooperative loop (spec §4.1 Loop algorithm).
func (e *Engine) runLoop(ctx context.Context) {
	for {
		if e.checkPause(ctx) {
			if e.checkStop() {
				e.finish(StopInterrupted)
				return
			}
		}

		if e.maybeRecoverPrimary(ctx) {
			// recovery swaps state; loop continues to the stop checks below.
		}

		if reason, stop := e.checkStopConditions(ctx); stop {
			e.finish(reason)
			return
		}

		task, err := e.nextTask(ctx)
		if err != nil {
			e.finish(StopError)
			return
		}
		if task == nil {
			e.finish(StopNoTasks)
			return
		}

		result := e.runIterationWithPolicy(ctx, task)

		e.mu.Lock()
		e.iterations = append(e.iterations, result)
		e.mu.Unlock()

		if result.Status == IterationFailed && e.cfg.ErrorStrategy == StrategyAbort {
			e.finish(StopError)
			return
		}

		e.mu.Lock()
		stopping := e.shouldStop
		e.mu.Unlock()
		if stopping {
			e.finish(StopInterrupted)
			return
		}

		if e.cfg.IterationDelayMs > 0 {
			sleep(ctx, time.Duration(e.cfg.IterationDelayMs)*time.Millisecond)
		}
	}
}

// checkPause implements the cooperative pause wait (spec §5 Suspension
// points): ~100ms poll granularity between running/stopping checks.
func (e *Engine) checkPause(ctx context.Context) bool {
	e.mu.Lock()
	if !e.pauseRequested {
		e.mu.Unlock()
		return false
	}
	e.status = StatusPausing
	e.mu.Unlock()
	e.bus.emit("engine:paused", nil)

	e.mu.Lock()
	e.status = StatusPaused
	e.mu.Unlock()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		e.mu.Lock()
		paused := e.pauseRequested
		stopping := e.shouldStop
		e.mu.Unlock()
		if stopping {
			return true
		}
		if !paused {
			break
		}
		select {
		case <-ctx.Done():
			return true
		case <-e.resumeCh:
		case <-ticker.C:
		}
	}

	e.mu.Lock()
	e.status = StatusRunning
	e.mu.Unlock()
	e.bus.emit("engine:resumed", nil)
	return false
}

func (e *Engine) checkStop() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.shouldStop
}

// maybeRecoverPrimary runs the between-iterations recovery probe when the
// engine is on a fallback (spec §4.2).
func (e *Engine) maybeRecoverPrimary(ctx context.Context) bool {
	if !e.cfg.RecoverPrimaryBetweenIterations {
		return false
	}
	e.mu.Lock()
	onFallback := e.activeAgent != nil && e.activeAgent.Reason == ReasonFallback
	e.mu.Unlock()
	if !onFallback {
		return false
	}

	start := time.Now()
	probe := recoveryProbe(ctx, e.cfg.Primary)
	durationMs := time.Since(start).Milliseconds()

	e.mu.Lock()
	prevFallback := ""
	if e.activeAgent != nil {
		prevFallback = e.activeAgent.Plugin.Meta().ID
	}
	e.mu.Unlock()

	if !probe.Success {
		e.bus.emit("agent:recovery-attempted", map[string]any{
			"success": false, "testDurationMs": durationMs,
			"primary": e.cfg.Primary.Meta().ID, "fallback": prevFallback,
		})
		return false
	}

	e.mu.Lock()
	e.activeAgent = &ActiveAgent{Plugin: e.cfg.Primary, Reason: ReasonPrimary, Since: time.Now()}
	e.rateLimit.LimitedAt = nil
	e.rateLimit.FallbackAgent = ""
	e.mu.Unlock()
	e.rateLimited = make(map[string]bool)

	e.bus.emit("agent:recovery-attempted", map[string]any{
		"success": true, "testDurationMs": durationMs,
		"primary": e.cfg.Primary.Meta().ID, "fallback": prevFallback,
	})
	return true
}

func (e *Engine) checkStopConditions(ctx context.Context) (StopReason, bool) {
	e.mu.Lock()
	shouldStop := e.shouldStop
	cur := e.currentIter
	maxIter := e.cfg.MaxIterations
	e.mu.Unlock()

	if shouldStop {
		return StopInterrupted, true
	}
	if maxIter > 0 && cur >= maxIter {
		return StopMaxIterations, true
	}

	if e.cfg.WorkerMode {
		e.mu.Lock()
		done := e.workerProcessed
		e.mu.Unlock()
		if done {
			e.bus.emit("all:complete", nil)
			return StopCompleted, true
		}
		return "", false
	}

	if e.cfg.Tracker != nil {
		complete, err := e.cfg.Tracker.IsComplete(ctx)
		if err == nil && complete {
			e.bus.emit("all:complete", nil)
			return StopCompleted, true
		}
	}
	return "", false
}

func (e *Engine) nextTask(ctx context.Context) (*tracker.Task, error) {
	if e.cfg.WorkerMode {
		e.mu.Lock()
		processed := e.workerProcessed
		e.mu.Unlock()
		if processed {
			return nil, nil
		}
		return e.cfg.ForcedTask, nil
	}

	e.mu.Lock()
	excluded := make([]string, 0, len(e.skipped))
	for id := range e.skipped {
		excluded = append(excluded, id)
	}
	e.mu.Unlock()

	return e.cfg.Tracker.GetNextTask(ctx, tracker.Filter{
		Status:     []tracker.Status{tracker.StatusOpen, tracker.StatusInProgress},
		ExcludeIDs: excluded,
	})
}

func (e *Engine) finish(reason StopReason) {
	e.mu.Lock()
	e.status = StatusIdle
	e.stopReason = reason
	e.mu.Unlock()
	e.bus.emit("engine:stopped", map[string]any{"reason": string(reason)})
}

// runIterationWithPolicy runs one iteration and applies the error-handling
// state machine (spec §4.1 Error-handling state machine), recursing on
// retry the same way baiirun-aetherflow's respawn() re-launches a crashed agent
// against its already-claimed task.
func (e *Engine) runIterationWithPolicy(ctx context.Context, task *tracker.Task) IterationResult {
	result := e.runIteration(ctx, task)

	if result.Status != IterationFailed {
		e.mu.Lock()
		delete(e.retryCounts, task.ID)
		if e.cfg.WorkerMode {
			e.workerProcessed = true
		}
		e.mu.Unlock()
		return result
	}

	strategy := e.cfg.ErrorStrategy
	if strategy == "" {
		strategy = StrategyRetry
	}

	switch strategy {
	case StrategyAbort:
		e.bus.emit("iteration:failed", map[string]any{"taskId": task.ID, "action": "abort", "error": result.Error})
		return result

	case StrategySkip:
		e.bus.emit("iteration:failed", map[string]any{"taskId": task.ID, "action": "skip", "error": result.Error})
		e.bus.emit("iteration:skipped", map[string]any{"taskId": task.ID})
		e.mu.Lock()
		e.skipped[task.ID] = true
		if e.cfg.WorkerMode {
			e.workerProcessed = true
		}
		e.mu.Unlock()
		return result

	default: // StrategyRetry
		e.mu.Lock()
		count := e.retryCounts[task.ID]
		e.mu.Unlock()

		if count < e.cfg.MaxRetries {
			e.bus.emit("iteration:failed", map[string]any{"taskId": task.ID, "action": "retry", "error": result.Error})
			e.bus.emit("iteration:retrying", map[string]any{"taskId": task.ID, "attempt": count + 1})
			e.mu.Lock()
			e.retryCounts[task.ID] = count + 1
			e.mu.Unlock()
			sleep(ctx, time.Duration(e.cfg.RetryDelayMs)*time.Millisecond)
			if e.checkPause(ctx) && e.checkStop() {
				return result
			}
			return e.runIterationWithPolicy(ctx, task)
		}

		e.bus.emit("iteration:failed", map[string]any{"taskId": task.ID, "action": "skip", "error": result.Error})
		e.bus.emit("iteration:skipped", map[string]any{"taskId": task.ID})
		e.mu.Lock()
		e.skipped[task.ID] = true
		if e.cfg.WorkerMode {
			e.workerProcessed = true
		}
		e.mu.Unlock()
		return result
	}
}

// runIteration runs one task to a terminal outcome: it executes the agent,
// and on a rate-limited response retries/falls back in place without
// advancing currentIteration (spec §4.2 Backoff: "re-run the iteration
// without advancing currentIteration") before returning.
func (e *Engine) runIteration(ctx context.Context, task *tracker.Task) IterationResult {
	e.mu.Lock()
	e.currentIter++
	e.currentTask = task
	e.mu.Unlock()
	e.parser.Reset(task.ID)
	e.pendingSwitches = nil
	e.bus.emit("iteration:started", map[string]any{"iteration": e.currentIter, "taskId": task.ID})
	e.bus.emit("task:selected", map[string]any{"taskId": task.ID})

	if err := e.cfg.Tracker.UpdateTaskStatus(ctx, task.ID, tracker.StatusInProgress); err != nil {
		return e.fail(task, fmt.Errorf("marking task in_progress: %w", err))
	}
	e.bus.emit("task:activated", map[string]any{"taskId": task.ID})

	startedAt := time.Now()

	trackerTemplate := ""
	if e.cfg.Tracker != nil {
		trackerTemplate, _ = e.cfg.Tracker.GetTemplate(ctx)
	}
	rendered := e.cfg.Renderer(*task, e.cfg.Epic, nil, trackerTemplate)
	if !rendered.Success {
		return e.fail(task, fmt.Errorf("rendering prompt: %w", rendered.Error))
	}

	execID := task.ID
	e.mu.Lock()
	e.currentExecID = execID
	e.mu.Unlock()

	var agentRes *agent.ExecutionResult
	for rateLimitAttempt := 0; ; rateLimitAttempt++ {
		e.mu.Lock()
		active := e.activeAgent.Plugin
		e.mu.Unlock()

		handle, err := active.Execute(ctx, rendered.Prompt, nil, agent.ExecuteOptions{
			Model:   e.cfg.Model,
			Timeout: e.cfg.ExecuteTimeout,
			OnStdout: func(chunk string) {
				e.bus.emit("agent:output", map[string]any{"taskId": task.ID, "stream": "stdout", "chunk": chunk})
			},
			OnStderr: func(chunk string) {
				e.bus.emit("agent:output", map[string]any{"taskId": task.ID, "stream": "stderr", "chunk": chunk})
			},
			OnJSONLMessage: func(msg map[string]any) {
				e.parser.Feed(execID, msg)
			},
			Sandbox: e.cfg.Sandbox,
		})
		if err != nil {
			return e.fail(task, fmt.Errorf("starting agent: %w", err))
		}
		res := handle.Wait()

		if res.Status != agent.StatusCompleted && res.Status != agent.StatusFailed {
			return e.failWithAgentResult(task, fmt.Errorf("agent execution %s", res.Status), res)
		}

		detection := detectRateLimit(res)
		if !detection.Detected {
			agentRes = res
			break
		}

		retry, failed := e.handleRateLimit(ctx, task, detection, rateLimitAttempt)
		if failed != nil {
			return *failed
		}
		if !retry {
			// switched to a fallback agent; retry immediately without
			// counting against the rate-limit retry budget.
			rateLimitAttempt = -1
		}
	}

	completionByMarker := isPromiseComplete(agentRes.Stdout)
	completionByStatus := agentRes.Status == agent.StatusCompleted
	taskComplete := completionByMarker || completionByStatus

	endedAt := time.Now()
	result := IterationResult{
		Iteration:       e.snapshotIteration(),
		Task:            task,
		TaskCompleted:   taskComplete,
		PromiseComplete: completionByMarker,
		StartedAt:       startedAt,
		EndedAt:         endedAt,
		DurationMs:      endedAt.Sub(startedAt).Milliseconds(),
		AgentResult:     agentRes,
	}

	if !taskComplete {
		result.Status = IterationFailed
		result.Error = "agent did not report completion"
		e.persistLog(ctx, result, e.pendingSwitches)
		e.bus.emit("iteration:completed", map[string]any{"taskId": task.ID, "status": string(result.Status)})
		e.clearCurrentTask()
		return result
	}

	if err := e.cfg.Tracker.CompleteTask(ctx, task.ID, ""); err != nil {
		result.Status = IterationFailed
		result.Error = fmt.Sprintf("completing task: %v", err)
		e.persistLog(ctx, result, e.pendingSwitches)
		e.clearCurrentTask()
		return result
	}
	e.bus.emit("task:completed", map[string]any{"taskId": task.ID})

	e.mu.Lock()
	e.tasksCompleted++
	e.mu.Unlock()
	e.rateLimited = make(map[string]bool)

	switches := e.pendingSwitches
	if commit := e.autoCommit(ctx, task); commit != nil {
		if commit.Error != nil {
			e.bus.emit("task:auto-commit-failed", map[string]any{"taskId": task.ID, "error": commit.Error.Error()})
		} else if commit.Committed {
			e.bus.emit("task:auto-committed", map[string]any{"taskId": task.ID, "sha": commit.CommitSHA})
		} else {
			e.bus.emit("task:auto-commit-skipped", map[string]any{"taskId": task.ID, "reason": commit.SkipReason})
		}
	}

	result.Status = IterationCompleted
	e.persistLog(ctx, result, switches)
	e.bus.emit("iteration:completed", map[string]any{"taskId": task.ID, "status": string(result.Status)})
	e.clearCurrentTask()
	return result
}

func (e *Engine) snapshotIteration() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.currentIter
}

func (e *Engine) clearCurrentTask() {
	e.mu.Lock()
	e.currentTask = nil
	e.currentExecID = ""
	e.mu.Unlock()
}

func (e *Engine) fail(task *tracker.Task, err error) IterationResult {
	return IterationResult{
		Iteration:  e.snapshotIteration(),
		Task:       task,
		Status:     IterationFailed,
		StartedAt:  time.Now(),
		EndedAt:    time.Now(),
		Error:      err.Error(),
	}
}

func (e *Engine) failWithAgentResult(task *tracker.Task, err error, agentRes *agent.ExecutionResult) IterationResult {
	r := e.fail(task, err)
	r.AgentResult = agentRes
	if agentRes.Status == agent.StatusInterrupted {
		r.Status = IterationInterrupted
	}
	return r
}

// handleRateLimit implements spec §4.2's detection → backoff →
// exhaustion-to-fallback chain for one detected-rate-limited execution.
// Returns (retry=true, nil) to re-run against the same agent after a
// backoff sleep, (retry=false, nil) to re-run immediately against a newly
// bound fallback agent, or (false, &result) when every agent is
// exhausted and the iteration must be recorded as failed.
func (e *Engine) handleRateLimit(ctx context.Context, task *tracker.Task, detection agent.RateLimitDetection, attempt int) (bool, *IterationResult) {
	e.mu.Lock()
	agentID := e.activeAgent.Plugin.Meta().ID
	e.mu.Unlock()

	maxRetries := e.cfg.MaxRateLimitRetries
	if attempt < maxRetries {
		delay := backoffDelay(detection.RetryAfter, e.cfg.BaseBackoffMs, attempt)
		e.bus.emit("iteration:rate-limited", map[string]any{
			"taskId": task.ID, "attempt": attempt + 1, "max": maxRetries,
			"delayMs": delay.Milliseconds(), "usedRetryAfter": detection.RetryAfter > 0,
		})
		sleep(ctx, delay)
		return true, nil
	}

	e.rateLimited[agentID] = true
	fallback, tried := attemptFallback(ctx, e.cfg.Fallbacks, e.rateLimited)
	if fallback == nil {
		e.bus.emit("agent:all-limited", map[string]any{"tried": tried})
		e.Pause()
		r := e.fail(task, rateLimitError(tried))
		return false, &r
	}

	e.mu.Lock()
	prev := e.activeAgent.Plugin.Meta().ID
	e.activeAgent = &ActiveAgent{Plugin: fallback, Reason: ReasonFallback, Since: time.Now()}
	now := time.Now()
	e.rateLimit.LimitedAt = &now
	e.rateLimit.FallbackAgent = fallback.Meta().ID
	e.mu.Unlock()

	e.pendingSwitches = append(e.pendingSwitches, logstore.AgentSwitch{Kind: "fallback", From: prev, To: fallback.Meta().ID, At: time.Now()})
	e.bus.emit("agent:switched", map[string]any{"previous": prev, "new": fallback.Meta().ID, "kind": "fallback"})
	return false, nil
}

// persistLog writes the iteration log (spec §4.1, §4.5) including a
// subagent trace if any events were observed.
func (e *Engine) persistLog(ctx context.Context, result IterationResult, switches []logstore.AgentSwitch) {
	if e.cfg.LogStore == nil {
		return
	}

	status := logstore.Status(result.Status)
	stdout, stderr := "", ""
	var errMsg string
	agentID, model := "", e.cfg.Model
	if result.AgentResult != nil {
		stdout = result.AgentResult.Stdout
		stderr = result.AgentResult.Stderr
	}
	if result.Error != "" {
		errMsg = result.Error
	}
	e.mu.Lock()
	if e.activeAgent != nil {
		agentID = e.activeAgent.Plugin.Meta().ID
	}
	e.mu.Unlock()

	meta := logstore.Metadata{
		IterationNumber: result.Iteration,
		TaskID:          result.Task.ID,
		TaskTitle:       result.Task.Title,
		Description:     result.Task.Description,
		Status:          status,
		TaskCompleted:   result.TaskCompleted,
		PromiseDetected: result.PromiseComplete,
		StartedAt:       result.StartedAt,
		EndedAt:         result.EndedAt,
		Error:           errMsg,
		Agent:           agentID,
		Model:           model,
		Epic:            e.cfg.Epic,
		Switches:        switches,
	}
	if len(switches) > 0 {
		meta.CompletionSummary = summarizeSwitches(switches)
	}

	trace := e.buildTrace(result.Task.ID)

	if _, err := e.cfg.LogStore.SaveIterationLog(meta, stdout, stderr, trace, logstore.SaveOptions{SessionID: e.cfg.SessionID}); err != nil {
		e.bus.emit("log:persist-failed", map[string]any{"taskId": result.Task.ID, "error": err.Error()})
	}
}

func summarizeSwitches(switches []logstore.AgentSwitch) string {
	parts := make([]string, 0, len(switches))
	for _, s := range switches {
		parts = append(parts, fmt.Sprintf("%s: %s -> %s", s.Kind, s.From, s.To))
	}
	return strings.Join(parts, "; ")
}

// buildTrace converts the subagent parser's state for execID into the
// logstore's embeddable trace shape, or nil if no events were observed.
func (e *Engine) buildTrace(execID string) *logstore.SubagentTrace {
	events := e.parser.GetEvents(execID)
	if len(events) == 0 {
		return nil
	}

	evOut := make([]map[string]any, 0, len(events))
	for _, ev := range events {
		evOut = append(evOut, map[string]any{
			"kind":     string(ev.Kind),
			"subagent": ev.Subagent,
			"at":       ev.At,
			"payload":  ev.Payload,
		})
	}

	hierarchy := make([]map[string]any, 0)
	for _, s := range e.parser.GetAllSubagents(execID) {
		hierarchy = append(hierarchy, subagentToMap(s))
	}

	stats := e.parser.Stats(execID)
	return &logstore.SubagentTrace{
		Events:    evOut,
		Hierarchy: hierarchy,
		Stats: map[string]any{
			"total":     stats.Total,
			"running":   stats.Running,
			"completed": stats.Completed,
			"failed":    stats.Failed,
			"maxDepth":  stats.MaxDepth,
		},
	}
}

func subagentToMap(s subagent.State) map[string]any {
	return map[string]any{
		"id":          s.ID,
		"parentId":    s.ParentID,
		"depth":       s.Depth,
		"description": s.Description,
		"status":      string(s.Status),
		"startedAt":   s.StartedAt,
		"endedAt":     s.EndedAt,
	}
}

// sleep waits for d or until ctx is cancelled, whichever comes first.
func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
