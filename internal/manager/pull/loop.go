// Package pull runs the Manager's claim loop: interval and window
// schedule rules plus explicit triggers decide when to ask the Backend
// for work, gated by a concurrency semaphore.
package pull

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/runloom/runloom/internal/common/apperr"
	"github.com/runloom/runloom/internal/common/logger"
	"github.com/runloom/runloom/internal/manager/schedule"
	"github.com/runloom/runloom/internal/protocol"
)

// TriggerDebounce coalesces bursts of trigger calls into one poll.
const TriggerDebounce = 50 * time.Millisecond

// WindowPollInterval is the polling cadence for window rules that do
// not set their own interval_seconds.
const WindowPollInterval = 5 * time.Second

// Claimer asks the Backend for the oldest eligible run.
type Claimer interface {
	Claim(ctx context.Context, req protocol.ClaimRequest) (*protocol.ClaimedRun, error)
}

// Dispatcher executes one claimed run to completion.
type Dispatcher interface {
	Dispatch(ctx context.Context, run *protocol.ClaimedRun)
}

// Loop claims runs and hands them to the dispatcher.
type Loop struct {
	claimer      Claimer
	dispatcher   Dispatcher
	rules        schedule.PullScheduleConfig
	leaseSeconds int
	workerID     string
	log          *logger.Logger

	sem      *semaphore.Weighted
	inflight sync.WaitGroup

	ctxMu sync.Mutex
	ctx   context.Context

	trigMu       sync.Mutex
	pendingModes map[string]struct{}
	trigTimer    *time.Timer

	winMu        sync.Mutex
	windowsUntil map[string]time.Time

	windowPollInterval time.Duration
}

// DefaultWorkerID returns the lease owner identity <hostname>:<pid>.
func DefaultWorkerID() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "manager"
	}
	return fmt.Sprintf("%s:%d", hostname, os.Getpid())
}

// New creates a pull loop claiming under the given worker id.
func New(claimer Claimer, dispatcher Dispatcher, rules schedule.PullScheduleConfig, workerID string, maxConcurrent, leaseSeconds int, log *logger.Logger) *Loop {
	if maxConcurrent <= 0 {
		maxConcurrent = 8
	}
	if workerID == "" {
		workerID = DefaultWorkerID()
	}
	return &Loop{
		claimer:            claimer,
		dispatcher:         dispatcher,
		rules:              rules,
		leaseSeconds:       leaseSeconds,
		workerID:           workerID,
		log:                log.WithFields(zap.String("component", "pull_loop")),
		sem:                semaphore.NewWeighted(int64(maxConcurrent)),
		pendingModes:       make(map[string]struct{}),
		windowsUntil:       make(map[string]time.Time),
		windowPollInterval: WindowPollInterval,
	}
}

// WorkerID returns the lease owner identity used on claims.
func (l *Loop) WorkerID() string {
	return l.workerID
}

// Rules returns the active schedule rule set.
func (l *Loop) Rules() []protocol.ScheduleRule {
	return l.rules.Rules
}

// Start launches one ticker per enabled rule. Tickers stop when ctx is
// canceled; Drain waits for in-flight dispatches afterwards.
func (l *Loop) Start(ctx context.Context) {
	l.ctxMu.Lock()
	l.ctx = ctx
	l.ctxMu.Unlock()

	for _, rule := range l.rules.Rules {
		if !rule.Enabled {
			continue
		}
		if rule.IntervalSeconds <= 0 && rule.WindowSpec == "" {
			continue
		}
		go l.runRule(ctx, rule)
	}
	l.log.Info("pull loop started",
		zap.String("worker_id", l.workerID),
		zap.Int("rules", len(l.rules.Rules)))
}

// Drain blocks until all spawned dispatches have finished.
func (l *Loop) Drain() {
	l.trigMu.Lock()
	if l.trigTimer != nil {
		l.trigTimer.Stop()
		l.trigTimer = nil
	}
	l.trigMu.Unlock()
	l.inflight.Wait()
}

func (l *Loop) runRule(ctx context.Context, rule protocol.ScheduleRule) {
	if rule.StartImmediately {
		l.pollOnce(ctx, rule.ScheduleModes)
	}
	interval := time.Duration(rule.IntervalSeconds) * time.Second
	if interval <= 0 {
		interval = l.windowPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if rule.WindowSpec != "" && !l.windowOpen(rule.ID) {
				continue
			}
			l.pollOnce(ctx, rule.ScheduleModes)
		}
	}
}

// OpenWindow activates a window rule for its configured duration and
// polls immediately.
func (l *Loop) OpenWindow(ruleID string) error {
	for _, rule := range l.rules.Rules {
		if rule.ID != ruleID {
			continue
		}
		if rule.WindowSpec == "" {
			return apperr.Newf(apperr.CodeBadRequest, "schedule rule %q has no window", ruleID)
		}
		d, err := schedule.WindowDuration(rule)
		if err != nil {
			return apperr.Wrap(apperr.CodeBadRequest, "invalid window", err)
		}
		until := time.Now().Add(d)
		l.winMu.Lock()
		l.windowsUntil[ruleID] = until
		l.winMu.Unlock()
		l.log.Info("schedule window opened",
			zap.String("rule_id", ruleID),
			zap.Time("until", until))
		l.pollOnce(l.currentCtx(), rule.ScheduleModes)
		return nil
	}
	return apperr.Newf(apperr.CodeNotFound, "schedule rule %q not found", ruleID)
}

func (l *Loop) windowOpen(ruleID string) bool {
	l.winMu.Lock()
	defer l.winMu.Unlock()
	return time.Now().Before(l.windowsUntil[ruleID])
}

// Trigger requests a poll soon. Calls landing inside the debounce
// window are coalesced; the eventual poll claims for the union of all
// requested modes.
func (l *Loop) Trigger(modes []string, reason string) protocol.TriggerResponse {
	l.trigMu.Lock()
	defer l.trigMu.Unlock()

	for _, m := range modes {
		l.pendingModes[m] = struct{}{}
	}
	if l.trigTimer != nil {
		return protocol.TriggerResponse{Accepted: false, Reason: "debounced"}
	}
	l.trigTimer = time.AfterFunc(TriggerDebounce, l.fireTrigger)
	l.log.Debug("pull trigger accepted", zap.String("reason", reason), zap.Strings("modes", modes))
	return protocol.TriggerResponse{Accepted: true}
}

func (l *Loop) fireTrigger() {
	l.trigMu.Lock()
	modes := make([]string, 0, len(l.pendingModes))
	for m := range l.pendingModes {
		modes = append(modes, m)
	}
	l.pendingModes = make(map[string]struct{})
	l.trigTimer = nil
	l.trigMu.Unlock()

	if len(modes) == 0 {
		modes = l.enabledModes()
	}
	sort.Strings(modes)
	l.pollOnce(l.currentCtx(), modes)
}

func (l *Loop) enabledModes() []string {
	seen := make(map[string]struct{})
	var modes []string
	for _, rule := range l.rules.Rules {
		if !rule.Enabled {
			continue
		}
		for _, m := range rule.ScheduleModes {
			if _, ok := seen[m]; !ok {
				seen[m] = struct{}{}
				modes = append(modes, m)
			}
		}
	}
	return modes
}

func (l *Loop) currentCtx() context.Context {
	l.ctxMu.Lock()
	defer l.ctxMu.Unlock()
	if l.ctx != nil {
		return l.ctx
	}
	return context.Background()
}

// pollOnce claims at most one run and spawns its dispatch. An empty
// queue releases the capacity slot immediately.
func (l *Loop) pollOnce(ctx context.Context, modes []string) {
	if ctx.Err() != nil {
		return
	}
	if !l.sem.TryAcquire(1) {
		l.log.Debug("poll skipped, at capacity")
		return
	}

	run, err := l.claimer.Claim(ctx, protocol.ClaimRequest{
		WorkerID:      l.workerID,
		LeaseSeconds:  l.leaseSeconds,
		ScheduleModes: modes,
	})
	if err != nil {
		l.sem.Release(1)
		l.log.Warn("claim failed", zap.Strings("modes", modes), zap.Error(err))
		return
	}
	if run == nil {
		l.sem.Release(1)
		return
	}

	l.log.Info("run claimed",
		zap.String("run_id", run.RunID),
		zap.String("session_id", run.SessionID),
		zap.String("schedule_mode", run.ScheduleMode))

	l.inflight.Add(1)
	go func() {
		defer l.inflight.Done()
		defer l.sem.Release(1)
		l.dispatcher.Dispatch(ctx, run)
	}()
}
