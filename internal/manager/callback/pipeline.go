// Package callback is the Manager side of the callback pipeline:
// sanitize executor callbacks, forward them to the Backend, and kick
// off the terminal-state work (workspace export, container release,
// next claim).
package callback

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/runloom/runloom/internal/common/logger"
	"github.com/runloom/runloom/internal/manifest"
	"github.com/runloom/runloom/internal/protocol"
)

// Forwarder relays sanitized callbacks to the Backend.
type Forwarder interface {
	ForwardCallback(ctx context.Context, cb *protocol.Callback) error
}

// Exporter uploads a session workspace after a terminal callback.
type Exporter interface {
	Export(ctx context.Context, sessionID string, terminal *protocol.Callback)
}

// ContainerPool releases the session's container on terminal states.
type ContainerPool interface {
	OnTaskComplete(ctx context.Context, sessionID string)
}

// PullTrigger nudges the pull loop once capacity frees up.
type PullTrigger interface {
	Trigger(modes []string, reason string) protocol.TriggerResponse
}

// Pipeline processes executor callbacks.
type Pipeline struct {
	forwarder Forwarder
	exporter  Exporter
	pool      ContainerPool
	trigger   PullTrigger

	ignoreNames   map[string]struct{}
	includeHidden bool
	log           *logger.Logger
}

// New creates a pipeline. ignore lists the directory and file names
// excluded from forwarded file_changes; hidden files are excluded too
// unless includeHidden is set.
func New(forwarder Forwarder, exporter Exporter, pool ContainerPool, trigger PullTrigger, ignore []string, includeHidden bool, log *logger.Logger) *Pipeline {
	names := make(map[string]struct{}, len(ignore))
	for _, n := range ignore {
		names[n] = struct{}{}
	}
	return &Pipeline{
		forwarder:     forwarder,
		exporter:      exporter,
		pool:          pool,
		trigger:       trigger,
		ignoreNames:   names,
		includeHidden: includeHidden,
		log:           log.WithFields(zap.String("component", "callback_pipeline")),
	}
}

// Process sanitizes and forwards one callback. Terminal callbacks also
// spawn the workspace export, release the container, and trigger the
// pull loop.
func (p *Pipeline) Process(ctx context.Context, cb *protocol.Callback) error {
	terminal := protocol.TerminalStatus(cb.Status)
	log := p.log.WithSessionID(cb.SessionID).WithFields(
		zap.String("status", cb.Status),
		zap.Int("progress", cb.Progress))
	if terminal {
		log.Info("executor callback received")
	} else {
		log.Debug("executor callback received")
	}

	p.filterStatePatch(cb)

	forwarded := *cb
	if terminal {
		// The export has not run yet; tell clients it is on the way.
		forwarded.WorkspaceExportStatus = protocol.ExportStatusPending
	}
	if err := p.forwarder.ForwardCallback(ctx, &forwarded); err != nil {
		log.WithError(err).Error("callback forward failed")
		return err
	}

	if terminal {
		exportCtx := context.WithoutCancel(ctx)
		go p.exporter.Export(exportCtx, cb.SessionID, cb)
		p.pool.OnTaskComplete(ctx, cb.SessionID)
		p.trigger.Trigger(nil, "task_complete")
	}
	return nil
}

// filterStatePatch drops ignored and malformed file_changes entries and
// recomputes the totals from what remains.
func (p *Pipeline) filterStatePatch(cb *protocol.Callback) {
	if cb.StatePatch == nil || cb.StatePatch.Workspace == nil {
		return
	}
	ws := cb.StatePatch.Workspace

	kept := ws.FileChanges[:0]
	added, deleted := 0, 0
	for _, fc := range ws.FileChanges {
		normalized, ok := manifest.NormalizePath(fc.Path)
		if !ok || !p.pathAllowed(normalized) {
			continue
		}
		fc.Path = strings.TrimPrefix(normalized, "/")
		kept = append(kept, fc)
		added += fc.AddedLines
		deleted += fc.DeletedLines
	}
	ws.FileChanges = kept
	ws.TotalAddedLines = added
	ws.TotalDeletedLines = deleted
}

func (p *Pipeline) pathAllowed(normalized string) bool {
	for _, segment := range strings.Split(strings.TrimPrefix(normalized, "/"), "/") {
		if _, ignored := p.ignoreNames[segment]; ignored {
			return false
		}
		if !p.includeHidden && strings.HasPrefix(segment, ".") {
			return false
		}
	}
	return true
}
