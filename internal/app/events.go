package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"webtaskd/internal/eventbus"
	"webtaskd/internal/notifier"
	"webtaskd/internal/sched"
	"webtaskd/internal/storage"
	kit "webtaskd/internal/transport"
	logx "webtaskd/pkg/logx"
)

// runEventLog mirrors bus traffic into debug logs. Components log their own
// actions; this is a single low-noise place to see event flow during
// debugging.
func (a *App) runEventLog(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
		}
	}
}

// runAlerts turns queue lifecycle events into operator alerts. Only failures
// and queue saturation alert; completions stay quiet. The notifier's dedup
// window keeps repeated identical failures from flooding the chat.
func (a *App) runAlerts(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			a.alertFor(ctx, e)
		}
	}
}

func (a *App) alertFor(ctx context.Context, e eventbus.Event) {
	ev, ok := e.Data.(sched.ExecutionEvent)
	if !ok {
		return
	}
	var text string
	switch e.Type {
	case sched.EventExecutionFailed:
		text = fmt.Sprintf("execution failed\ntask: %s\nqueue id: %s\nstatus: %s\nerror: %s",
			ev.TaskID, ev.QueueID, ev.Status, ev.Error)
	case sched.EventQueueFull:
		text = fmt.Sprintf("execution queue full\nrejected task: %s\npending: %d, active: %d",
			ev.TaskID, ev.Pending, ev.Active)
	default:
		return
	}

	chatID, threadID, ok := a.alertTarget()
	if !ok {
		return
	}
	err := a.notif.Notify(ctx, kit.Notification{
		Channel:  "telegram",
		Priority: 7,
		Target:   kit.ChatTarget{ChatID: chatID, ThreadID: threadID},
		Text:     text,
	})
	if err != nil && !errors.Is(err, notifier.ErrDisabled) && !errors.Is(err, notifier.ErrStopped) {
		a.log.Debug("alert enqueue failed", logx.String("event", e.Type), logx.Err(err))
	}
}

// runAudit appends terminal and saturation events to the audit trail. Queued
// and started transitions are skipped; the enqueue itself is audited by the
// dispatcher with the real actor.
func (a *App) runAudit(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			a.auditFor(e)
		}
	}
}

func (a *App) auditFor(e eventbus.Event) {
	switch e.Type {
	case sched.EventExecutionCompleted, sched.EventExecutionFailed,
		sched.EventExecutionCancelled, sched.EventQueueFull:
	default:
		return
	}
	ev, ok := e.Data.(sched.ExecutionEvent)
	if !ok {
		return
	}

	entry := storage.AuditEntry{
		At:          e.Time,
		Actor:       "system",
		Action:      e.Type,
		QueueID:     ev.QueueID,
		ExecutionID: ev.ExecutionID,
		TaskID:      ev.TaskID,
		Error:       ev.Error,
	}
	switch e.Type {
	case sched.EventExecutionCompleted:
		entry.OK = 1
	case sched.EventExecutionFailed, sched.EventQueueFull:
		entry.Fail = 1
	}

	// Audit writes run on their own budget so a cancelled run context cannot
	// lose the trailing entries of a shutdown.
	wctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	if err := a.store.AppendAudit(wctx, entry); err != nil {
		a.log.Debug("audit append failed", logx.String("action", e.Type), logx.Err(err))
	}
	cancel()
}
