// Package coordinator turns raw server messages into deduplicated,
// multi-channel completion notifications.
package coordinator

import (
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/panicsense/panicwatch/internal/applog"
	"github.com/panicsense/panicwatch/internal/bus"
	"github.com/panicsense/panicwatch/internal/flags"
	"github.com/panicsense/panicwatch/internal/types"
)

// fallbackTotal stands in for the progress total when the server did not
// report one; the forced final progress then reads 100/100.
const fallbackTotal = 100

// Coordinator deduplicates upload-complete messages inside a fixed window
// and fans accepted completions out over the bus and the flag store. The
// durable completion timestamp doubles as a version token: it is advanced
// with compare-and-swap, and the delayed cleanup only clears flags while
// the token it was scheduled under is still current.
type Coordinator struct {
	store  flags.Store
	bus    *bus.Bus
	source string

	window       time.Duration
	releaseDelay time.Duration
	cleanupDelay time.Duration
	finalDelay   time.Duration
	now          func() time.Time

	// OnAccept, if set, is called for every accepted completion.
	OnAccept func(msg types.ServerMsg, acceptedAt time.Time)

	mu           sync.Mutex
	cleanup      *time.Timer
	cleanupToken string
}

// New creates a Coordinator with the production delays: a 10s dedup
// window, 500ms topic release, 3s cleanup and 200ms final release.
func New(store flags.Store, b *bus.Bus, source string) *Coordinator {
	return &Coordinator{
		store:        store,
		bus:          b,
		source:       source,
		window:       10 * time.Second,
		releaseDelay: 500 * time.Millisecond,
		cleanupDelay: 3 * time.Second,
		finalDelay:   200 * time.Millisecond,
		now:          time.Now,
	}
}

// Handle routes one decoded server message. Non-completion messages are
// forwarded to generic subscribers; only the completion sentinel gets the
// dedup-and-broadcast treatment.
func (c *Coordinator) Handle(msg types.ServerMsg) {
	switch msg.Type {
	case types.MsgUploadComplete:
		c.acceptCompletion(msg)
	case types.MsgUploadProgress:
		c.trackProgress(msg)
	case types.MsgPostAnalyzed:
		c.bus.Publish(types.TopicUploadStatus, msg)
	default:
		applog.Info("coordinator.skip", "type", msg.Type)
	}
}

// trackProgress mirrors in-flight upload state into the durable flags so
// a consumer that missed every broadcast can still read the state, and
// republishes the progress for live subscribers.
func (c *Coordinator) trackProgress(msg types.ServerMsg) {
	c.setFlag(flags.KeyIsUploading, "true")
	if msg.SessionID != "" {
		c.setFlag(flags.KeyUploadSessionID, msg.SessionID)
	}
	if msg.Progress != nil {
		if data, err := json.Marshal(msg.Progress); err == nil {
			c.setFlag(flags.KeyUploadProgress, string(data))
		}
	}

	c.bus.Publish(types.TopicUploadStatus, types.StatusEvent{
		Type:      types.MsgUploadProgress,
		Progress:  msg.Progress,
		Timestamp: c.now().UnixMilli(),
		Source:    c.source,
	})
}

func (c *Coordinator) acceptCompletion(msg types.ServerMsg) {
	rawLast, err := c.store.Get(flags.KeyUploadCompletedTimestamp)
	if err != nil {
		applog.Error("complete.read", err)
	}
	last, _ := strconv.ParseInt(rawLast, 10, 64)

	// An absent key means no completion was ever accepted; the window
	// only applies once a previous timestamp exists.
	acceptedAt := c.now()
	now := acceptedAt.UnixMilli()
	if rawLast != "" && now-last <= c.window.Milliseconds() {
		applog.Info("complete.duplicate", "ts", now, "last", last)
		return
	}

	token := strconv.FormatInt(now, 10)
	swapped, err := c.store.CompareAndSwap(flags.KeyUploadCompletedTimestamp, rawLast, token)
	if err != nil {
		applog.Error("complete.cas", err)
		return
	}
	if !swapped {
		// Another writer accepted a completion between the read and the
		// swap; that writer owns the broadcast.
		applog.Info("complete.lost_race", "ts", now)
		return
	}
	c.setFlag(flags.KeyUploadCompleted, "true")

	applog.Info("complete.accepted", "ts", now)

	status := c.bus.Open(types.TopicUploadStatus)
	if err := status.Post(types.StatusEvent{
		Type:       types.EventUploadComplete,
		Progress:   forceComplete(msg.Progress),
		IsComplete: true,
		Timestamp:  now,
		Source:     c.source,
	}); err != nil {
		applog.Error("complete.post_status", err)
	}
	status.ReleaseAfter(c.releaseDelay)

	completion := c.bus.Open(types.TopicUploadCompletion)
	if err := completion.Post(types.CompletionEvent{
		Type:      types.EventAnalysisComplete,
		Timestamp: now,
		Source:    c.source,
	}); err != nil {
		applog.Error("complete.post_completion", err)
	}
	completion.ReleaseAfter(c.releaseDelay)

	c.scheduleCleanup(token)

	if c.OnAccept != nil {
		c.OnAccept(msg, acceptedAt)
	}
}

// scheduleCleanup arms the delayed flag cleanup for this token and
// cancels any cleanup still pending from an earlier completion.
func (c *Coordinator) scheduleCleanup(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cleanup != nil {
		if c.cleanup.Stop() {
			applog.Info("cleanup.cancelled")
		}
	}
	c.cleanup = time.AfterFunc(c.cleanupDelay, func() { c.runCleanup(token) })
	c.cleanupToken = token
}

// Flush runs a pending cleanup immediately instead of waiting out the
// delay, so a short-lived command exits with the in-progress flags
// already cleared. A cleanup that fired or was never scheduled is a
// no-op.
func (c *Coordinator) Flush() {
	c.mu.Lock()
	timer := c.cleanup
	token := c.cleanupToken
	c.cleanup = nil
	c.mu.Unlock()
	if timer != nil && timer.Stop() {
		c.runCleanup(token)
	}
}

// runCleanup posts the final finished event and clears the in-progress
// flags, but only while this invocation's token is still the current one.
// Stop is not a guarantee for an already-fired timer, so the token check
// stays as the second guard.
func (c *Coordinator) runCleanup(token string) {
	status := c.bus.Open(types.TopicUploadStatus)
	if err := status.Post(types.StatusEvent{
		Type:       types.EventUploadFinished,
		IsComplete: true,
		Timestamp:  c.now().UnixMilli(),
		Source:     c.source,
	}); err != nil {
		applog.Error("cleanup.post", err)
	}
	status.ReleaseAfter(c.finalDelay)

	current, err := c.store.Get(flags.KeyUploadCompletedTimestamp)
	if err != nil {
		applog.Error("cleanup.read", err)
		return
	}
	if current != token {
		applog.Info("cleanup.stale", "token", token, "current", current)
		return
	}

	for _, key := range []string{flags.KeyIsUploading, flags.KeyUploadProgress, flags.KeyUploadSessionID} {
		if err := c.store.Delete(key); err != nil {
			applog.Error("cleanup.clear", err, "key", key)
		}
	}
	applog.Info("cleanup.done", "token", token)
}

func (c *Coordinator) setFlag(key, value string) {
	if err := c.store.Set(key, value); err != nil {
		applog.Error("flags.set", err, "key", key)
	}
}

// forceComplete rewrites a progress report to represent 100% completion
// regardless of what the server said.
func forceComplete(p *types.Progress) *types.Progress {
	total := fallbackTotal
	if p != nil && p.Total > 0 {
		total = p.Total
	}
	return &types.Progress{
		Processed: total,
		Total:     total,
		Stage:     types.StageComplete,
	}
}
