// Package sweep drives one paginated search sweep against an open session
// and owns the transient state shared between the sweep path and the update
// correlator.
package sweep

import "sync"

// Context is the mutable state of the capture pipeline: which chats the
// current sweep targets, which posts are in flight (accepting live counter
// updates), the album dedup keeper, and the per-session chat resolution
// cache. One Context lives for the whole process; the in-flight set is
// rebuilt every sweep. All access is serialized by the internal mutex since
// the sweep loop and the correlator run on different goroutines.
type Context struct {
	mu sync.Mutex

	runID      int64
	targets    map[int64]bool
	inflight   map[int64]map[int64]bool
	albumFirst map[int64]map[int64]int64
	resolved   map[int64]bool
	sgToChat   map[int64]int64
}

// NewContext builds an empty sweep context.
func NewContext() *Context {
	return &Context{
		targets:    make(map[int64]bool),
		inflight:   make(map[int64]map[int64]bool),
		albumFirst: make(map[int64]map[int64]int64),
		resolved:   make(map[int64]bool),
		sgToChat:   make(map[int64]int64),
	}
}

// BeginSweep resets the in-flight set for a new sweep and records the run id
// live updates should be attributed to. Targets, album keeper and the
// resolution cache survive across sweeps.
func (c *Context) BeginSweep(runID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runID = runID
	c.inflight = make(map[int64]map[int64]bool)
}

// RunID returns the run id of the sweep currently in progress.
func (c *Context) RunID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runID
}

// MarkTarget registers a chat as discovered by the sweep.
func (c *Context) MarkTarget(chatID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.targets[chatID] = true
}

// IsTarget reports whether a chat belongs to the sweep's discovered set.
func (c *Context) IsTarget(chatID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.targets[chatID]
}

// MarkInFlight registers a post as willing to accept live counter updates.
func (c *Context) MarkInFlight(chatID, messageID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	set := c.inflight[chatID]
	if set == nil {
		set = make(map[int64]bool)
		c.inflight[chatID] = set
	}
	set[messageID] = true
}

// InFlight reports whether a post was surfaced by the current sweep.
func (c *Context) InFlight(chatID, messageID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inflight[chatID][messageID]
}

// KeepAlbum remembers the first message id seen for a grouped-media album and
// reports whether messageID is the canonical one. Any later message id under
// the same album is dropped.
func (c *Context) KeepAlbum(chatID, albumID, messageID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	albums := c.albumFirst[chatID]
	if albums == nil {
		albums = make(map[int64]int64)
		c.albumFirst[chatID] = albums
	}
	first, seen := albums[albumID]
	if !seen {
		albums[albumID] = messageID
		return true
	}
	return first == messageID
}

// ResetSession clears the chat resolution cache. A new session's client has
// not seen any chat objects yet, so metadata must be re-fetched on first
// sight even for chats an earlier session resolved.
func (c *Context) ResetSession() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resolved = make(map[int64]bool)
}

// MarkResolved returns true exactly once per chat, gating the on-demand
// metadata fetch so a chat is never re-fetched within the session lifetime.
func (c *Context) MarkResolved(chatID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.resolved[chatID] {
		return false
	}
	c.resolved[chatID] = true
	return true
}

// MapSupergroup records the supergroup→chat identity link so events carrying
// only a supergroup id can be attributed to their chat.
func (c *Context) MapSupergroup(supergroupID, chatID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sgToChat[supergroupID] = chatID
}

// ChatForSupergroup resolves a supergroup id back to its chat id.
func (c *Context) ChatForSupergroup(supergroupID int64) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	chatID, ok := c.sgToChat[supergroupID]
	return chatID, ok
}
