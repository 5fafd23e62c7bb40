package model

import "time"

// Counters carries engagement counters extracted from one delivery (a sweep
// page or a live update). A nil field means the delivery did not include that
// counter; merging a nil field never touches the stored value.
type Counters struct {
	Views         *int64 `json:"views,omitempty"`
	Forwards      *int64 `json:"forwards,omitempty"`
	Replies       *int64 `json:"replies,omitempty"`
	FreeReactions *int64 `json:"free_reactions,omitempty"`
	PaidReactions *int64 `json:"paid_reactions,omitempty"`
}

// CounterValues is the resolved best-known counter state of a post.
type CounterValues struct {
	Views         int64 `json:"views"`
	Forwards      int64 `json:"forwards"`
	Replies       int64 `json:"replies"`
	FreeReactions int64 `json:"free_reactions"`
	PaidReactions int64 `json:"paid_reactions"`
}

// MergeMax applies the monotonic-max rule: each present incoming counter
// raises the stored value if larger, otherwise leaves it alone. Returns true
// when at least one value changed.
func (v *CounterValues) MergeMax(in Counters) bool {
	changed := mergeInt64(&v.Views, in.Views)
	changed = mergeInt64(&v.Forwards, in.Forwards) || changed
	changed = mergeInt64(&v.Replies, in.Replies) || changed
	changed = mergeInt64(&v.FreeReactions, in.FreeReactions) || changed
	changed = mergeInt64(&v.PaidReactions, in.PaidReactions) || changed
	return changed
}

func mergeInt64(dst *int64, in *int64) bool {
	if in == nil || *in <= *dst {
		return false
	}
	*dst = *in
	return true
}

// Int64 returns a pointer to v, for building Counters literals.
func Int64(v int64) *int64 {
	return &v
}

// Post is one public post surfaced by a search sweep, keyed by
// (chat id, message id). PostNumber is the server-side message number used to
// build the public t.me link; it never changes for a given post.
type Post struct {
	ChatID      int64     `json:"chat_id"`
	MessageID   int64     `json:"message_id"`
	AlbumID     int64     `json:"album_id,omitempty"`
	PostNumber  int64     `json:"post_number"`
	URL         string    `json:"url"`
	PublishedAt time.Time `json:"published_at"`
	ContentType string    `json:"content_type"`
	Text        string    `json:"text"`
	Counters    Counters  `json:"counters"`
}

// ChannelMeta accumulates chat/channel metadata delivered in fragments across
// several calls and update kinds. Numeric fields follow the same
// monotonic-max rule as post counters; string fields are only ever replaced
// by non-empty incoming values.
type ChannelMeta struct {
	ChatID       int64  `json:"chat_id"`
	Title        string `json:"title,omitempty"`
	SupergroupID int64  `json:"supergroup_id,omitempty"`
	LinkedChatID int64  `json:"linked_chat_id,omitempty"`
	Username     string `json:"username,omitempty"`
	Description  string `json:"description,omitempty"`
	MemberCount  *int64 `json:"member_count,omitempty"`
	BoostLevel   *int64 `json:"boost_level,omitempty"`
}
