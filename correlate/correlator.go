// Package correlate consumes a session's asynchronous update stream and
// applies the events that concern posts the current sweep has in flight.
// Everything else is discarded.
package correlate

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/zelenin/go-tdlib/client"

	"github.com/researchaccelerator-hub/telegram-post-tracker/model"
	"github.com/researchaccelerator-hub/telegram-post-tracker/store"
	"github.com/researchaccelerator-hub/telegram-post-tracker/sweep"
	"github.com/researchaccelerator-hub/telegram-post-tracker/telegramhelper"
)

// Correlator filters live updates against the sweep context and writes the
// surviving ones through the store.
type Correlator struct {
	Ctx   *sweep.Context
	Store *store.Store
}

// New builds a correlator over the shared sweep context and store.
func New(sctx *sweep.Context, st *store.Store) *Correlator {
	return &Correlator{Ctx: sctx, Store: st}
}

// Run consumes updates until the channel closes (session detached) or the
// context is cancelled. It never returns an error: individual event failures
// are logged and skipped.
func (c *Correlator) Run(ctx context.Context, updates <-chan client.Type) {
	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			c.Handle(update)
		}
	}
}

// Handle dispatches one update by shape. Exported so tests can feed
// synthetic events without a live connection.
func (c *Correlator) Handle(update client.Type) {
	switch u := update.(type) {
	case *client.UpdateNewChat:
		c.handleChat(u.Chat)
	case *client.UpdateSupergroup:
		c.handleSupergroup(u.Supergroup)
	case *client.UpdateSupergroupFullInfo:
		c.handleSupergroupFullInfo(u.SupergroupId, u.SupergroupFullInfo)
	case *client.UpdateMessageInteractionInfo:
		c.handleInteraction(u.ChatId, u.MessageId, u.InteractionInfo)
	case *client.UpdateNewMessage:
		c.handleMessage(u.Message)
	case *client.UpdateMessageContent:
		c.handleContent(u.ChatId, u.MessageId, u.NewContent)
	}
}

func (c *Correlator) handleChat(chat *client.Chat) {
	if chat == nil || !c.Ctx.IsTarget(chat.Id) {
		return
	}
	meta := telegramhelper.MetaFromChat(chat)
	if meta.SupergroupID != 0 {
		c.Ctx.MapSupergroup(meta.SupergroupID, chat.Id)
	}
	if err := c.Store.UpsertChat(meta); err != nil {
		log.Error().Err(err).Int64("chat_id", chat.Id).Msg("Failed to merge chat update")
	}
}

func (c *Correlator) handleSupergroup(sg *client.Supergroup) {
	if sg == nil {
		return
	}
	chatID, ok := c.Ctx.ChatForSupergroup(sg.Id)
	if !ok || !c.Ctx.IsTarget(chatID) {
		return
	}
	if err := c.Store.UpsertChat(telegramhelper.MetaFromSupergroup(chatID, sg)); err != nil {
		log.Error().Err(err).Int64("chat_id", chatID).Msg("Failed to merge supergroup update")
	}
}

func (c *Correlator) handleSupergroupFullInfo(supergroupID int64, info *client.SupergroupFullInfo) {
	if info == nil {
		return
	}
	chatID, ok := c.Ctx.ChatForSupergroup(supergroupID)
	if !ok || !c.Ctx.IsTarget(chatID) {
		return
	}
	if err := c.Store.UpsertChat(telegramhelper.MetaFromFullInfo(chatID, info)); err != nil {
		log.Error().Err(err).Int64("chat_id", chatID).Msg("Failed to merge supergroup full info update")
	}
}

// handleInteraction applies a counters-only event for one post, accepted
// only while that post is in flight.
func (c *Correlator) handleInteraction(chatID, messageID int64, info *client.MessageInteractionInfo) {
	if !c.Ctx.InFlight(chatID, messageID) {
		return
	}
	c.applyCounters(chatID, messageID, telegramhelper.CountersFromInteraction(info))
}

// handleMessage applies a full post event, filtered by in-flight membership
// like any counters event. Album members that lost dedup are dropped too.
func (c *Correlator) handleMessage(message *client.Message) {
	if message == nil || !c.Ctx.InFlight(message.ChatId, message.Id) {
		return
	}
	if message.MediaAlbumId != 0 && !c.Ctx.KeepAlbum(message.ChatId, int64(message.MediaAlbumId), message.Id) {
		return
	}

	post := telegramhelper.ParsePost(message, nil)
	vals, _, err := c.Store.UpsertPost(post)
	if err != nil {
		log.Error().Err(err).Int64("message_id", message.Id).Msg("Failed to merge full post update")
		return
	}
	c.snapshot(message.ChatId, message.Id, vals)
}

func (c *Correlator) handleContent(chatID, messageID int64, content client.MessageContent) {
	if !c.Ctx.InFlight(chatID, messageID) {
		return
	}
	post := model.Post{
		ChatID:      chatID,
		MessageID:   messageID,
		ContentType: telegramhelper.ContentType(content),
		Text:        telegramhelper.ExtractText(content),
	}
	if _, _, err := c.Store.UpsertPost(post); err != nil {
		log.Error().Err(err).Int64("message_id", messageID).Msg("Failed to merge content update")
	}
}

func (c *Correlator) applyCounters(chatID, messageID int64, counters model.Counters) {
	vals, changed, err := c.Store.UpsertPost(model.Post{
		ChatID:    chatID,
		MessageID: messageID,
		Counters:  counters,
	})
	if err != nil {
		log.Error().Err(err).Int64("message_id", messageID).Msg("Failed to apply counter update")
		return
	}
	if changed {
		c.snapshot(chatID, messageID, vals)
	}
}

func (c *Correlator) snapshot(chatID, messageID int64, vals model.CounterValues) {
	if _, err := c.Store.RecordSnapshot(c.Ctx.RunID(), chatID, messageID, vals, time.Now()); err != nil {
		log.Error().Err(err).Int64("message_id", messageID).Msg("Failed to record snapshot from update")
	}
}
