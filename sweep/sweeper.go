package sweep

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/zelenin/go-tdlib/client"

	"github.com/researchaccelerator-hub/telegram-post-tracker/common"
	"github.com/researchaccelerator-hub/telegram-post-tracker/crawler"
	"github.com/researchaccelerator-hub/telegram-post-tracker/store"
	"github.com/researchaccelerator-hub/telegram-post-tracker/telegramhelper"
)

// Options configures one sweep.
type Options struct {
	Query     string
	PageSize  int32
	StarCount int64 // 0 for free mode, the per-call cost for paid mode
	PageDelay time.Duration
}

// Result summarizes one sweep for scheduling decisions.
type Result struct {
	Pages               int
	Posts               int
	OldestSeen          time.Time
	LimitsExhausted     bool
	InsufficientBalance bool
}

// Sweeper runs paginated search sweeps, persisting every surfaced post and
// marking it in flight for the correlator.
type Sweeper struct {
	Client crawler.TDLibClient
	Store  *store.Store
	Ctx    *Context
}

// Run drives the search call from an empty cursor until the platform returns
// an empty continuation, signals quota exhaustion, or reports insufficient
// balance. Balance exhaustion is a scheduling outcome, not an error. The
// inter-page delay is interrupted immediately on cancellation.
func (s *Sweeper) Run(ctx context.Context, runID int64, opts Options) (Result, error) {
	var res Result
	offset := ""

	s.Ctx.BeginSweep(runID)

	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		found, err := s.Client.SearchPublicPosts(&crawler.SearchPublicPostsRequest{
			Query:     opts.Query,
			Offset:    offset,
			Limit:     opts.PageSize,
			StarCount: opts.StarCount,
		})
		if err != nil {
			if telegramhelper.IsBalanceTooLow(err) {
				log.Warn().Str("query", opts.Query).Msg("Star balance too low, aborting paid sweep")
				res.InsufficientBalance = true
				return res, nil
			}
			return res, err
		}

		res.Pages++
		for _, message := range found.Messages {
			if message == nil {
				continue
			}
			s.handleMessage(runID, message, &res)
		}

		log.Info().
			Int("page", res.Pages).
			Int("posts", len(found.Messages)).
			Time("oldest_seen", res.OldestSeen).
			Msg("Processed sweep page")

		if found.AreLimitsExceeded {
			res.LimitsExhausted = true
			return res, nil
		}
		offset = found.NextOffset
		if offset == "" {
			return res, nil
		}

		if err := common.SleepCtx(ctx, opts.PageDelay); err != nil {
			return res, err
		}
	}
}

// handleMessage persists one surfaced post: album dedup, first-sight chat
// resolution, upsert, in-flight marking and the change-triggered snapshot.
func (s *Sweeper) handleMessage(runID int64, message *client.Message, res *Result) {
	if message.MediaAlbumId != 0 {
		if !s.Ctx.KeepAlbum(message.ChatId, int64(message.MediaAlbumId), message.Id) {
			log.Debug().
				Int64("chat_id", message.ChatId).
				Int64("message_id", message.Id).
				Msg("Dropping non-canonical album member")
			return
		}
	}

	s.Ctx.MarkTarget(message.ChatId)
	s.resolveChat(message.ChatId)

	link, err := s.Client.GetMessageLink(&client.GetMessageLinkRequest{
		ChatId:    message.ChatId,
		MessageId: message.Id,
	})
	if err != nil {
		log.Warn().Err(err).Int64("message_id", message.Id).Msg("Failed to get message link")
	}

	post := telegramhelper.ParsePost(message, link)
	if res.OldestSeen.IsZero() || post.PublishedAt.Before(res.OldestSeen) {
		res.OldestSeen = post.PublishedAt
	}

	vals, _, err := s.Store.UpsertPost(post)
	if err != nil {
		log.Error().Err(err).Int64("chat_id", post.ChatID).Int64("message_id", post.MessageID).Msg("Failed to upsert post")
		return
	}
	s.Ctx.MarkInFlight(post.ChatID, post.MessageID)
	res.Posts++

	if _, err := s.Store.RecordSnapshot(runID, post.ChatID, post.MessageID, vals, time.Now()); err != nil {
		log.Error().Err(err).Int64("message_id", post.MessageID).Msg("Failed to record metric snapshot")
	}
}

// resolveChat fetches chat and supergroup metadata the first time a chat is
// seen. Failures degrade gracefully: the chat stays without a resolved
// handle and processing continues.
func (s *Sweeper) resolveChat(chatID int64) {
	if !s.Ctx.MarkResolved(chatID) {
		return
	}

	chat, err := s.Client.GetChat(&client.GetChatRequest{ChatId: chatID})
	if err != nil {
		log.Warn().Err(err).Int64("chat_id", chatID).Msg("Failed to fetch chat metadata")
		return
	}

	meta := telegramhelper.MetaFromChat(chat)
	if err := s.Store.UpsertChat(meta); err != nil {
		log.Error().Err(err).Int64("chat_id", chatID).Msg("Failed to upsert chat")
	}

	if meta.SupergroupID == 0 {
		return
	}
	s.Ctx.MapSupergroup(meta.SupergroupID, chatID)

	supergroup, err := s.Client.GetSupergroup(&client.GetSupergroupRequest{SupergroupId: meta.SupergroupID})
	if err != nil {
		log.Warn().Err(err).Int64("chat_id", chatID).Msg("Failed to fetch supergroup metadata")
		return
	}
	if err := s.Store.UpsertChat(telegramhelper.MetaFromSupergroup(chatID, supergroup)); err != nil {
		log.Error().Err(err).Int64("chat_id", chatID).Msg("Failed to upsert supergroup metadata")
	}

	fullInfo, err := s.Client.GetSupergroupFullInfo(&client.GetSupergroupFullInfoRequest{SupergroupId: meta.SupergroupID})
	if err != nil {
		log.Warn().Err(err).Int64("chat_id", chatID).Msg("Failed to fetch supergroup full info")
		return
	}
	if err := s.Store.UpsertChat(telegramhelper.MetaFromFullInfo(chatID, fullInfo)); err != nil {
		log.Error().Err(err).Int64("chat_id", chatID).Msg("Failed to upsert supergroup full info")
	}
}
