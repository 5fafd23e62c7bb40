package telegramhelper

import (
	"time"

	"github.com/zelenin/go-tdlib/client"

	"github.com/researchaccelerator-hub/telegram-post-tracker/model"
)

// ParsePost converts a TDLib message into the tracker's post model. The post
// number is the server-side message id (TDLib message ids carry it shifted
// left by 20 bits) and is what public t.me links are built from.
func ParsePost(message *client.Message, link *client.MessageLink) model.Post {
	post := model.Post{
		ChatID:      message.ChatId,
		MessageID:   message.Id,
		AlbumID:     int64(message.MediaAlbumId),
		PostNumber:  message.Id >> 20,
		PublishedAt: time.Unix(int64(message.Date), 0),
		ContentType: ContentType(message.Content),
		Text:        ExtractText(message.Content),
		Counters:    CountersFromInteraction(message.InteractionInfo),
	}
	if link != nil {
		post.URL = link.Link
	}
	return post
}

// CountersFromInteraction extracts the engagement counters present in an
// interaction-info payload. A nil payload yields all-absent counters so a
// merge cannot erase known values.
func CountersFromInteraction(info *client.MessageInteractionInfo) model.Counters {
	if info == nil {
		return model.Counters{}
	}

	counters := model.Counters{
		Views:    model.Int64(int64(info.ViewCount)),
		Forwards: model.Int64(int64(info.ForwardCount)),
	}
	if info.ReplyInfo != nil {
		counters.Replies = model.Int64(int64(info.ReplyInfo.ReplyCount))
	}
	if info.Reactions != nil {
		var free, paid int64
		for _, reaction := range info.Reactions.Reactions {
			if reaction == nil {
				continue
			}
			if _, ok := reaction.Type.(*client.ReactionTypePaid); ok {
				paid += int64(reaction.TotalCount)
			} else {
				free += int64(reaction.TotalCount)
			}
		}
		counters.FreeReactions = model.Int64(free)
		counters.PaidReactions = model.Int64(paid)
	}
	return counters
}

// ContentType tags a message content union with a short label.
func ContentType(content client.MessageContent) string {
	switch content.(type) {
	case *client.MessageText:
		return "text"
	case *client.MessagePhoto:
		return "photo"
	case *client.MessageVideo:
		return "video"
	case *client.MessageAnimation:
		return "animation"
	case *client.MessageDocument:
		return "document"
	case *client.MessageAudio:
		return "audio"
	case *client.MessageVoiceNote:
		return "voice"
	case *client.MessagePoll:
		return "poll"
	case nil:
		return ""
	default:
		return "other"
	}
}

// ExtractText pulls the message text or media caption, empty when neither
// exists.
func ExtractText(content client.MessageContent) string {
	switch c := content.(type) {
	case *client.MessageText:
		if c.Text != nil {
			return c.Text.Text
		}
	case *client.MessagePhoto:
		if c.Caption != nil {
			return c.Caption.Text
		}
	case *client.MessageVideo:
		if c.Caption != nil {
			return c.Caption.Text
		}
	case *client.MessageAnimation:
		if c.Caption != nil {
			return c.Caption.Text
		}
	case *client.MessageDocument:
		if c.Caption != nil {
			return c.Caption.Text
		}
	case *client.MessageAudio:
		if c.Caption != nil {
			return c.Caption.Text
		}
	}
	return ""
}

// MetaFromChat builds a metadata fragment from a chat object, including the
// supergroup identity when the chat is a channel/supergroup.
func MetaFromChat(chat *client.Chat) model.ChannelMeta {
	meta := model.ChannelMeta{
		ChatID: chat.Id,
		Title:  chat.Title,
	}
	if sg, ok := chat.Type.(*client.ChatTypeSupergroup); ok {
		meta.SupergroupID = sg.SupergroupId
	}
	return meta
}

// MetaFromSupergroup builds a metadata fragment from a supergroup object.
func MetaFromSupergroup(chatID int64, sg *client.Supergroup) model.ChannelMeta {
	meta := model.ChannelMeta{
		ChatID:       chatID,
		SupergroupID: sg.Id,
		MemberCount:  model.Int64(int64(sg.MemberCount)),
		BoostLevel:   model.Int64(int64(sg.BoostLevel)),
	}
	if sg.Usernames != nil {
		if len(sg.Usernames.ActiveUsernames) > 0 {
			meta.Username = sg.Usernames.ActiveUsernames[0]
		} else if sg.Usernames.EditableUsername != "" {
			meta.Username = sg.Usernames.EditableUsername
		}
	}
	return meta
}

// MetaFromFullInfo builds a metadata fragment from a supergroup full-info
// object.
func MetaFromFullInfo(chatID int64, info *client.SupergroupFullInfo) model.ChannelMeta {
	return model.ChannelMeta{
		ChatID:       chatID,
		Description:  info.Description,
		MemberCount:  model.Int64(int64(info.MemberCount)),
		LinkedChatID: info.LinkedChatId,
	}
}
