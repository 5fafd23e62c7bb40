package telegramhelper

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/zelenin/go-tdlib/client"

	"github.com/researchaccelerator-hub/telegram-post-tracker/model"
)

func TestParsePostBasics(t *testing.T) {
	message := &client.Message{
		Id:           5 << 20,
		ChatId:       -100900,
		Date:         1700000000,
		MediaAlbumId: client.JsonInt64(777),
		Content: &client.MessageText{
			Text: &client.FormattedText{Text: "breaking news"},
		},
		InteractionInfo: &client.MessageInteractionInfo{
			ViewCount:    1200,
			ForwardCount: 34,
			ReplyInfo:    &client.MessageReplyInfo{ReplyCount: 7},
		},
	}
	link := &client.MessageLink{Link: "https://t.me/example/5", IsPublic: true}

	post := ParsePost(message, link)

	assert.Equal(t, int64(-100900), post.ChatID)
	assert.Equal(t, int64(5<<20), post.MessageID)
	assert.Equal(t, int64(5), post.PostNumber)
	assert.Equal(t, int64(777), post.AlbumID)
	assert.Equal(t, "https://t.me/example/5", post.URL)
	assert.Equal(t, "text", post.ContentType)
	assert.Equal(t, "breaking news", post.Text)
	assert.Equal(t, time.Unix(1700000000, 0), post.PublishedAt)
	assert.Equal(t, int64(1200), *post.Counters.Views)
	assert.Equal(t, int64(34), *post.Counters.Forwards)
	assert.Equal(t, int64(7), *post.Counters.Replies)
}

func TestParsePostWithoutLink(t *testing.T) {
	post := ParsePost(&client.Message{Id: 1 << 20, ChatId: -1}, nil)
	assert.Empty(t, post.URL)
}

func TestCountersFromInteractionNil(t *testing.T) {
	counters := CountersFromInteraction(nil)
	assert.Nil(t, counters.Views)
	assert.Nil(t, counters.Forwards)
	assert.Nil(t, counters.Replies)
	assert.Nil(t, counters.FreeReactions)
	assert.Nil(t, counters.PaidReactions)
}

func TestCountersSplitPaidAndFreeReactions(t *testing.T) {
	info := &client.MessageInteractionInfo{
		ViewCount: 10,
		Reactions: &client.MessageReactions{
			Reactions: []*client.MessageReaction{
				{Type: &client.ReactionTypeEmoji{Emoji: "👍"}, TotalCount: 12},
				{Type: &client.ReactionTypeEmoji{Emoji: "🔥"}, TotalCount: 3},
				{Type: &client.ReactionTypePaid{}, TotalCount: 5},
			},
		},
	}

	counters := CountersFromInteraction(info)

	assert.Equal(t, int64(15), *counters.FreeReactions)
	assert.Equal(t, int64(5), *counters.PaidReactions)
	assert.Nil(t, counters.Replies)
}

func TestContentTypeAndText(t *testing.T) {
	cases := []struct {
		content  client.MessageContent
		wantType string
		wantText string
	}{
		{&client.MessageText{Text: &client.FormattedText{Text: "hi"}}, "text", "hi"},
		{&client.MessagePhoto{Caption: &client.FormattedText{Text: "pic"}}, "photo", "pic"},
		{&client.MessageVideo{Caption: &client.FormattedText{Text: "clip"}}, "video", "clip"},
		{&client.MessagePoll{}, "poll", ""},
		{&client.MessageSticker{}, "other", ""},
		{nil, "", ""},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.wantType, ContentType(tc.content))
		assert.Equal(t, tc.wantText, ExtractText(tc.content))
	}
}

func TestMetaFromChatExtractsSupergroupID(t *testing.T) {
	chat := &client.Chat{
		Id:    -100900,
		Title: "Example Channel",
		Type:  &client.ChatTypeSupergroup{SupergroupId: 900, IsChannel: true},
	}

	meta := MetaFromChat(chat)

	assert.Equal(t, int64(-100900), meta.ChatID)
	assert.Equal(t, "Example Channel", meta.Title)
	assert.Equal(t, int64(900), meta.SupergroupID)
}

func TestMetaFromSupergroupUsername(t *testing.T) {
	sg := &client.Supergroup{
		Id:          900,
		MemberCount: 4200,
		BoostLevel:  2,
		Usernames:   &client.Usernames{ActiveUsernames: []string{"example"}},
	}

	meta := MetaFromSupergroup(-100900, sg)

	assert.Equal(t, "example", meta.Username)
	assert.Equal(t, int64(4200), *meta.MemberCount)
	assert.Equal(t, int64(2), *meta.BoostLevel)

	meta = MetaFromSupergroup(-100900, &client.Supergroup{Id: 900})
	assert.Empty(t, meta.Username)
	assert.Equal(t, model.Int64(0), meta.MemberCount)
}

var errBalance = errors.New("400 BALANCE_TOO_LOW")

func TestIsBalanceTooLow(t *testing.T) {
	assert.False(t, IsBalanceTooLow(nil))
	assert.False(t, IsBalanceTooLow(assert.AnError))
	assert.True(t, IsBalanceTooLow(errBalance))
}
