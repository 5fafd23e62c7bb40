// Package crawler declares the slice of the TDLib surface the tracker
// consumes, including the public-post-search calls the binding does not
// generate typed wrappers for yet.
package crawler

import "github.com/zelenin/go-tdlib/client"

// SearchPublicPostsRequest carries the parameters of the searchPublicPosts
// call. StarCount is zero for free-quota queries and the per-call cost for
// paid ones.
type SearchPublicPostsRequest struct {
	Query     string `json:"query"`
	Offset    string `json:"offset"`
	Limit     int32  `json:"limit"`
	StarCount int64  `json:"star_count"`
}

// FoundPublicPosts is one page of searchPublicPosts results. An empty
// NextOffset means the result set is exhausted.
type FoundPublicPosts struct {
	Messages          []*client.Message `json:"messages"`
	NextOffset        string            `json:"next_offset"`
	AreLimitsExceeded bool              `json:"are_limits_exceeded"`
}

// PublicPostSearchLimits is the quota state reported by
// getPublicPostSearchLimits.
type PublicPostSearchLimits struct {
	DailyFreeQueryCount     int32 `json:"daily_free_query_count"`
	RemainingFreeQueryCount int32 `json:"remaining_free_query_count"`
	NextFreeQueryIn         int32 `json:"next_free_query_in"`
	StarCount               int64 `json:"star_count"`
}

// TDLibClient is the slice of the TDLib surface the tracker consumes. The
// method names are the wire contract; mocks implement this for tests.
type TDLibClient interface {
	SearchPublicPosts(req *SearchPublicPostsRequest) (*FoundPublicPosts, error)
	GetPublicPostSearchLimits() (*PublicPostSearchLimits, error)
	GetChat(req *client.GetChatRequest) (*client.Chat, error)
	GetSupergroup(req *client.GetSupergroupRequest) (*client.Supergroup, error)
	GetSupergroupFullInfo(req *client.GetSupergroupFullInfoRequest) (*client.SupergroupFullInfo, error)
	GetMessageLink(req *client.GetMessageLinkRequest) (*client.MessageLink, error)
	GetMe() (*client.User, error)
	GetStarTransactions(req *client.GetStarTransactionsRequest) (*client.StarTransactions, error)
	Close() (*client.Ok, error)
}
