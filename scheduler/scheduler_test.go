package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zelenin/go-tdlib/client"
	"gorm.io/gorm"

	"github.com/researchaccelerator-hub/telegram-post-tracker/account"
	"github.com/researchaccelerator-hub/telegram-post-tracker/common"
	"github.com/researchaccelerator-hub/telegram-post-tracker/crawler"
	"github.com/researchaccelerator-hub/telegram-post-tracker/store"
)

// scriptClient answers the RPC surface with canned values. One instance is
// bound per account so tests can observe which account's session served
// which call.
type scriptClient struct {
	limits    crawler.PublicPostSearchLimits
	balance   int64
	searchErr error
	page      crawler.FoundPublicPosts

	searches int
	closed   bool
}

func (c *scriptClient) SearchPublicPosts(req *crawler.SearchPublicPostsRequest) (*crawler.FoundPublicPosts, error) {
	c.searches++
	if c.searchErr != nil {
		return nil, c.searchErr
	}
	page := c.page
	return &page, nil
}

func (c *scriptClient) GetPublicPostSearchLimits() (*crawler.PublicPostSearchLimits, error) {
	limits := c.limits
	return &limits, nil
}

func (c *scriptClient) GetChat(req *client.GetChatRequest) (*client.Chat, error) {
	return &client.Chat{Id: req.ChatId, Title: "canned"}, nil
}

func (c *scriptClient) GetSupergroup(req *client.GetSupergroupRequest) (*client.Supergroup, error) {
	return &client.Supergroup{Id: req.SupergroupId}, nil
}

func (c *scriptClient) GetSupergroupFullInfo(req *client.GetSupergroupFullInfoRequest) (*client.SupergroupFullInfo, error) {
	return &client.SupergroupFullInfo{}, nil
}

func (c *scriptClient) GetMessageLink(req *client.GetMessageLinkRequest) (*client.MessageLink, error) {
	return &client.MessageLink{Link: fmt.Sprintf("https://t.me/c/%d/%d", req.ChatId, req.MessageId)}, nil
}

func (c *scriptClient) GetMe() (*client.User, error) {
	return &client.User{Id: 1}, nil
}

func (c *scriptClient) GetStarTransactions(req *client.GetStarTransactionsRequest) (*client.StarTransactions, error) {
	return &client.StarTransactions{StarCount: c.balance}, nil
}

func (c *scriptClient) Close() (*client.Ok, error) {
	c.closed = true
	return &client.Ok{}, nil
}

// scriptService hands each account its own script client.
type scriptService struct {
	clients map[string]*scriptClient
	opened  []string
}

func (s *scriptService) InitializeClient(acct *account.Account, verbosity int32) (crawler.TDLibClient, error) {
	c, ok := s.clients[acct.Name]
	if !ok {
		return nil, fmt.Errorf("no script client for account %s", acct.Name)
	}
	s.opened = append(s.opened, acct.Name)
	return c, nil
}

func (s *scriptService) Listen(tdlibClient crawler.TDLibClient) (<-chan client.Type, func(), error) {
	updates := make(chan client.Type)
	return updates, func() {}, nil
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	st, err := store.New(db)
	require.NoError(t, err)
	return st
}

func testConfig() common.TrackerConfig {
	return common.TrackerConfig{
		Query:            "q",
		PageSize:         50,
		PageDelay:        0,
		SweepInterval:    time.Hour,
		MaxStarsPerQuery: 50,
	}
}

// waitFor polls a mutex-safe observation until it holds or the deadline
// passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}

func runScheduler(t *testing.T, s *Scheduler) (cancel func(), wait func() error) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()
	return stop, func() error {
		select {
		case err := <-errCh:
			return err
		case <-time.After(5 * time.Second):
			t.Fatal("scheduler did not stop in time")
			return nil
		}
	}
}

func TestDecide(t *testing.T) {
	now := time.Now()

	t.Run("active keeps its turn while free quota remains", func(t *testing.T) {
		reg := account.NewRegistry("",
			&account.Account{Name: "A", RemainingFree: 2},
			&account.Account{Name: "B", RemainingFree: 5},
		)
		d := decide(reg, 0, 50, now)
		assert.Equal(t, modeFree, d.mode)
		assert.Equal(t, 0, d.idx)
	})

	t.Run("exhausted active yields to another free account", func(t *testing.T) {
		reg := account.NewRegistry("",
			&account.Account{Name: "A", FreeAt: now.Add(time.Hour)},
			&account.Account{Name: "B", RemainingFree: 5},
		)
		d := decide(reg, 0, 50, now)
		assert.Equal(t, modeFree, d.mode)
		assert.Equal(t, 1, d.idx)
	})

	t.Run("paid mode when nothing free", func(t *testing.T) {
		reg := account.NewRegistry("",
			&account.Account{Name: "A", FreeAt: now.Add(time.Hour)},
			&account.Account{Name: "B", FreeAt: now.Add(time.Hour), StarCostPerQuery: 10, StarBalance: 100},
		)
		d := decide(reg, 0, 50, now)
		assert.Equal(t, modePaid, d.mode)
		assert.Equal(t, 1, d.idx)
	})

	t.Run("wait until the soonest reset when nothing is usable", func(t *testing.T) {
		reg := account.NewRegistry("",
			&account.Account{Name: "A", FreeAt: now.Add(time.Hour)},
			&account.Account{Name: "B", FreeAt: now.Add(10 * time.Minute), StarCostPerQuery: 10, SkipStars: true, StarBalance: 100},
		)
		d := decide(reg, 0, 50, now)
		assert.Equal(t, modeWait, d.mode)
		require.True(t, d.hasWake)
		assert.WithinDuration(t, now.Add(10*time.Minute), d.wakeAt, time.Second)
	})
}

func TestFreeSweepRecordsRunThenSleeps(t *testing.T) {
	fc := &scriptClient{
		limits: crawler.PublicPostSearchLimits{DailyFreeQueryCount: 3, RemainingFreeQueryCount: 3, NextFreeQueryIn: 3600},
		page: crawler.FoundPublicPosts{
			Messages: []*client.Message{{
				Id:     1 << 20,
				ChatId: -100,
				Date:   100,
				Content: &client.MessageText{
					Text: &client.FormattedText{Text: "post"},
				},
			}},
		},
	}
	svc := &scriptService{clients: map[string]*scriptClient{"A": fc}}
	st := newTestStore(t)
	reg := account.NewRegistry(filepath.Join(t.TempDir(), "accounts.json"), &account.Account{Name: "A"})

	s := New(testConfig(), reg, st, svc)
	cancel, wait := runScheduler(t, s)

	waitFor(t, func() bool {
		run, err := st.LastRun()
		return err == nil && run.FinishedAt != nil
	})
	cancel()
	require.NoError(t, wait())

	run, err := st.LastRun()
	require.NoError(t, err)
	assert.Equal(t, "A", run.AccountName)
	assert.False(t, run.LimitsExhausted)
	assert.Contains(t, run.Limits, "remaining_free_query_count")

	assert.Equal(t, 1, fc.searches)
	assert.True(t, fc.closed)

	rec, err := st.GetPost(-100, 1<<20)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.PostNumber)
}

func TestInsufficientBalanceDisablesPaidMode(t *testing.T) {
	fc := &scriptClient{
		limits:    crawler.PublicPostSearchLimits{RemainingFreeQueryCount: 0, NextFreeQueryIn: 3600, StarCount: 10},
		balance:   100,
		searchErr: errors.New("400 BALANCE_TOO_LOW"),
	}
	svc := &scriptService{clients: map[string]*scriptClient{"A": fc}}
	st := newTestStore(t)
	regPath := filepath.Join(t.TempDir(), "accounts.json")
	reg := account.NewRegistry(regPath, &account.Account{Name: "A"})

	s := New(testConfig(), reg, st, svc)
	cancel, wait := runScheduler(t, s)

	// SkipStars reaches the registry file via the post-sweep persist
	waitFor(t, func() bool {
		data, err := os.ReadFile(regPath)
		return err == nil && strings.Contains(string(data), `"skip_stars": true`)
	})
	cancel()
	require.NoError(t, wait())

	assert.True(t, reg.Accounts[0].SkipStars)
	assert.Equal(t, 1, fc.searches)

	// the paid attempt still produced a finalized run
	run, err := st.LastRun()
	require.NoError(t, err)
	assert.Equal(t, "A", run.AccountName)
	require.NotNil(t, run.FinishedAt)
}

func TestSwitchesToAccountWithFreeQuota(t *testing.T) {
	// A reports itself exhausted on refresh; B has quota.
	fa := &scriptClient{limits: crawler.PublicPostSearchLimits{RemainingFreeQueryCount: 0, NextFreeQueryIn: 3600}}
	fb := &scriptClient{
		limits: crawler.PublicPostSearchLimits{DailyFreeQueryCount: 3, RemainingFreeQueryCount: 3, NextFreeQueryIn: 3600},
		page:   crawler.FoundPublicPosts{},
	}
	svc := &scriptService{clients: map[string]*scriptClient{"A": fa, "B": fb}}
	st := newTestStore(t)
	reg := account.NewRegistry(filepath.Join(t.TempDir(), "accounts.json"),
		&account.Account{Name: "A"},
		&account.Account{Name: "B", RemainingFree: 5},
	)

	s := New(testConfig(), reg, st, svc)
	cancel, wait := runScheduler(t, s)

	waitFor(t, func() bool {
		run, err := st.LastRun()
		return err == nil && run.AccountName == "B" && run.FinishedAt != nil
	})
	cancel()
	require.NoError(t, wait())

	assert.Equal(t, []string{"A", "B"}, svc.opened)
	assert.True(t, fa.closed)
	assert.Equal(t, 0, fa.searches)
	assert.Equal(t, 1, fb.searches)
}

func TestShutdownInterruptsSleep(t *testing.T) {
	fc := &scriptClient{
		limits: crawler.PublicPostSearchLimits{DailyFreeQueryCount: 3, RemainingFreeQueryCount: 3, NextFreeQueryIn: 3600},
	}
	svc := &scriptService{clients: map[string]*scriptClient{"A": fc}}
	st := newTestStore(t)
	reg := account.NewRegistry(filepath.Join(t.TempDir(), "accounts.json"), &account.Account{Name: "A"})

	s := New(testConfig(), reg, st, svc) // hour-long inter-sweep sleep
	cancel, wait := runScheduler(t, s)

	waitFor(t, func() bool {
		n, err := st.CountRuns()
		return err == nil && n >= 1
	})

	start := time.Now()
	cancel()
	require.NoError(t, wait())
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.True(t, fc.closed)
}

func TestSearchErrorIsFatal(t *testing.T) {
	fc := &scriptClient{
		limits:    crawler.PublicPostSearchLimits{DailyFreeQueryCount: 3, RemainingFreeQueryCount: 3},
		searchErr: errors.New("502: connection lost"),
	}
	svc := &scriptService{clients: map[string]*scriptClient{"A": fc}}
	st := newTestStore(t)
	reg := account.NewRegistry(filepath.Join(t.TempDir(), "accounts.json"), &account.Account{Name: "A"})

	s := New(testConfig(), reg, st, svc)
	err := s.Run(context.Background())
	assert.Error(t, err)
	assert.True(t, fc.closed)
}
