package sweep

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/zelenin/go-tdlib/client"

	"github.com/researchaccelerator-hub/telegram-post-tracker/account"
	"github.com/researchaccelerator-hub/telegram-post-tracker/crawler"
	"github.com/researchaccelerator-hub/telegram-post-tracker/telegramhelper"
)

// Session is one authenticated connection bound to one account's local
// stores, with its update subscription attached for its whole lifetime.
type Session struct {
	acct    *account.Account
	tdlib   crawler.TDLibClient
	updates <-chan client.Type
	detach  func()
}

// AccountName names the account this session is authenticated as.
func (s *Session) AccountName() string {
	return s.acct.Name
}

// Client exposes the underlying RPC surface.
func (s *Session) Client() crawler.TDLibClient {
	return s.tdlib
}

// Updates is the asynchronous event stream for the correlator.
func (s *Session) Updates() <-chan client.Type {
	return s.updates
}

// FetchLimits queries the platform's current public-post-search quota for
// this session's account.
func (s *Session) FetchLimits() (*crawler.PublicPostSearchLimits, error) {
	return s.tdlib.GetPublicPostSearchLimits()
}

// LimitsPayload serializes a limits object for run bookkeeping.
func LimitsPayload(limits *crawler.PublicPostSearchLimits) string {
	if limits == nil {
		return ""
	}
	data, err := json.Marshal(limits)
	if err != nil {
		return ""
	}
	return string(data)
}

// FetchStarBalance looks up the account's paid balance via its own star
// transaction history. Best-effort: callers treat an error as "unknown".
func (s *Session) FetchStarBalance() (int64, error) {
	me, err := s.tdlib.GetMe()
	if err != nil {
		return 0, fmt.Errorf("get me: %w", err)
	}
	transactions, err := s.tdlib.GetStarTransactions(&client.GetStarTransactionsRequest{
		OwnerId: &client.MessageSenderUser{UserId: me.Id},
		Limit:   1,
	})
	if err != nil {
		return 0, fmt.Errorf("get star transactions: %w", err)
	}
	return transactions.StarCount, nil
}

// Manager enforces the single-session rule: a new session cannot be opened
// until the previous one is fully closed and detached.
type Manager struct {
	svc       telegramhelper.TelegramService
	verbosity int32
	current   *Session
}

// NewManager builds a session manager on the given client service.
func NewManager(svc telegramhelper.TelegramService, verbosity int32) *Manager {
	return &Manager{svc: svc, verbosity: verbosity}
}

// Open authenticates a session for the account and attaches its update
// subscription. Exactly one session may be open at a time.
func (m *Manager) Open(acct *account.Account) (*Session, error) {
	if m.current != nil {
		return nil, fmt.Errorf("session for account %s still open", m.current.acct.Name)
	}

	tdlib, err := m.svc.InitializeClient(acct, m.verbosity)
	if err != nil {
		return nil, fmt.Errorf("open session for %s: %w", acct.Name, err)
	}

	updates, detach, err := m.svc.Listen(tdlib)
	if err != nil {
		telegramhelper.CloseClient(tdlib)
		return nil, fmt.Errorf("attach update listener for %s: %w", acct.Name, err)
	}

	log.Info().Str("account", acct.Name).Msg("Session opened")
	m.current = &Session{acct: acct, tdlib: tdlib, updates: updates, detach: detach}
	return m.current, nil
}

// Current returns the open session, or nil.
func (m *Manager) Current() *Session {
	return m.current
}

// Close detaches the update subscription and releases the connection. Safe to
// call with no session open.
func (m *Manager) Close() {
	if m.current == nil {
		return
	}
	log.Info().Str("account", m.current.acct.Name).Msg("Closing session")
	if m.current.detach != nil {
		m.current.detach()
	}
	telegramhelper.CloseClient(m.current.tdlib)
	m.current = nil
}
