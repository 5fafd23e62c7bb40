// Package account holds the durable registry of Telegram accounts and the
// selection policy the scheduler rotates through. The registry file is read
// and written as a whole; quota fields are refreshed every scheduler
// iteration so a crash loses at most one iteration of accounting.
package account

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
)

// Account is one credentialed Telegram account with its two isolated TDLib
// stores and the last-known quota snapshot for the public post search call.
type Account struct {
	Name        string `json:"name"`
	DatabaseDir string `json:"database_dir"`
	FilesDir    string `json:"files_dir"`

	RemainingFree    int32     `json:"remaining_free"`
	DailyFree        int32     `json:"daily_free"`
	NextFreeIn       int32     `json:"next_free_in"`
	FreeAt           time.Time `json:"free_at"`
	StarCostPerQuery int64     `json:"star_cost_per_query"`
	StarBalance      int64     `json:"star_balance"`
	SkipStars        bool      `json:"skip_stars"`
}

// FreeQuotaReady reports whether the account can run a zero-cost query now:
// either free calls remain or the daily reset has already passed.
func (a *Account) FreeQuotaReady(now time.Time) bool {
	if a.RemainingFree > 0 {
		return true
	}
	return !a.FreeAt.IsZero() && !a.FreeAt.After(now)
}

// ApplyLimits folds a fresh quota-limits payload into the account snapshot,
// deriving the absolute reset time from the relative seconds the platform
// reports.
func (a *Account) ApplyLimits(dailyFree, remainingFree, nextFreeIn int32, starCost int64, now time.Time) {
	a.DailyFree = dailyFree
	a.RemainingFree = remainingFree
	a.NextFreeIn = nextFreeIn
	a.FreeAt = now.Add(time.Duration(nextFreeIn) * time.Second)
	a.StarCostPerQuery = starCost
}

// Registry is the whole-file view of every account. Mutation happens only on
// the scheduler goroutine, so the registry carries no lock of its own.
type Registry struct {
	path     string
	Accounts []*Account
}

// NewRegistry builds an in-memory registry that will persist to path.
func NewRegistry(path string, accounts ...*Account) *Registry {
	return &Registry{path: path, Accounts: accounts}
}

// Load reads the registry file. A missing or empty file synthesizes exactly
// one default account rooted under storageRoot, so a fresh deployment can
// start without a bootstrap step.
func Load(path, storageRoot string) (*Registry, error) {
	reg := &Registry{path: path}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read registry file: %w", err)
		}
	} else if len(data) > 0 {
		if err := json.Unmarshal(data, &reg.Accounts); err != nil {
			return nil, fmt.Errorf("parse registry file: %w", err)
		}
	}

	if len(reg.Accounts) == 0 {
		def := DefaultAccount(storageRoot)
		log.Info().Str("account", def.Name).Msg("Registry empty, synthesizing default account")
		reg.Accounts = []*Account{def}
	}

	return reg, nil
}

// DefaultAccount builds the single account used when no registry exists yet.
func DefaultAccount(storageRoot string) *Account {
	return &Account{
		Name:        "account0",
		DatabaseDir: filepath.Join(storageRoot, "account0", ".tdlib", "database"),
		FilesDir:    filepath.Join(storageRoot, "account0", ".tdlib", "files"),
	}
}

// Save atomically overwrites the registry file with every account's current
// quota fields.
func (r *Registry) Save() error {
	data, err := json.MarshalIndent(r.Accounts, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal registry: %w", err)
	}

	if dir := filepath.Dir(r.path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create registry dir: %w", err)
		}
	}

	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write registry temp file: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		return fmt.Errorf("replace registry file: %w", err)
	}
	return nil
}

// PickFree scans every account in round-robin order starting at fromIndex and
// returns the index of the first one whose free quota is usable right now.
// Returns -1 when no account qualifies.
func (r *Registry) PickFree(fromIndex int, now time.Time) int {
	n := len(r.Accounts)
	if n == 0 {
		return -1
	}
	for i := 0; i < n; i++ {
		idx := (fromIndex + i) % n
		if r.Accounts[idx].FreeQuotaReady(now) {
			return idx
		}
	}
	return -1
}

// PickPaid returns the index of the first account that may fund a paid query.
// maxCost is the operator's per-call spend ceiling (the max-stars-per-query
// setting), not a platform minimum: an account qualifies when it is not
// operator-disabled, its known per-call cost is at most maxCost, and its
// balance covers at least one call. Returns -1 when none qualifies.
func (r *Registry) PickPaid(maxCost int64) int {
	for idx, a := range r.Accounts {
		if a.SkipStars || a.StarCostPerQuery <= 0 {
			continue
		}
		if a.StarCostPerQuery <= maxCost && a.StarBalance >= a.StarCostPerQuery {
			return idx
		}
	}
	return -1
}

// SoonestFreeReset returns the earliest future free-quota reset across all
// accounts. The second return is false when no account has a future reset.
func (r *Registry) SoonestFreeReset(now time.Time) (time.Time, bool) {
	var soonest time.Time
	for _, a := range r.Accounts {
		if a.FreeAt.IsZero() || !a.FreeAt.After(now) {
			continue
		}
		if soonest.IsZero() || a.FreeAt.Before(soonest) {
			soonest = a.FreeAt
		}
	}
	return soonest, !soonest.IsZero()
}

// IndexOf returns the position of the named account, or -1.
func (r *Registry) IndexOf(name string) int {
	for idx, a := range r.Accounts {
		if a.Name == name {
			return idx
		}
	}
	return -1
}
