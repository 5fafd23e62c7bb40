// Package store is the durable schema for tracked posts: chat metadata,
// per-post latest snapshots, run bookkeeping and the append-only metric
// series. Both the sweep path and the update correlator write through one
// Store; a single mutex serializes them.
package store

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/researchaccelerator-hub/telegram-post-tracker/model"
)

// ChatRecord is the accumulated metadata for one chat/channel.
type ChatRecord struct {
	ChatID       int64 `gorm:"primaryKey;autoIncrement:false"`
	Title        string
	SupergroupID int64
	LinkedChatID int64
	Username     string
	Description  string
	MemberCount  int64
	BoostLevel   int64
	UpdatedAt    time.Time
}

// PostRecord is the latest best-known state of one post.
type PostRecord struct {
	ChatID        int64 `gorm:"primaryKey;autoIncrement:false"`
	MessageID     int64 `gorm:"primaryKey;autoIncrement:false"`
	AlbumID       int64
	PostNumber    int64
	URL           string
	PublishedAt   time.Time
	ContentType   string
	Text          string
	Views         int64
	Forwards      int64
	Replies       int64
	FreeReactions int64
	PaidReactions int64
	UpdatedAt     time.Time
}

// RunRecord is one scheduler iteration's sweep. Created at sweep start,
// finalized once at sweep end, immutable afterward.
type RunRecord struct {
	ID              int64 `gorm:"primaryKey"`
	StartedAt       time.Time
	FinishedAt      *time.Time
	AccountName     string
	Limits          string // raw quota-limits payload observed after the sweep
	LimitsExhausted bool
}

// SnapshotRecord is an immutable point-in-time copy of a post's counters.
type SnapshotRecord struct {
	RunID         int64     `gorm:"primaryKey;autoIncrement:false"`
	ChatID        int64     `gorm:"primaryKey;autoIncrement:false"`
	MessageID     int64     `gorm:"primaryKey;autoIncrement:false"`
	CapturedAt    time.Time `gorm:"primaryKey"`
	Views         int64
	Forwards      int64
	Replies       int64
	FreeReactions int64
	PaidReactions int64
}

type postKey struct {
	chatID    int64
	messageID int64
}

// Store wraps the sqlite database plus the process-lifetime snapshot dedup
// state backing the write-avoidance rule.
type Store struct {
	db *gorm.DB

	mu       sync.Mutex
	lastSnap map[postKey]model.CounterValues
}

// Open opens (or creates) the sqlite database at path and migrates the schema.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	return New(db)
}

// New builds a Store on an already-open gorm handle (tests use :memory:).
func New(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&ChatRecord{}, &PostRecord{}, &RunRecord{}, &SnapshotRecord{}); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &Store{
		db:       db,
		lastSnap: make(map[postKey]model.CounterValues),
	}, nil
}

// UpsertChat merges a metadata fragment into the chat row. The platform
// delivers fragments from several calls and update kinds; numeric fields keep
// the larger value and string fields are only replaced by non-empty incoming
// values, so fuller data never regresses.
func (s *Store) UpsertChat(meta model.ChannelMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Transaction(func(tx *gorm.DB) error {
		var rec ChatRecord
		err := tx.Where("chat_id = ?", meta.ChatID).First(&rec).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			rec = ChatRecord{ChatID: meta.ChatID}
		} else if err != nil {
			return fmt.Errorf("load chat %d: %w", meta.ChatID, err)
		}

		mergeString(&rec.Title, meta.Title)
		mergeString(&rec.Username, meta.Username)
		mergeString(&rec.Description, meta.Description)
		mergeID(&rec.SupergroupID, meta.SupergroupID)
		mergeID(&rec.LinkedChatID, meta.LinkedChatID)
		mergeMaxPtr(&rec.MemberCount, meta.MemberCount)
		mergeMaxPtr(&rec.BoostLevel, meta.BoostLevel)
		rec.UpdatedAt = time.Now()

		if err := tx.Save(&rec).Error; err != nil {
			return fmt.Errorf("save chat %d: %w", meta.ChatID, err)
		}
		return nil
	})
}

// UpsertPost merges a post delivery into its row and returns the resulting
// best-known counter values, plus whether any counter moved. Identity fields
// are written once on creation; counters follow the monotonic-max rule.
func (s *Store) UpsertPost(p model.Post) (model.CounterValues, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var vals model.CounterValues
	var changed bool

	err := s.db.Transaction(func(tx *gorm.DB) error {
		var rec PostRecord
		err := tx.Where("chat_id = ? AND message_id = ?", p.ChatID, p.MessageID).First(&rec).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			rec = PostRecord{
				ChatID:      p.ChatID,
				MessageID:   p.MessageID,
				AlbumID:     p.AlbumID,
				PostNumber:  p.PostNumber,
				URL:         p.URL,
				PublishedAt: p.PublishedAt,
				ContentType: p.ContentType,
			}
		} else if err != nil {
			return fmt.Errorf("load post %d/%d: %w", p.ChatID, p.MessageID, err)
		}

		mergeString(&rec.Text, p.Text)
		mergeString(&rec.URL, p.URL)
		mergeString(&rec.ContentType, p.ContentType)

		vals = model.CounterValues{
			Views:         rec.Views,
			Forwards:      rec.Forwards,
			Replies:       rec.Replies,
			FreeReactions: rec.FreeReactions,
			PaidReactions: rec.PaidReactions,
		}
		changed = vals.MergeMax(p.Counters)

		rec.Views = vals.Views
		rec.Forwards = vals.Forwards
		rec.Replies = vals.Replies
		rec.FreeReactions = vals.FreeReactions
		rec.PaidReactions = vals.PaidReactions
		rec.UpdatedAt = time.Now()

		if err := tx.Save(&rec).Error; err != nil {
			return fmt.Errorf("save post %d/%d: %w", p.ChatID, p.MessageID, err)
		}
		return nil
	})
	if err != nil {
		return model.CounterValues{}, false, err
	}
	return vals, changed, nil
}

// CreateRun opens bookkeeping for one sweep and returns its durable id.
func (s *Store) CreateRun(accountName string, startedAt time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := RunRecord{StartedAt: startedAt, AccountName: accountName}
	if err := s.db.Create(&rec).Error; err != nil {
		return 0, fmt.Errorf("create run: %w", err)
	}
	return rec.ID, nil
}

// FinalizeRun records the post-sweep quota payload and exhaustion flag.
func (s *Store) FinalizeRun(runID int64, limitsPayload string, exhausted bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	err := s.db.Model(&RunRecord{}).Where("id = ?", runID).Updates(map[string]interface{}{
		"finished_at":      &now,
		"limits":           limitsPayload,
		"limits_exhausted": exhausted,
	}).Error
	if err != nil {
		return fmt.Errorf("finalize run %d: %w", runID, err)
	}
	return nil
}

// RecordSnapshot appends a metric snapshot unless the counter state equals
// the last snapshot recorded for this post during the current process
// lifetime. Duplicate deliveries of unchanged counters must not create
// duplicate history points. Returns whether a row was written.
func (s *Store) RecordSnapshot(runID, chatID, messageID int64, vals model.CounterValues, capturedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := postKey{chatID: chatID, messageID: messageID}
	if last, ok := s.lastSnap[key]; ok && last == vals {
		return false, nil
	}

	rec := SnapshotRecord{
		RunID:         runID,
		ChatID:        chatID,
		MessageID:     messageID,
		CapturedAt:    capturedAt,
		Views:         vals.Views,
		Forwards:      vals.Forwards,
		Replies:       vals.Replies,
		FreeReactions: vals.FreeReactions,
		PaidReactions: vals.PaidReactions,
	}
	if err := s.db.Create(&rec).Error; err != nil {
		return false, fmt.Errorf("record snapshot %d/%d: %w", chatID, messageID, err)
	}
	s.lastSnap[key] = vals
	return true, nil
}

// GetPost loads one post row, mainly for tests and ad-hoc inspection.
func (s *Store) GetPost(chatID, messageID int64) (*PostRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rec PostRecord
	if err := s.db.Where("chat_id = ? AND message_id = ?", chatID, messageID).First(&rec).Error; err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetChat loads one chat row.
func (s *Store) GetChat(chatID int64) (*ChatRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rec ChatRecord
	if err := s.db.Where("chat_id = ?", chatID).First(&rec).Error; err != nil {
		return nil, err
	}
	return &rec, nil
}

// LastRun returns the most recently created run record.
func (s *Store) LastRun() (*RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rec RunRecord
	if err := s.db.Order("id DESC").First(&rec).Error; err != nil {
		return nil, err
	}
	return &rec, nil
}

// CountRuns returns how many runs have been recorded.
func (s *Store) CountRuns() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	if err := s.db.Model(&RunRecord{}).Count(&n).Error; err != nil {
		return 0, err
	}
	return n, nil
}

// CountSnapshots returns how many snapshot rows exist for one post.
func (s *Store) CountSnapshots(chatID, messageID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	err := s.db.Model(&SnapshotRecord{}).Where("chat_id = ? AND message_id = ?", chatID, messageID).Count(&n).Error
	return n, err
}

func mergeString(dst *string, in string) {
	if in != "" {
		*dst = in
	}
}

// mergeID fills an identity column from a non-zero value. Identity fields
// never regress to zero but carry no ordering, so this is presence-based,
// not max-based: channel chat ids are negative.
func mergeID(dst *int64, in int64) {
	if in != 0 {
		*dst = in
	}
}

func mergeMaxPtr(dst *int64, in *int64) {
	if in != nil && *in > *dst {
		*dst = *in
	}
}
