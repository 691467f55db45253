// Package shadowsync mirrors local card mutations to the repository in the
// background, suppressing redundant writes.
package shadowsync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/cardledger/internal/cards"
	"go.uber.org/zap"
)

const (
	DefaultCooldown       = 3 * time.Second
	DefaultRecencyTTL     = 10 * time.Second
	DefaultBatchThreshold = 5
	DefaultFlushInterval  = 2 * time.Second
)

var (
	// ErrSyncUnavailable indicates that sync is disabled or the remote store is offline.
	ErrSyncUnavailable = errors.New("shadowsync: sync unavailable")
	// ErrUnknownTag indicates an unrecognized mutation tag.
	ErrUnknownTag = errors.New("shadowsync: unknown mutation tag")

	errMissingUpdater = errors.New("card updater is required")
)

// CardUpdater performs the remote write. *cards.Repository implements it.
type CardUpdater interface {
	Update(ctx context.Context, ownerID string, payload cards.Card) (bool, error)
}

// State is the coarse position of the service in its write cycle.
type State string

const (
	StateIdle     State = "idle"
	StateQueued   State = "queued"
	StateDraining State = "draining"
	StateWriting  State = "writing"
)

// Config describes a Service. Zero durations and thresholds take the defaults.
type Config struct {
	OwnerID        string
	Updater        CardUpdater
	Connectivity   Connectivity
	Listener       ActivityListener
	Logger         *zap.Logger
	Clock          func() time.Time
	Disabled       bool
	Cooldown       time.Duration
	RecencyTTL     time.Duration
	BatchThreshold int
	FlushInterval  time.Duration
}

// Stats counts what the service has done since construction.
type Stats struct {
	Operations     int64     `json:"operations"`
	Writes         int64     `json:"writes"`
	Skipped        int64     `json:"skipped"`
	Dropped        int64     `json:"dropped"`
	Failures       int64     `json:"failures"`
	LastError      string    `json:"lastError,omitempty"`
	LastSyncFailed bool      `json:"lastSyncFailed"`
	LastSyncAt     time.Time `json:"lastSyncAt,omitempty"`
}

// Status is a point-in-time view of the service.
type Status struct {
	OwnerID          string `json:"ownerId"`
	State            State  `json:"state"`
	Enabled          bool   `json:"enabled"`
	Online           bool   `json:"online"`
	Pending          int    `json:"pending"`
	UpdateInProgress bool   `json:"updateInProgress"`
	Stats            Stats  `json:"stats"`
}

// DrainResult summarizes one ProcessQueue cycle.
type DrainResult struct {
	Written int `json:"written"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
	Dropped int `json:"dropped"`
}

// Service is the shadow writer for a single owner.
type Service struct {
	ownerID        string
	updater        CardUpdater
	connectivity   Connectivity
	listener       ActivityListener
	logger         *zap.Logger
	clock          func() time.Time
	batchThreshold int
	flushInterval  time.Duration

	queue   *UpdateQueue
	tracker *RecencyTracker

	enabled      atomic.Bool
	draining     atomic.Bool
	directWrites atomic.Int32
	operations   atomic.Int64

	mu    sync.Mutex
	state State
	stats Stats
}

func NewService(cfg Config) (*Service, error) {
	if cfg.Updater == nil {
		return nil, errMissingUpdater
	}
	owner, err := cards.NewOwnerID(cfg.OwnerID)
	if err != nil {
		return nil, err
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	connectivity := cfg.Connectivity
	if connectivity == nil {
		connectivity = NewManualConnectivity(true)
	}
	cooldown := cfg.Cooldown
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	recencyTTL := cfg.RecencyTTL
	if recencyTTL <= 0 {
		recencyTTL = DefaultRecencyTTL
	}
	batchThreshold := cfg.BatchThreshold
	if batchThreshold <= 0 {
		batchThreshold = DefaultBatchThreshold
	}
	flushInterval := cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}

	service := &Service{
		ownerID:        owner.String(),
		updater:        cfg.Updater,
		connectivity:   connectivity,
		listener:       cfg.Listener,
		logger:         logger.With(zap.String("owner_id", owner.String())),
		clock:          clock,
		batchThreshold: batchThreshold,
		flushInterval:  flushInterval,
		queue:          NewUpdateQueue(),
		tracker:        NewRecencyTracker(clock, recencyTTL, cooldown),
		state:          StateIdle,
	}
	service.enabled.Store(!cfg.Disabled)
	return service, nil
}

// QueueCardForUpdate schedules a mirror write. It reports false without queuing
// when sync is disabled, offline, or inside the cooldown after the last write.
func (s *Service) QueueCardForUpdate(cardID string, card cards.Card, collectionKey string) (bool, error) {
	return s.QueueTagged(cardID, card, collectionKey, TagShadowMirror)
}

// QueueTagged is QueueCardForUpdate with an explicit mutation tag.
func (s *Service) QueueTagged(cardID string, card cards.Card, collectionKey string, tag MutationTag) (bool, error) {
	id, err := cards.NewCardID(cardID)
	if err != nil {
		return false, err
	}
	if !s.available() {
		return false, nil
	}
	if s.tracker.WithinCooldown() {
		s.logger.Debug("enqueue suppressed by cooldown", zap.String("card_id", id.String()))
		return false, nil
	}

	replaced := s.queue.Upsert(PendingUpdate{
		CardID:        id.String(),
		Card:          card,
		CollectionKey: strings.TrimSpace(collectionKey),
		Tag:           tag,
		QueuedAt:      s.clock(),
	})
	if replaced {
		s.logger.Debug("pending update replaced", zap.String("card_id", id.String()))
	}
	s.setStateIf(StateIdle, StateQueued)
	return true, nil
}

// ShadowWriteCard mirrors one card immediately. It reports whether a write was
// performed; suppressed writes return (false, nil).
func (s *Service) ShadowWriteCard(ctx context.Context, cardID string, card cards.Card, collectionKey string, tag MutationTag) (bool, error) {
	id, err := cards.NewCardID(cardID)
	if err != nil {
		return false, err
	}
	if !s.available() {
		return false, ErrSyncUnavailable
	}

	update := PendingUpdate{
		CardID:        id.String(),
		Card:          card,
		CollectionKey: strings.TrimSpace(collectionKey),
		Tag:           tag,
		QueuedAt:      s.clock(),
	}
	if reason, skip := s.skipReason(update); skip {
		s.recordSkip(update.CardID, reason)
		return false, nil
	}
	if s.tracker.WithinCooldown() {
		s.recordSkip(update.CardID, "cooldown")
		return false, nil
	}

	s.swapState(StateWriting)
	err = s.write(ctx, update)
	s.settleState(StateWriting)
	if err != nil {
		return false, err
	}
	return true, nil
}

// ProcessQueue drains the pending updates. It does nothing while offline,
// disabled, already draining, while a direct write is in flight, or inside the
// cooldown after a direct save. Above the batch threshold only the first
// pending update is written and the rest are dropped.
func (s *Service) ProcessQueue(ctx context.Context) DrainResult {
	result := DrainResult{}
	if !s.available() {
		return result
	}
	if s.directWrites.Load() > 0 {
		s.logger.Debug("drain deferred, direct write in progress")
		return result
	}
	if s.tracker.WithinDirectSaveCooldown() {
		s.logger.Debug("drain deferred, direct save cooldown")
		return result
	}
	if !s.draining.CompareAndSwap(false, true) {
		return result
	}
	defer s.draining.Store(false)

	pending := s.queue.Drain()
	if len(pending) == 0 {
		s.setStateIf(StateQueued, StateIdle)
		return result
	}

	if len(pending) > s.batchThreshold {
		result.Dropped = len(pending) - 1
		pending = pending[:1]
		s.mu.Lock()
		s.stats.Dropped += int64(result.Dropped)
		s.mu.Unlock()
		s.logger.Warn("queue above batch threshold, shedding load",
			zap.Int("threshold", s.batchThreshold),
			zap.Int("dropped", result.Dropped))
	}

	s.swapState(StateDraining)
	for _, update := range pending {
		if ctx.Err() != nil {
			s.queue.Upsert(update)
			continue
		}
		if reason, skip := s.skipReason(update); skip {
			s.recordSkip(update.CardID, reason)
			result.Skipped++
			continue
		}
		s.swapState(StateWriting)
		if err := s.write(ctx, update); err != nil {
			result.Failed++
		} else {
			result.Written++
		}
		s.swapState(StateDraining)
	}

	s.settleState(StateDraining)
	return result
}

// Flush drains the queue now.
func (s *Service) Flush(ctx context.Context) DrainResult {
	return s.ProcessQueue(ctx)
}

// BeginDirectWrite marks a user-initiated save as in flight. Draining is
// suspended until the matching EndDirectWrite.
func (s *Service) BeginDirectWrite() {
	s.directWrites.Add(1)
}

// EndDirectWrite closes a direct write, stamps the direct save time and marks
// the written cards as recent.
func (s *Service) EndDirectWrite(cardIDs ...string) {
	if s.directWrites.Add(-1) < 0 {
		s.directWrites.Store(0)
	}
	s.tracker.StampDirectSave()
	for _, cardID := range cardIDs {
		if cardID != "" {
			s.tracker.Mark(cardID)
		}
	}
}

// DirectWrite runs write between BeginDirectWrite and EndDirectWrite.
func (s *Service) DirectWrite(ctx context.Context, cardID string, write func(ctx context.Context) error) error {
	s.BeginDirectWrite()
	err := write(ctx)
	if err != nil {
		s.EndDirectWrite()
		return err
	}
	s.EndDirectWrite(cardID)
	return nil
}

// DirectWriteBatch is DirectWrite for writes touching several cards; write
// returns the ids it touched.
func (s *Service) DirectWriteBatch(ctx context.Context, write func(ctx context.Context) ([]string, error)) error {
	s.BeginDirectWrite()
	cardIDs, err := write(ctx)
	if err != nil {
		s.EndDirectWrite()
		return err
	}
	s.EndDirectWrite(cardIDs...)
	return nil
}

// Forget drops pending updates of cards that no longer exist and marks them
// recent, so a queued mirror write cannot re-create them. It returns how many
// pending updates were discarded.
func (s *Service) Forget(cardIDs ...string) int {
	removed := 0
	for _, cardID := range cardIDs {
		if cardID == "" {
			continue
		}
		if s.queue.Remove(cardID) {
			removed++
		}
		s.tracker.Mark(cardID)
	}
	if removed > 0 {
		s.logger.Debug("pending updates forgotten", zap.Int("count", removed))
	}
	if s.queue.Len() == 0 {
		s.setStateIf(StateQueued, StateIdle)
	}
	return removed
}

// MarkRecent suppresses mirror writes of cardID for the recency window.
func (s *Service) MarkRecent(cardID string) {
	s.tracker.Mark(cardID)
}

func (s *Service) Enable() {
	if !s.enabled.Swap(true) {
		s.logger.Info("shadow sync enabled")
	}
}

// Disable stops mirroring and discards pending updates.
func (s *Service) Disable() {
	if s.enabled.Swap(false) {
		discarded := s.queue.Clear()
		s.setStateIf(StateQueued, StateIdle)
		s.logger.Info("shadow sync disabled", zap.Int("discarded", discarded))
	}
}

func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := s.stats
	stats.Operations = s.operations.Load()
	return stats
}

func (s *Service) Status() Status {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	return Status{
		OwnerID:          s.ownerID,
		State:            state,
		Enabled:          s.enabled.Load(),
		Online:           s.connectivity.Online(),
		Pending:          s.queue.Len(),
		UpdateInProgress: s.directWrites.Load() > 0,
		Stats:            s.Stats(),
	}
}

// Run drains on every flush tick and as soon as connectivity returns, until
// ctx is done.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()
	changes := s.connectivity.Changes()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.ProcessQueue(ctx)
		case online, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			if online {
				s.logger.Info("connectivity restored, draining")
				s.ProcessQueue(ctx)
			} else {
				s.logger.Info("connectivity lost, sync paused")
			}
		}
	}
}

func (s *Service) available() bool {
	return s.enabled.Load() && s.connectivity.Online()
}

func (s *Service) skipReason(update PendingUpdate) (string, bool) {
	if suppressesMirror(update.Tag) {
		return "tag:" + update.Tag.String(), true
	}
	if s.tracker.IsRecent(update.CardID) {
		return "recent", true
	}
	return "", false
}

func (s *Service) write(ctx context.Context, update PendingUpdate) error {
	counter := s.operations.Add(1)
	s.emit(ActivityEvent{Kind: ActivityStarted, CardID: update.CardID, Counter: counter})

	payload := update.Card
	payload.CardID = update.CardID
	if update.CollectionKey != "" {
		payload.CollectionKey = update.CollectionKey
	}

	if _, err := s.updater.Update(ctx, s.ownerID, payload); err != nil {
		s.mu.Lock()
		s.stats.Failures++
		s.stats.LastError = err.Error()
		s.stats.LastSyncFailed = true
		s.mu.Unlock()
		s.logError("shadowsync.write", "update_failed", err, zap.String("card_id", update.CardID))
		s.emit(ActivityEvent{Kind: ActivityFailed, CardID: update.CardID, Counter: counter, Err: err})
		return fmt.Errorf("shadow write %s: %w", update.CardID, err)
	}

	s.tracker.Mark(update.CardID)
	s.tracker.StampWrite()
	s.mu.Lock()
	s.stats.Writes++
	s.stats.LastSyncFailed = false
	s.stats.LastError = ""
	s.stats.LastSyncAt = s.clock()
	s.mu.Unlock()
	s.emit(ActivityEvent{Kind: ActivityCompleted, CardID: update.CardID, Counter: counter})
	return nil
}

func (s *Service) recordSkip(cardID, reason string) {
	s.mu.Lock()
	s.stats.Skipped++
	s.mu.Unlock()
	s.logger.Debug("shadow write skipped", zap.String("card_id", cardID), zap.String("reason", reason))
}

func (s *Service) emit(event ActivityEvent) {
	if s.listener == nil {
		return
	}
	event.OwnerID = s.ownerID
	event.Timestamp = s.clock()
	s.listener.OnSyncActivity(event)
}

func (s *Service) swapState(next State) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	previous := s.state
	s.state = next
	return previous
}

func (s *Service) setStateIf(expected, next State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == expected {
		s.state = next
	}
}

// settleState leaves the write cycle: the state becomes Queued or Idle from
// the queue length, unless another path already moved it away from current.
func (s *Service) settleState(current State) {
	next := StateIdle
	if s.queue.Len() > 0 {
		next = StateQueued
	}
	s.setStateIf(current, next)
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}
	s.logger.Error("shadow sync error", append(attrs, fields...)...)
}
