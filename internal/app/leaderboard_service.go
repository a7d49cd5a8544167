package app

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"terratueftler-service/internal/domain"
	"terratueftler-service/internal/logging"
)

// bucketCap is the retention limit per (mode, category, timeLimit) bucket.
const bucketCap = 50

// dedupWindow is how close two otherwise-identical entries must be to count
// as the same double-submitted session.
const dedupWindow = time.Second

// LeaderboardStore persists the leaderboard document as a whole.
type LeaderboardStore interface {
	LoadLeaderboard(ctx context.Context) (domain.LeaderboardData, error)
	SaveLeaderboard(ctx context.Context, data domain.LeaderboardData) error
}

// LeaderboardUpdate is pushed to subscribers after a bucket changes.
type LeaderboardUpdate struct {
	Mode      string                    `json:"mode"`
	Category  string                    `json:"category"`
	TimeLimit *float64                  `json:"timeLimit,omitempty"`
	Entries   []domain.LeaderboardEntry `json:"entries"`
}

// LeaderboardService owns the leaderboard document: bucketed session
// records, merged and capped on every write, with a subscription feed for
// live views.
type LeaderboardService struct {
	mu          sync.RWMutex
	data        domain.LeaderboardData
	store       LeaderboardStore
	now         func() time.Time
	log         *logging.Logger
	subscribers map[chan LeaderboardUpdate]struct{}
}

// NewLeaderboardService loads the persisted document. A missing or empty
// document starts fresh.
func NewLeaderboardService(ctx context.Context, store LeaderboardStore, now func() time.Time, log *logging.Logger) (*LeaderboardService, error) {
	data, err := store.LoadLeaderboard(ctx)
	if err != nil {
		return nil, fmt.Errorf("load leaderboard: %w", err)
	}
	normalizeLeaderboard(&data)
	if now == nil {
		now = time.Now
	}
	return &LeaderboardService{
		data:        data,
		store:       store,
		now:         now,
		log:         log,
		subscribers: make(map[chan LeaderboardUpdate]struct{}),
	}, nil
}

// RecordSession appends the entry to its bucket, then re-sorts, dedups, and
// caps the whole bucket before persisting.
func (s *LeaderboardService) RecordSession(ctx context.Context, entry domain.LeaderboardEntry) error {
	if entry.Name == "" {
		entry.Name = AnonymousName
	}
	if entry.CorrectAnswers < 0 || entry.TotalQuestions < 0 || entry.MaxStreak < 0 {
		return domain.Validationf("leaderboard counters must not be negative")
	}
	if entry.Mode != domain.ModeImageBased && entry.Mode != domain.ModeTimeLimited {
		return domain.Validationf("unknown quiz mode %q", entry.Mode)
	}
	if entry.Mode == domain.ModeTimeLimited && entry.TimeLimit == nil {
		return domain.Validationf("time-limited entries need a time limit")
	}
	if entry.Category == "" {
		return domain.Validationf("category is required")
	}
	if entry.CompletedAt.IsZero() {
		entry.CompletedAt = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	bucket := s.bucketLocked(entry.Mode, entry.Category, entry.TimeLimit)
	merged := mergeBucket(append(bucket, entry))
	s.setBucketLocked(entry.Mode, entry.Category, entry.TimeLimit, merged)
	s.refreshMetadataLocked()

	if err := s.store.SaveLeaderboard(ctx, s.data); err != nil {
		return fmt.Errorf("persist leaderboard: %w", err)
	}

	s.broadcastLocked(LeaderboardUpdate{
		Mode:      entry.Mode,
		Category:  entry.Category,
		TimeLimit: entry.TimeLimit,
		Entries:   append([]domain.LeaderboardEntry(nil), merged...),
	})
	return nil
}

// Entries returns the bucket for (mode, category, timeLimit), highest rank
// first.
func (s *LeaderboardService) Entries(mode, category string, timeLimit *float64) []domain.LeaderboardEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.LeaderboardEntry(nil), s.bucketLocked(mode, category, timeLimit)...)
}

// Data returns a copy of the whole document.
func (s *LeaderboardService) Data() domain.LeaderboardData {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneLeaderboard(s.data)
}

// SetData replaces the whole document (admin import flow). Every bucket is
// re-merged so ordering, dedup, and the cap hold for imported data too.
func (s *LeaderboardService) SetData(ctx context.Context, data domain.LeaderboardData) error {
	normalizeLeaderboard(&data)
	for category, entries := range data.ImageBased {
		data.ImageBased[category] = mergeBucket(entries)
	}
	for _, byLimit := range data.TimeLimited {
		for key, entries := range byLimit {
			byLimit[key] = mergeBucket(entries)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = data
	s.refreshMetadataLocked()
	if err := s.store.SaveLeaderboard(ctx, s.data); err != nil {
		return fmt.Errorf("persist leaderboard: %w", err)
	}
	return nil
}

// ClearBucket empties one bucket.
func (s *LeaderboardService) ClearBucket(ctx context.Context, mode, category string, timeLimit *float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setBucketLocked(mode, category, timeLimit, []domain.LeaderboardEntry{})
	s.refreshMetadataLocked()
	if err := s.store.SaveLeaderboard(ctx, s.data); err != nil {
		return fmt.Errorf("persist leaderboard: %w", err)
	}
	s.broadcastLocked(LeaderboardUpdate{Mode: mode, Category: category, TimeLimit: timeLimit, Entries: []domain.LeaderboardEntry{}})
	return nil
}

// ClearAll resets the whole document.
func (s *LeaderboardService) ClearAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = domain.NewLeaderboardData()
	s.refreshMetadataLocked()
	if err := s.store.SaveLeaderboard(ctx, s.data); err != nil {
		return fmt.Errorf("persist leaderboard: %w", err)
	}
	return nil
}

// Statistics aggregates every bucket: totals, distinct players, the global
// top ten, and per-(mode, category) entry counts.
func (s *LeaderboardService) Statistics() domain.LeaderboardStatistics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := domain.LeaderboardStatistics{
		CategoryStats: map[string]map[string]int{
			domain.ModeImageBased:  {},
			domain.ModeTimeLimited: {},
		},
		LastUpdated: s.data.Metadata.LastUpdated,
	}
	players := make(map[string]struct{})
	var all []domain.LeaderboardEntry

	for category, entries := range s.data.ImageBased {
		stats.TotalEntries += len(entries)
		stats.CategoryStats[domain.ModeImageBased][category] = len(entries)
		for _, e := range entries {
			players[e.Name] = struct{}{}
		}
		all = append(all, entries...)
	}
	for category, byLimit := range s.data.TimeLimited {
		count := 0
		for _, entries := range byLimit {
			count += len(entries)
			for _, e := range entries {
				players[e.Name] = struct{}{}
			}
			all = append(all, entries...)
		}
		stats.TotalEntries += count
		stats.CategoryStats[domain.ModeTimeLimited][category] = count
	}

	sort.SliceStable(all, func(i, j int) bool { return entryLess(all[i], all[j]) })
	if len(all) > 10 {
		all = all[:10]
	}
	stats.TopPerformers = append([]domain.LeaderboardEntry(nil), all...)
	stats.TotalPlayers = len(players)
	return stats
}

// Subscribe returns a channel receiving bucket updates. The caller must
// invoke cancel to avoid leaks.
func (s *LeaderboardService) Subscribe() (<-chan LeaderboardUpdate, func()) {
	ch := make(chan LeaderboardUpdate, 8)
	s.mu.Lock()
	s.subscribers[ch] = struct{}{}
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		if _, ok := s.subscribers[ch]; ok {
			delete(s.subscribers, ch)
			close(ch)
		}
		s.mu.Unlock()
	}
	return ch, cancel
}

func (s *LeaderboardService) broadcastLocked(update LeaderboardUpdate) {
	for ch := range s.subscribers {
		select {
		case ch <- update:
		default:
			// Drop the oldest pending update rather than block the writer.
			select {
			case <-ch:
			default:
			}
			ch <- update
		}
	}
}

func (s *LeaderboardService) bucketLocked(mode, category string, timeLimit *float64) []domain.LeaderboardEntry {
	if mode == domain.ModeTimeLimited {
		if timeLimit == nil {
			return nil
		}
		return s.data.TimeLimited[category][domain.TimeLimitKey(*timeLimit)]
	}
	return s.data.ImageBased[category]
}

func (s *LeaderboardService) setBucketLocked(mode, category string, timeLimit *float64, entries []domain.LeaderboardEntry) {
	if mode == domain.ModeTimeLimited {
		if timeLimit == nil {
			return
		}
		byLimit, ok := s.data.TimeLimited[category]
		if !ok {
			byLimit = make(map[string][]domain.LeaderboardEntry)
			s.data.TimeLimited[category] = byLimit
		}
		byLimit[domain.TimeLimitKey(*timeLimit)] = entries
		return
	}
	s.data.ImageBased[category] = entries
}

func (s *LeaderboardService) refreshMetadataLocked() {
	total := 0
	for _, entries := range s.data.ImageBased {
		total += len(entries)
	}
	for _, byLimit := range s.data.TimeLimited {
		for _, entries := range byLimit {
			total += len(entries)
		}
	}
	s.data.Metadata.TotalEntries = total
	s.data.Metadata.LastUpdated = s.now()
	if s.data.Metadata.Version == "" {
		s.data.Metadata.Version = "1.0"
	}
}

// mergeBucket sorts, deduplicates, and caps one bucket. Two entries are the
// same underlying session when name and both counters match and their
// timestamps lie within one second; the later-seen one is dropped.
func mergeBucket(entries []domain.LeaderboardEntry) []domain.LeaderboardEntry {
	merged := make([]domain.LeaderboardEntry, 0, len(entries))
	for _, candidate := range entries {
		duplicate := false
		for _, kept := range merged {
			if kept.Name == candidate.Name &&
				kept.CorrectAnswers == candidate.CorrectAnswers &&
				kept.TotalQuestions == candidate.TotalQuestions &&
				absDuration(kept.CompletedAt.Sub(candidate.CompletedAt)) < dedupWindow {
				duplicate = true
				break
			}
		}
		if !duplicate {
			merged = append(merged, candidate)
		}
	}

	sort.SliceStable(merged, func(i, j int) bool { return entryLess(merged[i], merged[j]) })
	if len(merged) > bucketCap {
		merged = merged[:bucketCap]
	}
	return merged
}

// entryLess ranks by correct answers desc, then accuracy desc, then
// completion time desc.
func entryLess(a, b domain.LeaderboardEntry) bool {
	if a.CorrectAnswers != b.CorrectAnswers {
		return a.CorrectAnswers > b.CorrectAnswers
	}
	if a.Accuracy() != b.Accuracy() {
		return a.Accuracy() > b.Accuracy()
	}
	return a.CompletedAt.After(b.CompletedAt)
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

func normalizeLeaderboard(data *domain.LeaderboardData) {
	if data.ImageBased == nil {
		data.ImageBased = make(map[string][]domain.LeaderboardEntry)
	}
	if data.TimeLimited == nil {
		data.TimeLimited = make(map[string]map[string][]domain.LeaderboardEntry)
	}
	if data.Metadata.Version == "" {
		data.Metadata.Version = "1.0"
	}
}

func cloneLeaderboard(data domain.LeaderboardData) domain.LeaderboardData {
	out := domain.LeaderboardData{
		ImageBased:  make(map[string][]domain.LeaderboardEntry, len(data.ImageBased)),
		TimeLimited: make(map[string]map[string][]domain.LeaderboardEntry, len(data.TimeLimited)),
		Metadata:    data.Metadata,
	}
	for category, entries := range data.ImageBased {
		out.ImageBased[category] = append([]domain.LeaderboardEntry(nil), entries...)
	}
	for category, byLimit := range data.TimeLimited {
		cloned := make(map[string][]domain.LeaderboardEntry, len(byLimit))
		for key, entries := range byLimit {
			cloned[key] = append([]domain.LeaderboardEntry(nil), entries...)
		}
		out.TimeLimited[category] = cloned
	}
	return out
}
