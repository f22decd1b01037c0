package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/verify-campaigns/internal/cache"
	"github.com/example/verify-campaigns/internal/model"
	"github.com/example/verify-campaigns/internal/repo"
)

// StatusCounts is the per-verification-status breakdown for a date range.
type StatusCounts struct {
	From   time.Time                        `json:"from"`
	To     time.Time                        `json:"to"`
	Counts map[model.VerificationStatus]int `json:"counts"`
	Cached bool                             `json:"cached"`
}

// StatsService serves read-only phone statistics with a Redis read-through.
// Cache failures are logged and fall back to the database; a corrupt cache
// entry is deleted and recomputed.
type StatsService struct {
	store repo.Store
	cache cache.StatsCache
	log   *slog.Logger
	now   func() time.Time
}

func NewStatsService(store repo.Store, statsCache cache.StatsCache) *StatsService {
	if statsCache == nil {
		statsCache = cache.Noop{}
	}
	return &StatsService{
		store: store,
		cache: statsCache,
		log:   slog.Default().With("component", "stats"),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func statsKey(from, to time.Time) string {
	return fmt.Sprintf("stats:%s:%s", from.UTC().Format("2006-01-02"), to.UTC().Format("2006-01-02"))
}

// StatusCountsByRange counts phone records per status updated inside the
// range. Days are extended to whole UTC days. When useCache is false the
// cache is bypassed but the fresh result is still stored.
func (s *StatsService) StatusCountsByRange(ctx context.Context, from, to time.Time, useCache bool) (*StatusCounts, error) {
	from = startOfDayUTC(from)
	to = endOfDayUTC(to)
	key := statsKey(from, to)

	if useCache {
		if cached, ok := s.lookupCache(ctx, key); ok {
			cached.Cached = true
			return cached, nil
		}
	}

	counts, err := s.store.Phones().CountByStatus(ctx, from, to)
	if err != nil {
		return nil, err
	}

	result := &StatusCounts{From: from, To: to, Counts: counts}

	if payload, err := json.Marshal(result); err == nil {
		if err := s.cache.Set(ctx, key, string(payload)); err != nil {
			s.log.Warn("failed to cache stats", "key", key, "error", err)
		}
	}
	return result, nil
}

// RefreshToday recomputes and caches the current day's counts. Run by the
// background scheduler.
func (s *StatsService) RefreshToday(ctx context.Context) error {
	today := s.now()
	_, err := s.StatusCountsByRange(ctx, today, today, false)
	return err
}

func (s *StatsService) lookupCache(ctx context.Context, key string) (*StatusCounts, bool) {
	raw, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		s.log.Warn("stats cache read failed", "key", key, "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}

	var cached StatusCounts
	if err := json.Unmarshal([]byte(raw), &cached); err != nil {
		s.log.Warn("corrupt stats cache entry, recomputing", "key", key, "error", err)
		if err := s.cache.Delete(ctx, key); err != nil {
			s.log.Warn("failed to drop corrupt stats entry", "key", key, "error", err)
		}
		return nil, false
	}
	return &cached, true
}

func startOfDayUTC(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func endOfDayUTC(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 23, 59, 59, 999999999, time.UTC)
}
