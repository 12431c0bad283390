package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/hpungsan/landscape/internal/landscape"
	"github.com/hpungsan/landscape/internal/logging"
)

// BreakerConfig tunes the circuit breaker guarding persistence writes.
type BreakerConfig struct {
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold float64
	MinRequests      uint32
}

// DefaultBreakerConfig returns the breaker settings used by the coordinator.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:      1,
		Interval:         30 * time.Second,
		Timeout:          30 * time.Second,
		FailureThreshold: 0.5,
		MinRequests:      5,
	}
}

// Store persists landscape records to SQLite. It implements landscape.Persister.
// Writes go through a circuit breaker: while the database keeps failing, writes
// are rejected quickly and the coordinator keeps serving from memory.
type Store struct {
	db           *sql.DB
	cb           *gobreaker.CircuitBreaker
	logger       *zap.Logger
	writeTimeout time.Duration
}

// NewStore wraps db with a circuit breaker.
func NewStore(db *sql.DB, cfg BreakerConfig, logger *zap.Logger) *Store {
	logger = logging.OrNop(logger)
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "sqlite",
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return &Store{
		db:           db,
		cb:           cb,
		logger:       logger,
		writeTimeout: 5 * time.Second,
	}
}

// State returns the breaker state ("closed", "half-open" or "open").
func (s *Store) State() string {
	return s.cb.State().String()
}

// SaveMinimum implements landscape.Persister.
func (s *Store) SaveMinimum(m landscape.Minimum) error {
	return s.exec(func(ctx context.Context) error {
		return InsertMinimum(ctx, s.db, m)
	})
}

// SaveTransitionState implements landscape.Persister.
func (s *Store) SaveTransitionState(ts landscape.TransitionState) error {
	return s.exec(func(ctx context.Context) error {
		return InsertTransitionState(ctx, s.db, ts)
	})
}

// UpdateMinimumHits implements landscape.Persister.
func (s *Store) UpdateMinimumHits(id int64, hits int) error {
	return s.exec(func(ctx context.Context) error {
		return UpdateMinimumHits(ctx, s.db, id, hits)
	})
}

func (s *Store) exec(fn func(ctx context.Context) error) error {
	_, err := s.cb.Execute(func() (any, error) {
		ctx, cancel := context.WithTimeout(context.Background(), s.writeTimeout)
		defer cancel()
		return nil, fn(ctx)
	})
	return err
}
