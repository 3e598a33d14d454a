// Package tiered provides a Hot/Cold tiered ledger that keeps a fast store (Hot)
// in front of a durable source of truth (Cold).
package tiered

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mihaimyh/gocredit/pkg/gocredit"
)

// HotLedger is a Ledger whose records can be dropped so the next read refills
// them from Cold. Both storage/memory and storage/redis qualify.
type HotLedger interface {
	gocredit.Ledger
	DeleteUser(ctx context.Context, userID string) error
}

// Config configures the tiered storage behavior
type Config struct {
	// Hot is the L1 store (e.g., Redis, Memory) serving balance reads
	Hot HotLedger

	// Cold is the L2 store (e.g., Postgres, Firestore) and the source of truth
	Cold gocredit.Ledger

	// AsyncMirror applies committed transactions to Hot from a background worker.
	// If false, Hot is updated before ApplyTransaction returns.
	AsyncMirror bool

	// SyncBufferSize is the size of the buffered channel for async operations.
	// Default: 1000
	SyncBufferSize int

	// AsyncErrorHandler is called when Hot could not be kept in step with Cold.
	// The drifted Hot record has been evicted by then; the handler is for monitoring.
	AsyncErrorHandler func(error)
}

// Storage implements gocredit.Ledger over two backends:
// - Read-Through: GetUser (Hot → Cold → populate Hot)
// - Write-Through: UpsertUser, ApplyTransaction (Cold → Hot)
// - Cold-Only: SearchUsers, ListTransactions
//
// A Hot record that misses a write or disagrees with Cold is evicted. Users whose
// eviction failed are marked stale and read from Cold until eviction succeeds.
type Storage struct {
	hot  HotLedger
	cold gocredit.Ledger
	conf Config

	staleMu sync.Mutex
	stale   map[string]struct{}

	// Channel for async mirroring
	syncQueue chan func() error
	shutdown  chan struct{}
	wg        sync.WaitGroup
}

// New creates a new tiered storage adapter.
func New(config Config) (*Storage, error) {
	if config.Hot == nil || config.Cold == nil {
		return nil, errors.New("tiered storage: both hot and cold storage are required")
	}

	if config.SyncBufferSize <= 0 {
		config.SyncBufferSize = 1000
	}

	s := &Storage{
		hot:       config.Hot,
		cold:      config.Cold,
		conf:      config,
		syncQueue: make(chan func() error, config.SyncBufferSize),
		shutdown:  make(chan struct{}),
		stale:     make(map[string]struct{}),
	}

	if config.AsyncMirror {
		s.startWorker()
	}

	return s, nil
}

// Close drains pending mirror writes and stops the worker (if enabled).
func (s *Storage) Close() error {
	if s.conf.AsyncMirror {
		select {
		case <-s.shutdown:
			// Already closed
		default:
			close(s.shutdown)
			s.wg.Wait()
		}
	}
	return nil
}

// startWorker runs the background mirroring loop.
// Jobs run sequentially so Hot sees transactions in commit order.
func (s *Storage) startWorker() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case job := <-s.syncQueue:
				s.report(job())
			case <-s.shutdown:
				for {
					select {
					case job := <-s.syncQueue:
						s.report(job())
					default:
						return
					}
				}
			}
		}
	}()
}

func (s *Storage) report(err error) {
	if err != nil && s.conf.AsyncErrorHandler != nil {
		s.conf.AsyncErrorHandler(fmt.Errorf("tiered sync failed: %w", err))
	}
}

// --- Strategy: Read-Through (Hot → Cold → Populate Hot) ---

// GetUser implements gocredit.Ledger with read-through strategy.
func (s *Storage) GetUser(ctx context.Context, userID string) (*gocredit.User, error) {
	stale := s.isStale(userID)

	// 1. Try Hot
	if !stale {
		u, err := s.hot.GetUser(ctx, userID)
		if err == nil {
			return u, nil
		}
	}

	// 2. Try Cold (Source of Truth)
	u, err := s.cold.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	// A stale record has to go before Hot can be refilled
	if stale && s.evict(ctx, userID) != nil {
		return u, nil
	}

	// 3. Populate Hot (Read-Repair). A new Hot record takes the Cold balance.
	_ = s.hot.UpsertUser(ctx, u) //nolint:errcheck // Cache fill - errors are non-critical

	return u, nil
}

// --- Strategy: Write-Through (Cold → Hot) ---

// UpsertUser implements gocredit.Ledger with write-through strategy.
func (s *Storage) UpsertUser(ctx context.Context, user *gocredit.User) error {
	// 1. Write Cold (Durability)
	if err := s.cold.UpsertUser(ctx, user); err != nil {
		return err
	}
	// 2. Write Hot (Availability)
	_ = s.hot.UpsertUser(ctx, user) //nolint:errcheck // Best effort - Cold is source of truth
	return nil
}

// ApplyTransaction implements gocredit.Ledger with write-through strategy.
// Cold decides the outcome; Hot replays the same entry so its balance follows.
func (s *Storage) ApplyTransaction(ctx context.Context, entry *gocredit.LedgerEntry) (*gocredit.AdjustmentResult, error) {
	result, err := s.cold.ApplyTransaction(ctx, entry)
	if err != nil {
		return nil, err
	}

	mirrored := *entry
	want := result.NewBalance
	job := func(ctx context.Context) error {
		return s.mirror(ctx, &mirrored, want)
	}

	if s.conf.AsyncMirror {
		// Attempt to enqueue non-blocking
		select {
		case s.syncQueue <- func() error {
			// Background context ensures completion even if request cancels
			return job(context.Background())
		}:
		default:
			// Hot would miss this entry for good, so drop its record instead
			s.report(errors.Join(
				errors.New("sync queue full, dropping hot write"),
				s.evict(context.WithoutCancel(ctx), entry.UserID),
			))
		}
	} else {
		s.report(job(ctx))
	}

	return result, nil
}

// mirror applies a committed entry to Hot. Users Hot has never cached are skipped;
// a failed write or a balance that disagrees with Cold evicts the Hot record.
func (s *Storage) mirror(ctx context.Context, entry *gocredit.LedgerEntry, want int) error {
	if s.isStale(entry.UserID) {
		return s.evict(ctx, entry.UserID)
	}

	got, err := s.hot.ApplyTransaction(ctx, entry)
	if errors.Is(err, gocredit.ErrUserNotFound) {
		return nil
	}
	if err != nil {
		return errors.Join(err, s.evict(ctx, entry.UserID))
	}
	if got.NewBalance != want {
		return errors.Join(
			fmt.Errorf("hot balance for %s is %d, cold is %d", entry.UserID, got.NewBalance, want),
			s.evict(ctx, entry.UserID),
		)
	}
	return nil
}

// evict drops userID from Hot. On failure the user stays marked stale so reads
// bypass Hot and retry the eviction.
func (s *Storage) evict(ctx context.Context, userID string) error {
	s.staleMu.Lock()
	s.stale[userID] = struct{}{}
	s.staleMu.Unlock()

	if err := s.hot.DeleteUser(ctx, userID); err != nil {
		return fmt.Errorf("evict %s from hot: %w", userID, err)
	}

	s.staleMu.Lock()
	delete(s.stale, userID)
	s.staleMu.Unlock()
	return nil
}

func (s *Storage) isStale(userID string) bool {
	s.staleMu.Lock()
	defer s.staleMu.Unlock()
	_, ok := s.stale[userID]
	return ok
}

// --- Strategy: Cold-Only ---
// Hot only holds users it has seen since startup, so history and search go to Cold.

// SearchUsers implements gocredit.Ledger with cold-only strategy.
func (s *Storage) SearchUsers(ctx context.Context, query string, limit int) ([]gocredit.User, error) {
	return s.cold.SearchUsers(ctx, query, limit)
}

// ListTransactions implements gocredit.Ledger with cold-only strategy.
func (s *Storage) ListTransactions(
	ctx context.Context, userID string, page gocredit.PageRequest,
) (*gocredit.TransactionPage, error) {
	return s.cold.ListTransactions(ctx, userID, page)
}

type cleaner interface {
	Cleanup(ctx context.Context) error
}

// Cleanup expires idempotency keys in every tier that supports it.
func (s *Storage) Cleanup(ctx context.Context) error {
	var errs []error
	for _, l := range []gocredit.Ledger{s.cold, s.hot} {
		if c, ok := l.(cleaner); ok {
			errs = append(errs, c.Cleanup(ctx))
		}
	}
	return errors.Join(errs...)
}
