package gocredit

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// BalanceStatus is the lifecycle state of the balance view model
type BalanceStatus string

const (
	BalanceIdle    BalanceStatus = "idle"
	BalanceLoading BalanceStatus = "loading"
	BalanceLoaded  BalanceStatus = "loaded"
	BalanceError   BalanceStatus = "error"
)

// BalanceState is the observable state of a BalanceModel.
// Balance and Transactions keep their last loaded values while loading or in error.
type BalanceState struct {
	Status       BalanceStatus
	Balance      int
	Transactions []CreditTransaction
	HasMore      bool

	// Message is the user-facing error text (empty unless something failed)
	Message string

	// LowBalance is derived from the loaded balance and the configured threshold
	LowBalance bool

	// UpdatedAt is when the last successful response was applied
	UpdatedAt time.Time
}

// BalanceConfig holds balance view model configuration
type BalanceConfig struct {
	// LowBalanceThreshold: balances strictly below it are low (default: 10)
	LowBalanceThreshold int

	// PageSize is the number of transactions fetched per page (default: 50)
	PageSize int

	// RequestTimeout bounds a refresh; refreshes ignore caller cancellation (default: 30s)
	RequestTimeout time.Duration

	// LowBalanceHandler is called once per downward crossing of the threshold (optional)
	LowBalanceHandler LowBalanceHandler

	// Logger is used for structured logging (default: NoopLogger)
	Logger Logger

	// Metrics is used for tracking refreshes (default: NoopMetrics)
	Metrics Metrics
}

// BalanceModel tracks the caller's balance and transaction history
type BalanceModel struct {
	backend Backend
	config  BalanceConfig
	state   *Observable[BalanceState]
	group   singleflight.Group

	mu          sync.Mutex
	warnArmed   bool
	generation  uint64
	loadingMore bool
}

// NewBalanceModel creates a balance view model in the idle state
func NewBalanceModel(backend Backend, config BalanceConfig) (*BalanceModel, error) {
	if backend == nil {
		return nil, errors.New("backend is required")
	}

	if config.LowBalanceThreshold <= 0 {
		config.LowBalanceThreshold = 10
	}
	if config.PageSize <= 0 {
		config.PageSize = DefaultPageSize
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 30 * time.Second
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}

	return &BalanceModel{
		backend:   backend,
		config:    config,
		state:     NewObservable(BalanceState{Status: BalanceIdle}),
		warnArmed: true,
	}, nil
}

// State returns the current state
func (m *BalanceModel) State() BalanceState {
	return m.state.Get()
}

// Subscribe returns a conflated stream of states, starting with the current one
func (m *BalanceModel) Subscribe() (<-chan BalanceState, func()) {
	return m.state.Subscribe()
}

// Refresh reloads balance and the first transaction page.
// Callers arriving while a refresh is in flight wait for that refresh instead of
// starting another. Cancelling ctx stops the wait, not the request.
func (m *BalanceModel) Refresh(ctx context.Context) error {
	ch := m.group.DoChan("refresh", func() (interface{}, error) {
		return nil, m.refresh(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Retry refreshes after a failure. It is only valid from the error state.
func (m *BalanceModel) Retry(ctx context.Context) error {
	if m.state.Get().Status != BalanceError {
		return ErrInvalidTransition
	}
	return m.Refresh(ctx)
}

func (m *BalanceModel) refresh(ctx context.Context) error {
	start := time.Now()
	m.state.update(func(s BalanceState) BalanceState {
		s.Status = BalanceLoading
		s.Message = ""
		return s
	})

	ctx, cancel := context.WithTimeout(ctx, m.config.RequestTimeout)
	defer cancel()

	var balance *CreditBalance
	var page *TransactionPage

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		balance, err = m.backend.GetBalance(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		page, err = m.backend.ListTransactions(gctx, PageRequest{Limit: m.config.PageSize})
		return err
	})

	if err := g.Wait(); err != nil {
		m.state.update(func(s BalanceState) BalanceState {
			s.Status = BalanceError
			s.Message = UserMessage(err)
			return s
		})
		m.config.Metrics.RecordRefresh(string(BalanceError), time.Since(start))
		m.config.Logger.Warn("balance refresh failed", Field{"error", err.Error()})
		return err
	}
	if balance == nil || page == nil {
		err := ErrDecodeFailure
		m.state.update(func(s BalanceState) BalanceState {
			s.Status = BalanceError
			s.Message = UserMessage(err)
			return s
		})
		m.config.Metrics.RecordRefresh(string(BalanceError), time.Since(start))
		return err
	}

	threshold := m.config.LowBalanceThreshold
	low := balance.Balance < threshold

	m.mu.Lock()
	fire := low && m.warnArmed
	m.warnArmed = !low
	m.generation++
	m.mu.Unlock()

	m.state.set(BalanceState{
		Status:       BalanceLoaded,
		Balance:      balance.Balance,
		Transactions: page.Transactions,
		HasMore:      page.HasMore,
		LowBalance:   low,
		UpdatedAt:    time.Now().UTC(),
	})
	m.config.Metrics.RecordRefresh(string(BalanceLoaded), time.Since(start))
	m.config.Logger.Debug("balance refreshed",
		Field{"balance", balance.Balance},
		Field{"transactions", len(page.Transactions)},
	)

	if fire {
		m.config.Metrics.RecordLowBalanceWarning()
		m.config.Logger.Info("low balance", Field{"balance", balance.Balance}, Field{"threshold", threshold})
		if m.config.LowBalanceHandler != nil {
			m.config.LowBalanceHandler.OnLowBalance(ctx, balance.Balance, threshold)
		}
	}

	return nil
}

// LoadMore appends the next page of transactions. Valid only when loaded with more pages.
// A page that arrives after a newer refresh is discarded.
func (m *BalanceModel) LoadMore(ctx context.Context) error {
	current := m.state.Get()
	if current.Status != BalanceLoaded || !current.HasMore {
		return ErrInvalidTransition
	}

	m.mu.Lock()
	if m.loadingMore {
		m.mu.Unlock()
		return nil
	}
	m.loadingMore = true
	generation := m.generation
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.loadingMore = false
		m.mu.Unlock()
	}()

	page, err := m.backend.ListTransactions(ctx, PageRequest{
		Limit:  m.config.PageSize,
		Offset: len(current.Transactions),
	})
	if err != nil {
		m.state.update(func(s BalanceState) BalanceState {
			m.mu.Lock()
			stale := generation != m.generation
			m.mu.Unlock()
			if stale {
				return s
			}
			s.Message = UserMessage(err)
			return s
		})
		m.config.Logger.Warn("loading more transactions failed", Field{"error", err.Error()})
		return err
	}

	m.state.update(func(s BalanceState) BalanceState {
		m.mu.Lock()
		stale := generation != m.generation
		m.mu.Unlock()
		if stale {
			return s
		}
		merged := make([]CreditTransaction, 0, len(s.Transactions)+len(page.Transactions))
		merged = append(merged, s.Transactions...)
		merged = append(merged, page.Transactions...)
		s.Transactions = merged
		s.HasMore = page.HasMore
		s.Message = ""
		return s
	})
	return nil
}
