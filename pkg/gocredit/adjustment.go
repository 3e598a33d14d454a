package gocredit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Step identifies which screen of the adjustment flow is active
type Step string

const (
	StepUserSearch     Step = "user_search"
	StepAdjustmentForm Step = "adjustment_form"
)

const noUsersFoundMessage = "No users found"

// SelectedUser is the target of an adjustment.
// BalanceKnown distinguishes a known zero balance from a manually entered user id.
type SelectedUser struct {
	ID           string
	Email        string
	Name         string
	Balance      int
	BalanceKnown bool
}

// Confirmation is what the confirmation dialog shows before submitting
type Confirmation struct {
	UserID         string
	Amount         int
	Reason         string
	CurrentBalance int
	NewBalance     int
	BalanceKnown   bool
	Message        string
}

// AdjustmentState is the observable state of an AdjustmentFlow.
// Search fields are meaningful in StepUserSearch, form fields in StepAdjustmentForm.
type AdjustmentState struct {
	Step Step

	Query             string
	Results           []UserSummary
	Searching         bool
	SearchMessage     string
	SearchUnavailable bool

	User         *SelectedUser
	AmountInput  string
	Reason       string
	Confirmation *Confirmation
	Submitting   bool
	Error        string
	Result       *AdjustmentResult
}

// AdjustmentConfig holds admin adjustment flow configuration
type AdjustmentConfig struct {
	// DebounceDelay is the pause after typing before a search is sent (default: 500ms)
	DebounceDelay time.Duration

	// RequestTimeout bounds searches and submissions (default: 30s)
	RequestTimeout time.Duration

	// Logger is used for structured logging (default: NoopLogger)
	Logger Logger

	// Metrics is used for tracking searches and adjustments (default: NoopMetrics)
	Metrics Metrics
}

// AdjustmentFlow drives the two-step admin credit adjustment:
// search for a user, then fill in, confirm and submit the adjustment.
type AdjustmentFlow struct {
	backend  Backend
	config   AdjustmentConfig
	state    *Observable[AdjustmentState]
	debounce *debouncer

	searchSeq atomic.Uint64

	mu           sync.Mutex
	searchCancel context.CancelFunc
	submitting   bool
}

// NewAdjustmentFlow creates a flow positioned on the user search step
func NewAdjustmentFlow(backend Backend, config AdjustmentConfig) (*AdjustmentFlow, error) {
	if backend == nil {
		return nil, errors.New("backend is required")
	}

	if config.DebounceDelay <= 0 {
		config.DebounceDelay = 500 * time.Millisecond
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

	return &AdjustmentFlow{
		backend:  backend,
		config:   config,
		state:    NewObservable(AdjustmentState{Step: StepUserSearch}),
		debounce: newDebouncer(config.DebounceDelay),
	}, nil
}

// State returns the current state
func (f *AdjustmentFlow) State() AdjustmentState {
	return f.state.Get()
}

// Subscribe returns a conflated stream of states, starting with the current one
func (f *AdjustmentFlow) Subscribe() (<-chan AdjustmentState, func()) {
	return f.state.Subscribe()
}

// SetQuery stores the search text and schedules a debounced search.
// A blank query clears the results without touching the network.
func (f *AdjustmentFlow) SetQuery(query string) error {
	if f.state.Get().Step != StepUserSearch {
		return ErrInvalidTransition
	}

	// the query changes under mu so a search never pairs a new sequence with an old query
	f.mu.Lock()
	f.searchSeq.Add(1)
	if f.searchCancel != nil {
		f.searchCancel()
		f.searchCancel = nil
	}
	f.state.update(func(s AdjustmentState) AdjustmentState {
		s.Query = query
		return s
	})
	f.mu.Unlock()

	if strings.TrimSpace(query) == "" {
		f.debounce.Stop()
		f.clearResults()
		return nil
	}

	f.debounce.Trigger(func() {
		_ = f.runSearch(context.Background())
	})
	return nil
}

// SearchUsers searches immediately for the current query, superseding any pending
// or in-flight search.
func (f *AdjustmentFlow) SearchUsers(ctx context.Context) error {
	if f.state.Get().Step != StepUserSearch {
		return ErrInvalidTransition
	}
	f.debounce.Stop()
	return f.runSearch(ctx)
}

func (f *AdjustmentFlow) runSearch(parent context.Context) error {
	ctx, cancel := context.WithTimeout(parent, f.config.RequestTimeout)
	defer cancel()

	f.mu.Lock()
	if f.searchCancel != nil {
		f.searchCancel()
		f.searchCancel = nil
	}
	seq := f.searchSeq.Add(1)
	query := strings.TrimSpace(f.state.Get().Query)
	if query != "" {
		f.searchCancel = cancel
	}
	f.mu.Unlock()

	if query == "" {
		f.clearResults()
		return nil
	}

	f.state.update(func(s AdjustmentState) AdjustmentState {
		if s.Step == StepUserSearch {
			s.Searching = true
			s.SearchMessage = ""
		}
		return s
	})

	users, err := f.backend.SearchUsers(ctx, query)

	applied := false
	f.state.update(func(s AdjustmentState) AdjustmentState {
		// a newer search or a step change owns the state now
		if seq != f.searchSeq.Load() || s.Step != StepUserSearch {
			return s
		}
		applied = true
		s.Searching = false
		switch {
		case err != nil:
			s.Results = nil
			s.SearchMessage = UserMessage(err)
			s.SearchUnavailable = IsUnavailable(err)
		case len(users) == 0:
			s.Results = nil
			s.SearchMessage = noUsersFoundMessage
			s.SearchUnavailable = false
		default:
			s.Results = users
			s.SearchMessage = ""
			s.SearchUnavailable = false
		}
		return s
	})

	if !applied {
		return nil
	}

	if err != nil {
		f.config.Metrics.RecordSearch(-1)
		f.config.Logger.Warn("user search failed", Field{"query", query}, Field{"error", err.Error()})
		return err
	}
	f.config.Metrics.RecordSearch(len(users))
	return nil
}

// cancelSearch invalidates any in-flight search so its result is ignored
func (f *AdjustmentFlow) cancelSearch() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.searchSeq.Add(1)
	if f.searchCancel != nil {
		f.searchCancel()
		f.searchCancel = nil
	}
}

func (f *AdjustmentFlow) clearResults() {
	f.state.update(func(s AdjustmentState) AdjustmentState {
		s.Results = nil
		s.Searching = false
		s.SearchMessage = ""
		return s
	})
}

// SelectUser moves to the adjustment form for a search result
func (f *AdjustmentFlow) SelectUser(user UserSummary) error {
	if strings.TrimSpace(user.ID) == "" {
		return &ValidationError{Field: "user_id", Message: "Select a user first."}
	}

	selected := &SelectedUser{
		ID:    user.ID,
		Email: user.Email,
		Name:  user.Name,
	}
	if user.Credits != nil {
		selected.Balance = *user.Credits
		selected.BalanceKnown = true
	}
	return f.enterForm(selected)
}

// EnterUserID moves to the adjustment form for a manually typed user id.
// Used when search is unavailable; the balance is unknown.
func (f *AdjustmentFlow) EnterUserID(userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return &ValidationError{Field: "user_id", Message: "Enter a user ID."}
	}
	return f.enterForm(&SelectedUser{ID: userID})
}

func (f *AdjustmentFlow) enterForm(user *SelectedUser) error {
	if f.state.Get().Step != StepUserSearch {
		return ErrInvalidTransition
	}

	f.debounce.Stop()
	f.cancelSearch()

	f.state.update(func(s AdjustmentState) AdjustmentState {
		return AdjustmentState{
			Step:  StepAdjustmentForm,
			Query: s.Query,
			User:  user,
		}
	})
	f.config.Logger.Debug("adjustment target selected",
		Field{"user_id", user.ID},
		Field{"balance_known", user.BalanceKnown},
	)
	return nil
}

// SetAmount updates the amount text, filtered to digits and a leading minus.
// Editing invalidates a pending confirmation.
func (f *AdjustmentFlow) SetAmount(input string) error {
	return f.editForm(func(s *AdjustmentState) {
		s.AmountInput = FilterAmountInput(input)
	})
}

// SetReason updates the reason text. Editing invalidates a pending confirmation.
func (f *AdjustmentFlow) SetReason(reason string) error {
	return f.editForm(func(s *AdjustmentState) {
		s.Reason = reason
	})
}

func (f *AdjustmentFlow) editForm(edit func(s *AdjustmentState)) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.submitting {
		return ErrSubmitInFlight
	}

	var err error
	f.state.update(func(s AdjustmentState) AdjustmentState {
		if s.Step != StepAdjustmentForm {
			err = ErrInvalidTransition
			return s
		}
		edit(&s)
		s.Confirmation = nil
		s.Error = ""
		return s
	})
	return err
}

// RequestConfirmation validates the form and prepares the confirmation dialog
func (f *AdjustmentFlow) RequestConfirmation() (*Confirmation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.submitting {
		return nil, ErrSubmitInFlight
	}

	current := f.state.Get()
	if current.Step != StepAdjustmentForm || current.User == nil {
		return nil, ErrInvalidTransition
	}

	confirmation, err := buildConfirmation(current)
	f.state.update(func(s AdjustmentState) AdjustmentState {
		s.Confirmation = confirmation
		s.Error = UserMessage(err)
		return s
	})
	if err != nil {
		return nil, err
	}
	return confirmation, nil
}

func buildConfirmation(s AdjustmentState) (*Confirmation, error) {
	amount, err := ParseAmount(s.AmountInput)
	if err != nil {
		return nil, err
	}

	req := &CreditAdjustmentRequest{
		UserID: s.User.ID,
		Amount: amount,
		Reason: strings.TrimSpace(s.Reason),
	}
	if err := ValidateAdjustment(req); err != nil {
		return nil, err
	}

	c := &Confirmation{
		UserID:       req.UserID,
		Amount:       req.Amount,
		Reason:       req.Reason,
		BalanceKnown: s.User.BalanceKnown,
	}
	if s.User.BalanceKnown {
		c.CurrentBalance = s.User.Balance
		c.NewBalance = s.User.Balance + amount
		if c.NewBalance < 0 {
			return nil, &ValidationError{Field: "amount", Message: "Adjustment would make the balance negative."}
		}
		c.Message = fmt.Sprintf("New balance: %d credits", c.NewBalance)
	} else {
		c.Message = fmt.Sprintf("Adjustment: %+d credits", amount)
	}
	return c, nil
}

// CancelConfirmation dismisses the confirmation dialog without submitting
func (f *AdjustmentFlow) CancelConfirmation() {
	f.state.update(func(s AdjustmentState) AdjustmentState {
		if !s.Submitting {
			s.Confirmation = nil
		}
		return s
	})
}

// Submit sends the confirmed adjustment exactly once. While a submission is in
// flight further calls fail with ErrSubmitInFlight and never reach the backend.
// Once sent the request is not cancelled by ctx.
func (f *AdjustmentFlow) Submit(ctx context.Context) (*AdjustmentResult, error) {
	f.mu.Lock()
	if f.submitting {
		f.mu.Unlock()
		return nil, ErrSubmitInFlight
	}
	current := f.state.Get()
	if current.Step != StepAdjustmentForm {
		f.mu.Unlock()
		return nil, ErrInvalidTransition
	}
	if current.Confirmation == nil {
		f.mu.Unlock()
		return nil, ErrNotConfirmed
	}
	f.submitting = true
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.submitting = false
		f.mu.Unlock()
	}()

	confirmation := *current.Confirmation
	f.state.update(func(s AdjustmentState) AdjustmentState {
		s.Submitting = true
		s.Error = ""
		s.Result = nil
		return s
	})

	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.config.RequestTimeout)
	defer cancel()

	req := &CreditAdjustmentRequest{
		UserID: confirmation.UserID,
		Amount: confirmation.Amount,
		Reason: confirmation.Reason,
	}
	direction := string(TransactionTypeCredit)
	if req.Amount < 0 {
		direction = string(TransactionTypeSpend)
	}

	result, err := f.backend.AdjustCredits(sendCtx, req)
	if err == nil && result == nil {
		err = ErrDecodeFailure
	}
	if err != nil {
		f.state.update(func(s AdjustmentState) AdjustmentState {
			s.Submitting = false
			s.Confirmation = nil
			s.Error = UserMessage(err)
			return s
		})
		f.config.Metrics.RecordAdjustment(direction, "error", req.Amount)
		f.config.Logger.Error("credit adjustment failed",
			Field{"user_id", req.UserID},
			Field{"amount", req.Amount},
			Field{"error", err.Error()},
		)
		return nil, err
	}

	f.state.update(func(s AdjustmentState) AdjustmentState {
		s.Submitting = false
		s.Confirmation = nil
		s.AmountInput = ""
		s.Result = result
		if s.User != nil {
			user := *s.User
			user.Balance = result.NewBalance
			user.BalanceKnown = true
			s.User = &user
		}
		return s
	})
	f.config.Metrics.RecordAdjustment(direction, "success", req.Amount)
	f.config.Logger.Info("credit adjustment applied",
		Field{"user_id", req.UserID},
		Field{"amount", req.Amount},
		Field{"new_balance", result.NewBalance},
	)
	return result, nil
}

// Reset returns to the user search step, dropping the form and any result
func (f *AdjustmentFlow) Reset() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.submitting {
		return ErrSubmitInFlight
	}

	f.debounce.Stop()
	f.searchSeq.Add(1)
	if f.searchCancel != nil {
		f.searchCancel()
		f.searchCancel = nil
	}
	f.state.set(AdjustmentState{Step: StepUserSearch})
	return nil
}

// Close releases the debounce timer and any in-flight search
func (f *AdjustmentFlow) Close() {
	f.debounce.Stop()
	f.cancelSearch()
}
