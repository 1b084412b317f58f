package ledger

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Reason classifies a balance change. Every transaction carries one so the
// log stays auditable.
type Reason string

const (
	ReasonServedRequest Reason = "served_request"
	ReasonPaidRequest   Reason = "paid_request"
	ReasonBarterTrade   Reason = "barter_trade"
	ReasonAdjustment    Reason = "adjustment"
)

// Transaction is an immutable ledger entry. Amount is signed: earns are
// positive, spends negative.
type Transaction struct {
	ID        string    `json:"id"`
	Amount    int64     `json:"amount"`
	Reason    Reason    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidAmount       = errors.New("amount must be positive")
)

// Store is the append-only persistence behind a ledger. Entries come back
// from All in append order.
type Store interface {
	Append(tx Transaction) error
	All() ([]Transaction, error)
	Close() error
}

// Ledger is the local device's token balance: an append-only transaction
// log with a running sum that never goes negative. All mutation is
// serialized by a single mutex so concurrent spends cannot race past the
// balance check.
type Ledger struct {
	mu      sync.Mutex
	store   Store
	balance int64
	log     []Transaction
}

// New opens a ledger over the given store, replaying the existing log to
// reconstruct the balance.
func New(store Store) (*Ledger, error) {
	log, err := store.All()
	if err != nil {
		return nil, fmt.Errorf("failed to replay ledger: %w", err)
	}

	var balance int64
	for _, tx := range log {
		balance += tx.Amount
	}
	if balance < 0 {
		return nil, fmt.Errorf("corrupt ledger: replayed balance %d is negative", balance)
	}

	return &Ledger{store: store, balance: balance, log: log}, nil
}

// Balance returns the current token balance.
func (l *Ledger) Balance() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balance
}

// Earn credits amount tokens. Always succeeds for a positive amount.
func (l *Ledger) Earn(amount int64, reason Reason) (Transaction, error) {
	if amount <= 0 {
		return Transaction{}, ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.append(amount, reason)
}

// Spend debits amount tokens, failing with ErrInsufficientBalance and no
// state change if the balance would go negative.
func (l *Ledger) Spend(amount int64, reason Reason) (Transaction, error) {
	if amount <= 0 {
		return Transaction{}, ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.balance-amount < 0 {
		return Transaction{}, ErrInsufficientBalance
	}
	return l.append(-amount, reason)
}

// append must be called with the mutex held. The store write happens
// before the in-memory state moves so a failed write leaves the ledger
// untouched.
func (l *Ledger) append(amount int64, reason Reason) (Transaction, error) {
	tx := Transaction{
		ID:        uuid.New().String(),
		Amount:    amount,
		Reason:    reason,
		Timestamp: time.Now(),
	}
	if err := l.store.Append(tx); err != nil {
		return Transaction{}, fmt.Errorf("failed to append transaction: %w", err)
	}
	l.log = append(l.log, tx)
	l.balance += amount
	return tx, nil
}

// Transactions returns a copy of the full log in append order.
func (l *Ledger) Transactions() []Transaction {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Transaction, len(l.log))
	copy(out, l.log)
	return out
}

// EarnedSince sums positive transactions with the given reason recorded at
// or after since. Used for the daily status projection.
func (l *Ledger) EarnedSince(since time.Time, reason Reason) (count int, total int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, tx := range l.log {
		if tx.Amount > 0 && tx.Reason == reason && !tx.Timestamp.Before(since) {
			count++
			total += tx.Amount
		}
	}
	return count, total
}
