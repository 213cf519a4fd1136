package ledgerxgo

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/snowflake"
	"golang.org/x/sync/semaphore"
)

var (
	_ AccountStore     = (*MemAccountStore)(nil)
	_ TransactionStore = (*MemTransactionStore)(nil)
)

// acctSlot pairs an account's exclusive lock with its last committed state.
// Waiters on lock are served in FIFO order.
type acctSlot struct {
	lock  *semaphore.Weighted
	state atomic.Pointer[Account]
}

// memUnit is the unit of work of one WithLock/WithLockOrdered call. Persisted
// accounts and appended transactions are staged here and published together
// right before the locks are released.
type memUnit struct {
	store    *MemAccountStore
	held     map[snowflake.ID]*acctSlot
	staged   map[snowflake.ID]Account
	deferred []func()
}

type memUnitKey struct{}

func memUnitFrom(ctx context.Context) *memUnit {
	u, _ := ctx.Value(memUnitKey{}).(*memUnit)
	return u
}

// commit publishes staged states one account at a time. Lock holders always
// see both sides of a transfer, but a lock-free Get may briefly observe one
// account updated before the other.
func (u *memUnit) commit() {
	for id, acct := range u.staged {
		a := acct
		u.held[id].state.Store(&a)
	}
	for _, fn := range u.deferred {
		fn()
	}
}

type MemAccountStore struct {
	mu          sync.RWMutex
	slots       map[snowflake.ID]*acctSlot
	lockTimeout time.Duration
}

// NewMemAccountStore returns an empty store. A positive lockTimeout bounds
// every lock acquisition.
func NewMemAccountStore(lockTimeout time.Duration) *MemAccountStore {
	return &MemAccountStore{
		slots:       make(map[snowflake.ID]*acctSlot),
		lockTimeout: lockTimeout,
	}
}

func (s *MemAccountStore) Insert(ctx context.Context, acct Account) error {
	if acct.Balance.IsNegative() {
		return ErrBadRequest{Fields: map[string]string{"initialBalance": "must not be negative"}}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.slots[acct.AcctID]; ok {
		return ErrInvalidOperation{Reason: "account already exists"}
	}
	slot := &acctSlot{lock: semaphore.NewWeighted(1)}
	slot.state.Store(&acct)
	s.slots[acct.AcctID] = slot
	return nil
}

func (s *MemAccountStore) slot(id snowflake.ID) (*acctSlot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	slot, ok := s.slots[id]
	if !ok {
		return nil, ErrNotFound{Resource: "account", ID: id}
	}
	return slot, nil
}

func (s *MemAccountStore) Get(ctx context.Context, id snowflake.ID) (*Account, error) {
	slot, err := s.slot(id)
	if err != nil {
		return nil, err
	}
	acct := *slot.state.Load()
	return &acct, nil
}

func (s *MemAccountStore) List(ctx context.Context) ([]Account, error) {
	return s.collect(func(*Account) bool { return true }), nil
}

func (s *MemAccountStore) ListByCustomer(ctx context.Context, customerID string) ([]Account, error) {
	return s.collect(func(a *Account) bool { return a.CustomerID == customerID }), nil
}

func (s *MemAccountStore) collect(keep func(*Account) bool) []Account {
	s.mu.RLock()
	out := make([]Account, 0, len(s.slots))
	for _, slot := range s.slots {
		if a := slot.state.Load(); keep(a) {
			out = append(out, *a)
		}
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b Account) int {
		return cmp.Compare(a.AcctID, b.AcctID)
	})
	return out
}

// acquire locks ids in ascending id order, whatever order they were given in.
// On failure every lock taken so far is released.
func (s *MemAccountStore) acquire(ctx context.Context, ids ...snowflake.ID) (map[snowflake.ID]*acctSlot, error) {
	if u := memUnitFrom(ctx); u != nil {
		for _, id := range ids {
			if _, ok := u.held[id]; ok {
				return nil, ErrInvalidOperation{Reason: "account lock already held by caller"}
			}
		}
	}

	ordered := slices.Clone(ids)
	slices.Sort(ordered)
	held := make(map[snowflake.ID]*acctSlot, len(ordered))
	slots := make([]*acctSlot, 0, len(ordered))
	for _, id := range ordered {
		slot, err := s.slot(id)
		if err != nil {
			return nil, err
		}
		slots = append(slots, slot)
	}

	lockCtx := ctx
	if s.lockTimeout > 0 {
		var cancel context.CancelFunc
		lockCtx, cancel = context.WithTimeout(ctx, s.lockTimeout)
		defer cancel()
	}
	for i, slot := range slots {
		if err := slot.lock.Acquire(lockCtx, 1); err != nil {
			s.release(held)
			if errors.Is(err, context.Canceled) {
				return nil, err
			}
			return nil, ErrLockTimeout{AcctIDs: ordered}
		}
		held[ordered[i]] = slot
	}
	return held, nil
}

func (s *MemAccountStore) release(held map[snowflake.ID]*acctSlot) {
	for _, slot := range held {
		slot.lock.Release(1)
	}
}

func (s *MemAccountStore) begin(ctx context.Context, held map[snowflake.ID]*acctSlot) (context.Context, *memUnit) {
	u := &memUnit{
		store:  s,
		held:   held,
		staged: make(map[snowflake.ID]Account, len(held)),
	}
	return context.WithValue(ctx, memUnitKey{}, u), u
}

func (s *MemAccountStore) WithLock(ctx context.Context, id snowflake.ID, fn func(ctx context.Context, acct *Account) error) error {
	held, err := s.acquire(ctx, id)
	if err != nil {
		return err
	}
	defer s.release(held)

	uctx, u := s.begin(ctx, held)
	acct := *held[id].state.Load()
	if err = fn(uctx, &acct); err != nil {
		return err
	}
	u.commit()
	return nil
}

func (s *MemAccountStore) WithLockOrdered(ctx context.Context, idA, idB snowflake.ID, fn func(ctx context.Context, a, b *Account) error) error {
	if idA == idB {
		return ErrInvalidOperation{Reason: "cannot lock the same account twice"}
	}
	held, err := s.acquire(ctx, idA, idB)
	if err != nil {
		return err
	}
	defer s.release(held)

	uctx, u := s.begin(ctx, held)
	a := *held[idA].state.Load()
	b := *held[idB].state.Load()
	if err = fn(uctx, &a, &b); err != nil {
		return err
	}
	u.commit()
	return nil
}

// Persist stages acct for commit when the surrounding lock scope completes.
func (s *MemAccountStore) Persist(ctx context.Context, acct *Account) error {
	u := memUnitFrom(ctx)
	if u == nil || u.store != s {
		return ErrInvalidOperation{Reason: "persist without holding the account lock"}
	}
	slot, ok := u.held[acct.AcctID]
	if !ok {
		return ErrInvalidOperation{Reason: "persist without holding the account lock"}
	}
	cur := slot.state.Load()
	if acct.Currency() != cur.Currency() {
		return ErrCurrencyMismatch{Expected: cur.Currency(), Actual: acct.Currency()}
	}
	if acct.Balance.IsNegative() {
		return ErrInsufficientFunds{AcctID: acct.AcctID}
	}
	u.staged[acct.AcctID] = *acct
	return nil
}

type MemTransactionStore struct {
	mu     sync.RWMutex
	txns   []Transaction
	byID   map[snowflake.ID]int
	byAcct map[snowflake.ID][]int
}

func NewMemTransactionStore() *MemTransactionStore {
	return &MemTransactionStore{
		byID:   make(map[snowflake.ID]int),
		byAcct: make(map[snowflake.ID][]int),
	}
}

// Append records txns. Inside an account lock scope the records are published
// when that scope commits, together with the persisted balances.
func (s *MemTransactionStore) Append(ctx context.Context, txns ...Transaction) error {
	if len(txns) == 0 {
		return nil
	}
	batch := slices.Clone(txns)
	if err := s.checkUnique(batch); err != nil {
		return err
	}
	if u := memUnitFrom(ctx); u != nil {
		u.deferred = append(u.deferred, func() { s.append(batch) })
		return nil
	}
	s.append(batch)
	return nil
}

func (s *MemTransactionStore) checkUnique(batch []Transaction) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[snowflake.ID]struct{}, len(batch))
	for _, t := range batch {
		if _, ok := s.byID[t.TxnID]; ok {
			return ErrInvalidOperation{Reason: "duplicate transaction id"}
		}
		if _, ok := seen[t.TxnID]; ok {
			return ErrInvalidOperation{Reason: "duplicate transaction id"}
		}
		seen[t.TxnID] = struct{}{}
	}
	return nil
}

func (s *MemTransactionStore) append(batch []Transaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range batch {
		idx := len(s.txns)
		s.txns = append(s.txns, t)
		s.byID[t.TxnID] = idx
		s.byAcct[t.AcctID] = append(s.byAcct[t.AcctID], idx)
	}
}

func (s *MemTransactionStore) ListByAccount(ctx context.Context, acctID snowflake.ID) ([]Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idxs := s.byAcct[acctID]
	out := make([]Transaction, 0, len(idxs))
	for _, i := range idxs {
		out = append(out, s.txns[i])
	}
	return out, nil
}

func (s *MemTransactionStore) Get(ctx context.Context, txnID snowflake.ID) (*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.byID[txnID]
	if !ok {
		return nil, ErrNotFound{Resource: "transaction", ID: txnID}
	}
	t := s.txns[i]
	return &t, nil
}
