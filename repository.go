package ledgerxgo

import (
	"context"

	"github.com/bwmarrin/snowflake"
)

//go:generate mockgen -source=repository.go -destination=mocks/mock_repository.go -package=mocks

// AccountStore owns the mutable account records and their per-account locks.
//
// The ctx handed to a WithLock callback carries the store's unit of work.
// Persist and TransactionStore.Append calls made with that ctx take part in
// it, and are discarded if the callback returns an error.
type AccountStore interface {
	Insert(ctx context.Context, acct Account) error
	Get(ctx context.Context, id snowflake.ID) (*Account, error)
	List(ctx context.Context) ([]Account, error)
	ListByCustomer(ctx context.Context, customerID string) ([]Account, error)
	WithLock(ctx context.Context, id snowflake.ID, fn func(ctx context.Context, acct *Account) error) error
	WithLockOrdered(ctx context.Context, idA, idB snowflake.ID, fn func(ctx context.Context, a, b *Account) error) error
	Persist(ctx context.Context, acct *Account) error
}

// TransactionStore is the append-only transaction log.
type TransactionStore interface {
	// Append adds all txns or none of them.
	Append(ctx context.Context, txns ...Transaction) error
	ListByAccount(ctx context.Context, acctID snowflake.ID) ([]Transaction, error)
	Get(ctx context.Context, txnID snowflake.ID) (*Transaction, error)
}
