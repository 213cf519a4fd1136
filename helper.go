package ledgerxgo

import (
	"context"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
)

const pgTeardownSQL = `
	DROP TABLE IF EXISTS transactions;
	DROP TABLE IF EXISTS accounts;
`

// LocalHelper prepares a local postgres database for development and tests.
type LocalHelper struct {
	Store  *PostgresStore
	Engine *LedgerEngine
}

func NewLocalHelper(ctx context.Context, cfg *Config) (*LocalHelper, error) {
	store, err := NewPostgresStore(ctx, cfg.Database.ConnectionString, cfg.Database.MaxConns, cfg.Ledger.LockTimeout)
	if err != nil {
		return nil, err
	}
	engine, err := NewLedgerEngine(store.Accounts(), store.Transactions(), cfg.EngineConfig())
	if err != nil {
		store.Close()
		return nil, err
	}
	return &LocalHelper{
		Store:  store,
		Engine: engine,
	}, nil
}

// InitDB applies the schema and returns a func that drops it again.
func (lh *LocalHelper) InitDB(ctx context.Context) (func(), error) {
	if err := lh.Store.Migrate(ctx); err != nil {
		return nil, err
	}
	return lh.teardownDB(), nil
}

// SeedAccounts opens one account per seed through the engine.
func (lh *LocalHelper) SeedAccounts(ctx context.Context, seeds []SeedAccount) ([]Account, error) {
	accts := make([]Account, 0, len(seeds))
	for i, s := range seeds {
		bal := decimal.Zero
		if s.Balance != "" {
			var err error
			if bal, err = decimal.NewFromString(s.Balance); err != nil {
				return accts, fmt.Errorf("seed %d: balance: %w", i, err)
			}
		}
		acct, err := lh.Engine.CreateAccount(ctx, CreateAccountReq{
			CustomerID:     s.CustomerID,
			Type:           s.Type,
			InitialBalance: NewMoney(bal, s.Currency),
		})
		if err != nil {
			return accts, fmt.Errorf("seed %d: %w", i, err)
		}
		accts = append(accts, *acct)
	}
	return accts, nil
}

func (lh *LocalHelper) teardownDB() func() {
	return func() {
		defer lh.Store.Close()

		if _, err := lh.Store.pool.Exec(context.Background(), pgTeardownSQL); err != nil {
			fmt.Fprintf(os.Stderr, "DB cleanup exec teardown sql: %s", err.Error())
		}
	}
}
