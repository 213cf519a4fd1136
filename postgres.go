package ledgerxgo

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

//go:embed schema.sql
var pgSchemaSQL string

// pgLockNotAvailable is raised when lock_timeout expires.
const pgLockNotAvailable = "55P03"

var (
	pgInsertAcctSQL = `
		INSERT INTO accounts (id, customer_id, typ, currency, balance, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7);
	`

	pgSelectAcctSQL = `
		SELECT id, customer_id, typ, currency, balance, active, created_at
		FROM accounts
	`

	pgSelectForUpdateAcctSQL = pgSelectAcctSQL + `
		WHERE id = $1
		FOR UPDATE;
	`

	pgUpdateAcctSQL = `
		UPDATE accounts
		SET balance = $1, active = $2
		WHERE id = $3 AND currency = $4;
	`

	pgInsertTxnSQL = `
		INSERT INTO transactions (id, acct_id, typ, amount, currency, ts, description, related_acct_id, checksum)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9);
	`

	pgSelectTxnSQL = `
		SELECT id, acct_id, typ, amount, currency, ts, description, related_acct_id, checksum
		FROM transactions
	`
)

type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// pgUnit is the database transaction spanning one lock scope.
type pgUnit struct {
	store *PostgresStore
	tx    pgx.Tx
	// held maps each locked account to its currency as read under the lock.
	held map[snowflake.ID]string
}

type pgUnitKey struct{}

func pgUnitFrom(ctx context.Context) *pgUnit {
	u, _ := ctx.Value(pgUnitKey{}).(*pgUnit)
	return u
}

// PostgresStore owns the connection pool shared by its account and
// transaction views, so balance updates and transaction inserts issued in one
// lock scope share one database transaction.
type PostgresStore struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

type PostgresAccountStore struct {
	*PostgresStore
}

type PostgresTransactionStore struct {
	*PostgresStore
}

var (
	_ AccountStore     = (*PostgresAccountStore)(nil)
	_ TransactionStore = (*PostgresTransactionStore)(nil)
)

func NewPostgresStore(ctx context.Context, connStr string, maxConns int32, lockTimeout time.Duration) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, err
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err = pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{
		pool:        pool,
		lockTimeout: lockTimeout,
	}, nil
}

// Migrate creates the ledger tables if they do not exist yet.
func (pg *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := pg.pool.Exec(ctx, pgSchemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (pg *PostgresStore) Close() {
	pg.pool.Close()
}

func (pg *PostgresStore) Accounts() *PostgresAccountStore {
	return &PostgresAccountStore{PostgresStore: pg}
}

func (pg *PostgresStore) Transactions() *PostgresTransactionStore {
	return &PostgresTransactionStore{PostgresStore: pg}
}

func (pg *PostgresStore) querier(ctx context.Context) pgQuerier {
	if u := pgUnitFrom(ctx); u != nil && u.store == pg {
		return u.tx
	}
	return pg.pool
}

func (s *PostgresAccountStore) Insert(ctx context.Context, acct Account) error {
	if acct.Balance.IsNegative() {
		return ErrBadRequest{Fields: map[string]string{"initialBalance": "must not be negative"}}
	}
	_, err := s.querier(ctx).Exec(ctx, pgInsertAcctSQL,
		acct.AcctID.Int64(),
		acct.CustomerID,
		string(acct.Type),
		acct.Currency(),
		acct.Balance.Amount,
		acct.Active,
		acct.CreatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrInvalidOperation{Reason: "account already exists"}
	}
	return err
}

func (s *PostgresAccountStore) Get(ctx context.Context, id snowflake.ID) (*Account, error) {
	row := s.querier(ctx).QueryRow(ctx, pgSelectAcctSQL+` WHERE id = $1;`, id.Int64())
	acct, err := scanAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound{Resource: "account", ID: id}
	}
	return acct, err
}

func (s *PostgresAccountStore) List(ctx context.Context) ([]Account, error) {
	return s.queryAccounts(ctx, pgSelectAcctSQL+` ORDER BY id;`)
}

func (s *PostgresAccountStore) ListByCustomer(ctx context.Context, customerID string) ([]Account, error) {
	return s.queryAccounts(ctx, pgSelectAcctSQL+` WHERE customer_id = $1 ORDER BY id;`, customerID)
}

func (s *PostgresAccountStore) queryAccounts(ctx context.Context, sql string, args ...any) ([]Account, error) {
	rows, err := s.querier(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	accts := []Account{}
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accts = append(accts, *acct)
	}
	return accts, rows.Err()
}

func (s *PostgresAccountStore) WithLock(ctx context.Context, id snowflake.ID, fn func(ctx context.Context, acct *Account) error) error {
	return s.lockScope(ctx, []snowflake.ID{id}, func(ctx context.Context, accts []*Account) error {
		return fn(ctx, accts[0])
	})
}

func (s *PostgresAccountStore) WithLockOrdered(ctx context.Context, idA, idB snowflake.ID, fn func(ctx context.Context, a, b *Account) error) error {
	if idA == idB {
		return ErrInvalidOperation{Reason: "cannot lock the same account twice"}
	}
	return s.lockScope(ctx, []snowflake.ID{idA, idB}, func(ctx context.Context, accts []*Account) error {
		return fn(ctx, accts[0], accts[1])
	})
}

// lockScope row-locks ids in ascending order inside a new database
// transaction, runs fn, and commits only if fn succeeds. fn receives the
// accounts in the order ids were given.
func (s *PostgresAccountStore) lockScope(ctx context.Context, ids []snowflake.ID, fn func(ctx context.Context, accts []*Account) error) error {
	if pgUnitFrom(ctx) != nil {
		return ErrInvalidOperation{Reason: "account lock already held by caller"}
	}
	ordered := slices.Clone(ids)
	slices.Sort(ordered)

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if s.lockTimeout > 0 {
		// lock_timeout has millisecond resolution and 0 disables it
		ms := (s.lockTimeout + time.Millisecond - 1) / time.Millisecond
		timeout := fmt.Sprintf("%dms", ms)
		if _, err = tx.Exec(ctx, `SELECT set_config('lock_timeout', $1, true);`, timeout); err != nil {
			return err
		}
	}

	locked := make(map[snowflake.ID]*Account, len(ordered))
	for _, id := range ordered {
		acct, err := scanAccount(tx.QueryRow(ctx, pgSelectForUpdateAcctSQL, id.Int64()))
		if err != nil {
			return lockErr(err, id, ordered)
		}
		locked[id] = acct
	}

	u := &pgUnit{store: s.PostgresStore, tx: tx, held: make(map[snowflake.ID]string, len(ordered))}
	accts := make([]*Account, len(ids))
	for i, id := range ids {
		u.held[id] = locked[id].Currency()
		accts[i] = locked[id]
	}
	if err = fn(context.WithValue(ctx, pgUnitKey{}, u), accts); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func lockErr(err error, id snowflake.ID, ids []snowflake.ID) error {
	var pgErr *pgconn.PgError
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return ErrNotFound{Resource: "account", ID: id}
	case errors.As(err, &pgErr) && pgErr.Code == pgLockNotAvailable:
		return ErrLockTimeout{AcctIDs: ids}
	case errors.Is(err, context.DeadlineExceeded):
		return ErrLockTimeout{AcctIDs: ids}
	default:
		return err
	}
}

func (s *PostgresAccountStore) Persist(ctx context.Context, acct *Account) error {
	u := pgUnitFrom(ctx)
	if u == nil || u.store != s.PostgresStore {
		return ErrInvalidOperation{Reason: "persist without holding the account lock"}
	}
	cur, ok := u.held[acct.AcctID]
	if !ok {
		return ErrInvalidOperation{Reason: "persist without holding the account lock"}
	}
	if acct.Currency() != cur {
		return ErrCurrencyMismatch{Expected: cur, Actual: acct.Currency()}
	}
	if acct.Balance.IsNegative() {
		return ErrInsufficientFunds{AcctID: acct.AcctID}
	}
	tag, err := u.tx.Exec(ctx, pgUpdateAcctSQL, acct.Balance.Amount, acct.Active, acct.AcctID.Int64(), acct.Currency())
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return ErrNotFound{Resource: "account", ID: acct.AcctID}
	}
	return nil
}

// Append inserts txns in one batch. Outside a lock scope it opens its own
// database transaction.
func (s *PostgresTransactionStore) Append(ctx context.Context, txns ...Transaction) error {
	if len(txns) == 0 {
		return nil
	}
	if u := pgUnitFrom(ctx); u != nil && u.store == s.PostgresStore {
		return insertTxns(ctx, u.tx, txns)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if err = insertTxns(ctx, tx, txns); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func insertTxns(ctx context.Context, tx pgx.Tx, txns []Transaction) error {
	batch := &pgx.Batch{}
	for _, t := range txns {
		var related *int64
		if t.RelatedAcctID != nil {
			r := t.RelatedAcctID.Int64()
			related = &r
		}
		batch.Queue(pgInsertTxnSQL,
			t.TxnID.Int64(),
			t.AcctID.Int64(),
			string(t.Type),
			t.Amount.Amount,
			t.Amount.Currency,
			t.Timestamp,
			t.Description,
			related,
			t.Checksum,
		)
	}
	btresults := tx.SendBatch(ctx, batch)
	for range txns {
		if _, err := btresults.Exec(); err != nil {
			btresults.Close()
			return err
		}
	}
	return btresults.Close()
}

func (s *PostgresTransactionStore) ListByAccount(ctx context.Context, acctID snowflake.ID) ([]Transaction, error) {
	rows, err := s.querier(ctx).Query(ctx, pgSelectTxnSQL+` WHERE acct_id = $1 ORDER BY seq;`, acctID.Int64())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	txns := []Transaction{}
	for rows.Next() {
		t, err := scanTxn(rows)
		if err != nil {
			return nil, err
		}
		txns = append(txns, *t)
	}
	return txns, rows.Err()
}

func (s *PostgresTransactionStore) Get(ctx context.Context, txnID snowflake.ID) (*Transaction, error) {
	t, err := scanTxn(s.querier(ctx).QueryRow(ctx, pgSelectTxnSQL+` WHERE id = $1;`, txnID.Int64()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound{Resource: "transaction", ID: txnID}
	}
	return t, err
}

func scanAccount(row pgx.Row) (*Account, error) {
	var (
		id       int64
		acct     Account
		typ      string
		currency string
		balance  decimal.Decimal
	)
	err := row.Scan(&id, &acct.CustomerID, &typ, &currency, &balance, &acct.Active, &acct.CreatedAt)
	if err != nil {
		return nil, err
	}
	acct.AcctID = snowflake.ParseInt64(id)
	acct.Type = AccountType(typ)
	acct.Balance = NewMoney(balance, currency)
	acct.CreatedAt = acct.CreatedAt.UTC()
	return &acct, nil
}

// scanTxn reads one transaction row and checks its checksum.
func scanTxn(row pgx.Row) (*Transaction, error) {
	var (
		id, acctID int64
		related    *int64
		t          Transaction
		typ        string
		amount     decimal.Decimal
		currency   string
	)
	err := row.Scan(&id, &acctID, &typ, &amount, &currency, &t.Timestamp, &t.Description, &related, &t.Checksum)
	if err != nil {
		return nil, err
	}
	t.TxnID = snowflake.ParseInt64(id)
	t.AcctID = snowflake.ParseInt64(acctID)
	t.Type = TxnType(typ)
	t.Amount = NewMoney(amount, currency)
	t.Timestamp = t.Timestamp.UTC()
	if related != nil {
		r := snowflake.ParseInt64(*related)
		t.RelatedAcctID = &r
	}
	if err = t.Verify(); err != nil {
		return nil, err
	}
	return &t, nil
}
