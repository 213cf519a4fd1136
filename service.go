package ledgerxgo

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

//go:generate mockgen -source=service.go -destination=mocks/mock_service.go -package=mocks

const DefaultMaxDescription = 255

type Service interface {
	CreateAccount(ctx context.Context, req CreateAccountReq) (*Account, error)
	DeactivateAccount(ctx context.Context, acctID snowflake.ID) (*Account, error)
	Deposit(ctx context.Context, req ChargeReq) (*Transaction, error)
	Withdraw(ctx context.Context, req ChargeReq) (*Transaction, error)
	Transfer(ctx context.Context, req TransferReq) (*Transaction, error)
	GetAccount(ctx context.Context, acctID snowflake.ID) (*Account, error)
	ListAccounts(ctx context.Context) ([]Account, error)
	GetAccountsByCustomer(ctx context.Context, customerID string) ([]Account, error)
	GetTransactionsByAccount(ctx context.Context, acctID snowflake.ID) ([]Transaction, error)
	GetTransaction(ctx context.Context, txnID snowflake.ID) (*Transaction, error)
}

type EngineConfig struct {
	// NodeID seeds the snowflake generator; distinct per running instance.
	NodeID int64
	// MaxAmount bounds a single deposit, withdrawal or transfer. Zero means
	// no bound.
	MaxAmount      decimal.Decimal
	MaxDescription int
	Now            func() time.Time
}

var (
	_ Service = (*LedgerEngine)(nil)
)

// LedgerEngine applies money movements to an AccountStore and a
// TransactionStore. It keeps no state of its own beyond configuration, so a
// single instance serves any number of concurrent callers.
type LedgerEngine struct {
	accts   AccountStore
	txns    TransactionStore
	node    *snowflake.Node
	maxAmt  decimal.Decimal
	maxDesc int
	now     func() time.Time
}

func NewLedgerEngine(accts AccountStore, txns TransactionStore, cfg EngineConfig) (*LedgerEngine, error) {
	node, err := snowflake.NewNode(cfg.NodeID)
	if err != nil {
		return nil, err
	}
	e := &LedgerEngine{
		accts:   accts,
		txns:    txns,
		node:    node,
		maxAmt:  cfg.MaxAmount,
		maxDesc: cfg.MaxDescription,
		now:     cfg.Now,
	}
	if e.maxDesc <= 0 {
		e.maxDesc = DefaultMaxDescription
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e, nil
}

func (e *LedgerEngine) CreateAccount(ctx context.Context, req CreateAccountReq) (*Account, error) {
	fields := map[string]string{}
	customerID := strings.TrimSpace(req.CustomerID)
	if customerID == "" {
		fields["customerId"] = "required"
	}
	typ, ok := ParseAccountType(req.Type)
	if !ok {
		fields["accountType"] = "unsupported account type"
	}
	cur, ok := NormalizeCurrency(req.InitialBalance.Currency)
	if !ok {
		fields["currency"] = "must be a 3-letter currency code"
	}
	if req.InitialBalance.Amount.IsNegative() {
		fields["initialBalance"] = "must not be negative"
	}
	if len(fields) > 0 {
		return nil, ErrBadRequest{Fields: fields}
	}

	acct := Account{
		AcctID:     e.node.Generate(),
		CustomerID: customerID,
		Type:       typ,
		Balance:    NewMoney(req.InitialBalance.Amount, cur),
		Active:     true,
		CreatedAt:  e.stamp(),
	}
	if err := e.accts.Insert(ctx, acct); err != nil {
		return nil, err
	}
	return &acct, nil
}

func (e *LedgerEngine) DeactivateAccount(ctx context.Context, acctID snowflake.ID) (*Account, error) {
	var out Account
	err := e.accts.WithLock(ctx, acctID, func(ctx context.Context, acct *Account) error {
		if acct.Active {
			acct.Active = false
			if err := e.accts.Persist(ctx, acct); err != nil {
				return err
			}
		}
		out = *acct
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (e *LedgerEngine) Deposit(ctx context.Context, req ChargeReq) (*Transaction, error) {
	amt, err := e.checkCharge(req.Amount, req.Description)
	if err != nil {
		return nil, err
	}

	var txn Transaction
	err = e.accts.WithLock(ctx, req.AcctID, func(ctx context.Context, acct *Account) error {
		if err := usable(acct, amt); err != nil {
			return err
		}
		bal, err := acct.Balance.Add(amt)
		if err != nil {
			return err
		}
		t, err := e.newTxn(acct.AcctID, TxnDeposit, amt, req.Description, nil)
		if err != nil {
			return err
		}
		acct.Balance = bal
		if err = e.accts.Persist(ctx, acct); err != nil {
			return err
		}
		if err = e.txns.Append(ctx, t); err != nil {
			return err
		}
		txn = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &txn, nil
}

func (e *LedgerEngine) Withdraw(ctx context.Context, req ChargeReq) (*Transaction, error) {
	amt, err := e.checkCharge(req.Amount, req.Description)
	if err != nil {
		return nil, err
	}

	var txn Transaction
	err = e.accts.WithLock(ctx, req.AcctID, func(ctx context.Context, acct *Account) error {
		if err := usable(acct, amt); err != nil {
			return err
		}
		bal, err := acct.Balance.Sub(amt)
		if err != nil {
			return err
		}
		if bal.IsNegative() {
			return ErrInsufficientFunds{AcctID: acct.AcctID}
		}
		t, err := e.newTxn(acct.AcctID, TxnWithdrawal, amt, req.Description, nil)
		if err != nil {
			return err
		}
		acct.Balance = bal
		if err = e.accts.Persist(ctx, acct); err != nil {
			return err
		}
		if err = e.txns.Append(ctx, t); err != nil {
			return err
		}
		txn = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &txn, nil
}

// Transfer moves an amount between two accounts of the same currency. Both
// legs are written inside one critical section holding both account locks;
// the TRANSFER_OUT leg is returned.
func (e *LedgerEngine) Transfer(ctx context.Context, req TransferReq) (*Transaction, error) {
	amt, err := e.checkCharge(req.Amount, req.Description)
	if err != nil {
		return nil, err
	}
	if req.FromAcctID == req.ToAcctID {
		return nil, ErrInvalidOperation{Reason: "cannot transfer to the same account"}
	}

	var out Transaction
	err = e.accts.WithLockOrdered(ctx, req.FromAcctID, req.ToAcctID, func(ctx context.Context, src, dst *Account) error {
		if err := usable(src, amt); err != nil {
			return err
		}
		if err := usable(dst, amt); err != nil {
			return err
		}
		srcBal, err := src.Balance.Sub(amt)
		if err != nil {
			return err
		}
		if srcBal.IsNegative() {
			return ErrInsufficientFunds{AcctID: src.AcctID}
		}
		dstBal, err := dst.Balance.Add(amt)
		if err != nil {
			return err
		}

		ts := e.stamp()
		srcID, dstID := src.AcctID, dst.AcctID
		outLeg, err := e.newTxnAt(ts, srcID, TxnTransferOut, amt, req.Description, &dstID)
		if err != nil {
			return err
		}
		inLeg, err := e.newTxnAt(ts, dstID, TxnTransferIn, amt, req.Description, &srcID)
		if err != nil {
			return err
		}

		src.Balance = srcBal
		dst.Balance = dstBal
		if err = e.accts.Persist(ctx, src); err != nil {
			return err
		}
		if err = e.accts.Persist(ctx, dst); err != nil {
			return err
		}
		if err = e.txns.Append(ctx, outLeg, inLeg); err != nil {
			return err
		}
		out = outLeg
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (e *LedgerEngine) GetAccount(ctx context.Context, acctID snowflake.ID) (*Account, error) {
	return e.accts.Get(ctx, acctID)
}

func (e *LedgerEngine) ListAccounts(ctx context.Context) ([]Account, error) {
	return e.accts.List(ctx)
}

func (e *LedgerEngine) GetAccountsByCustomer(ctx context.Context, customerID string) ([]Account, error) {
	return e.accts.ListByCustomer(ctx, strings.TrimSpace(customerID))
}

func (e *LedgerEngine) GetTransactionsByAccount(ctx context.Context, acctID snowflake.ID) ([]Transaction, error) {
	if _, err := e.accts.Get(ctx, acctID); err != nil {
		return nil, err
	}
	return e.txns.ListByAccount(ctx, acctID)
}

func (e *LedgerEngine) GetTransaction(ctx context.Context, txnID snowflake.ID) (*Transaction, error) {
	return e.txns.Get(ctx, txnID)
}

// checkCharge validates a money movement before any lock is requested and
// returns the amount with its currency code normalised.
func (e *LedgerEngine) checkCharge(amt Money, desc string) (Money, error) {
	fields := checkChargeFields(amt, desc, e.maxAmt, e.maxDesc)
	if len(fields) > 0 {
		return Money{}, ErrBadRequest{Fields: fields}
	}
	cur, _ := NormalizeCurrency(amt.Currency)
	return NewMoney(amt.Amount, cur), nil
}

func checkChargeFields(amt Money, desc string, maxAmt decimal.Decimal, maxDesc int) map[string]string {
	fields := map[string]string{}
	switch {
	case !amt.Amount.IsPositive():
		fields["amount"] = "must be positive"
	case maxAmt.IsPositive() && amt.Amount.GreaterThan(maxAmt):
		fields["amount"] = "must not exceed " + maxAmt.String()
	}
	if _, ok := NormalizeCurrency(amt.Currency); !ok {
		fields["currency"] = "must be a 3-letter currency code"
	}
	if utf8.RuneCountInString(desc) > maxDesc {
		fields["description"] = "too long"
	}
	return fields
}

// usable rejects inactive accounts and amounts in a foreign currency.
func usable(acct *Account, amt Money) error {
	if !acct.Active {
		return ErrAccountInactive{AcctID: acct.AcctID}
	}
	if acct.Currency() != amt.Currency {
		return ErrCurrencyMismatch{Expected: acct.Currency(), Actual: amt.Currency}
	}
	return nil
}

// stamp truncates to microseconds so timestamps survive a round trip through
// postgres timestamptz unchanged.
func (e *LedgerEngine) stamp() time.Time {
	return e.now().UTC().Truncate(time.Microsecond)
}

func (e *LedgerEngine) newTxn(acctID snowflake.ID, typ TxnType, amt Money, desc string, related *snowflake.ID) (Transaction, error) {
	return e.newTxnAt(e.stamp(), acctID, typ, amt, desc, related)
}

func (e *LedgerEngine) newTxnAt(ts time.Time, acctID snowflake.ID, typ TxnType, amt Money, desc string, related *snowflake.ID) (Transaction, error) {
	t := Transaction{
		TxnID:         e.node.Generate(),
		AcctID:        acctID,
		Type:          typ,
		Amount:        amt,
		Timestamp:     ts,
		Description:   desc,
		RelatedAcctID: related,
	}
	if err := t.seal(); err != nil {
		return Transaction{}, err
	}
	return t, nil
}
