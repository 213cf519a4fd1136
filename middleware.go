package ledgerxgo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/sync/semaphore"
)

type Middleware func(Service) Service

// Chain wraps svc so that mws[0] is the outermost layer.
func Chain(svc Service, mws ...Middleware) Service {
	for i := len(mws) - 1; i >= 0; i-- {
		svc = mws[i](svc)
	}
	return svc
}

var (
	_ Service = (*validationMiddleware)(nil)
)

// validationMiddleware rejects malformed requests before they reach the
// engine, reporting every invalid field at once.
type validationMiddleware struct {
	next    Service
	maxAmt  decimal.Decimal
	maxDesc int
}

func NewValidationMiddleware(maxAmt decimal.Decimal, maxDesc int) Middleware {
	if maxDesc <= 0 {
		maxDesc = DefaultMaxDescription
	}
	return func(svc Service) Service {
		return &validationMiddleware{
			next:    svc,
			maxAmt:  maxAmt,
			maxDesc: maxDesc,
		}
	}
}

func requireID(fields map[string]string, name string, id snowflake.ID) {
	if id <= 0 {
		fields[name] = "missing or invalid"
	}
}

func badRequest(fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	return ErrBadRequest{Fields: fields}
}

func (v *validationMiddleware) CreateAccount(ctx context.Context, req CreateAccountReq) (*Account, error) {
	fields := map[string]string{}
	if strings.TrimSpace(req.CustomerID) == "" {
		fields["customerId"] = "required"
	}
	if _, ok := ParseAccountType(req.Type); !ok {
		fields["accountType"] = "unsupported account type"
	}
	if _, ok := NormalizeCurrency(req.InitialBalance.Currency); !ok {
		fields["currency"] = "must be a 3-letter currency code"
	}
	if req.InitialBalance.Amount.IsNegative() {
		fields["initialBalance"] = "must not be negative"
	}
	if err := badRequest(fields); err != nil {
		return nil, err
	}
	return v.next.CreateAccount(ctx, req)
}

func (v *validationMiddleware) DeactivateAccount(ctx context.Context, acctID snowflake.ID) (*Account, error) {
	fields := map[string]string{}
	requireID(fields, "accountId", acctID)
	if err := badRequest(fields); err != nil {
		return nil, err
	}
	return v.next.DeactivateAccount(ctx, acctID)
}

func (v *validationMiddleware) Deposit(ctx context.Context, req ChargeReq) (*Transaction, error) {
	fields := checkChargeFields(req.Amount, req.Description, v.maxAmt, v.maxDesc)
	requireID(fields, "accountId", req.AcctID)
	if err := badRequest(fields); err != nil {
		return nil, err
	}
	return v.next.Deposit(ctx, req)
}

func (v *validationMiddleware) Withdraw(ctx context.Context, req ChargeReq) (*Transaction, error) {
	fields := checkChargeFields(req.Amount, req.Description, v.maxAmt, v.maxDesc)
	requireID(fields, "accountId", req.AcctID)
	if err := badRequest(fields); err != nil {
		return nil, err
	}
	return v.next.Withdraw(ctx, req)
}

func (v *validationMiddleware) Transfer(ctx context.Context, req TransferReq) (*Transaction, error) {
	fields := checkChargeFields(req.Amount, req.Description, v.maxAmt, v.maxDesc)
	requireID(fields, "fromAccountId", req.FromAcctID)
	requireID(fields, "toAccountId", req.ToAcctID)
	if err := badRequest(fields); err != nil {
		return nil, err
	}
	if req.FromAcctID == req.ToAcctID {
		return nil, ErrInvalidOperation{Reason: "cannot transfer to the same account"}
	}
	return v.next.Transfer(ctx, req)
}

func (v *validationMiddleware) GetAccount(ctx context.Context, acctID snowflake.ID) (*Account, error) {
	fields := map[string]string{}
	requireID(fields, "accountId", acctID)
	if err := badRequest(fields); err != nil {
		return nil, err
	}
	return v.next.GetAccount(ctx, acctID)
}

func (v *validationMiddleware) ListAccounts(ctx context.Context) ([]Account, error) {
	return v.next.ListAccounts(ctx)
}

func (v *validationMiddleware) GetAccountsByCustomer(ctx context.Context, customerID string) ([]Account, error) {
	if strings.TrimSpace(customerID) == "" {
		return nil, ErrBadRequest{Fields: map[string]string{"customerId": "required"}}
	}
	return v.next.GetAccountsByCustomer(ctx, customerID)
}

func (v *validationMiddleware) GetTransactionsByAccount(ctx context.Context, acctID snowflake.ID) ([]Transaction, error) {
	fields := map[string]string{}
	requireID(fields, "accountId", acctID)
	if err := badRequest(fields); err != nil {
		return nil, err
	}
	return v.next.GetTransactionsByAccount(ctx, acctID)
}

func (v *validationMiddleware) GetTransaction(ctx context.Context, txnID snowflake.ID) (*Transaction, error) {
	fields := map[string]string{}
	requireID(fields, "transactionId", txnID)
	if err := badRequest(fields); err != nil {
		return nil, err
	}
	return v.next.GetTransaction(ctx, txnID)
}

//
// Rate limiting middlewares
//

// limitMiddleware bounds the number of in-flight calls per operation group
// with weighted semaphores. A call that cannot get a token within Wait fails
// with ErrServiceBusy instead of queueing behind account locks.
type limitMiddleware struct {
	next   Service
	limits *ServiceLimits
}

var (
	_ Service = (*limitMiddleware)(nil)
)

// ServiceLimits holds one semaphore per operation group. A nil semaphore
// leaves that group unlimited.
type ServiceLimits struct {
	CreateAccount *semaphore.Weighted
	Deposit       *semaphore.Weighted
	Withdraw      *semaphore.Weighted
	Transfer      *semaphore.Weighted
	Query         *semaphore.Weighted
	Wait          time.Duration
}

func NewServiceLimits(mutations, queries int64, wait time.Duration) *ServiceLimits {
	newSem := func(n int64) *semaphore.Weighted {
		if n <= 0 {
			return nil
		}
		return semaphore.NewWeighted(n)
	}
	return &ServiceLimits{
		CreateAccount: newSem(mutations),
		Deposit:       newSem(mutations),
		Withdraw:      newSem(mutations),
		Transfer:      newSem(mutations),
		Query:         newSem(queries),
		Wait:          wait,
	}
}

func NewLimitMiddleware(limits *ServiceLimits) Middleware {
	return func(next Service) Service {
		return &limitMiddleware{
			next:   next,
			limits: limits,
		}
	}
}

func limited[T any](ctx context.Context, sem *semaphore.Weighted, wait time.Duration, call func() (T, error)) (T, error) {
	var zero T
	if sem == nil {
		return call()
	}
	wctx := ctx
	if wait > 0 {
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeout(ctx, wait)
		defer cancel()
	}
	if err := sem.Acquire(wctx, 1); err != nil {
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		return zero, ErrServiceBusy
	}
	defer sem.Release(1)
	return call()
}

func (l *limitMiddleware) CreateAccount(ctx context.Context, req CreateAccountReq) (*Account, error) {
	return limited(ctx, l.limits.CreateAccount, l.limits.Wait, func() (*Account, error) {
		return l.next.CreateAccount(ctx, req)
	})
}

func (l *limitMiddleware) DeactivateAccount(ctx context.Context, acctID snowflake.ID) (*Account, error) {
	return limited(ctx, l.limits.CreateAccount, l.limits.Wait, func() (*Account, error) {
		return l.next.DeactivateAccount(ctx, acctID)
	})
}

func (l *limitMiddleware) Deposit(ctx context.Context, req ChargeReq) (*Transaction, error) {
	return limited(ctx, l.limits.Deposit, l.limits.Wait, func() (*Transaction, error) {
		return l.next.Deposit(ctx, req)
	})
}

func (l *limitMiddleware) Withdraw(ctx context.Context, req ChargeReq) (*Transaction, error) {
	return limited(ctx, l.limits.Withdraw, l.limits.Wait, func() (*Transaction, error) {
		return l.next.Withdraw(ctx, req)
	})
}

func (l *limitMiddleware) Transfer(ctx context.Context, req TransferReq) (*Transaction, error) {
	return limited(ctx, l.limits.Transfer, l.limits.Wait, func() (*Transaction, error) {
		return l.next.Transfer(ctx, req)
	})
}

func (l *limitMiddleware) GetAccount(ctx context.Context, acctID snowflake.ID) (*Account, error) {
	return limited(ctx, l.limits.Query, l.limits.Wait, func() (*Account, error) {
		return l.next.GetAccount(ctx, acctID)
	})
}

func (l *limitMiddleware) ListAccounts(ctx context.Context) ([]Account, error) {
	return limited(ctx, l.limits.Query, l.limits.Wait, func() ([]Account, error) {
		return l.next.ListAccounts(ctx)
	})
}

func (l *limitMiddleware) GetAccountsByCustomer(ctx context.Context, customerID string) ([]Account, error) {
	return limited(ctx, l.limits.Query, l.limits.Wait, func() ([]Account, error) {
		return l.next.GetAccountsByCustomer(ctx, customerID)
	})
}

func (l *limitMiddleware) GetTransactionsByAccount(ctx context.Context, acctID snowflake.ID) ([]Transaction, error) {
	return limited(ctx, l.limits.Query, l.limits.Wait, func() ([]Transaction, error) {
		return l.next.GetTransactionsByAccount(ctx, acctID)
	})
}

func (l *limitMiddleware) GetTransaction(ctx context.Context, txnID snowflake.ID) (*Transaction, error) {
	return limited(ctx, l.limits.Query, l.limits.Wait, func() (*Transaction, error) {
		return l.next.GetTransaction(ctx, txnID)
	})
}

type ServiceBreaker struct {
	CreateAccount *gobreaker.TwoStepCircuitBreaker[*Account]
	Deposit       *gobreaker.TwoStepCircuitBreaker[*Transaction]
	Withdraw      *gobreaker.TwoStepCircuitBreaker[*Transaction]
	Transfer      *gobreaker.TwoStepCircuitBreaker[*Transaction]
}

type BreakerSettings struct {
	MaxRequests         uint32
	Interval            time.Duration
	Timeout             time.Duration
	ConsecutiveFailures uint32
}

// NewServiceBreaker builds one breaker per mutating operation. A breaker
// trips after ConsecutiveFailures system failures in a row.
func NewServiceBreaker(bs BreakerSettings, log *zerolog.Logger) *ServiceBreaker {
	settings := func(name string) gobreaker.Settings {
		return gobreaker.Settings{
			Name:        name,
			MaxRequests: bs.MaxRequests,
			Interval:    bs.Interval,
			Timeout:     bs.Timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= bs.ConsecutiveFailures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn().
					Str("breaker", name).
					Str("from", from.String()).
					Str("to", to.String()).
					Msg("circuit breaker state change")
			},
		}
	}
	return &ServiceBreaker{
		CreateAccount: gobreaker.NewTwoStepCircuitBreaker[*Account](settings("create_account")),
		Deposit:       gobreaker.NewTwoStepCircuitBreaker[*Transaction](settings("deposit")),
		Withdraw:      gobreaker.NewTwoStepCircuitBreaker[*Transaction](settings("withdraw")),
		Transfer:      gobreaker.NewTwoStepCircuitBreaker[*Transaction](settings("transfer")),
	}
}

// circuitBreakMiddleware is a middleware that implements the circuit breaker pattern.
// It works in conjunction with limitMiddleware: shed load and storage errors
// count as failures, while rejected requests count as successes since the
// service handled them correctly. Lock timeouts are contention on a single
// account and do not trip the breaker shared by all accounts.
type circuitBreakMiddleware struct {
	next  Service
	brkrs *ServiceBreaker
}

var (
	_ Service = (*circuitBreakMiddleware)(nil)
)

func NewCircuitBreakMiddleware(brkrs *ServiceBreaker) Middleware {
	return func(next Service) Service {
		return &circuitBreakMiddleware{
			next:  next,
			brkrs: brkrs,
		}
	}
}

func breakerHealthy(err error) bool {
	if err == nil || isDomainError(err) || errors.Is(err, context.Canceled) {
		return true
	}
	return KindOf(err) == KindLockTimeout
}

func guarded[T any](cb *gobreaker.TwoStepCircuitBreaker[T], call func() (T, error)) (T, error) {
	var zero T
	if cb == nil {
		return call()
	}
	done, err := cb.Allow()
	if err != nil {
		return zero, fmt.Errorf("%w: %s", ErrServiceUnavailable, err.Error())
	}
	res, err := call()
	done(breakerHealthy(err))
	return res, err
}

func (c *circuitBreakMiddleware) CreateAccount(ctx context.Context, req CreateAccountReq) (*Account, error) {
	return guarded(c.brkrs.CreateAccount, func() (*Account, error) {
		return c.next.CreateAccount(ctx, req)
	})
}

func (c *circuitBreakMiddleware) DeactivateAccount(ctx context.Context, acctID snowflake.ID) (*Account, error) {
	return guarded(c.brkrs.CreateAccount, func() (*Account, error) {
		return c.next.DeactivateAccount(ctx, acctID)
	})
}

func (c *circuitBreakMiddleware) Deposit(ctx context.Context, req ChargeReq) (*Transaction, error) {
	return guarded(c.brkrs.Deposit, func() (*Transaction, error) {
		return c.next.Deposit(ctx, req)
	})
}

func (c *circuitBreakMiddleware) Withdraw(ctx context.Context, req ChargeReq) (*Transaction, error) {
	return guarded(c.brkrs.Withdraw, func() (*Transaction, error) {
		return c.next.Withdraw(ctx, req)
	})
}

func (c *circuitBreakMiddleware) Transfer(ctx context.Context, req TransferReq) (*Transaction, error) {
	return guarded(c.brkrs.Transfer, func() (*Transaction, error) {
		return c.next.Transfer(ctx, req)
	})
}

func (c *circuitBreakMiddleware) GetAccount(ctx context.Context, acctID snowflake.ID) (*Account, error) {
	return c.next.GetAccount(ctx, acctID)
}

func (c *circuitBreakMiddleware) ListAccounts(ctx context.Context) ([]Account, error) {
	return c.next.ListAccounts(ctx)
}

func (c *circuitBreakMiddleware) GetAccountsByCustomer(ctx context.Context, customerID string) ([]Account, error) {
	return c.next.GetAccountsByCustomer(ctx, customerID)
}

func (c *circuitBreakMiddleware) GetTransactionsByAccount(ctx context.Context, acctID snowflake.ID) ([]Transaction, error) {
	return c.next.GetTransactionsByAccount(ctx, acctID)
}

func (c *circuitBreakMiddleware) GetTransaction(ctx context.Context, txnID snowflake.ID) (*Transaction, error) {
	return c.next.GetTransaction(ctx, txnID)
}
