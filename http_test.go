package ledgerxgo_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/arhyth/ledgerxgo"
	"github.com/arhyth/ledgerxgo/mocks"
)

func serve(hndlr http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	hndlr.ServeHTTP(w, req)
	return w
}

type brokenWriter struct {
	header http.Header
}

func (b *brokenWriter) Header() http.Header       { return b.header }
func (b *brokenWriter) WriteHeader(int)           {}
func (b *brokenWriter) Write([]byte) (int, error) { return 0, errors.New("connection reset") }

func TestHTTPDeposit(t *testing.T) {
	nooplog := zerolog.Nop()
	acctID := snowflake.ParseInt64(1834563581361305763)

	t.Run("returns Created with the transaction on success", func(tt *testing.T) {
		as := assert.New(tt)
		reqrd := require.New(tt)
		ctrl := gomock.NewController(tt)
		svc := mocks.NewMockService(ctrl)
		ts := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
		svc.EXPECT().
			Deposit(gomock.Any(), gomock.AssignableToTypeOf(ledgerxgo.ChargeReq{})).
			DoAndReturn(func(_ context.Context, r ledgerxgo.ChargeReq) (*ledgerxgo.Transaction, error) {
				as.Equal(acctID, r.AcctID)
				as.True(r.Amount.Amount.Equal(decimal.RequireFromString("50.00")))
				as.Equal("usd", r.Amount.Currency)
				as.Equal("payroll", r.Description)
				return &ledgerxgo.Transaction{
					TxnID:       snowflake.ParseInt64(99),
					AcctID:      r.AcctID,
					Type:        ledgerxgo.TxnDeposit,
					Amount:      usd("50.00"),
					Timestamp:   ts,
					Description: r.Description,
					Checksum:    "abc",
				}, nil
			})

		hndlr := ledgerxgo.NewHTTPHandler(svc, &nooplog)
		w := serve(hndlr, http.MethodPost, "/api/transactions/deposit",
			`{"accountId":"1834563581361305763","amount":"50.00","currency":"usd","description":"payroll"}`)

		as.Equal(http.StatusCreated, w.Code)
		as.Equal("application/json", w.Header().Get("Content-Type"))
		resp := map[string]any{}
		reqrd.Nil(json.Unmarshal(w.Body.Bytes(), &resp))
		as.Equal("99", resp["transactionId"])
		as.Equal("1834563581361305763", resp["accountId"])
		as.Equal("DEPOSIT", resp["type"])
		as.Equal("50", resp["amount"])
		as.Equal("USD", resp["currency"])
		as.Equal("2024-05-01T10:00:00Z", resp["timestamp"])
		as.Equal("abc", resp["checksum"])
		as.NotContains(resp, "relatedAccountId")
	})

	t.Run("accepts a numeric amount", func(tt *testing.T) {
		as := assert.New(tt)
		ctrl := gomock.NewController(tt)
		svc := mocks.NewMockService(ctrl)
		svc.EXPECT().
			Deposit(gomock.Any(), ledgerxgo.ChargeReq{
				AcctID: acctID,
				Amount: ledgerxgo.NewMoney(decimal.RequireFromString("12.5"), "USD"),
			}).
			Return(&ledgerxgo.Transaction{}, nil)

		hndlr := ledgerxgo.NewHTTPHandler(svc, &nooplog)
		w := serve(hndlr, http.MethodPost, "/api/transactions/deposit",
			`{"accountId":"1834563581361305763","amount":12.5,"currency":"USD"}`)
		as.Equal(http.StatusCreated, w.Code)
	})

	t.Run("accepts a numeric account id", func(tt *testing.T) {
		as := assert.New(tt)
		ctrl := gomock.NewController(tt)
		svc := mocks.NewMockService(ctrl)
		svc.EXPECT().
			Deposit(gomock.Any(), ledgerxgo.ChargeReq{
				AcctID: acctID,
				Amount: ledgerxgo.NewMoney(decimal.RequireFromString("100.00"), "USD"),
			}).
			Return(&ledgerxgo.Transaction{}, nil)

		hndlr := ledgerxgo.NewHTTPHandler(svc, &nooplog)
		w := serve(hndlr, http.MethodPost, "/api/transactions/deposit",
			`{"accountId":1834563581361305763,"amount":100.00,"currency":"USD"}`)
		as.Equal(http.StatusCreated, w.Code)
	})

	t.Run("returns BadRequest on a fractional account id", func(tt *testing.T) {
		as := assert.New(tt)
		ctrl := gomock.NewController(tt)
		svc := mocks.NewMockService(ctrl)
		hndlr := ledgerxgo.NewHTTPHandler(svc, &nooplog)

		w := serve(hndlr, http.MethodPost, "/api/transactions/deposit",
			`{"accountId":1.5,"amount":"1","currency":"USD"}`)
		as.Equal(http.StatusBadRequest, w.Code)
	})

	t.Run("returns BadRequest on malformed JSON", func(tt *testing.T) {
		as := assert.New(tt)
		reqrd := require.New(tt)
		ctrl := gomock.NewController(tt)
		svc := mocks.NewMockService(ctrl)
		hndlr := ledgerxgo.NewHTTPHandler(svc, &nooplog)

		w := serve(hndlr, http.MethodPost, "/api/transactions/deposit", `{"amount":`)
		as.Equal(http.StatusBadRequest, w.Code)
		resp := map[string]map[string]string{}
		reqrd.Nil(json.Unmarshal(w.Body.Bytes(), &resp))
		as.Contains(resp["fields"], "request body")
	})

	t.Run("maps business failures to Unprocessable Entity", func(tt *testing.T) {
		as := assert.New(tt)
		reqrd := require.New(tt)
		ctrl := gomock.NewController(tt)
		svc := mocks.NewMockService(ctrl)
		svc.EXPECT().
			Withdraw(gomock.Any(), gomock.Any()).
			Return(nil, ledgerxgo.ErrInsufficientFunds{AcctID: acctID})
		hndlr := ledgerxgo.NewHTTPHandler(svc, &nooplog)

		w := serve(hndlr, http.MethodPost, "/api/transactions/withdraw",
			`{"accountId":"1834563581361305763","amount":"200","currency":"USD"}`)
		as.Equal(http.StatusUnprocessableEntity, w.Code)
		resp := map[string]string{}
		reqrd.Nil(json.Unmarshal(w.Body.Bytes(), &resp))
		as.Equal("InsufficientFunds", resp["kind"])
		as.Empty(w.Header().Get("Retry-After"))
	})
}

func TestHTTPTransfer(t *testing.T) {
	nooplog := zerolog.Nop()

	t.Run("passes both account ids to the service", func(tt *testing.T) {
		as := assert.New(tt)
		reqrd := require.New(tt)
		ctrl := gomock.NewController(tt)
		svc := mocks.NewMockService(ctrl)
		from, to := snowflake.ParseInt64(11), snowflake.ParseInt64(22)
		svc.EXPECT().
			Transfer(gomock.Any(), ledgerxgo.TransferReq{
				FromAcctID:  from,
				ToAcctID:    to,
				Amount:      ledgerxgo.NewMoney(decimal.RequireFromString("150.00"), "USD"),
				Description: "settle",
			}).
			Return(&ledgerxgo.Transaction{
				TxnID:         snowflake.ParseInt64(5),
				AcctID:        from,
				Type:          ledgerxgo.TxnTransferOut,
				Amount:        usd("150.00"),
				RelatedAcctID: &to,
			}, nil)
		hndlr := ledgerxgo.NewHTTPHandler(svc, &nooplog)

		w := serve(hndlr, http.MethodPost, "/api/transactions/transfer",
			`{"fromAccountId":"11","toAccountId":"22","amount":"150.00","currency":"USD","description":"settle"}`)
		as.Equal(http.StatusCreated, w.Code)
		resp := map[string]any{}
		reqrd.Nil(json.Unmarshal(w.Body.Bytes(), &resp))
		as.Equal("TRANSFER_OUT", resp["type"])
		as.Equal("22", resp["relatedAccountId"])
	})

	t.Run("accepts numeric account ids", func(tt *testing.T) {
		as := assert.New(tt)
		ctrl := gomock.NewController(tt)
		svc := mocks.NewMockService(ctrl)
		svc.EXPECT().
			Transfer(gomock.Any(), ledgerxgo.TransferReq{
				FromAcctID: snowflake.ParseInt64(1),
				ToAcctID:   snowflake.ParseInt64(2),
				Amount:     ledgerxgo.NewMoney(decimal.RequireFromString("25.00"), "USD"),
			}).
			Return(&ledgerxgo.Transaction{}, nil)
		hndlr := ledgerxgo.NewHTTPHandler(svc, &nooplog)

		w := serve(hndlr, http.MethodPost, "/api/transactions/transfer",
			`{"fromAccountId":1,"toAccountId":2,"amount":25.00,"currency":"USD"}`)
		as.Equal(http.StatusCreated, w.Code)
	})

	t.Run("marks lock timeouts as retryable conflicts", func(tt *testing.T) {
		as := assert.New(tt)
		ctrl := gomock.NewController(tt)
		svc := mocks.NewMockService(ctrl)
		svc.EXPECT().
			Transfer(gomock.Any(), gomock.Any()).
			Return(nil, ledgerxgo.ErrLockTimeout{AcctIDs: []snowflake.ID{11, 22}})
		hndlr := ledgerxgo.NewHTTPHandler(svc, &nooplog)

		w := serve(hndlr, http.MethodPost, "/api/transactions/transfer",
			`{"fromAccountId":"11","toAccountId":"22","amount":"1","currency":"USD"}`)
		as.Equal(http.StatusConflict, w.Code)
		as.Equal("1", w.Header().Get("Retry-After"))
	})

	t.Run("hides internal errors", func(tt *testing.T) {
		as := assert.New(tt)
		reqrd := require.New(tt)
		ctrl := gomock.NewController(tt)
		svc := mocks.NewMockService(ctrl)
		svc.EXPECT().
			Transfer(gomock.Any(), gomock.Any()).
			Return(nil, errors.New("pq: relation does not exist"))
		hndlr := ledgerxgo.NewHTTPHandler(svc, &nooplog)

		w := serve(hndlr, http.MethodPost, "/api/transactions/transfer",
			`{"fromAccountId":"11","toAccountId":"22","amount":"1","currency":"USD"}`)
		as.Equal(http.StatusInternalServerError, w.Code)
		resp := map[string]string{}
		reqrd.Nil(json.Unmarshal(w.Body.Bytes(), &resp))
		as.Equal("server error", resp["message"])
	})
}

func TestHTTPAccounts(t *testing.T) {
	nooplog := zerolog.Nop()
	acct := &ledgerxgo.Account{
		AcctID:     snowflake.ParseInt64(77),
		CustomerID: "42",
		Type:       ledgerxgo.AccountChecking,
		Balance:    usd("100.00"),
		Active:     true,
		CreatedAt:  time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}

	t.Run("creates an account from a numeric customer id", func(tt *testing.T) {
		as := assert.New(tt)
		reqrd := require.New(tt)
		ctrl := gomock.NewController(tt)
		svc := mocks.NewMockService(ctrl)
		svc.EXPECT().
			CreateAccount(gomock.Any(), ledgerxgo.CreateAccountReq{
				CustomerID:     "42",
				Type:           "CHECKING",
				InitialBalance: ledgerxgo.NewMoney(decimal.RequireFromString("100.00"), "USD"),
			}).
			Return(acct, nil)
		hndlr := ledgerxgo.NewHTTPHandler(svc, &nooplog)

		w := serve(hndlr, http.MethodPost, "/api/accounts",
			`{"customerId":42,"accountType":"CHECKING","initialBalance":"100.00","currency":"USD"}`)
		as.Equal(http.StatusCreated, w.Code)
		resp := map[string]any{}
		reqrd.Nil(json.Unmarshal(w.Body.Bytes(), &resp))
		as.Equal("77", resp["accountId"])
		as.Equal("42", resp["customerId"])
		as.Equal("100", resp["balance"])
		as.Equal(true, resp["active"])
		as.Equal("2024-01-02T03:04:05Z", resp["createdAt"])
	})

	t.Run("returns the balance", func(tt *testing.T) {
		as := assert.New(tt)
		reqrd := require.New(tt)
		ctrl := gomock.NewController(tt)
		svc := mocks.NewMockService(ctrl)
		svc.EXPECT().
			GetAccount(gomock.Any(), acct.AcctID).
			Return(acct, nil)
		hndlr := ledgerxgo.NewHTTPHandler(svc, &nooplog)

		w := serve(hndlr, http.MethodGet, "/api/accounts/77/balance", "")
		as.Equal(http.StatusOK, w.Code)
		resp := map[string]string{}
		reqrd.Nil(json.Unmarshal(w.Body.Bytes(), &resp))
		as.Equal("100", resp["balance"])
		as.Equal("USD", resp["currency"])
	})

	t.Run("lists accounts of a customer", func(tt *testing.T) {
		as := assert.New(tt)
		reqrd := require.New(tt)
		ctrl := gomock.NewController(tt)
		svc := mocks.NewMockService(ctrl)
		svc.EXPECT().
			GetAccountsByCustomer(gomock.Any(), "42").
			Return([]ledgerxgo.Account{*acct}, nil)
		hndlr := ledgerxgo.NewHTTPHandler(svc, &nooplog)

		w := serve(hndlr, http.MethodGet, "/api/accounts/customer/42", "")
		as.Equal(http.StatusOK, w.Code)
		resp := []map[string]any{}
		reqrd.Nil(json.Unmarshal(w.Body.Bytes(), &resp))
		as.Len(resp, 1)
	})

	t.Run("returns an empty list rather than null", func(tt *testing.T) {
		as := assert.New(tt)
		ctrl := gomock.NewController(tt)
		svc := mocks.NewMockService(ctrl)
		svc.EXPECT().
			ListAccounts(gomock.Any()).
			Return(nil, nil)
		hndlr := ledgerxgo.NewHTTPHandler(svc, &nooplog)

		w := serve(hndlr, http.MethodGet, "/api/accounts", "")
		as.Equal(http.StatusOK, w.Code)
		as.JSONEq(`[]`, w.Body.String())
	})

	t.Run("logs response write failures to the handler logger", func(tt *testing.T) {
		as := assert.New(tt)
		ctrl := gomock.NewController(tt)
		svc := mocks.NewMockService(ctrl)
		svc.EXPECT().
			ListAccounts(gomock.Any()).
			Return([]ledgerxgo.Account{*acct}, nil)
		buf := new(bytes.Buffer)
		log := zerolog.New(buf)
		hndlr := ledgerxgo.NewHTTPHandler(svc, &log)

		req := httptest.NewRequest(http.MethodGet, "/api/accounts", nil)
		hndlr.ServeHTTP(&brokenWriter{header: http.Header{}}, req)
		as.Contains(buf.String(), "response encoding failed")
	})

	t.Run("returns NotFound for an unknown account", func(tt *testing.T) {
		as := assert.New(tt)
		ctrl := gomock.NewController(tt)
		svc := mocks.NewMockService(ctrl)
		svc.EXPECT().
			GetAccount(gomock.Any(), snowflake.ParseInt64(5)).
			Return(nil, ledgerxgo.ErrNotFound{Resource: "account", ID: 5})
		hndlr := ledgerxgo.NewHTTPHandler(svc, &nooplog)

		w := serve(hndlr, http.MethodGet, "/api/accounts/5", "")
		as.Equal(http.StatusNotFound, w.Code)
	})

	t.Run("returns NotFound with the path on a non-numeric id", func(tt *testing.T) {
		as := assert.New(tt)
		reqrd := require.New(tt)
		ctrl := gomock.NewController(tt)
		svc := mocks.NewMockService(ctrl)
		hndlr := ledgerxgo.NewHTTPHandler(svc, &nooplog)

		w := serve(hndlr, http.MethodGet, "/api/accounts/24j24g", "")
		as.Equal(http.StatusNotFound, w.Code)
		resp := map[string]string{}
		reqrd.Nil(json.Unmarshal(w.Body.Bytes(), &resp))
		as.Equal("/api/accounts/24j24g", resp["path"])
	})

	t.Run("returns BadRequest on an id that overflows", func(tt *testing.T) {
		as := assert.New(tt)
		ctrl := gomock.NewController(tt)
		svc := mocks.NewMockService(ctrl)
		hndlr := ledgerxgo.NewHTTPHandler(svc, &nooplog)

		w := serve(hndlr, http.MethodGet, "/api/accounts/99999999999999999999999", "")
		as.Equal(http.StatusBadRequest, w.Code)
	})

	t.Run("deactivates an account", func(tt *testing.T) {
		as := assert.New(tt)
		ctrl := gomock.NewController(tt)
		svc := mocks.NewMockService(ctrl)
		closed := *acct
		closed.Active = false
		svc.EXPECT().
			DeactivateAccount(gomock.Any(), acct.AcctID).
			Return(&closed, nil)
		hndlr := ledgerxgo.NewHTTPHandler(svc, &nooplog)

		w := serve(hndlr, http.MethodPost, "/api/accounts/77/deactivate", "")
		as.Equal(http.StatusOK, w.Code)
		as.Contains(w.Body.String(), `"active":false`)
	})

	t.Run("renders a PDF statement", func(tt *testing.T) {
		as := assert.New(tt)
		ctrl := gomock.NewController(tt)
		svc := mocks.NewMockService(ctrl)
		svc.EXPECT().
			GetAccount(gomock.Any(), acct.AcctID).
			Return(acct, nil)
		svc.EXPECT().
			GetTransactionsByAccount(gomock.Any(), acct.AcctID).
			Return([]ledgerxgo.Transaction{}, nil)
		hndlr := ledgerxgo.NewHTTPHandler(svc, &nooplog)

		w := serve(hndlr, http.MethodGet, "/api/accounts/77/statement", "")
		as.Equal(http.StatusOK, w.Code)
		as.Equal("application/pdf", w.Header().Get("Content-Type"))
		as.True(bytes.HasPrefix(w.Body.Bytes(), []byte("%PDF")))
	})
}

func TestHTTPTransactions(t *testing.T) {
	nooplog := zerolog.Nop()

	t.Run("lists the history of an account", func(tt *testing.T) {
		as := assert.New(tt)
		reqrd := require.New(tt)
		ctrl := gomock.NewController(tt)
		svc := mocks.NewMockService(ctrl)
		acctID := snowflake.ParseInt64(3)
		svc.EXPECT().
			GetTransactionsByAccount(gomock.Any(), acctID).
			Return([]ledgerxgo.Transaction{
				{TxnID: 1, AcctID: acctID, Type: ledgerxgo.TxnDeposit, Amount: usd("5")},
				{TxnID: 2, AcctID: acctID, Type: ledgerxgo.TxnWithdrawal, Amount: usd("1")},
			}, nil)
		hndlr := ledgerxgo.NewHTTPHandler(svc, &nooplog)

		w := serve(hndlr, http.MethodGet, "/api/transactions/account/3", "")
		as.Equal(http.StatusOK, w.Code)
		resp := []map[string]any{}
		reqrd.Nil(json.Unmarshal(w.Body.Bytes(), &resp))
		reqrd.Len(resp, 2)
		as.Equal("1", resp[0]["transactionId"])
		as.Equal("WITHDRAWAL", resp[1]["type"])
	})

	t.Run("returns a single transaction", func(tt *testing.T) {
		as := assert.New(tt)
		ctrl := gomock.NewController(tt)
		svc := mocks.NewMockService(ctrl)
		svc.EXPECT().
			GetTransaction(gomock.Any(), snowflake.ParseInt64(8)).
			Return(&ledgerxgo.Transaction{TxnID: 8, Type: ledgerxgo.TxnDeposit, Amount: usd("1")}, nil)
		hndlr := ledgerxgo.NewHTTPHandler(svc, &nooplog)

		w := serve(hndlr, http.MethodGet, "/api/transactions/8", "")
		as.Equal(http.StatusOK, w.Code)
		as.Contains(w.Body.String(), `"transactionId":"8"`)
	})
}

func TestHTTPRequestID(t *testing.T) {
	nooplog := zerolog.Nop()

	t.Run("echoes the caller's request id", func(tt *testing.T) {
		as := assert.New(tt)
		ctrl := gomock.NewController(tt)
		hndlr := ledgerxgo.NewHTTPHandler(mocks.NewMockService(ctrl), &nooplog)
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		req.Header.Set("X-Request-ID", "req-123")
		w := httptest.NewRecorder()
		hndlr.ServeHTTP(w, req)

		as.Equal(http.StatusOK, w.Code)
		as.Equal("req-123", w.Header().Get("X-Request-ID"))
		as.JSONEq(`{"status":"OK"}`, w.Body.String())
	})

	t.Run("generates one when absent", func(tt *testing.T) {
		as := assert.New(tt)
		ctrl := gomock.NewController(tt)
		hndlr := ledgerxgo.NewHTTPHandler(mocks.NewMockService(ctrl), &nooplog)

		w := serve(hndlr, http.MethodGet, "/healthz", "")
		as.Len(w.Header().Get("X-Request-ID"), 36)
	})
}

func TestHTTPStatus(t *testing.T) {
	as := assert.New(t)
	cases := []struct {
		err  error
		want int
	}{
		{ledgerxgo.ErrBadRequest{}, http.StatusBadRequest},
		{ledgerxgo.ErrNotFound{}, http.StatusNotFound},
		{fmt.Errorf("wrapped: %w", ledgerxgo.ErrNotFound{}), http.StatusNotFound},
		{ledgerxgo.ErrAccountInactive{}, http.StatusUnprocessableEntity},
		{ledgerxgo.ErrCurrencyMismatch{}, http.StatusUnprocessableEntity},
		{ledgerxgo.ErrInsufficientFunds{}, http.StatusUnprocessableEntity},
		{ledgerxgo.ErrInvalidOperation{}, http.StatusUnprocessableEntity},
		{ledgerxgo.ErrLockTimeout{}, http.StatusConflict},
		{ledgerxgo.ErrServiceBusy, http.StatusServiceUnavailable},
		{fmt.Errorf("%w: open", ledgerxgo.ErrServiceUnavailable), http.StatusServiceUnavailable},
		{context.Canceled, http.StatusRequestTimeout},
		{ledgerxgo.ErrInternalServer, http.StatusInternalServerError},
	}
	for _, c := range cases {
		as.Equal(c.want, ledgerxgo.HTTPStatus(c.err), c.err.Error())
	}
}
