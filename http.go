package ledgerxgo

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

var (
	statusOK = []byte(`{"status":"OK"}`)
)

// flexString accepts either a JSON string or a JSON number.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

// flexID accepts an id as either a JSON string or a JSON number.
type flexID snowflake.ID

func (f *flexID) UnmarshalJSON(b []byte) error {
	var s flexString
	if err := s.UnmarshalJSON(b); err != nil {
		return err
	}
	if s == "" {
		*f = 0
		return nil
	}
	id, err := snowflake.ParseString(string(s))
	if err != nil {
		return err
	}
	*f = flexID(id)
	return nil
}

type createAccountJSONReq struct {
	CustomerID     flexString      `json:"customerId"`
	AccountType    string          `json:"accountType"`
	InitialBalance decimal.Decimal `json:"initialBalance"`
	Currency       string          `json:"currency"`
}

type transactionJSONReq struct {
	AccountID     flexID          `json:"accountId"`
	FromAccountID flexID          `json:"fromAccountId"`
	ToAccountID   flexID          `json:"toAccountId"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Description   string          `json:"description"`
}

type accountJSONResp struct {
	AccountID   snowflake.ID    `json:"accountId"`
	CustomerID  string          `json:"customerId"`
	AccountType AccountType     `json:"accountType"`
	Balance     decimal.Decimal `json:"balance"`
	Currency    string          `json:"currency"`
	Active      bool            `json:"active"`
	CreatedAt   string          `json:"createdAt"`
}

type balanceJSONResp struct {
	AccountID snowflake.ID    `json:"accountId"`
	Balance   decimal.Decimal `json:"balance"`
	Currency  string          `json:"currency"`
}

type transactionJSONResp struct {
	TransactionID    snowflake.ID    `json:"transactionId"`
	AccountID        snowflake.ID    `json:"accountId"`
	Type             TxnType         `json:"type"`
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency"`
	Timestamp        string          `json:"timestamp"`
	Description      string          `json:"description"`
	RelatedAccountID *snowflake.ID   `json:"relatedAccountId,omitempty"`
	Checksum         string          `json:"checksum"`
}

func toAccountResp(a *Account) accountJSONResp {
	return accountJSONResp{
		AccountID:   a.AcctID,
		CustomerID:  a.CustomerID,
		AccountType: a.Type,
		Balance:     a.Balance.Amount,
		Currency:    a.Currency(),
		Active:      a.Active,
		CreatedAt:   a.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func toTransactionResp(t *Transaction) transactionJSONResp {
	return transactionJSONResp{
		TransactionID:    t.TxnID,
		AccountID:        t.AcctID,
		Type:             t.Type,
		Amount:           t.Amount.Amount,
		Currency:         t.Amount.Currency,
		Timestamp:        t.Timestamp.UTC().Format(time.RFC3339Nano),
		Description:      t.Description,
		RelatedAccountID: t.RelatedAcctID,
		Checksum:         t.Checksum,
	}
}

func NewHTTPHandler(svc Service, log *zerolog.Logger) http.Handler {
	hndlr := &httpHandler{
		Svc:        svc,
		Log:        log,
		Statements: NewStatementRenderer(svc),
	}
	mux := chi.NewMux()
	mux.Use(RequestLogger(log), middleware.Recoverer)
	mux.NotFound(HTTPNotFound)
	mux.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write(statusOK)
	})
	mux.Route("/api/accounts", func(r chi.Router) {
		r.Post("/", hndlr.CreateAccount)
		r.Get("/", hndlr.ListAccounts)
		r.Get("/customer/{customerID}", hndlr.AccountsByCustomer)
		r.Route("/{acctID:[0-9]+}", func(rr chi.Router) {
			rr.Get("/", hndlr.GetAccount)
			rr.Get("/balance", hndlr.Balance)
			rr.Get("/statement", hndlr.Statement)
			rr.Post("/deactivate", hndlr.Deactivate)
		})
	})
	mux.Route("/api/transactions", func(r chi.Router) {
		r.Post("/deposit", hndlr.Deposit)
		r.Post("/withdraw", hndlr.Withdraw)
		r.Post("/transfer", hndlr.Transfer)
		r.Get("/account/{acctID:[0-9]+}", hndlr.TransactionsByAccount)
		r.Get("/{txnID:[0-9]+}", hndlr.GetTransaction)
	})

	return mux
}

// RequestLogger tags every request with an id (reusing X-Request-ID when the
// client sent one) and logs it once the handler returns.
func RequestLogger(log *zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := r.Header.Get("X-Request-ID")
			if reqID == "" {
				reqID = uuid.NewString()
			}
			w.Header().Set("X-Request-ID", reqID)
			rl := log.With().Str("request_id", reqID).Logger()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r.WithContext(rl.WithContext(r.Context())))
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			rl.Info().
				Str("http_method", r.Method).
				Str("path", r.URL.Path).
				Int("status", status).
				Dur("duration", time.Since(start)).
				Msg("request handled")
		})
	}
}

type httpHandler struct {
	Svc        Service
	Log        *zerolog.Logger
	Statements *StatementRenderer
}

func (h *httpHandler) decode(w http.ResponseWriter, r *http.Request, method string, dst any) bool {
	buf, err := io.ReadAll(r.Body)
	defer r.Body.Close()
	if err != nil {
		h.Log.Err(err).Str("method", method).Msg("error reading HTTP request")
		WriteHTTPError(w, h.Log, ErrInternalServer)
		return false
	}
	if err = json.Unmarshal(buf, dst); err != nil {
		h.Log.Err(err).Str("method", method).Msg("error unmarshalling JSON")
		WriteHTTPError(w, h.Log, ErrBadRequest{Fields: map[string]string{"request body": "malformed JSON"}})
		return false
	}
	return true
}

func (h *httpHandler) pathID(w http.ResponseWriter, r *http.Request, method, param string) (snowflake.ID, bool) {
	id, err := snowflake.ParseString(chi.URLParam(r, param))
	if err != nil {
		h.Log.Err(err).Str("method", method).Msgf("error parsing %s", param)
		WriteHTTPError(w, h.Log, ErrBadRequest{Fields: map[string]string{param: "invalid format"}})
		return 0, false
	}
	return id, true
}

func (h *httpHandler) fail(w http.ResponseWriter, method string, err error) {
	if KindOf(err) == KindInternal {
		h.Log.Err(err).Str("method", method).Msg("service error")
	}
	WriteHTTPError(w, h.Log, err)
}

func writeJSON(w http.ResponseWriter, log *zerolog.Logger, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Err(err).Int("status", status).Msg("response encoding failed")
	}
}

func (h *httpHandler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountJSONReq
	if !h.decode(w, r, "create_account", &req) {
		return
	}
	acct, err := h.Svc.CreateAccount(r.Context(), CreateAccountReq{
		CustomerID:     string(req.CustomerID),
		Type:           req.AccountType,
		InitialBalance: NewMoney(req.InitialBalance, req.Currency),
	})
	if err != nil {
		h.fail(w, "create_account", err)
		return
	}
	writeJSON(w, h.Log, http.StatusCreated, toAccountResp(acct))
}

func (h *httpHandler) writeAccounts(w http.ResponseWriter, method string, accts []Account, err error) {
	if err != nil {
		h.fail(w, method, err)
		return
	}
	resp := make([]accountJSONResp, 0, len(accts))
	for i := range accts {
		resp = append(resp, toAccountResp(&accts[i]))
	}
	writeJSON(w, h.Log, http.StatusOK, resp)
}

func (h *httpHandler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	accts, err := h.Svc.ListAccounts(r.Context())
	h.writeAccounts(w, "list_accounts", accts, err)
}

func (h *httpHandler) AccountsByCustomer(w http.ResponseWriter, r *http.Request) {
	accts, err := h.Svc.GetAccountsByCustomer(r.Context(), chi.URLParam(r, "customerID"))
	h.writeAccounts(w, "accounts_by_customer", accts, err)
}

func (h *httpHandler) GetAccount(w http.ResponseWriter, r *http.Request) {
	acctID, ok := h.pathID(w, r, "get_account", "acctID")
	if !ok {
		return
	}
	acct, err := h.Svc.GetAccount(r.Context(), acctID)
	if err != nil {
		h.fail(w, "get_account", err)
		return
	}
	writeJSON(w, h.Log, http.StatusOK, toAccountResp(acct))
}

func (h *httpHandler) Balance(w http.ResponseWriter, r *http.Request) {
	acctID, ok := h.pathID(w, r, "balance", "acctID")
	if !ok {
		return
	}
	acct, err := h.Svc.GetAccount(r.Context(), acctID)
	if err != nil {
		h.fail(w, "balance", err)
		return
	}
	writeJSON(w, h.Log, http.StatusOK, balanceJSONResp{
		AccountID: acct.AcctID,
		Balance:   acct.Balance.Amount,
		Currency:  acct.Currency(),
	})
}

func (h *httpHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	acctID, ok := h.pathID(w, r, "deactivate", "acctID")
	if !ok {
		return
	}
	acct, err := h.Svc.DeactivateAccount(r.Context(), acctID)
	if err != nil {
		h.fail(w, "deactivate", err)
		return
	}
	writeJSON(w, h.Log, http.StatusOK, toAccountResp(acct))
}

func (h *httpHandler) Statement(w http.ResponseWriter, r *http.Request) {
	acctID, ok := h.pathID(w, r, "statement", "acctID")
	if !ok {
		return
	}
	buf := new(bytes.Buffer)
	if err := h.Statements.Render(r.Context(), buf, acctID); err != nil {
		h.fail(w, "statement", err)
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", `attachment; filename="statement-`+acctID.String()+`.pdf"`)
	if _, err := w.Write(buf.Bytes()); err != nil {
		h.Log.Err(err).Str("method", "statement").Msg("error writing statement")
	}
}

func (h *httpHandler) Deposit(w http.ResponseWriter, r *http.Request) {
	var req transactionJSONReq
	if !h.decode(w, r, "deposit", &req) {
		return
	}
	txn, err := h.Svc.Deposit(r.Context(), ChargeReq{
		AcctID:      snowflake.ID(req.AccountID),
		Amount:      NewMoney(req.Amount, req.Currency),
		Description: req.Description,
	})
	if err != nil {
		h.fail(w, "deposit", err)
		return
	}
	writeJSON(w, h.Log, http.StatusCreated, toTransactionResp(txn))
}

func (h *httpHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	var req transactionJSONReq
	if !h.decode(w, r, "withdraw", &req) {
		return
	}
	txn, err := h.Svc.Withdraw(r.Context(), ChargeReq{
		AcctID:      snowflake.ID(req.AccountID),
		Amount:      NewMoney(req.Amount, req.Currency),
		Description: req.Description,
	})
	if err != nil {
		h.fail(w, "withdraw", err)
		return
	}
	writeJSON(w, h.Log, http.StatusCreated, toTransactionResp(txn))
}

func (h *httpHandler) Transfer(w http.ResponseWriter, r *http.Request) {
	var req transactionJSONReq
	if !h.decode(w, r, "transfer", &req) {
		return
	}
	txn, err := h.Svc.Transfer(r.Context(), TransferReq{
		FromAcctID:  snowflake.ID(req.FromAccountID),
		ToAcctID:    snowflake.ID(req.ToAccountID),
		Amount:      NewMoney(req.Amount, req.Currency),
		Description: req.Description,
	})
	if err != nil {
		h.fail(w, "transfer", err)
		return
	}
	writeJSON(w, h.Log, http.StatusCreated, toTransactionResp(txn))
}

func (h *httpHandler) TransactionsByAccount(w http.ResponseWriter, r *http.Request) {
	acctID, ok := h.pathID(w, r, "transactions_by_account", "acctID")
	if !ok {
		return
	}
	txns, err := h.Svc.GetTransactionsByAccount(r.Context(), acctID)
	if err != nil {
		h.fail(w, "transactions_by_account", err)
		return
	}
	resp := make([]transactionJSONResp, 0, len(txns))
	for i := range txns {
		resp = append(resp, toTransactionResp(&txns[i]))
	}
	writeJSON(w, h.Log, http.StatusOK, resp)
}

func (h *httpHandler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	txnID, ok := h.pathID(w, r, "get_transaction", "txnID")
	if !ok {
		return
	}
	txn, err := h.Svc.GetTransaction(r.Context(), txnID)
	if err != nil {
		h.fail(w, "get_transaction", err)
		return
	}
	writeJSON(w, h.Log, http.StatusOK, toTransactionResp(txn))
}

// HTTPStatus maps an error kind to the response status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindInvalidArgument:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindAccountInactive, KindCurrencyMismatch, KindInsufficientFunds, KindInvalidOperation:
		return http.StatusUnprocessableEntity
	case KindLockTimeout:
		return http.StatusConflict
	case KindServiceBusy, KindServiceUnavailable:
		return http.StatusServiceUnavailable
	case KindCanceled:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func WriteHTTPError(w http.ResponseWriter, log *zerolog.Logger, err error) {
	status := HTTPStatus(err)
	if IsRetryable(err) {
		w.Header().Set("Retry-After", strconv.Itoa(1))
	}

	errbr := ErrBadRequest{}
	switch {
	case errors.As(err, &errbr):
		writeJSON(w, log, status, errbr)
	case status == http.StatusInternalServerError:
		writeJSON(w, log, status, map[string]string{
			"message": "server error",
		})
	default:
		writeJSON(w, log, status, map[string]string{
			"kind":    KindOf(err).String(),
			"message": err.Error(),
		})
	}
}

func HTTPNotFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, zerolog.Ctx(r.Context()), http.StatusNotFound, map[string]string{
		"path": r.URL.Path,
	})
}
