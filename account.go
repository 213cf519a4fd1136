package ledgerxgo

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
)

type AccountType string

const (
	AccountChecking AccountType = "CHECKING"
	AccountSavings  AccountType = "SAVINGS"
	AccountBusiness AccountType = "BUSINESS"
)

// ParseAccountType accepts the enumerated account types case-insensitively.
func ParseAccountType(s string) (AccountType, bool) {
	switch t := AccountType(strings.ToUpper(strings.TrimSpace(s))); t {
	case AccountChecking, AccountSavings, AccountBusiness:
		return t, true
	default:
		return "", false
	}
}

// Account is a ledger account. Its balance currency is fixed at creation and
// its balance is only changed through LedgerEngine.
type Account struct {
	AcctID     snowflake.ID `json:"accountId"`
	CustomerID string       `json:"customerId"`
	Type       AccountType  `json:"accountType"`
	Balance    Money        `json:"balance"`
	Active     bool         `json:"active"`
	CreatedAt  time.Time    `json:"createdAt"`
}

func (a *Account) Currency() string {
	return a.Balance.Currency
}

type CreateAccountReq struct {
	CustomerID     string
	Type           string
	InitialBalance Money
}
