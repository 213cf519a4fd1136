package ledgerxgo

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/go-pdf/fpdf"
)

// StatementRenderer writes PDF account statements from what Service exposes.
type StatementRenderer struct {
	svc Service
	now func() time.Time
}

func NewStatementRenderer(svc Service) *StatementRenderer {
	return &StatementRenderer{svc: svc, now: time.Now}
}

var statementCols = []struct {
	title string
	width float64
	align string
}{
	{"Date", 42, "L"},
	{"Transaction", 36, "L"},
	{"Type", 30, "L"},
	{"Counterparty", 36, "L"},
	{"Amount", 30, "R"},
}

// Render reads the account and its full history before writing anything, so
// a failed lookup leaves w untouched.
func (sr *StatementRenderer) Render(ctx context.Context, w io.Writer, acctID snowflake.ID) error {
	acct, err := sr.svc.GetAccount(ctx, acctID)
	if err != nil {
		return err
	}
	txns, err := sr.svc.GetTransactionsByAccount(ctx, acctID)
	if err != nil {
		return err
	}

	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetTitle(fmt.Sprintf("Statement %v", acct.AcctID), false)
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 16)
	pdf.Cell(0, 10, "Account Statement")
	pdf.Ln(12)

	pdf.SetFont("Helvetica", "", 10)
	status := "active"
	if !acct.Active {
		status = "inactive"
	}
	for _, line := range []string{
		fmt.Sprintf("Account: %v (%s, %s)", acct.AcctID, acct.Type, status),
		"Customer: " + acct.CustomerID,
		"Currency: " + acct.Currency(),
		"Generated: " + sr.now().UTC().Format(time.RFC1123),
	} {
		pdf.Cell(0, 6, line)
		pdf.Ln(6)
	}
	pdf.Ln(4)

	pdf.SetFont("Helvetica", "B", 10)
	for _, c := range statementCols {
		pdf.CellFormat(c.width, 7, c.title, "B", 0, c.align, false, 0, "")
	}
	pdf.Ln(-1)

	pdf.SetFont("Helvetica", "", 9)
	for _, t := range txns {
		counter := ""
		if t.RelatedAcctID != nil {
			counter = t.RelatedAcctID.String()
		}
		amount := t.Amount.Amount.StringFixed(2)
		if t.Type == TxnWithdrawal || t.Type == TxnTransferOut {
			amount = "-" + amount
		}
		cells := []string{
			t.Timestamp.UTC().Format("2006-01-02 15:04:05"),
			t.TxnID.String(),
			string(t.Type),
			counter,
			amount,
		}
		for i, c := range statementCols {
			pdf.CellFormat(c.width, 6, cells[i], "", 0, c.align, false, 0, "")
		}
		pdf.Ln(-1)
	}

	pdf.Ln(4)
	pdf.SetFont("Helvetica", "B", 10)
	pdf.Cell(0, 7, fmt.Sprintf("Closing balance: %s %s", acct.Balance.Amount.StringFixed(2), acct.Currency()))

	return pdf.Output(w)
}
