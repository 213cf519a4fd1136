package ledgerxgo

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gowebpki/jcs"
)

type TxnType string

const (
	TxnDeposit     TxnType = "DEPOSIT"
	TxnWithdrawal  TxnType = "WITHDRAWAL"
	TxnTransferOut TxnType = "TRANSFER_OUT"
	TxnTransferIn  TxnType = "TRANSFER_IN"
)

// Transaction is an immutable record of one committed balance mutation. A
// transfer yields two of them, each pointing at the other's account through
// RelatedAcctID.
type Transaction struct {
	TxnID         snowflake.ID  `json:"transactionId"`
	AcctID        snowflake.ID  `json:"accountId"`
	Type          TxnType       `json:"type"`
	Amount        Money         `json:"amount"`
	Timestamp     time.Time     `json:"timestamp"`
	Description   string        `json:"description"`
	RelatedAcctID *snowflake.ID `json:"relatedAccountId,omitempty"`
	Checksum      string        `json:"checksum"`
}

// canonicalTxn is the hashed shape of a Transaction. Strings only, so the
// digest does not depend on number formatting.
type canonicalTxn struct {
	TxnID         string `json:"transaction_id"`
	AcctID        string `json:"account_id"`
	Type          string `json:"type"`
	Amount        string `json:"amount"`
	Currency      string `json:"currency"`
	Timestamp     string `json:"timestamp"`
	Description   string `json:"description"`
	RelatedAcctID string `json:"related_account_id"`
}

func (t *Transaction) digest() (string, error) {
	shape := canonicalTxn{
		TxnID:       t.TxnID.String(),
		AcctID:      t.AcctID.String(),
		Type:        string(t.Type),
		Amount:      t.Amount.Amount.String(),
		Currency:    t.Amount.Currency,
		Timestamp:   t.Timestamp.UTC().Format(time.RFC3339Nano),
		Description: t.Description,
	}
	if t.RelatedAcctID != nil {
		shape.RelatedAcctID = t.RelatedAcctID.String()
	}
	raw, err := json.Marshal(shape)
	if err != nil {
		return "", err
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// seal computes and stores the record checksum.
func (t *Transaction) seal() error {
	sum, err := t.digest()
	if err != nil {
		return err
	}
	t.Checksum = sum
	return nil
}

// Verify recomputes the checksum and fails if the record was altered after
// it was created.
func (t *Transaction) Verify() error {
	sum, err := t.digest()
	if err != nil {
		return err
	}
	if sum != t.Checksum {
		return fmt.Errorf("transaction `%v` checksum mismatch: %w", t.TxnID, ErrInternalServer)
	}
	return nil
}

type ChargeReq struct {
	AcctID      snowflake.ID
	Amount      Money
	Description string
}

type TransferReq struct {
	FromAcctID  snowflake.ID
	ToAcctID    snowflake.ID
	Amount      Money
	Description string
}
