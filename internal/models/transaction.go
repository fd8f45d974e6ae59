package models

import (
	"time"
)

// TMC transaction types
const (
	TransactionCredit   = "credit"
	TransactionDebit    = "debit"
	TransactionTransfer = "transfer"
)

// TMCTransaction is one immutable row of the credit ledger. Amount is signed:
// positive for credits, negative for debits. BalanceAfter is always
// BalanceBefore + Amount.
type TMCTransaction struct {
	ID              int       `json:"id" db:"id"`
	TransactionID   string    `json:"transaction_id" db:"transaction_id"`
	UserID          int       `json:"user_id" db:"user_id"`
	Type            string    `json:"type" db:"type"`
	Amount          int64     `json:"amount" db:"amount"`
	Reason          string    `json:"reason" db:"reason"`
	FunctionUsed    string    `json:"function_used,omitempty" db:"function_used"`
	RelatedUserID   *int      `json:"related_user_id,omitempty" db:"related_user_id"`
	BalanceBefore   int64     `json:"balance_before" db:"balance_before"`
	BalanceAfter    int64     `json:"balance_after" db:"balance_after"`
	AppointmentID   *int      `json:"appointment_id,omitempty" db:"appointment_id"`
	MedicalRecordID *int      `json:"medical_record_id,omitempty" db:"medical_record_id"`
	Metadata        Metadata  `json:"metadata,omitempty" db:"metadata"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
}

// TransactionRef carries the optional cross-references a ledger posting may
// attach to its transaction row.
type TransactionRef struct {
	FunctionUsed    string
	RelatedUserID   *int
	AppointmentID   *int
	MedicalRecordID *int
}
