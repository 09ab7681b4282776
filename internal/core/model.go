package core

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderType string

const (
	OrderTypePayment OrderType = "payment"
	OrderTypeDebit   OrderType = "debit"
)

type OrderState string

const (
	StateDraft    OrderState = "draft"
	StateOpen     OrderState = "open"
	StateSent     OrderState = "sent"
	StateRejected OrderState = "rejected"
	StateDone     OrderState = "done"
	StateCancel   OrderState = "cancel"
)

// DatePreference controls how payment line scheduled dates are set on confirm.
type DatePreference string

const (
	DateDue   DatePreference = "due"   // per-line maturity date, today if missing
	DateFixed DatePreference = "fixed" // the order's scheduled date for all lines
	DateNow   DatePreference = "now"   // today for all lines
)

// TransferMoveOption controls how bank payment lines are grouped into
// transfer moves during export.
type TransferMoveOption string

const (
	TransferByDate TransferMoveOption = "date"
	TransferByLine TransferMoveOption = "line"
)

type MoveState string

const (
	MoveDraft  MoveState = "draft"
	MovePosted MoveState = "posted"
)

type ReconcileType string

const (
	ReconcileFull    ReconcileType = "full"
	ReconcilePartial ReconcileType = "partial"
)

type Company struct {
	ID                int
	Name              string
	Currency          string
	CurrencyPrecision int32
}

// IsZero reports whether amount rounds to zero at the functional currency's
// precision.
func (c Company) IsZero(amount decimal.Decimal) bool {
	return amount.Round(c.CurrencyPrecision).IsZero()
}

type Account struct {
	ID   int
	Code string
	Name string
}

type Partner struct {
	ID                  int
	Name                string
	ReceivableAccountID int
	PayableAccountID    int
}

type Journal struct {
	ID       int
	Code     string
	Name     string
	AutoPost bool
}

// PaymentMode is the per-order configuration: whether instructions are
// grouped, which journal and transit account carry the transfer moves, and
// how bank lines are grouped into transfer moves.
type PaymentMode struct {
	ID                 int
	Name               string
	GroupLines         bool
	TransferJournalID  *int
	TransferAccountID  *int
	TransferMoveOption TransferMoveOption
}

type PaymentOrder struct {
	ID            int
	OrderType     OrderType
	State         OrderState
	ModeID        int
	Reference     string
	DatePrefered  DatePreference
	DateScheduled *time.Time
	DateSent      *time.Time
	DateDone      *time.Time
	CreatedAt     time.Time
	Mode          PaymentMode
}

// PaymentLine is one raw instruction: an amount owed to or from a partner,
// optionally backed by the ledger entry it settles (MoveLineID).
type PaymentLine struct {
	ID             int
	OrderID        int
	Name           string
	PartnerID      int
	PartnerName    string
	Amount         decimal.Decimal
	Currency       string
	Date           *time.Time // scheduled date, rewritten on confirm
	MLMaturityDate *time.Time
	MoveLineID     *int
	MandateID      *int
	BankLineID     *int
	Communication  string
	Reconciled     bool
	DateDone       *time.Time
}

// BankPaymentLine is a grouped, bank-transmittable line aggregating one or
// more payment lines. TransitMoveLineID is set during transfer move creation.
type BankPaymentLine struct {
	ID                int
	OrderID           int
	Name              string
	PartnerID         int
	Amount            decimal.Decimal
	Currency          string
	Date              *time.Time
	Communication     string
	TransitMoveLineID *int
}

type Move struct {
	ID        int
	JournalID int
	Ref       string
	Name      *string
	State     MoveState
	CreatedAt time.Time
}

type MoveLine struct {
	ID                 int
	MoveID             int
	Name               string
	PartnerID          *int
	AccountID          int
	Debit              decimal.Decimal
	Credit             decimal.Decimal
	DateMaturity       *time.Time
	ReconcileID        *int
	ReconcilePartialID *int
}

// Balance returns debit minus credit.
func (l MoveLine) Balance() decimal.Decimal {
	return l.Debit.Sub(l.Credit)
}

// label returns the human label used in move line names for an order type.
func (t OrderType) label() string {
	if t == OrderTypeDebit {
		return "Direct debit"
	}
	return "Payment"
}
