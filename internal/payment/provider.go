package payment

import (
	"context"

	"github.com/shopspring/decimal"
)

type TransactionStatus string

const (
	TransactionInitiated TransactionStatus = "initiated"
	TransactionPaid      TransactionStatus = "paid"
	TransactionFailed    TransactionStatus = "failed"
	TransactionCanceled  TransactionStatus = "canceled"
)

// Transaction is the provider's view of an invoice.
type Transaction struct {
	ID       string
	Status   TransactionStatus
	Amount   decimal.Decimal // major currency units
	Currency string
	// URL is the hosted payment page.
	URL string
}

type Invoice struct {
	Amount      decimal.Decimal // major currency units
	Currency    string
	Description string
	CallbackURL string
	Metadata    map[string]string
}

// Provider is the external payment gateway.
type Provider interface {
	CreateInvoice(ctx context.Context, inv Invoice) (Transaction, error)
	FetchTransactionStatus(ctx context.Context, ref string) (Transaction, error)
}
