package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// LoanState is the lifecycle state of a flash loan.
type LoanState string

const (
	// LoanReserved means capital is locked and a quote has been issued.
	LoanReserved LoanState = "RESERVED"
	// LoanSubmitted means a repayment payload was received and is pending verification.
	LoanSubmitted LoanState = "SUBMITTED"
	// LoanSettled is terminal: the repayment verified and the pool was updated.
	LoanSettled LoanState = "SETTLED"
	// LoanExpired is terminal: the reservation passed its deadline with no submission.
	LoanExpired LoanState = "EXPIRED"
	// LoanRejected is terminal: the submitted repayment failed verification.
	LoanRejected LoanState = "REJECTED"
)

// Terminal reports whether no further transition is allowed.
func (s LoanState) Terminal() bool {
	return s == LoanSettled || s == LoanExpired || s == LoanRejected
}

// FlashLoan describes one loan of pool capital. The principal leaves the pool
// in Asset; repayment is owed in RepayAsset at the terms quoted at open time.
type FlashLoan struct {
	ID           uuid.UUID
	Asset        Asset
	Principal    decimal.Decimal
	RepayAsset   Asset
	RepayAmount  decimal.Decimal // required repayment before fee
	FeeOwed      decimal.Decimal // additive fee, same asset as RepayAmount
	PriceAtQuote decimal.Decimal // pool implied price (quote asset per base asset) at open
	State        LoanState
	ReservedAt   time.Time
	ExpiresAt    time.Time
}
