package gateway

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"flashpool/internal/model"
)

// repaymentPayload is the structured stand-in for the settlement transaction
// a borrower would sign in a real deployment. The quote endpoint returns it
// prefilled; the borrower posts it back, optionally with a higher amount.
type repaymentPayload struct {
	LoanID string `json:"loan_id"`
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

func encodeTemplate(loan model.FlashLoan, required decimal.Decimal) (string, error) {
	payload, err := json.Marshal(repaymentPayload{
		LoanID: loan.ID.String(),
		Asset:  string(loan.RepayAsset),
		Amount: required.String(),
	})
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(payload), nil
}

func decodeTemplate(encoded string, loanID uuid.UUID) (decimal.Decimal, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return decimal.Zero, fmt.Errorf("payload is not valid base64")
	}

	var payload repaymentPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return decimal.Zero, fmt.Errorf("payload is not a repayment document")
	}
	if payload.LoanID != loanID.String() {
		return decimal.Zero, fmt.Errorf("payload loan id %q does not match %s", payload.LoanID, loanID)
	}

	amount, err := decimal.NewFromString(payload.Amount)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid repayment amount %q", payload.Amount)
	}
	return amount, nil
}
