package horizon

import (
	"encoding/json"

	hProtocol "github.com/stellar/go-stellar-sdk/protocols/horizon"
	"github.com/stellar/go-stellar-sdk/protocols/horizon/operations"
)

// Horizon resources as decoded by the SDK.
type (
	Root        = hProtocol.Root
	Account     = hProtocol.Account
	Balance     = hProtocol.Balance
	Signer      = hProtocol.Signer
	Transaction = hProtocol.Transaction
	FeeStats    = hProtocol.FeeStats

	// Operation is one record of an operations or payments collection. The
	// concrete type follows the record's type_i, e.g. operations.Payment.
	Operation = operations.Operation
)

// PageRequest selects one page of a collection resource.
type PageRequest struct {
	Cursor string
	Order  string // "asc" or "desc"
	Limit  int
}

// OperationBase returns the fields every operation record carries.
func OperationBase(op Operation) operations.Base {
	switch o := op.(type) {
	case operations.Payment:
		return o.Base
	case operations.CreateAccount:
		return o.Base
	case operations.PathPayment:
		return o.Base
	case operations.PathPaymentStrictSend:
		return o.Base
	case operations.AccountMerge:
		return o.Base
	case operations.Base:
		return o
	}

	var b operations.Base
	if raw, err := json.Marshal(op); err == nil {
		_ = json.Unmarshal(raw, &b)
	}
	return b
}
