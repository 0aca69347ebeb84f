package blockchain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/stellar/go-stellar-sdk/protocols/horizon/operations"

	"github.com/brojonat/kinclient/service/horizon"
)

func decodeAccount(rec *horizon.Account, retrievedAt time.Time) (*AccountData, error) {
	address := rec.AccountID
	if address == "" {
		address = rec.ID
	}

	balances := make([]AssetBalance, 0, len(rec.Balances))
	for _, b := range rec.Balances {
		amount, err := ParseAmount(b.Balance)
		if err != nil {
			return nil, fmt.Errorf("account %s: balance: %w", address, err)
		}
		if amount < 0 {
			return nil, fmt.Errorf("account %s: negative balance %s", address, b.Balance)
		}
		balances = append(balances, AssetBalance{
			Asset:  Asset{Type: b.Type, Code: b.Code, Issuer: b.Issuer},
			Amount: amount,
		})
	}

	signers := make([]Signer, 0, len(rec.Signers))
	for _, s := range rec.Signers {
		signers = append(signers, Signer{Key: s.Key, Weight: s.Weight, Type: s.Type})
	}

	return &AccountData{
		Address:     address,
		Sequence:    rec.Sequence,
		Balances:    balances,
		Signers:     signers,
		RetrievedAt: retrievedAt,
	}, nil
}

func decodeTransaction(rec *horizon.Transaction, opRecs []horizon.Operation) (*Transaction, error) {
	ops := make([]Operation, 0, len(opRecs))
	for _, opRec := range opRecs {
		op, err := decodeOperation(opRec)
		if err != nil {
			return nil, fmt.Errorf("transaction %s: %w", transactionID(rec), err)
		}
		ops = append(ops, op)
	}

	tx := transactionHeader(rec)
	tx.Operations = ops
	return tx, nil
}

func transactionHeader(rec *horizon.Transaction) *Transaction {
	return &Transaction{
		ID:          transactionID(rec),
		PagingToken: rec.PT,
		Ledger:      int64(rec.Ledger),
		Timestamp:   rec.LedgerCloseTime,
		Source:      rec.Account,
		FeeCharged:  Amount(rec.FeeCharged),
		Memo:        decodeMemo(rec),
		Successful:  rec.Successful,
	}
}

func transactionID(rec *horizon.Transaction) TransactionID {
	if rec.Hash != "" {
		return rec.Hash
	}
	return rec.ID
}

func decodeMemo(rec *horizon.Transaction) Memo {
	if rec == nil || rec.MemoType == "" {
		return Memo{Type: "none"}
	}
	return Memo{Type: rec.MemoType, Value: rec.Memo}
}

// decodeOperation maps an operation record onto the Operation variants.
// Kinds without a dedicated variant become OtherOperation.
func decodeOperation(rec horizon.Operation) (Operation, error) {
	switch o := rec.(type) {
	case operations.Payment:
		amount, err := ParseAmount(o.Amount)
		if err != nil {
			return nil, fmt.Errorf("operation %s: %w", o.ID, err)
		}
		return PaymentOperation{
			ID:          o.ID,
			Source:      firstNonEmpty(o.From, o.SourceAccount),
			Destination: o.To,
			Asset:       Asset{Type: o.Asset.Type, Code: o.Asset.Code, Issuer: o.Asset.Issuer},
			Amount:      amount,
		}, nil

	case operations.CreateAccount:
		amount, err := ParseAmount(o.StartingBalance)
		if err != nil {
			return nil, fmt.Errorf("operation %s: %w", o.ID, err)
		}
		return CreateAccountOperation{
			ID:              o.ID,
			Source:          firstNonEmpty(o.Funder, o.SourceAccount),
			Destination:     o.Account,
			StartingBalance: amount,
		}, nil

	case operations.PathPayment:
		// strict receive reports source_max, older nodes also source_amount
		source := Asset{Type: o.SourceAssetType, Code: o.SourceAssetCode, Issuer: o.SourceAssetIssuer}
		return decodePathPayment(o.Payment, source, firstNonEmpty(o.SourceAmount, o.SourceMax))

	case operations.PathPaymentStrictSend:
		source := Asset{Type: o.SourceAssetType, Code: o.SourceAssetCode, Issuer: o.SourceAssetIssuer}
		return decodePathPayment(o.Payment, source, o.SourceAmount)

	default:
		b := horizon.OperationBase(rec)
		raw, err := json.Marshal(rec)
		if err != nil {
			return nil, fmt.Errorf("operation %s: %w", rec.GetID(), err)
		}
		return OtherOperation{
			ID:     rec.GetID(),
			Type:   rec.GetType(),
			Source: b.SourceAccount,
			Raw:    raw,
		}, nil
	}
}

func decodePathPayment(p operations.Payment, sourceAsset Asset, sourceAmount string) (Operation, error) {
	amount, err := ParseAmount(p.Amount)
	if err != nil {
		return nil, fmt.Errorf("operation %s: %w", p.ID, err)
	}
	var source Amount
	if sourceAmount != "" {
		source, err = ParseAmount(sourceAmount)
		if err != nil {
			return nil, fmt.Errorf("operation %s: source amount: %w", p.ID, err)
		}
	}
	return PathPaymentOperation{
		ID:           p.ID,
		Type:         p.Base.Type,
		Source:       firstNonEmpty(p.From, p.SourceAccount),
		Destination:  p.To,
		Asset:        Asset{Type: p.Asset.Type, Code: p.Asset.Code, Issuer: p.Asset.Issuer},
		Amount:       amount,
		SourceAsset:  sourceAsset,
		SourceAmount: source,
	}, nil
}

// newPayment builds the listener view of a payment-carrying operation. ok is
// false for operations that move no funds between two parties.
func newPayment(op Operation, rec operations.Base, tx *horizon.Transaction) (p Payment, ok bool) {
	p = Payment{
		TransactionID: rec.TransactionHash,
		OperationID:   rec.ID,
		PagingToken:   rec.PT,
		Timestamp:     rec.LedgerCloseTime,
		Kind:          op.OperationType(),
		Operation:     op,
	}

	switch o := op.(type) {
	case PaymentOperation:
		p.Source, p.Destination, p.Asset, p.Amount = o.Source, o.Destination, o.Asset, o.Amount
	case CreateAccountOperation:
		p.Source, p.Destination, p.Amount = o.Source, o.Destination, o.StartingBalance
		p.Asset = Asset{Type: AssetTypeNative}
	case PathPaymentOperation:
		p.Source, p.Destination, p.Asset, p.Amount = o.Source, o.Destination, o.Asset, o.Amount
	default:
		return Payment{}, false
	}

	if tx != nil {
		p.Ledger = int64(tx.Ledger)
		p.Memo = decodeMemo(tx)
		if p.TransactionID == "" {
			p.TransactionID = transactionID(tx)
		}
		if p.Timestamp.IsZero() {
			p.Timestamp = tx.LedgerCloseTime
		}
	} else {
		p.Memo = Memo{Type: "none"}
	}
	return p, true
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
