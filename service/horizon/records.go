package horizon

import (
	"github.com/stellar/go-stellar-sdk/protocols/horizon/base"
	"github.com/stellar/go-stellar-sdk/protocols/horizon/operations"
)

// type_i values of the payment-carrying operations.
const (
	typeCreateAccount            = 0
	typePayment                  = 1
	typePathPaymentStrictReceive = 2
	typePathPaymentStrictSend    = 13

	createAccountName            = "create_account"
	paymentName                  = "payment"
	pathPaymentStrictReceiveName = "path_payment_strict_receive"
	pathPaymentStrictSendName    = "path_payment_strict_send"

	assetTypeNative = "native"
)

// PaymentRecord builds a successful native payment record with paging token
// id. When tx is non-nil the record carries it joined, the way the payments
// stream delivers it.
func PaymentRecord(id, from, to, amount string, tx *Transaction) operations.Payment {
	return operations.Payment{
		Base:   recordBase(id, paymentName, typePayment, from, tx),
		Asset:  base.Asset{Type: assetTypeNative},
		From:   from,
		To:     to,
		Amount: amount,
	}
}

// CreateAccountRecord builds a successful create_account record.
func CreateAccountRecord(id, funder, account, startingBalance string, tx *Transaction) operations.CreateAccount {
	return operations.CreateAccount{
		Base:            recordBase(id, createAccountName, typeCreateAccount, funder, tx),
		Funder:          funder,
		Account:         account,
		StartingBalance: startingBalance,
	}
}

// PathPaymentRecord builds a successful strict-receive path payment of the
// native asset, paid for with at most sourceMax of sourceAsset.
func PathPaymentRecord(id, from, to, amount, sourceMax string, sourceAsset base.Asset, tx *Transaction) operations.PathPayment {
	return operations.PathPayment{
		Payment: operations.Payment{
			Base:   recordBase(id, pathPaymentStrictReceiveName, typePathPaymentStrictReceive, from, tx),
			Asset:  base.Asset{Type: assetTypeNative},
			From:   from,
			To:     to,
			Amount: amount,
		},
		SourceMax:         sourceMax,
		SourceAssetType:   sourceAsset.Type,
		SourceAssetCode:   sourceAsset.Code,
		SourceAssetIssuer: sourceAsset.Issuer,
	}
}

// PathPaymentStrictSendRecord builds a successful strict-send path payment
// of the native asset, paid for with exactly sourceAmount of sourceAsset.
func PathPaymentStrictSendRecord(id, from, to, amount, sourceAmount string, sourceAsset base.Asset, tx *Transaction) operations.PathPaymentStrictSend {
	return operations.PathPaymentStrictSend{
		Payment: operations.Payment{
			Base:   recordBase(id, pathPaymentStrictSendName, typePathPaymentStrictSend, from, tx),
			Asset:  base.Asset{Type: assetTypeNative},
			From:   from,
			To:     to,
			Amount: amount,
		},
		SourceAmount:      sourceAmount,
		SourceAssetType:   sourceAsset.Type,
		SourceAssetCode:   sourceAsset.Code,
		SourceAssetIssuer: sourceAsset.Issuer,
	}
}

func recordBase(id, typ string, typeI int32, source string, tx *Transaction) operations.Base {
	b := operations.Base{
		ID:                    id,
		PT:                    id,
		Type:                  typ,
		TypeI:                 typeI,
		SourceAccount:         source,
		TransactionSuccessful: true,
	}
	if tx != nil {
		b.TransactionHash = tx.Hash
		b.TransactionSuccessful = tx.Successful
		b.LedgerCloseTime = tx.LedgerCloseTime
		b.Transaction = tx
	}
	return b
}
