package blockchain

import (
	"encoding/json"
	"time"
)

// Address is a public-key account identifier in the network's strkey encoding.
type Address = string

// TransactionID is the hex-encoded hash of a settled transaction.
type TransactionID = string

const AssetTypeNative = "native"

// Asset identifies what an amount is denominated in. The zero-issuer
// "native" asset is KIN.
type Asset struct {
	Type   string `json:"type"`
	Code   string `json:"code,omitempty"`
	Issuer string `json:"issuer,omitempty"`
}

func (a Asset) IsNative() bool {
	return a.Type == AssetTypeNative
}

type AssetBalance struct {
	Asset  Asset  `json:"asset"`
	Amount Amount `json:"amount"`
}

type Signer struct {
	Key    string `json:"key"`
	Weight int32  `json:"weight"`
	Type   string `json:"type"`
}

// AccountData is a snapshot of an account, valid at RetrievedAt.
type AccountData struct {
	Address     Address        `json:"address"`
	Sequence    int64          `json:"sequence"`
	Balances    []AssetBalance `json:"balances"`
	Signers     []Signer       `json:"signers"`
	RetrievedAt time.Time      `json:"retrieved_at"`
}

// KinBalance returns the native balance. ok is false when the account has no
// native balance entry.
func (a *AccountData) KinBalance() (amount Amount, ok bool) {
	for _, b := range a.Balances {
		if b.Asset.IsNative() {
			return b.Amount, true
		}
	}
	return 0, false
}

// Memo is the memo attached to a transaction. Type is one of none, text, id,
// hash or return.
type Memo struct {
	Type  string `json:"type"`
	Value string `json:"value,omitempty"`
}

type Transaction struct {
	ID          TransactionID `json:"id"`
	PagingToken string        `json:"paging_token"`
	Ledger      int64         `json:"ledger"`
	Timestamp   time.Time     `json:"timestamp"`
	Source      Address       `json:"source"`
	FeeCharged  Amount        `json:"fee_charged"`
	Memo        Memo          `json:"memo"`
	Successful  bool          `json:"successful"`
	Operations  []Operation   `json:"operations"`
}

// Operation is one effect within a transaction. The set of implementations
// is closed: PaymentOperation, CreateAccountOperation, PathPaymentOperation
// and OtherOperation.
type Operation interface {
	OperationID() string
	OperationType() string
	SourceAddress() Address
	isOperation()
}

const (
	OperationPayment                  = "payment"
	OperationCreateAccount            = "create_account"
	OperationPathPayment              = "path_payment"
	OperationPathPaymentStrictReceive = "path_payment_strict_receive"
	OperationPathPaymentStrictSend    = "path_payment_strict_send"
)

type PaymentOperation struct {
	ID          string  `json:"id"`
	Source      Address `json:"source"`
	Destination Address `json:"destination"`
	Asset       Asset   `json:"asset"`
	Amount      Amount  `json:"amount"`
}

func (o PaymentOperation) OperationID() string    { return o.ID }
func (o PaymentOperation) OperationType() string  { return OperationPayment }
func (o PaymentOperation) SourceAddress() Address { return o.Source }
func (PaymentOperation) isOperation()             {}

func (o PaymentOperation) MarshalJSON() ([]byte, error) {
	type plain PaymentOperation
	return json.Marshal(struct {
		Type string `json:"type"`
		plain
	}{OperationPayment, plain(o)})
}

type CreateAccountOperation struct {
	ID              string  `json:"id"`
	Source          Address `json:"source"`
	Destination     Address `json:"destination"`
	StartingBalance Amount  `json:"starting_balance"`
}

func (o CreateAccountOperation) OperationID() string    { return o.ID }
func (o CreateAccountOperation) OperationType() string  { return OperationCreateAccount }
func (o CreateAccountOperation) SourceAddress() Address { return o.Source }
func (CreateAccountOperation) isOperation()             {}

func (o CreateAccountOperation) MarshalJSON() ([]byte, error) {
	type plain CreateAccountOperation
	return json.Marshal(struct {
		Type string `json:"type"`
		plain
	}{OperationCreateAccount, plain(o)})
}

// PathPaymentOperation covers every path payment flavor; Type keeps which one.
type PathPaymentOperation struct {
	ID           string  `json:"id"`
	Type         string  `json:"type"`
	Source       Address `json:"source"`
	Destination  Address `json:"destination"`
	Asset        Asset   `json:"asset"`
	Amount       Amount  `json:"amount"`
	SourceAsset  Asset   `json:"source_asset"`
	SourceAmount Amount  `json:"source_amount"`
}

func (o PathPaymentOperation) OperationID() string    { return o.ID }
func (o PathPaymentOperation) OperationType() string  { return o.Type }
func (o PathPaymentOperation) SourceAddress() Address { return o.Source }
func (PathPaymentOperation) isOperation()             {}

// OtherOperation is any operation kind this package does not model. Raw is
// the operation record as returned by the node.
type OtherOperation struct {
	ID     string          `json:"id"`
	Type   string          `json:"type"`
	Source Address         `json:"source"`
	Raw    json.RawMessage `json:"raw,omitempty"`
}

func (o OtherOperation) OperationID() string    { return o.ID }
func (o OtherOperation) OperationType() string  { return o.Type }
func (o OtherOperation) SourceAddress() Address { return o.Source }
func (OtherOperation) isOperation()             {}

// Payment is one payment-carrying operation as delivered by a PaymentListener.
type Payment struct {
	TransactionID TransactionID `json:"transaction_id"`
	OperationID   string        `json:"operation_id"`
	PagingToken   string        `json:"paging_token"`
	Ledger        int64         `json:"ledger"`
	Timestamp     time.Time     `json:"timestamp"`
	Kind          string        `json:"kind"`
	Source        Address       `json:"source"`
	Destination   Address       `json:"destination"`
	Asset         Asset         `json:"asset"`
	Amount        Amount        `json:"amount"`
	Memo          Memo          `json:"memo"`
	Operation     Operation     `json:"-"`
}

// OnPaymentListener receives payments from a PaymentListener.
type OnPaymentListener func(Payment)
