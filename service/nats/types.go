package nats

import (
	"time"

	"github.com/brojonat/kinclient/service/blockchain"
)

// Payment directions relative to the watched address.
const (
	DirectionIncoming = "incoming"
	DirectionOutgoing = "outgoing"
)

// PaymentEvent represents a payment published to NATS.
// This is published to the subject "payments.{watched_address}" in JetStream.
// A payment between two watched addresses is published once for each of them.
type PaymentEvent struct {
	// Payment identifiers
	TransactionID string `json:"transaction_id"`
	OperationID   string `json:"operation_id"`
	PagingToken   string `json:"paging_token"`
	Ledger        int64  `json:"ledger"`
	Kind          string `json:"kind"`

	// Parties
	WatchedAddress string `json:"watched_address"`
	Direction      string `json:"direction"`
	Source         string `json:"source"`
	Destination    string `json:"destination"`

	// Payment details
	Asset  blockchain.Asset  `json:"asset"`
	Amount blockchain.Amount `json:"amount"`
	Memo   blockchain.Memo   `json:"memo"`

	// Timing information
	Timestamp   time.Time `json:"timestamp"`
	PublishedAt time.Time `json:"published_at"`
}

// FromPayment converts a delivered payment to the event published for watched.
func FromPayment(p blockchain.Payment, watched blockchain.Address) *PaymentEvent {
	direction := DirectionOutgoing
	if p.Destination == watched {
		direction = DirectionIncoming
	}
	return &PaymentEvent{
		TransactionID:  p.TransactionID,
		OperationID:    p.OperationID,
		PagingToken:    p.PagingToken,
		Ledger:         p.Ledger,
		Kind:           p.Kind,
		WatchedAddress: watched,
		Direction:      direction,
		Source:         p.Source,
		Destination:    p.Destination,
		Asset:          p.Asset,
		Amount:         p.Amount,
		Memo:           p.Memo,
		Timestamp:      p.Timestamp,
		PublishedAt:    time.Now().UTC(),
	}
}

// Subject returns the subject payments for address are published to. An
// empty address yields the wildcard matching every watched address.
func Subject(address string) string {
	if address == "" {
		return SubjectPrefix + "*"
	}
	return SubjectPrefix + address
}
