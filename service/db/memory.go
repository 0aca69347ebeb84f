package db

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Repository. The gateway uses it when no
// database is configured, and tests use it in place of Postgres.
type MemoryStore struct {
	mu       sync.RWMutex
	watched  map[string]*WatchedAddress // network/address -> row
	payments map[string]*Payment        // network/operation/address -> row
	err      error
}

var _ Repository = (*MemoryStore)(nil)

// NewMemoryStore creates an empty memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		watched:  make(map[string]*WatchedAddress),
		payments: make(map[string]*Payment),
	}
}

// SetError makes every method fail with err. A nil err clears it.
func (m *MemoryStore) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func (m *MemoryStore) CreateWatchedAddress(ctx context.Context, address, network string) (*WatchedAddress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}

	key := network + "/" + address
	if _, ok := m.watched[key]; ok {
		return nil, ErrAlreadyExists
	}
	wa := &WatchedAddress{Address: address, Network: network, CreatedAt: time.Now().UTC()}
	m.watched[key] = wa
	cp := *wa
	return &cp, nil
}

func (m *MemoryStore) GetWatchedAddress(ctx context.Context, address, network string) (*WatchedAddress, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.err != nil {
		return nil, m.err
	}

	wa, ok := m.watched[network+"/"+address]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *wa
	return &cp, nil
}

func (m *MemoryStore) ListWatchedAddresses(ctx context.Context, network string) ([]*WatchedAddress, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.err != nil {
		return nil, m.err
	}

	out := make([]*WatchedAddress, 0, len(m.watched))
	for _, wa := range m.watched {
		if wa.Network == network {
			cp := *wa
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Address < out[j].Address
	})
	return out, nil
}

func (m *MemoryStore) DeleteWatchedAddress(ctx context.Context, address, network string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}

	key := network + "/" + address
	if _, ok := m.watched[key]; !ok {
		return ErrNotFound
	}
	delete(m.watched, key)
	return nil
}

func (m *MemoryStore) CreatePayment(ctx context.Context, params CreatePaymentParams) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}

	key := params.Network + "/" + params.OperationID + "/" + params.WatchedAddress
	if _, ok := m.payments[key]; ok {
		return false, nil
	}
	m.payments[key] = &Payment{
		Network:        params.Network,
		OperationID:    params.OperationID,
		WatchedAddress: params.WatchedAddress,
		TransactionID:  params.TransactionID,
		PagingToken:    params.PagingToken,
		Ledger:         params.Ledger,
		Kind:           params.Kind,
		Direction:      params.Direction,
		Source:         params.Source,
		Destination:    params.Destination,
		Asset:          params.Asset,
		Amount:         params.Amount,
		Memo:           params.Memo,
		BlockTime:      params.BlockTime,
		CreatedAt:      time.Now().UTC(),
	}

	if wa, ok := m.watched[params.Network+"/"+params.WatchedAddress]; ok {
		if wa.LastPaymentAt == nil || params.BlockTime.After(*wa.LastPaymentAt) {
			t := params.BlockTime
			wa.LastPaymentAt = &t
		}
	}
	return true, nil
}

func (m *MemoryStore) ListPaymentsByAddress(ctx context.Context, params ListPaymentsParams) ([]*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.err != nil {
		return nil, m.err
	}

	out := make([]*Payment, 0)
	for _, p := range m.payments {
		if p.Network == params.Network && p.WatchedAddress == params.WatchedAddress {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].BlockTime.Equal(out[j].BlockTime) {
			return out[i].BlockTime.After(out[j].BlockTime)
		}
		return out[i].PagingToken > out[j].PagingToken
	})

	start := int(params.Offset)
	if start > len(out) {
		start = len(out)
	}
	end := len(out)
	if params.Limit > 0 && start+int(params.Limit) < end {
		end = start + int(params.Limit)
	}
	return out[start:end], nil
}
