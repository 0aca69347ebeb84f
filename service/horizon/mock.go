package horizon

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"sync"
)

// MockEndpoint is an in-memory Endpoint for testing.
type MockEndpoint struct {
	mu           sync.RWMutex
	root         Root
	accounts     map[string]*Account
	transactions map[string]*Transaction
	operations   map[string][]Operation
	history      map[string][]string // account -> transaction hashes
	feeStats     FeeStats
	errs         map[string]error
	streamErrs   []error
	calls        map[string]int
	streams      chan *MockStream
}

// NewMockEndpoint creates an empty mock node serving passphrase.
func NewMockEndpoint(passphrase string) *MockEndpoint {
	return &MockEndpoint{
		root:         Root{NetworkPassphrase: passphrase, HorizonVersion: "mock"},
		accounts:     make(map[string]*Account),
		transactions: make(map[string]*Transaction),
		operations:   make(map[string][]Operation),
		history:      make(map[string][]string),
		feeStats:     defaultFeeStats(),
		errs:         make(map[string]error),
		calls:        make(map[string]int),
		streams:      make(chan *MockStream, 16),
	}
}

func notFound() error {
	return NewProblem(http.StatusNotFound, "Resource Missing")
}

func defaultFeeStats() FeeStats {
	var fs FeeStats
	fs.LastLedgerBaseFee = 100
	fs.FeeCharged.Min = 100
	fs.FeeCharged.Mode = 100
	return fs
}

// SetAccount stores or replaces an account.
func (m *MockEndpoint) SetAccount(acc Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if acc.AccountID == "" {
		acc.AccountID = acc.ID
	}
	m.accounts[acc.AccountID] = &acc
}

// AddTransaction stores a transaction with its operations and appends it to
// the history of every listed account. Paging tokens must increase across calls.
func (m *MockEndpoint) AddTransaction(tx Transaction, ops []Operation, accounts ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transactions[tx.Hash] = &tx
	m.operations[tx.Hash] = ops
	for _, a := range accounts {
		m.history[a] = append(m.history[a], tx.Hash)
	}
}

func (m *MockEndpoint) SetFeeStats(fs FeeStats) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.feeStats = fs
}

// SetError makes the named method ("Account", "Transaction", ...) fail with err.
// A nil err clears it.
func (m *MockEndpoint) SetError(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.errs, method)
		return
	}
	m.errs[method] = err
}

// FailStreams makes the next len(errs) StreamPayments calls fail in order.
func (m *MockEndpoint) FailStreams(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streamErrs = append(m.streamErrs, errs...)
}

// Calls returns how many times the named method was called.
func (m *MockEndpoint) Calls(method string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls[method]
}

// Streams yields every stream opened by StreamPayments.
func (m *MockEndpoint) Streams() <-chan *MockStream {
	return m.streams
}

func (m *MockEndpoint) enter(method string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[method]++
	return m.errs[method]
}

func (m *MockEndpoint) Root(ctx context.Context) (*Root, error) {
	if err := m.enter("Root"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	root := m.root
	return &root, nil
}

func (m *MockEndpoint) Account(ctx context.Context, id string) (*Account, error) {
	if err := m.enter("Account"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	acc, ok := m.accounts[id]
	if !ok {
		return nil, notFound()
	}
	out := *acc
	out.Balances = append([]Balance(nil), acc.Balances...)
	return &out, nil
}

func (m *MockEndpoint) Transaction(ctx context.Context, hash string) (*Transaction, error) {
	if err := m.enter("Transaction"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	tx, ok := m.transactions[hash]
	if !ok {
		return nil, notFound()
	}
	out := *tx
	return &out, nil
}

func (m *MockEndpoint) TransactionOperations(ctx context.Context, hash string) ([]Operation, error) {
	if err := m.enter("TransactionOperations"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	ops, ok := m.operations[hash]
	if !ok {
		return nil, notFound()
	}
	return append([]Operation(nil), ops...), nil
}

// AccountTransactions pages through an account's history the way Horizon
// does: records strictly after the cursor in the requested order.
func (m *MockEndpoint) AccountTransactions(ctx context.Context, id string, req PageRequest) ([]Transaction, error) {
	if err := m.enter("AccountTransactions"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	hashes, ok := m.history[id]
	if !ok {
		if _, exists := m.accounts[id]; !exists {
			return nil, notFound()
		}
	}

	all := make([]Transaction, 0, len(hashes))
	for _, h := range hashes {
		all = append(all, *m.transactions[h])
	}
	sort.SliceStable(all, func(i, j int) bool {
		return token(all[i].PT) < token(all[j].PT)
	})

	desc := req.Order == "desc"
	if desc {
		for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
			all[i], all[j] = all[j], all[i]
		}
	}

	limit := req.Limit
	if limit <= 0 {
		limit = 10
	}

	out := make([]Transaction, 0, limit)
	for _, tx := range all {
		if req.Cursor != "" {
			c := token(req.Cursor)
			t := token(tx.PT)
			if (!desc && t <= c) || (desc && t >= c) {
				continue
			}
		}
		out = append(out, tx)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MockEndpoint) FeeStats(ctx context.Context) (*FeeStats, error) {
	if err := m.enter("FeeStats"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	fs := m.feeStats
	return &fs, nil
}

func (m *MockEndpoint) StreamPayments(ctx context.Context, cursor string) (PaymentStream, error) {
	if err := m.enter("StreamPayments"); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if len(m.streamErrs) > 0 {
		err := m.streamErrs[0]
		m.streamErrs = m.streamErrs[1:]
		m.mu.Unlock()
		return nil, err
	}
	m.mu.Unlock()

	s := &MockStream{
		Cursor: cursor,
		events: make(chan streamItem),
		closed: make(chan struct{}),
	}
	context.AfterFunc(ctx, func() { s.Close() })
	select {
	case m.streams <- s:
	default:
	}
	return s, nil
}

func token(s string) int64 {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return v
}

type streamItem struct {
	op  Operation
	err error
}

// MockStream is a PaymentStream fed by the test.
type MockStream struct {
	Cursor string

	events    chan streamItem
	closed    chan struct{}
	closeOnce sync.Once
}

func (s *MockStream) Next() (Operation, error) {
	select {
	case it := <-s.events:
		return it.op, it.err
	case <-s.closed:
		return nil, ErrStreamClosed
	}
}

// Send blocks until the reader takes op. It returns false if the stream was
// closed first.
func (s *MockStream) Send(op Operation) bool {
	return s.send(streamItem{op: op})
}

// SendError hands err to the reader as the result of Next.
func (s *MockStream) SendError(err error) bool {
	return s.send(streamItem{err: err})
}

// Disconnect simulates the node dropping the connection.
func (s *MockStream) Disconnect() bool {
	return s.send(streamItem{err: fmt.Errorf("mock disconnect: %w", io.ErrUnexpectedEOF)})
}

func (s *MockStream) send(it streamItem) bool {
	select {
	case s.events <- it:
		return true
	case <-s.closed:
		return false
	}
}

func (s *MockStream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

// IsClosed reports whether Close was called.
func (s *MockStream) IsClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}
