package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/brojonat/kinclient/service/blockchain"
	"github.com/brojonat/kinclient/service/metrics"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("db: not found")

	// ErrAlreadyExists is returned when inserting a row whose key is taken.
	ErrAlreadyExists = errors.New("db: already exists")
)

const pgErrUniqueViolation = "23505"

// Repository is the persistence surface used by the relay and the HTTP server.
// Store implements it on Postgres and MemoryStore in memory.
type Repository interface {
	CreateWatchedAddress(ctx context.Context, address, network string) (*WatchedAddress, error)
	GetWatchedAddress(ctx context.Context, address, network string) (*WatchedAddress, error)
	ListWatchedAddresses(ctx context.Context, network string) ([]*WatchedAddress, error)
	DeleteWatchedAddress(ctx context.Context, address, network string) error
	CreatePayment(ctx context.Context, params CreatePaymentParams) (bool, error)
	ListPaymentsByAddress(ctx context.Context, params ListPaymentsParams) ([]*Payment, error)
}

// Store provides database operations for the gateway.
type Store struct {
	pool    *pgxpool.Pool
	metrics *metrics.Metrics
}

var _ Repository = (*Store)(nil)

// NewStore creates a new Store with the given database connection pool.
// If m is nil, no query metrics are recorded.
func NewStore(pool *pgxpool.Pool, m *metrics.Metrics) *Store {
	return &Store{
		pool:    pool,
		metrics: m,
	}
}

// WatchedAddress is an address the gateway relays payments for.
type WatchedAddress struct {
	Address       string
	Network       string
	LastPaymentAt *time.Time
	CreatedAt     time.Time
}

// Payment is an archived payment as seen from one watched address.
type Payment struct {
	Network        string
	OperationID    string
	WatchedAddress string
	TransactionID  string
	PagingToken    string
	Ledger         int64
	Kind           string
	Direction      string
	Source         string
	Destination    string
	Asset          blockchain.Asset
	Amount         blockchain.Amount
	Memo           blockchain.Memo
	BlockTime      time.Time
	CreatedAt      time.Time
}

// CreatePaymentParams contains the parameters for archiving a payment.
type CreatePaymentParams struct {
	Network        string
	OperationID    string
	WatchedAddress string
	TransactionID  string
	PagingToken    string
	Ledger         int64
	Kind           string
	Direction      string
	Source         string
	Destination    string
	Asset          blockchain.Asset
	Amount         blockchain.Amount
	Memo           blockchain.Memo
	BlockTime      time.Time
}

// ListPaymentsParams contains pagination parameters.
type ListPaymentsParams struct {
	WatchedAddress string
	Network        string
	Limit          int32
	Offset         int32
}

// track starts timing a query; the returned func records it with the
// query's final error.
func (s *Store) track(op, table string) func(*error) {
	start := time.Now()
	return func(err *error) {
		if s.metrics != nil {
			s.metrics.RecordDBQuery(op, table, time.Since(start).Seconds(), *err)
		}
	}
}

// CreateWatchedAddress registers an address. It fails with ErrAlreadyExists
// if the address is already watched on network.
func (s *Store) CreateWatchedAddress(ctx context.Context, address, network string) (result *WatchedAddress, err error) {
	defer s.track("create", "watched_addresses")(&err)

	row := s.pool.QueryRow(ctx, `
		INSERT INTO watched_addresses (address, network)
		VALUES ($1, $2)
		RETURNING address, network, last_payment_at, created_at`,
		address, network,
	)
	result, err = scanWatchedAddress(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgErrUniqueViolation {
			return nil, ErrAlreadyExists
		}
		return nil, fmt.Errorf("insert watched address: %w", err)
	}
	return result, nil
}

// GetWatchedAddress retrieves a watched address or ErrNotFound.
func (s *Store) GetWatchedAddress(ctx context.Context, address, network string) (result *WatchedAddress, err error) {
	defer s.track("get", "watched_addresses")(&err)

	row := s.pool.QueryRow(ctx, `
		SELECT address, network, last_payment_at, created_at
		FROM watched_addresses
		WHERE address = $1 AND network = $2`,
		address, network,
	)
	result, err = scanWatchedAddress(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get watched address: %w", err)
	}
	return result, nil
}

// ListWatchedAddresses returns every address watched on network, oldest first.
func (s *Store) ListWatchedAddresses(ctx context.Context, network string) (result []*WatchedAddress, err error) {
	defer s.track("list", "watched_addresses")(&err)

	rows, err := s.pool.Query(ctx, `
		SELECT address, network, last_payment_at, created_at
		FROM watched_addresses
		WHERE network = $1
		ORDER BY created_at, address`,
		network,
	)
	if err != nil {
		return nil, fmt.Errorf("list watched addresses: %w", err)
	}
	defer rows.Close()

	result = make([]*WatchedAddress, 0)
	for rows.Next() {
		wa, err := scanWatchedAddress(rows)
		if err != nil {
			return nil, fmt.Errorf("scan watched address: %w", err)
		}
		result = append(result, wa)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate watched addresses: %w", err)
	}
	return result, nil
}

// DeleteWatchedAddress stops watching an address. Archived payments are kept.
func (s *Store) DeleteWatchedAddress(ctx context.Context, address, network string) (err error) {
	defer s.track("delete", "watched_addresses")(&err)

	tag, err := s.pool.Exec(ctx, `
		DELETE FROM watched_addresses WHERE address = $1 AND network = $2`,
		address, network,
	)
	if err != nil {
		return fmt.Errorf("delete watched address: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CreatePayment archives a payment and bumps the watched address's
// last_payment_at in one transaction. It reports false when the payment was
// already archived.
func (s *Store) CreatePayment(ctx context.Context, params CreatePaymentParams) (inserted bool, err error) {
	defer s.track("create", "payments")(&err)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO payments (
			network, operation_id, watched_address, transaction_id, paging_token, ledger,
			kind, direction, source, destination, asset_type, asset_code, asset_issuer,
			amount, memo_type, memo, block_time
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (network, operation_id, watched_address) DO NOTHING`,
		params.Network,
		params.OperationID,
		params.WatchedAddress,
		params.TransactionID,
		params.PagingToken,
		params.Ledger,
		params.Kind,
		params.Direction,
		params.Source,
		params.Destination,
		params.Asset.Type,
		nullString(params.Asset.Code),
		nullString(params.Asset.Issuer),
		int64(params.Amount),
		memoType(params.Memo),
		nullString(params.Memo.Value),
		params.BlockTime,
	)
	if err != nil {
		return false, fmt.Errorf("insert payment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	_, err = tx.Exec(ctx, `
		UPDATE watched_addresses
		SET last_payment_at = GREATEST(COALESCE(last_payment_at, $3), $3)
		WHERE address = $1 AND network = $2`,
		params.WatchedAddress, params.Network, params.BlockTime,
	)
	if err != nil {
		return false, fmt.Errorf("update last payment time: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit tx: %w", err)
	}
	return true, nil
}

// ListPaymentsByAddress returns archived payments of a watched address, most
// recent first.
func (s *Store) ListPaymentsByAddress(ctx context.Context, params ListPaymentsParams) (result []*Payment, err error) {
	defer s.track("list", "payments")(&err)

	rows, err := s.pool.Query(ctx, `
		SELECT network, operation_id, watched_address, transaction_id, paging_token, ledger,
			kind, direction, source, destination, asset_type, asset_code, asset_issuer,
			amount, memo_type, memo, block_time, created_at
		FROM payments
		WHERE network = $1 AND watched_address = $2
		ORDER BY block_time DESC, paging_token DESC
		LIMIT $3 OFFSET $4`,
		params.Network, params.WatchedAddress, params.Limit, params.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	defer rows.Close()

	result = make([]*Payment, 0)
	for rows.Next() {
		var (
			p                      Payment
			assetCode, assetIssuer *string
			memo                   *string
			amount                 int64
		)
		if err := rows.Scan(
			&p.Network, &p.OperationID, &p.WatchedAddress, &p.TransactionID, &p.PagingToken, &p.Ledger,
			&p.Kind, &p.Direction, &p.Source, &p.Destination, &p.Asset.Type, &assetCode, &assetIssuer,
			&amount, &p.Memo.Type, &memo, &p.BlockTime, &p.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		p.Amount = blockchain.Amount(amount)
		p.Asset.Code = deref(assetCode)
		p.Asset.Issuer = deref(assetIssuer)
		p.Memo.Value = deref(memo)
		result = append(result, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate payments: %w", err)
	}
	return result, nil
}

func scanWatchedAddress(row pgx.Row) (*WatchedAddress, error) {
	var wa WatchedAddress
	if err := row.Scan(&wa.Address, &wa.Network, &wa.LastPaymentAt, &wa.CreatedAt); err != nil {
		return nil, err
	}
	return &wa, nil
}

func memoType(m blockchain.Memo) string {
	if m.Type == "" {
		return "none"
	}
	return m.Type
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
