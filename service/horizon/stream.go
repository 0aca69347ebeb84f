package horizon

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stellar/go-stellar-sdk/clients/horizonclient"
)

// StreamPayments opens GET /payments as an event stream, joined with the
// parent transaction of every operation. Failing to connect, including a
// problem response, is returned here.
func (e *HTTPEndpoint) StreamPayments(ctx context.Context, cursor string) (PaymentStream, error) {
	if cursor == "" {
		cursor = "now"
	}

	streamCtx, cancel := context.WithCancel(ctx)
	opened := make(chan error, 1)
	client := &horizonclient.Client{
		HorizonURL: e.baseURL + "/",
		HTTP:       &contextDoer{ctx: streamCtx, client: e.streamClient, opened: opened},
		AppName:    "kinclient",
	}
	request := horizonclient.OperationRequest{
		Cursor: cursor,
		Join:   "transactions",
	}

	s := &operationStream{
		records: make(chan Operation),
		done:    make(chan struct{}),
		cancel:  cancel,
	}

	start := time.Now()
	go func() {
		defer close(s.done)
		s.err = client.StreamPayments(streamCtx, request, func(op Operation) {
			select {
			case s.records <- op:
			case <-streamCtx.Done():
			}
		})
	}()

	select {
	case err := <-opened:
		if err != nil {
			s.Close()
			e.record("payments_stream", "error", start)
			if IsProblem(err) {
				return nil, err
			}
			return nil, fmt.Errorf("GET /payments: %w", err)
		}
	case <-s.done:
		cancel()
		e.record("payments_stream", "error", start)
		if s.err != nil {
			return nil, fmt.Errorf("GET /payments: %w", s.err)
		}
		return nil, fmt.Errorf("GET /payments: %w", io.ErrUnexpectedEOF)
	case <-ctx.Done():
		s.Close()
		return nil, ctx.Err()
	}
	e.record("payments_stream", "success", start)

	e.logger.DebugContext(ctx, "opened payment stream", "cursor", cursor, "endpoint", e.label)
	return s, nil
}

// operationStream hands the records of horizonclient's streaming callback
// to Next. The callback blocks until Next takes the record, so a slow
// reader holds back the connection.
type operationStream struct {
	records chan Operation
	done    chan struct{}
	err     error // set before done is closed

	cancel    context.CancelFunc
	closed    atomic.Bool
	closeOnce sync.Once
}

func (s *operationStream) Next() (Operation, error) {
	select {
	case op := <-s.records:
		return op, nil
	case <-s.done:
		if s.closed.Load() {
			return nil, ErrStreamClosed
		}
		if s.err != nil {
			return nil, fmt.Errorf("payment stream: %w", s.err)
		}
		return nil, fmt.Errorf("payment stream ended: %w", io.ErrUnexpectedEOF)
	}
}

func (s *operationStream) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.cancel()
	})
	<-s.done
	return nil
}
