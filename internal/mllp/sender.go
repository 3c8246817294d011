package mllp

import (
	"bufio"
	"context"
	"errors"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/vpms/hl7relay/internal/connector"
	"github.com/vpms/hl7relay/internal/dispatch"
	"github.com/vpms/hl7relay/pkg/circuitbreaker"
)

// Sender delivers messages to sender connectors over MLLP. Each exchange
// opens a connection, writes one frame and reads one response frame.
type Sender struct {
	dialer     net.Dialer
	breakers   *circuitbreaker.Manager
	breakerCfg circuitbreaker.Config
	logger     *zap.Logger
}

// NewSender creates a sender. When breakers is non-nil every connector gets
// its own circuit breaker configured from cfg.
func NewSender(breakers *circuitbreaker.Manager, cfg circuitbreaker.Config, logger *zap.Logger) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sender{
		breakers:   breakers,
		breakerCfg: cfg,
		logger:     logger,
	}
}

// SendAndReceive implements dispatch.Transport. Every failure is returned as
// a *dispatch.TransportError.
func (s *Sender) SendAndReceive(ctx context.Context, payload []byte, c connector.Connector) ([]byte, error) {
	if s.breakers == nil {
		return s.exchange(ctx, payload, c)
	}

	cb, err := s.breakers.GetOrCreate(c.ID, s.breakerCfg)
	if err != nil {
		return nil, &dispatch.TransportError{Connector: c.ID, Op: "connect", Err: err}
	}
	result, err := cb.Execute(ctx, func() (interface{}, error) {
		return s.exchange(ctx, payload, c)
	})
	if err != nil {
		if circuitbreaker.IsOpenError(err) {
			return nil, &dispatch.TransportError{Connector: c.ID, Op: "connect", Err: err}
		}
		return nil, err
	}
	return result.([]byte), nil
}

func (s *Sender) exchange(ctx context.Context, payload []byte, c connector.Connector) ([]byte, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.SendTimeout())
	}

	conn, err := s.dialer.DialContext(ctx, "tcp", c.Address())
	if err != nil {
		return nil, s.fail(ctx, c, "connect", err)
	}
	defer conn.Close()

	// unblock reads if the caller gives up before the deadline
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	if err := conn.SetDeadline(deadline); err != nil {
		return nil, s.fail(ctx, c, "connect", err)
	}

	if _, err := conn.Write(Frame(payload)); err != nil {
		return nil, s.fail(ctx, c, "write", err)
	}

	response, err := ReadFrame(bufio.NewReader(conn))
	if err != nil {
		return nil, s.fail(ctx, c, "read", err)
	}

	s.logger.Debug("received response",
		zap.String("connector", c.ID),
		zap.Int("bytes", len(response)))
	return response, nil
}

func (s *Sender) fail(ctx context.Context, c connector.Connector, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
		err = errors.Join(ctxErr, err)
	}
	s.logger.Debug("mllp exchange failed",
		zap.String("connector", c.ID),
		zap.String("address", c.Address()),
		zap.String("op", op),
		zap.Error(err))
	return &dispatch.TransportError{Connector: c.ID, Op: op, Err: err}
}
