package control

import (
	"context"
	stderrors "errors"
	"io"
	"net"
	"time"

	"github.com/core-tools/hsu-governor/pkg/domain"
	"github.com/core-tools/hsu-governor/pkg/errors"
	"github.com/core-tools/hsu-governor/pkg/logging"
)

type gateway struct {
	address string
	timeout time.Duration
	logger  logging.Logger
}

// NewGateway returns a client side Contract that talks to a running governor
func NewGateway(address string, timeout time.Duration, logger logging.Logger) domain.Contract {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &gateway{
		address: address,
		timeout: timeout,
		logger:  logger,
	}
}

func (gw *gateway) Status(ctx context.Context) (string, error) {
	return gw.send(ctx, domain.CommandStatus)
}

func (gw *gateway) Rules(ctx context.Context) (string, error) {
	return gw.send(ctx, domain.CommandRules)
}

func (gw *gateway) Ping(ctx context.Context) (string, error) {
	return gw.send(ctx, domain.CommandPing)
}

func (gw *gateway) send(ctx context.Context, command string) (string, error) {
	reply, err := SendCommand(ctx, gw.address, command, gw.timeout)
	if err != nil {
		gw.logger.Errorf("Control gateway %s: %v", command, err)
		return "", err
	}
	gw.logger.Debugf("Control gateway %s, reply of %d bytes", command, len(reply))
	return reply, nil
}

// SendCommand sends one request and reads the reply until the server closes the connection
func SendCommand(ctx context.Context, address, command string, timeout time.Duration) (string, error) {
	if len(command) > MaxRequestSize {
		return "", errors.NewValidationError("command is too long", nil).WithContext("length", len(command))
	}

	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return "", errors.NewNetworkError("failed to connect", err).WithContext("address", address)
	}
	defer conn.Close()

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	if _, err := conn.Write([]byte(command)); err != nil {
		return "", errors.NewNetworkError("failed to send command", err).WithContext("address", address)
	}

	reply, err := io.ReadAll(conn)
	if err != nil {
		var netErr net.Error
		if stderrors.As(err, &netErr) && netErr.Timeout() {
			return "", errors.NewTimeoutError("timed out waiting for reply", err).WithContext("address", address)
		}
		return "", errors.NewNetworkError("failed to read reply", err).WithContext("address", address)
	}
	return string(reply), nil
}
