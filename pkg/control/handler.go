package control

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/core-tools/hsu-governor/pkg/domain"
	"github.com/core-tools/hsu-governor/pkg/logging"
)

// MaxRequestSize is the most a single request may carry
const MaxRequestSize = 512

// ParseCommand strips NUL padding and surrounding whitespace
func ParseCommand(raw []byte) string {
	return strings.TrimSpace(strings.Trim(string(raw), "\x00"))
}

// Dispatch maps a command onto the contract and always yields exactly one reply
func Dispatch(ctx context.Context, handler domain.Contract, command string) string {
	var (
		reply string
		err   error
	)
	switch strings.ToLower(command) {
	case domain.CommandStatus:
		reply, err = handler.Status(ctx)
	case domain.CommandRules:
		reply, err = handler.Rules(ctx)
	case domain.CommandPing:
		reply, err = handler.Ping(ctx)
	default:
		return domain.Acknowledgement
	}
	if err != nil {
		return fmt.Sprintf("error: %v", err)
	}
	return reply
}

type connectionHandler struct {
	handler domain.Contract
	timeout time.Duration
	logger  logging.Logger
}

// serve reads one request, writes one reply and closes the connection
func (ch *connectionHandler) serve(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	if ch.timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(ch.timeout))
	}

	buf := make([]byte, MaxRequestSize)
	n, err := conn.Read(buf)
	if err != nil {
		ch.logger.Debugf("Failed to read request from %s: %v", conn.RemoteAddr(), err)
		return
	}

	command := ParseCommand(buf[:n])
	reply := Dispatch(ctx, ch.handler, command)

	if _, err := conn.Write([]byte(reply)); err != nil {
		ch.logger.Debugf("Failed to reply to %s: %v", conn.RemoteAddr(), err)
		return
	}
	ch.logger.Debugf("Served %q from %s, %d bytes", command, conn.RemoteAddr(), len(reply))
}
