package domain

import (
	"context"
)

// Contract is what the control server exposes and what the client gateway calls
type Contract interface {
	// Status returns the per-user usage table of the current ledger period
	Status(ctx context.Context) (string, error)
	// Rules returns every managed user's rule trackers
	Rules(ctx context.Context) (string, error)
	Ping(ctx context.Context) (string, error)
}

// Command names on the wire
const (
	CommandStatus = "status"
	CommandRules  = "rules"
	CommandPing   = "ping"
)

// Acknowledgement is the reply to any command the server does not know
const Acknowledgement = "received your request"
