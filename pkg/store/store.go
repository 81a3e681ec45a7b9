// Package store persists what the control server has issued to agents and
// what they reported back.
package store

import (
	"context"
	"time"

	"timeglass/remotectl/pkg/proto"
)

// Store is the persistence interface of the control server.
// Implementations must be safe for concurrent use.
type Store interface {
	// Agents seen by the server.
	UpsertClient(ctx context.Context, c *ClientRecord) error
	GetClient(ctx context.Context, id string) (*ClientRecord, error)
	TouchClient(ctx context.Context, id string, t time.Time) error

	// Issued commands and their results.
	CreateCommand(ctx context.Context, c *CommandRecord) error
	SaveResult(ctx context.Context, r proto.CommandResult) error
	GetResult(ctx context.Context, commandID string) (*proto.CommandResult, error)
	ListResults(ctx context.Context, limit int) ([]proto.CommandResult, error)
	// PendingCommands lists commands with no result yet, oldest first.
	PendingCommands(ctx context.Context) ([]*CommandRecord, error)

	Close() error
}

// ClientRecord is the last known identity of an agent.
type ClientRecord struct {
	ID        string    `json:"id"`
	Platform  string    `json:"platform"`
	Version   string    `json:"version"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// CommandRecord is a command the server sent to an agent.
type CommandRecord struct {
	ID       string            `json:"id"`
	ClientID string            `json:"client_id"`
	Kind     proto.CommandKind `json:"type"`
	Params   string            `json:"params,omitempty"`
	IssuedAt time.Time         `json:"issued_at"`
}
