package proto

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Wire protocol (JSON text frames over WebSocket)

type MsgType string

const (
	MsgConnect       MsgType = "connect"
	MsgHeartbeat     MsgType = "heartbeat"
	MsgCommandResult MsgType = "command_result"
	MsgHeartbeatAck  MsgType = "heartbeat_ack"
)

// CommandKind is the closed set of commands an agent understands.
type CommandKind string

const (
	KindLockScreen CommandKind = "LockScreen"
	KindShutdown   CommandKind = "Shutdown"
)

// Kinds lists every known command kind.
var Kinds = []CommandKind{KindLockScreen, KindShutdown}

func (k CommandKind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

func (k *CommandKind) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("command kind: %w", err)
	}
	if !CommandKind(s).Valid() {
		return fmt.Errorf("unknown command kind %q", s)
	}
	*k = CommandKind(s)
	return nil
}

// Status is sent by the agent as the first frame of a session (type "connect")
// and periodically afterwards (type "heartbeat").
type Status struct {
	Type      MsgType `json:"type"`
	ClientID  string  `json:"client_id"`
	Timestamp string  `json:"timestamp"`
	Platform  string  `json:"platform"`
	Version   string  `json:"version"`
}

// Command sent by server. It is not wrapped in an envelope.
type Command struct {
	ID        string          `json:"id"`
	Kind      CommandKind     `json:"type_"`
	Params    json.RawMessage `json:"params"`
	Timestamp string          `json:"timestamp"`
}

// CommandResult is produced once per received command.
type CommandResult struct {
	CommandID string `json:"command_id"`
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
	ClientID  string `json:"client_id"`
}

// ResultEnvelope wraps a CommandResult on its way back to the server.
type ResultEnvelope struct {
	Type   MsgType       `json:"type"`
	Result CommandResult `json:"result"`
}

// HeartbeatAck is the server's reply to an agent heartbeat.
type HeartbeatAck struct {
	Type      MsgType `json:"type"`
	Timestamp string  `json:"timestamp"`
}

// AgentFrame combines the fields of every agent->server frame so the server
// can decode in a single pass and switch on Type.
type AgentFrame struct {
	Type      MsgType        `json:"type"`
	ClientID  string         `json:"client_id,omitempty"`
	Timestamp string         `json:"timestamp,omitempty"`
	Platform  string         `json:"platform,omitempty"`
	Version   string         `json:"version,omitempty"`
	Result    *CommandResult `json:"result,omitempty"`
}

var errMissingField = errors.New("missing required field")

// ParseCommand decodes an inbound command frame. id, type_ and timestamp are
// required; params may be absent or null.
func ParseCommand(data []byte) (Command, error) {
	var raw struct {
		ID        *string         `json:"id"`
		Kind      *CommandKind    `json:"type_"`
		Params    json.RawMessage `json:"params"`
		Timestamp *string         `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Command{}, err
	}
	switch {
	case raw.ID == nil:
		return Command{}, fmt.Errorf("%w: id", errMissingField)
	case raw.Kind == nil:
		return Command{}, fmt.Errorf("%w: type_", errMissingField)
	case raw.Timestamp == nil:
		return Command{}, fmt.Errorf("%w: timestamp", errMissingField)
	}
	cmd := Command{ID: *raw.ID, Kind: *raw.Kind, Timestamp: *raw.Timestamp}
	if len(raw.Params) > 0 && string(raw.Params) != "null" {
		cmd.Params = raw.Params
	}
	return cmd, nil
}

// DelaySeconds returns params.delay_seconds when it is an unsigned integer,
// otherwise 0.
func (c Command) DelaySeconds() uint64 {
	if len(c.Params) == 0 {
		return 0
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(c.Params, &fields); err != nil {
		return 0
	}
	v, ok := fields["delay_seconds"]
	if !ok {
		return 0
	}
	n, err := strconv.ParseUint(string(v), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// Timestamp formats t the way every frame carries it.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// ---- control server HTTP API ----

// ClientInfo describes a connected (or recently connected) agent.
type ClientInfo struct {
	ClientID      string    `json:"client_id"`
	Platform      string    `json:"platform,omitempty"`
	Version       string    `json:"version,omitempty"`
	ConnectedAt   time.Time `json:"connected_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	IsActive      bool      `json:"is_active"`
}

type ClientList struct {
	Clients []ClientInfo `json:"clients"`
	Total   int          `json:"total"`
}

// IssueResponse is returned when the server dispatches a command to an agent.
type IssueResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	CommandID string `json:"command_id"`
}

type ResultList struct {
	Results []CommandResult `json:"results"`
	Total   int             `json:"total"`
}
