package proto

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCommand(t *testing.T) {
	cmd, err := ParseCommand([]byte(`{"id":"1","type_":"LockScreen","params":null,"timestamp":"t"}`))
	require.NoError(t, err)
	assert.Equal(t, "1", cmd.ID)
	assert.Equal(t, KindLockScreen, cmd.Kind)
	assert.Nil(t, cmd.Params)
	assert.Equal(t, "t", cmd.Timestamp)

	cmd, err = ParseCommand([]byte(`{"id":"2","type_":"Shutdown","params":{"delay_seconds":30},"timestamp":"t"}`))
	require.NoError(t, err)
	assert.Equal(t, KindShutdown, cmd.Kind)
	assert.Equal(t, uint64(30), cmd.DelaySeconds())
}

func TestParseCommandRejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"not json":       `hello`,
		"unknown kind":   `{"id":"1","type_":"Reboot","params":null,"timestamp":"t"}`,
		"missing id":     `{"type_":"LockScreen","timestamp":"t"}`,
		"missing kind":   `{"id":"1","timestamp":"t"}`,
		"missing ts":     `{"id":"1","type_":"LockScreen"}`,
		"kind not a str": `{"id":"1","type_":7,"timestamp":"t"}`,
		"array":          `[1,2,3]`,
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseCommand([]byte(in))
			require.Error(t, err)
		})
	}
}

func TestParamsMayBeOmitted(t *testing.T) {
	cmd, err := ParseCommand([]byte(`{"id":"3","type_":"Shutdown","timestamp":"t"}`))
	require.NoError(t, err)
	assert.Equal(t, uint64(0), cmd.DelaySeconds())
}

func TestDelaySeconds(t *testing.T) {
	cases := []struct {
		params string
		want   uint64
	}{
		{`{"delay_seconds":90}`, 90},
		{`{"delay_seconds":-5}`, 0},
		{`{"delay_seconds":1.5}`, 0},
		{`{"delay_seconds":"30"}`, 0},
		{`{"other":1}`, 0},
		{`[]`, 0},
	}
	for _, c := range cases {
		cmd := Command{Params: json.RawMessage(c.params)}
		assert.Equal(t, c.want, cmd.DelaySeconds(), c.params)
	}
}

func TestStatusWireShape(t *testing.T) {
	b, err := json.Marshal(Status{Type: MsgHeartbeat, ClientID: "host-1", Timestamp: "ts", Platform: "linux", Version: "1.0.0"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"heartbeat","client_id":"host-1","timestamp":"ts","platform":"linux","version":"1.0.0"}`, string(b))

	b, err = json.Marshal(ResultEnvelope{Type: MsgCommandResult, Result: CommandResult{CommandID: "1", Success: true, Message: "ok", Timestamp: "ts", ClientID: "host-1"}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"command_result","result":{"command_id":"1","success":true,"message":"ok","timestamp":"ts","client_id":"host-1"}}`, string(b))
}

func TestTimestampIsRFC3339(t *testing.T) {
	ts := Timestamp(time.Date(2024, 5, 1, 10, 0, 0, 0, time.FixedZone("x", 3600)))
	assert.Equal(t, "2024-05-01T09:00:00Z", ts)
	_, err := time.Parse(time.RFC3339, ts)
	require.NoError(t, err)
}
