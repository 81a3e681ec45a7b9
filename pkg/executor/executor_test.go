package executor

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"timeglass/remotectl/pkg/proto"
)

type call struct {
	name string
	args []string
}

type recorder struct {
	calls []call
	err   error
}

func (r *recorder) run(_ context.Context, name string, args ...string) error {
	r.calls = append(r.calls, call{name, args})
	return r.err
}

type notes struct{ msgs []string }

func (n *notes) Notify(_, message string) { n.msgs = append(n.msgs, message) }

func TestLockScreen(t *testing.T) {
	rec := &recorder{}
	n := &notes{}
	e := New(Options{Logger: zaptest.NewLogger(t).Sugar(), GOOS: "windows", Runner: rec.run, Notifier: n})

	msg, err := e.Execute(context.Background(), proto.Command{ID: "1", Kind: proto.KindLockScreen})
	require.NoError(t, err)
	assert.Equal(t, "screen locked", msg)
	require.Len(t, rec.calls, 1)
	assert.Equal(t, "rundll32.exe", rec.calls[0].name)
	assert.Equal(t, []string{"user32.dll,LockWorkStation"}, rec.calls[0].args)
	assert.Len(t, n.msgs, 1)
}

func TestShutdownDelay(t *testing.T) {
	cases := []struct {
		goos   string
		params string
		args   []string
	}{
		{"windows", `{"delay_seconds":30}`, []string{"/s", "/t", "30"}},
		{"windows", ``, []string{"/s", "/t", "0"}},
		{"linux", `{"delay_seconds":0}`, []string{"-h", "now"}},
		{"linux", `{"delay_seconds":150}`, []string{"-h", "+2"}},
		{"darwin", `{"delay_seconds":60}`, []string{"-h", "+1"}},
	}
	for _, c := range cases {
		rec := &recorder{}
		e := New(Options{GOOS: c.goos, Runner: rec.run})
		cmd := proto.Command{ID: "2", Kind: proto.KindShutdown}
		if c.params != "" {
			cmd.Params = json.RawMessage(c.params)
		}
		msg, err := e.Execute(context.Background(), cmd)
		require.NoError(t, err)
		assert.Equal(t, "shutdown scheduled", msg)
		require.Len(t, rec.calls, 1)
		assert.Equal(t, "shutdown", rec.calls[0].name)
		assert.Equal(t, c.args, rec.calls[0].args, c.goos+" "+c.params)
	}
}

func TestFailureCarriesReason(t *testing.T) {
	rec := &recorder{err: errors.New("access denied")}
	e := New(Options{GOOS: "linux", Runner: rec.run})

	_, err := e.Execute(context.Background(), proto.Command{ID: "3", Kind: proto.KindLockScreen})
	require.EqualError(t, err, "lock screen failed: access denied")

	_, err = e.Execute(context.Background(), proto.Command{ID: "4", Kind: proto.KindShutdown})
	require.EqualError(t, err, "shutdown failed: access denied")
}

func TestUnsupportedOS(t *testing.T) {
	rec := &recorder{}
	e := New(Options{GOOS: "plan9", Runner: rec.run})
	_, err := e.Execute(context.Background(), proto.Command{ID: "5", Kind: proto.KindLockScreen})
	require.ErrorContains(t, err, "unsupported operating system")
	assert.Empty(t, rec.calls)

	_, err = e.Execute(context.Background(), proto.Command{ID: "6", Kind: proto.CommandKind("Reboot")})
	require.Error(t, err)
}
