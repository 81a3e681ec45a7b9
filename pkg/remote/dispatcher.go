package remote

import (
	"context"
	"errors"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"timeglass/remotectl/pkg/config"
	"timeglass/remotectl/pkg/proto"
)

// Executor performs the side effect for one command. The returned string is
// the success message; an error's text is the failure reason.
type Executor interface {
	Execute(ctx context.Context, cmd proto.Command) (string, error)
}

const maxLoggedFrame = 256

// truncateFrame cuts data to at most n bytes without splitting a rune.
func truncateFrame(data []byte, n int) string {
	if len(data) <= n {
		return string(data)
	}
	for n > 0 && !utf8.RuneStart(data[n]) {
		n--
	}
	return string(data[:n])
}

// dispatcher turns inbound text frames into commands and runs each one in
// its own goroutine so the read loop never waits on an executor.
type dispatcher struct {
	log      *zap.SugaredLogger
	clientID string
	policy   config.CommandPolicy
	exec     Executor
	out      submitter
	inflight *sync.WaitGroup
}

// handleText parses one frame and starts its execution unit. Malformed frames
// return a *ParseError and produce no result.
func (d *dispatcher) handleText(data []byte) error {
	cmd, err := proto.ParseCommand(data)
	if err != nil {
		return &ParseError{Frame: truncateFrame(data, maxLoggedFrame), Err: err}
	}
	d.log.Infow("command received", "command_id", cmd.ID, "type", cmd.Kind)

	d.inflight.Add(1)
	go func() {
		defer d.inflight.Done()
		res := d.execute(cmd)
		if err := d.out.SubmitJSON(proto.ResultEnvelope{Type: proto.MsgCommandResult, Result: res}); err != nil {
			d.log.Warnw("command result dropped", "command_id", cmd.ID, "error", err)
			return
		}
		d.log.Infow("command result queued", "command_id", cmd.ID, "success", res.Success)
	}()
	return nil
}

// execute runs past session teardown: it is not tied to the session context.
func (d *dispatcher) execute(cmd proto.Command) proto.CommandResult {
	res := proto.CommandResult{CommandID: cmd.ID, ClientID: d.clientID}

	var err error
	if !d.policy.Allows(cmd.Kind) {
		err = &PolicyDeniedError{Kind: cmd.Kind}
	} else {
		var msg string
		msg, err = d.exec.Execute(context.Background(), cmd)
		if err == nil {
			res.Success = true
			res.Message = msg
		} else {
			err = &ExecutionError{Kind: cmd.Kind, Err: err}
		}
	}
	if err != nil {
		var denied *PolicyDeniedError
		if errors.As(err, &denied) {
			d.log.Warnw("command rejected by policy", "command_id", cmd.ID, "type", cmd.Kind)
		} else {
			d.log.Errorw("command failed", "command_id", cmd.ID, "type", cmd.Kind, "error", err)
		}
		res.Message = err.Error()
	}
	res.Timestamp = proto.Timestamp(time.Now())
	return res
}
