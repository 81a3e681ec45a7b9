package outbound

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeWriter struct {
	mu      sync.Mutex
	frames  []Frame
	failOn  int
	block   chan struct{}
	writing chan struct{}
}

func (w *fakeWriter) WriteMessage(t int, data []byte) error {
	if w.writing != nil {
		select {
		case w.writing <- struct{}{}:
		default:
		}
	}
	if w.block != nil {
		<-w.block
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failOn > 0 && len(w.frames)+1 == w.failOn {
		return errors.New("broken pipe")
	}
	w.frames = append(w.frames, Frame{Type: t, Data: append([]byte(nil), data...)})
	return nil
}

func (w *fakeWriter) SetWriteDeadline(time.Time) error { return nil }

func (w *fakeWriter) written() []Frame {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]Frame(nil), w.frames...)
}

func TestRouterPreservesSubmissionOrder(t *testing.T) {
	w := &fakeWriter{}
	r := New(w, Options{Logger: zaptest.NewLogger(t).Sugar()})
	defer r.Close()

	for i := 0; i < 50; i++ {
		require.NoError(t, r.Submit(Text([]byte(fmt.Sprint(i)))))
	}
	require.Eventually(t, func() bool { return len(w.written()) == 50 }, time.Second, 5*time.Millisecond)
	for i, f := range w.written() {
		assert.Equal(t, websocket.TextMessage, f.Type)
		assert.Equal(t, fmt.Sprint(i), string(f.Data))
	}
}

func TestRouterConcurrentProducers(t *testing.T) {
	w := &fakeWriter{}
	r := New(w, Options{})
	defer r.Close()

	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				assert.NoError(t, r.SubmitJSON(map[string]int{"p": p, "i": i}))
			}
		}(p)
	}
	wg.Wait()
	require.Eventually(t, func() bool { return len(w.written()) == 160 }, time.Second, 5*time.Millisecond)
}

func TestRouterPong(t *testing.T) {
	w := &fakeWriter{}
	r := New(w, Options{})
	defer r.Close()

	require.NoError(t, r.Submit(Pong([]byte("p"))))
	require.Eventually(t, func() bool { return len(w.written()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, websocket.PongMessage, w.written()[0].Type)
}

func TestRouterWriteFailureStopsWriter(t *testing.T) {
	w := &fakeWriter{failOn: 2}
	r := New(w, Options{})
	defer r.Close()

	require.NoError(t, r.Submit(Text([]byte("a"))))
	require.NoError(t, r.Submit(Text([]byte("b"))))

	select {
	case <-r.Done():
	case <-time.After(time.Second):
		t.Fatal("writer did not stop after a failed write")
	}
	require.ErrorContains(t, r.Err(), "broken pipe")
	assert.ErrorIs(t, r.Submit(Text([]byte("c"))), ErrMailboxClosed)
	assert.Len(t, w.written(), 1)
}

func TestRouterFullMailboxFails(t *testing.T) {
	w := &fakeWriter{block: make(chan struct{}), writing: make(chan struct{}, 1)}
	r := New(w, Options{Capacity: 2, SubmitTimeout: 20 * time.Millisecond})
	defer r.Close()

	// first frame is taken by the writer, which then blocks
	require.NoError(t, r.Submit(Text([]byte("0"))))
	<-w.writing
	require.NoError(t, r.Submit(Text([]byte("1"))))
	require.NoError(t, r.Submit(Text([]byte("2"))))

	start := time.Now()
	err := r.Submit(Text([]byte("3")))
	assert.ErrorIs(t, err, ErrMailboxFull)
	assert.Less(t, time.Since(start), time.Second)

	// a stalled mailbox is terminal for the router
	assert.ErrorIs(t, r.Submit(Text([]byte("4"))), ErrMailboxClosed)
	close(w.block)
	select {
	case <-r.Done():
	case <-time.After(time.Second):
		t.Fatal("writer did not stop after the mailbox stalled")
	}
	assert.ErrorIs(t, r.Err(), ErrMailboxFull)
}

func TestRouterClose(t *testing.T) {
	w := &fakeWriter{}
	r := New(w, Options{})
	r.Close()
	r.Close()

	select {
	case <-r.Done():
	case <-time.After(time.Second):
		t.Fatal("writer did not exit after Close")
	}
	assert.ErrorIs(t, r.Submit(Text([]byte("x"))), ErrMailboxClosed)
	assert.ErrorIs(t, r.Err(), ErrMailboxClosed)
	assert.Error(t, r.SubmitJSON(func() {}))
}
