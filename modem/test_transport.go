package modem

import (
	"context"
	"io"
	"sync"

	"i4.energy/across/nbgw/at"
)

// TestTransport is a test helper that simulates a module behind a blocking
// transport. Every Write is compared with the next scripted command and, if
// it matches, the scripted reply is queued for the reader. Reads block until
// data is queued, like a real serial port would.
type TestTransport struct {
	mu        sync.Mutex
	readChan  chan []byte
	closed    bool
	script    []exchange
	written   []string
	unmatched []string

	// rest is the unread tail of the last chunk; only Read touches it.
	rest []byte
}

type exchange struct {
	write string
	reply string
}

// NewTestTransport creates a new test transport for testing.
// Exported for use in tests.
func NewTestTransport() *TestTransport {
	return &TestTransport{
		readChan: make(chan []byte, 256),
	}
}

// Dial returns the transport itself so it can stand in as a Dialer.
func (t *TestTransport) Dial(context.Context) (Transport, error) {
	return t, nil
}

// Expect scripts the next command and the module output answering it. An
// empty reply leaves the command unanswered.
func (t *TestTransport) Expect(write, reply string) *TestTransport {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.script = append(t.script, exchange{write: write, reply: reply})
	return t
}

// ExpectInit scripts the initialisation sequence run by New.
func (t *TestTransport) ExpectInit(verbose bool) *TestTransport {
	cmee := at.CmdTerseErrors
	if verbose {
		cmee = at.CmdVerboseErrors
	}
	return t.
		Expect(at.CmdAt+at.CRLF, at.CRLF+at.OK).
		Expect(at.CmdEchoOff+at.CRLF, at.CRLF+at.OK).
		Expect(cmee+at.CRLF, at.CRLF+at.OK).
		Expect(at.CmdLocalTime+at.CRLF, at.CRLF+at.OK)
}

func (t *TestTransport) Write(p []byte) (n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0, io.ErrClosedPipe
	}

	w := string(p)
	t.written = append(t.written, w)
	if len(t.script) == 0 || t.script[0].write != w {
		t.unmatched = append(t.unmatched, w)
		return len(p), nil
	}
	reply := t.script[0].reply
	t.script = t.script[1:]
	if reply != "" {
		t.readChan <- []byte(reply)
	}
	return len(p), nil
}

func (t *TestTransport) Read(p []byte) (n int, err error) {
	if len(t.rest) == 0 {
		data, ok := <-t.readChan
		if !ok {
			return 0, io.EOF
		}
		t.rest = data
	}
	n = copy(p, t.rest)
	t.rest = t.rest[n:]
	return n, nil
}

func (t *TestTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	close(t.readChan)
	return nil
}

// SendData queues data to be read by the transport.
// This simulates unsolicited output from the module.
func (t *TestTransport) SendData(data string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.readChan <- []byte(data)
	}
}

// Written returns every write seen so far, in order.
func (t *TestTransport) Written() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.written...)
}

// Unmatched returns the writes that did not match the script.
func (t *TestTransport) Unmatched() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.unmatched...)
}

// Remaining returns how many scripted commands were never written.
func (t *TestTransport) Remaining() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.script)
}
