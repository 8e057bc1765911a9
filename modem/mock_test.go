package modem_test

import (
	"io"
	"sync"

	gomock "go.uber.org/mock/gomock"
	"i4.energy/across/nbgw/at"
	"i4.energy/across/nbgw/modem"
)

// MockSequenceBuilder scripts a MockTransport. Writes are expected in
// order; each answered write queues its reply for the driver's reader
// goroutine, which is why reads are not part of the ordered sequence.
type MockSequenceBuilder struct {
	transport *modem.MockTransport
	calls     []any

	replies chan []byte
	rest    []byte
	once    sync.Once
}

func NewMockSequence(transport *modem.MockTransport) *MockSequenceBuilder {
	b := &MockSequenceBuilder{
		transport: transport,
		calls:     []any{},
		replies:   make(chan []byte, 64),
	}
	transport.EXPECT().Read(gomock.Any()).DoAndReturn(b.read).AnyTimes()
	return b
}

func (b *MockSequenceBuilder) read(p []byte) (int, error) {
	if len(b.rest) == 0 {
		data, ok := <-b.replies
		if !ok {
			return 0, io.EOF
		}
		b.rest = data
	}
	n := copy(p, b.rest)
	b.rest = b.rest[n:]
	return n, nil
}

// Command expects cmd followed by the line terminator and answers reply.
func (b *MockSequenceBuilder) Command(cmd, reply string) *MockSequenceBuilder {
	wire := []byte(cmd + at.CRLF)
	b.calls = append(b.calls,
		b.transport.EXPECT().Write(wire).DoAndReturn(func(p []byte) (int, error) {
			if reply != "" {
				b.replies <- []byte(reply)
			}
			return len(p), nil
		}),
	)
	return b
}

// Silent expects cmd n times without ever answering.
func (b *MockSequenceBuilder) Silent(cmd string, n int) *MockSequenceBuilder {
	for range n {
		b.Command(cmd, "")
	}
	return b
}

func (b *MockSequenceBuilder) AT() *MockSequenceBuilder {
	return b.Command(at.CmdAt, "AT\r\r\nOK\r\n")
}

func (b *MockSequenceBuilder) EchoOff() *MockSequenceBuilder {
	return b.Command(at.CmdEchoOff, "ATE0\r\r\nOK\r\n")
}

func (b *MockSequenceBuilder) TerseErrors() *MockSequenceBuilder {
	return b.Command(at.CmdTerseErrors, "\r\nOK\r\n")
}

func (b *MockSequenceBuilder) VerboseErrors() *MockSequenceBuilder {
	return b.Command(at.CmdVerboseErrors, "\r\nOK\r\n")
}

func (b *MockSequenceBuilder) LocalTime() *MockSequenceBuilder {
	return b.Command(at.CmdLocalTime, "\r\nOK\r\n")
}

// Init scripts the full initialisation sequence with terse errors.
func (b *MockSequenceBuilder) Init() *MockSequenceBuilder {
	return b.AT().EchoOff().TerseErrors().LocalTime()
}

// Close expects the transport to be closed, which also ends pending reads.
func (b *MockSequenceBuilder) Close(err error) *MockSequenceBuilder {
	b.calls = append(b.calls,
		b.transport.EXPECT().Close().DoAndReturn(func() error {
			b.once.Do(func() { close(b.replies) })
			return err
		}),
	)
	return b
}

func (b *MockSequenceBuilder) Build() []any {
	return b.calls
}
