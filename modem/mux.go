package modem

import (
	"time"

	"i4.energy/across/nbgw/at"
)

const (
	// MuxCount is the number of virtual socket / HTTP client slots.
	MuxCount = 5

	// RxBufferSize is the capacity of each handle's receive buffer.
	RxBufferSize = 1536
)

type slotState int

const (
	slotEmpty slotState = iota
	slotSocket
	slotHTTP
)

// credential is a provisioned certificate slot, validated and chunked when
// it is set so that connect never sends a partial configuration.
type credential struct {
	chunks []at.Chunk
	total  int
}

// socket is one multiplexer slot.
type socket struct {
	mux   int
	state slotState

	// internalID is the module-assigned socket id, -1 when unbound.
	internalID int
	secure     bool
	connected  bool
	// pending is raised by data-ready and error notifications.
	pending bool
	// available is the module's last reported backlog; may be stale.
	available   int
	rx          fifo
	readTimeout time.Duration
	prevCheck   time.Time
	certs       [3]*credential
}

// table is the arena of slots owned by the Modem for its lifetime.
type table struct {
	sockets [MuxCount]socket
	http    [MuxCount]httpEntity
}

func (t *table) init(readTimeout time.Duration) {
	for i := range t.sockets {
		t.sockets[i] = socket{
			mux:         i,
			internalID:  -1,
			rx:          newFifo(RxBufferSize),
			readTimeout: readTimeout,
		}
		t.http[i] = httpEntity{mux: i, clientID: -1}
	}
}

func checkMux(mux int) error {
	if mux < 0 || mux >= MuxCount {
		return ErrMuxOutOfRange
	}
	return nil
}

// bind claims a slot for a socket or HTTP handle.
func (t *table) bind(mux int, state slotState) (*socket, error) {
	if err := checkMux(mux); err != nil {
		return nil, err
	}
	s := &t.sockets[mux]
	if s.state != slotEmpty {
		return nil, ErrMuxInUse
	}
	s.state = state
	return s, nil
}

// release returns a slot to the empty state, dropping everything it held.
func (t *table) release(mux int, readTimeout time.Duration) {
	if checkMux(mux) != nil {
		return
	}
	s := &t.sockets[mux]
	s.state = slotEmpty
	s.internalID = -1
	s.secure = false
	s.connected = false
	s.pending = false
	s.available = 0
	s.rx.Reset()
	s.readTimeout = readTimeout
	s.certs = [3]*credential{}
	t.http[mux] = httpEntity{mux: mux, clientID: -1}
}

// socket returns the bound socket handle at mux.
func (t *table) socket(mux int) (*socket, error) {
	if err := checkMux(mux); err != nil {
		return nil, err
	}
	s := &t.sockets[mux]
	switch s.state {
	case slotEmpty:
		return nil, ErrSlotEmpty
	case slotHTTP:
		return nil, ErrWrongSlotKind
	}
	return s, nil
}

// entity returns the HTTP client bound at mux.
func (t *table) entity(mux int) (*httpEntity, error) {
	if err := checkMux(mux); err != nil {
		return nil, err
	}
	switch t.sockets[mux].state {
	case slotEmpty:
		return nil, ErrSlotEmpty
	case slotSocket:
		return nil, ErrWrongSlotKind
	}
	return &t.http[mux], nil
}

// byInternalID maps a module socket id back to its plain socket handle.
func (t *table) byInternalID(id int) *socket {
	if id < 0 {
		return nil
	}
	for i := range t.sockets {
		s := &t.sockets[i]
		if s.state == slotSocket && !s.secure && s.internalID == id {
			return s
		}
	}
	return nil
}

// byClientID maps a module HTTP client id back to its entity.
func (t *table) byClientID(id int) *httpEntity {
	if id < 0 {
		return nil
	}
	for i := range t.http {
		if t.sockets[i].state == slotHTTP && t.http[i].clientID == id {
			return &t.http[i]
		}
	}
	return nil
}

// forget marks every handle as lost after the module rebooted.
func (t *table) forget() {
	for i := range t.sockets {
		s := &t.sockets[i]
		s.connected = false
		s.internalID = -1
		s.available = 0
		s.pending = false
		t.http[i].reset()
	}
}
