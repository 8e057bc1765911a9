package modem

import (
	"context"
	"errors"
	"fmt"
	"time"

	"i4.energy/across/nbgw/at"
)

const (
	// PlainRecvCeiling is the most bytes one plain receive pulls.
	PlainRecvCeiling = 1460
	// SecureRecvCeiling is the most bytes one secure receive pulls.
	SecureRecvCeiling = 1024

	connectTimeout = 75 * time.Second
	statusTimeout  = 3 * time.Second
	closeTimeout   = 3 * time.Second
)

// Connect opens the handle bound at mux to host:port. A host that is not a
// literal address is resolved by the module first. The context deadline
// bounds the connect command; without one the module's 75 s default is
// used.
func (m *Modem) Connect(ctx context.Context, mux int, host string, port int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.usable(); err != nil {
		return err
	}
	s, err := m.table.socket(mux)
	if err != nil {
		return err
	}
	return m.connect(ctx, s, host, port)
}

// Send writes p on the handle bound at mux and returns the byte count the
// module confirmed. Nothing is written when the handle is not connected.
func (m *Modem) Send(ctx context.Context, mux int, p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.usable(); err != nil {
		return 0, err
	}
	s, err := m.table.socket(mux)
	if err != nil {
		return 0, err
	}
	return m.send(ctx, s, p)
}

// Receive pulls at most n bytes the module holds for mux into the handle's
// receive buffer and returns how many arrived. Zero with a nil error means
// nothing was waiting.
func (m *Modem) Receive(ctx context.Context, mux int, n int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.usable(); err != nil {
		return 0, err
	}
	s, err := m.table.socket(mux)
	if err != nil {
		return 0, err
	}
	return m.receive(ctx, s, n)
}

// Available queries how many bytes the module holds for mux.
func (m *Modem) Available(ctx context.Context, mux int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.usable(); err != nil {
		return 0, err
	}
	s, err := m.table.socket(mux)
	if err != nil {
		return 0, err
	}
	return m.available(ctx, s)
}

// Status queries whether the handle at mux is still connected.
func (m *Modem) Status(ctx context.Context, mux int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.usable(); err != nil {
		return false, err
	}
	s, err := m.table.socket(mux)
	if err != nil {
		return false, err
	}
	return m.status(ctx, s)
}

// CloseSocket closes the connection of the handle at mux. The handle stays
// bound and can be connected again.
func (m *Modem) CloseSocket(ctx context.Context, mux int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.usable(); err != nil {
		return err
	}
	s, err := m.table.socket(mux)
	if err != nil {
		return err
	}
	return m.closeSocket(ctx, s)
}

func (m *Modem) connect(ctx context.Context, s *socket, host string, port int) error {
	if s.secure {
		// A live session on the mux is closed before it is reconfigured.
		if err := m.closeSocket(ctx, s); err != nil {
			return fmt.Errorf("connect mux %d: %w", s.mux, err)
		}
		return m.connectSecure(ctx, s, host, port)
	}
	s.connected = false
	s.available = 0

	ip, err := m.resolve(ctx, host)
	if err != nil {
		return fmt.Errorf("connect mux %d: %w", s.mux, err)
	}

	// A leftover id from an interrupted attempt is dropped on the module.
	if s.internalID >= 0 {
		m.abort(ctx, s)
	}

	if err := m.eng.send(at.CmdSocketCreate); err != nil {
		return err
	}
	if err := m.expect(ctx, m.config.ATTimeout, "AT+CSOC", at.RespSocketCreate); err != nil {
		return fmt.Errorf("connect mux %d: %w", s.mux, err)
	}
	id, _, err := m.eng.intField(ctx)
	if err != nil {
		return fmt.Errorf("connect mux %d: %w", s.mux, err)
	}
	if err := m.expect(ctx, m.config.ATTimeout, "AT+CSOC", ""); err != nil {
		return fmt.Errorf("connect mux %d: %w", s.mux, err)
	}
	s.internalID = id

	err = m.command(ctx, timeoutFrom(ctx, connectTimeout), "",
		at.CmdSocketConnect, id, ",", port, `,"`, ip, `"`)
	if err != nil {
		if !errors.Is(err, ErrModuleReset) {
			m.abort(ctx, s)
		}
		return fmt.Errorf("connect mux %d: %w", s.mux, err)
	}

	s.connected = true
	s.prevCheck = time.Time{}
	m.log.Debug("socket connected", "mux", s.mux, "socket_id", id, "host", host, "port", port)
	return nil
}

// abort releases a module socket after a failed connect.
func (m *Modem) abort(ctx context.Context, s *socket) {
	if err := m.command(ctx, closeTimeout, "", at.CmdSocketClose, s.internalID); err != nil {
		m.log.Debug("abort socket", "mux", s.mux, "socket_id", s.internalID, "error", err)
	}
	s.internalID = -1
	s.connected = false
}

func (m *Modem) send(ctx context.Context, s *socket, p []byte) (int, error) {
	if !s.connected {
		return 0, ErrNotConnected
	}
	if len(p) == 0 {
		return 0, nil
	}
	if s.secure {
		return m.sendSecure(ctx, s, p)
	}

	if err := m.command(ctx, m.config.ATTimeout, at.Prompt, at.CmdSocketSend, s.internalID, ",", len(p)); err != nil {
		return 0, err
	}
	if err := m.eng.writeRaw(p); err != nil {
		return 0, err
	}
	if err := m.expect(ctx, m.config.ATTimeout, "AT+CSODSEND", at.RespDataAccept); err != nil {
		return 0, err
	}
	n, _, err := m.eng.intField(ctx)
	if err != nil {
		return 0, err
	}
	if err := m.expect(ctx, m.config.ATTimeout, "AT+CSODSEND", ""); err != nil {
		return 0, err
	}

	if n != len(p) {
		m.log.Warn("send length mismatch", "mux", s.mux, "socket_id", s.internalID, "len", len(p), "confirmed", n)
	}
	m.config.Metrics.observeBytes("tx", false, n)
	return n, nil
}

func (m *Modem) receive(ctx context.Context, s *socket, n int) (int, error) {
	if s.secure {
		return m.receiveSecure(ctx, s, n)
	}
	if s.internalID < 0 {
		return 0, ErrNotConnected
	}
	n = min(n, PlainRecvCeiling, s.rx.Free())
	if n <= 0 {
		return 0, nil
	}

	if err := m.exec(ctx, at.CmdSocketRecv, "1,", s.internalID); err != nil {
		return 0, err
	}
	if err := m.command(ctx, m.config.ATTimeout, at.RespSocketRecv, at.CmdSocketRecv, "2,", s.internalID, ",", n); err != nil {
		return 0, err
	}

	// +CSORXGET: 2,<id>,<requested>,<confirmed>,<bytes>
	v, _, err := m.eng.intFields(ctx, 4)
	if err != nil {
		return 0, err
	}
	stored, err := m.pull(ctx, s, v[3], n)
	if err != nil {
		return stored, err
	}

	if err := m.expect(ctx, m.config.ATTimeout, "AT+CSORXGET", ""); err != nil && !soft(err) {
		return stored, err
	}
	m.config.Metrics.observeBytes("rx", false, stored)

	if _, err := m.available(ctx, s); err != nil && !soft(err) {
		return stored, err
	}
	return stored, nil
}

// pull reads exactly cnf raw bytes off the link and keeps at most limit of
// them in the handle's buffer. A byte timeout ends the pull early.
func (m *Modem) pull(ctx context.Context, s *socket, cnf, limit int) (int, error) {
	if cnf <= 0 {
		return 0, nil
	}
	stored := 0
	got, err := m.eng.readN(ctx, cnf, s.readTimeout, func(b byte) {
		if stored < limit && s.rx.Put(b) {
			stored++
		}
	})
	if cnf > limit {
		m.log.Warn("module returned more than requested", "mux", s.mux, "len", limit, "confirmed", cnf)
	}
	if err != nil {
		if !errors.Is(err, ErrNoAnswer) {
			return stored, err
		}
		m.log.Warn("receive timed out", "mux", s.mux, "confirmed", cnf, "len", got)
	}
	return stored, nil
}

func (m *Modem) available(ctx context.Context, s *socket) (int, error) {
	if s.secure || s.internalID < 0 {
		return s.available, nil
	}

	if err := m.command(ctx, m.config.ATTimeout, at.RespSocketRecv, at.CmdSocketRecv, "4,", s.internalID); err != nil {
		s.connected = false
		return s.available, err
	}
	// +CSORXGET: 4,<id>,<len>
	v, _, err := m.eng.intFields(ctx, 3)
	if err != nil {
		s.connected = false
		return s.available, err
	}
	if err := m.expect(ctx, m.config.ATTimeout, "AT+CSORXGET", ""); err != nil && !soft(err) {
		return s.available, err
	}
	s.available = v[2]

	if _, err := m.status(ctx, s); err != nil && !soft(err) {
		return s.available, err
	}
	return s.available, nil
}

func (m *Modem) status(ctx context.Context, s *socket) (bool, error) {
	if s.secure {
		return s.connected, nil
	}
	if s.internalID < 0 {
		s.connected = false
		return false, nil
	}

	if err := m.command(ctx, statusTimeout, at.RespSocketStatus, at.CmdSocketStatus, s.internalID); err != nil {
		s.connected = false
		return false, err
	}
	// +CSOSTATUS: <id>,<state>
	v, _, err := m.eng.intFields(ctx, 2)
	if err != nil {
		s.connected = false
		return false, err
	}
	if err := m.expect(ctx, m.config.ATTimeout, "AT+CSOSTATUS", ""); err != nil && !soft(err) {
		return false, err
	}
	s.connected = v[1] == at.SocketStateConnected
	return s.connected, nil
}

func (m *Modem) closeSocket(ctx context.Context, s *socket) error {
	defer func() {
		s.connected = false
		s.internalID = -1
		s.available = 0
	}()
	if !s.connected || (!s.secure && s.internalID < 0) {
		return nil
	}

	var err error
	if s.secure {
		err = m.command(ctx, closeTimeout, "", at.CmdTLSClose, s.mux)
	} else {
		err = m.command(ctx, closeTimeout, "", at.CmdSocketClose, s.internalID)
	}
	if err != nil {
		m.log.Debug("close socket", "mux", s.mux, "socket_id", s.internalID, "error", err)
		if !soft(err) {
			return err
		}
	}
	return nil
}

// soft reports whether err leaves the link in step for the next exchange.
func soft(err error) bool {
	return errors.Is(err, ErrNoAnswer) || errors.Is(err, ErrModem) || errors.Is(err, ErrMalformedResponse)
}
