package modem

import (
	"context"
	"io"
	"time"

	"i4.energy/across/nbgw/at"
)

// recheckInterval forces an availability query while reading, since the
// module does not always announce arriving data.
const recheckInterval = 500 * time.Millisecond

// Client is a socket handle bound to one mux slot. It implements
// io.ReadWriteCloser on top of the module's socket commands.
type Client struct {
	m   *Modem
	mux int
}

// SecureClient is a Client speaking the module's TLS sub-protocol.
type SecureClient struct {
	*Client
}

var (
	_ io.ReadWriteCloser = (*Client)(nil)
	_ io.ReadWriteCloser = (*SecureClient)(nil)
)

// NewClient binds a plain socket handle to the free slot mux.
func (m *Modem) NewClient(mux int) (*Client, error) {
	return m.newClient(mux, false)
}

// NewSecureClient binds a TLS socket handle to the free slot mux.
func (m *Modem) NewSecureClient(mux int) (*SecureClient, error) {
	c, err := m.newClient(mux, true)
	if err != nil {
		return nil, err
	}
	return &SecureClient{Client: c}, nil
}

func (m *Modem) newClient(mux int, secure bool) (*Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.usable(); err != nil {
		return nil, err
	}
	s, err := m.table.bind(mux, slotSocket)
	if err != nil {
		return nil, err
	}
	s.secure = secure
	return &Client{m: m, mux: mux}, nil
}

func (c *Client) Mux() int { return c.mux }

// Connect closes any previous connection, drops unread data and connects
// to host:port.
func (c *Client) Connect(ctx context.Context, host string, port int) error {
	m := c.m
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := c.socket()
	if err != nil {
		return err
	}
	if err := m.closeSocket(ctx, s); err != nil {
		return err
	}
	s.rx.Reset()
	return m.connect(ctx, s, host, port)
}

// Write sends p, issuing further send commands while the module confirms
// fewer bytes than were offered.
func (c *Client) Write(p []byte) (int, error) {
	m := c.m
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := c.socket()
	if err != nil {
		return 0, err
	}

	ctx := context.Background()
	total := 0
	for total < len(p) {
		n, err := m.send(ctx, s, p[total:])
		total += min(n, len(p)-total)
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, io.ErrShortWrite
		}
	}
	return total, nil
}

// Read returns buffered bytes, pulling more from the module when the
// buffer is empty. It waits at most the handle's read timeout for data and
// returns io.EOF once the connection is gone and nothing is left.
func (c *Client) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	m := c.m
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := c.socket()
	if err != nil {
		return 0, err
	}

	ctx := context.Background()
	deadline := time.Now().Add(s.readTimeout)
	for {
		if n := s.rx.Read(p); n > 0 {
			return n, nil
		}

		if time.Since(s.prevCheck) > recheckInterval {
			s.pending = true
			s.prevCheck = time.Now()
		}
		if err := m.maintain(ctx); err != nil {
			return 0, err
		}

		want := s.available
		if s.secure && s.pending && s.connected {
			s.pending = false
			want = SecureRecvCeiling
		}
		if want > 0 {
			n, err := m.receive(ctx, s, min(want, s.rx.Free()))
			if err != nil {
				return 0, err
			}
			if n > 0 {
				continue
			}
		}

		if !s.connected {
			return 0, io.EOF
		}
		if time.Now().After(deadline) {
			return 0, ErrNoAnswer
		}
		if _, err := m.pump(ctx, maintainWindow, func() bool { return s.pending || !s.connected }); err != nil {
			return 0, err
		}
	}
}

// Available returns the bytes buffered locally plus those the module last
// reported as waiting.
func (c *Client) Available() int {
	m := c.m
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := c.socket()
	if err != nil {
		return 0
	}
	if s.rx.Len() == 0 {
		if time.Since(s.prevCheck) > recheckInterval {
			s.pending = true
			s.prevCheck = time.Now()
		}
		if err := m.maintain(context.Background()); err != nil {
			m.log.Debug("maintain", "mux", s.mux, "error", err)
		}
	}
	return s.rx.Len() + s.available
}

// Connected reports whether unread data is left or the handle was
// connected at the last status update.
func (c *Client) Connected() bool {
	m := c.m
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := c.socket()
	if err != nil {
		return false
	}
	return s.rx.Len() > 0 || s.connected
}

// Close closes the connection. The handle stays bound to its slot.
func (c *Client) Close() error {
	m := c.m
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := c.socket()
	if err != nil {
		return err
	}
	return m.closeSocket(context.Background(), s)
}

// Release closes the connection and frees the slot for another handle.
func (c *Client) Release(ctx context.Context) error {
	m := c.m
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := c.socket()
	if err != nil {
		return err
	}
	err = m.closeSocket(ctx, s)
	m.table.release(c.mux, m.config.ReadTimeout)
	return err
}

// SetReadTimeout bounds how long a receive waits for each byte and how
// long Read waits for data.
func (c *Client) SetReadTimeout(d time.Duration) {
	m := c.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, err := c.socket(); err == nil && d > 0 {
		s.readTimeout = d
	}
}

func (c *Client) socket() (*socket, error) {
	if err := c.m.usable(); err != nil {
		return nil, err
	}
	return c.m.table.socket(c.mux)
}

// SetCertificate stores a credential uploaded on every Connect.
func (c *SecureClient) SetCertificate(kind at.CredentialKind, data []byte) error {
	return c.m.SetCertificate(c.mux, kind, data)
}
