package modem

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"i4.energy/across/nbgw/at"
)

// tlsConfigTimeout bounds each AT+CTLSCFG and AT+CSETCA command.
const tlsConfigTimeout = 5 * time.Second

// TLS authentication modes announced with AT+CTLSCFG type 4.
const (
	authNone   = 0
	authServer = 1
	authMutual = 2
)

var errInvalidKind = errors.New("invalid credential kind")

// SetCertificate stores a credential for the secure handle at mux. It is
// uploaded on every subsequent Connect and kept across reconnects until it
// is overwritten or the handle is released. Nothing is sent to the module
// here.
func (m *Modem) SetCertificate(mux int, kind at.CredentialKind, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.usable(); err != nil {
		return err
	}
	s, err := m.table.socket(mux)
	if err != nil {
		return err
	}
	if !s.secure {
		return ErrNotSecure
	}
	c, err := m.credential(kind, data)
	if err != nil {
		return err
	}
	s.certs[kind] = c
	return nil
}

// UploadGlobalCertificate provisions a credential in the module's global
// store with AT+CSETCA, where HTTPS clients pick it up. A failed chunk
// aborts the upload; the module then holds a partial credential and the
// whole upload has to be repeated.
func (m *Modem) UploadGlobalCertificate(ctx context.Context, kind at.CredentialKind, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.usable(); err != nil {
		return err
	}
	c, err := m.credential(kind, data)
	if err != nil {
		return err
	}

	for i, ch := range c.chunks {
		end := 1
		if ch.More {
			end = 0
		}
		err := m.command(ctx, tlsConfigTimeout, "",
			at.CmdSetCA, int(kind), ",", c.total, ",", end, `,0,"`, string(ch.Payload), `"`)
		if err != nil {
			return fmt.Errorf("upload %s chunk %d/%d: %w", kind, i+1, len(c.chunks), err)
		}
	}
	m.log.Debug("global credential uploaded", "kind", kind.String(), "len", c.total)
	return nil
}

func (m *Modem) credential(kind at.CredentialKind, data []byte) (*credential, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %d", errInvalidKind, kind)
	}
	chunks, total, err := at.ChunkCredential(data, m.config.CertChunkSize)
	if err != nil {
		return nil, err
	}
	return &credential{chunks: chunks, total: total}, nil
}

func (s *socket) authMode() int {
	ca, cert, key := s.certs[at.RootCA], s.certs[at.ClientCert], s.certs[at.ClientKey]
	switch {
	case ca != nil && cert != nil && key != nil:
		return authMutual
	case ca != nil:
		return authServer
	default:
		return authNone
	}
}

func (m *Modem) connectSecure(ctx context.Context, s *socket, host string, port int) error {
	s.internalID = -1

	err := m.command(ctx, tlsConfigTimeout, "",
		at.CmdTLSConfig, s.mux, `,1,"`, host, `",2,`, port, ",3,0,4,", s.authMode())
	if err != nil {
		return fmt.Errorf("connect mux %d: %w", s.mux, err)
	}

	for kind, c := range s.certs {
		if c == nil {
			continue
		}
		if err := m.uploadTLS(ctx, s.mux, at.CredentialKind(kind), c); err != nil {
			return fmt.Errorf("connect mux %d: %w", s.mux, err)
		}
	}

	err = m.command(ctx, timeoutFrom(ctx, connectTimeout), at.RespTLSConnect, at.CmdTLSConnect, s.mux, ",1")
	if err != nil {
		return fmt.Errorf("connect mux %d: %w", s.mux, err)
	}
	// +CTLSCONN: <mux>,<result>
	v, _, err := m.eng.intFields(ctx, 2)
	if err != nil {
		return fmt.Errorf("connect mux %d: %w", s.mux, err)
	}
	if err := m.expect(ctx, m.config.ATTimeout, "AT+CTLSCONN", ""); err != nil && !soft(err) {
		return fmt.Errorf("connect mux %d: %w", s.mux, err)
	}
	if v[1] != 1 {
		return fmt.Errorf("connect mux %d: %w", s.mux, ErrTLSHandshake)
	}

	s.connected = true
	s.prevCheck = time.Time{}
	m.log.Debug("secure socket connected", "mux", s.mux, "host", host, "port", port, "auth", s.authMode())
	return nil
}

// uploadTLS pushes one credential into the TLS parameters of mux.
func (m *Modem) uploadTLS(ctx context.Context, mux int, kind at.CredentialKind, c *credential) error {
	for i, ch := range c.chunks {
		more := 0
		if ch.More {
			more = 1
		}
		err := m.command(ctx, tlsConfigTimeout, "",
			at.CmdTLSConfig, mux, ",", 6+int(kind), ",", c.total, ",", more, `,"`, string(ch.Payload), `"`)
		if err != nil {
			return fmt.Errorf("upload %s chunk %d/%d: %w", kind, i+1, len(c.chunks), err)
		}
	}
	return nil
}

// sendSecure carries p as a quoted argument. CR and LF travel escaped; the
// announced length is the raw byte count the module decodes.
func (m *Modem) sendSecure(ctx context.Context, s *socket, p []byte) (int, error) {
	if bytes.IndexByte(p, '"') >= 0 {
		return 0, ErrQuoteInPayload
	}
	err := m.command(ctx, m.config.ATTimeout, at.RespTLSSend,
		at.CmdTLSSend, s.mux, ",", len(p), `,"`, string(at.Escape(p)), `"`)
	if err != nil {
		return 0, err
	}
	// +CTLSSEND: <mux>,<len>
	v, _, err := m.eng.intFields(ctx, 2)
	if err != nil {
		return 0, err
	}
	if err := m.expect(ctx, m.config.ATTimeout, "AT+CTLSSEND", ""); err != nil && !soft(err) {
		return 0, err
	}

	n := v[1]
	if n != len(p) {
		m.log.Warn("send length mismatch", "mux", s.mux, "len", len(p), "confirmed", n)
	}
	m.config.Metrics.observeBytes("tx", true, n)
	return n, nil
}

func (m *Modem) receiveSecure(ctx context.Context, s *socket, n int) (int, error) {
	if !s.connected {
		return 0, ErrNotConnected
	}
	n = min(n, SecureRecvCeiling, s.rx.Free())
	if n <= 0 {
		return 0, nil
	}

	if err := m.command(ctx, m.config.ATTimeout, at.RespTLSRecv, at.CmdTLSRecv, s.mux, ",", n); err != nil {
		return 0, err
	}
	// +CTLSRECV: <mux>,<confirmed>,"<bytes>"
	v, delim, err := m.eng.intFields(ctx, 2)
	if err != nil {
		return 0, err
	}

	stored := 0
	if cnf := v[1]; cnf > 0 {
		if delim != ',' {
			return 0, fmt.Errorf("%w: missing payload", ErrMalformedResponse)
		}
		if err := m.eng.skipUntil(ctx, '"'); err != nil {
			return 0, err
		}
		if stored, err = m.pull(ctx, s, cnf, n); err != nil {
			return stored, err
		}
	}

	if err := m.expect(ctx, m.config.ATTimeout, "AT+CTLSRECV", ""); err != nil && !soft(err) {
		return stored, err
	}
	m.config.Metrics.observeBytes("rx", true, stored)

	// A full read suggests more is waiting on the module.
	if stored == n {
		s.available = n
	} else {
		s.available = 0
	}
	return stored, nil
}
