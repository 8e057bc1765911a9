package modem

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"i4.energy/across/nbgw/at"
)

// httpResponseTimeout bounds a whole response cycle when the request
// context carries no deadline.
const httpResponseTimeout = 60 * time.Second

// HTTPState is the lifecycle state of an HTTP client slot.
type HTTPState int

const (
	HTTPUncreated HTTPState = iota
	HTTPCreated
	HTTPConnected
	HTTPRequestSent
	HTTPHeadersReceived
	HTTPBodyStreaming
	HTTPCompleted
	HTTPFailed
)

func (s HTTPState) String() string {
	switch s {
	case HTTPUncreated:
		return "uncreated"
	case HTTPCreated:
		return "created"
	case HTTPConnected:
		return "connected"
	case HTTPRequestSent:
		return "request-sent"
	case HTTPHeadersReceived:
		return "headers-received"
	case HTTPBodyStreaming:
		return "body-streaming"
	case HTTPCompleted:
		return "completed"
	case HTTPFailed:
		return "error"
	default:
		return "unknown"
	}
}

// Method is an HTTP request method. Only MethodGet is implemented by the
// module command set used here.
type Method int

const (
	MethodGet Method = iota
	MethodPost
	MethodPut
	MethodDelete
)

func (m Method) String() string {
	switch m {
	case MethodGet:
		return "GET"
	case MethodPost:
		return "POST"
	case MethodPut:
		return "PUT"
	case MethodDelete:
		return "DELETE"
	default:
		return "UNKNOWN"
	}
}

// httpEntity is the HTTP session bound to a mux slot. Its response fields
// are filled in by notification handlers while a request is pumped.
type httpEntity struct {
	mux    int
	scheme string
	host   string
	port   int

	// clientID is the module-assigned session id, -1 until created.
	clientID  int
	connected bool
	state     HTTPState

	status  int
	header  []byte
	body    []byte
	total   int
	errCode int
}

func (e *httpEntity) reset() {
	e.clientID = -1
	e.connected = false
	e.state = HTTPUncreated
	e.resetResponse()
}

func (e *httpEntity) resetResponse() {
	e.status = 0
	e.header = e.header[:0]
	e.body = e.body[:0]
	e.total = 0
	e.errCode = 0
}

func (e *httpEntity) inFlight() bool {
	switch e.state {
	case HTTPRequestSent, HTTPHeadersReceived, HTTPBodyStreaming:
		return true
	}
	return false
}

func (e *httpEntity) finished() bool {
	return e.state == HTTPCompleted || e.state == HTTPFailed
}

func (e *httpEntity) url() string {
	return fmt.Sprintf("%s://%s:%d/", e.scheme, e.host, e.port)
}

// HTTPClient is an HTTP session on one mux slot. Scheme, host and port are
// fixed for its lifetime; the path varies per request.
type HTTPClient struct {
	m   *Modem
	mux int
}

// OpenHTTP binds an HTTP client to the free slot mux. No command is sent
// until the first request.
func (m *Modem) OpenHTTP(mux int, scheme, host string, port int) (*HTTPClient, error) {
	if scheme != "http" && scheme != "https" {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, scheme)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.usable(); err != nil {
		return nil, err
	}
	if _, err := m.table.bind(mux, slotHTTP); err != nil {
		return nil, err
	}
	e := &m.table.http[mux]
	e.scheme, e.host, e.port = scheme, host, port
	e.reset()
	return &HTTPClient{m: m, mux: mux}, nil
}

func (c *HTTPClient) Mux() int { return c.mux }

// Request issues one request and pumps the link until the response has
// completed or failed, returning the status code. Only GET is
// implemented; other methods fail before anything is sent.
func (c *HTTPClient) Request(ctx context.Context, method Method, path, contentType string, body []byte) (int, error) {
	m := c.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.usable(); err != nil {
		return 0, err
	}
	e, err := m.table.entity(c.mux)
	if err != nil {
		return 0, err
	}
	if method != MethodGet {
		return 0, fmt.Errorf("%w: %s", ErrMethodNotImplemented, method)
	}
	if e.inFlight() {
		return 0, ErrRequestInFlight
	}

	if e.clientID < 0 {
		if err := m.createHTTP(ctx, e); err != nil {
			return 0, err
		}
	}
	if !e.connected {
		if err := m.command(ctx, timeoutFrom(ctx, connectTimeout), "", at.CmdHTTPConnect, e.clientID); err != nil {
			return 0, err
		}
		e.connected = true
		e.state = HTTPConnected
	}

	e.resetResponse()
	e.state = HTTPRequestSent
	if err := m.command(ctx, m.config.ATTimeout, "", at.CmdHTTPSend, e.clientID, `,0,"`, path, `"`); err != nil {
		e.state = HTTPFailed
		return 0, err
	}

	done, err := m.pump(ctx, timeoutFrom(ctx, httpResponseTimeout), e.finished)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", method, path, err)
	}
	if !done {
		e.state = HTTPFailed
		return 0, fmt.Errorf("%s %s: %w", method, path, ErrNoAnswer)
	}
	if e.state == HTTPFailed {
		return 0, &HTTPError{ClientID: e.clientID, Code: e.errCode}
	}
	m.log.Debug("http response", "mux", e.mux, "client_id", e.clientID, "status", e.status, "len", len(e.body))
	return e.status, nil
}

func (m *Modem) createHTTP(ctx context.Context, e *httpEntity) error {
	if err := m.command(ctx, m.config.ATTimeout, at.RespHTTPCreate, at.CmdHTTPCreate, `"`, e.url(), `"`); err != nil {
		return err
	}
	id, _, err := m.eng.intField(ctx)
	if err != nil {
		return err
	}
	if err := m.expect(ctx, m.config.ATTimeout, "AT+CHTTPCREATE", ""); err != nil && !soft(err) {
		return err
	}
	e.clientID = id
	e.state = HTTPCreated
	return nil
}

// ResponseStatus returns the status code of the last response, 0 if none.
func (c *HTTPClient) ResponseStatus() (status int) {
	c.view(func(e *httpEntity) { status = e.status })
	return status
}

// ResponseHeader returns a copy of the raw header bytes of the last response.
func (c *HTTPClient) ResponseHeader() (header []byte) {
	c.view(func(e *httpEntity) { header = bytes.Clone(e.header) })
	return header
}

// ResponseBody returns a copy of the decoded body of the last response.
func (c *HTTPClient) ResponseBody() (body []byte) {
	c.view(func(e *httpEntity) { body = bytes.Clone(e.body) })
	return body
}

func (c *HTTPClient) State() HTTPState {
	state := HTTPUncreated
	c.view(func(e *httpEntity) { state = e.state })
	return state
}

// view runs fn on the bound entity under the modem lock.
func (c *HTTPClient) view(fn func(e *httpEntity)) {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	if e, err := c.m.table.entity(c.mux); err == nil {
		fn(e)
	}
}

// Close tears the session down on the module and frees the slot. The
// disconnect and destroy commands are sent whenever a session id was ever
// assigned, whatever state the session is in.
func (c *HTTPClient) Close(ctx context.Context) error {
	m := c.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.usable(); err != nil {
		return err
	}
	e, err := m.table.entity(c.mux)
	if err != nil {
		return err
	}

	var errs []error
	if e.clientID >= 0 {
		if err := m.exec(ctx, at.CmdHTTPDisconnect, e.clientID); err != nil {
			errs = append(errs, err)
		}
		if err := m.exec(ctx, at.CmdHTTPDestroy, e.clientID); err != nil {
			errs = append(errs, err)
		}
	}
	m.table.release(c.mux, m.config.ReadTimeout)

	for _, err := range errs {
		if !soft(err) {
			return err
		}
		m.log.Debug("http close", "mux", c.mux, "error", err)
	}
	return nil
}
