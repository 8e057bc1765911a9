package modem

import (
	"context"

	"i4.energy/across/nbgw/at"
)

// notificationTable lists the unsolicited notifications in the order the
// engine tests them. Each handler reads the notification's own fields off
// the link before the wait it interrupted resumes.
func (m *Modem) notificationTable() []notification {
	return []notification{
		{prefix: at.UrcDataReady, kind: "data_ready", handle: m.onDataReady},
		{prefix: at.UrcSocketError, kind: "socket_error", handle: m.onSocketError},
		{prefix: at.UrcHTTPHeader, kind: "http_header", handle: m.onHTTPHeader},
		{prefix: at.UrcHTTPContent, kind: "http_content", handle: m.onHTTPContent},
		{prefix: at.UrcHTTPError, kind: "http_error", handle: m.onHTTPError},
		{prefix: at.UrcLocalTime, kind: "local_time", handle: m.onNetworkTime},
		{prefix: at.UrcTimeZone, kind: "time_zone", handle: m.onNetworkTime},
		{prefix: at.UrcReboot, kind: "reboot", handle: m.onReboot},
	}
}

// +CSONMI: <id>,<len>[,<data>]
func (m *Modem) onDataReady(ctx context.Context) {
	v, delim, err := m.eng.intFields(ctx, 2)
	if err != nil {
		m.log.Debug("malformed data notification", "error", err)
		return
	}
	if delim == ',' {
		// The data itself is pulled with AT+CSORXGET.
		_ = m.eng.skipUntil(ctx, '\n')
	}
	s := m.table.byInternalID(v[0])
	if s == nil {
		m.log.Debug("data for unknown socket", "socket_id", v[0], "len", v[1])
		return
	}
	s.pending = true
	s.available = v[1]
	m.log.Debug("data ready", "mux", s.mux, "socket_id", v[0], "len", v[1])
}

// +CSOERR: <id>,<code>
func (m *Modem) onSocketError(ctx context.Context) {
	v, _, err := m.eng.intFields(ctx, 2)
	if err != nil {
		m.log.Debug("malformed socket error notification", "error", err)
		return
	}
	s := m.table.byInternalID(v[0])
	if s == nil {
		return
	}
	s.connected = false
	s.pending = true
	m.log.Debug("socket closed by module", "mux", s.mux, "socket_id", v[0], "code", v[1])
}

// +CHTTPNMIH: <id>,<status>,<hdrlen>,<header bytes>
func (m *Modem) onHTTPHeader(ctx context.Context) {
	v, _, err := m.eng.intFields(ctx, 3)
	if err != nil {
		m.log.Debug("malformed http header notification", "error", err)
		return
	}
	e := m.table.byClientID(v[0])
	if e == nil || !e.inFlight() {
		m.eng.readN(ctx, v[2], fieldTimeout, func(byte) {})
		return
	}

	e.status = v[1]
	if _, err := m.eng.readN(ctx, v[2], fieldTimeout, func(b byte) { e.header = append(e.header, b) }); err != nil {
		m.log.Warn("http header cut short", "client_id", e.clientID, "len", len(e.header), "error", err)
	}
	e.state = HTTPHeadersReceived
}

// +CHTTPNMIC: <id>,<more>,<total>,<hexlen>,<hex>
func (m *Modem) onHTTPContent(ctx context.Context) {
	v, _, err := m.eng.intFields(ctx, 4)
	if err != nil {
		m.log.Debug("malformed http content notification", "error", err)
		return
	}
	m.hex = m.hex[:0]
	_, err = m.eng.readN(ctx, v[3], fieldTimeout, func(b byte) { m.hex = append(m.hex, b) })

	e := m.table.byClientID(v[0])
	if e == nil || !e.inFlight() {
		return
	}
	if err != nil {
		m.log.Warn("http content cut short", "client_id", e.clientID, "len", len(m.hex), "error", err)
		e.state = HTTPFailed
		return
	}
	if e.body, err = at.DecodeHexPairs(e.body, m.hex); err != nil {
		m.log.Warn("http content not decodable", "client_id", e.clientID, "error", err)
		e.state = HTTPFailed
		return
	}
	e.total = v[2]
	if v[1] == 0 {
		e.state = HTTPCompleted
	} else {
		e.state = HTTPBodyStreaming
	}
}

// +CHTTPERR: <id>,<code>
func (m *Modem) onHTTPError(ctx context.Context) {
	v, _, err := m.eng.intFields(ctx, 2)
	if err != nil {
		m.log.Debug("malformed http error notification", "error", err)
		return
	}
	e := m.table.byClientID(v[0])
	if e == nil {
		return
	}
	e.errCode = v[1]
	e.connected = false
	e.state = HTTPFailed
	m.log.Debug("http error", "mux", e.mux, "client_id", v[0], "code", v[1])
}

// +CLTS and +CTZV carry network time; only logged.
func (m *Modem) onNetworkTime(ctx context.Context) {
	line, err := m.eng.line(ctx)
	if err != nil {
		return
	}
	m.log.Debug("network time", "value", line)
}

func (m *Modem) onReboot(context.Context) {
	m.eng.rebooted = true
}
