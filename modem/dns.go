package modem

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"i4.energy/across/nbgw/at"
)

// dnsTimeout bounds the wait for the +CDNSGIP line after the OK.
const dnsTimeout = 70 * time.Second

// resolve returns host unchanged when it already is a literal address and
// asks the module to look it up otherwise.
func (m *Modem) resolve(ctx context.Context, host string) (string, error) {
	if net.ParseIP(host) != nil {
		return host, nil
	}

	if err := m.exec(ctx, at.CmdDNSQuery, `"`, host, `"`); err != nil {
		return "", err
	}
	if err := m.expect(ctx, timeoutFrom(ctx, dnsTimeout), "AT+CDNSGIP", at.RespDNS); err != nil {
		return "", err
	}

	// +CDNSGIP: 1,"<host>","<ip>"[,"<ip2>"] or +CDNSGIP: 0,<err>
	ok, delim, err := m.eng.intField(ctx)
	if err != nil {
		return "", err
	}
	if ok != 1 {
		if delim == ',' {
			code, _ := m.eng.line(ctx)
			return "", fmt.Errorf("%w: %s: code %s", ErrDNS, host, code)
		}
		return "", fmt.Errorf("%w: %s", ErrDNS, host)
	}
	if _, _, err := m.eng.field(ctx); err != nil {
		return "", err
	}
	ip, delim, err := m.eng.field(ctx)
	if err != nil {
		return "", err
	}
	if delim == ',' {
		// Only the first address is used.
		if err := m.eng.skipUntil(ctx, '\n'); err != nil {
			return "", err
		}
	}
	ip = strings.Trim(ip, `"`)
	if net.ParseIP(ip) == nil {
		return "", fmt.Errorf("%w: %q", ErrMalformedResponse, ip)
	}
	m.log.Debug("resolved", "host", host, "ip", ip)
	return ip, nil
}
