package modem

import (
	"errors"
	"fmt"
)

var (
	// ErrNoDialer is returned when a Modem is constructed without a Dialer.
	//
	// This indicates a configuration error. A Dialer is required in order to
	// establish a connection to the modem.
	ErrNoDialer = errors.New("no dialer configured")

	// ErrNotInitialized is returned when an operation is attempted on a Modem
	// that has not been successfully initialized.
	ErrNotInitialized = errors.New("modem not initialized")

	// ErrAlreadyClosed is returned when Close is called on a Modem that has
	// already been closed, or when any operation is attempted afterwards.
	ErrAlreadyClosed = errors.New("modem already closed")

	// ErrNoAnswer is returned when no terminator matched before the deadline.
	//
	// It is never used for an explicit error token from the module; those
	// are reported as *CommandError.
	ErrNoAnswer = errors.New("no answer from module")

	// ErrModem is matched by every *CommandError.
	ErrModem = errors.New("module returned error")

	// ErrModuleReset is returned for an operation interrupted by an
	// unexpected module reboot. The driver has already re-initialised the
	// module when the caller sees it; nothing is retried automatically.
	ErrModuleReset = errors.New("module rebooted unexpectedly")

	// ErrMuxOutOfRange is returned for a mux outside 0..MuxCount-1.
	ErrMuxOutOfRange = fmt.Errorf("mux out of range 0..%d", MuxCount-1)

	// ErrMuxInUse is returned when binding a mux slot that is already bound.
	ErrMuxInUse = errors.New("mux slot already bound")

	// ErrSlotEmpty is returned when operating on a mux slot nothing is bound to.
	ErrSlotEmpty = errors.New("mux slot not bound")

	// ErrWrongSlotKind is returned when a socket operation addresses an HTTP
	// slot or the other way around.
	ErrWrongSlotKind = errors.New("mux slot bound to a different kind of handle")

	// ErrNotConnected is returned by send operations on a handle that is not
	// connected. No command is written.
	ErrNotConnected = errors.New("socket not connected")

	// ErrNotSecure is returned when provisioning credentials on a plain socket.
	ErrNotSecure = errors.New("socket is not secure")

	// ErrDNS is returned when the module fails to resolve a host name.
	ErrDNS = errors.New("dns lookup failed")

	// ErrTLSHandshake is returned when the module reports a failed secure connect.
	ErrTLSHandshake = errors.New("tls connect failed")

	// ErrQuoteInPayload is returned for secure sends carrying a double quote,
	// which cannot be placed inside the quoted command argument.
	ErrQuoteInPayload = errors.New("payload contains a double quote")

	// ErrMalformedResponse is returned when a data line does not parse.
	ErrMalformedResponse = errors.New("malformed module response")

	// ErrMethodNotImplemented is returned for HTTP methods other than GET.
	ErrMethodNotImplemented = errors.New("http method not implemented")

	// ErrRequestInFlight is returned when a new HTTP request is issued before
	// the previous response cycle completed.
	ErrRequestInFlight = errors.New("http request already in flight")

	// ErrUnsupportedScheme is returned for HTTP schemes other than http and https.
	ErrUnsupportedScheme = errors.New("unsupported http scheme")

	// ErrHTTP is matched by every *HTTPError.
	ErrHTTP = errors.New("http session error")
)

// CommandError reports an explicit error token returned for a command.
// Code carries the category text of a +CME/+CMS ERROR line and is empty
// for a plain ERROR or when verbose errors are disabled.
type CommandError struct {
	Command string
	Code    string
}

func (e *CommandError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("%s: module returned ERROR", e.Command)
	}
	return fmt.Sprintf("%s: module returned ERROR %s", e.Command, e.Code)
}

func (e *CommandError) Is(target error) bool {
	return target == ErrModem
}

// HTTPError reports a +CHTTPERR notification for an HTTP client.
type HTTPError struct {
	ClientID int
	Code     int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http client %d: error %d", e.ClientID, e.Code)
}

func (e *HTTPError) Is(target error) bool {
	return target == ErrHTTP
}
