package modem

import (
	"context"

	"i4.energy/across/nbgw/at"
)

// SocketDataPlane is the plain TCP socket surface of a module, addressed
// by mux slot.
type SocketDataPlane interface {
	Connect(ctx context.Context, mux int, host string, port int) error
	Send(ctx context.Context, mux int, p []byte) (int, error)
	Receive(ctx context.Context, mux int, n int) (int, error)
	Available(ctx context.Context, mux int) (int, error)
	Status(ctx context.Context, mux int) (bool, error)
	CloseSocket(ctx context.Context, mux int) error
}

// SecureDataPlane is credential provisioning for modules that terminate
// TLS in firmware.
type SecureDataPlane interface {
	SetCertificate(mux int, kind at.CredentialKind, data []byte) error
	UploadGlobalCertificate(ctx context.Context, kind at.CredentialKind, data []byte) error
}

// HTTPLayer is the module's built-in HTTP client.
type HTTPLayer interface {
	OpenHTTP(mux int, scheme, host string, port int) (*HTTPClient, error)
}

var (
	_ SocketDataPlane = (*Modem)(nil)
	_ SecureDataPlane = (*Modem)(nil)
	_ HTTPLayer       = (*Modem)(nil)
)
