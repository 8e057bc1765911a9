package at

import (
	"errors"
	"fmt"
)

// MaxChunkSize is the largest number of raw credential bytes the module
// accepts in one upload command.
const MaxChunkSize = 1000

var (
	ErrEmptyCredential = errors.New("empty credential")
	ErrChunkTooLarge   = fmt.Errorf("chunk larger than %d bytes", MaxChunkSize)
)

// CredentialKind selects which TLS credential a chunked upload carries.
type CredentialKind int

const (
	RootCA CredentialKind = iota
	ClientCert
	ClientKey
)

func (k CredentialKind) String() string {
	switch k {
	case RootCA:
		return "root-ca"
	case ClientCert:
		return "client-cert"
	case ClientKey:
		return "client-key"
	default:
		return "unknown"
	}
}

// Valid reports whether k names one of the three credential kinds.
func (k CredentialKind) Valid() bool {
	return k >= RootCA && k <= ClientKey
}

// Chunk is one escaped piece of a credential upload.
type Chunk struct {
	Payload []byte
	// More is set on every chunk but the last.
	More bool
}

// EscapedLen returns the length of data once every CR and LF has been
// replaced by its two character escape.
func EscapedLen(data []byte) int {
	n := len(data)
	for _, b := range data {
		if b == '\r' || b == '\n' {
			n++
		}
	}
	return n
}

// Escape replaces CR and LF with the literal sequences `\r` and `\n`.
func Escape(data []byte) []byte {
	out := make([]byte, 0, EscapedLen(data))
	for _, b := range data {
		switch b {
		case '\r':
			out = append(out, '\\', 'r')
		case '\n':
			out = append(out, '\\', 'n')
		default:
			out = append(out, b)
		}
	}
	return out
}

// ChunkCredential splits data into escaped chunks of at most size raw bytes
// and returns them together with the total escaped length announced to the
// module in every chunk command.
func ChunkCredential(data []byte, size int) ([]Chunk, int, error) {
	if len(data) == 0 {
		return nil, 0, ErrEmptyCredential
	}
	if size <= 0 || size > MaxChunkSize {
		return nil, 0, ErrChunkTooLarge
	}

	chunks := make([]Chunk, 0, (len(data)+size-1)/size)
	for off := 0; off < len(data); off += size {
		end := min(off+size, len(data))
		chunks = append(chunks, Chunk{
			Payload: Escape(data[off:end]),
			More:    end < len(data),
		})
	}
	return chunks, EscapedLen(data), nil
}
