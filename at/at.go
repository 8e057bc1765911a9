// Package at holds the SIM7020 AT vocabulary together with the small
// encodings the driver layers on top of it: credential escaping and
// chunking, hex-pair payload decoding and a line splitter used when
// reporting unmatched module output.
package at

const (
	// Terminal Control
	CRLF   = "\r\n"
	Prompt = ">"

	// Response Codes
	OK       = "OK" + CRLF
	ERROR    = "ERROR" + CRLF
	CmeError = "+CME ERROR:"
	CmsError = "+CMS ERROR:"

	// Initialisation
	CmdAt            = "AT"
	CmdEchoOff       = "ATE0"
	CmdVerboseErrors = "AT+CMEE=2"
	CmdTerseErrors   = "AT+CMEE=0"
	CmdLocalTime     = "AT+CLTS=1"

	// Plain sockets
	CmdSocketCreate  = "AT+CSOC=1,1,1"
	CmdSocketConnect = "AT+CSOCON="
	CmdSocketSend    = "AT+CSODSEND="
	CmdSocketRecv    = "AT+CSORXGET="
	CmdSocketStatus  = "AT+CSOSTATUS="
	CmdSocketClose   = "AT+CSOCL="
	CmdDNSQuery      = "AT+CDNSGIP="

	// Secure sockets
	CmdTLSConfig  = "AT+CTLSCFG="
	CmdTLSConnect = "AT+CTLSCONN="
	CmdTLSSend    = "AT+CTLSSEND="
	CmdTLSRecv    = "AT+CTLSRECV="
	CmdTLSClose   = "AT+CTLSCLOSE="
	CmdSetCA      = "AT+CSETCA="

	// HTTP client
	CmdHTTPCreate     = "AT+CHTTPCREATE="
	CmdHTTPConnect    = "AT+CHTTPCON="
	CmdHTTPSend       = "AT+CHTTPSEND="
	CmdHTTPDisconnect = "AT+CHTTPDISCON="
	CmdHTTPDestroy    = "AT+CHTTPDESTROY="

	// Data prefixes answering a command
	RespSocketCreate = CRLF + "+CSOC:"
	RespSocketRecv   = "+CSORXGET:"
	RespSocketStatus = "+CSOSTATUS:"
	RespDataAccept   = "DATA ACCEPT:"
	RespDNS          = "+CDNSGIP:"
	RespTLSConnect   = CRLF + "+CTLSCONN:"
	RespTLSSend      = "+CTLSSEND:"
	RespTLSRecv      = CRLF + "+CTLSRECV:"
	RespHTTPCreate   = "+CHTTPCREATE:"

	// URCs (Unsolicited Result Codes)
	UrcDataReady   = "+CSONMI:"
	UrcSocketError = "+CSOERR:"
	UrcHTTPHeader  = "+CHTTPNMIH:"
	UrcHTTPContent = "+CHTTPNMIC:"
	UrcHTTPError   = "+CHTTPERR:"
	UrcLocalTime   = "+CLTS:"
	UrcTimeZone    = "+CTZV:"
	UrcReboot      = CRLF + "SMS Ready" + CRLF
)

// SocketStateConnected is the +CSOSTATUS state reported for a connected socket.
const SocketStateConnected = 2

// URCPrefixes lists every unsolicited prefix the driver understands, in the
// order the engine tests them.
var URCPrefixes = []string{
	UrcDataReady,
	UrcSocketError,
	UrcHTTPHeader,
	UrcHTTPContent,
	UrcHTTPError,
	UrcLocalTime,
	UrcTimeZone,
	UrcReboot,
}

type ResponseType int

const (
	TypeFinal  ResponseType = iota // OK, ERROR
	TypeURC                        // Asynchronous notifications
	TypeData                       // Intermediate command output (+CSOC: ...)
	TypePrompt                     // Data input prompt
)

func (t ResponseType) String() string {
	switch t {
	case TypeFinal:
		return "final"
	case TypeURC:
		return "urc"
	case TypeData:
		return "data"
	case TypePrompt:
		return "prompt"
	default:
		return "unknown"
	}
}
