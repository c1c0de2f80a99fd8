package otpnet

// Reserved command IDs for internal use.
const (
	// CmdJSONRPC is reserved for JSON-RPC 2.0 messages
	CmdJSONRPC      uint32 = 0xFFFFFFFF
	CmdJSONRPCError uint32 = 0xFFFFFFFE

	// CmdSystemID announces the connection's identity as {"systemId": <int64>}
	CmdSystemID uint32 = 0xFFFFFFFD
	// CmdOtpKey carries key requests and their responses
	CmdOtpKey uint32 = 0xFFFFFFFC
	// CmdError carries a 4-byte big-endian error code
	CmdError uint32 = 0xFFFFFFFB
)

// IsControlCommand reports whether frames with this command travel in
// cleartext regardless of the connection's key state.
func IsControlCommand(command uint32) bool {
	switch command {
	case CmdSystemID, CmdOtpKey, CmdError:
		return true
	}
	return false
}

// IsReservedCommand reports whether the command ID is reserved for internal use
// and cannot be bound to an application handler.
func IsReservedCommand(command uint32) bool {
	return command == CmdJSONRPC || command == CmdJSONRPCError || IsControlCommand(command)
}

// GroupAll is the reserved group holding every registered connection.
const GroupAll = "ALL"

// Key request vocabulary.
const (
	MessageTypeOtpKeyRequest = "OtpKeyRequest"

	KeyFunctionNew    = "NEW"
	KeyFunctionDelete = "DELETE"
)

// Error codes sent to peers in CmdError frames. Values are stable.
const (
	CodeServerError        int32 = -1
	CodeNoSystemID         int32 = -2
	CodeKeyPowersOf2       int32 = -3
	CodeSystemIDMismatch   int32 = -4
	CodeInvalidKeyFunction int32 = -5
	CodeNoKey              int32 = -6
)

// Standard error messages
const (
	// Protocol errors
	ErrInvalidMessageFormat = "Invalid message format"
	ErrUnknownCommand       = "unknown command"
	ErrReservedCommand      = "command id is reserved"
	ErrParseError           = "Parse error"
	ErrInvalidRequest       = "Invalid Request"
	ErrMethodNotFound       = "Method not found"
	ErrInternalError        = "Internal error"

	// Connection errors
	ErrClientNotFound       = "client not found"
	ErrConnectionClosed     = "client connection is closed"
	ErrContextCancelled     = "client context cancelled"
	ErrFailedToEncode       = "failed to encode message"
	ErrFailedToEncrypt      = "failed to encrypt payload"
	ErrServerAlreadyRunning = "server already running"
)

// JSON-RPC error codes (following JSON-RPC 2.0 specification)
const (
	JSONRPCParseError     = -32700
	JSONRPCInvalidRequest = -32600
	JSONRPCMethodNotFound = -32601
	JSONRPCInvalidParams  = -32602
	JSONRPCInternalError  = -32603
)

// JSON-RPC version
const (
	JSONRPCVersion = "2.0"
)
