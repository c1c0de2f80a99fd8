// Package otpnet provides a connection gateway that serves raw TCP socket and
// WebSocket clients from one process, gives every connection a process-unique
// identity, and lets each connection opt into one-time-pad encryption of its
// application traffic.
//
// # Architecture
//
// Every message is a command frame: a 4-byte command ID followed by a binary
// payload. Handlers are registered per command ID and receive the decrypted
// payload together with the Client that sent it. Clients can be addressed by
// identity, by named group, or all at once through the reserved group ALL,
// regardless of the transport they arrived on.
//
// # Quick Start
//
//	import (
//	    "github.com/luciancaetano/otpnet"
//	    "github.com/luciancaetano/otpnet/gateway"
//	)
//
//	cfg := gateway.DefaultConfig() // WebSocket on :8080, socket on :9090
//	server, err := gateway.New(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	server.RegisterHandler(ctx, 0x01, func(client otpnet.Client, payload []byte) {
//	    client.Send(ctx, 0x01, payload)
//	})
//
//	server.Start(ctx)
//
// # Protocol Format
//
//	[4 bytes: CommandID (uint32, big-endian)][N bytes: Payload]
//
// WebSocket clients send one frame per binary message. Socket clients prefix
// every frame with its length:
//
//	[4 bytes: length (uint32, big-endian)][frame]
//
// Maximum payload: 10MB.
//
// # Connection Lifecycle
//
// When a connection opens it is assigned a SystemID, registered, and told its
// identity with a CmdSystemID frame whose payload is {"systemId":<id>}.
// Nothing else is sent before that frame.
//
// A client may then request a key by sending CmdOtpKey with
//
//	{"type":"OtpKeyRequest","keyFunction":"NEW","keySize":64,"processorKey":<id>}
//
// keySize must be a power of two. processorKey may be omitted; when present it
// must be the client's own identity. The reply is a CmdOtpKey frame carrying
// the raw key bytes. From then on every application payload in both
// directions is XOR'd with the key, and a payload longer than the key is
// rejected. "DELETE" drops the key and is answered with an empty CmdOtpKey
// frame.
//
// Control frames (CmdSystemID, CmdOtpKey, CmdError) are never encrypted. A
// rejected request is answered with CmdError carrying a 4-byte big-endian
// code:
//
//	-1 SERVER_ERROR
//	-2 NO_SYSTEM_ID
//	-3 KEY_POWERS_OF_2
//	-4 SYSTEM_ID_MISMATCH
//	-5 INVALID_KEY_FUNCTION
//	-6 NO_KEY
//
// When the connection closes, its key, registration, group memberships and
// identity are released.
//
// # JSON-RPC 2.0 Support
//
// JSON-RPC requests travel on CmdJSONRPC (0xFFFFFFFF). Results are returned on
// CmdJSONRPC and errors on CmdJSONRPCError (0xFFFFFFFE).
//
// # Rate Limiting
//
// Each connection has its own token bucket. The default allows 100 messages
// per second with a burst of 200. A WebSocket client that exceeds it is closed
// with code 1008 (Policy Violation); a socket client is disconnected.
//
// # Important
//
//   - The one-time pad is reused for every frame of a connection. It hides
//     payloads from casual inspection; it is not a substitute for TLS.
//   - Handlers execute in goroutines (no execution order guarantee)
//   - Configure CheckOrigin in production (never use gateway.AllOrigins() in production)
package otpnet
