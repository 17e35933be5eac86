// Package jsonrpc holds the wire model shared by every rpcmesh role: requests,
// responses, typed exceptions and the request validator.
package jsonrpc

// Version is the protocol marker written into every envelope.
const Version = "2.0"

// Error codes carried by Exception.Code.
const (
	CodeEndpointException       = -33000
	CodeParseError              = -32700
	CodeInvalidRequest          = -32600
	CodeInvalidParams           = -32602
	CodeMethodNotFound          = -32601
	CodeMicroserviceDown        = -34000
	CodeMicroserviceNotFound    = -33200
	CodeGatewayHandlerException = -33300
	CodeSocketHandlerException  = -33400
)
