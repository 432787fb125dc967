// Package protocol defines the request/response messages exchanged between
// cache clients and the compcached server, and the framing used to move them
// over a byte stream. Bodies are msgpack; frames are length-prefixed with a
// magic header.
//
// The local and remote protocol variants share the message shapes. They
// differ only in how value bytes move: the local variant hands out
// filesystem paths, the remote variant carries payloads inline.
package protocol

import "github.com/vmihailenco/msgpack/v5"

// Method identifies an RPC operation.
type Method uint8

const (
	// MethodGetLocal is Get on the local (shared filesystem) variant.
	MethodGetLocal Method = iota + 1
	// MethodGetRemote is Get on the remote (inline payload) variant.
	MethodGetRemote
	// MethodHeartbeat refreshes a compute lease.
	MethodHeartbeat
	// MethodSet uploads a computed value (remote only).
	MethodSet
	// MethodDone reports that the value file was written (local only).
	MethodDone
	// MethodDrop releases a reader handle (local only).
	MethodDrop
)

func (m Method) String() string {
	switch m {
	case MethodGetLocal:
		return "get_local"
	case MethodGetRemote:
		return "get_remote"
	case MethodHeartbeat:
		return "heartbeat"
	case MethodSet:
		return "set"
	case MethodDone:
		return "done"
	case MethodDrop:
		return "drop"
	default:
		return "unknown"
	}
}

// Code classifies a response.
type Code uint8

const (
	CodeOK Code = iota
	// CodeInvalidAssignment signals an unknown or revoked assignment id.
	CodeInvalidAssignment
	// CodeInvalidHandle signals an unknown reader handle id.
	CodeInvalidHandle
	// CodeBadRequest signals a malformed request or a method not served on
	// this listener variant.
	CodeBadRequest
	// CodeInternal signals a server-side persistence or IO failure.
	CodeInternal
)

// Request is the RPC envelope carried by one frame.
type Request struct {
	Method Method             `msgpack:"m"`
	Body   msgpack.RawMessage `msgpack:"b,omitempty"`
}

// Response is the reply envelope.
type Response struct {
	Code  Code               `msgpack:"c"`
	Error string             `msgpack:"e,omitempty"`
	Body  msgpack.RawMessage `msgpack:"b,omitempty"`
}

// GetRequest asks for the state of one entry. Key is the hex content digest
// of the serialized lookup key. Assign requests a compute lease when the
// entry is vacant or its lease has gone stale.
type GetRequest struct {
	Namespace string `msgpack:"ns"`
	Key       string `msgpack:"k"`
	Assign    bool   `msgpack:"a"`
}

// GetStatus is the outcome of a Get.
type GetStatus uint8

const (
	// StatusUnassigned: no value, and no lease was handed out. The caller
	// may compute locally but the result will not be persisted.
	StatusUnassigned GetStatus = iota
	// StatusAssign: the caller now holds the compute lease.
	StatusAssign
	// StatusLoading: another worker holds a live lease; poll again later.
	StatusLoading
	// StatusReady: the value exists.
	StatusReady
)

// GetResponse carries the Get outcome. Which fields are set depends on the
// status and the protocol variant.
type GetResponse struct {
	Status GetStatus `msgpack:"s"`

	// Assign fields.
	AssignmentID        uint64 `msgpack:"id,omitempty"`
	HeartbeatIntervalMS int64  `msgpack:"hb,omitempty"`

	// Path is where the value file lives (local assign and local ready).
	Path string `msgpack:"p,omitempty"`
	// HandleID must be dropped after reading Path (local ready).
	HandleID uint64 `msgpack:"h,omitempty"`
	// Value is the payload (remote ready).
	Value []byte `msgpack:"v,omitempty"`
}

// HeartbeatRequest refreshes the lease identified by AssignmentID.
type HeartbeatRequest struct {
	AssignmentID uint64 `msgpack:"id"`
}

// SetRequest uploads the computed value for a leased entry (remote).
type SetRequest struct {
	AssignmentID uint64 `msgpack:"id"`
	Value        []byte `msgpack:"v"`
}

// DoneRequest reports that the lease holder wrote the value file (local).
type DoneRequest struct {
	AssignmentID uint64 `msgpack:"id"`
}

// DropRequest releases a reader handle obtained from a local Ready (local).
type DropRequest struct {
	HandleID uint64 `msgpack:"h"`
}

// NewRequest marshals body into a request envelope.
func NewRequest(method Method, body any) (Request, error) {
	raw, err := msgpack.Marshal(body)
	if err != nil {
		return Request{}, err
	}
	return Request{Method: method, Body: raw}, nil
}

// DecodeBody unmarshals an envelope body into out.
func DecodeBody(raw msgpack.RawMessage, out any) error {
	return msgpack.Unmarshal(raw, out)
}

// OK builds a successful response carrying body.
func OK(body any) (Response, error) {
	raw, err := msgpack.Marshal(body)
	if err != nil {
		return Response{}, err
	}
	return Response{Code: CodeOK, Body: raw}, nil
}

// Fail builds an error response.
func Fail(code Code, msg string) Response {
	return Response{Code: code, Error: msg}
}
