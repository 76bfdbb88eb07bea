package realtime

import "encoding/json"

// Wire framing, protocol version 5. Every websocket message is a JSON
// envelope: {"t":"c",...} for connection control, {"t":"d",...} for data.
// Client data frames carry a request number the server echoes in its ack.
const (
	protocolVersion = "5"

	frameControl = "c"
	frameData    = "d"

	controlHandshake = "h"
	controlReset     = "r"
	controlShutdown  = "s"

	actionAuth            = "auth"
	actionGet             = "g"
	actionPut             = "p"
	actionMerge           = "m"
	actionListen          = "q"
	actionUnlisten        = "n"
	actionOnDisconnectPut = "o"

	// Server-initiated data frames.
	serverDataUpdate    = "d"
	serverDataMerge     = "m"
	serverListenRevoked = "c"
	serverAuthRevoked   = "ac"

	statusOK               = "ok"
	statusPermissionDenied = "permission_denied"

	keepaliveFrame = "0"
)

type frame struct {
	Type string          `json:"t"`
	Data json.RawMessage `json:"d"`
}

type clientRequest struct {
	RequestID int64  `json:"r"`
	Action    string `json:"a"`
	Body      any    `json:"b"`
}

type clientFrame struct {
	Type string        `json:"t"`
	Data clientRequest `json:"d"`
}

// serverMessage is a data-frame payload: either an ack (RequestID set) or a
// server-initiated action.
type serverMessage struct {
	RequestID int64           `json:"r,omitempty"`
	Action    string          `json:"a,omitempty"`
	Body      json.RawMessage `json:"b,omitempty"`
}

type ackBody struct {
	Status string          `json:"s"`
	Data   json.RawMessage `json:"d,omitempty"`
}

type controlEnvelope struct {
	Type string          `json:"t"`
	Data json.RawMessage `json:"d"`
}

type handshakeBody struct {
	Timestamp int64  `json:"ts"`
	Version   string `json:"v"`
	Host      string `json:"h"`
	Session   string `json:"s"`
}

type pathBody struct {
	Path string `json:"p"`
	Data any    `json:"d,omitempty"`
	Hash string `json:"h,omitempty"`
}

type authBody struct {
	Credential string `json:"cred"`
}

type eventBody struct {
	Path string          `json:"p"`
	Data json.RawMessage `json:"d"`
}
