// Package protocol defines the packets exchanged between Delta Lima clients and
// servers and the binary frame codec that carries them over a byte stream.
package protocol

// Kind is the wire tag of a packet variant.
type Kind uint8

const (
	KindPing Kind = iota + 1
	KindPingResponse
	KindLoginRequest
	KindLoginResponse
	KindMessage
	KindUserExistsRequest
	KindUserOnlineRequest
	KindUserResponse
	KindMsgHistoryRequest
	KindMsgHistory
	KindDisconnect
	KindError
)

var kindNames = map[Kind]string{
	KindPing:              "Ping",
	KindPingResponse:      "PingResponse",
	KindLoginRequest:      "LoginRequest",
	KindLoginResponse:     "LoginResponse",
	KindMessage:           "Message",
	KindUserExistsRequest: "UserExistsRequest",
	KindUserOnlineRequest: "UserOnlineRequest",
	KindUserResponse:      "UserResponse",
	KindMsgHistoryRequest: "MsgHistoryRequest",
	KindMsgHistory:        "MsgHistory",
	KindDisconnect:        "Disconnect",
	KindError:             "Error",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "Unknown"
}

// Packet is one logical protocol message. Exactly one of the concrete types
// below implements it per frame.
type Packet interface {
	Kind() Kind
}

// Ping opens a connection. Disconnecting is set by clients that only check
// version compatibility and will hang up after the response.
type Ping struct {
	Version       string
	Disconnecting bool
}

// PingResponse tells the client whether its version is accepted.
type PingResponse struct {
	Valid           bool
	AcceptedVersion string
}

// LoginRequest is a login or, with Signup set, an account creation attempt.
type LoginRequest struct {
	Username string
	Password string
	Signup   bool
}

// LoginResponse answers a LoginRequest. Error is empty when Valid is true.
type LoginResponse struct {
	Valid bool
	Error string
}

// Message is a private text message. Clients fill Recipient; the server fills
// Sender and sets Recipient to "SELF" on delivery.
type Message struct {
	Message   string
	Sender    string
	Recipient string
	Timestamp string
}

type UserExistsRequest struct {
	Username string
}

type UserOnlineRequest struct {
	Username string
}

// UserResponse answers UserExistsRequest and UserOnlineRequest.
type UserResponse struct {
	Response bool
}

type MsgHistoryRequest struct {
	Username string
}

// HistoryEntry is one message of a conversation history.
type HistoryEntry struct {
	Message   string
	Sender    string
	Timestamp string
}

// MsgHistory carries a conversation, oldest message first.
type MsgHistory struct {
	History []HistoryEntry
}

type Disconnect struct{}

// Error reports a failure to the peer. ShouldDisconnect asks the peer to drop
// the connection.
type Error struct {
	Text             string
	ShouldDisconnect bool
}

func (Ping) Kind() Kind              { return KindPing }
func (PingResponse) Kind() Kind      { return KindPingResponse }
func (LoginRequest) Kind() Kind      { return KindLoginRequest }
func (LoginResponse) Kind() Kind     { return KindLoginResponse }
func (Message) Kind() Kind           { return KindMessage }
func (UserExistsRequest) Kind() Kind { return KindUserExistsRequest }
func (UserOnlineRequest) Kind() Kind { return KindUserOnlineRequest }
func (UserResponse) Kind() Kind      { return KindUserResponse }
func (MsgHistoryRequest) Kind() Kind { return KindMsgHistoryRequest }
func (MsgHistory) Kind() Kind        { return KindMsgHistory }
func (Disconnect) Kind() Kind        { return KindDisconnect }
func (Error) Kind() Kind             { return KindError }

// Expected selects the packet variants a read is willing to accept.
type Expected uint8

const (
	ExpectPing Expected = iota + 1
	ExpectPingResponse
	ExpectLoginRequest
	ExpectLoginResponse
	// ExpectMessage accepts everything that may occur while a session is
	// active: messages, disconnects, errors and the user info exchanges.
	ExpectMessage
)

func (e Expected) String() string {
	switch e {
	case ExpectPing:
		return "Ping"
	case ExpectPingResponse:
		return "PingResponse"
	case ExpectLoginRequest:
		return "LoginRequest"
	case ExpectLoginResponse:
		return "LoginResponse"
	case ExpectMessage:
		return "Message"
	}
	return "Unknown"
}

// Accepts reports whether a packet of kind k is legal for e.
func (e Expected) Accepts(k Kind) bool {
	switch e {
	case ExpectPing:
		return k == KindPing
	case ExpectPingResponse:
		return k == KindPingResponse
	case ExpectLoginRequest:
		return k == KindLoginRequest
	case ExpectLoginResponse:
		return k == KindLoginResponse
	case ExpectMessage:
		switch k {
		case KindMessage, KindDisconnect, KindError,
			KindUserExistsRequest, KindUserOnlineRequest, KindUserResponse,
			KindMsgHistoryRequest, KindMsgHistory:
			return true
		}
	}
	return false
}
