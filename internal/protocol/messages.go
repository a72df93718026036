package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Type discriminates control messages on the wire (the JSON "type" field).
type Type string

const (
	TypePorts         Type = "tunnel:ports"
	TypeListening     Type = "tunnel:listening"
	TypeError         Type = "tunnel:error"
	TypeTCPOpen       Type = "tunnel:tcp:open"
	TypeTCPConnected  Type = "tunnel:tcp:connected"
	TypeTCPClose      Type = "tunnel:tcp:close"
	TypePing          Type = "ping"
	TypePong          Type = "pong"
	TypeAgentShutdown Type = "agent:shutdown"
)

// ErrUnknownType is returned by Decode for a well-formed message whose type
// is not part of the protocol.
var ErrUnknownType = errors.New("unknown control message type")

// ConnectionID identifies one multiplexed TCP stream within an agent session.
type ConnectionID uint32

// Message is the closed set of control messages. Only types declared in this
// package implement it.
type Message interface {
	Type() Type
	isMessage()
}

// Ports is the full set of ports the agent should tunnel (coordinator → agent).
type Ports struct {
	Ports []int `json:"ports"`
}

// Listening reports that the agent bound a local listener (agent → coordinator).
type Listening struct {
	Port      int `json:"port"`
	LocalPort int `json:"localPort"`
}

// Error reports a non-recoverable local bind failure (agent → coordinator).
type Error struct {
	Port  int    `json:"port"`
	Error string `json:"error"`
}

// TCPOpen asks the coordinator to dial a container port for a new local client.
type TCPOpen struct {
	ConnectionID ConnectionID `json:"connectionId"`
	Port         int          `json:"port"`
}

// TCPConnected confirms the container-side socket for ConnectionID is live.
type TCPConnected struct {
	ConnectionID ConnectionID `json:"connectionId"`
}

// TCPClose tears down one multiplexed stream. Either side may send it.
type TCPClose struct {
	ConnectionID ConnectionID `json:"connectionId"`
}

// Ping is the agent keepalive.
type Ping struct{}

// Pong answers Ping.
type Pong struct{}

// AgentShutdown asks the agent process to exit.
type AgentShutdown struct{}

func (Ports) Type() Type         { return TypePorts }
func (Listening) Type() Type     { return TypeListening }
func (Error) Type() Type         { return TypeError }
func (TCPOpen) Type() Type       { return TypeTCPOpen }
func (TCPConnected) Type() Type  { return TypeTCPConnected }
func (TCPClose) Type() Type      { return TypeTCPClose }
func (Ping) Type() Type          { return TypePing }
func (Pong) Type() Type          { return TypePong }
func (AgentShutdown) Type() Type { return TypeAgentShutdown }

func (Ports) isMessage()         {}
func (Listening) isMessage()     {}
func (Error) isMessage()         {}
func (TCPOpen) isMessage()       {}
func (TCPConnected) isMessage()  {}
func (TCPClose) isMessage()      {}
func (Ping) isMessage()          {}
func (Pong) isMessage()          {}
func (AgentShutdown) isMessage() {}

func (m Ports) MarshalJSON() ([]byte, error) {
	type body Ports
	if m.Ports == nil {
		m.Ports = []int{}
	}
	return json.Marshal(struct {
		Type Type `json:"type"`
		body
	}{TypePorts, body(m)})
}

func (m Listening) MarshalJSON() ([]byte, error) {
	type body Listening
	return json.Marshal(struct {
		Type Type `json:"type"`
		body
	}{TypeListening, body(m)})
}

func (m Error) MarshalJSON() ([]byte, error) {
	type body Error
	return json.Marshal(struct {
		Type Type `json:"type"`
		body
	}{TypeError, body(m)})
}

func (m TCPOpen) MarshalJSON() ([]byte, error) {
	type body TCPOpen
	return json.Marshal(struct {
		Type Type `json:"type"`
		body
	}{TypeTCPOpen, body(m)})
}

func (m TCPConnected) MarshalJSON() ([]byte, error) {
	type body TCPConnected
	return json.Marshal(struct {
		Type Type `json:"type"`
		body
	}{TypeTCPConnected, body(m)})
}

func (m TCPClose) MarshalJSON() ([]byte, error) {
	type body TCPClose
	return json.Marshal(struct {
		Type Type `json:"type"`
		body
	}{TypeTCPClose, body(m)})
}

func (Ping) MarshalJSON() ([]byte, error)          { return typeOnly(TypePing) }
func (Pong) MarshalJSON() ([]byte, error)          { return typeOnly(TypePong) }
func (AgentShutdown) MarshalJSON() ([]byte, error) { return typeOnly(TypeAgentShutdown) }

func typeOnly(t Type) ([]byte, error) {
	return json.Marshal(struct {
		Type Type `json:"type"`
	}{t})
}

// Encode serializes a control message to its JSON text frame.
func Encode(msg Message) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("encode control message: nil message")
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Type(), err)
	}
	return data, nil
}

// Decode parses a JSON text frame into one of the protocol message types.
// Callers are expected to drop frames that fail to decode.
func Decode(raw []byte) (Message, error) {
	var env struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode control message: %w", err)
	}

	switch env.Type {
	case TypePorts:
		return decodeInto[Ports](raw)
	case TypeListening:
		return decodeInto[Listening](raw)
	case TypeError:
		return decodeInto[Error](raw)
	case TypeTCPOpen:
		return decodeInto[TCPOpen](raw)
	case TypeTCPConnected:
		return decodeInto[TCPConnected](raw)
	case TypeTCPClose:
		return decodeInto[TCPClose](raw)
	case TypePing:
		return Ping{}, nil
	case TypePong:
		return Pong{}, nil
	case TypeAgentShutdown:
		return AgentShutdown{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}

func decodeInto[T Message](raw []byte) (Message, error) {
	var m T
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode %s: %w", m.Type(), err)
	}
	return m, nil
}
