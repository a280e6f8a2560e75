// Package protocol defines the JSON messages exchanged with the rendezvous
// service. Every frame is one Message; the server stamps Src on relayed
// messages so clients cannot spoof each other.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aayush-trivedi/ambient/internal/domain"
)

type Type string

const (
	TypeOpen      Type = "open"
	TypeIDTaken   Type = "id-taken"
	TypeOffer     Type = "offer"
	TypeAnswer    Type = "answer"
	TypeCandidate Type = "candidate"
	TypeLeave     Type = "leave"
	TypeExpire    Type = "expire"
	TypePing      Type = "ping"
	TypePong      Type = "pong"
	TypeError     Type = "error"
)

var ErrMissingType = errors.New("message without type")

type Message struct {
	Type    Type          `json:"type"`
	Src     domain.PeerID `json:"src,omitempty"`
	Dst     domain.PeerID `json:"dst,omitempty"`
	Session string        `json:"session,omitempty"`
	SDP     string        `json:"sdp,omitempty"`
	Error   string        `json:"error,omitempty"`
}

// Relayed reports whether the server forwards this type between peers.
func (t Type) Relayed() bool {
	switch t {
	case TypeOffer, TypeAnswer, TypeCandidate, TypeLeave:
		return true
	}
	return false
}

func Encode(m Message) ([]byte, error) {
	return json.Marshal(m)
}

func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	if m.Type == "" {
		return Message{}, ErrMissingType
	}
	return m, nil
}
