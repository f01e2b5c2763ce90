// Package wire defines the json envelopes exchanged with a ShareDB style server, including the liveness and
// webstrates control frames that never reach the document layer.
package wire

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/astromechza/strate-sync/pkg/ot"
)

const (
	ActionHandshake   = "hs"
	ActionSubscribe   = "s"
	ActionUnsubscribe = "us"
	ActionFetch       = "f"
	ActionOp          = "op"

	// TypeJSON0 is the OT type name the documents are created with.
	TypeJSON0 = "json0"
	// TypeAlive marks liveness frames.
	TypeAlive = "alive"
)

// Message is the union of all envelopes. Which fields are set depends on Action.
type Message struct {
	Action     string          `json:"a,omitempty"`
	Collection string          `json:"c,omitempty"`
	Doc        string          `json:"d,omitempty"`
	Version    *int            `json:"v,omitempty"`
	Src        string          `json:"src,omitempty"`
	Seq        int             `json:"seq,omitempty"`
	Op         []ot.Op         `json:"op,omitempty"`
	Create     *Create         `json:"create,omitempty"`
	Del        bool            `json:"del,omitempty"`
	Data       *Snapshot       `json:"data,omitempty"`
	ID         string          `json:"id,omitempty"`
	Error      *Error          `json:"error,omitempty"`
	Type       string          `json:"type,omitempty"`
	WA         json.RawMessage `json:"wa,omitempty"`
}

// Create is the payload of a document creation op.
type Create struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// Snapshot is the document state sent in reply to a subscribe or fetch. An empty Type means the document does not
// exist yet.
type Snapshot struct {
	Version int    `json:"v"`
	Type    string `json:"type,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// Exists reports whether the snapshot describes a created document.
func (s *Snapshot) Exists() bool {
	return s != nil && s.Type != ""
}

// Error is the error payload. Servers send either numeric or string codes so Code is kept as decoded.
type Error struct {
	Code    any    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("server error %v: %s", e.Code, e.Message)
}

// CodeVersionMismatch rejects an operation submitted against a stale version.
const CodeVersionMismatch = 4001

// HasCode reports whether the error carries the numeric code n, sent either as a number or as a string.
func (e *Error) HasCode(n int) bool {
	switch c := e.Code.(type) {
	case float64:
		return c == float64(n)
	case int:
		return c == n
	case json.Number:
		return c.String() == strconv.Itoa(n)
	case string:
		return c == strconv.Itoa(n)
	}
	return false
}

// V returns a pointer to a version number.
func V(n int) *int {
	return &n
}

// IsControl reports whether the message is a liveness or webstrates-specific frame rather than a document message.
func (m *Message) IsControl() bool {
	return len(m.WA) > 0 || (m.Action == "" && m.Type != "")
}

// IsConnectionError reports whether the message is an error aimed at the whole connection.
func (m *Message) IsConnectionError() bool {
	return m.Action == "" && m.Error != nil
}

// Key identifies the document a message refers to.
func (m *Message) Key() string {
	return Key(m.Collection, m.Doc)
}

// Key builds the map key for a document.
func Key(collection, id string) string {
	return collection + "/" + id
}

// Decode parses one text frame.
func Decode(raw []byte) (*Message, error) {
	m := new(Message)
	if err := json.Unmarshal(raw, m); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}
	return m, nil
}

// Encode serializes a message into one text frame.
func Encode(m *Message) ([]byte, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return raw, nil
}

// Alive returns a liveness frame.
func Alive() *Message {
	return &Message{Type: TypeAlive}
}
