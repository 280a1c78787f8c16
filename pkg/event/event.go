// Package event defines the wire protocol shared by the sync server and its
// clients: a closed set of JSON-framed event types with strict decoding.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Type tags a wire frame. The set is closed; there is no extension mechanism.
type Type string

const (
	// TypeUser carries a join request upstream and a presence snapshot downstream.
	TypeUser Type = "usertype"
	// TypeContent carries a whole-document replace in both directions.
	TypeContent Type = "contentype"
	// TypeClose carries an explicit leave request upstream. Never broadcast.
	TypeClose Type = "closetype"
)

var (
	ErrUnknownType   = errors.New("event: unknown event type")
	ErrEmptyUsername = errors.New("event: join requires a username")
)

// User is one joined participant as it appears in presence snapshots.
type User struct {
	Username string `json:"username"`
}

// Event is implemented by every wire event variant.
type Event interface {
	EventType() Type
}

// Join announces a participant. Client to server only.
type Join struct {
	Username string
}

// Replace substitutes the full document content. Client to server only.
type Replace struct {
	Content string
}

// Leave ends a participant's session. Client to server only.
type Leave struct{}

// Presence is the server's broadcast view of who is connected and what has
// happened. Activity is append-only, most recent last.
type Presence struct {
	Users    map[string]User
	Activity []string
}

// Document is the server's broadcast view of the current content.
type Document struct {
	Content string
}

func (Join) EventType() Type     { return TypeUser }
func (Replace) EventType() Type  { return TypeContent }
func (Leave) EventType() Type    { return TypeClose }
func (Presence) EventType() Type { return TypeUser }
func (Document) EventType() Type { return TypeContent }

type clientFrame struct {
	Type     Type   `json:"type"`
	Username string `json:"username,omitempty"`
	Content  string `json:"content,omitempty"`
}

type serverFrame struct {
	Type Type            `json:"type"`
	Data json.RawMessage `json:"data"`
}

type presenceData struct {
	Users        map[string]User `json:"users"`
	UserActivity []string        `json:"userActivity"`
}

type documentData struct {
	EditorContent string `json:"editorContent"`
}

// EncodeClient serializes a client-originated event. Only Join, Replace and
// Leave travel upstream.
func EncodeClient(ev Event) ([]byte, error) {
	switch v := ev.(type) {
	case Join:
		if v.Username == "" {
			return nil, ErrEmptyUsername
		}
		return json.Marshal(clientFrame{Type: TypeUser, Username: v.Username})
	case Replace:
		// An empty replace is legal: it clears the document.
		f := struct {
			Type    Type   `json:"type"`
			Content string `json:"content"`
		}{TypeContent, v.Content}
		return json.Marshal(f)
	case Leave:
		return json.Marshal(clientFrame{Type: TypeClose})
	default:
		return nil, fmt.Errorf("%w: %T is not a client event", ErrUnknownType, ev)
	}
}

// DecodeClient parses a frame received from a client. It fails closed:
// unknown types, joins without a username and invalid JSON all return an
// error and must not reach shared state.
func DecodeClient(data []byte) (Event, error) {
	var f clientFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("event: malformed client frame: %w", err)
	}
	switch f.Type {
	case TypeUser:
		if f.Username == "" {
			return nil, ErrEmptyUsername
		}
		return Join{Username: f.Username}, nil
	case TypeContent:
		return Replace{Content: f.Content}, nil
	case TypeClose:
		return Leave{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, f.Type)
	}
}

// EncodeBroadcast serializes a server-originated event for fan-out.
func EncodeBroadcast(ev Event) ([]byte, error) {
	switch v := ev.(type) {
	case Presence:
		users := v.Users
		if users == nil {
			users = map[string]User{}
		}
		activity := v.Activity
		if activity == nil {
			activity = []string{}
		}
		data, err := json.Marshal(presenceData{Users: users, UserActivity: activity})
		if err != nil {
			return nil, err
		}
		return json.Marshal(serverFrame{Type: TypeUser, Data: data})
	case Document:
		data, err := json.Marshal(documentData{EditorContent: v.Content})
		if err != nil {
			return nil, err
		}
		return json.Marshal(serverFrame{Type: TypeContent, Data: data})
	default:
		return nil, fmt.Errorf("%w: %T is not a broadcast event", ErrUnknownType, ev)
	}
}

// DecodeBroadcast parses a frame received from the server.
func DecodeBroadcast(data []byte) (Event, error) {
	var f serverFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("event: malformed server frame: %w", err)
	}
	switch f.Type {
	case TypeUser:
		var d presenceData
		if err := json.Unmarshal(f.Data, &d); err != nil {
			return nil, fmt.Errorf("event: malformed presence payload: %w", err)
		}
		return Presence{Users: d.Users, Activity: d.UserActivity}, nil
	case TypeContent:
		var d documentData
		if err := json.Unmarshal(f.Data, &d); err != nil {
			return nil, fmt.Errorf("event: malformed document payload: %w", err)
		}
		return Document{Content: d.EditorContent}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, f.Type)
	}
}
