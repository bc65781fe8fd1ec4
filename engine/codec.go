package engine

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// Decode parses a raw frame into exactly one of the known wire message
// types. Frames with an unrecognized type tag decode to Unknown rather
// than failing, so server-side protocol additions never break the
// pipeline. Decoding is pure: it never touches connection state.
func Decode(data []byte) (Message, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("malformed frame: not valid JSON")
	}

	typ := gjson.GetBytes(data, "type").Str
	if typ == "" {
		return nil, fmt.Errorf("malformed frame: missing type tag")
	}

	switch typ {
	case TypeMessage:
		var m StreamEnvelope
		if err := unmarshalFrame(data, typ, &m); err != nil {
			return nil, err
		}

		if m.ID == "" {
			return nil, fmt.Errorf("stream envelope missing id")
		}

		return m, nil
	case TypeConnected:
		var m Connected

		return m, unmarshalFrame(data, typ, &m)
	case TypeHistory:
		var m History

		return m, unmarshalFrame(data, typ, &m)
	case TypeSessionEvent:
		var m SessionEvent

		return m, unmarshalFrame(data, typ, &m)
	case TypeQueued:
		var m Queued

		return m, unmarshalFrame(data, typ, &m)
	case TypeQueueCleared:
		return QueueCleared{Type: typ}, nil
	case TypeReconnectComplete:
		var m ReconnectComplete

		return m, unmarshalFrame(data, typ, &m)
	case TypeCursorEvicted:
		var m CursorEvicted

		return m, unmarshalFrame(data, typ, &m)
	case TypeCursorInvalid:
		var m CursorInvalid

		return m, unmarshalFrame(data, typ, &m)
	case TypeError:
		var m ServerError

		return m, unmarshalFrame(data, typ, &m)
	case TypeModelChanged:
		var m ModelChanged

		return m, unmarshalFrame(data, typ, &m)
	case TypePermissionModeChanged:
		var m PermissionModeChanged

		return m, unmarshalFrame(data, typ, &m)
	case TypeStopped:
		var m Stopped

		return m, unmarshalFrame(data, typ, &m)
	case TypePing:
		return Ping{Type: typ}, nil
	case TypePong:
		return Pong{Type: typ}, nil
	case TypeInterrupted:
		return Interrupted{Type: typ}, nil
	default:
		raw := make(json.RawMessage, len(data))
		copy(raw, data)

		return Unknown{Type: typ, Raw: raw}, nil
	}
}

func unmarshalFrame(data []byte, typ string, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding %s frame: %w", typ, err)
	}

	return nil
}

// messageIDLess reports whether id a orders strictly before id b.
// Server message ids share an alphabetic prefix with a numeric suffix
// ("m100"); those compare numerically. Anything else falls back to
// lexicographic ordering. An empty id orders before every non-empty id.
func messageIDLess(a, b string) bool {
	if a == b {
		return false
	}

	if a == "" {
		return true
	}

	if b == "" {
		return false
	}

	pa, na, okA := splitMessageID(a)
	pb, nb, okB := splitMessageID(b)

	if okA && okB && pa == pb {
		return na < nb
	}

	return a < b
}

// splitMessageID splits an id into its alphabetic prefix and numeric
// suffix. ok is false when the id has no numeric suffix.
func splitMessageID(id string) (prefix string, n int64, ok bool) {
	i := len(id)
	for i > 0 && id[i-1] >= '0' && id[i-1] <= '9' {
		i--
	}

	if i == len(id) {
		return id, 0, false
	}

	var v int64
	for _, c := range id[i:] {
		v = v*10 + int64(c-'0')
		if v < 0 {
			// Overflow; treat as non-numeric.
			return id, 0, false
		}
	}

	return id[:i], v, true
}
