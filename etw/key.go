package etw

import (
	"fmt"
	"strconv"
	"strings"
)

// EventKey identifies one event schema: the provider, the event id and the
// schema version. It is comparable and is used directly as a map key.
type EventKey struct {
	Provider GUID
	ID       uint16
	Version  uint8
}

// ZeroKey is never produced by a real provider. Sessions treat it as a request
// to stop without scanning.
var ZeroKey EventKey

// IsZero reports whether k is the all-zero key.
func (k EventKey) IsZero() bool {
	return k == ZeroKey
}

// AppendText appends "{PROVIDER}:id:version".
func (k EventKey) AppendText(dst []byte) []byte {
	dst = k.Provider.AppendText(dst)
	dst = append(dst, ':')
	dst = strconv.AppendUint(dst, uint64(k.ID), 10)
	dst = append(dst, ':')
	return strconv.AppendUint(dst, uint64(k.Version), 10)
}

func (k EventKey) String() string {
	return string(k.AppendText(make([]byte, 0, 48)))
}

// ParseEventKey parses the "{PROVIDER}:id[:version]" form produced by String.
// A missing version means 0.
func ParseEventKey(s string) (EventKey, error) {
	var k EventKey
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return k, fmt.Errorf("invalid event key %q: want {GUID}:id[:version]", s)
	}
	g, err := ParseGUID(parts[0])
	if err != nil {
		return k, fmt.Errorf("invalid event key %q: %w", s, err)
	}
	id, err := strconv.ParseUint(parts[1], 10, 16)
	if err != nil {
		return k, fmt.Errorf("invalid event id in %q: %w", s, err)
	}
	k.Provider = *g
	k.ID = uint16(id)
	if len(parts) == 3 {
		v, err := strconv.ParseUint(parts[2], 10, 8)
		if err != nil {
			return k, fmt.Errorf("invalid event version in %q: %w", s, err)
		}
		k.Version = uint8(v)
	}
	return k, nil
}

// MarshalText implements encoding.TextMarshaler.
func (k EventKey) MarshalText() ([]byte, error) {
	return k.AppendText(make([]byte, 0, 48)), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *EventKey) UnmarshalText(text []byte) error {
	p, err := ParseEventKey(string(text))
	if err != nil {
		return err
	}
	*k = p
	return nil
}
