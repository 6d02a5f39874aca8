// Package codec serializes typed job payloads to the opaque bytes stored on
// a job. Backends never look inside a payload; only the engine's typed
// Enqueue and Register helpers use a codec.
package codec

import "fmt"

// Codec encodes and decodes payload values.
type Codec interface {
	// Marshal serializes v.
	Marshal(v any) ([]byte, error)

	// Unmarshal deserializes data into v, which must be a pointer.
	Unmarshal(data []byte, v any) error

	// Name returns the codec identifier ("json", "msgpack").
	Name() string
}

// Codec names accepted by ByName and the JOBQ_PAYLOAD_CODEC setting.
const (
	NameJSON    = "json"
	NameMsgpack = "msgpack"
)

// Default is the codec used when none is configured.
var Default Codec = JSON{}

// ByName returns the codec registered under name. The empty string selects
// JSON.
func ByName(name string) (Codec, error) {
	switch name {
	case NameJSON, "":
		return JSON{}, nil
	case NameMsgpack:
		return Msgpack{}, nil
	default:
		return nil, fmt.Errorf("codec: unknown codec %q", name)
	}
}
