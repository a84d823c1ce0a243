// Package codec converts typed values to and from the opaque byte payloads
// the cache stores. The engine and the wire protocol never interpret value
// bytes; codecs exist so client.Typed[V] can cache structs instead of slices.
package codec

// Codec encodes/decodes values V to []byte for storage.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}
