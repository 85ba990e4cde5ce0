package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// DefaultTTL is used when neither the configuration nor the caller
// specifies a TTL.
const DefaultTTL = time.Hour

// Encoding identifies the codec an Entry payload was written with.
type Encoding uint8

const (
	// EncodingJSON is the text codec. The Redis and database backends
	// always use it so stored payloads stay readable across languages.
	EncodingJSON Encoding = iota
	// EncodingMsgpack is the binary codec, selectable for the file
	// backend.
	EncodingMsgpack
)

// Entry is a serialized cache payload together with the codec that
// produced it, so a payload written by any backend can be decoded by the
// same generic helper.
type Entry struct {
	Data     []byte
	Encoding Encoding
}

// Backend is the capability contract shared by every storage backend.
// Implementations return errors freely; the Manager is the single place
// where errors are counted and downgraded to the public miss/false
// outcomes, so nothing below the Manager ever reaches a caller.
type Backend interface {
	// Get returns the stored entry for key, or nil when the key is
	// absent or expired.
	Get(ctx context.Context, key string) (*Entry, error)
	// Set stores an entry under key. A ttl <= 0 means no expiry.
	Set(ctx context.Context, key string, e *Entry, ttl time.Duration) error
	// Delete removes key, reporting whether an entry existed.
	Delete(ctx context.Context, key string) (bool, error)
	// Clear removes every entry in this backend's namespace.
	Clear(ctx context.Context) error
	// Exists reports whether key currently has an entry.
	Exists(ctx context.Context, key string) (bool, error)
	// Close releases held resources. Safe to call more than once.
	Close() error
}

func encode(v any, enc Encoding) (*Entry, error) {
	var data []byte
	var err error
	switch enc {
	case EncodingMsgpack:
		data, err = msgpack.Marshal(v)
	default:
		data, err = json.Marshal(v)
	}
	if err != nil {
		return nil, err
	}
	return &Entry{Data: data, Encoding: enc}, nil
}

func (e *Entry) decode(out any) error {
	switch e.Encoding {
	case EncodingMsgpack:
		return msgpack.Unmarshal(e.Data, out)
	default:
		return json.Unmarshal(e.Data, out)
	}
}
