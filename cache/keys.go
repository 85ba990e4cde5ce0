package cache

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"
)

// Params is the parameter set of one API call, keyed by query parameter
// name. Nil values are treated as absent.
type Params map[string]any

// KeyGenerator derives deterministic cache keys of the form
// prefix:method:hash:date. Two calls with the same method and the same
// non-nil parameters always produce the same key, regardless of map
// iteration order or process restarts.
type KeyGenerator struct {
	prefix string
}

// NewKeyGenerator returns a generator using the given key prefix,
// defaulting to "epss" when empty.
func NewKeyGenerator(prefix string) *KeyGenerator {
	if prefix == "" {
		prefix = "epss"
	}
	return &KeyGenerator{prefix: prefix}
}

// Key builds the cache key for a method and its parameters. The hash
// segment is an xxhash64 digest of the canonical compact-JSON form of
// the nil-stripped, key-sorted parameter map. The final segment is the
// value of a "date" parameter when present, else "current", keeping
// dated historical queries separate from same-day queries.
func (g *KeyGenerator) Key(method string, params Params) string {
	keys := make([]string, 0, len(params))
	for k, v := range params {
		if v == nil {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, _ := json.Marshal(k)
		buf.Write(kb)
		buf.WriteByte(':')
		vb, _ := json.Marshal(params[k])
		buf.Write(vb)
	}
	buf.WriteByte('}')

	digest := fmt.Sprintf("%016x", xxhash.Sum64(buf.Bytes()))

	date := "current"
	if v, ok := params["date"]; ok && v != nil {
		date = fmt.Sprint(v)
	}

	return g.prefix + ":" + method + ":" + digest + ":" + date
}
