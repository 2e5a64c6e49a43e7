package snapshot

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"

	"github.com/bytedance/sonic"
	"github.com/cespare/xxhash/v2"

	"github.com/lamim/docforge/pkg/models"
)

// codec keeps numbers as json.Number so a round trip never loses precision
var codec = sonic.Config{
	UseNumber:   true,
	SortMapKeys: true,
}.Froze()

// Type tags for the canonical byte stream. Every value is prefixed with its tag
// so that e.g. the string "1" and the number 1 never collide.
const (
	tagNull   = 'n'
	tagTrue   = 't'
	tagFalse  = 'f'
	tagNumber = 'd'
	tagString = 's'
	tagArray  = 'a'
	tagObject = 'o'
	tagOpaque = 'x'
)

// Hash returns a deterministic fingerprint of v.
// Object keys are sorted before hashing, array order is significant.
// A nil top-level value hashes like an empty object.
func Hash(v any) string {
	if isNilForm(v) {
		v = map[string]any{}
	}
	d := xxhash.New()
	writeValue(d, v)
	return fmt.Sprintf("%016x", d.Sum64())
}

func isNilForm(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case models.FormData:
		return t == nil
	case map[string]any:
		return t == nil
	}
	return false
}

func writeValue(d *xxhash.Digest, v any) {
	switch t := v.(type) {
	case nil:
		writeTag(d, tagNull)
	case bool:
		if t {
			writeTag(d, tagTrue)
		} else {
			writeTag(d, tagFalse)
		}
	case string:
		writeString(d, tagString, t)
	case json.Number:
		writeString(d, tagNumber, canonicalNumber(string(t)))
	case float64:
		writeString(d, tagNumber, canonicalFloat(t))
	case float32:
		writeString(d, tagNumber, canonicalFloat(float64(t)))
	case int:
		writeString(d, tagNumber, strconv.FormatInt(int64(t), 10))
	case int8:
		writeString(d, tagNumber, strconv.FormatInt(int64(t), 10))
	case int16:
		writeString(d, tagNumber, strconv.FormatInt(int64(t), 10))
	case int32:
		writeString(d, tagNumber, strconv.FormatInt(int64(t), 10))
	case int64:
		writeString(d, tagNumber, strconv.FormatInt(t, 10))
	case uint:
		writeString(d, tagNumber, canonicalUint(uint64(t)))
	case uint8:
		writeString(d, tagNumber, strconv.FormatUint(uint64(t), 10))
	case uint16:
		writeString(d, tagNumber, strconv.FormatUint(uint64(t), 10))
	case uint32:
		writeString(d, tagNumber, strconv.FormatUint(uint64(t), 10))
	case uint64:
		writeString(d, tagNumber, canonicalUint(t))
	case []any:
		writeArray(d, t)
	case map[string]any:
		writeObject(d, t)
	case models.FormData:
		writeObject(d, t)
	default:
		normalized, err := Normalize(v)
		if err != nil || reflect.TypeOf(normalized) == reflect.TypeOf(v) {
			writeString(d, tagOpaque, fmt.Sprintf("%v", v))
			return
		}
		writeValue(d, normalized)
	}
}

func writeArray(d *xxhash.Digest, items []any) {
	writeString(d, tagArray, strconv.Itoa(len(items)))
	for _, item := range items {
		writeValue(d, item)
	}
}

func writeObject(d *xxhash.Digest, obj map[string]any) {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	writeString(d, tagObject, strconv.Itoa(len(keys)))
	for _, k := range keys {
		writeString(d, tagString, k)
		writeValue(d, obj[k])
	}
}

func writeTag(d *xxhash.Digest, tag byte) {
	_, _ = d.Write([]byte{tag})
}

// writeString writes tag, length, ':' and the raw bytes (length-prefixed, no escaping needed)
func writeString(d *xxhash.Digest, tag byte, s string) {
	writeTag(d, tag)
	_, _ = d.WriteString(strconv.Itoa(len(s)))
	writeTag(d, ':')
	_, _ = d.WriteString(s)
}

// canonicalNumber maps equal JSON numbers ("1", "1.0", "1e0") to one literal
func canonicalNumber(s string) string {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return strconv.FormatInt(i, 10)
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		// Beyond float64 range: keep the literal as written
		return s
	}
	return canonicalFloat(f)
}

// canonicalFloat renders integral values inside the int64 range as integers,
// the same literal canonicalNumber yields for their JSON encoding
func canonicalFloat(f float64) string {
	if f == math.Trunc(f) && f >= math.MinInt64 && f < -math.MinInt64 {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// canonicalUint sends values above MaxInt64 through the float path, which is
// where their decoded JSON literal ends up too
func canonicalUint(u uint64) string {
	if u > math.MaxInt64 {
		return canonicalFloat(float64(u))
	}
	return strconv.FormatUint(u, 10)
}
