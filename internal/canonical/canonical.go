// Package canonical implements the byte-exact canonical JSON representation
// used for every artifact this service signs or hashes: recursively
// key-sorted, whitespace-free, numbers preserved without reformatting
// surprises.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"

	"github.com/gowebpki/jcs"
)

// ErrInvalidCanonicalNumber is returned when a value tree contains a NaN or
// Infinity float, which has no representation in canonical JSON.
var ErrInvalidCanonicalNumber = errors.New("INVALID_CANONICAL_NUMBER")

// Marshal renders v as canonical JSON: keys sorted ascending by code point,
// no insignificant whitespace, arrays order-preserving. Decimal amounts must
// be modeled as Go strings in the caller's struct — only true integers
// should ever reach here as JSON numbers.
func Marshal(v any) ([]byte, error) {
	if hasNaNOrInf(reflect.ValueOf(v)) {
		return nil, fmt.Errorf("canonical: %w", ErrInvalidCanonicalNumber)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: marshal: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonical: transform: %w", err)
	}
	return out, nil
}

// SHA256Hex returns the lowercase hex sha256 digest of canonical bytes.
func SHA256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func hasNaNOrInf(v reflect.Value) bool {
	if !v.IsValid() {
		return false
	}
	switch v.Kind() {
	case reflect.Float32, reflect.Float64:
		f := v.Float()
		return math.IsNaN(f) || math.IsInf(f, 0)
	case reflect.Interface, reflect.Ptr:
		if v.IsNil() {
			return false
		}
		return hasNaNOrInf(v.Elem())
	case reflect.Map:
		for _, key := range v.MapKeys() {
			if hasNaNOrInf(v.MapIndex(key)) {
				return true
			}
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			if hasNaNOrInf(v.Index(i)) {
				return true
			}
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if !v.Field(i).CanInterface() {
				continue
			}
			if hasNaNOrInf(v.Field(i)) {
				return true
			}
		}
	}
	return false
}
