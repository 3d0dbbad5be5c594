// Package schema derives structural type identifiers for slot payload and
// flex-zone types: a BLDS (Basic Layout Description String) built by
// reflection, hashed to a 32-byte digest that is compared against the
// header's stored schema hashes at attach time (spec.md §4.G: "their
// declared schema hashes (computed via a structural description string →
// digest) are validated against the header hashes at attach time").
//
// Grounded on original_source/cpp/src/include/utils/schema_blds.hpp's BLDS
// grammar (MEMBER_NAME:TYPE_ID@OFFSET:SIZE, joined by ";", nested structs
// folded in as "_" + hex digest of their own BLDS). The original hashes the
// BLDS string with BLAKE2b-256; this package hashes it with Keccak256
// instead (github.com/ethereum/go-ethereum/crypto), the teacher pack's own
// house hash for structural/content identifiers, to keep BLAKE2b reserved
// for payload and layout checksums (internal/checksum, internal/layout)
// and avoid using the same primitive for two different integrity domains.
package schema

import (
	"encoding/hex"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/crypto"
)

// Digest is a structural schema identifier.
type Digest [32]byte

// Hex returns the lowercase hex encoding of the digest.
func (d Digest) Hex() string { return hex.EncodeToString(d[:]) }

var cache sync.Map // reflect.Type -> Digest

// Describe returns the structural schema digest for T, computing and
// caching it on first use (reflection only runs once per type per
// process).
func Describe[T any]() Digest {
	var zero T
	return describeType(reflect.TypeOf(zero))
}

func describeType(t reflect.Type) Digest {
	if cached, ok := cache.Load(t); ok {
		return cached.(Digest)
	}
	blds := buildBLDS(t)
	d := Digest(crypto.Keccak256Hash([]byte(blds)))
	actual, _ := cache.LoadOrStore(t, d)
	return actual.(Digest)
}

// buildBLDS renders t's BLDS string. Only layout-trivially-copyable types
// are supported: fixed-width integers, floats, bool, fixed-size arrays, and
// structs composed of the same (spec.md §4.G "layout-trivially-copyable").
func buildBLDS(t reflect.Type) string {
	if t.Kind() != reflect.Struct {
		return fmt.Sprintf("value:%s@0:%d", typeID(t), t.Size())
	}
	members := make([]string, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		members = append(members, fmt.Sprintf("%s:%s@%d:%d", f.Name, typeID(f.Type), f.Offset, f.Type.Size()))
	}
	return strings.Join(members, ";")
}

func typeID(t reflect.Type) string {
	switch t.Kind() {
	case reflect.Bool, reflect.Uint8:
		return "u8"
	case reflect.Uint16:
		return "u16"
	case reflect.Uint32:
		return "u32"
	case reflect.Uint64, reflect.Uint, reflect.Uintptr:
		return "u64"
	case reflect.Int8:
		return "i8"
	case reflect.Int16:
		return "i16"
	case reflect.Int32:
		return "i32"
	case reflect.Int64, reflect.Int:
		return "i64"
	case reflect.Float32:
		return "f32"
	case reflect.Float64:
		return "f64"
	case reflect.Array:
		return fmt.Sprintf("%s[%d]", typeID(t.Elem()), t.Len())
	case reflect.Struct:
		nested := describeType(t)
		return "_" + nested.Hex()
	default:
		panic(fmt.Sprintf("schema: type %s is not layout-trivially-copyable", t))
	}
}
