package expressions

import (
	"errors"
	"maps"
	"net/http"
	"net/textproto"
	"net/url"
	"reflect"
	"slices"
	"strings"

	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"
)

var ErrNotImplemented = errors.New("expressions: not implemented")

// multiMap exposes a map of string lists to CEL as map(string, string). A key
// with several values reads as the values joined by commas.
type multiMap struct {
	values    map[string][]string
	normalize func(string) string
}

func (m multiMap) ConvertToNative(typeDesc reflect.Type) (any, error) {
	return nil, ErrNotImplemented
}

func (m multiMap) ConvertToType(typeVal ref.Type) ref.Val {
	switch typeVal {
	case types.MapType:
		return m
	case types.TypeType:
		return types.MapType
	}

	return types.NewErr("can't convert from %q to %q", types.MapType, typeVal)
}

// Equal is always false; rules have no reason to compare whole maps.
func (m multiMap) Equal(other ref.Val) ref.Val {
	return types.Bool(false)
}

func (m multiMap) Type() ref.Type {
	return types.MapType
}

func (m multiMap) Value() any { return m.values }

func (m multiMap) Find(key ref.Val) (ref.Val, bool) {
	k, ok := key.(types.String)
	if !ok {
		return nil, false
	}

	name := string(k)
	if m.normalize != nil {
		name = m.normalize(name)
	}

	vals, ok := m.values[name]
	if !ok {
		return nil, false
	}

	return types.String(strings.Join(vals, ",")), true
}

func (m multiMap) Contains(key ref.Val) ref.Val {
	_, ok := m.Find(key)
	return types.Bool(ok)
}

func (m multiMap) Get(key ref.Val) ref.Val {
	result, ok := m.Find(key)
	if !ok {
		return types.ValOrErr(result, "no such key: %v", key)
	}
	return result
}

func (m multiMap) Iterator() traits.Iterator {
	keys := slices.Sorted(maps.Keys(m.values))
	return types.NewStringList(types.DefaultTypeAdapter, keys).Iterator()
}

func (m multiMap) IsZeroValue() bool {
	return len(m.values) == 0
}

func (m multiMap) Size() ref.Val { return types.Int(len(m.values)) }

// HTTPHeaders exposes request headers to CEL programs. Lookups are case
// insensitive.
func HTTPHeaders(h http.Header) traits.Mapper {
	return multiMap{values: h, normalize: textproto.CanonicalMIMEHeaderKey}
}

// URLValues exposes query parameters to CEL programs.
func URLValues(v url.Values) traits.Mapper {
	return multiMap{values: v}
}
