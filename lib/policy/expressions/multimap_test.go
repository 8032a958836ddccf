package expressions

import (
	"net/http"
	"net/url"
	"testing"

	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/traits"
)

func TestMultiMap(t *testing.T) {
	headers := HTTPHeaders(http.Header{
		"Content-Type": {"application/json"},
		"Accept":       {"text/html", "application/json"},
		"User-Agent":   {"Go-http-client/2"},
	})
	query := URLValues(url.Values{"format": {"json"}})

	for _, tt := range []struct {
		name  string
		m     traits.Mapper
		key   string
		found bool
		want  string
	}{
		{name: "header", m: headers, key: "User-Agent", found: true, want: "Go-http-client/2"},
		{name: "header case insensitive", m: headers, key: "user-agent", found: true, want: "Go-http-client/2"},
		{name: "header joined", m: headers, key: "Accept", found: true, want: "text/html,application/json"},
		{name: "missing header", m: headers, key: "Xxx-Random-Header"},
		{name: "query", m: query, key: "format", found: true, want: "json"},
		{name: "query case sensitive", m: query, key: "FORMAT"},
	} {
		t.Run(tt.name, func(t *testing.T) {
			if got := bool(tt.m.Contains(types.String(tt.key)).(types.Bool)); got != tt.found {
				t.Fatalf("contains: want %v, got %v", tt.found, got)
			}

			val := tt.m.Get(types.String(tt.key))
			if !tt.found {
				if _, ok := val.(*types.Err); !ok {
					t.Fatalf("missing key should be an error, got %T", val)
				}
				return
			}

			if s, ok := val.(types.String); !ok || string(s) != tt.want {
				t.Errorf("want %q, got %v", tt.want, val)
			}
		})
	}

	t.Run("iterate keys", func(t *testing.T) {
		var keys []string
		it := headers.Iterator()
		for it.HasNext() == types.True {
			keys = append(keys, string(it.Next().(types.String)))
		}

		if len(keys) != 3 || keys[0] != "Accept" {
			t.Errorf("want sorted header names, got %v", keys)
		}
	})

	if got := headers.Size(); got != types.Int(3) {
		t.Errorf("size: want 3, got %v", got)
	}
}
