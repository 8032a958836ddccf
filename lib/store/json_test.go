package store_test

import (
	"errors"
	"testing"
	"time"

	"github.com/antimoltbook/verifier/lib/store"
	"github.com/antimoltbook/verifier/lib/store/memory"
)

type record struct {
	ID string `json:"id"`
}

func TestJSON(t *testing.T) {
	st := memory.New(t.Context())
	db := store.JSON[record]{
		Underlying: st,
		Prefix:     "challenge:",
	}

	if err := db.Set(t.Context(), "test", record{ID: t.Name()}, time.Minute); err != nil {
		t.Fatal(err)
	}

	got, err := db.Get(t.Context(), "test")
	if err != nil {
		t.Fatal(err)
	}

	if got.ID != t.Name() {
		t.Fatalf("got wrong data for key \"test\", wanted %q but got: %q", t.Name(), got.ID)
	}

	if err := db.Delete(t.Context(), "test"); err != nil {
		t.Fatal(err)
	}

	if _, err := db.Get(t.Context(), "test"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("wanted ErrNotFound after delete, got: %v", err)
	}

	if err := st.Set(t.Context(), "challenge:test", []byte("}"), time.Minute); err != nil {
		t.Fatal(err)
	}

	if _, err := db.Get(t.Context(), "test"); !errors.Is(err, store.ErrCantDecode) {
		t.Fatalf("wanted ErrCantDecode, got: %v", err)
	}
}

func TestJSONClaim(t *testing.T) {
	st := memory.New(t.Context())
	db := store.JSON[record]{
		Underlying: st,
		Prefix:     "submission:",
	}

	if err := db.Claim(t.Context(), "abc", record{ID: "first"}, time.Minute); err != nil {
		t.Fatal(err)
	}

	if err := db.Claim(t.Context(), "abc", record{ID: "second"}, time.Minute); !errors.Is(err, store.ErrExists) {
		t.Fatalf("wanted ErrExists, got: %v", err)
	}

	got, err := db.Get(t.Context(), "abc")
	if err != nil {
		t.Fatal(err)
	}

	if got.ID != "first" {
		t.Errorf("losing claim overwrote the winner: %q", got.ID)
	}

	if _, err := st.Get(t.Context(), "submission:abc"); err != nil {
		t.Errorf("claim did not use the prefix: %v", err)
	}
}
