package memory

import (
	"context"
	"sort"
	"testing"

	"groovecore/pkg/domain"
)

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewStore(0)

	if _, ok, err := s.Get(ctx, "missing"); ok || err != nil {
		t.Fatalf("Get(missing) = ok=%v err=%v, want absent", ok, err)
	}
	if err := s.Set(ctx, "a", []byte("hello")); err != nil {
		t.Fatal(err)
	}
	v, ok, err := s.Get(ctx, "a")
	if err != nil || !ok || string(v) != "hello" {
		t.Fatalf("Get(a) = %q ok=%v err=%v", v, ok, err)
	}

	// Returned bytes are a copy, not an alias.
	v[0] = 'X'
	v2, _, _ := s.Get(ctx, "a")
	if string(v2) != "hello" {
		t.Fatal("Get returned aliased storage")
	}

	if err := s.Remove(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := s.Get(ctx, "a"); ok {
		t.Fatal("value survived Remove")
	}
	// Removing an absent key is a no-op.
	if err := s.Remove(ctx, "a"); err != nil {
		t.Fatal(err)
	}
}

func TestStoreKeys(t *testing.T) {
	ctx := context.Background()
	s := NewStore(0)
	for _, k := range []string{"b", "a", "c"} {
		if err := s.Set(ctx, k, []byte(k)); err != nil {
			t.Fatal(err)
		}
	}
	keys, err := s.Keys(ctx)
	if err != nil {
		t.Fatal(err)
	}
	sort.Strings(keys)
	if len(keys) != 3 || keys[0] != "a" || keys[2] != "c" {
		t.Fatalf("Keys = %v", keys)
	}
}

func TestStoreQuota(t *testing.T) {
	ctx := context.Background()
	s := NewStore(10)

	if err := s.Set(ctx, "a", []byte("12345")); err != nil {
		t.Fatal(err)
	}
	err := s.Set(ctx, "b", []byte("1234567"))
	if err == nil {
		t.Fatal("write over quota accepted")
	}
	if !domain.IsQuotaExceeded(err) {
		t.Fatalf("err = %v, want the quota sentinel", err)
	}

	// Overwrites account for the replaced bytes.
	if err := s.Set(ctx, "a", []byte("1234567890")); err != nil {
		t.Fatalf("in-place overwrite within quota rejected: %v", err)
	}
	if got := s.StoredBytes(); got != 10 {
		t.Fatalf("StoredBytes = %d, want 10", got)
	}

	if err := s.Remove(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if got := s.StoredBytes(); got != 0 {
		t.Fatalf("StoredBytes after remove = %d, want 0", got)
	}
}
