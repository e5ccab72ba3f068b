// Copyright 2025 zkroll
package kvdb

import "testing"

func TestOpenMemGetSet(t *testing.T) {
	kv, err := OpenMem("test")
	if err != nil {
		t.Fatalf("OpenMem: %v", err)
	}
	defer kv.Close()

	has, err := kv.Has([]byte("k"))
	if err != nil {
		t.Fatalf("Has: %v", err)
	}
	if has {
		t.Fatal("expected key to be absent before Set")
	}

	if err := kv.Set([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	raw, err := kv.Get([]byte("k"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(raw) != "v" {
		t.Errorf("Get() = %q, want %q", raw, "v")
	}

	if err := kv.Delete([]byte("k")); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	raw, err = kv.Get([]byte("k"))
	if err != nil {
		t.Fatalf("Get after delete: %v", err)
	}
	if raw != nil {
		t.Errorf("Get() after delete = %q, want nil", raw)
	}
}

func TestBatchWriteSync(t *testing.T) {
	kv, err := OpenMem("test-batch")
	if err != nil {
		t.Fatalf("OpenMem: %v", err)
	}
	defer kv.Close()

	b := kv.NewBatch()
	defer b.Close()
	if err := b.Set([]byte("a"), []byte("1")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := b.Set([]byte("b"), []byte("2")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := b.WriteSync(); err != nil {
		t.Fatalf("WriteSync: %v", err)
	}

	for k, want := range map[string]string{"a": "1", "b": "2"} {
		raw, err := kv.Get([]byte(k))
		if err != nil {
			t.Fatalf("Get(%q): %v", k, err)
		}
		if string(raw) != want {
			t.Errorf("Get(%q) = %q, want %q", k, raw, want)
		}
	}
}

func TestIterator(t *testing.T) {
	kv, err := OpenMem("test-iter")
	if err != nil {
		t.Fatalf("OpenMem: %v", err)
	}
	defer kv.Close()

	for _, k := range []string{"a", "b", "c"} {
		if err := kv.Set([]byte(k), []byte(k)); err != nil {
			t.Fatalf("Set(%q): %v", k, err)
		}
	}

	it, err := kv.Iterator(nil, nil)
	if err != nil {
		t.Fatalf("Iterator: %v", err)
	}
	defer it.Close()

	var seen []string
	for ; it.Valid(); it.Next() {
		seen = append(seen, string(it.Key()))
	}
	if len(seen) != 3 {
		t.Errorf("iterated %d keys, want 3: %v", len(seen), seen)
	}
}
