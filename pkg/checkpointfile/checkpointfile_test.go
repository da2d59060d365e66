package checkpointfile

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func writeSample(t *testing.T, n int, blockSize int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chk_1.dat")
	w, err := NewWriter(path, blockSize)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%04d", i))
		if _, _, err := w.Add(key, uint64(i), KindUpdated, []byte(fmt.Sprintf("value-%d", i))); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return path
}

func TestWriterReader_RoundTrip(t *testing.T) {
	path := writeSample(t, 100, 256)

	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	for i := 0; i < 100; i++ {
		key := []byte(fmt.Sprintf("key-%04d", i))
		vsn, kind, value, ok := r.Get(key)
		if !ok {
			t.Fatalf("key %s not found", key)
		}
		if vsn != uint64(i) || kind != KindUpdated {
			t.Errorf("key %s: vsn=%d kind=%v", key, vsn, kind)
		}
		wantValue := fmt.Sprintf("value-%d", i)
		if string(value) != wantValue {
			t.Errorf("key %s: value = %q, want %q", key, value, wantValue)
		}
	}

	if _, _, _, ok := r.Get([]byte("missing")); ok {
		t.Errorf("expected missing key to report ok=false")
	}
}

func TestReader_Iterate(t *testing.T) {
	path := writeSample(t, 20, 128)
	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	count := 0
	var lastKey string
	r.Iterate(func(key []byte, vsn uint64, kind Kind, value []byte) bool {
		if string(key) < lastKey {
			t.Errorf("iterate out of order: %q after %q", key, lastKey)
		}
		lastKey = string(key)
		count++
		return true
	})
	if count != 20 {
		t.Errorf("iterated %d records, want 20", count)
	}
}

func TestReader_DetectsCorruption(t *testing.T) {
	path := writeSample(t, 5, 64)

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	data[len(data)-1] ^= 0xFF
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	if _, err := Open(path); err != ErrCorrupt {
		t.Errorf("Open() err = %v, want ErrCorrupt", err)
	}
}

func TestReader_EmptyFile(t *testing.T) {
	path := writeSample(t, 0, 64)
	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, _, _, ok := r.Get([]byte("anything")); ok {
		t.Errorf("expected empty file to find nothing")
	}
}
