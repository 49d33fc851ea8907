package blob

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

// stores returns one of each Store implementation so the shared contract
// tests run against both.
func stores(t *testing.T) map[string]Store {
	t.Helper()

	fsStore, err := NewFSStore(filepath.Join(t.TempDir(), "blobs"))
	if err != nil {
		t.Fatalf("NewFSStore: %v", err)
	}

	return map[string]Store{
		"fs":     fsStore,
		"memory": NewMemoryStore(),
	}
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()

	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			key, err := store.Put(ctx, "exports/user-1/book.zip", []byte("archive"))
			if err != nil {
				t.Fatalf("Put: %v", err)
			}
			if key != "exports/user-1/book.zip" {
				t.Errorf("unexpected canonical key: %s", key)
			}

			data, err := store.Get(ctx, key)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if string(data) != "archive" {
				t.Errorf("unexpected data: %q", data)
			}
		})
	}
}

func TestStoreGetMissing(t *testing.T) {
	ctx := context.Background()

	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.Get(ctx, "does/not/exist.png")
			if !errors.Is(err, ErrNotFound) {
				t.Errorf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestStoreListSorted(t *testing.T) {
	ctx := context.Background()

	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			// Insert out of order; zero-padded keys must list in page order.
			for _, key := range []string{
				"staging/exports/j1/page-0002-bbbbbb.png",
				"staging/exports/j1/page-0000-aaaaaa.png",
				"staging/exports/j1/page-0001-cccccc.png",
				"staging/exports/j2/page-0000-dddddd.png",
			} {
				if _, err := store.Put(ctx, key, []byte("x")); err != nil {
					t.Fatalf("Put %s: %v", key, err)
				}
			}

			keys, err := store.List(ctx, "staging/exports/j1/")
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			want := []string{
				"staging/exports/j1/page-0000-aaaaaa.png",
				"staging/exports/j1/page-0001-cccccc.png",
				"staging/exports/j1/page-0002-bbbbbb.png",
			}
			if len(keys) != len(want) {
				t.Fatalf("expected %d keys, got %d: %v", len(want), len(keys), keys)
			}
			for i := range want {
				if keys[i] != want[i] {
					t.Errorf("keys[%d] = %s, want %s", i, keys[i], want[i])
				}
			}
		})
	}
}

func TestStoreDelete(t *testing.T) {
	ctx := context.Background()

	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			key, err := store.Put(ctx, "staging/tmp.png", []byte("x"))
			if err != nil {
				t.Fatalf("Put: %v", err)
			}
			if err := store.Delete(ctx, key); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if _, err := store.Get(ctx, key); !errors.Is(err, ErrNotFound) {
				t.Errorf("expected ErrNotFound after delete, got %v", err)
			}

			// Deleting again is a no-op.
			if err := store.Delete(ctx, key); err != nil {
				t.Errorf("second Delete: %v", err)
			}
		})
	}
}

func TestSanitizeKey(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"exports/a.zip", "exports/a.zip", false},
		{"/exports/a.zip", "exports/a.zip", false},
		{"exports//a.zip", "exports/a.zip", false},
		{"exports/./a.zip", "exports/a.zip", false},
		{"../escape.zip", "", true},
		{"a/../../escape.zip", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		got, err := sanitizeKey(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("sanitizeKey(%q) expected error, got %q", tt.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("sanitizeKey(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("sanitizeKey(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFSStoreRejectsTraversal(t *testing.T) {
	store, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSStore: %v", err)
	}

	if _, err := store.Put(context.Background(), "../../etc/passwd", []byte("x")); err == nil {
		t.Error("expected traversal key to be rejected")
	}
}
