package endpoints

import "testing"

func TestContentTypeForKey(t *testing.T) {
	tests := map[string]string{
		"exports/alice/book-20240101-000000.zip": "application/zip",
		"exports/alice/book-20240101-000000.pdf": "application/pdf",
		"books/b1/pages/page-0001-abc.png":       "image/png",
		"books/b1/pages/page-0001-abc.jpg":       "image/jpeg",
		"books/b1/pages/page-0001-abc.jpeg":      "image/jpeg",
		"some/opaque/key":                        "application/octet-stream",
	}
	for key, want := range tests {
		if got := contentTypeForKey(key); got != want {
			t.Errorf("contentTypeForKey(%q) = %q, want %q", key, got, want)
		}
	}
}
