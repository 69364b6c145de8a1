package safeurl

import (
	"errors"
	"testing"
)

func TestCheck(t *testing.T) {
	tests := []struct {
		url   string
		allow bool
	}{
		{"http://example.com/guide.xml", true},
		{"https://example.com/path/epg.xml.gz", true},
		{"HTTP://x", true},
		{"HTTPS://x", true},
		{"  https://x/e.xml  ", true},
		{"file:///etc/passwd", false},
		{"ftp://example.com", false},
		{"", false},
		{"not-a-url", false},
		{"javascript:alert(1)", false},
		{"http:///nohost", false},
	}
	for _, tt := range tests {
		err := Check(tt.url)
		if (err == nil) != tt.allow {
			t.Errorf("Check(%q) = %v, want allowed=%v", tt.url, err, tt.allow)
		}
	}
}

func TestCheck_Errors(t *testing.T) {
	if err := Check(""); !errors.Is(err, ErrEmpty) {
		t.Errorf("empty: %v", err)
	}
	if err := Check("file:///etc/passwd"); !errors.Is(err, ErrUnsupportedScheme) {
		t.Errorf("file: %v", err)
	}
	if err := Check("https://"); !errors.Is(err, ErrMissingHost) {
		t.Errorf("no host: %v", err)
	}
}
