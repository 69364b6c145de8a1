// Package safeurl vets EPG source URLs before anything is fetched from them.
package safeurl

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var (
	ErrEmpty             = errors.New("safeurl: empty url")
	ErrUnsupportedScheme = errors.New("safeurl: scheme must be http or https")
	ErrMissingHost       = errors.New("safeurl: missing host")
)

// Check accepts only absolute http(s) URLs with a host. file://, ftp:// and
// friends are rejected so a configured source cannot read local files.
func Check(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ErrEmpty
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("safeurl: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
	if u.Host == "" {
		return ErrMissingHost
	}
	return nil
}
