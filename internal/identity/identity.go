// Package identity maps remote record ids to the composite identity stored on
// local records and back.
//
// An identity is "{hostLabel}_{remoteID}" where hostLabel is the label right
// before the top-level domain of the configured remote site. Changing the
// configured site therefore changes every future identity and orphans records
// synced under the old one.
//
// Decoding splits on the last "_". Host labels never contain "_" in practice,
// but a label that did would still decode correctly; a remote id containing
// "_" would not. The format is kept as-is because existing synced data depends
// on it.
package identity

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"example.com/pressync/internal/content"
)

const separator = "_"

// HostLabel returns the second-level label of siteURL's host
// ("https://news.example.com" -> "example").
func HostLabel(siteURL string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(siteURL))
	if err != nil {
		return "", fmt.Errorf("parse site url %q: %v: %w", siteURL, err, content.ErrConfig)
	}
	host := strings.ToLower(parsed.Hostname())
	if host == "" {
		return "", fmt.Errorf("site url %q has no host: %w", siteURL, content.ErrConfig)
	}
	host = strings.TrimPrefix(host, "www.")

	parts := strings.Split(host, ".")
	if len(parts) == 1 {
		return parts[0], nil
	}
	return parts[len(parts)-2], nil
}

// Encode builds the composite identity of remoteID for the given site.
func Encode(siteURL string, remoteID int64) (string, error) {
	label, err := HostLabel(siteURL)
	if err != nil {
		return "", err
	}
	return label + separator + strconv.FormatInt(remoteID, 10), nil
}

// Decode extracts the remote id from a composite identity.
func Decode(identity string) (int64, error) {
	idx := strings.LastIndex(identity, separator)
	raw := identity[idx+1:]
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("decode identity %q: %w", identity, err)
	}
	return id, nil
}
