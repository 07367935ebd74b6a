package models

import (
	"fmt"
	"strconv"
	"strings"
)

// EtagFromVersion renders a row version as an HTTP-style quoted etag.
func EtagFromVersion(version int) string {
	return fmt.Sprintf("\"%d\"", version)
}

// VersionFromEtag parses an etag produced by EtagFromVersion.
func VersionFromEtag(etag string) (int, error) {
	trimmed := strings.TrimPrefix(strings.TrimSuffix(etag, "\""), "\"")
	if trimmed == etag {
		return 0, fmt.Errorf("invalid etag format: %s", etag)
	}
	version, err := strconv.Atoi(trimmed)
	if err != nil {
		return 0, fmt.Errorf("invalid etag format: %s", etag)
	}
	return version, nil
}
