package models

import "testing"

func TestEtagRoundTrip(t *testing.T) {
	etag := EtagFromVersion(3)
	if etag != "\"3\"" {
		t.Fatalf("unexpected etag %q", etag)
	}
	version, err := VersionFromEtag(etag)
	if err != nil {
		t.Fatalf("failed to parse etag: %v", err)
	}
	if version != 3 {
		t.Fatalf("expected version 3, got %d", version)
	}
}

func TestVersionFromEtagRejectsBadInput(t *testing.T) {
	for _, etag := range []string{"", "3", "\"abc\"", "\"\""} {
		if _, err := VersionFromEtag(etag); err == nil {
			t.Fatalf("expected error for etag %q", etag)
		}
	}
}
