package version

import (
	"runtime/debug"
	"testing"
)

func TestResolve(t *testing.T) {
	t.Parallel()

	build := &debug.BuildInfo{
		Main: debug.Module{Version: "v0.3.1"},
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "0123456789abcdef0123"},
			{Key: "vcs.time", Value: "2026-01-02T03:04:05Z"},
		},
	}
	withBuild := func() (*debug.BuildInfo, bool) { return build, true }
	none := func() (*debug.BuildInfo, bool) { return nil, false }

	tests := []struct {
		name               string
		v, commit, built   string
		read               func() (*debug.BuildInfo, bool)
		wantV, wantC, want string
	}{
		{"ldflags win", "v1.0.0", "abc", "yesterday", withBuild, "v1.0.0", "abc", "yesterday"},
		{"build info fills gaps", "", "", "", withBuild, "v0.3.1", "0123456789abcdef0123", "2026-01-02T03:04:05Z"},
		{"nothing known", "", "", "", none, "dev", "", ""},
	}
	for _, tc := range tests {
		got := resolve(tc.v, tc.commit, tc.built, tc.read)
		if got.Version != tc.wantV || got.Commit != tc.wantC || got.BuildTime != tc.want {
			t.Fatalf("%s: got %+v", tc.name, got)
		}
		if got.GoVersion == "" {
			t.Fatalf("%s: missing go version", tc.name)
		}
	}
}

func TestShortCommit(t *testing.T) {
	t.Parallel()

	if got := shortCommit("0123456789abcdef"); got != "0123456789ab" {
		t.Fatalf("shortCommit = %q", got)
	}
	if got := shortCommit("abc"); got != "abc" {
		t.Fatalf("shortCommit = %q", got)
	}
}
