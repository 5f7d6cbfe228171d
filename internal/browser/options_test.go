// internal/browser/options_test.go
package browser

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/probe-cli/internal/config"
)

func TestNormalizeTarget(t *testing.T) {
	dir := t.TempDir()
	page := filepath.Join(dir, "index.html")
	require.NoError(t, os.WriteFile(page, []byte("<html></html>"), 0o644))

	tests := []struct {
		name    string
		target  string
		want    string
		wantErr string
	}{
		{name: "https url", target: "https://example.github.io/fischseite/", want: "https://example.github.io/fischseite/"},
		{name: "localhost with port", target: "localhost:8000/index.html", want: "http://localhost:8000/index.html"},
		{name: "loopback", target: "127.0.0.1:8000", want: "http://127.0.0.1:8000"},
		{name: "host and port", target: "devbox:3000", want: "http://devbox:3000"},
		{name: "local file", target: page, want: "file://" + filepath.ToSlash(page)},
		{name: "empty", target: "  ", wantErr: "target is empty"},
		{name: "missing file", target: filepath.Join(dir, "nope.html"), wantErr: "nope.html"},
		{name: "bad scheme", target: "ftp://example.com", wantErr: "unsupported target scheme"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := NormalizeTarget(tc.target)
			if tc.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestNormalizeTarget_RelativeFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("ok"), 0o644))
	t.Chdir(dir)

	got, err := NormalizeTarget("index.html")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(got, "file:///"), got)
	assert.True(t, strings.HasSuffix(got, "/index.html"), got)
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.NewDefaultConfig()
	cfg.Browser.Args = []string{"--lang=de-DE"}
	cfg.Browser.SlowMo = 100 * time.Millisecond

	opts := OptionsFromConfig(cfg.Browser, cfg.Harness)
	assert.True(t, opts.Headless)
	assert.Equal(t, Viewport{Width: 1280, Height: 720}, opts.Viewport)
	assert.Equal(t, 100*time.Millisecond, opts.SlowMo)
	assert.Equal(t, 30*time.Second, opts.NavigationTimeout)
	assert.Equal(t, []string{"--lang=de-DE"}, opts.Args)

	cfg.Browser.Args[0] = "--mutated"
	assert.Equal(t, "--lang=de-DE", opts.Args[0], "options must own their args")
}

func TestOptionsWithDefaults(t *testing.T) {
	o := Options{}.withDefaults()
	assert.Equal(t, 1280, o.Viewport.Width)
	assert.Equal(t, 720, o.Viewport.Height)
	assert.Equal(t, 30*time.Second, o.NavigationTimeout)
	assert.Equal(t, 10*time.Second, o.ActionTimeout)
}

func TestExecAllocatorOptions(t *testing.T) {
	base := len(execAllocatorOptions(Options{}.withDefaults()))

	headless := execAllocatorOptions(Options{Headless: true}.withDefaults())
	assert.Len(t, headless, base+1)

	withArgs := execAllocatorOptions(Options{Args: []string{"--lang=de", "mute-audio"}, ExecPath: "/usr/bin/chromium"}.withDefaults())
	assert.Len(t, withArgs, base+3)
}

func TestIsFileTarget(t *testing.T) {
	assert.True(t, IsFileTarget("./index.html"))
	assert.True(t, IsFileTarget("site/index.html"))
	assert.False(t, IsFileTarget("localhost:8000"))
	assert.False(t, IsFileTarget("https://example.com"))
	assert.False(t, IsFileTarget(""))
}
