// internal/browser/options.go
package browser

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/chromedp/chromedp"

	"github.com/xkilldash9x/probe-cli/internal/config"
)

// Viewport is the emulated window size.
type Viewport struct {
	Width  int
	Height int
}

// Options configures a single probe session.
type Options struct {
	Headless          bool
	Viewport          Viewport
	SlowMo            time.Duration
	NavigationTimeout time.Duration
	ActionTimeout     time.Duration
	DisableCache      bool
	ExecPath          string
	Args              []string
	UserDataDir       string
}

// OptionsFromConfig derives session options from the loaded configuration.
func OptionsFromConfig(b config.BrowserConfig, h config.HarnessConfig) Options {
	return Options{
		Headless:          b.Headless,
		Viewport:          Viewport{Width: b.Viewport.Width, Height: b.Viewport.Height},
		SlowMo:            b.SlowMo,
		NavigationTimeout: h.NavigationTimeout,
		ActionTimeout:     h.ActionTimeout,
		DisableCache:      b.DisableCache,
		ExecPath:          b.ExecPath,
		Args:              append([]string(nil), b.Args...),
	}
}

func (o Options) withDefaults() Options {
	if o.Viewport.Width <= 0 {
		o.Viewport.Width = 1280
	}
	if o.Viewport.Height <= 0 {
		o.Viewport.Height = 720
	}
	if o.NavigationTimeout <= 0 {
		o.NavigationTimeout = 30 * time.Second
	}
	if o.ActionTimeout <= 0 {
		o.ActionTimeout = 10 * time.Second
	}
	return o
}

var hostPort = regexp.MustCompile(`^[A-Za-z0-9.\-]+:\d+(/.*)?$`)

// NormalizeTarget turns a scenario target into a navigable URL. Full URLs are
// kept, "localhost:8000" style addresses get an http scheme, and anything
// else is treated as a local file that must exist.
func NormalizeTarget(target string) (string, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return "", errors.New("target is empty")
	}

	if strings.Contains(target, "://") {
		u, err := url.Parse(target)
		if err != nil {
			return "", fmt.Errorf("invalid target url %q: %w", target, err)
		}
		switch u.Scheme {
		case "http", "https", "file":
			return u.String(), nil
		default:
			return "", fmt.Errorf("unsupported target scheme %q", u.Scheme)
		}
	}

	if isAddress(target) {
		return "http://" + target, nil
	}

	abs, err := filepath.Abs(target)
	if err != nil {
		return "", fmt.Errorf("resolving target path %q: %w", target, err)
	}
	if _, err := os.Stat(abs); err != nil {
		return "", fmt.Errorf("target file %q: %w", target, err)
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String(), nil
}

func isAddress(target string) bool {
	return strings.HasPrefix(target, "localhost") || strings.HasPrefix(target, "127.0.0.1") || hostPort.MatchString(target)
}

// IsFileTarget reports whether target would be resolved as a local file path.
func IsFileTarget(target string) bool {
	target = strings.TrimSpace(target)
	return target != "" && !strings.Contains(target, "://") && !isAddress(target)
}

// execAllocatorOptions builds the Chrome command line. The list is spelled
// out instead of starting from chromedp.DefaultExecAllocatorOptions so that
// headless can be switched off for interactive debugging.
func execAllocatorOptions(o Options) []chromedp.ExecAllocatorOption {
	opts := []chromedp.ExecAllocatorOption{
		chromedp.NoSandbox,
		chromedp.DisableGPU,
		chromedp.NoFirstRun,
		chromedp.NoDefaultBrowserCheck,
		chromedp.Flag("enable-automation", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-background-timer-throttling", true),
		chromedp.Flag("disable-renderer-backgrounding", true),
		chromedp.WindowSize(o.Viewport.Width, o.Viewport.Height),
	}
	if o.Headless {
		opts = append(opts, chromedp.Headless)
	}
	if o.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(o.ExecPath))
	}
	if o.UserDataDir != "" {
		opts = append(opts, chromedp.UserDataDir(o.UserDataDir))
	}
	for _, arg := range o.Args {
		key, value, found := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if found {
			opts = append(opts, chromedp.Flag(key, value))
		} else {
			opts = append(opts, chromedp.Flag(key, true))
		}
	}
	return opts
}
