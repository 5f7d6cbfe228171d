// internal/browser/session.go
package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Session owns one browser process and one page for the lifetime of a
// scenario run. Operations are strictly sequential.
type Session struct {
	id     string
	target string
	opts   Options
	logger *zap.Logger

	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
	harvester   *Harvester

	mu       sync.Mutex
	isClosed bool
}

// Value is the result of evaluating an expression in the page.
type Value struct {
	// Type is the JavaScript typeof of the result.
	Type      string          `json:"t"`
	Undefined bool            `json:"u"`
	Raw       json.RawMessage `json:"v"`
}

// Decode unmarshals the raw value into out.
func (v Value) Decode(out interface{}) error {
	if v.Undefined || len(v.Raw) == 0 {
		return errors.New("value is undefined")
	}
	return json.Unmarshal(v.Raw, out)
}

// Interface returns the value as a generic Go value (nil when undefined).
func (v Value) Interface() interface{} {
	if v.Undefined || len(v.Raw) == 0 {
		return nil
	}
	var out interface{}
	if err := json.Unmarshal(v.Raw, &out); err != nil {
		return string(v.Raw)
	}
	return out
}

// evalWrapper makes every evaluation return a JSON encoded envelope, so
// undefined results and function values come back as data instead of
// transport errors. The value is copied first: cycles become "[Circular]",
// nesting below maxSnapshotDepth is elided and bigints become strings, so
// manager singletons that reference themselves still serialize.
const evalWrapper = `(async () => {
  const __v = await (%s);
  const __t = typeof __v;
  const __snap = (x, depth, seen) => {
    switch (typeof x) {
      case "undefined": case "function": case "symbol": return null;
      case "bigint": return x.toString();
      case "number": return Number.isFinite(x) ? x : null;
      case "object": break;
      default: return x;
    }
    if (x === null) return null;
    if (x instanceof Date) return x.toISOString();
    if (seen.has(x)) return "[Circular]";
    if (depth <= 0) return Array.isArray(x) ? "[Array]" : "[Object]";
    seen.add(x);
    let out;
    if (Array.isArray(x)) {
      out = x.map((e) => __snap(e, depth - 1, seen));
    } else {
      out = {};
      for (const k of Object.keys(x)) {
        try { out[k] = __snap(x[k], depth - 1, seen); } catch (e) { out[k] = null; }
      }
    }
    seen.delete(x);
    return out;
  };
  return JSON.stringify({ t: __t, u: __v === undefined, v: __snap(__v, %d, new Set()) });
})()`

// maxSnapshotDepth bounds how deep evaluated objects are copied.
const maxSnapshotDepth = 8

// Open launches a browser, prepares the page and navigates to target. The
// returned session must be closed by the caller; on error nothing is leaked.
func Open(ctx context.Context, target string, opts Options, logger *zap.Logger) (*Session, error) {
	opts = opts.withDefaults()

	url, err := NormalizeTarget(target)
	if err != nil {
		return nil, &NavigationError{Target: target, Err: err}
	}

	id := uuid.New().String()
	logger = logger.Named("browser").With(zap.String("session_id", id), zap.String("target", url))

	// The browser outlives individual operation deadlines; Close tears it down.
	allocCtx, allocCancel := chromedp.NewExecAllocator(Detach(ctx), execAllocatorOptions(opts)...)
	sugar := logger.Sugar()
	tabCtx, cancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(sugar.Debugf),
		chromedp.WithDebugf(func(string, ...interface{}) {}),
		chromedp.WithErrorf(sugar.Debugf),
	)

	s := &Session{
		id:          id,
		target:      url,
		opts:        opts,
		logger:      logger,
		ctx:         tabCtx,
		cancel:      cancel,
		allocCancel: allocCancel,
	}

	// 1. Start the process and attach to the first tab. The first Run must use
	// the tab context itself, otherwise the browser dies with the operation.
	if err := s.launch(ctx, opts.NavigationTimeout); err != nil {
		s.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &LaunchError{Err: err}
	}

	// 2. Listen before navigating so the document request counts as traffic.
	s.harvester = NewHarvester(tabCtx, logger)
	if err := s.harvester.Start(); err != nil {
		s.Close()
		return nil, &LaunchError{Err: fmt.Errorf("enabling CDP domains: %w", err)}
	}

	// 3. Page setup.
	setup := chromedp.Tasks{
		emulation.SetDeviceMetricsOverride(int64(opts.Viewport.Width), int64(opts.Viewport.Height), 1, false),
	}
	if opts.DisableCache {
		setup = append(setup,
			network.SetCacheDisabled(true),
			network.SetExtraHTTPHeaders(network.Headers{"Cache-Control": "no-cache", "Pragma": "no-cache"}),
		)
	}
	if err := s.run(ctx, opts.ActionTimeout, setup); err != nil {
		s.Close()
		return nil, &LaunchError{Err: fmt.Errorf("configuring page: %w", err)}
	}

	// 4. Navigate.
	logger.Debug("Navigating.", zap.Duration("timeout", opts.NavigationTimeout))
	if err := s.run(ctx, opts.NavigationTimeout, chromedp.Navigate(url)); err != nil {
		s.Close()
		return nil, &NavigationError{Target: url, Err: err}
	}

	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// URL returns the normalized navigation target.
func (s *Session) URL() string { return s.target }

// Close shuts the browser down. It is idempotent and never blocks on a dead
// browser for more than a few seconds.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.isClosed {
		s.mu.Unlock()
		return nil
	}
	s.isClosed = true
	s.mu.Unlock()

	if s.harvester != nil {
		s.harvester.Stop()
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- chromedp.Cancel(s.ctx) }()

	var err error
	select {
	case err = <-done:
	case <-closeCtx.Done():
		err = closeCtx.Err()
	}
	s.cancel()
	s.allocCancel()

	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Debug("Browser did not shut down cleanly.", zap.Error(err))
		return err
	}
	s.logger.Debug("Session closed.")
	return nil
}

func (s *Session) launch(ctx context.Context, timeout time.Duration) error {
	done := make(chan error, 1)
	go func() { done <- chromedp.Run(s.ctx) }()

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case err := <-done:
		return err
	case <-t.C:
		return fmt.Errorf("browser did not start within %s", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run executes actions on the tab, bounded by both the caller's context and timeout.
func (s *Session) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	opCtx, cancelOp := context.WithTimeout(ctx, timeout)
	defer cancelOp()

	runCtx, cancel := CombineContext(s.ctx, opCtx)
	defer cancel()

	err := chromedp.Run(runCtx, actions...)
	if err != nil && opCtx.Err() != nil && ctx.Err() == nil {
		return fmt.Errorf("timed out after %s: %w", timeout, err)
	}
	return err
}

func (s *Session) slowMo(ctx context.Context) {
	if s.opts.SlowMo <= 0 {
		return
	}
	t := time.NewTimer(s.opts.SlowMo)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Evaluate runs a JavaScript expression in the page and awaits promises.
// A thrown exception is returned as an *ExtractionError.
func (s *Session) Evaluate(ctx context.Context, expr string) (Value, error) {
	var envelope string
	script := fmt.Sprintf(evalWrapper, expr, maxSnapshotDepth)
	err := s.run(ctx, s.opts.ActionTimeout, chromedp.Evaluate(script, &envelope, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
		return p.WithAwaitPromise(true)
	}))
	if err != nil {
		return Value{}, &ExtractionError{Expr: expr, Err: err}
	}
	return decodeEnvelope(expr, envelope)
}

func decodeEnvelope(expr, envelope string) (Value, error) {
	var v Value
	if err := json.Unmarshal([]byte(envelope), &v); err != nil {
		return Value{}, &ExtractionError{Expr: expr, Err: fmt.Errorf("decoding result: %w", err)}
	}
	return v, nil
}

// Click performs a real mouse click on the first element matching selector.
func (s *Session) Click(ctx context.Context, selector string) error {
	if err := s.run(ctx, s.opts.ActionTimeout, chromedp.Click(selector, chromedp.ByQuery, chromedp.NodeVisible)); err != nil {
		return fmt.Errorf("click %q: %w", selector, err)
	}
	s.slowMo(ctx)
	return nil
}

// Fill replaces the value of an input.
func (s *Session) Fill(ctx context.Context, selector, value string) error {
	err := s.run(ctx, s.opts.ActionTimeout,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.SetValue(selector, "", chromedp.ByQuery),
		chromedp.SendKeys(selector, value, chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("fill %q: %w", selector, err)
	}
	s.slowMo(ctx)
	return nil
}

// LongPress holds the left mouse button on the element's center.
func (s *Session) LongPress(ctx context.Context, selector string, hold time.Duration) error {
	point, err := s.Evaluate(ctx, fmt.Sprintf(centerScript, jsString(selector)))
	if err != nil {
		return fmt.Errorf("long press %q: %w", selector, err)
	}
	var c struct{ X, Y float64 }
	if err := point.Decode(&c); err != nil {
		return fmt.Errorf("long press %q: element not found", selector)
	}

	press := chromedp.ActionFunc(func(ctx context.Context) error {
		if err := input.DispatchMouseEvent(input.MouseMoved, c.X, c.Y).Do(ctx); err != nil {
			return err
		}
		if err := input.DispatchMouseEvent(input.MousePressed, c.X, c.Y).WithButton(input.Left).WithClickCount(1).Do(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(hold):
		}
		return input.DispatchMouseEvent(input.MouseReleased, c.X, c.Y).WithButton(input.Left).WithClickCount(1).Do(ctx)
	})
	if err := s.run(ctx, s.opts.ActionTimeout+hold, press); err != nil {
		return fmt.Errorf("long press %q: %w", selector, err)
	}
	s.slowMo(ctx)
	return nil
}

// SetViewport resizes the emulated viewport.
func (s *Session) SetViewport(ctx context.Context, width, height int) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("invalid viewport %dx%d", width, height)
	}
	err := s.run(ctx, s.opts.ActionTimeout, emulation.SetDeviceMetricsOverride(int64(width), int64(height), 1, false))
	if err != nil {
		return fmt.Errorf("resize to %dx%d: %w", width, height, err)
	}
	s.opts.Viewport = Viewport{Width: width, Height: height}
	return nil
}

// Screenshot writes a PNG of the viewport to path.
func (s *Session) Screenshot(ctx context.Context, path string) error {
	var buf []byte
	if err := s.run(ctx, s.opts.ActionTimeout, chromedp.CaptureScreenshot(&buf)); err != nil {
		return fmt.Errorf("capture screenshot: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create screenshot dir: %w", err)
	}
	return os.WriteFile(path, buf, 0o644)
}

// WaitNetworkIdle waits until the page has been network quiet for quietPeriod.
func (s *Session) WaitNetworkIdle(ctx context.Context, quietPeriod time.Duration) error {
	return s.harvester.WaitNetworkIdle(ctx, quietPeriod)
}

// Console returns console output collected since navigation.
func (s *Session) Console() []ConsoleEntry {
	if s.harvester == nil {
		return nil
	}
	return s.harvester.Console()
}

const centerScript = `(() => {
  const el = document.querySelector(%s);
  if (!el) return undefined;
  const r = el.getBoundingClientRect();
  return { x: r.left + r.width / 2, y: r.top + r.height / 2 };
})()`

func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
