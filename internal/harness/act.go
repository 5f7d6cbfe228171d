// internal/harness/act.go
package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Action is one interaction with the page. Exactly one kind is set; Repeat
// applies it several times in a row.
type Action struct {
	Click      string         `yaml:"click,omitempty"`
	Fill       *FillSpec      `yaml:"fill,omitempty"`
	Resize     *ViewportSpec  `yaml:"resize,omitempty"`
	Call       *CallSpec      `yaml:"call,omitempty"`
	LongPress  *LongPressSpec `yaml:"long_press,omitempty"`
	Screenshot string         `yaml:"screenshot,omitempty"`
	Pause      *PauseSpec     `yaml:"pause,omitempty"`
	Repeat     int            `yaml:"repeat,omitempty"`
}

// FillSpec types a value into an input.
type FillSpec struct {
	Selector string `yaml:"selector"`
	Value    string `yaml:"value"`
}

// ViewportSpec is a width and height in CSS pixels.
type ViewportSpec struct {
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
}

// CallSpec invokes a page-level function such as a reset or spawn helper.
type CallSpec struct {
	Function string        `yaml:"function"`
	Args     []interface{} `yaml:"args,omitempty"`
}

// LongPressSpec holds the mouse down on an element.
type LongPressSpec struct {
	Selector string        `yaml:"selector"`
	Hold     time.Duration `yaml:"hold"`
}

// PauseSpec holds the page open for a human to look at. It ends on Enter or
// after Max, whichever comes first.
type PauseSpec struct {
	Max    time.Duration `yaml:"max"`
	Reason string        `yaml:"reason,omitempty"`
}

func (a Action) kinds() []string {
	var k []string
	if a.Click != "" {
		k = append(k, "click")
	}
	if a.Fill != nil {
		k = append(k, "fill")
	}
	if a.Resize != nil {
		k = append(k, "resize")
	}
	if a.Call != nil {
		k = append(k, "call")
	}
	if a.LongPress != nil {
		k = append(k, "long_press")
	}
	if a.Screenshot != "" {
		k = append(k, "screenshot")
	}
	if a.Pause != nil {
		k = append(k, "pause")
	}
	return k
}

// Kind names the action's single populated field.
func (a Action) Kind() string {
	if k := a.kinds(); len(k) == 1 {
		return k[0]
	}
	return ""
}

// Describe is a short label used in report rows.
func (a Action) Describe() string {
	switch a.Kind() {
	case "click":
		return "click " + a.Click
	case "fill":
		return "fill " + a.Fill.Selector
	case "resize":
		return fmt.Sprintf("resize %dx%d", a.Resize.Width, a.Resize.Height)
	case "call":
		return "call " + a.Call.Function
	case "long_press":
		return "long_press " + a.LongPress.Selector
	case "screenshot":
		return "screenshot " + a.Screenshot
	case "pause":
		return "pause"
	}
	return "invalid action"
}

func (a Action) validate() error {
	k := a.kinds()
	switch {
	case len(k) == 0:
		return errors.New("action has no kind")
	case len(k) > 1:
		return fmt.Errorf("action sets more than one kind: %s", strings.Join(k, ", "))
	}
	switch {
	case a.Repeat < 0:
		return errors.New("repeat must not be negative")
	case a.Fill != nil && a.Fill.Selector == "":
		return errors.New("fill requires selector")
	case a.Resize != nil && (a.Resize.Width <= 0 || a.Resize.Height <= 0):
		return errors.New("resize requires positive width and height")
	case a.Call != nil && !functionPath.MatchString(a.Call.Function):
		return fmt.Errorf("call function %q must be a dotted identifier path", a.Call.Function)
	case a.LongPress != nil && (a.LongPress.Selector == "" || a.LongPress.Hold <= 0):
		return errors.New("long_press requires selector and a positive hold")
	case a.Pause != nil && a.Pause.Max <= 0:
		return errors.New("pause requires a positive max")
	}
	return nil
}

var (
	functionPath = regexp.MustCompile(`^[A-Za-z_$][\w$]*(\.[A-Za-z_$][\w$]*)*$`)
	unsafeName   = regexp.MustCompile(`[^A-Za-z0-9._-]+`)
)

// ActEnv carries what actions need beyond the page.
type ActEnv struct {
	Scenario      string
	ScreenshotDir string
	MaxPause      time.Duration
	Headless      bool
	Input         *LineReader
	Prompt        io.Writer
	Logger        *zap.Logger
}

// Act performs the action against the page. It returns the paths of any
// artifacts written.
func Act(ctx context.Context, page Page, action Action, env ActEnv) ([]string, error) {
	if err := action.validate(); err != nil {
		return nil, err
	}
	times := action.Repeat
	if times == 0 {
		times = 1
	}

	var artifacts []string
	for i := 0; i < times; i++ {
		path, err := actOnce(ctx, page, action, env, i)
		if path != "" {
			artifacts = append(artifacts, path)
		}
		if err != nil {
			if times > 1 {
				return artifacts, fmt.Errorf("repetition %d/%d: %w", i+1, times, err)
			}
			return artifacts, err
		}
	}
	return artifacts, nil
}

func actOnce(ctx context.Context, page Page, a Action, env ActEnv, i int) (string, error) {
	switch a.Kind() {
	case "click":
		return "", page.Click(ctx, a.Click)
	case "fill":
		return "", page.Fill(ctx, a.Fill.Selector, a.Fill.Value)
	case "resize":
		return "", page.SetViewport(ctx, a.Resize.Width, a.Resize.Height)
	case "long_press":
		return "", page.LongPress(ctx, a.LongPress.Selector, a.LongPress.Hold)
	case "call":
		expr, err := callExpression(*a.Call)
		if err != nil {
			return "", err
		}
		_, err = page.Evaluate(ctx, expr)
		return "", err
	case "screenshot":
		name := a.Screenshot
		if i > 0 {
			name = fmt.Sprintf("%s-%d", name, i+1)
		}
		path := ScreenshotPath(env.ScreenshotDir, env.Scenario, name)
		if err := page.Screenshot(ctx, path); err != nil {
			return "", err
		}
		return path, nil
	case "pause":
		return "", pause(ctx, *a.Pause, env)
	}
	return "", errors.New("invalid action")
}

// ScreenshotPath builds a filesystem safe artifact path.
func ScreenshotPath(dir, scenario, name string) string {
	file := unsafeName.ReplaceAllString(scenario+"-"+name, "_")
	return filepath.Join(dir, strings.Trim(file, "_")+".png")
}

const callScript = `(() => {
  const o = %s;
  const f = o == null ? undefined : o[%s];
  if (typeof f !== "function") throw new TypeError(%s + " is not a function");
  return f.apply(o, %s);
})()`

func callExpression(c CallSpec) (string, error) {
	if !functionPath.MatchString(c.Function) {
		return "", fmt.Errorf("invalid function path %q", c.Function)
	}
	owner, method := "window", c.Function
	if i := strings.LastIndex(c.Function, "."); i >= 0 {
		owner, method = c.Function[:i], c.Function[i+1:]
	}
	args := c.Args
	if args == nil {
		args = []interface{}{}
	}
	encoded, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("encoding call args: %w", err)
	}
	return fmt.Sprintf(callScript, owner, jsString(method), jsString(c.Function), encoded), nil
}

func pause(ctx context.Context, spec PauseSpec, env ActEnv) error {
	limit := spec.Max
	if env.MaxPause > 0 && limit > env.MaxPause {
		limit = env.MaxPause
	}
	logger := env.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if env.Headless {
		logger.Info("Skipping pause in headless mode.", zap.String("reason", spec.Reason))
		return nil
	}

	if env.Prompt != nil {
		msg := "Paused"
		if spec.Reason != "" {
			msg += ": " + spec.Reason
		}
		fmt.Fprintf(env.Prompt, "%s (press Enter to continue, resuming in %s)\n", msg, limit)
	}

	var lines <-chan string
	if env.Input != nil {
		lines = env.Input.Lines()
	}

	t := time.NewTimer(limit)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-lines:
			if ok {
				return nil
			}
			// End of input: only the timer can resume.
			lines = nil
		case <-t.C:
			return nil
		}
	}
}
