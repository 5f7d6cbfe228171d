// internal/harness/scenario.go
package harness

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/xkilldash9x/probe-cli/internal/browser"
)

// Scenario is a declarative probe: where to go, when the page counts as
// settled, what to read and do, and what must hold afterwards.
type Scenario struct {
	Name        string        `yaml:"name"`
	Description string        `yaml:"description,omitempty"`
	Target      string        `yaml:"target"`
	Options     RunOptions    `yaml:"options,omitempty"`
	Wait        *WaitSpec     `yaml:"wait,omitempty"`
	Steps       []Step        `yaml:"steps,omitempty"`
	Expect      []Expectation `yaml:"expect"`

	// Path is the file the scenario was loaded from, if any.
	Path string `yaml:"-"`
}

// RunOptions override browser settings for one scenario.
type RunOptions struct {
	Headless  *bool         `yaml:"headless,omitempty"`
	Viewport  *ViewportSpec `yaml:"viewport,omitempty"`
	SlowMoMs  int           `yaml:"slow_mo_ms,omitempty"`
	TimeoutMs int           `yaml:"timeout_ms,omitempty"`
}

// Timeout returns the scenario's own run deadline, or zero.
func (o RunOptions) Timeout() time.Duration {
	return time.Duration(o.TimeoutMs) * time.Millisecond
}

// Apply overlays the scenario options onto base session options.
func (o RunOptions) Apply(base browser.Options) browser.Options {
	if o.Headless != nil {
		base.Headless = *o.Headless
	}
	if o.Viewport != nil {
		base.Viewport = browser.Viewport{Width: o.Viewport.Width, Height: o.Viewport.Height}
	}
	if o.SlowMoMs > 0 {
		base.SlowMo = time.Duration(o.SlowMoMs) * time.Millisecond
	}
	return base
}

// Step is one phase after loading. Exactly one of Observe, Act or Wait is set.
type Step struct {
	Name    string               `yaml:"name,omitempty"`
	Observe map[string]Extractor `yaml:"observe,omitempty"`
	Act     *Action              `yaml:"act,omitempty"`
	Wait    *WaitSpec            `yaml:"wait,omitempty"`
}

// Label names the step for report rows.
func (s Step) Label(i int) string {
	if s.Name != "" {
		return s.Name
	}
	switch {
	case s.Act != nil:
		return fmt.Sprintf("step %d: %s", i+1, s.Act.Describe())
	case s.Wait != nil:
		return fmt.Sprintf("step %d: wait %s", i+1, s.Wait.Strategy)
	}
	return fmt.Sprintf("step %d: observe", i+1)
}

// LoadScenario reads and validates a scenario file. A relative file target
// is resolved against the scenario's directory.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading scenario: %w", err)
	}

	sc, err := ParseScenario(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	sc.Path = path

	if browser.IsFileTarget(sc.Target) && !filepath.IsAbs(sc.Target) {
		sc.Target = filepath.Join(filepath.Dir(path), sc.Target)
	}
	return sc, nil
}

// ParseScenario decodes a scenario strictly; unknown fields are errors.
// Target may be empty here since callers can supply one on the command line.
func ParseScenario(r io.Reader) (*Scenario, error) {
	var sc Scenario
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(&sc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("scenario is empty")
		}
		return nil, fmt.Errorf("parsing scenario: %w", err)
	}
	if err := sc.Validate(false); err != nil {
		return nil, err
	}
	return &sc, nil
}

// Validate checks structure. With requireTarget the scenario must be runnable as is.
func (sc *Scenario) Validate(requireTarget bool) error {
	if strings.TrimSpace(sc.Name) == "" {
		return errors.New("name is required")
	}
	if requireTarget && strings.TrimSpace(sc.Target) == "" {
		return errors.New("target is required")
	}
	if sc.Options.TimeoutMs < 0 || sc.Options.SlowMoMs < 0 {
		return errors.New("options: timeout_ms and slow_mo_ms must not be negative")
	}
	if v := sc.Options.Viewport; v != nil && (v.Width <= 0 || v.Height <= 0) {
		return errors.New("options: viewport width and height must be positive")
	}
	if sc.Wait != nil {
		if err := sc.Wait.validate(); err != nil {
			return fmt.Errorf("wait: %w", err)
		}
	}

	observed := map[string]bool{}
	for i, step := range sc.Steps {
		set := 0
		if len(step.Observe) > 0 {
			set++
		}
		if step.Act != nil {
			set++
		}
		if step.Wait != nil {
			set++
		}
		if set != 1 {
			return fmt.Errorf("steps[%d]: exactly one of observe, act or wait is required", i)
		}
		for name, ex := range step.Observe {
			if err := ex.validate(); err != nil {
				return fmt.Errorf("steps[%d].observe.%s: %w", i, name, err)
			}
			observed[name] = true
		}
		if step.Act != nil {
			if err := step.Act.validate(); err != nil {
				return fmt.Errorf("steps[%d].act: %w", i, err)
			}
		}
		if step.Wait != nil {
			if err := step.Wait.validate(); err != nil {
				return fmt.Errorf("steps[%d].wait: %w", i, err)
			}
		}
	}

	if len(sc.Expect) == 0 {
		return errors.New("expect: at least one expectation is required")
	}
	for i, exp := range sc.Expect {
		if exp.Fact == "" {
			return fmt.Errorf("expect[%d]: fact is required", i)
		}
		if exp.Check.Op == "" {
			return fmt.Errorf("expect[%d]: check is required", i)
		}
		if !observed[exp.Fact] {
			return fmt.Errorf("expect[%d]: fact %q is never observed", i, exp.Fact)
		}
		if exp.Check.Fact != "" && !observed[exp.Check.Fact] {
			return fmt.Errorf("expect[%d]: reference fact %q is never observed", i, exp.Check.Fact)
		}
	}
	return nil
}
