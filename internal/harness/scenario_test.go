// internal/harness/scenario_test.go
package harness

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/probe-cli/internal/browser"
)

const fishScenario = `
name: fish-click-spawns
description: clicking a fish spawns another one
target: ./index.html
options:
  headless: true
  viewport: {width: 1280, height: 720}
  timeout_ms: 30000
wait: {strategy: poll, expr: "window.fishSystemReady === true", attempts: 5, interval: 1s}
steps:
  - observe:
      fish_before: {count: ".simple-fish"}
      manager: {global: "window.fishManager"}
  - act: {click: ".simple-fish"}
  - wait: {strategy: poll, expr: "document.querySelectorAll('.simple-fish').length > 1"}
  - observe:
      fish_after: {count: ".simple-fish"}
expect:
  - {fact: fish_before, check: ">0"}
  - {fact: fish_after, check: {gt_fact: fish_before}}
  - {name: manager ready, fact: manager, check: {truthy: true}}
`

func TestParseScenario(t *testing.T) {
	sc, err := ParseScenario(strings.NewReader(fishScenario))
	require.NoError(t, err)

	assert.Equal(t, "fish-click-spawns", sc.Name)
	assert.Equal(t, "./index.html", sc.Target)
	require.NotNil(t, sc.Wait)
	assert.Equal(t, WaitPoll, sc.Wait.Strategy)
	assert.Equal(t, time.Second, sc.Wait.Interval)
	assert.Equal(t, 30*time.Second, sc.Options.Timeout())
	require.Len(t, sc.Steps, 4)
	assert.Equal(t, ".simple-fish", sc.Steps[1].Act.Click)
	assert.Equal(t, "step 2: click .simple-fish", sc.Steps[1].Label(1))
	require.Len(t, sc.Expect, 3)
	assert.Equal(t, Check{Op: OpGT, Fact: "fish_before"}, sc.Expect[1].Check)

	opts := sc.Options.Apply(browser.Options{Headless: false, Viewport: browser.Viewport{Width: 1, Height: 1}})
	assert.True(t, opts.Headless)
	assert.Equal(t, browser.Viewport{Width: 1280, Height: 720}, opts.Viewport)
}

func TestParseScenario_Invalid(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{"empty", ``, "scenario is empty"},
		{"unknown field", "name: x\ntarget: a\nretries: 3\nexpect: [{fact: a, check: 1}]", "retries"},
		{"missing name", "target: a\nexpect: [{fact: a, check: 1}]", "name is required"},
		{"no expectations", "name: x\nsteps: [{observe: {a: {title: true}}}]", "at least one expectation"},
		{"step with two kinds", "name: x\nsteps: [{act: {click: a}, wait: {strategy: network_idle}}]\nexpect: [{fact: a, check: 1}]", "exactly one of observe, act or wait"},
		{"extractor with two kinds", "name: x\nsteps: [{observe: {a: {title: true, url: true}}}]\nexpect: [{fact: a, check: 1}]", "more than one kind"},
		{"unobserved fact", "name: x\nsteps: [{observe: {a: {title: true}}}]\nexpect: [{fact: b, check: 1}]", `fact "b" is never observed`},
		{"unobserved reference", "name: x\nsteps: [{observe: {a: {title: true}}}]\nexpect: [{fact: a, check: {gt_fact: z}}]", `reference fact "z"`},
		{"missing check", "name: x\nsteps: [{observe: {a: {title: true}}}]\nexpect: [{fact: a}]", "check is required"},
		{"bad wait", "name: x\nwait: {strategy: nap}\nsteps: [{observe: {a: {title: true}}}]\nexpect: [{fact: a, check: 1}]", "unknown wait strategy"},
		{"bad action", "name: x\nsteps: [{act: {long_press: {selector: a}}}, {observe: {a: {title: true}}}]\nexpect: [{fact: a, check: 1}]", "positive hold"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseScenario(strings.NewReader(tc.src))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestScenarioValidate_RequireTarget(t *testing.T) {
	sc, err := ParseScenario(strings.NewReader("name: x\nsteps: [{observe: {a: {title: true}}}]\nexpect: [{fact: a, check: {truthy: true}}]"))
	require.NoError(t, err, "target may come from the command line")
	assert.ErrorContains(t, sc.Validate(true), "target is required")
}

func TestLoadScenario(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fish.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fishScenario), 0o644))

	sc, err := LoadScenario(path)
	require.NoError(t, err)
	assert.Equal(t, path, sc.Path)
	assert.Equal(t, filepath.Join(dir, "index.html"), sc.Target, "relative file targets resolve next to the scenario")

	remote := strings.Replace(fishScenario, "./index.html", "https://example.github.io/fischseite/", 1)
	require.NoError(t, os.WriteFile(path, []byte(remote), 0o644))
	sc, err = LoadScenario(path)
	require.NoError(t, err)
	assert.Equal(t, "https://example.github.io/fischseite/", sc.Target)

	_, err = LoadScenario(filepath.Join(dir, "missing.yaml"))
	assert.ErrorContains(t, err, "reading scenario")
}
