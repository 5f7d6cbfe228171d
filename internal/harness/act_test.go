// internal/harness/act_test.go
package harness

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/probe-cli/internal/browser"
)

func testEnv(t *testing.T) ActEnv {
	return ActEnv{Scenario: "fish tank", ScreenshotDir: t.TempDir(), Headless: true, Logger: zaptest.NewLogger(t)}
}

func TestAct(t *testing.T) {
	ctx := context.Background()

	t.Run("click spawns", func(t *testing.T) {
		page := newFakePage()
		_, err := Act(ctx, page, Action{Click: ".simple-fish"}, testEnv(t))
		require.NoError(t, err)
		assert.Equal(t, 2, page.fish)
	})

	t.Run("repeat respects the page cap", func(t *testing.T) {
		page := newFakePage()
		_, err := Act(ctx, page, Action{Click: ".simple-fish", Repeat: 25}, testEnv(t))
		require.NoError(t, err)
		assert.Equal(t, 25, page.clicks)
		assert.Equal(t, 20, page.fish)
	})

	t.Run("long press removes", func(t *testing.T) {
		page := newFakePage()
		page.fish = 3
		_, err := Act(ctx, page, Action{LongPress: &LongPressSpec{Selector: ".simple-fish", Hold: 600 * time.Millisecond}}, testEnv(t))
		require.NoError(t, err)
		assert.Equal(t, 2, page.fish)
	})

	t.Run("resize", func(t *testing.T) {
		page := newFakePage()
		_, err := Act(ctx, page, Action{Resize: &ViewportSpec{Width: 375, Height: 667}}, testEnv(t))
		require.NoError(t, err)
		assert.Equal(t, [2]int{375, 667}, page.viewport)
	})

	t.Run("call", func(t *testing.T) {
		page := newFakePage()
		expr, err := callExpression(CallSpec{Function: "window.fishManager.reset", Args: []interface{}{3}})
		require.NoError(t, err)
		called := false
		page.on(expr, func() (browser.Value, error) {
			called = true
			return jsValue(nil), nil
		})
		_, err = Act(ctx, page, Action{Call: &CallSpec{Function: "window.fishManager.reset", Args: []interface{}{3}}}, testEnv(t))
		require.NoError(t, err)
		assert.True(t, called)
	})

	t.Run("screenshot", func(t *testing.T) {
		page := newFakePage()
		env := testEnv(t)
		artifacts, err := Act(ctx, page, Action{Screenshot: "after click", Repeat: 2}, env)
		require.NoError(t, err)
		require.Len(t, artifacts, 2)
		assert.Equal(t, filepath.Join(env.ScreenshotDir, "fish_tank-after_click.png"), artifacts[0])
		assert.Equal(t, filepath.Join(env.ScreenshotDir, "fish_tank-after_click-2.png"), artifacts[1])
		assert.Equal(t, artifacts, page.screenshots)
	})

	t.Run("errors propagate with repetition context", func(t *testing.T) {
		page := newFakePage()
		page.clickErr = errors.New("node not visible")
		_, err := Act(ctx, page, Action{Click: ".simple-fish", Repeat: 3}, testEnv(t))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "repetition 1/3")
	})

	t.Run("invalid action", func(t *testing.T) {
		_, err := Act(ctx, newFakePage(), Action{Click: "a", Screenshot: "b"}, testEnv(t))
		assert.ErrorContains(t, err, "more than one kind")
	})
}

func TestCallExpression(t *testing.T) {
	expr, err := callExpression(CallSpec{Function: "resetFish"})
	require.NoError(t, err)
	assert.Contains(t, expr, "const o = window;")
	assert.Contains(t, expr, `o["resetFish"]`)
	assert.True(t, strings.HasSuffix(strings.TrimSpace(expr), "})()"))
	assert.Contains(t, expr, "f.apply(o, [])")

	expr, err = callExpression(CallSpec{Function: "window.game.spawn", Args: []interface{}{"gold", 2}})
	require.NoError(t, err)
	assert.Contains(t, expr, "const o = window.game;")
	assert.Contains(t, expr, `f.apply(o, ["gold",2])`)

	_, err = callExpression(CallSpec{Function: "alert('x')"})
	assert.Error(t, err)
}

func TestPause(t *testing.T) {
	ctx := context.Background()

	t.Run("skipped when headless", func(t *testing.T) {
		start := time.Now()
		require.NoError(t, pause(ctx, PauseSpec{Max: time.Hour}, ActEnv{Headless: true}))
		assert.Less(t, time.Since(start), time.Second)
	})

	t.Run("enter resumes early", func(t *testing.T) {
		var prompt bytes.Buffer
		start := time.Now()
		err := pause(ctx, PauseSpec{Max: time.Hour, Reason: "inspect the tank"}, ActEnv{Input: NewLineReader(strings.NewReader("\n")), Prompt: &prompt})
		require.NoError(t, err)
		assert.Less(t, time.Since(start), time.Second)
		assert.Contains(t, prompt.String(), "Paused: inspect the tank")
	})

	t.Run("bounded by max", func(t *testing.T) {
		start := time.Now()
		err := pause(ctx, PauseSpec{Max: 30 * time.Millisecond}, ActEnv{Input: NewLineReader(strings.NewReader(""))})
		require.NoError(t, err)
		assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	})

	t.Run("capped by configuration", func(t *testing.T) {
		start := time.Now()
		err := pause(ctx, PauseSpec{Max: time.Hour}, ActEnv{MaxPause: 20 * time.Millisecond})
		require.NoError(t, err)
		assert.Less(t, time.Since(start), time.Second)
	})

	t.Run("timed out pause leaves the next line to the next pause", func(t *testing.T) {
		pr, pw := io.Pipe()
		t.Cleanup(func() { pw.Close() })
		env := ActEnv{Input: NewLineReader(pr), Prompt: io.Discard}

		start := time.Now()
		require.NoError(t, pause(ctx, PauseSpec{Max: 20 * time.Millisecond}, env))
		assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

		time.AfterFunc(20*time.Millisecond, func() { _, _ = io.WriteString(pw, "\n") })
		start = time.Now()
		require.NoError(t, pause(ctx, PauseSpec{Max: time.Hour}, env))
		assert.Less(t, time.Since(start), 10*time.Second)
	})

	t.Run("canceled while waiting", func(t *testing.T) {
		pr, pw := io.Pipe()
		t.Cleanup(func() { pw.Close() })
		cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		err := pause(cctx, PauseSpec{Max: time.Hour}, ActEnv{Input: NewLineReader(pr), Prompt: io.Discard})
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}
