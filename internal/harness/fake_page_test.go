// internal/harness/fake_page_test.go
package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/xkilldash9x/probe-cli/internal/browser"
)

// fakePage is an in-memory Page. Expressions are answered from the scripts
// map by exact text, with a few built-in facts about a fish tank.
type fakePage struct {
	mu sync.Mutex

	url         string
	fish        int
	scripts     map[string]func() (browser.Value, error)
	console     []browser.ConsoleEntry
	idleErr     error
	clickErr    error
	shotErr     error
	closed      int
	clicks      int
	evaluations int
	screenshots []string
	viewport    [2]int
}

func newFakePage() *fakePage {
	return &fakePage{url: "http://fake.test/", fish: 1, scripts: map[string]func() (browser.Value, error){}}
}

func jsValue(v interface{}) browser.Value {
	if v == nil {
		return browser.Value{Type: "undefined", Undefined: true}
	}
	raw, _ := json.Marshal(v)
	t := "object"
	switch v.(type) {
	case string:
		t = "string"
	case bool:
		t = "boolean"
	case int, float64:
		t = "number"
	}
	return browser.Value{Type: t, Raw: raw}
}

func (p *fakePage) on(expr string, fn func() (browser.Value, error)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scripts[expr] = fn
}

func (p *fakePage) fishCountExpr() string {
	expr, _ := expression(Extractor{Count: ".simple-fish"})
	return expr
}

func (p *fakePage) URL() string { return p.url }

func (p *fakePage) Evaluate(_ context.Context, expr string) (browser.Value, error) {
	p.mu.Lock()
	p.evaluations++
	fn, ok := p.scripts[expr]
	fish := p.fish
	p.mu.Unlock()

	if ok {
		return fn()
	}
	if expr == p.fishCountExpr() {
		return jsValue(fish), nil
	}
	return browser.Value{}, &browser.ExtractionError{Expr: expr, Err: errors.New("ReferenceError: not scripted")}
}

func (p *fakePage) Click(_ context.Context, selector string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.clickErr != nil {
		return p.clickErr
	}
	p.clicks++
	if selector == ".simple-fish" && p.fish < 20 {
		p.fish++
	}
	return nil
}

func (p *fakePage) Fill(context.Context, string, string) error { return nil }

func (p *fakePage) LongPress(_ context.Context, selector string, _ time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if selector == ".simple-fish" && p.fish > 0 {
		p.fish--
	}
	return nil
}

func (p *fakePage) SetViewport(_ context.Context, w, h int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.viewport = [2]int{w, h}
	return nil
}

func (p *fakePage) Screenshot(_ context.Context, path string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.shotErr != nil {
		return p.shotErr
	}
	p.screenshots = append(p.screenshots, path)
	return nil
}

func (p *fakePage) WaitNetworkIdle(ctx context.Context, _ time.Duration) error {
	if p.idleErr != nil {
		return p.idleErr
	}
	return ctx.Err()
}

func (p *fakePage) Console() []browser.ConsoleEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]browser.ConsoleEntry(nil), p.console...)
}

func (p *fakePage) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed++
	return nil
}

func (p *fakePage) closeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// readyAfter scripts a Boolean(expr) poll that turns true on the nth call.
func (p *fakePage) readyAfter(expr string, n int) *int {
	calls := 0
	p.on("Boolean("+expr+")", func() (browser.Value, error) {
		calls++
		if calls < n {
			return jsValue(false), nil
		}
		return jsValue(true), nil
	})
	return &calls
}

var _ Page = (*fakePage)(nil)

func errorValue(msg string) func() (browser.Value, error) {
	return func() (browser.Value, error) {
		return browser.Value{}, &browser.ExtractionError{Err: fmt.Errorf("%s", msg)}
	}
}
