// internal/harness/extract.go
package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/xkilldash9x/probe-cli/internal/browser"
)

// Extractor reads one fact from the page. Exactly one field is set.
type Extractor struct {
	Count   string       `yaml:"count,omitempty"`
	Text    string       `yaml:"text,omitempty"`
	Exists  string       `yaml:"exists,omitempty"`
	Visible string       `yaml:"visible,omitempty"`
	Attr    *AttrSpec    `yaml:"attr,omitempty"`
	Style   *StyleSpec   `yaml:"style,omitempty"`
	Global  string       `yaml:"global,omitempty"`
	Eval    string       `yaml:"eval,omitempty"`
	Title   bool         `yaml:"title,omitempty"`
	URL     bool         `yaml:"url,omitempty"`
	Console *ConsoleSpec `yaml:"console,omitempty"`
}

// AttrSpec reads an attribute of the first matching element.
type AttrSpec struct {
	Selector string `yaml:"selector"`
	Name     string `yaml:"name"`
}

// StyleSpec reads a computed CSS property, e.g. "pointer-events".
type StyleSpec struct {
	Selector string `yaml:"selector"`
	Property string `yaml:"property"`
}

// ConsoleSpec counts captured console entries.
type ConsoleSpec struct {
	Level    string `yaml:"level,omitempty"`
	Contains string `yaml:"contains,omitempty"`
}

// Kind names the extractor's single populated field.
func (e Extractor) Kind() string {
	kinds := e.kinds()
	if len(kinds) != 1 {
		return ""
	}
	return kinds[0]
}

func (e Extractor) kinds() []string {
	var k []string
	add := func(set bool, name string) {
		if set {
			k = append(k, name)
		}
	}
	add(e.Count != "", "count")
	add(e.Text != "", "text")
	add(e.Exists != "", "exists")
	add(e.Visible != "", "visible")
	add(e.Attr != nil, "attr")
	add(e.Style != nil, "style")
	add(e.Global != "", "global")
	add(e.Eval != "", "eval")
	add(e.Title, "title")
	add(e.URL, "url")
	add(e.Console != nil, "console")
	return k
}

func (e Extractor) validate() error {
	kinds := e.kinds()
	switch {
	case len(kinds) == 0:
		return errors.New("extractor has no kind")
	case len(kinds) > 1:
		return fmt.Errorf("extractor sets more than one kind: %s", strings.Join(kinds, ", "))
	}
	if e.Attr != nil && (e.Attr.Selector == "" || e.Attr.Name == "") {
		return errors.New("attr extractor requires selector and name")
	}
	if e.Style != nil && (e.Style.Selector == "" || e.Style.Property == "") {
		return errors.New("style extractor requires selector and property")
	}
	return nil
}

// GlobalValue is a typed snapshot of one global-scope variable.
type GlobalValue struct {
	Path    string      `json:"path"`
	Defined bool        `json:"defined"`
	Type    string      `json:"type"`
	Value   interface{} `json:"value,omitempty"`
	// Opaque is set when only the type could be read, not the value.
	Opaque bool `json:"opaque,omitempty"`
}

// PageState holds typed global-scope snapshots read during observation.
type PageState struct {
	Globals map[string]GlobalValue `json:"globals"`
}

// Observation maps fact names to values captured after a wait condition.
type Observation struct {
	Facts  map[string]interface{} `json:"facts"`
	Errors map[string]error       `json:"-"`
	State  PageState              `json:"state"`
	At     time.Time              `json:"at"`
}

// NewObservation returns an empty observation.
func NewObservation() *Observation {
	return &Observation{
		Facts:  make(map[string]interface{}),
		Errors: make(map[string]error),
		State:  PageState{Globals: make(map[string]GlobalValue)},
		At:     time.Now(),
	}
}

// Set records a fact, clearing any earlier extraction error for it.
func (o *Observation) Set(name string, v interface{}) {
	o.Facts[name] = v
	delete(o.Errors, name)
}

// Fail records an extraction error, clearing any earlier value.
func (o *Observation) Fail(name string, err error) {
	delete(o.Facts, name)
	o.Errors[name] = err
}

// Lookup returns the fact, its extraction error, and whether it was observed at all.
func (o *Observation) Lookup(name string) (interface{}, error, bool) {
	if err, ok := o.Errors[name]; ok {
		return nil, err, true
	}
	v, ok := o.Facts[name]
	return v, nil, ok
}

// Merge folds a later observation into o; later values win.
func (o *Observation) Merge(later *Observation) {
	if later == nil {
		return
	}
	for k, v := range later.Facts {
		o.Set(k, v)
	}
	for k, err := range later.Errors {
		o.Fail(k, err)
	}
	for k, g := range later.State.Globals {
		o.State.Globals[k] = g
	}
	o.At = later.At
}

// Names returns every observed fact name in sorted order.
func (o *Observation) Names() []string {
	names := make([]string, 0, len(o.Facts)+len(o.Errors))
	for k := range o.Facts {
		names = append(names, k)
	}
	for k := range o.Errors {
		if _, dup := o.Facts[k]; !dup {
			names = append(names, k)
		}
	}
	sort.Strings(names)
	return names
}

// Observe runs every extractor against the page in name order. Failures are
// recorded per fact as *browser.ExtractionError; Observe itself never fails.
func Observe(ctx context.Context, page Page, extractors map[string]Extractor) *Observation {
	obs := NewObservation()

	names := make([]string, 0, len(extractors))
	for name := range extractors {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		ex := extractors[name]
		v, err := extract(ctx, page, name, ex, obs)
		if err != nil {
			var extractErr *browser.ExtractionError
			if !errors.As(err, &extractErr) {
				err = &browser.ExtractionError{Fact: name, Err: err}
			} else if extractErr.Fact == "" {
				extractErr.Fact = name
			}
			obs.Fail(name, err)
			continue
		}
		obs.Set(name, v)
	}
	obs.At = time.Now()
	return obs
}

func extract(ctx context.Context, page Page, name string, ex Extractor, obs *Observation) (interface{}, error) {
	if ex.Console != nil {
		return countConsole(page.Console(), *ex.Console), nil
	}

	switch ex.Kind() {
	case "global":
		return extractGlobal(ctx, page, name, ex.Global, obs)
	case "":
		return nil, ex.validate()
	}

	expr, missingMsg := expression(ex)
	v, err := page.Evaluate(ctx, expr)
	if err != nil {
		return nil, err
	}
	if v.Undefined && missingMsg != "" {
		return nil, &browser.ExtractionError{Fact: name, Expr: expr, Err: errors.New(missingMsg)}
	}
	return v.Interface(), nil
}

// expression builds the page script for a DOM extractor and the message used
// when it yields undefined.
func expression(ex Extractor) (expr, missing string) {
	switch {
	case ex.Count != "":
		return fmt.Sprintf("document.querySelectorAll(%s).length", jsString(ex.Count)), ""
	case ex.Text != "":
		return fmt.Sprintf(withElement, jsString(ex.Text), "el.textContent.trim()"), "no element matches " + ex.Text
	case ex.Exists != "":
		return fmt.Sprintf("document.querySelector(%s) !== null", jsString(ex.Exists)), ""
	case ex.Visible != "":
		return fmt.Sprintf(visibleScript, jsString(ex.Visible)), ""
	case ex.Attr != nil:
		return fmt.Sprintf(withElement, jsString(ex.Attr.Selector), "el.getAttribute("+jsString(ex.Attr.Name)+")"), "no element matches " + ex.Attr.Selector
	case ex.Style != nil:
		return fmt.Sprintf(withElement, jsString(ex.Style.Selector), "getComputedStyle(el).getPropertyValue("+jsString(ex.Style.Property)+")"), "no element matches " + ex.Style.Selector
	case ex.Title:
		return "document.title", ""
	case ex.URL:
		return "location.href", ""
	default:
		return ex.Eval, ""
	}
}

const withElement = `(() => { const el = document.querySelector(%s); return el ? %s : undefined; })()`

const visibleScript = `(() => {
  const el = document.querySelector(%s);
  if (!el) return false;
  const s = getComputedStyle(el);
  const r = el.getBoundingClientRect();
  return s.display !== "none" && s.visibility !== "hidden" && parseFloat(s.opacity || "1") > 0 && r.width > 0 && r.height > 0;
})()`

// resolveGlobal reads a dotted global path; reference and type errors on the
// way down mean "not defined", anything else is a real failure.
const resolveGlobal = `(() => {
  try { return (%s); }
  catch (e) { if (e instanceof ReferenceError || e instanceof TypeError) return undefined; throw e; }
})()`

// typeofGlobal is the fallback when a global's value cannot be copied out.
const typeofGlobal = `(() => {
  try { return typeof (%s); }
  catch (e) { if (e instanceof ReferenceError || e instanceof TypeError) return "undefined"; throw e; }
})()`

func extractGlobal(ctx context.Context, page Page, name, path string, obs *Observation) (interface{}, error) {
	v, err := page.Evaluate(ctx, fmt.Sprintf(resolveGlobal, path))
	if err != nil {
		return extractGlobalType(ctx, page, name, path, obs, err)
	}

	g := GlobalValue{Path: path, Defined: !v.Undefined, Type: v.Type, Value: v.Interface()}
	obs.State.Globals[path] = g
	if !g.Defined {
		return nil, &browser.ExtractionError{Fact: name, Expr: path, Err: fmt.Errorf("global %s is not defined", path)}
	}
	// Functions and symbols do not serialize; their type is the useful fact.
	if g.Value == nil && g.Type != "object" {
		return g.Type, nil
	}
	return g.Value, nil
}

// extractGlobalType records an opaque snapshot when the value failed to
// serialize but typeof still answers. valueErr is returned when it does not.
func extractGlobalType(ctx context.Context, page Page, name, path string, obs *Observation, valueErr error) (interface{}, error) {
	v, err := page.Evaluate(ctx, fmt.Sprintf(typeofGlobal, path))
	if err != nil {
		return nil, valueErr
	}
	var typ string
	if err := v.Decode(&typ); err != nil {
		return nil, valueErr
	}
	g := GlobalValue{Path: path, Defined: typ != "undefined", Type: typ, Opaque: true}
	obs.State.Globals[path] = g
	if !g.Defined {
		return nil, &browser.ExtractionError{Fact: name, Expr: path, Err: fmt.Errorf("global %s is not defined", path)}
	}
	return typ, nil
}

func countConsole(entries []browser.ConsoleEntry, spec ConsoleSpec) int {
	n := 0
	for _, e := range entries {
		if spec.Level != "" && !strings.EqualFold(e.Level, spec.Level) {
			continue
		}
		if spec.Contains != "" && !strings.Contains(e.Text, spec.Contains) {
			continue
		}
		n++
	}
	return n
}

func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
