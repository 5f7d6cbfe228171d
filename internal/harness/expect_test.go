// internal/harness/expect_test.go
package harness

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/xkilldash9x/probe-cli/internal/browser"
	"github.com/xkilldash9x/probe-cli/internal/reporting"
)

func observationOf(facts map[string]interface{}) *Observation {
	obs := NewObservation()
	for k, v := range facts {
		obs.Set(k, v)
	}
	return obs
}

func TestAssertAll_EntryCountThreshold(t *testing.T) {
	exp := []Expectation{{Fact: "entryCount", Check: ParseCheck(">0")}}

	rows := AssertAll(observationOf(map[string]interface{}{"entryCount": float64(3)}), exp)
	require.Len(t, rows, 1)
	assert.Equal(t, reporting.Pass, rows[0].Verdict)
	assert.Equal(t, "> 0", rows[0].Expected)
	assert.Equal(t, "3", rows[0].Actual)

	rows = AssertAll(observationOf(map[string]interface{}{"entryCount": float64(0)}), exp)
	require.Len(t, rows, 1)
	assert.Equal(t, reporting.Fail, rows[0].Verdict)
}

func TestAssertAll_Idempotent(t *testing.T) {
	obs := observationOf(map[string]interface{}{"fish": float64(4), "title": "Fischseite", "menu": false})
	obs.Fail("broken", errors.New("boom"))
	exp := []Expectation{
		{Fact: "fish", Check: ParseCheck("<=20")},
		{Fact: "title", Check: Check{Op: OpContains, Value: "Fisch"}},
		{Fact: "menu", Check: Check{Op: OpTruthy}},
		{Fact: "broken", Check: Check{Op: OpTruthy}},
		{Fact: "absent", Check: Check{Op: OpTruthy}},
	}

	first := AssertAll(obs, exp)
	second := AssertAll(obs, exp)
	assert.Equal(t, first, second)
	assert.Len(t, first, 5)
}

func TestAssertAll_Operators(t *testing.T) {
	obs := observationOf(map[string]interface{}{
		"count":   float64(5),
		"before":  float64(2),
		"title":   "Gästebuch",
		"ready":   true,
		"empty":   "",
		"nothing": nil,
		"list":    []interface{}{"a", float64(2)},
		"pointer": "auto",
		"numStr":  "3",
	})

	tests := []struct {
		name  string
		fact  string
		check Check
		pass  bool
	}{
		{"gt", "count", ParseCheck(">4"), true},
		{"gte boundary", "count", ParseCheck(">=5"), true},
		{"lt", "count", ParseCheck("<5"), false},
		{"lte", "count", ParseCheck("<=5"), true},
		{"eq number", "count", ParseCheck("==5"), true},
		{"ne number", "count", ParseCheck("!=5"), false},
		{"eq string", "title", ParseCheck("Gästebuch"), true},
		{"ne string", "pointer", ParseCheck("!=none"), true},
		{"eq bool", "ready", Check{Op: OpEquals, Value: true}, true},
		{"eq bool shorthand", "ready", ParseCheck("==true"), true},
		{"contains", "title", Check{Op: OpContains, Value: "buch"}, true},
		{"contains in list", "list", Check{Op: OpContains, Value: float64(2)}, true},
		{"truthy", "ready", Check{Op: OpTruthy}, true},
		{"truthy empty string", "empty", Check{Op: OpTruthy}, false},
		{"falsy null", "nothing", Check{Op: OpFalsy}, true},
		{"eq null", "nothing", ParseCheck("==null"), true},
		{"number vs numeric string", "numStr", Check{Op: OpEquals, Value: float64(3)}, true},
		{"gt fact", "count", Check{Op: OpGT, Fact: "before"}, true},
		{"lt fact", "count", Check{Op: OpLT, Fact: "before"}, false},
		{"gt on text", "title", ParseCheck(">0"), false},
		{"missing ref fact", "count", Check{Op: OpGT, Fact: "ghost"}, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rows := AssertAll(obs, []Expectation{{Fact: tc.fact, Check: tc.check}})
			require.Len(t, rows, 1)
			assert.Equal(t, tc.pass, rows[0].Passed(), "row: %+v", rows[0])
		})
	}
}

func TestAssertAll_FailureDetails(t *testing.T) {
	obs := NewObservation()
	obs.Set("fish", float64(1))
	obs.Fail("manager", &browser.ExtractionError{Fact: "manager", Err: errors.New("global window.fishManager is not defined")})

	rows := AssertAll(obs, []Expectation{
		{Name: "manager exists", Fact: "manager", Check: Check{Op: OpTruthy}},
		{Fact: "ghost", Check: Check{Op: OpTruthy}},
		{Fact: "fish", Check: Check{Op: OpGT, Fact: "manager"}},
		{Fact: "fish", Check: ParseCheck(">1")},
	})

	require.Len(t, rows, 4)
	assert.Equal(t, "manager exists", rows[0].Name)
	assert.Contains(t, rows[0].Detail, "is not defined")
	assert.Contains(t, rows[1].Detail, "was not observed")
	assert.Contains(t, rows[2].Detail, `reference fact "manager" failed`)
	assert.Equal(t, reporting.Fail, rows[3].Verdict)
	assert.Empty(t, rows[3].Detail)
}

func TestAssertAll_NilObservation(t *testing.T) {
	rows := AssertAll(nil, []Expectation{{Fact: "x", Check: Check{Op: OpTruthy}}})
	require.Len(t, rows, 1)
	assert.False(t, rows[0].Passed())
}

func TestCheckUnmarshalYAML(t *testing.T) {
	tests := []struct {
		src  string
		want Check
	}{
		{`">0"`, Check{Op: OpGT, Value: float64(0)}},
		{`">= 3"`, Check{Op: OpGTE, Value: float64(3)}},
		{`<20`, Check{Op: OpLT, Value: float64(20)}},
		{`"!=none"`, Check{Op: OpNotEquals, Value: "none"}},
		{`true`, Check{Op: OpEquals, Value: true}},
		{`7`, Check{Op: OpEquals, Value: float64(7)}},
		{`hello`, Check{Op: OpEquals, Value: "hello"}},
		{`{equals: ">0"}`, Check{Op: OpEquals, Value: ">0"}},
		{`{contains: Gästebuch}`, Check{Op: OpContains, Value: "Gästebuch"}},
		{`{gte: 2}`, Check{Op: OpGTE, Value: float64(2)}},
		{`{truthy: true}`, Check{Op: OpTruthy}},
		{`{truthy: false}`, Check{Op: OpFalsy}},
		{`{gt_fact: fish_before}`, Check{Op: OpGT, Fact: "fish_before"}},
		{`{eq_fact: other}`, Check{Op: OpEquals, Fact: "other"}},
	}
	for _, tc := range tests {
		t.Run(tc.src, func(t *testing.T) {
			var c Check
			require.NoError(t, yaml.Unmarshal([]byte(tc.src), &c))
			assert.Equal(t, tc.want, c)
		})
	}

	for _, bad := range []string{`{gt: 1, lt: 5}`, `{between: 3}`, `{truthy: yes please}`, `{truthy_fact: x}`, `[1, 2]`} {
		t.Run("rejects "+bad, func(t *testing.T) {
			var c Check
			assert.Error(t, yaml.Unmarshal([]byte(bad), &c))
		})
	}
}

func TestCheckString(t *testing.T) {
	assert.Equal(t, "> 0", ParseCheck(">0").String())
	assert.Equal(t, "3", Check{Op: OpEquals, Value: float64(3)}.String())
	assert.Equal(t, `contains "Fisch"`, Check{Op: OpContains, Value: "Fisch"}.String())
	assert.Equal(t, "> fish_before", Check{Op: OpGT, Fact: "fish_before"}.String())
	assert.Equal(t, "truthy", Check{Op: OpTruthy}.String())
}
