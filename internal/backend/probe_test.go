// internal/backend/probe_test.go
package backend

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/probe-cli/internal/reporting"
)

// postgrest writes a PostgREST style error body.
func postgrest(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, `{"code":"`+code+`","details":null,"hint":null,"message":"`+message+`"}`)
}

func TestProbeTable(t *testing.T) {
	client, _ := setupClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "count=exact", r.Header.Get("Prefer"))
		switch strings.TrimPrefix(r.URL.Path, "/rest/v1/") {
		case "guestbook":
			w.Header().Set("Content-Range", "0-0/42")
			_, _ = io.WriteString(w, `[{"id":1}]`)
		case "highscores":
			w.Header().Set("Content-Range", "*/0")
			_, _ = io.WriteString(w, `[]`)
		case "ghost":
			postgrest(w, http.StatusNotFound, CodeTableNotInCache, "Could not find the table 'public.ghost' in the schema cache")
		case "legacy":
			postgrest(w, http.StatusBadRequest, CodeUndefinedTable, "relation does not exist")
		case "secrets":
			postgrest(w, http.StatusUnauthorized, "42501", "permission denied for table secrets")
		default:
			postgrest(w, http.StatusBadRequest, "PGRST100", "bad request")
		}
	})
	ctx := context.Background()

	tests := []struct {
		table string
		state TableState
		rows  int64
		pass  bool
	}{
		{"guestbook", StateAccessible, 42, true},
		{"highscores", StateEmpty, 0, true},
		{"ghost", StateMissing, 0, false},
		{"legacy", StateMissing, 0, false},
		{"secrets", StateDenied, 0, false},
		{"weird", StateError, 0, false},
	}
	for _, tc := range tests {
		t.Run(tc.table, func(t *testing.T) {
			st := client.ProbeTable(ctx, tc.table)
			assert.Equal(t, tc.state, st.State)
			assert.Equal(t, tc.rows, st.Rows)
			assert.Equal(t, tc.pass, st.Row().Passed())
			if !tc.pass {
				assert.Error(t, st.Err)
			}
		})
	}
}

func TestProbeTable_EmptyAndMissingAreDistinct(t *testing.T) {
	client, _ := setupClient(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/guestbook") {
			_, _ = io.WriteString(w, `[]`)
			return
		}
		postgrest(w, http.StatusNotFound, CodeTableNotInCache, "Could not find the table")
	})

	empty := client.ProbeTable(context.Background(), "guestbook")
	missing := client.ProbeTable(context.Background(), "guestbok")

	assert.Equal(t, StateEmpty, empty.State)
	assert.Equal(t, StateMissing, missing.State)
	assert.Equal(t, http.StatusOK, empty.Status)
	assert.Equal(t, http.StatusNotFound, missing.Status)
	assert.NotEqual(t, empty.Row().Actual, missing.Row().Actual)
	assert.Equal(t, 1, reporting.ExitCode(reportOf(empty.Row(), missing.Row())))
}

func reportOf(rows ...reporting.Row) *reporting.Report {
	rep := reporting.NewReport("test", "backend", "")
	rep.Add(rows...)
	return rep
}

func TestCheckColumns(t *testing.T) {
	client, _ := setupClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "0", r.URL.Query().Get("limit"))
		switch col := r.URL.Query().Get("select"); col {
		case "ip_address":
			postgrest(w, http.StatusBadRequest, CodeUndefinedColumn, "column highscores.ip_address does not exist")
		case "bonus":
			postgrest(w, http.StatusBadRequest, "PGRST204", "Could not find the 'bonus' column of 'highscores' in the schema cache")
		default:
			_, _ = io.WriteString(w, `[]`)
		}
	})

	statuses := client.CheckColumns(context.Background(), "highscores", []string{"player_name", "ip_address", "bonus", "score"})
	require.Len(t, statuses, 4)

	assert.True(t, statuses[0].Present)
	assert.False(t, statuses[1].Present)
	assert.False(t, statuses[2].Present)
	assert.True(t, statuses[3].Present)

	row := statuses[1].Row()
	assert.Equal(t, "column highscores.ip_address", row.Name)
	assert.Equal(t, "missing", row.Actual)
	assert.Equal(t, "missing", statuses[2].Row().Actual)
	assert.True(t, statuses[0].Row().Passed())
}

func TestRoundTrip(t *testing.T) {
	t.Run("insert and cleanup", func(t *testing.T) {
		var deleted string
		client, _ := setupClient(t, func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodPost:
				w.WriteHeader(http.StatusCreated)
				_, _ = io.WriteString(w, `[{"id":1234567,"name":"probe"}]`)
			case http.MethodDelete:
				deleted = r.URL.Query().Get("id")
				_, _ = io.WriteString(w, `[{"id":1234567}]`)
			}
		})

		res := client.RoundTrip(context.Background(), "guestbook", map[string]interface{}{"name": "probe"}, "")
		assert.Equal(t, "eq.1234567", deleted)
		assert.True(t, res.Cleaned)

		rows := res.Rows()
		require.Len(t, rows, 3)
		for _, row := range rows {
			assert.True(t, row.Passed(), row.Name)
		}
		assert.Equal(t, "1234567", rows[1].Actual)
	})

	t.Run("bigint id keeps every digit", func(t *testing.T) {
		var deleted string
		client, _ := setupClient(t, func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodPost:
				w.WriteHeader(http.StatusCreated)
				_, _ = io.WriteString(w, `[{"id":9007199254740993,"name":"Ben"}]`)
			case http.MethodDelete:
				deleted = r.URL.Query().Get("id")
				_, _ = io.WriteString(w, `[{"id":9007199254740993}]`)
			}
		})

		res := client.RoundTrip(context.Background(), "guestbook", map[string]interface{}{"name": "Ben"}, "id")
		assert.Equal(t, "eq.9007199254740993", deleted)
		assert.True(t, res.Cleaned)
		assert.Equal(t, "9007199254740993", res.Rows()[1].Actual)
	})

	t.Run("blocked cleanup is a failure", func(t *testing.T) {
		client, _ := setupClient(t, func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodPost {
				w.WriteHeader(http.StatusCreated)
				_, _ = io.WriteString(w, `[{"uuid":"a-b-c"}]`)
				return
			}
			_, _ = io.WriteString(w, `[]`)
		})

		res := client.RoundTrip(context.Background(), "guestbook", map[string]interface{}{"name": "probe"}, "uuid")
		rows := res.Rows()
		require.Len(t, rows, 3)
		assert.Equal(t, "a-b-c", rows[1].Actual)
		assert.Equal(t, "roundtrip guestbook cleanup", rows[2].Name)
		assert.False(t, rows[2].Passed())
		assert.Contains(t, rows[2].Detail, "row level security")
	})

	t.Run("missing id", func(t *testing.T) {
		client, _ := setupClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusCreated)
			_, _ = io.WriteString(w, `[{"name":"probe"}]`)
		})

		rows := client.RoundTrip(context.Background(), "guestbook", map[string]interface{}{"name": "probe"}, "id").Rows()
		require.Len(t, rows, 2)
		assert.False(t, rows[1].Passed())
	})

	t.Run("denied insert", func(t *testing.T) {
		client, _ := setupClient(t, func(w http.ResponseWriter, r *http.Request) {
			postgrest(w, http.StatusUnauthorized, CodeRLSViolation, `new row violates row-level security policy for table \"guestbook\"`)
		})

		rows := client.RoundTrip(context.Background(), "guestbook", map[string]interface{}{"name": "probe"}, "id").Rows()
		require.Len(t, rows, 1)
		assert.False(t, rows[0].Passed())
		assert.Contains(t, rows[0].Detail, "row-level security")
	})
}

func TestWaitForTable(t *testing.T) {
	t.Run("becomes visible", func(t *testing.T) {
		var calls int32
		client, _ := setupClient(t, func(w http.ResponseWriter, r *http.Request) {
			if atomic.AddInt32(&calls, 1) < 3 {
				postgrest(w, http.StatusNotFound, CodeTableNotInCache, "not in schema cache")
				return
			}
			_, _ = io.WriteString(w, `[]`)
		})

		st, err := client.WaitForTable(context.Background(), "highscores", 5, time.Millisecond)
		require.NoError(t, err)
		assert.Equal(t, StateEmpty, st.State)
		assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	})

	t.Run("gives up", func(t *testing.T) {
		var calls int32
		client, _ := setupClient(t, func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			postgrest(w, http.StatusNotFound, CodeTableNotInCache, "not in schema cache")
		})

		st, err := client.WaitForTable(context.Background(), "highscores", 3, time.Millisecond)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "after 3 attempts")
		assert.Equal(t, StateMissing, st.State)
		assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	})

	t.Run("denied stops immediately", func(t *testing.T) {
		var calls int32
		client, _ := setupClient(t, func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			postgrest(w, http.StatusForbidden, "42501", "permission denied")
		})

		st, err := client.WaitForTable(context.Background(), "secrets", 5, time.Millisecond)
		require.Error(t, err)
		assert.Equal(t, StateDenied, st.State)
		assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	})
}
