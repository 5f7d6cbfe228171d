// internal/backend/policy.go
package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/probe-cli/internal/reporting"
)

// Querier abstracts pgxpool.Pool so the inspector can be tested with pgxmock.
type Querier interface {
	Ping(ctx context.Context) error
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

const (
	rlsQuery = `
        SELECT c.relrowsecurity
        FROM pg_class c
        JOIN pg_namespace n ON n.oid = c.relnamespace
        WHERE n.nspname = $1 AND c.relname = $2`

	policiesQuery = `
        SELECT policyname, permissive, roles, cmd, COALESCE(qual, ''), COALESCE(with_check, '')
        FROM pg_policies
        WHERE schemaname = $1 AND tablename = $2
        ORDER BY policyname`
)

// ErrTableNotFound is returned when pg_class has no such relation.
var ErrTableNotFound = errors.New("table not found")

// Policy is one row of pg_policies.
type Policy struct {
	Name       string
	Permissive bool
	Roles      []string
	Command    string
	Using      string
	WithCheck  string
}

// TablePolicies is the row level security state of one table.
type TablePolicies struct {
	Schema     string
	Table      string
	RLSEnabled bool
	Policies   []Policy
}

// Covers reports whether some policy grants command to role. Policies for
// ALL or PUBLIC count.
func (t *TablePolicies) Covers(command, role string) bool {
	command = strings.ToUpper(command)
	for _, p := range t.Policies {
		if !p.Permissive || (p.Command != "ALL" && p.Command != command) {
			continue
		}
		for _, r := range p.Roles {
			if r == role || r == "public" {
				return true
			}
		}
	}
	return false
}

// Rows renders the RLS state. RLS without any policy denies everything to
// non-owner roles, which is reported as a failure.
func (t *TablePolicies) Rows() []reporting.Row {
	name := t.Schema + "." + t.Table
	rows := make([]reporting.Row, 0, 2+len(t.Policies))

	if t.RLSEnabled {
		rows = append(rows, reporting.PassRow("rls "+name, "enabled", "enabled"))
	} else {
		rows = append(rows, reporting.FailRow("rls "+name, "enabled", "disabled", "every role with table grants can read and write all rows"))
	}

	count := fmt.Sprintf("%d", len(t.Policies))
	if len(t.Policies) == 0 && t.RLSEnabled {
		rows = append(rows, reporting.FailRow("policies "+name, ">0", count, "rls is enabled but no policy grants access"))
	} else {
		rows = append(rows, reporting.PassRow("policies "+name, ">0", count))
	}

	for _, p := range t.Policies {
		rows = append(rows, reporting.PassRow("policy "+p.Name, "present",
			fmt.Sprintf("%s for %s", p.Command, strings.Join(p.Roles, ","))))
	}
	return rows
}

// PolicyInspector reads RLS state straight from the Postgres catalogs.
type PolicyInspector struct {
	db     Querier
	logger *zap.Logger
}

// NewPolicyInspector verifies the connection and returns an inspector.
func NewPolicyInspector(ctx context.Context, db Querier, logger *zap.Logger) (*PolicyInspector, error) {
	if err := db.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &PolicyInspector{db: db, logger: logger.Named("policies")}, nil
}

// ConnectPolicyInspector opens a pool for databaseURL. The returned close
// function releases it.
func ConnectPolicyInspector(ctx context.Context, databaseURL string, logger *zap.Logger) (*PolicyInspector, func(), error) {
	if databaseURL == "" {
		return nil, nil, errors.New("backend.database_url is not set (config file or PROBE_BACKEND_DATABASE_URL)")
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	inspector, err := NewPolicyInspector(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	return inspector, pool.Close, nil
}

// Inspect loads RLS and policies for schema.table. An empty schema means public.
func (p *PolicyInspector) Inspect(ctx context.Context, schema, table string) (*TablePolicies, error) {
	if schema == "" {
		schema = "public"
	}
	tp := &TablePolicies{Schema: schema, Table: table}

	if err := p.db.QueryRow(ctx, rlsQuery, schema, table).Scan(&tp.RLSEnabled); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%s.%s: %w", schema, table, ErrTableNotFound)
		}
		return nil, fmt.Errorf("failed to read rls state: %w", err)
	}

	rows, err := p.db.Query(ctx, policiesQuery, schema, table)
	if err != nil {
		return nil, fmt.Errorf("failed to query policies: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var pol Policy
		var permissive string
		if err := rows.Scan(&pol.Name, &permissive, &pol.Roles, &pol.Command, &pol.Using, &pol.WithCheck); err != nil {
			return nil, fmt.Errorf("failed to scan policy: %w", err)
		}
		pol.Permissive = strings.EqualFold(permissive, "PERMISSIVE")
		tp.Policies = append(tp.Policies, pol)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate policies: %w", err)
	}

	p.logger.Debug("Inspected table policies.",
		zap.String("table", schema+"."+table),
		zap.Bool("rls", tp.RLSEnabled),
		zap.Int("policies", len(tp.Policies)))
	return tp, nil
}
