// cmd/backend.go
package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/probe-cli/internal/backend"
	"github.com/xkilldash9x/probe-cli/internal/config"
	"github.com/xkilldash9x/probe-cli/internal/observability"
	"github.com/xkilldash9x/probe-cli/internal/reporting"
)

func newBackendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backend",
		Short: "Probe the PostgREST backend (tables, columns, writes, policies)",
		Long: `Backend probes talk to <backend.url>/rest/v1 with the configured API key.
Set them with PROBE_BACKEND_URL and PROBE_BACKEND_API_KEY or the backend
section of the config file.`,
	}
	addOutputFlags(cmd.PersistentFlags())

	cmd.AddCommand(
		newBackendProbeCmd(),
		newBackendColumnsCmd(),
		newBackendRoundTripCmd(),
		newBackendWaitCmd(),
		newBackendPoliciesCmd(),
	)
	return cmd
}

// backendClient builds a client from the command's config.
func backendClient(cmd *cobra.Command) (*backend.Client, *config.Config, error) {
	cfg, err := configFrom(cmd)
	if err != nil {
		return nil, nil, err
	}
	client, err := backend.New(cfg.Backend, observability.GetLogger())
	if err != nil {
		return nil, nil, err
	}
	return client, cfg, nil
}

func newBackendReport(name, target string) *reporting.Report {
	return reporting.NewReport(uuid.New().String(), name, target)
}

func newBackendProbeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "probe TABLE...",
		Short: "Check that tables are readable; empty and missing tables are reported distinctly",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, cfg, err := backendClient(cmd)
			if err != nil {
				return err
			}
			rep := newBackendReport("backend probe", cfg.Backend.URL)

			if cred, err := backend.InspectCredential(cfg.Backend.APIKey); err == nil {
				rep.Add(cred.Rows(time.Now())...)
			} else {
				observability.GetLogger().Debug("API key claims not inspected.", zap.Error(err))
			}
			for _, table := range args {
				rep.Add(client.ProbeTable(cmd.Context(), table).Row())
			}
			rep.Finish()
			return writeReports(cmd, rep)
		},
	}
}

func newBackendColumnsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "columns TABLE COLUMN...",
		Short: "Check that columns exist on a table",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, cfg, err := backendClient(cmd)
			if err != nil {
				return err
			}
			rep := newBackendReport("backend columns "+args[0], cfg.Backend.URL)
			for _, st := range client.CheckColumns(cmd.Context(), args[0], args[1:]) {
				rep.Add(st.Row())
			}
			rep.Finish()
			return writeReports(cmd, rep)
		},
	}
}

func newBackendRoundTripCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "roundtrip TABLE",
		Short: "Insert a row, read back its id and delete it again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rowJSON, _ := cmd.Flags().GetString("row")
			idColumn, _ := cmd.Flags().GetString("id-column")

			var row map[string]interface{}
			if err := jsoniter.ConfigCompatibleWithStandardLibrary.UnmarshalFromString(rowJSON, &row); err != nil {
				return fmt.Errorf("--row must be a JSON object: %w", err)
			}

			client, cfg, err := backendClient(cmd)
			if err != nil {
				return err
			}
			rep := newBackendReport("backend roundtrip "+args[0], cfg.Backend.URL)
			rep.Add(client.RoundTrip(cmd.Context(), args[0], row, idColumn).Rows()...)
			rep.Finish()
			return writeReports(cmd, rep)
		},
	}
	cmd.Flags().String("row", "", "JSON object to insert")
	cmd.Flags().String("id-column", "id", "column identifying the inserted row")
	_ = cmd.MarkFlagRequired("row")
	return cmd
}

func newBackendWaitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wait TABLE",
		Short: "Re-probe a table until it is visible, e.g. after a schema cache reload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			attempts, _ := cmd.Flags().GetInt("attempts")
			interval, _ := cmd.Flags().GetDuration("interval")

			client, cfg, err := backendClient(cmd)
			if err != nil {
				return err
			}
			rep := newBackendReport("backend wait "+args[0], cfg.Backend.URL)
			status, err := client.WaitForTable(cmd.Context(), args[0], attempts, interval)
			row := status.Row()
			if err != nil {
				row.Verdict = reporting.Fail
				row.Detail = err.Error()
			}
			rep.Add(row)
			rep.Finish()
			return writeReports(cmd, rep)
		},
	}
	cmd.Flags().Int("attempts", 5, "probe attempts")
	cmd.Flags().Duration("interval", 3*time.Second, "time between attempts")
	return cmd
}

func newBackendPoliciesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policies TABLE",
		Short: "Inspect row level security and policies through a direct database connection",
		Long: `Reads pg_class and pg_policies for the table. Needs backend.database_url
(PROBE_BACKEND_DATABASE_URL). Use --expect CMD:ROLE, e.g. --expect insert:anon,
to require that a permissive policy grants a command to a role.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFrom(cmd)
			if err != nil {
				return err
			}
			schema, _ := cmd.Flags().GetString("schema")
			expects, _ := cmd.Flags().GetStringSlice("expect")

			grants := make([][2]string, 0, len(expects))
			for _, e := range expects {
				command, role, ok := strings.Cut(e, ":")
				if !ok || command == "" || role == "" {
					return fmt.Errorf("--expect %q must look like COMMAND:ROLE", e)
				}
				grants = append(grants, [2]string{command, role})
			}

			inspector, closeDB, err := backend.ConnectPolicyInspector(cmd.Context(), cfg.Backend.DatabaseURL, observability.GetLogger())
			if err != nil {
				return err
			}
			defer closeDB()

			rep := newBackendReport("backend policies "+args[0], schema+"."+args[0])
			tp, err := inspector.Inspect(cmd.Context(), schema, args[0])
			if err != nil {
				rep.Add(reporting.ErrorRow("inspect "+args[0], err))
			} else {
				rep.Add(tp.Rows()...)
				for _, g := range grants {
					name := fmt.Sprintf("grant %s to %s", strings.ToUpper(g[0]), g[1])
					if tp.Covers(g[0], g[1]) {
						rep.Add(reporting.PassRow(name, "covered", "covered"))
					} else {
						rep.Add(reporting.FailRow(name, "covered", "not covered", "no permissive policy grants it"))
					}
				}
			}
			rep.Finish()
			return writeReports(cmd, rep)
		},
	}
	cmd.Flags().String("schema", "public", "table schema")
	cmd.Flags().StringSlice("expect", nil, "required grant as COMMAND:ROLE (repeatable)")
	return cmd
}
