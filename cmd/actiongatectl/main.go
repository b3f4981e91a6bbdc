// Command actiongatectl is the operator CLI for the action gateway: rule
// management and audit query against a running gateway's HTTP surface,
// plus local schema migration against a configured backend, generalized
// from legatorctl's flag-parsed fleet CLI onto a cobra command tree (the
// shape evalgo-org-eve's CLI uses for its own multi-command surface).
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/spf13/cobra"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/marcus-qen/actiongate/internal/migrate"
)

var (
	version = "dev"
	commit  = "none"
)

var (
	serverFlag string
	apiKeyFlag string
	jsonFlag   bool
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "actiongatectl",
		Short:         "Operate a running action gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&serverFlag, "server", "s", "http://localhost:8080", "gateway API address")
	root.PersistentFlags().StringVar(&apiKeyFlag, "api-key", os.Getenv("ACTIONGATE_API_KEY"), "gateway API key")
	root.PersistentFlags().BoolVar(&jsonFlag, "json", false, "print raw JSON instead of a table")

	root.AddCommand(versionCmd(), rulesCmd(), auditCmd(), approvalsCmd(), migrateCmd())
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the CLI version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("actiongatectl %s (commit: %s)\n", version, commit)
			return nil
		},
	}
}

func client() *APIClient {
	return NewAPIClient(serverFlag, apiKeyFlag)
}

func rulesCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "rules", Short: "Manage rules"}
	cmd.AddCommand(rulesListCmd(), rulesRegisterCmd(), rulesEnableCmd(), rulesReloadCmd())
	return cmd
}

func rulesListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List loaded rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			rules, err := client().ListRules(cmd.Context())
			if err != nil {
				return err
			}
			if jsonFlag {
				return PrintJSON(os.Stdout, rules)
			}
			headers := []string{"NAME", "PRIORITY", "ENABLED", "DESCRIPTION"}
			rows := make([][]string, 0, len(rules))
			for _, r := range rules {
				enabled := "true"
				if !r.Enabled {
					enabled = "false"
				}
				rows = append(rows, []string{
					r.Name,
					fmt.Sprintf("%d", r.Priority),
					enabled,
					Truncate(r.Description, 48),
				})
			}
			RenderTable(os.Stdout, headers, rows)
			fmt.Fprintf(os.Stdout, "\nTotal: %d rules\n", len(rules))
			return nil
		},
	}
}

func rulesRegisterCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a rule from a JSON file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("--file is required")
			}
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("read rule file: %w", err)
			}
			if err := client().RegisterRule(cmd.Context(), json.RawMessage(data)); err != nil {
				return err
			}
			fmt.Println("Rule registered")
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "path to a JSON rule document")
	return cmd
}

func rulesEnableCmd() *cobra.Command {
	var disable bool
	cmd := &cobra.Command{
		Use:   "enable <name>",
		Short: "Enable or disable a rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := client().SetRuleEnabled(cmd.Context(), args[0], !disable); err != nil {
				return err
			}
			if disable {
				fmt.Printf("Rule %s disabled\n", args[0])
			} else {
				fmt.Printf("Rule %s enabled\n", args[0])
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&disable, "disable", false, "disable the rule instead of enabling it")
	return cmd
}

func rulesReloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Reload rules from the watched directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := client().ReloadRules(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("Rules reloaded")
			return nil
		},
	}
}

func auditCmd() *cobra.Command {
	var tenant, namespace, outcome, query string
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query the audit trail",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := query
			for k, v := range map[string]string{"tenant": tenant, "namespace": namespace, "outcome": outcome} {
				if v == "" {
					continue
				}
				if q != "" {
					q += "&"
				}
				q += k + "=" + v
			}
			resp, err := client().QueryAudit(cmd.Context(), q)
			if err != nil {
				return err
			}
			if jsonFlag {
				return PrintJSON(os.Stdout, resp)
			}
			for _, r := range resp.Records {
				fmt.Println(string(r))
			}
			fmt.Printf("\nTotal: %d records\n", resp.Total)
			return nil
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "filter by tenant")
	cmd.Flags().StringVar(&namespace, "namespace", "", "filter by namespace")
	cmd.Flags().StringVar(&outcome, "outcome", "", "filter by outcome")
	cmd.Flags().StringVar(&query, "query", "", "raw query string, merged with the flags above")
	return cmd
}

func approvalsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "approvals", Short: "Resolve pending approvals"}
	cmd.AddCommand(approvalsDecideCmd())
	return cmd
}

func approvalsDecideCmd() *cobra.Command {
	var approve bool
	var decidedBy, reason, confirmation string
	cmd := &cobra.Command{
		Use:   "decide <action-id>",
		Short: "Approve or deny a pending action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := client().DecideApproval(cmd.Context(), args[0], approve, decidedBy, reason, confirmation)
			if err != nil {
				return err
			}
			if jsonFlag {
				fmt.Println(string(result))
				return nil
			}
			fmt.Printf("Outcome: %s\n", ColorOutcome(outcomeFromResult(result)))
			return nil
		},
	}
	cmd.Flags().BoolVar(&approve, "approve", true, "approve the action (set false to deny)")
	cmd.Flags().StringVar(&decidedBy, "decided-by", "", "identity of the approver")
	cmd.Flags().StringVar(&reason, "reason", "", "reason for the decision")
	cmd.Flags().StringVar(&confirmation, "confirmation", "", "typed confirmation phrase, if required")
	return cmd
}

func outcomeFromResult(raw json.RawMessage) string {
	var result struct {
		Outcome string `json:"outcome"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return "unknown"
	}
	return result.Outcome
}

func migrateCmd() *cobra.Command {
	var backend, dsn, database string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply schema to the configured state or audit backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			switch backend {
			case "postgres":
				db, err := sql.Open("pgx", dsn)
				if err != nil {
					return fmt.Errorf("open postgres: %w", err)
				}
				defer db.Close()
				if err := db.PingContext(ctx); err != nil {
					return fmt.Errorf("ping postgres: %w", err)
				}
				if err := migrate.ApplyPostgres(ctx, db); err != nil {
					return err
				}
			case "clickhouse":
				conn, err := clickhouse.Open(&clickhouse.Options{
					Addr: []string{dsn},
					Auth: clickhouse.Auth{Database: database},
				})
				if err != nil {
					return fmt.Errorf("open clickhouse: %w", err)
				}
				defer conn.Close()
				if err := migrate.ApplyClickHouse(ctx, conn); err != nil {
					return err
				}
			default:
				return fmt.Errorf("unknown backend %q (want postgres or clickhouse)", backend)
			}
			fmt.Println("Migrations applied")
			return nil
		},
	}
	cmd.Flags().StringVar(&backend, "backend", "", "backend to migrate: postgres|clickhouse")
	cmd.Flags().StringVar(&dsn, "dsn", "", "connection string (postgres DSN or clickhouse host:port)")
	cmd.Flags().StringVar(&database, "database", "actiongate", "clickhouse database name")
	cmd.MarkFlagRequired("backend")
	cmd.MarkFlagRequired("dsn")
	return cmd
}
