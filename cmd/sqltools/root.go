package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/ashureev/delfos/internal/config"
	"github.com/ashureev/delfos/internal/sqltools"
	"github.com/ashureev/delfos/internal/validator"
)

var opts struct {
	dsn              string
	addr             string
	schema           string
	maxRows          int
	statementTimeout time.Duration
	policyFile       string
}

var rootCmd = &cobra.Command{
	Use:   "sqltools",
	Short: "Read-only PostgreSQL tools served over MCP",
	Long: `sqltools exposes a PostgreSQL database to the Delfos chat server as
three MCP tools:
  • execute_sql_query  runs one validated, read-only statement
  • list_tables        lists queryable tables
  • get_table_schema   describes the columns of a table

Running 'sqltools' with no subcommand serves the tools at /mcp.`,
	SilenceUsage:      true,
	PersistentPreRunE: applyEnv,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

var tablesCmd = &cobra.Command{
	Use:   "tables",
	Short: "Print the queryable tables as JSON",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := sqltools.Connect(cmd.Context(), opts.dsn, opts.statementTimeout)
		if err != nil {
			return err
		}
		defer db.Close()

		tables, err := db.ListTables(cmd.Context(), opts.schema)
		if err != nil {
			return err
		}
		return printJSON(map[string]any{"tables": tables})
	},
}

var describeCmd = &cobra.Command{
	Use:   "describe <table>",
	Short: "Print the columns of a table as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := sqltools.Connect(cmd.Context(), opts.dsn, opts.statementTimeout)
		if err != nil {
			return err
		}
		defer db.Close()

		cols, err := db.DescribeTable(cmd.Context(), opts.schema, args[0])
		if err != nil {
			return err
		}
		if len(cols) == 0 {
			return fmt.Errorf("table %q not found in schema %q", args[0], opts.schema)
		}
		return printJSON(map[string]any{"name": args[0], "columns": cols})
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.dsn, "dsn", "", "PostgreSQL connection string (env DATABASE_URL)")
	flags.StringVar(&opts.schema, "schema", "public", "database schema to expose (env DATABASE_SCHEMA)")
	flags.DurationVar(&opts.statementTimeout, "statement-timeout", 15*time.Second, "per-statement timeout")

	rootCmd.Flags().StringVar(&opts.addr, "addr", ":8081", "listen address (env SQLTOOLS_ADDR)")
	rootCmd.Flags().IntVar(&opts.maxRows, "max-rows", 1000, "maximum rows returned per query (env SQL_MAX_ROWS)")
	rootCmd.Flags().StringVar(&opts.policyFile, "policy", "", "YAML validation policy, defaults when empty (env POLICY_FILE)")

	rootCmd.AddCommand(tablesCmd, describeCmd)
}

// Execute runs the root command until SIGINT or SIGTERM.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func serve(ctx context.Context) error {
	if opts.dsn == "" {
		return errors.New("DATABASE_URL or --dsn is required")
	}

	policy, err := config.LoadPolicy(opts.policyFile)
	if err != nil {
		return err
	}

	db, err := sqltools.Connect(ctx, opts.dsn, opts.statementTimeout)
	if err != nil {
		return err
	}
	defer db.Close()
	slog.Info("Database connected", "schema", opts.schema)

	tools := sqltools.NewServer(db, validator.New(policy.Validator), sqltools.Config{
		Schema:  opts.schema,
		MaxRows: opts.maxRows,
	}, slog.Default())

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Handle("/mcp", tools.Handler())

	srv := &http.Server{
		Addr:        opts.addr,
		Handler:     r,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("SQL tool server listening", "addr", srv.Addr, "max_rows", opts.maxRows)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("Shutting down gracefully...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	slog.Info("SQL tool server stopped")
	return nil
}

// applyEnv fills flags the user did not set from the environment, which
// main has already merged with .env.
func applyEnv(cmd *cobra.Command, _ []string) error {
	flags := cmd.Flags()
	fromEnv := func(flag, key string) error {
		v := os.Getenv(key)
		if v == "" || flags.Lookup(flag) == nil || flags.Changed(flag) {
			return nil
		}
		if err := flags.Set(flag, v); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		return nil
	}
	for flag, key := range map[string]string{
		"dsn":      "DATABASE_URL",
		"schema":   "DATABASE_SCHEMA",
		"addr":     "SQLTOOLS_ADDR",
		"max-rows": "SQL_MAX_ROWS",
		"policy":   "POLICY_FILE",
	} {
		if err := fromEnv(flag, key); err != nil {
			return err
		}
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
