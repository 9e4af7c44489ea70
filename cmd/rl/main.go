package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"reportline/internal/app"
	"reportline/internal/audit"
	"reportline/internal/config"
	"reportline/internal/db"
	"reportline/internal/domain"
	"reportline/internal/engine"
	"reportline/internal/lifecycle"
	"reportline/internal/logging"
	"reportline/internal/migrate"
	"reportline/internal/retry"
	"reportline/internal/server"
	"reportline/internal/telemetry"
)

var rootCmd = &cobra.Command{
	Use:   "rl",
	Short: "Reportline CLI",
	Long: `Reportline tracks evaluation batches from release to an issued, immutable report.
Core concepts:
- Batch: a set of evaluations for one tenant; moves draft -> active -> concluded -> emission_requested -> report_issued -> finalized (cancelled is the exit).
- Evaluation: one subject's assessment; started -> in_progress -> completed or deactivated. Every change recalculates its batch.
- Report: the PDF artifact of a batch. Once issued its hash never changes; re-uploading the same bytes is a no-op.
- Payment: a pending charge per batch, marked paid by the gateway webhook exactly once per event.
- Audit log: every accepted or rejected mutation, view with 'rl audit tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("REPORTLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-admin", "actor identifier")
	rootCmd.PersistentFlags().String("role", domain.RoleAdministrator, "actor role")
	rootCmd.PersistentFlags().String("tenant", "", "actor tenant (empty for cross-tenant)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("role", rootCmd.PersistentFlags().Lookup("role"))
	_ = viper.BindPFlag("tenant", rootCmd.PersistentFlags().Lookup("tenant"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(batchCmd())
	rootCmd.AddCommand(evaluationCmd())
	rootCmd.AddCommand(emissionCmd())
	rootCmd.AddCommand(artifactCmd())
	rootCmd.AddCommand(paymentCmd())
	rootCmd.AddCommand(webhookCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(retryCmd())
	rootCmd.AddCommand(statesCmd())
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create reportline.yml and the workspace database",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				fmt.Printf("Config %s already exists\n", path)
			} else {
				if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
					return err
				}
				fmt.Printf("Wrote %s\n", path)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				fmt.Printf("Database ready at %s\n", db.Path(workspace))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			conn, err := db.Open(db.Config{
				Workspace:     viper.GetString("workspace"),
				Path:          cfg.Database.Path,
				BusyTimeoutMS: cfg.Database.BusyTimeoutMS,
			})
			if err != nil {
				return err
			}
			defer conn.Close()
			version, err := migrate.Migrate(cmd.Context(), conn)
			if err != nil {
				return err
			}
			fmt.Printf("Schema at version %d\n", version)
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.Server.Addr
			}
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}
			if cfg.Server.JWTSecret == "" {
				return fmt.Errorf("server.jwt_secret (or %sSERVER_JWT_SECRET) is required for bearer auth", config.EnvPrefix)
			}
			logger := newLogger(cfg)
			if cfg.Server.WebhookToken == "" {
				logger.WithField("module", "serve").Warn("server.webhook_token is empty; payment webhooks will be rejected")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry.Endpoint, cfg.Telemetry.ServiceName)
			if err != nil {
				return fmt.Errorf("telemetry: %w", err)
			}
			defer func() {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdownTracing(flushCtx); err != nil {
					logger.WithError(err).Warn("flush traces")
				}
			}()

			a, err := app.Open(ctx, viper.GetString("workspace"), cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			handler, err := server.New(server.Config{
				Engine:   a.Engine,
				BasePath: basePath,
				Auth: server.AuthConfig{
					JWTSecret:    cfg.Server.JWTSecret,
					WebhookToken: cfg.Server.WebhookToken,
					Logger:       logger,
				},
				Logger: logger,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				logger.WithFields(logrus.Fields{"addr": addr, "base_path": basePath}).Info("serving reportline api")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults to server.base_path or /v1)")
	return cmd
}

func tokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a bearer token for the current actor flags",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			tok, err := server.IssueToken(cfg.Server.JWTSecret, currentActor(), ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime (0 for no expiry)")
	return cmd
}

// --- batches ---

func batchCmd() *cobra.Command {
	b := &cobra.Command{Use: "batch", Short: "Manage evaluation batches"}
	b.AddCommand(batchCreateCmd(), batchListCmd(), batchShowCmd(), batchCancelCmd(), batchFinalizeCmd(), batchRecalculateCmd())
	return b
}

func batchCreateCmd() *cobra.Command {
	var id, tenant, title string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a batch",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, err := e.CreateBatch(ctx, currentActor(), engine.CreateBatchInput{ID: id, TenantID: tenant, Title: title})
				if err != nil {
					return err
				}
				return printBatches([]domain.Batch{b})
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "batch id (generated when empty)")
	cmd.Flags().StringVar(&tenant, "batch-tenant", "", "owning tenant (defaults to the actor tenant)")
	cmd.Flags().StringVar(&title, "title", "", "batch title")
	return cmd
}

func batchListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List batches",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListBatches(ctx, currentActor(), status, limit)
				if err != nil {
					return err
				}
				return printBatches(items)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func batchShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <batch-id>",
		Short: "Show a batch with evaluations, report and payments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor := currentActor()
				b, err := e.GetBatch(ctx, actor, args[0])
				if err != nil {
					return err
				}
				evs, err := e.ListEvaluations(ctx, actor, b.ID)
				if err != nil {
					return err
				}
				rep, err := e.GetReport(ctx, actor, b.ID)
				if err != nil {
					return err
				}
				payments, err := e.ListPayments(ctx, actor, b.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{
						"batch":       b,
						"evaluations": evs,
						"report":      rep,
						"payments":    payments,
					})
				}
				if err := printBatches([]domain.Batch{b}); err != nil {
					return err
				}
				t := newTable("EVALUATION", "SUBJECT", "STATUS", "UPDATED")
				for _, ev := range evs {
					t.AppendRow(table.Row{ev.ID, ev.SubjectID, ev.Status, ev.UpdatedAt})
				}
				t.Render()
				hash := "-"
				if rep.ContentHash != nil {
					hash = *rep.ContentHash
				}
				fmt.Printf("Report %s: %s (sha256 %s)\n", rep.ID, rep.Status, hash)
				pt := newTable("PAYMENT", "AMOUNT", "STATUS", "METHOD", "REFERENCE")
				for _, p := range payments {
					pt.AppendRow(table.Row{p.ID, p.Amount.StringFixed(2), p.Status, deref(p.Method), engine.ExternalReference(p.BatchID, p.ID)})
				}
				pt.Render()
				return nil
			})
		},
	}
}

func batchCancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <batch-id>",
		Short: "Cancel a batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.CancelBatch(ctx, currentActor(), args[0], reason)
				if err != nil {
					return err
				}
				return printOutcome(res, string(res.Outcome), res.Batch)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "cancellation reason")
	return cmd
}

func batchFinalizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "finalize <batch-id>",
		Short: "Finalize a batch whose report was issued",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.FinalizeBatch(ctx, currentActor(), args[0])
				if err != nil {
					return err
				}
				return printOutcome(res, string(res.Outcome), res.Batch)
			})
		},
	}
}

func batchRecalculateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recalculate <batch-id>",
		Short: "Re-derive batch status from its evaluations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.RecalculateBatch(ctx, currentActor(), args[0])
				if err != nil {
					return err
				}
				return printOutcome(res, string(res.Outcome), res.Batch)
			})
		},
	}
}

// --- evaluations ---

func evaluationCmd() *cobra.Command {
	ev := &cobra.Command{Use: "evaluation", Short: "Manage evaluations"}
	ev.AddCommand(evaluationAddCmd(), evaluationStatusCmd())
	return ev
}

func evaluationAddCmd() *cobra.Command {
	var id, subject string
	cmd := &cobra.Command{
		Use:   "add <batch-id>",
		Short: "Release an evaluation into a batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ev, err := e.AddEvaluation(ctx, currentActor(), args[0], engine.AddEvaluationInput{ID: id, SubjectID: subject})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(ev)
				}
				fmt.Printf("Evaluation %s added to %s (%s)\n", ev.ID, ev.BatchID, ev.Status)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "evaluation id (generated when empty)")
	cmd.Flags().StringVar(&subject, "subject", "", "evaluated subject id")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func evaluationStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-status <evaluation-id> <status>",
		Short: "Move an evaluation and recalculate its batch",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.UpdateEvaluationStatus(ctx, currentActor(), args[0], args[1])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("Evaluation %s: %s (%s)\n", res.Evaluation.ID, res.Evaluation.Status, res.Outcome)
				if res.BatchChanged {
					fmt.Printf("Batch %s moved to %s\n", res.Batch.ID, res.Batch.Status)
				}
				return nil
			})
		},
	}
}

// --- emission ---

func emissionCmd() *cobra.Command {
	em := &cobra.Command{Use: "emission", Short: "Report emission"}
	em.AddCommand(&cobra.Command{
		Use:   "request <batch-id>",
		Short: "Request report emission for a concluded batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.RequestEmission(ctx, currentActor(), args[0])
				if err != nil {
					return err
				}
				return printOutcome(res, string(res.Outcome), res.Batch)
			})
		},
	})
	return em
}

func artifactCmd() *cobra.Command {
	a := &cobra.Command{Use: "artifact", Short: "Report artifacts"}
	a.AddCommand(artifactConfirmCmd(), artifactVerifyCmd())
	return a
}

func artifactConfirmCmd() *cobra.Command {
	var file, hash string
	cmd := &cobra.Command{
		Use:   "confirm <batch-id>",
		Short: "Upload the report PDF and issue the report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(file)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.ConfirmArtifact(ctx, currentActor(), engine.ConfirmInput{BatchID: args[0], Data: data, ClientHash: hash})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("Report %s %s (%s)\n", res.Report.ID, res.Report.Status, res.Outcome)
				if res.Report.ContentHash != nil {
					fmt.Printf("sha256 %s\n", *res.Report.ContentHash)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "PDF path, - for stdin")
	cmd.Flags().StringVar(&hash, "sha256", "", "expected sha256 (logged on mismatch)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func artifactVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <batch-id>",
		Short: "Re-hash the stored artifact against the issued hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.VerifyReport(ctx, currentActor(), args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(v)
				}
				t := newTable("REPORT", "STORED", "COMPUTED", "BYTES", "MATCH")
				t.AppendRow(table.Row{v.ReportID, v.StoredHash, v.ComputedHash, v.SizeBytes, v.Match})
				t.Render()
				if !v.Match {
					return fmt.Errorf("artifact for %s does not match its issued hash", args[0])
				}
				return nil
			})
		},
	}
}

// --- payments ---

func paymentCmd() *cobra.Command {
	p := &cobra.Command{Use: "payment", Short: "Batch payments"}
	p.AddCommand(paymentCreateCmd())
	return p
}

func paymentCreateCmd() *cobra.Command {
	var id, amount string
	cmd := &cobra.Command{
		Use:   "create <batch-id>",
		Short: "Open a pending payment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := decimal.NewFromString(amount)
			if err != nil {
				return fmt.Errorf("invalid amount %q: %w", amount, err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.CreatePayment(ctx, currentActor(), engine.CreatePaymentInput{ID: id, BatchID: args[0], Amount: value})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(p)
				}
				fmt.Printf("Payment %s pending for %s; gateway reference %s\n", p.ID, p.Amount.StringFixed(2), engine.ExternalReference(p.BatchID, p.ID))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "payment id (generated when empty)")
	cmd.Flags().StringVar(&amount, "amount", "", "amount, e.g. 150.00")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func webhookCmd() *cobra.Command {
	w := &cobra.Command{Use: "webhook", Short: "Payment gateway events"}
	var file string
	apply := &cobra.Command{
		Use:   "apply",
		Short: "Apply a gateway event from a JSON file",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readInput(file)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.ReceiveWebhook(ctx, raw)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("Event %s: %s\n", res.EventID, res.Outcome)
				return nil
			})
		},
	}
	apply.Flags().StringVarP(&file, "file", "f", "-", "event JSON path, - for stdin")
	list := &cobra.Command{
		Use:   "list",
		Short: "List processed gateway events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListWebhookEvents(ctx, 50)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := newTable("EVENT", "TYPE", "OUTCOME", "PROCESSED")
				for _, it := range items {
					t.AppendRow(table.Row{it.ExternalID, it.EventType, it.Outcome, it.ProcessedAt})
				}
				t.Render()
				return nil
			})
		},
	}
	w.AddCommand(apply, list)
	return w
}

// --- audit and retry ---

func auditCmd() *cobra.Command {
	a := &cobra.Command{Use: "audit", Short: "Audit log"}
	var n int
	var resourceType, resourceID, actorID string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show the newest audit entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListAudit(ctx, currentActor(), audit.Filter{
					ResourceType: resourceType,
					ResourceID:   resourceID,
					ActorID:      actorID,
					Limit:        n,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := newTable("WHEN", "ACTOR", "ACTION", "RESOURCE", "OUTCOME", "CODE")
				for _, it := range items {
					t.AppendRow(table.Row{it.CreatedAt, it.ActorID, it.Action, it.ResourceType + "/" + it.ResourceID, it.Outcome, it.ErrorCode})
				}
				t.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of entries")
	tail.Flags().StringVar(&resourceType, "resource-type", "", "resource type filter")
	tail.Flags().StringVar(&resourceID, "resource-id", "", "resource id filter")
	tail.Flags().StringVar(&actorID, "by", "", "actor id filter")
	a.AddCommand(tail)
	return a
}

func retryCmd() *cobra.Command {
	r := &cobra.Command{Use: "retry", Short: "Retry policies"}
	r.AddCommand(&cobra.Command{
		Use:   "presets",
		Short: "List built-in retry presets and configured overrides",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			var policies []retry.Policy
			for _, name := range retry.PresetNames() {
				p, err := cfg.RetryPolicy(name)
				if err != nil {
					return err
				}
				policies = append(policies, p)
			}
			if viper.GetBool("json") {
				return printJSON(policies)
			}
			t := newTable("NAME", "ATTEMPTS", "INITIAL", "MULTIPLIER", "MAX", "JITTER", "TIMEOUT")
			for _, p := range policies {
				t.AppendRow(table.Row{p.Name, p.MaxAttempts, p.InitialDelay, p.Multiplier, p.MaxDelay, p.Jitter, p.Timeout})
			}
			t.Render()
			return nil
		},
	})
	return r
}

func statesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "states [batch|evaluation|report|payment]",
		Short: "Print allowed status transitions",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resources := []lifecycle.Resource{lifecycle.Batch, lifecycle.Evaluation, lifecycle.Report, lifecycle.Payment}
			if len(args) == 1 {
				resources = []lifecycle.Resource{lifecycle.Resource(args[0])}
			}
			out := map[lifecycle.Resource][]lifecycle.Edge{}
			for _, r := range resources {
				edges := lifecycle.Edges(r)
				if len(edges) == 0 {
					return fmt.Errorf("unknown resource %q", r)
				}
				out[r] = edges
			}
			if viper.GetBool("json") {
				return printJSON(out)
			}
			t := newTable("RESOURCE", "FROM", "TO", "TERMINAL")
			for _, r := range resources {
				for _, e := range out[r] {
					t.AppendRow(table.Row{r, e.From, e.To, lifecycle.IsTerminal(r, e.To)})
				}
			}
			t.Render()
			return nil
		},
	}
}

// --- helpers ---

func loadConfig() (*config.Config, error) {
	return config.LoadOptional(viper.GetString("workspace"))
}

func newLogger(cfg *config.Config) *logrus.Logger {
	return logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
}

func currentActor() domain.Actor {
	return domain.Actor{
		ID:       viper.GetString("actor-id"),
		Role:     viper.GetString("role"),
		TenantID: viper.GetString("tenant"),
	}
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := app.Open(ctx, viper.GetString("workspace"), cfg, newLogger(cfg))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withApp(ctx, func(ctx context.Context, a *app.App) error {
		return fn(ctx, a.Engine)
	})
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func newTable(header ...any) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row(header))
	return t
}

func printBatches(items []domain.Batch) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	t := newTable("ID", "TENANT", "STATUS", "EVALUATIONS", "DONE", "OFF", "PAYMENT", "UPDATED")
	for _, b := range items {
		t.AppendRow(table.Row{b.ID, b.TenantID, b.Status, b.TotalEvaluations, b.CompletedCount, b.DeactivatedCount, b.PaymentStatus, b.UpdatedAt})
	}
	t.Render()
	return nil
}

func printOutcome(v any, outcome string, b domain.Batch) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	fmt.Printf("Batch %s: %s (%s)\n", b.ID, b.Status, outcome)
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func deref(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}
