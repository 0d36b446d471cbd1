package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"portability/internal/app"
	"portability/internal/config"
	"portability/internal/db"
	"portability/internal/domain"
	"portability/internal/engine"
	"portability/internal/repo"
	"portability/internal/server"
	"portability/internal/tracing"
)

const version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:   "portability",
	Short: "Data portability request service",
	Long: `portability manages requests by data subjects to export everything held about them.
- Request: one export for an owner, opened by the owner or by an admin on their behalf.
- Lifecycle: waiting_for_approval -> pending -> running -> done; denied and canceled are exits.
- Services: external systems told (with a signed identifier) that an export started.
- Artifact: the zip archive with <request id>.json, deleted after expire_after.
- Jobs: background work (notify, export, delete) run by 'portability worker' or 'portability serve'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if _, err := db.EnsureWorkspace(viper.GetString("workspace")); err != nil {
			return err
		}
		if file := viper.GetString("trace-file"); file != "" {
			return tracing.Init("portability", version, file)
		}
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return tracing.Shutdown(context.Background())
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("PORTABILITY")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.String("config", "", "config file (default <workspace>/portability.yml)")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "local-admin", "actor identifier recorded in the event log")
	flags.String("artifacts-url", "", "artifact storage location (path or afs URL)")
	flags.String("token", "", "shared service token (overrides config)")
	flags.String("jwt-secret", "", "HS256 secret for API bearer tokens")
	flags.String("trace-file", "", "write OpenTelemetry spans to this file")
	for _, name := range []string{"workspace", "config", "json", "actor-id", "artifacts-url", "token", "jwt-secret", "trace-file"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(requestCmd())
	rootCmd.AddCommand(jobsCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(tokenCmd())
}

func newLogger() *log.Logger {
	return log.New(os.Stderr, "", log.LstdFlags)
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var noWorker, legacyHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the job worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withRuntime(ctx, func(ctx context.Context, rt *app.Runtime) error {
				authCfg := server.AuthConfig{
					JWTSecret:              viper.GetString("jwt-secret"),
					AllowLegacyActorHeader: legacyHeader,
					Logger:                 rt.Engine.Logger,
				}
				if authCfg.JWTSecret == "" && !legacyHeader {
					return fmt.Errorf("PORTABILITY_JWT_SECRET is required for bearer auth")
				}
				handler, err := server.New(server.Config{Engine: rt.Engine, BasePath: basePath, Auth: authCfg})
				if err != nil {
					return err
				}
				if !noWorker {
					w := rt.Engine.NewWorker()
					go func() {
						if err := w.Run(ctx); err != nil {
							rt.Engine.Logger.Printf("worker: stopped: %v", err)
						}
					}()
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving portability API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&noWorker, "no-worker", false, "do not run background jobs in this process")
	cmd.Flags().BoolVar(&legacyHeader, "allow-actor-header", false, "trust X-Actor-Id without a token (local use only)")
	return cmd
}

func workerCmd() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run background jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withRuntime(ctx, func(ctx context.Context, rt *app.Runtime) error {
				w := rt.Engine.NewWorker()
				if once {
					n, err := w.Drain(ctx)
					if err != nil {
						return err
					}
					if viper.GetBool("json") {
						return printJSON(map[string]int{"processed": n})
					}
					fmt.Printf("processed %d jobs\n", n)
					return nil
				}
				return w.Run(ctx)
			})
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run due jobs and exit")
	return cmd
}

func requestCmd() *cobra.Command {
	req := &cobra.Command{Use: "request", Short: "Manage portability requests"}
	req.AddCommand(requestCreateCmd())
	req.AddCommand(requestListCmd())
	req.AddCommand(requestShowCmd())
	req.AddCommand(requestEventCmd("approve", "Approve a waiting request", engine.Engine.Approve))
	req.AddCommand(requestEventCmd("deny", "Deny a waiting request", engine.Engine.Deny))
	req.AddCommand(requestEventCmd("cancel", "Cancel a waiting request", engine.Engine.Cancel))
	req.AddCommand(requestLogCmd())
	req.AddCommand(requestDownloadCmd())
	return req
}

func requestCreateCmd() *cobra.Command {
	var ownerType, ownerID, requestedBy string
	var attrs []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Open a request for an owner",
		RunE: func(cmd *cobra.Command, args []string) error {
			attributes, err := parseAttributes(attrs)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				r, err := e.CreateRequest(ctx, engine.CreateRequestOptions{
					Owner:       domain.Owner{Type: ownerType, ID: ownerID, Attributes: attributes},
					RequestedBy: requestedBy,
					ActorID:     viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printRequest(r)
			})
		},
	}
	cmd.Flags().StringVar(&ownerType, "owner-type", "user", "owner entity type")
	cmd.Flags().StringVar(&ownerID, "owner-id", "", "owner id")
	cmd.Flags().StringVar(&requestedBy, "requested-by", "", "who initiated the request (empty: the owner)")
	cmd.Flags().StringArrayVar(&attrs, "attr", nil, "owner attribute key=value (repeatable)")
	_ = cmd.MarkFlagRequired("owner-id")
	return cmd
}

func requestListCmd() *cobra.Command {
	var f repo.RequestFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListRequests(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Owner", "Requested By", "State", "Attachment", "Expire At", "Created"})
				for _, r := range items {
					attached := ""
					if r.AttachmentRef != "" {
						attached = "yes"
					}
					tw.AppendRow(table.Row{r.ID, r.Owner.Key(), r.RequestedBy, r.State, attached, stringOrEmpty(r.ExpireAt), r.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.OwnerType, "owner-type", "", "owner type filter")
	cmd.Flags().StringVar(&f.OwnerID, "owner-id", "", "owner id filter")
	cmd.Flags().StringVar(&f.State, "state", "", "state filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum rows")
	return cmd
}

func requestShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				r, err := e.GetRequest(ctx, args[0])
				if err != nil {
					return err
				}
				return printRequest(r)
			})
		},
	}
}

type transitionFunc func(e engine.Engine, ctx context.Context, id, actorID string) (domain.Request, error)

func requestEventCmd(use, short string, fire transitionFunc) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				r, err := fire(e, ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printRequest(r)
			})
		},
	}
}

func requestLogCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "log <id>",
		Short: "Show the event history of a request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.RequestEvents(ctx, args[0], n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"#", "Time", "Type", "Actor", "Payload"})
				for _, evt := range items {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.ActorID, evt.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 0, "number of events (0 = all)")
	return cmd
}

func requestDownloadCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "download <id>",
		Short: "Save the export archive of a finished request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				data, name, err := e.Attachment(ctx, args[0])
				if err != nil {
					if errors.Is(err, repo.ErrNotFound) {
						return fmt.Errorf("request %s has no attachment", args[0])
					}
					return err
				}
				if out == "" {
					out = name
				}
				if err := os.WriteFile(out, data, 0o600); err != nil {
					return err
				}
				fmt.Printf("wrote %s (%d bytes)\n", out, len(data))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (default <id>.zip)")
	return cmd
}

func jobsCmd() *cobra.Command {
	jobs := &cobra.Command{Use: "jobs", Short: "Inspect and retry background jobs"}
	jobs.AddCommand(jobsListCmd())
	jobs.AddCommand(jobsRetryCmd())
	return jobs
}

func jobsListCmd() *cobra.Command {
	var f repo.JobFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListJobs(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Kind", "Request", "Service", "Status", "Attempts", "Run At", "Last Error"})
				for _, j := range items {
					tw.AppendRow(table.Row{j.ID, j.Kind, j.RequestID, j.Service, j.Status, j.Attempts, j.RunAt, j.LastError})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter (pending, running, done, failed)")
	cmd.Flags().StringVar(&f.RequestID, "request", "", "request id filter")
	cmd.Flags().StringVar(&f.Kind, "kind", "", "job kind filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 100, "maximum rows")
	return cmd
}

func jobsRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <id>",
		Short: "Requeue a failed job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				j, err := e.RetryJob(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(j)
			})
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage portability.yml",
		Long:  "Config is read once at start: approval policy, owner identifier, external services and their tokens, artifact retention.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default portability.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config (secrets omitted)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.ResolveConfig(viper.GetString("workspace"), viper.GetString("config"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := app.ResolveConfig(viper.GetString("workspace"), viper.GetString("config"))
			if viper.GetBool("json") {
				out := map[string]any{"ok": err == nil}
				if err != nil {
					out["error"] = err.Error()
				}
				return printJSON(out)
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func tokenCmd() *cobra.Command {
	var subject string
	var roles, attrs []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the HTTP API (local testing)",
		RunE: func(cmd *cobra.Command, args []string) error {
			attributes, err := parseAttributes(attrs)
			if err != nil {
				return err
			}
			token, err := server.SignOwnerToken(viper.GetString("jwt-secret"), subject, roles, attributes, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "token subject (actor id)")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "role claim, e.g. admin (repeatable)")
	cmd.Flags().StringArrayVar(&attrs, "attr", nil, "owner attribute key=value carried by the token, e.g. email=a@b.org (repeatable)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

// --- helpers ---

func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	rt, err := app.Open(ctx, app.Options{
		Workspace:    viper.GetString("workspace"),
		ConfigPath:   viper.GetString("config"),
		ArtifactsURL: viper.GetString("artifacts-url"),
		Token:        viper.GetString("token"),
		Logger:       newLogger(),
	})
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withRuntime(ctx, func(ctx context.Context, rt *app.Runtime) error {
		return fn(ctx, rt.Engine)
	})
}

func parseAttributes(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("invalid --attr %q, want key=value", p)
		}
		out[strings.TrimSpace(k)] = v
	}
	return out, nil
}

func printRequest(r domain.Request) error {
	if viper.GetBool("json") {
		return printJSON(r)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendRows([]table.Row{
		{"ID", r.ID},
		{"Owner", r.Owner.Key()},
		{"Requested By", r.RequestedBy},
		{"State", r.State},
		{"Attachment", r.AttachmentRef},
		{"Expire At", stringOrEmpty(r.ExpireAt)},
		{"Created", r.CreatedAt},
		{"Updated", r.UpdatedAt},
	})
	tw.Render()
	return nil
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func stringOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}
