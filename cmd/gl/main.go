package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"gateline/internal/app"
	"gateline/internal/db"
	"gateline/internal/domain"
	"gateline/internal/engine"
	"gateline/internal/policy"
	"gateline/internal/repo"
	"gateline/internal/router"
	"gateline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "gl",
	Short: "Gateline CLI",
	Long: `Gateline routes operator work requests to handling agents behind layered
governance and autonomy gates, and tracks every unit of work through an
auditable lifecycle.

- Workspace: the .gateline directory holding the ledger database; the
  autonomy policy lives next to it in gateline-policy.yml and is re-read
  on every evaluation.
- Route: classify a request into an intent, gate it, and queue a task.
- Task queue: todo -> doing -> done/blocked; blocked clears only through
  an explicit human review decision.
- Stop-loss: blocks a task after a qualifying dispatch failure so it is
  never retried automatically.
- Ledger: every transition writes its audit actions in the same
  transaction; inspect it with 'gl log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
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
	viper.SetEnvPrefix("GATELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-operator", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(routeCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(reviewCmd())
	rootCmd.AddCommand(policyCmd())
	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func routeCmd() *cobra.Command {
	var id, sessionID, initiator, goal string
	var noPublic, structured, onDemand bool
	cmd := &cobra.Command{
		Use:   "route",
		Short: "Route a work request through classification and the governance gate",
		RunE: func(cmd *cobra.Command, args []string) error {
			if goal == "" {
				return fmt.Errorf("--goal required")
			}
			if id == "" {
				id = uuid.NewString()
			}
			if sessionID == "" {
				sessionID = uuid.NewString()
			}
			req := router.Request{
				ID:        id,
				SessionID: sessionID,
				TS:        time.Now().UTC().Format(time.RFC3339),
				Initiator: initiator,
				GoalText:  goal,
				Constraints: router.Constraints{
					NoPublicExposure:      noPublic,
					StructuredOutputsOnly: structured,
					OnDemandOnly:          onDemand,
				},
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Route(ctx, req, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "request id (generated when empty)")
	cmd.Flags().StringVar(&sessionID, "session", "", "session id (generated when empty)")
	cmd.Flags().StringVar(&initiator, "initiator", "user", "initiator (user|system)")
	cmd.Flags().StringVar(&goal, "goal", "", "goal text")
	cmd.Flags().BoolVar(&noPublic, "no-public-exposure", true, "constraint: no public exposure")
	cmd.Flags().BoolVar(&structured, "structured-outputs-only", true, "constraint: structured outputs only")
	cmd.Flags().BoolVar(&onDemand, "on-demand-only", true, "constraint: on demand only")
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{Use: "task", Short: "Task queue operations"}
	task.AddCommand(taskNextCmd())
	task.AddCommand(taskExecuteCmd())
	task.AddCommand(taskGetCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskCloseCmd())
	task.AddCommand(taskStopLossCmd())
	return task
}

func popFlags(cmd *cobra.Command, sessionID, owner *string, excludeStubs *bool) {
	cmd.Flags().StringVar(sessionID, "session", "", "restrict to session")
	cmd.Flags().StringVar(owner, "owner", "", "restrict to owner agent")
	cmd.Flags().BoolVar(excludeStubs, "exclude-stubs", true, "skip placeholder tasks")
}

func taskNextCmd() *cobra.Command {
	var sessionID, owner string
	var excludeStubs bool
	cmd := &cobra.Command{
		Use:   "next",
		Short: "Pop the next eligible task through the autonomy and stop-loss gates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.PopNext(ctx, engine.PopOptions{
					SessionID:    sessionID,
					Owner:        owner,
					ExcludeStubs: excludeStubs,
					Actor:        viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	popFlags(cmd, &sessionID, &owner, &excludeStubs)
	return cmd
}

func taskExecuteCmd() *cobra.Command {
	var sessionID, owner string
	var excludeStubs bool
	cmd := &cobra.Command{
		Use:   "execute",
		Short: "Run one pop-dispatch-close cycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.ExecuteNext(ctx, engine.PopOptions{
					SessionID:    sessionID,
					Owner:        owner,
					ExcludeStubs: excludeStubs,
					Actor:        viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	popFlags(cmd, &sessionID, &owner, &excludeStubs)
	return cmd
}

func taskGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <task-id>",
		Short: "Get a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				t, err := r.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func taskListCmd() *cobra.Command {
	var sessionID, owner, status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				tasks, err := r.ListTasks(ctx, repo.TaskFilters{
					SessionID: sessionID,
					Owner:     owner,
					Status:    status,
					Limit:     limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Owner", "Intent"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.ID, t.Title, t.Status, t.Owner, t.Meta.Intent})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "filter by session")
	cmd.Flags().StringVar(&owner, "owner", "", "filter by owner agent")
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().IntVar(&limit, "n", 0, "limit")
	return cmd
}

func taskCloseCmd() *cobra.Command {
	var reason, artifactID string
	cmd := &cobra.Command{
		Use:   "close <task-id>",
		Short: "Close a doing task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Close(ctx, engine.CloseOptions{
					TaskID:     args[0],
					Reason:     reason,
					ArtifactID: artifactID,
					Actor:      viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "closure reason")
	cmd.Flags().StringVar(&artifactID, "artifact", "", "artifact reference")
	return cmd
}

func taskStopLossCmd() *cobra.Command {
	var failureType, reason, step string
	cmd := &cobra.Command{
		Use:   "stop-loss <task-id>",
		Short: "Apply the stop-loss gate to a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.ApplyStopLoss(ctx, engine.StopLossOptions{
					TaskID:      args[0],
					FailureType: failureType,
					Reason:      reason,
					Step:        step,
					Actor:       viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&failureType, "failure-type", "", "REJECTED|HARD_BLOCK|GOVERNANCE_UNRESOLVED|NO_ARTIFACT")
	cmd.Flags().StringVar(&reason, "reason", "", "failure reason")
	cmd.Flags().StringVar(&step, "step", "", "step at which the failure occurred")
	return cmd
}

func reviewCmd() *cobra.Command {
	var decision, reason string
	cmd := &cobra.Command{
		Use:   "review <task-id>",
		Short: "Apply a human review decision to a blocked task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Review(ctx, engine.ReviewOptions{
					TaskID:   args[0],
					Decision: decision,
					Reason:   reason,
					Reviewer: viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&decision, "decision", "", "retry|close|reject")
	cmd.Flags().StringVar(&reason, "reason", "", "review rationale")
	return cmd
}

func policyCmd() *cobra.Command {
	pol := &cobra.Command{Use: "policy", Short: "Autonomy policy operations"}
	pol.AddCommand(policyCheckCmd())
	pol.AddCommand(policyValidateCmd())
	pol.AddCommand(policyInitCmd())
	return pol
}

func policyCheckCmd() *cobra.Command {
	var title, details, intent string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Evaluate the autonomy gate against a hypothetical task",
		RunE: func(cmd *cobra.Command, args []string) error {
			gate := policy.Gate{Workspace: viper.GetString("workspace")}
			v := gate.Check(title, details, intent)
			return printJSONOrTable(map[string]any{"ok": v.Allowed, "verdict": v})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "task title")
	cmd.Flags().StringVar(&details, "details", "", "task details")
	cmd.Flags().StringVar(&intent, "intent", "", "classified intent")
	return cmd
}

func policyValidateCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a policy document",
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				p   *policy.Policy
				err error
			)
			if file != "" {
				data, rerr := os.ReadFile(file)
				if rerr != nil {
					return rerr
				}
				p, err = policy.FromYAML(data)
			} else {
				p, err = policy.Load(viper.GetString("workspace"))
			}
			if err != nil {
				return printJSONOrTable(map[string]any{"ok": false, "error": err.Error()})
			}
			return printJSONOrTable(map[string]any{"ok": true, "version": p.Version})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "policy file (defaults to the workspace policy)")
	return cmd
}

func policyInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default policy file if none exists",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if err := policy.WriteDefault(workspace); err != nil {
				return err
			}
			fmt.Println(policy.Path(workspace))
			return nil
		},
	}
	return cmd
}

func sessionCmd() *cobra.Command {
	sess := &cobra.Command{Use: "session", Short: "Session lifecycle"}
	sess.AddCommand(sessionOpenCmd())
	sess.AddCommand(sessionCloseCmd())
	sess.AddCommand(sessionListCmd())
	return sess
}

func sessionOpenCmd() *cobra.Command {
	var id, initiator string
	cmd := &cobra.Command{
		Use:   "open",
		Short: "Open a session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.OpenSession(ctx, id, initiator, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "session id (generated when empty)")
	cmd.Flags().StringVar(&initiator, "initiator", "user", "initiator (user|system)")
	return cmd
}

func sessionCloseCmd() *cobra.Command {
	var summary string
	cmd := &cobra.Command{
		Use:   "close <session-id>",
		Short: "Close an open session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.CloseSession(ctx, args[0], summary, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&summary, "summary", "", "terminal summary")
	return cmd
}

func sessionListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				sessions, err := r.ListSessions(ctx, status, limit)
				if err != nil {
					return err
				}
				return printJSONOrTable(sessions)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().IntVar(&limit, "n", 0, "limit")
	return cmd
}

func agentCmd() *cobra.Command {
	agent := &cobra.Command{Use: "agent", Short: "Agent registry"}
	agent.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List registered agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				agents, err := r.ListAgents(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(agents)
			})
		},
	})
	return agent
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Action ledger",
		Long:  "The append-only trail of routes, gates, transitions and review decisions.",
	}
	log.AddCommand(logTailCmd())
	log.AddCommand(logStatsCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var actionType, sessionID, inputRef string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail actions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				acts, err := r.LatestActions(ctx, repo.ActionFilters{
					SessionID: sessionID,
					Type:      actionType,
					InputRef:  inputRef,
					Limit:     n,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(acts)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of actions")
	cmd.Flags().StringVar(&actionType, "type", "", "action type filter")
	cmd.Flags().StringVar(&sessionID, "session", "", "session filter")
	cmd.Flags().StringVar(&inputRef, "input-ref", "", "input reference filter")
	return cmd
}

func logStatsCmd() *cobra.Command {
	var prefix string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Count actions by type",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				counts, err := r.CountActionsByType(ctx, prefix)
				if err != nil {
					return err
				}
				return printJSONOrTable(counts)
			})
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", "human_review", "action type prefix")
	return cmd
}

func apikeyCmd() *cobra.Command {
	keys := &cobra.Command{Use: "apikey", Short: "API keys for the HTTP surface"}
	keys.AddCommand(apikeyCreateCmd())
	keys.AddCommand(apikeyListCmd())
	keys.AddCommand(apikeyDeleteCmd())
	return keys
}

func apikeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (the key is shown once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				key := uuid.NewString()
				rec := domain.APIKey{
					ID:        uuid.NewString(),
					ActorID:   viper.GetString("actor-id"),
					Name:      name,
					KeyHash:   repo.HashAPIKey(key),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.InsertAPIKey(ctx, rec); err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{"id": rec.ID, "key": key})
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "filter by actor")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := app.Open(workspace)
			if err != nil {
				return err
			}
			defer conn.Close()
			e := engine.New(conn, workspace)
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("GATELINE_JWT_SECRET")}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := srv.Shutdown(ctx); err != nil {
					fmt.Println("shutdown:", err)
				}
			}()
			fmt.Printf("Serving Gateline API on http://%s%s\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	e, err := app.NewEngine(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer e.DB.Close()
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	conn, err := app.Open(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, repo.Repo{DB: conn})
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
