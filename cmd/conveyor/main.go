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

	"conveyor/internal/app"
	"conveyor/internal/config"
	"conveyor/internal/db"
	"conveyor/internal/domain"
	"conveyor/internal/engine"
	"conveyor/internal/repo"
	"conveyor/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "conveyor",
	Short: "Conveyor CLI",
	Long: `Conveyor orchestrates property purchase workflows.
Core concepts:
- Workspace: the .conveyor directory holding the engine database; conveyor.yml beside it tunes sync, guards and default document requirements.
- Template: a published DAG of task definitions (roles, durations, dependencies) for one transaction type.
- Transaction: one property purchase; orchestrating a template instantiates its tasks for the transaction.
- Tasks: unlock as their dependencies complete; OR-gated tasks unlock on the first completed dependency.
- Case: the legal file opened on deposit confirmation; moves through a guarded chain from new to completed.
- Milestones: groups of tasks on the case; completing the signing milestone advances an awaiting_signature case.
- Sync: queued deltas exchanged with the buyer portal, retried with backoff by a worker pool.
- Timeline: critical-path projection over the task graph with per-task slack and due dates.
- Event log: diary of changes, view with 'conveyor log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
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
	viper.SetEnvPrefix("CONVEYOR")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("engine-id", "conveyor", "engine id for seeded config")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("engine-id", rootCmd.PersistentFlags().Lookup("engine-id"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(templateCmd())
	rootCmd.AddCommand(orchestrateCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(timelineCmd())
	rootCmd.AddCommand(caseCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(professionalCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

// --- config ---

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "Config is the rulebook in conveyor.yml: sync tuning, conflict ownership, guard milestones and default document requirements per transaction type.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default conveyor.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			content := config.GenerateDefault(viper.GetString("engine-id"))
			if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(func(ctx context.Context, s *app.Services) error {
				return printJSONOrTable(s.Config)
			})
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate workspace config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err == nil {
				err = cfg.Validate()
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

// --- templates ---

func templateCmd() *cobra.Command {
	tpl := &cobra.Command{
		Use:   "template",
		Short: "Manage workflow templates",
		Long:  "Templates define the task graph for one transaction type. Publishing validates the graph (unique ids, known dependencies, no cycles) and freezes it for orchestration.",
	}
	tpl.AddCommand(templatePublishCmd())
	tpl.AddCommand(templateListCmd())
	tpl.AddCommand(templateShowCmd())
	return tpl
}

func templatePublishCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish a template from YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			return withServices(func(ctx context.Context, s *app.Services) error {
				tpl, err := s.Catalog.ImportYAML(ctx, data, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(tpl)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to template YAML")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func templateListCmd() *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List published templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(func(ctx context.Context, s *app.Services) error {
				items, err := s.Catalog.List(ctx, role)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Type", "Tasks"})
				for _, t := range items {
					tw.AppendRow(table.Row{t.ID, t.Name, t.TransactionType, len(t.Tasks)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "only templates containing tasks for this role")
	return cmd
}

func templateShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(func(ctx context.Context, s *app.Services) error {
				tpl, err := s.Catalog.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(tpl)
			})
		},
	}
	return cmd
}

// --- orchestration ---

func orchestrateCmd() *cobra.Command {
	var templateID, transactionID, buyerID, propertyID, txnType string
	var autoAssign bool
	cmd := &cobra.Command{
		Use:   "orchestrate",
		Short: "Instantiate a template for a transaction",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(func(ctx context.Context, s *app.Services) error {
				res, err := s.Engine.Instantiate(ctx, templateID, engine.TransactionContext{
					TransactionID: transactionID,
					BuyerID:       buyerID,
					PropertyID:    propertyID,
					Type:          txnType,
				}, engine.InstantiateOptions{AutoAssign: autoAssign})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("Transaction: %s\n", res.TransactionID)
				fmt.Printf("Estimated completion: %s\n", res.EstimatedCompletion)
				for _, w := range res.Warnings {
					fmt.Printf("warning: %s\n", w)
				}
				printTaskTable(res.Tasks)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&templateID, "template", "", "template id")
	cmd.Flags().StringVar(&transactionID, "transaction", "", "existing transaction id (optional)")
	cmd.Flags().StringVar(&buyerID, "buyer", "", "buyer id")
	cmd.Flags().StringVar(&propertyID, "property", "", "property id")
	cmd.Flags().StringVar(&txnType, "type", "purchase", "transaction type")
	cmd.Flags().BoolVar(&autoAssign, "auto-assign", false, "assign tasks to active professionals by role")
	_ = cmd.MarkFlagRequired("template")
	return cmd
}

// --- tasks ---

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage task instances",
		Long:  "Tasks flow pending -> unlocked -> in_progress -> completed; blocked and cancelled are side exits. Completing a task unlocks dependents whose gate is satisfied.",
	}
	task.AddCommand(taskListCmd())
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskSetStatusCmd())
	task.AddCommand(taskActiveCmd())
	return task
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(func(ctx context.Context, s *app.Services) error {
				tasks, err := s.Repo.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				printTaskTable(tasks)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.TransactionID, "transaction", "", "transaction filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.AssignedTo, "assignee", "", "assignee filter")
	cmd.Flags().StringVar(&f.Role, "role", "", "role filter")
	return cmd
}

func taskShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(func(ctx context.Context, s *app.Services) error {
				t, err := s.Repo.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func taskSetStatusCmd() *cobra.Command {
	var status, notes string
	cmd := &cobra.Command{
		Use:   "set-status <id>",
		Short: "Update task status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(func(ctx context.Context, s *app.Services) error {
				res, err := s.Engine.UpdateTaskStatus(ctx, args[0], status, viper.GetString("actor-id"), notes)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				for _, w := range res.Warnings {
					fmt.Printf("warning: %s\n", w)
				}
				fmt.Printf("%s: %s\n", res.Task.Name, res.Task.Status)
				for _, t := range res.TriggeredTasks {
					fmt.Printf("unlocked: %s\n", t.Name)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "new status")
	cmd.Flags().StringVar(&notes, "notes", "", "notes")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func taskActiveCmd() *cobra.Command {
	var userID, role string
	cmd := &cobra.Command{
		Use:   "active",
		Short: "List actionable tasks for a user or role",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(func(ctx context.Context, s *app.Services) error {
				tasks, err := s.Engine.GetActiveTasks(ctx, userID, role)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				printTaskTable(tasks)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "assignee id")
	cmd.Flags().StringVar(&role, "role", "", "role")
	return cmd
}

// --- timeline ---

func timelineCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "timeline <transaction-id>",
		Short: "Show the schedule projection for a transaction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(func(ctx context.Context, s *app.Services) error {
				tl, err := s.Engine.Timeline(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tl)
				}
				fmt.Printf("Estimated completion: %s (%.0fh on critical path)\n", tl.EstimatedCompletion, tl.TotalHours)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Task", "Start", "Finish", "Slack (h)", "Critical", "Delay (d)"})
				for _, e := range tl.Entries {
					critical := ""
					if e.Critical {
						critical = "*"
					}
					tw.AppendRow(table.Row{e.Name, e.EarliestStart, e.EarliestFinish, fmt.Sprintf("%.0f", e.SlackHours), critical, e.DelayDays})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

// --- cases ---

func caseCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "case",
		Short: "Manage legal cases",
		Long:  "Cases track the legal side of a purchase through a guarded chain of statuses, carrying document requirements and milestones.",
	}
	c.AddCommand(caseOpenCmd())
	c.AddCommand(caseShowCmd())
	c.AddCommand(caseSetStatusCmd())
	c.AddCommand(caseAssignSolicitorCmd())
	c.AddCommand(caseMilestonesCmd())
	c.AddCommand(caseDocumentsCmd())
	c.AddCommand(caseSubmitDocCmd())
	c.AddCommand(caseReviewDocCmd())
	return c
}

func caseOpenCmd() *cobra.Command {
	var transactionID string
	cmd := &cobra.Command{
		Use:   "open",
		Short: "Open a case for a transaction",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(func(ctx context.Context, s *app.Services) error {
				c, err := s.Machine.Open(ctx, transactionID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&transactionID, "transaction", "", "transaction id")
	_ = cmd.MarkFlagRequired("transaction")
	return cmd
}

func caseShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(func(ctx context.Context, s *app.Services) error {
				c, err := s.Machine.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	return cmd
}

func caseSetStatusCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "set-status <id>",
		Short: "Transition a case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(func(ctx context.Context, s *app.Services) error {
				res, err := s.Machine.Transition(ctx, args[0], status, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				for _, w := range res.Warnings {
					fmt.Printf("warning: %s\n", w)
				}
				fmt.Printf("%s: %s\n", res.Case.CaseNumber, res.Case.Status)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "new status")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func caseAssignSolicitorCmd() *cobra.Command {
	var solicitorID string
	cmd := &cobra.Command{
		Use:   "assign-solicitor <id>",
		Short: "Assign the acting solicitor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(func(ctx context.Context, s *app.Services) error {
				if err := s.Machine.AssignSolicitor(ctx, args[0], solicitorID, viper.GetString("actor-id")); err != nil {
					return err
				}
				c, err := s.Machine.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&solicitorID, "solicitor", "", "solicitor id")
	_ = cmd.MarkFlagRequired("solicitor")
	return cmd
}

func caseMilestonesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "milestones <id>",
		Short: "List case milestones",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(func(ctx context.Context, s *app.Services) error {
				items, err := s.Repo.ListMilestones(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Status", "Tasks", "Due"})
				for _, ms := range items {
					due := ""
					if ms.DueDate != nil {
						due = *ms.DueDate
					}
					tw.AppendRow(table.Row{ms.ID, ms.Name, ms.Status, len(ms.TaskIDs), due})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func caseDocumentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "documents <id>",
		Short: "List document requirements",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(func(ctx context.Context, s *app.Services) error {
				items, err := s.Repo.ListDocumentRequirements(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Title", "Mandatory", "Status"})
				for _, r := range items {
					tw.AppendRow(table.Row{r.ID, r.DocType, r.Title, r.Mandatory, r.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func caseSubmitDocCmd() *cobra.Command {
	var requirementID, ref string
	cmd := &cobra.Command{
		Use:   "submit-doc <case-id>",
		Short: "Submit a document for a requirement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(func(ctx context.Context, s *app.Services) error {
				doc, err := s.Machine.SubmitDocument(ctx, args[0], requirementID, ref, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(doc)
			})
		},
	}
	cmd.Flags().StringVar(&requirementID, "requirement", "", "document requirement id")
	cmd.Flags().StringVar(&ref, "ref", "", "opaque document reference")
	_ = cmd.MarkFlagRequired("requirement")
	_ = cmd.MarkFlagRequired("ref")
	return cmd
}

func caseReviewDocCmd() *cobra.Command {
	var reject bool
	var reason string
	cmd := &cobra.Command{
		Use:   "review-doc <requirement-id>",
		Short: "Verify or reject a submitted document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(func(ctx context.Context, s *app.Services) error {
				if err := s.Machine.ReviewDocument(ctx, args[0], !reject, reason, viper.GetString("actor-id")); err != nil {
					return err
				}
				req, err := s.Repo.GetDocumentRequirement(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(req)
			})
		},
	}
	cmd.Flags().BoolVar(&reject, "reject", false, "reject instead of verify")
	cmd.Flags().StringVar(&reason, "reason", "", "rejection reason")
	return cmd
}

// --- sync ---

func syncCmd() *cobra.Command {
	s := &cobra.Command{
		Use:   "sync",
		Short: "Portal synchronization",
		Long:  "Sync records carry deltas between the case record and the buyer portal. Transient failures retry with exponential backoff; the retry ceiling marks a record failed.",
	}
	s.AddCommand(syncEnqueueCmd())
	s.AddCommand(syncListCmd())
	s.AddCommand(syncShowCmd())
	s.AddCommand(syncStatsCmd())
	s.AddCommand(syncRunCmd())
	s.AddCommand(syncWorkerCmd())
	return s
}

func syncStatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show queue depth per status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(func(ctx context.Context, s *app.Services) error {
				counts, err := s.Sync.Stats(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(counts)
				}
				for status, n := range counts {
					fmt.Printf("%s: %d\n", status, n)
				}
				return nil
			})
		},
	}
	return cmd
}

func syncEnqueueCmd() *cobra.Command {
	var caseID, direction, kind, payloadJSON string
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Queue a sync delta",
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload map[string]any
			if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
				return fmt.Errorf("invalid --payload-json: %w", err)
			}
			return withServices(func(ctx context.Context, s *app.Services) error {
				rec, err := s.Sync.Enqueue(ctx, caseID, direction, kind, payload, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(rec)
			})
		},
	}
	cmd.Flags().StringVar(&caseID, "case", "", "case id")
	cmd.Flags().StringVar(&direction, "direction", domain.SyncCaseToPortal, "portal_to_case or case_to_portal")
	cmd.Flags().StringVar(&kind, "kind", "", "payload kind")
	cmd.Flags().StringVar(&payloadJSON, "payload-json", "{}", "payload JSON")
	_ = cmd.MarkFlagRequired("case")
	_ = cmd.MarkFlagRequired("kind")
	return cmd
}

func syncListCmd() *cobra.Command {
	var caseID, status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sync records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(func(ctx context.Context, s *app.Services) error {
				items, err := s.Sync.Records(ctx, caseID, status)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Case", "Direction", "Kind", "Status", "Retries", "Next retry"})
				for _, rec := range items {
					next := ""
					if rec.NextRetryAt != nil {
						next = *rec.NextRetryAt
					}
					tw.AppendRow(table.Row{rec.ID, rec.CaseID, rec.Direction, rec.Kind, rec.Status, rec.RetryCount, next})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&caseID, "case", "", "case filter")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	return cmd
}

func syncShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a sync record with its error history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(func(ctx context.Context, s *app.Services) error {
				rec, err := s.Sync.Record(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(rec)
			})
		},
	}
	return cmd
}

func syncRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Process due sync records once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(func(ctx context.Context, s *app.Services) error {
				n, err := s.Sync.ProcessDue(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("processed %d records\n", n)
				return nil
			})
		},
	}
	return cmd
}

func syncWorkerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the sync worker pool until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(func(ctx context.Context, s *app.Services) error {
				fmt.Printf("sync worker: %d workers, portal %s\n", s.Config.Sync.Workers, s.Config.Sync.PortalURL)
				s.Sync.Run(ctx)
				return nil
			})
		},
	}
	return cmd
}

// --- professionals ---

func professionalCmd() *cobra.Command {
	p := &cobra.Command{
		Use:   "professional",
		Short: "Manage professionals available for assignment",
	}
	p.AddCommand(professionalAddCmd())
	p.AddCommand(professionalListCmd())
	return p
}

func professionalAddCmd() *cobra.Command {
	var pro domain.Professional
	var inactive bool
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add or update a professional",
		RunE: func(cmd *cobra.Command, args []string) error {
			if pro.ID == "" {
				pro.ID = uuid.NewString()
			}
			pro.Active = !inactive
			return withServices(func(ctx context.Context, s *app.Services) error {
				if err := s.Repo.UpsertProfessional(ctx, pro); err != nil {
					return err
				}
				return printJSONOrTable(pro)
			})
		},
	}
	cmd.Flags().StringVar(&pro.ID, "id", "", "professional id (generated if omitted)")
	cmd.Flags().StringVar(&pro.Name, "name", "", "name")
	cmd.Flags().StringVar(&pro.Role, "role", "", "role (solicitor, surveyor, agent, ...)")
	cmd.Flags().BoolVar(&inactive, "inactive", false, "mark inactive")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func professionalListCmd() *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List professionals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(func(ctx context.Context, s *app.Services) error {
				items, err := s.Repo.ListProfessionals(ctx, role)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Role", "Active"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Name, p.Role, p.Active})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "role filter")
	return cmd
}

// --- api keys ---

func apikeyCmd() *cobra.Command {
	k := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys for the HTTP server",
	}
	k.AddCommand(apikeyCreateCmd())
	k.AddCommand(apikeyListCmd())
	k.AddCommand(apikeyDeleteCmd())
	return k
}

func apikeyCreateCmd() *cobra.Command {
	var actorID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (the raw key is printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" {
				actorID = viper.GetString("actor-id")
			}
			raw := uuid.NewString()
			return withServices(func(ctx context.Context, s *app.Services) error {
				key := domain.APIKey{
					ID:        uuid.NewString(),
					ActorID:   actorID,
					Name:      name,
					KeyHash:   repo.HashAPIKey(raw),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := s.Repo.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "actor_id": key.ActorID, "key": raw})
				}
				fmt.Printf("API key for %s: %s\n", actorID, raw)
				fmt.Println("Store it now; only the hash is kept.")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(func(ctx context.Context, s *app.Services) error {
				items, err := s.Repo.ListAPIKeys(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range items {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(func(ctx context.Context, s *app.Services) error {
				return s.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

// --- log ---

func logCmd() *cobra.Command {
	lg := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: orchestrations, task changes, case transitions, sync deliveries.",
	}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var transactionID, evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(func(ctx context.Context, s *app.Services) error {
				events, err := s.Repo.LatestEvents(ctx, n, transactionID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&transactionID, "transaction", "", "transaction filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

// --- serve ---

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowLegacyHeader, withWorker bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(func(ctx context.Context, s *app.Services) error {
				authCfg := server.AuthConfig{
					JWTSecret:              os.Getenv("CONVEYOR_JWT_SECRET"),
					AllowLegacyActorHeader: allowLegacyHeader,
				}
				if authCfg.JWTSecret == "" && !allowLegacyHeader {
					return fmt.Errorf("CONVEYOR_JWT_SECRET is required for bearer auth (or pass --allow-legacy-actor-header)")
				}
				handler, err := server.New(server.Config{
					Engine:   s.Engine,
					Catalog:  s.Catalog,
					Machine:  s.Machine,
					Sync:     s.Sync,
					BasePath: basePath,
					Auth:     authCfg,
				})
				if err != nil {
					return err
				}
				if withWorker {
					go s.Sync.Run(ctx)
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Conveyor API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&allowLegacyHeader, "allow-legacy-actor-header", false, "accept X-Actor-Id without credentials (dev only)")
	cmd.Flags().BoolVar(&withWorker, "with-sync-worker", true, "run the sync worker pool alongside the server")
	return cmd
}

// --- helpers ---

func withServices(fn func(context.Context, *app.Services) error) error {
	s, err := app.Open(viper.GetString("workspace"), viper.GetString("engine-id"))
	if err != nil {
		return err
	}
	defer s.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	return fn(ctx, s)
}

func printTaskTable(tasks []domain.TaskInstance) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Name", "Role", "Status", "Assignee", "Due"})
	for _, t := range tasks {
		assignee := ""
		if t.AssignedTo != nil {
			assignee = *t.AssignedTo
		}
		due := ""
		if t.DueDate != nil {
			due = *t.DueDate
		}
		tw.AppendRow(table.Row{t.ID, t.Name, t.Role, t.Status, assignee, due})
	}
	tw.Render()
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
