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
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"rollup/internal/app"
	"rollup/internal/config"
	"rollup/internal/db"
	"rollup/internal/domain"
	"rollup/internal/engine"
	"rollup/internal/repair"
	"rollup/internal/repo"
	"rollup/internal/server"
	"rollup/internal/telemetry"
)

var version = "dev"

var logger = slog.Default()

var rootCmd = &cobra.Command{
	Use:   "rl",
	Short: "Rollup CLI",
	Long: `Rollup keeps progress consistent across a Customer -> Task -> Subtask hierarchy.
- Subtasks carry status only; a task's progress is the share of its subtasks that are completed.
- A customer's progress is the share of its tasks that are completed.
- Every write to a child recomputes its parents; 'rl recalc' rebuilds progress from scratch.
- Siblings are ordered by a unique sequence; omit --sequence to take the next free slot.
- Event log: every change and recomputation, view with 'rl log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		l, err := app.NewLogger(os.Stderr, viper.GetString("log-level"), viper.GetString("log-format"))
		if err != nil {
			return err
		}
		logger = l
		slog.SetDefault(l)
		_, err = db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("ROLLUP")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "log format (text, json)")
	rootCmd.PersistentFlags().Bool("otel", false, "enable OpenTelemetry even if rollup.yml disables it")
	for _, name := range []string{"workspace", "json", "actor-id", "log-level", "log-format", "otel"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(customerCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(subtaskCmd())
	rootCmd.AddCommand(recalcCmd())
	rootCmd.AddCommand(driftCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(configCmd())
}

// --- customers ---

func customerCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "customer",
		Short: "Manage customers",
		Long:  "Customers are the top of the hierarchy. Their progress is derived from their tasks and cannot be set directly.",
	}
	c.AddCommand(customerCreateCmd())
	c.AddCommand(customerListCmd())
	c.AddCommand(customerGetCmd())
	c.AddCommand(customerUpdateCmd())
	c.AddCommand(customerTreeCmd())
	return c
}

func customerCreateCmd() *cobra.Command {
	var opts engine.CustomerCreateOptions
	var status, priority string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a customer",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			opts.Status = domain.CustomerStatus(status)
			opts.Priority = domain.Priority(priority)
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.CreateCustomer(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "customer id (optional, UUID if omitted)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "name")
	cmd.Flags().StringVar(&status, "status", "", "status (planning, active, on-hold, completed, cancelled)")
	cmd.Flags().StringVar(&priority, "priority", "", "priority (low, medium, high, urgent)")
	cmd.Flags().StringVar(&opts.StartDate, "start-date", "", "start date (YYYY-MM-DD or RFC3339)")
	cmd.Flags().StringVar(&opts.DueDate, "due-date", "", "due date (YYYY-MM-DD or RFC3339)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func customerListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List customers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListCustomers(ctx, repo.CustomerFilter{Status: domain.CustomerStatus(status), Limit: limit})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "Name", "Status", "Priority", "Progress", "Due"})
				for _, c := range items {
					tw.AppendRow(table.Row{c.ID, c.Name, c.Status, c.Priority, percent(c.Progress), stringOrEmpty(c.DueDate)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().IntVar(&limit, "limit", 0, "max rows (0 for all)")
	return cmd
}

func customerGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Get customer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.GetCustomer(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
}

func customerUpdateCmd() *cobra.Command {
	var name, status, priority, startDate, dueDate string
	var expected int
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update customer fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.CustomerUpdateOptions{
				ID:              args[0],
				ExpectedVersion: expected,
				ActorID:         viper.GetString("actor-id"),
			}
			if cmd.Flags().Changed("name") {
				opts.Name = &name
			}
			if cmd.Flags().Changed("status") {
				s := domain.CustomerStatus(status)
				opts.Status = &s
			}
			if cmd.Flags().Changed("priority") {
				p := domain.Priority(priority)
				opts.Priority = &p
			}
			if cmd.Flags().Changed("start-date") {
				opts.StartDate = &startDate
			}
			if cmd.Flags().Changed("due-date") {
				opts.DueDate = &dueDate
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.UpdateCustomer(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "new name")
	cmd.Flags().StringVar(&status, "status", "", "new status")
	cmd.Flags().StringVar(&priority, "priority", "", "new priority")
	cmd.Flags().StringVar(&startDate, "start-date", "", "start date (empty clears)")
	cmd.Flags().StringVar(&dueDate, "due-date", "", "due date (empty clears)")
	cmd.Flags().IntVar(&expected, "expected-version", 0, "reject the update unless the stored version matches")
	return cmd
}

func customerTreeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tree <id>",
		Short: "Show a customer's tasks and subtasks with progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.GetCustomer(ctx, args[0])
				if err != nil {
					return err
				}
				tasks, err := e.ListTasks(ctx, repo.TaskFilter{CustomerID: c.ID})
				if err != nil {
					return err
				}
				subtasks, err := e.ListSubtasks(ctx, repo.SubtaskFilter{CustomerID: c.ID})
				if err != nil {
					return err
				}
				byTask := map[string][]domain.Subtask{}
				for _, st := range subtasks {
					byTask[st.TaskID] = append(byTask[st.TaskID], st)
				}
				if viper.GetBool("json") {
					type taskNode struct {
						domain.Task
						Subtasks []domain.Subtask `json:"subtasks"`
					}
					nodes := make([]taskNode, 0, len(tasks))
					for _, t := range tasks {
						nodes = append(nodes, taskNode{Task: t, Subtasks: byTask[t.ID]})
					}
					return printJSON(map[string]any{"customer": c, "tasks": nodes})
				}
				fmt.Printf("%s [%s] %s\n", c.Name, c.Status, percent(c.Progress))
				for i, t := range tasks {
					printTaskTree(t, byTask[t.ID], "", i == len(tasks)-1)
				}
				return nil
			})
		},
	}
}

// --- tasks ---

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
		Long:  "Tasks belong to a customer and hold ordered subtasks. Progress follows the subtasks; a task without subtasks can have its progress set by hand.",
	}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskGetCmd())
	task.AddCommand(taskUpdateCmd())
	task.AddCommand(childStatusCmd(domain.KindTask))
	task.AddCommand(taskProgressCmd())
	task.AddCommand(childDeleteCmd(domain.KindTask))
	return task
}

func taskCreateCmd() *cobra.Command {
	var customerID string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
	}
	fields := childFlags(cmd)
	cmd.Flags().StringVar(&customerID, "customer", "", "owning customer id")
	_ = cmd.MarkFlagRequired("customer")
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
			child, p, err := e.CreateChild(ctx, domain.KindTask, customerID, fields.value(), viper.GetString("actor-id"))
			if err != nil {
				return err
			}
			return printWrite(child.Task, p)
		})
	}
	return cmd
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilter
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks in sequence order",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Status = domain.WorkStatus(status)
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks, err := e.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := newTable(table.Row{"ID", "Customer", "Seq", "Title", "Status", "Progress", "Due"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.ID, t.CustomerID, t.Sequence, t.Title, t.Status, percent(t.Progress), t.DueDate})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.CustomerID, "customer", "", "customer filter")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows (0 for all)")
	return cmd
}

func taskGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Get task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func taskUpdateCmd() *cobra.Command {
	var customerID string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update task (use --customer to move it)",
		Args:  cobra.ExactArgs(1),
	}
	upd := updateFlags(cmd)
	cmd.Flags().StringVar(&customerID, "customer", "", "move to customer id")
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		opts := engine.TaskUpdateOptions{
			ID:              args[0],
			ExpectedVersion: upd.expected,
			ActorID:         viper.GetString("actor-id"),
		}
		if cmd.Flags().Changed("customer") {
			opts.CustomerID = &customerID
		}
		opts.Title, opts.Description, opts.Status, opts.Priority, opts.DueDate, opts.Sequence = upd.pointers(cmd)
		return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
			t, p, err := e.UpdateTask(ctx, opts)
			if err != nil {
				return err
			}
			return printWrite(t, p)
		})
	}
	return cmd
}

func taskProgressCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "progress <id> <0-100>",
		Short: "Set progress of a task that has no subtasks",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var n int
			if _, err := fmt.Sscanf(args[1], "%d", &n); err != nil {
				return fmt.Errorf("progress must be an integer: %w", err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, p, err := e.SetTaskProgress(ctx, args[0], n, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printWrite(t, p)
			})
		},
	}
}

// --- subtasks ---

func subtaskCmd() *cobra.Command {
	st := &cobra.Command{
		Use:   "subtask",
		Short: "Manage subtasks",
		Long:  "Subtasks are the leaves. Completing, reopening, moving or deleting one recomputes its task and then its customer.",
	}
	st.AddCommand(subtaskCreateCmd())
	st.AddCommand(subtaskListCmd())
	st.AddCommand(subtaskGetCmd())
	st.AddCommand(subtaskUpdateCmd())
	st.AddCommand(childStatusCmd(domain.KindSubtask))
	st.AddCommand(childDeleteCmd(domain.KindSubtask))
	return st
}

func subtaskCreateCmd() *cobra.Command {
	var taskID, customerID string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a subtask",
	}
	fields := childFlags(cmd)
	cmd.Flags().StringVar(&taskID, "task", "", "owning task id")
	cmd.Flags().StringVar(&customerID, "customer", "", "fail unless the task belongs to this customer")
	_ = cmd.MarkFlagRequired("task")
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
			data := fields.value()
			data.CustomerID = customerID
			child, p, err := e.CreateChild(ctx, domain.KindSubtask, taskID, data, viper.GetString("actor-id"))
			if err != nil {
				return err
			}
			return printWrite(child.Subtask, p)
		})
	}
	return cmd
}

func subtaskListCmd() *cobra.Command {
	var f repo.SubtaskFilter
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List subtasks in sequence order",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Status = domain.WorkStatus(status)
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListSubtasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "Task", "Seq", "Title", "Status", "Completed by", "Due"})
				for _, st := range items {
					tw.AppendRow(table.Row{st.ID, st.TaskID, st.Sequence, st.Title, st.Status, stringOrEmpty(st.CompletedBy), st.DueDate})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.TaskID, "task", "", "task filter")
	cmd.Flags().StringVar(&f.CustomerID, "customer", "", "customer filter")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows (0 for all)")
	return cmd
}

func subtaskGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Get subtask",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				st, err := e.GetSubtask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(st)
			})
		},
	}
}

func subtaskUpdateCmd() *cobra.Command {
	var taskID string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update subtask (use --task to move it)",
		Args:  cobra.ExactArgs(1),
	}
	upd := updateFlags(cmd)
	cmd.Flags().StringVar(&taskID, "task", "", "move to task id")
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		opts := engine.SubtaskUpdateOptions{
			ID:              args[0],
			ExpectedVersion: upd.expected,
			ActorID:         viper.GetString("actor-id"),
		}
		if cmd.Flags().Changed("task") {
			opts.TaskID = &taskID
		}
		opts.Title, opts.Description, opts.Status, opts.Priority, opts.DueDate, opts.Sequence = upd.pointers(cmd)
		return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
			st, p, err := e.UpdateSubtask(ctx, opts)
			if err != nil {
				return err
			}
			return printWrite(st, p)
		})
	}
	return cmd
}

// --- shared child commands ---

func childStatusCmd(kind domain.Kind) *cobra.Command {
	return &cobra.Command{
		Use:   "status <id> <status>",
		Short: fmt.Sprintf("Set %s status (%s)", kind, strings.Join(domain.Strings(domain.WorkStatuses), ", ")),
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := engine.ParseWorkStatus(args[1])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				child, p, err := e.UpdateChildStatus(ctx, kind, args[0], status, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printWrite(child, p)
			})
		},
	}
}

func childDeleteCmd(kind domain.Kind) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: fmt.Sprintf("Delete a %s and recompute its parents", kind),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				child, p, err := e.DeleteChild(ctx, kind, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printWrite(child, p)
			})
		},
	}
}

type childFlagSet struct {
	fields           engine.ChildFields
	status, priority string
}

func childFlags(cmd *cobra.Command) *childFlagSet {
	f := &childFlagSet{}
	cmd.Flags().StringVar(&f.fields.ID, "id", "", "id (optional, UUID if omitted)")
	cmd.Flags().StringVar(&f.fields.Title, "title", "", "title")
	cmd.Flags().StringVar(&f.fields.Description, "description", "", "description")
	cmd.Flags().StringVar(&f.status, "status", "", "initial status (default pending)")
	cmd.Flags().StringVar(&f.priority, "priority", "", "priority (default medium)")
	cmd.Flags().StringVar(&f.fields.DueDate, "due-date", "", "due date (YYYY-MM-DD or RFC3339)")
	cmd.Flags().IntVar(&f.fields.Sequence, "sequence", 0, "position among siblings (0 takes the next free slot)")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("due-date")
	return f
}

func (f *childFlagSet) value() engine.ChildFields {
	out := f.fields
	out.Status = domain.WorkStatus(f.status)
	out.Priority = domain.Priority(f.priority)
	return out
}

type updateFlagSet struct {
	title, description, status, priority, dueDate string
	sequence, expected                            int
}

func updateFlags(cmd *cobra.Command) *updateFlagSet {
	u := &updateFlagSet{}
	cmd.Flags().StringVar(&u.title, "title", "", "new title")
	cmd.Flags().StringVar(&u.description, "description", "", "new description")
	cmd.Flags().StringVar(&u.status, "status", "", "new status")
	cmd.Flags().StringVar(&u.priority, "priority", "", "new priority")
	cmd.Flags().StringVar(&u.dueDate, "due-date", "", "new due date")
	cmd.Flags().IntVar(&u.sequence, "sequence", 0, "new sequence")
	cmd.Flags().IntVar(&u.expected, "expected-version", 0, "reject the update unless the stored version matches")
	return u
}

func (u *updateFlagSet) pointers(cmd *cobra.Command) (title, description *string, status *domain.WorkStatus, priority *domain.Priority, dueDate *string, sequence *int) {
	if cmd.Flags().Changed("title") {
		title = &u.title
	}
	if cmd.Flags().Changed("description") {
		description = &u.description
	}
	if cmd.Flags().Changed("status") {
		s := domain.WorkStatus(u.status)
		status = &s
	}
	if cmd.Flags().Changed("priority") {
		p := domain.Priority(u.priority)
		priority = &p
	}
	if cmd.Flags().Changed("due-date") {
		dueDate = &u.dueDate
	}
	if cmd.Flags().Changed("sequence") {
		sequence = &u.sequence
	}
	return
}

// --- maintenance ---

func recalcCmd() *cobra.Command {
	var all bool
	var customerID, taskID string
	cmd := &cobra.Command{
		Use:   "recalc",
		Short: "Recompute stored progress from child states",
		Long:  "Recalculation ignores cached parent progress and rebuilds it from subtask and task statuses. Running it twice changes nothing the second time.",
		RunE: func(cmd *cobra.Command, args []string) error {
			set := 0
			for _, v := range []bool{all, customerID != "", taskID != ""} {
				if v {
					set++
				}
			}
			if set != 1 {
				return fmt.Errorf("exactly one of --all, --customer or --task is required")
			}
			actor := viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var (
					res engine.RecalcResult
					err error
				)
				switch {
				case all:
					res, err = e.RecalculateAll(ctx, actor)
				case customerID != "":
					res, err = e.RecalculateSubtree(ctx, domain.KindCustomer, customerID, actor)
				default:
					res, err = e.RecalculateSubtree(ctx, domain.KindTask, taskID, actor)
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "recalculate every customer")
	cmd.Flags().StringVar(&customerID, "customer", "", "customer id")
	cmd.Flags().StringVar(&taskID, "task", "", "task id")
	return cmd
}

func driftCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drift <customer-id>",
		Short: "Report stored progress that disagrees with child states",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Drift(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				if len(items) == 0 {
					fmt.Println("no drift")
					return nil
				}
				tw := newTable(table.Row{"Kind", "ID", "Stored", "Expected", "Completed", "Total"})
				for _, d := range items {
					tw.AppendRow(table.Row{d.Kind, d.ID, d.Stored, d.Expected, d.Done, d.Total})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Every write and every progress recomputation, newest first. Cascade failures appear as cascade.failed.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var f repo.EventFilter
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.ListEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := newTable(table.Row{"ID", "TS", "Type", "Kind", "Entity", "Actor", "Payload"})
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.EntityKind, evt.EntityID, evt.ActorID, evt.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&f.Limit, "n", "n", 20, "number of events")
	cmd.Flags().StringVar(&f.CustomerID, "customer", "", "customer filter")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		Long:  "Serves the API and, when repair.enabled is set in rollup.yml, runs a periodic full recalculation.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if !cmd.Flags().Changed("addr") && a.Config.Server.Addr != "" {
					addr = a.Config.Server.Addr
				}
				if !cmd.Flags().Changed("base-path") && a.Config.Server.BasePath != "" {
					basePath = a.Config.Server.BasePath
				}
				handler, err := server.New(server.Config{
					Engine:       a.Engine,
					BasePath:     basePath,
					DefaultActor: viper.GetString("actor-id"),
					Logger:       logger,
				})
				if err != nil {
					return err
				}
				if a.Config.Repair.Enabled {
					go repair.New(a.Engine, a.Config, logger).Run(ctx)
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(sctx)
				}()
				logger.Info("serving rollup API", "url", "http://"+addr+basePath, "docs", "/docs", "repair", a.Config.Repair.Enabled)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address (default from rollup.yml)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path (default from rollup.yml)")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "rollup.yml in the workspace sets the zero-children policy, recalculation concurrency, the repair schedule, the server address and telemetry.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default rollup.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(ctx, viper.GetString("workspace"), logger)
	if err != nil {
		return err
	}
	defer a.Close()
	if a.Config.Telemetry.Enabled || viper.GetBool("otel") {
		err := telemetry.Init(ctx, telemetry.Options{
			Enabled:      true,
			Stdout:       a.Config.Telemetry.Stdout,
			OTLPEndpoint: a.Config.Telemetry.OTLPEndpoint,
			ServiceName:  "rollup",
			Version:      version,
		})
		if err != nil {
			return err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			telemetry.Shutdown(sctx)
		}()
		a.Engine.Metrics = telemetry.NewCascade(nil)
	}
	return fn(ctx, a)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withApp(ctx, func(ctx context.Context, a *app.App) error {
		return fn(ctx, a.Engine)
	})
}

// printWrite prints the written entity followed by what the write cascaded
// into. A failed cascade step is reported but is not an error.
func printWrite(entity any, p engine.Propagation) error {
	if p.Failure != nil {
		logger.Warn("progress not propagated", "step", string(p.Failure.Step), "id", p.Failure.EntityID, "err", p.Failure.Err)
	}
	if viper.GetBool("json") {
		out := map[string]any{"entity": entity, "propagation": p}
		if p.Failure != nil {
			out["failure"] = p.Failure.Error()
		}
		return printJSON(out)
	}
	if err := printJSONOrTable(entity); err != nil {
		return err
	}
	if len(p.Steps) == 0 {
		return nil
	}
	tw := newTable(table.Row{"Recomputed", "ID", "Progress", "Changed"})
	for _, s := range p.Steps {
		tw.AppendRow(table.Row{s.Kind, s.ID, percent(s.Progress), s.Changed})
	}
	tw.Render()
	return nil
}

func newTable(header table.Row) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(header)
	return tw
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

func printTaskTree(t domain.Task, subtasks []domain.Subtask, prefix string, last bool) {
	connector := "├── "
	newPrefix := prefix + "│   "
	if last {
		connector = "└── "
		newPrefix = prefix + "    "
	}
	fmt.Printf("%s%s%d. %s [%s] %s\n", prefix, connector, t.Sequence, t.Title, t.Status, percent(t.Progress))
	for i, st := range subtasks {
		c := "├── "
		if i == len(subtasks)-1 {
			c = "└── "
		}
		fmt.Printf("%s%s%d. %s [%s]\n", newPrefix, c, st.Sequence, st.Title, st.Status)
	}
}

func percent(n int) string {
	return fmt.Sprintf("%d%%", n)
}

func stringOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}
