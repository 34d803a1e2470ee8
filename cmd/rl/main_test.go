package main

import (
	"context"
	"os"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rollup/internal/app"
	"rollup/internal/config"
	"rollup/internal/repo"
)

func TestMain(m *testing.M) {
	initConfig()
	addPersistentFlags()
	registerCommands()
	os.Exit(m.Run())
}

func run(t *testing.T, args ...string) {
	t.Helper()
	resetFlags(rootCmd)
	viper.Reset()
	initConfig()
	addPersistentFlagsBinding()
	rootCmd.SetArgs(args)
	require.NoError(t, rootCmd.ExecuteContext(context.Background()), "rl %v", args)
}

// resetFlags restores every flag to its default; cobra keeps parsed values
// between Execute calls.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.PersistentFlags().VisitAll(reset)
	cmd.Flags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

// addPersistentFlagsBinding rebinds the persistent flags after viper.Reset.
func addPersistentFlagsBinding() {
	for _, name := range []string{"workspace", "json", "actor-id", "log-level", "log-format", "otel"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func TestCLIHierarchyFlow(t *testing.T) {
	ws := t.TempDir()
	run(t, "-w", ws, "--json", "--log-level", "error", "customer", "create", "--id", "acme", "--name", "Acme", "--status", "active")
	run(t, "-w", ws, "--json", "task", "create", "--customer", "acme", "--id", "t1", "--title", "Setup", "--due-date", "2024-03-01")
	run(t, "-w", ws, "--json", "task", "create", "--customer", "acme", "--id", "t2", "--title", "Train", "--due-date", "2024-03-05")
	run(t, "-w", ws, "--json", "subtask", "create", "--task", "t1", "--id", "s1", "--title", "Accounts", "--due-date", "2024-02-20")
	run(t, "-w", ws, "--json", "subtask", "create", "--task", "t1", "--customer", "acme", "--id", "s2", "--title", "Access", "--due-date", "2024-02-21")
	run(t, "-w", ws, "--json", "--actor-id", "bob", "subtask", "status", "s1", "completed")
	run(t, "-w", ws, "--json", "task", "status", "t2", "completed")

	a, err := app.Open(context.Background(), ws, nil)
	require.NoError(t, err)
	defer a.Close()
	ctx := context.Background()

	task, err := a.Engine.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 50, task.Progress)
	st, err := a.Engine.GetSubtask(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, st.CompletedBy)
	assert.Equal(t, "bob", *st.CompletedBy)
	c, err := a.Engine.GetCustomer(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 50, c.Progress)

	events, err := a.Engine.ListEvents(ctx, repo.EventFilter{CustomerID: "acme", Limit: 100})
	require.NoError(t, err)
	assert.NotEmpty(t, events)
}

func TestCLIRecalcDriftAndConfig(t *testing.T) {
	ws := t.TempDir()
	run(t, "-w", ws, "--log-level", "error", "config", "init")
	_, err := os.Stat(config.Path(ws))
	require.NoError(t, err)
	run(t, "-w", ws, "--json", "config", "show")

	run(t, "-w", ws, "--json", "customer", "create", "--id", "c1", "--name", "Initech")
	run(t, "-w", ws, "--json", "task", "create", "--customer", "c1", "--id", "t1", "--title", "Audit", "--due-date", "2024-03-01")
	run(t, "-w", ws, "--json", "task", "progress", "t1", "30")
	run(t, "-w", ws, "--json", "recalc", "--customer", "c1")
	run(t, "-w", ws, "--json", "recalc", "--all")
	run(t, "-w", ws, "--json", "drift", "c1")
	run(t, "-w", ws, "--json", "log", "tail", "-n", "5")
	run(t, "-w", ws, "--json", "customer", "tree", "c1")
	run(t, "-w", ws, "--json", "task", "delete", "t1")

	a, err := app.Open(context.Background(), ws, nil)
	require.NoError(t, err)
	defer a.Close()
	tasks, err := a.Engine.ListTasks(context.Background(), repo.TaskFilter{CustomerID: "c1"})
	require.NoError(t, err)
	assert.Empty(t, tasks)
}
