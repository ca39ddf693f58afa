package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/aristath/officed/internal/persistence"
)

var (
	historyTeam    string
	historyTask    string
	historyProject string
	historyLimit   int
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List finished task executions, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
			return historyRun(ctx, cmd.OutOrStdout(), a)
		})
	},
}

func init() {
	historyCmd.Flags().StringVar(&historyTeam, "team", "", "Filter by team")
	historyCmd.Flags().StringVar(&historyTask, "task", "", "Filter by task id")
	historyCmd.Flags().StringVar(&historyProject, "project", "", "Filter by project id")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Maximum rows (0 for all)")
	rootCmd.AddCommand(historyCmd)
}

func historyRun(ctx context.Context, out io.Writer, a *app) error {
	recs, err := a.projects.ListExecutions(ctx, persistence.ExecutionFilter{
		TeamID:    historyTeam,
		TaskID:    historyTask,
		ProjectID: historyProject,
		Limit:     historyLimit,
	})
	if err != nil {
		return fmt.Errorf("list executions: %w", err)
	}
	if len(recs) == 0 {
		fmt.Fprintln(out, "No executions recorded.")
		return nil
	}

	table := newTable(out, []string{"Ended", "Team", "Task", "Agent", "Duration", "Result"})
	for _, r := range recs {
		result := styleComplete.Render("ok")
		if r.ExitCode != 0 || r.Signal != "" {
			result = styleFailed.Render("exit " + strconv.Itoa(r.ExitCode) + signalSuffix(r.Signal))
		}
		_ = table.Append([]string{
			r.EndedAt.Format("2006-01-02 15:04:05"),
			r.TeamID,
			r.TaskID,
			r.AgentName,
			r.Duration().Round(time.Second).String(),
			result,
		})
	}
	return table.Render()
}
