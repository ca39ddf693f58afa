package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aristath/officed/internal/taskstore"
)

var (
	taskDescription string
	taskOwner       string
	taskBlockedBy   []string
	taskOrdered     bool
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage team task records",
}

var taskCreateCmd = &cobra.Command{
	Use:   "create <team> <subject>",
	Short: "Create a pending task",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(_ context.Context, a *app) error {
			return taskCreateRun(cmd.OutOrStdout(), a, args[0], args[1])
		})
	},
}

var taskListCmd = &cobra.Command{
	Use:     "list [team]",
	Aliases: []string{"ls"},
	Short:   "List a team's tasks, or every team when none is given",
	Args:    cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(_ context.Context, a *app) error {
			team := ""
			if len(args) == 1 {
				team = args[0]
			}
			return taskListRun(cmd.OutOrStdout(), a, team)
		})
	},
}

var taskStatusCmd = &cobra.Command{
	Use:   "status <team> <task> <pending|in_progress|completed|blocked>",
	Short: "Set a task's status",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(_ context.Context, a *app) error {
			task, err := a.tasks.UpdateStatus(args[0], args[1], taskstore.Status(args[2]))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s is now %s\n", styleComplete.Render("✓"), task.ID, statusText(string(task.Status)))
			return nil
		})
	},
}

var taskAssignCmd = &cobra.Command{
	Use:   "assign <team> <task> <owner>",
	Short: "Set a task's owner",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(_ context.Context, a *app) error {
			task, err := a.tasks.Assign(args[0], args[1], args[2])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s assigned to %s\n", styleComplete.Render("✓"), task.ID, task.Owner)
			return nil
		})
	},
}

var taskDeleteCmd = &cobra.Command{
	Use:     "delete <team> <task>",
	Aliases: []string{"rm"},
	Short:   "Delete a task record",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(_ context.Context, a *app) error {
			if err := a.svc.DeleteTask(args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s Deleted %s/%s\n", styleComplete.Render("✓"), args[0], args[1])
			return nil
		})
	},
}

func init() {
	taskCreateCmd.Flags().StringVarP(&taskDescription, "description", "d", "", "Task description")
	taskCreateCmd.Flags().StringVar(&taskOwner, "owner", "", "Owning agent")
	taskCreateCmd.Flags().StringSliceVar(&taskBlockedBy, "blocked-by", nil, "Ids of tasks this one waits on")

	taskListCmd.Flags().BoolVar(&taskOrdered, "ordered", false, "Order by blockedBy dependencies")

	taskCmd.AddCommand(taskCreateCmd)
	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskStatusCmd)
	taskCmd.AddCommand(taskAssignCmd)
	taskCmd.AddCommand(taskDeleteCmd)
	rootCmd.AddCommand(taskCmd)
}

func taskCreateRun(out io.Writer, a *app, teamID, subject string) error {
	task, err := a.tasks.Create(teamID, taskstore.NewTask{
		Subject:     subject,
		Description: taskDescription,
		Owner:       taskOwner,
		BlockedBy:   taskBlockedBy,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s Created %s/%s\n", styleComplete.Render("✓"), teamID, task.ID)
	return nil
}

func taskListRun(out io.Writer, a *app, teamID string) error {
	teams := []string{teamID}
	if teamID == "" {
		var err error
		if teams, err = a.tasks.Teams(); err != nil {
			return err
		}
	}

	table := newTable(out, []string{"Team", "ID", "Status", "Owner", "Subject", "Blocked By"})
	rows := 0
	for _, team := range teams {
		tasks, err := a.tasks.List(team)
		if err != nil {
			return err
		}
		if taskOrdered {
			if tasks, err = orderTasks(tasks); err != nil {
				return err
			}
		}
		for _, t := range tasks {
			_ = table.Append([]string{team, t.ID, statusText(string(t.Status)), t.Owner, t.Subject, strings.Join(t.BlockedBy, ",")})
			rows++
		}
	}
	if rows == 0 {
		fmt.Fprintln(out, "No tasks.")
		return nil
	}
	return table.Render()
}

// orderTasks sorts tasks so blockers come first.
func orderTasks(tasks []taskstore.Task) ([]taskstore.Task, error) {
	order, err := taskstore.DependencyOrder(tasks)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]taskstore.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}
	sorted := make([]taskstore.Task, 0, len(order))
	for _, id := range order {
		sorted = append(sorted, byID[id])
	}
	return sorted, nil
}
