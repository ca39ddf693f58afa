package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/aristath/officed/internal/persistence"
)

var (
	projectName  string
	projectColor string
)

var projectCmd = &cobra.Command{
	Use:   "project",
	Short: "Manage registered projects",
	Long:  "Register, list and remove the working directories that own session pools.",
}

var projectAddCmd = &cobra.Command{
	Use:   "add <path>",
	Short: "Register a project directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
			return projectAddRun(ctx, cmd.OutOrStdout(), a, args[0])
		})
	},
}

var projectListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List registered projects",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
			return projectListRun(ctx, cmd.OutOrStdout(), a)
		})
	},
}

var projectRemoveCmd = &cobra.Command{
	Use:     "remove <id-or-path>",
	Aliases: []string{"rm"},
	Short:   "Unregister a project and stop its sessions",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
			return projectRemoveRun(ctx, cmd.OutOrStdout(), a, args[0])
		})
	},
}

func init() {
	projectAddCmd.Flags().StringVar(&projectName, "name", "", "Project name (default: directory name)")
	projectAddCmd.Flags().StringVar(&projectColor, "color", "", "Display color (default: next palette entry)")

	projectCmd.AddCommand(projectAddCmd)
	projectCmd.AddCommand(projectListCmd)
	projectCmd.AddCommand(projectRemoveCmd)
	rootCmd.AddCommand(projectCmd)
}

// withApp opens the app for fn and always closes it.
func withApp(ctx context.Context, fn func(context.Context, *app) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.close(context.Background())
	return fn(ctx, a)
}

func projectAddRun(ctx context.Context, out io.Writer, a *app, path string) error {
	p, err := a.projects.RegisterProject(ctx, projectName, path, projectColor)
	if err != nil {
		return fmt.Errorf("add project: %w", err)
	}
	fmt.Fprintf(out, "%s Added project %s (%s) id=%s\n", styleComplete.Render("✓"), p.Name, p.Path, p.ID)
	return nil
}

func projectListRun(ctx context.Context, out io.Writer, a *app) error {
	projects, err := a.projects.ListProjects(ctx)
	if err != nil {
		return fmt.Errorf("list projects: %w", err)
	}
	if len(projects) == 0 {
		fmt.Fprintln(out, "No projects registered. Add one with: officed project add <path>")
		return nil
	}

	table := newTable(out, []string{"ID", "Name", "Path", "Color", "Created"})
	for _, p := range projects {
		_ = table.Append([]string{p.ID, p.Name, p.Path, swatch(p.Color), p.CreatedAt.Format("2006-01-02 15:04")})
	}
	return table.Render()
}

func projectRemoveRun(ctx context.Context, out io.Writer, a *app, ref string) error {
	if ref == "" {
		return errors.New("project id or path is required")
	}
	p, err := a.resolveProject(ctx, ref)
	if err != nil {
		if errors.Is(err, persistence.ErrProjectNotFound) {
			return fmt.Errorf("no project matches %q", ref)
		}
		return err
	}

	a.pools.StopPool(ctx, p.ID)
	removed, err := a.projects.UnregisterProject(ctx, p.ID)
	if err != nil {
		return fmt.Errorf("remove project: %w", err)
	}
	if !removed {
		return fmt.Errorf("no project matches %q", ref)
	}
	fmt.Fprintf(out, "%s Removed project %s (%s)\n", styleComplete.Render("✓"), p.Name, p.Path)
	return nil
}
