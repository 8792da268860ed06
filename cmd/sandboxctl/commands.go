package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/forgeline/sandboxd/internal/model"
	"github.com/forgeline/sandboxd/internal/sandbox"
	"github.com/forgeline/sandboxd/internal/sweeper"
)

var listProject string

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List sandboxes",
	Long:  "Lists the sandboxes of one project, or the finished command sandboxes when --project is omitted.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv(false)
		if err != nil {
			return err
		}
		defer e.close()

		var infos []*sandbox.Info
		if listProject != "" {
			infos, err = e.manager.ListProjectSandboxes(cmd.Context(), listProject)
		} else {
			infos, err = e.manager.ListCommandSandboxes(cmd.Context())
		}
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(infos)
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "SESSION\tNAME\tMODE\tSERVICES\tSTATUS\tSTARTED")
		for _, info := range infos {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
				info.SessionID, info.Name, info.Mode, info.ServicesMode, info.Status, formatTime(info.StartedAt))
		}
		return tw.Flush()
	},
}

var getCmd = &cobra.Command{
	Use:   "get <session-id>",
	Short: "Show one sandbox",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv(false)
		if err != nil {
			return err
		}
		defer e.close()

		info, err := e.manager.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if info == nil {
			return fmt.Errorf("no sandbox for session %s", args[0])
		}
		if jsonOutput {
			return printJSON(info)
		}
		fmt.Printf("Session:   %s\n", info.SessionID)
		fmt.Printf("Project:   %s\n", info.ProjectID)
		fmt.Printf("Container: %s (%s)\n", info.Name, info.ContainerID)
		fmt.Printf("Mode:      %s / %s\n", info.Mode, info.ServicesMode)
		fmt.Printf("Status:    %s\n", info.Status)
		if info.URL != "" {
			fmt.Printf("URL:       %s\n", info.URL)
		}
		if info.ExitCode != nil {
			fmt.Printf("Exit code: %d\n", *info.ExitCode)
		}
		return nil
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop <session-id>",
	Short: "Stop a sandbox, keeping its container and database",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv(true)
		if err != nil {
			return err
		}
		defer e.close()

		if err := e.manager.Stop(cmd.Context(), args[0]); err != nil {
			return err
		}
		e.setStatus(cmd.Context(), args[0], model.SandboxStatusStopped)
		fmt.Printf("Stopped sandbox for session %s\n", args[0])
		return nil
	},
}

var restartCmd = &cobra.Command{
	Use:   "restart <session-id>",
	Short: "Restart a sandbox and wait for its agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv(true)
		if err != nil {
			return err
		}
		defer e.close()

		ready, err := e.manager.Restart(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		e.setStatus(cmd.Context(), args[0], model.SandboxStatusRunning)
		if !ready {
			fmt.Printf("Restarted sandbox for session %s (agent not ready)\n", args[0])
			return nil
		}
		fmt.Printf("Restarted sandbox for session %s\n", args[0])
		return nil
	},
}

var destroyCmd = &cobra.Command{
	Use:   "destroy <session-id>",
	Short: "Remove a sandbox and drop its database",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv(true)
		if err != nil {
			return err
		}
		defer e.close()

		if err := e.manager.Destroy(cmd.Context(), args[0]); err != nil {
			return err
		}
		e.setStatus(cmd.Context(), args[0], model.SandboxStatusNone)
		fmt.Printf("Destroyed sandbox for session %s\n", args[0])
		return nil
	},
}

var destroyProjectCmd = &cobra.Command{
	Use:   "destroy-project <project-id>",
	Short: "Destroy every sandbox of a project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv(false)
		if err != nil {
			return err
		}
		defer e.close()

		destroyed, failed, err := e.manager.DestroyAllProjectSandboxes(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Destroyed %d sandboxes, %d failed\n", destroyed, failed)
		if failed > 0 {
			return fmt.Errorf("%d sandboxes could not be destroyed", failed)
		}
		return nil
	},
}

var sweepIdle time.Duration

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Stop idle sandboxes once",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv(true)
		if err != nil {
			return err
		}
		defer e.close()

		if sweepIdle > 0 {
			e.cfg.IdleTimeout = sweepIdle
		}
		stopped, err := sweeper.New(e.store, e.manager, e.cfg, logger()).Sweep(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Stopped %d idle sandboxes\n", stopped)
		return nil
	},
}

var reapRetention time.Duration

var reapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Remove finished command sandboxes past retention",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv(true)
		if err != nil {
			return err
		}
		defer e.close()

		if reapRetention > 0 {
			e.cfg.CommandRetention = reapRetention
		}
		removed, err := sweeper.New(e.store, e.manager, e.cfg, logger()).ReapCommandSandboxes(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Removed %d command sandboxes\n", removed)
		return nil
	},
}

func init() {
	listCmd.Flags().StringVarP(&listProject, "project", "p", "", "Project ID")
	sweepCmd.Flags().DurationVar(&sweepIdle, "idle", 0, "Idle timeout (defaults to SANDBOX_IDLE_TIMEOUT)")
	reapCmd.Flags().DurationVar(&reapRetention, "retention", 0, "Retention (defaults to COMMAND_RETENTION)")

	rootCmd.AddCommand(listCmd, getCmd, stopCmd, restartCmd, destroyCmd, destroyProjectCmd, sweepCmd, reapCmd)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}

