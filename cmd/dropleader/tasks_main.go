package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newTasksCmd() *cobra.Command {
	tasksCmd := &cobra.Command{
		Use:   "tasks",
		Short: "Inspect and manage async backtest tasks",
	}

	progressCmd := &cobra.Command{
		Use:   "progress <taskId>",
		Short: "Show a task's current status and progress",
		Args:  cobra.ExactArgs(1),
		RunE:  runTasksProgress,
	}
	cancelCmd := &cobra.Command{
		Use:   "cancel <taskId>",
		Short: "Cancel a pending or running task",
		Args:  cobra.ExactArgs(1),
		RunE:  runTasksCancel,
	}
	resumeCmd := &cobra.Command{
		Use:   "resume <taskId>",
		Short: "Resume a crashed task from its last checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE:  runTasksResume,
	}
	cleanupCmd := &cobra.Command{
		Use:   "cleanup <taskId>",
		Short: "Mark a stuck running task as failed",
		Args:  cobra.ExactArgs(1),
		RunE:  runTasksCleanup,
	}
	listInterruptedCmd := &cobra.Command{
		Use:   "list-interrupted",
		Short: "List tasks left in the running state (crash candidates)",
		RunE:  runTasksListInterrupted,
	}
	cleanupAllCmd := &cobra.Command{
		Use:   "cleanup-all-interrupted",
		Short: "Batch-cleanup every interrupted task",
		RunE:  runTasksCleanupAll,
	}

	tasksCmd.AddCommand(progressCmd, cancelCmd, resumeCmd, cleanupCmd, listInterruptedCmd, cleanupAllCmd)
	return tasksCmd
}

func runTasksProgress(cmd *cobra.Command, args []string) error {
	d := wire(loadConfig())
	task, err := d.tasks.GetProgress(context.Background(), args[0])
	if err != nil {
		return err
	}
	if task == nil {
		return fmt.Errorf("task %s not found", args[0])
	}
	fmt.Printf("taskId=%s status=%s processingTimeMs=%d\n", task.TaskID, task.Status, task.ProcessingTimeMs)
	if task.CurrentTime != nil {
		fmt.Printf("currentTime=%s\n", task.CurrentTime.Format("2006-01-02T15:04:05Z"))
	}
	if task.ErrorMessage != nil {
		fmt.Printf("errorMessage=%s\n", *task.ErrorMessage)
	}
	return nil
}

func runTasksCancel(cmd *cobra.Command, args []string) error {
	d := wire(loadConfig())
	return d.tasks.Cancel(context.Background(), args[0])
}

func runTasksResume(cmd *cobra.Command, args []string) error {
	d := wire(loadConfig())
	return d.tasks.Resume(context.Background(), args[0])
}

func runTasksCleanup(cmd *cobra.Command, args []string) error {
	d := wire(loadConfig())
	return d.tasks.Cleanup(context.Background(), args[0])
}

func runTasksListInterrupted(cmd *cobra.Command, args []string) error {
	d := wire(loadConfig())
	list, err := d.tasks.ListInterrupted(context.Background())
	if err != nil {
		return err
	}
	for _, t := range list {
		fmt.Printf("taskId=%s startedAt=%v\n", t.TaskID, t.StartedAt)
	}
	return nil
}

func runTasksCleanupAll(cmd *cobra.Command, args []string) error {
	d := wire(loadConfig())
	return d.tasks.CleanupAllInterrupted(context.Background())
}
