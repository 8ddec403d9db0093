package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mpataki/devflow/internal/models"
	"github.com/spf13/cobra"
)

func newTaskCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Manage local tasks",
	}
	cmd.AddCommand(newTaskCreateCommand(), newTaskListCommand())
	return cmd
}

func newTaskCreateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create <title>",
		Short: "Create a task",
		Args:  cobra.MinimumNArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			makeCurrent, _ := cmd.Flags().GetBool("current")

			task := &models.Task{
				ID:        uuid.NewString(),
				Title:     strings.Join(args, " "),
				CreatedAt: time.Now().UTC(),
			}
			if err := a.store.CreateTask(ctx, task); err != nil {
				return fmt.Errorf("failed to create task: %w", err)
			}
			fmt.Printf("Created task %s: %s\n", shortID(task.ID), task.Title)

			if makeCurrent {
				if _, err := a.tasks.Activate(ctx, task.ID); err != nil {
					return err
				}
				fmt.Println("Task is now current.")
			}
			return nil
		}),
	}
	cmd.Flags().Bool("current", false, "Make the new task current")
	return cmd
}

func newTaskListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks, newest first",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")

			tasks, err := a.store.ListTasks(ctx, limit)
			if err != nil {
				return err
			}
			if len(tasks) == 0 {
				fmt.Println("No tasks found.")
				return nil
			}

			current, err := a.tasks.Current(ctx)
			if err != nil {
				return err
			}
			for _, task := range tasks {
				marker := " "
				if task.ID == current.Value {
					marker = "*"
				}
				session := "-"
				if task.LinkedSessionID != "" {
					session = shortID(task.LinkedSessionID)
				}
				fmt.Printf("%s %s  %-40s session %s\n", marker, shortID(task.ID), truncate(task.Title, 40), session)
			}
			return nil
		}),
	}
	cmd.Flags().Int("limit", 50, "Maximum number of tasks")
	return cmd
}
