package main

import (
	"context"
	"fmt"

	"github.com/mpataki/devflow/internal/models"
	"github.com/spf13/cobra"
)

func newCurrentCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "current",
		Short: "Show or move the current task and session",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			task, err := a.tasks.Current(ctx)
			if err != nil {
				return err
			}
			sess, err := a.sessions.Current(ctx)
			if err != nil {
				return err
			}
			printPointer("task", task)
			printPointer("session", sess)
			return nil
		}),
	}
	cmd.AddCommand(newCurrentTaskCommand(), newCurrentSessionCommand())
	return cmd
}

func newCurrentTaskCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task [id]",
		Short: "Show or set the current task",
		Long:  "Sets the current task. The current session is left alone.",
		Args:  cobra.MaximumNArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			unset, _ := cmd.Flags().GetBool("clear")

			rec, err := a.tasks.Current(ctx)
			if err != nil {
				return err
			}
			switch {
			case unset:
				if _, err := a.tasks.Clear(ctx, rec.Version); err != nil {
					return err
				}
				fmt.Println("Current task cleared.")
			case len(args) == 1:
				id, err := a.store.ResolveTaskID(ctx, args[0])
				if err != nil {
					return err
				}
				if _, err := a.tasks.Activate(ctx, id); err != nil {
					return err
				}
				fmt.Printf("Current task is %s\n", shortID(id))
			default:
				printPointer("task", rec)
			}
			return nil
		}),
	}
	cmd.Flags().Bool("clear", false, "Unset the current task")
	return cmd
}

func newCurrentSessionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session [id]",
		Short: "Show or set the current session",
		Long:  "Sets the current session and, when the session is linked to a task, the current task.",
		Args:  cobra.MaximumNArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			unset, _ := cmd.Flags().GetBool("clear")

			rec, err := a.sessions.Current(ctx)
			if err != nil {
				return err
			}
			switch {
			case unset:
				if _, err := a.sessions.Clear(ctx, rec.Version); err != nil {
					return err
				}
				fmt.Println("Current session cleared.")
			case len(args) == 1:
				id, err := a.engine.ResolveSessionID(ctx, args[0])
				if err != nil {
					return err
				}
				if _, err := a.sessions.Activate(ctx, id); err != nil {
					return err
				}
				fmt.Printf("Current session is %s\n", shortID(id))
			default:
				printPointer("session", rec)
			}
			return nil
		}),
	}
	cmd.Flags().Bool("clear", false, "Unset the current session")
	return cmd
}

func printPointer(kind string, rec models.StatusRecord) {
	if rec.Value == "" {
		fmt.Printf("%-8s (none)\n", kind+":")
		return
	}
	fmt.Printf("%-8s %s (since %s)\n", kind+":", rec.Value, rec.UpdatedAt.Local().Format("2006-01-02 15:04"))
}
