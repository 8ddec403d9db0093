package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mpataki/devflow/internal/engine"
	"github.com/mpataki/devflow/internal/models"
	"github.com/mpataki/devflow/internal/storage"
	"github.com/spf13/cobra"
)

func newSessionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "session",
		Aliases: []string{"s"},
		Short:   "Run workflow sessions",
	}
	cmd.PersistentFlags().StringP("session", "s", "", "Session id or unique prefix (default: the current session)")

	cmd.AddCommand(
		newSessionStartCommand(),
		newSessionAdvanceCommand(),
		newSessionCheckCommand(),
		newSessionContextCommand(),
		newSessionNoteCommand(),
		newSessionPauseCommand(),
		newSessionResumeCommand(),
		newSessionAbortCommand(),
		newSessionShowCommand(),
		newSessionListCommand(),
		newSessionProgressCommand(),
	)
	return cmd
}

// targetSession resolves --session, falling back to the current session.
func targetSession(ctx context.Context, a *app, cmd *cobra.Command) (string, error) {
	prefix, _ := cmd.Flags().GetString("session")
	if prefix != "" {
		return a.engine.ResolveSessionID(ctx, prefix)
	}
	rec, err := a.sessions.Current(ctx)
	if err != nil {
		return "", err
	}
	if rec.Value == "" {
		return "", errors.New("no current session; pass --session or run 'devflow current session <id>'")
	}
	return rec.Value, nil
}

func newSessionStartCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start <workflow>",
		Short: "Start a session on a workflow version",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			number, _ := cmd.Flags().GetInt("version")
			taskPrefix, _ := cmd.Flags().GetString("task")
			name, _ := cmd.Flags().GetString("name")
			makeCurrent, _ := cmd.Flags().GetBool("current")

			def, err := a.defs.GetDefinitionByName(ctx, args[0])
			if err != nil {
				return err
			}
			v, err := resolveVersion(ctx, a, def, number)
			if err != nil {
				return err
			}

			opts := engine.CreateOptions{Name: name}
			if taskPrefix != "" {
				if opts.TaskID, err = a.store.ResolveTaskID(ctx, taskPrefix); err != nil {
					return err
				}
			}

			sess, err := a.engine.CreateSession(ctx, v.ID, opts)
			if err != nil {
				return err
			}
			first, _ := v.FirstStage()
			fmt.Printf("Started session %s on %s v%d at stage %s\n", shortID(sess.ID), def.Name, v.Number, first.Name)

			if makeCurrent {
				if _, err := a.sessions.Activate(ctx, sess.ID); err != nil {
					return err
				}
				fmt.Println("Session is now current.")
			}
			return nil
		}),
	}
	cmd.Flags().Int("version", 0, "Version number (default: the default version)")
	cmd.Flags().String("task", "", "Task id or prefix to link the session to")
	cmd.Flags().String("name", "", "Session name (default: the task title)")
	cmd.Flags().Bool("current", false, "Make the new session current")
	return cmd
}

func newSessionAdvanceCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "advance",
		Short: "Complete the active stage and move to the next one",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			items, _ := cmd.Flags().GetStringSlice("check")

			id, err := targetSession(ctx, a, cmd)
			if err != nil {
				return err
			}
			res, err := a.engine.Advance(ctx, id, items)
			if errors.Is(err, models.ErrChecklistIncomplete) {
				return fmt.Errorf("%w (use 'devflow session check' or --check)", err)
			}
			if err != nil {
				return err
			}

			if res.SessionCompleted {
				fmt.Printf("Session %s completed.\n", shortID(id))
				return nil
			}
			fmt.Printf("Now at stage %s\n", res.Candidates[0].Name)
			if len(res.Alternatives) > 0 {
				fmt.Printf("Also eligible: %s\n", stageNames(res.Alternatives))
			}
			return nil
		}),
	}
	cmd.Flags().StringSlice("check", nil, "Checklist items to mark done before advancing")
	return cmd
}

func newSessionCheckCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check <item>...",
		Short: "Mark checklist items of the active stage as done",
		Args:  cobra.MinimumNArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			id, err := targetSession(ctx, a, cmd)
			if err != nil {
				return err
			}
			si, err := a.engine.CheckItems(ctx, id, args)
			if err != nil {
				return err
			}
			fmt.Printf("Done: %s\n", strings.Join(si.CompletedItems, ", "))
			return nil
		}),
	}
}

func newSessionContextCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "context key=value...",
		Short: "Set session context values read by transition conditions",
		Long: "Sets context values. Values are parsed as JSON (numbers, booleans, lists)\n" +
			"and fall back to plain strings. key= or key=null removes the key.",
		Args: cobra.MinimumNArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			values, err := parseContextArgs(args)
			if err != nil {
				return err
			}
			id, err := targetSession(ctx, a, cmd)
			if err != nil {
				return err
			}
			sess, err := a.engine.UpdateContext(ctx, id, values)
			if err != nil {
				return err
			}
			fmt.Printf("Session %s context has %d keys\n", shortID(sess.ID), len(sess.Context))
			return nil
		}),
	}
}

func newSessionNoteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "note <text>",
		Short: "Attach a note to the active stage",
		Args:  cobra.MinimumNArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			id, err := targetSession(ctx, a, cmd)
			if err != nil {
				return err
			}
			if _, err := a.engine.AddNote(ctx, id, strings.Join(args, " ")); err != nil {
				return err
			}
			fmt.Println("Note added.")
			return nil
		}),
	}
}

func newSessionPauseCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "pause",
		Short: "Pause the session",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			id, err := targetSession(ctx, a, cmd)
			if err != nil {
				return err
			}
			if _, err := a.engine.Pause(ctx, id); err != nil {
				return err
			}
			fmt.Printf("Session %s paused.\n", shortID(id))
			return nil
		}),
	}
}

func newSessionResumeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Resume a paused session",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			id, err := targetSession(ctx, a, cmd)
			if err != nil {
				return err
			}
			if _, err := a.engine.Resume(ctx, id); err != nil {
				return err
			}
			fmt.Printf("Session %s resumed.\n", shortID(id))
			return nil
		}),
	}
}

func newSessionAbortCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "abort",
		Short: "Abort the session",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			reason, _ := cmd.Flags().GetString("reason")

			id, err := targetSession(ctx, a, cmd)
			if err != nil {
				return err
			}
			if _, err := a.engine.Abort(ctx, id, reason); err != nil {
				return err
			}
			fmt.Printf("Session %s aborted.\n", shortID(id))
			return nil
		}),
	}
	cmd.Flags().String("reason", "", "Why the session was abandoned")
	return cmd
}

func newSessionShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the session's stage, checklist and history",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			id, err := targetSession(ctx, a, cmd)
			if err != nil {
				return err
			}
			snap, err := a.engine.Status(ctx, id)
			if err != nil {
				return err
			}
			printSnapshot(snap)
			return nil
		}),
	}
}

func newSessionListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions, newest first",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			statusFilter, _ := cmd.Flags().GetString("status")
			taskPrefix, _ := cmd.Flags().GetString("task")
			limit, _ := cmd.Flags().GetInt("limit")

			filter := storage.SessionFilter{Status: models.SessionStatus(statusFilter), Limit: limit}
			if taskPrefix != "" {
				id, err := a.store.ResolveTaskID(ctx, taskPrefix)
				if err != nil {
					return err
				}
				filter.TaskID = id
			}

			sessions, err := a.engine.ListSessions(ctx, filter)
			if err != nil {
				return err
			}
			if len(sessions) == 0 {
				fmt.Println("No sessions found.")
				return nil
			}

			current, err := a.sessions.Current(ctx)
			if err != nil {
				return err
			}
			for _, sess := range sessions {
				marker := " "
				if sess.ID == current.Value {
					marker = "*"
				}
				fmt.Printf("%s %s  %-9s %-30s %s\n", marker, shortID(sess.ID), sess.Status,
					truncate(sess.Name, 30), sess.CreatedAt.Local().Format("2006-01-02 15:04"))
			}
			return nil
		}),
	}
	cmd.Flags().String("status", "", "Only sessions in this status")
	cmd.Flags().String("task", "", "Only sessions linked to this task")
	cmd.Flags().Int("limit", 50, "Maximum number of sessions")
	return cmd
}

func newSessionProgressCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "progress",
		Short: "Print the share of stages completed",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			id, err := targetSession(ctx, a, cmd)
			if err != nil {
				return err
			}
			p, err := a.engine.Progress(ctx, id)
			if err != nil {
				return err
			}
			fmt.Printf("%.0f%%\n", p)
			return nil
		}),
	}
}
