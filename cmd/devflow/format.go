package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mpataki/devflow/internal/engine"
	"github.com/mpataki/devflow/internal/models"
)

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// truncate shortens s to maxLen runes.
func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen-3]) + "..."
}

func stageNames(stages []models.Stage) string {
	names := make([]string, len(stages))
	for i, s := range stages {
		names[i] = s.Name
	}
	return strings.Join(names, ", ")
}

// parseContextArgs turns key=value pairs into a context update. Values are
// decoded as JSON when they parse, otherwise kept as strings. An empty value
// or null removes the key.
func parseContextArgs(args []string) (map[string]any, error) {
	values := make(map[string]any, len(args))
	for _, arg := range args {
		key, raw, ok := strings.Cut(arg, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("expected key=value, got %q", arg)
		}
		if raw == "" {
			values[key] = nil
			continue
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		values[key] = v
	}
	return values, nil
}

func printSnapshot(snap *engine.Snapshot) {
	sess := snap.Session
	fmt.Printf("Session:  %s (%s)\n", sess.ID, sess.Status)
	if sess.Name != "" {
		fmt.Printf("Name:     %s\n", sess.Name)
	}
	fmt.Printf("Version:  v%d\n", snap.Version.Number)
	if sess.TaskID != "" {
		fmt.Printf("Task:     %s\n", sess.TaskID)
	}
	fmt.Printf("Progress: %.0f%%\n", snap.Progress)
	if sess.AbortReason != "" {
		fmt.Printf("Aborted:  %s\n", sess.AbortReason)
	}

	if snap.Stage != nil {
		fmt.Printf("\nStage: %s\n", snap.Stage.Name)
		for _, item := range snap.Stage.Checklist {
			mark := " "
			if snap.Active.HasCompleted(item.ID) {
				mark = "x"
			}
			fmt.Printf("  [%s] %s: %s\n", mark, item.ID, item.Label)
		}
		if len(snap.Missing) > 0 {
			fmt.Printf("Missing: %s\n", strings.Join(snap.Missing, ", "))
		}
		if len(snap.Next) > 0 {
			fmt.Printf("Next: %s\n", stageNames(snap.Next))
		}
	}

	if len(sess.Context) > 0 {
		fmt.Println("\nContext:")
		data, err := json.MarshalIndent(sess.Context, "  ", "  ")
		if err == nil {
			fmt.Printf("  %s\n", data)
		}
	}

	fmt.Println("\nHistory:")
	for _, si := range snap.History {
		name := si.StageID
		if st, ok := snap.Version.Stage(si.StageID); ok {
			name = st.Name
		}
		fmt.Printf("  %2d. %-20s %-9s %s\n", si.Seq, name, si.Status, si.StartedAt.Local().Format("2006-01-02 15:04"))
		for _, note := range si.Notes {
			fmt.Printf("      - %s\n", note)
		}
	}
}
