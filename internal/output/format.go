// Package output provides formatters for CLI output.
package output

import (
	"fmt"
	"io"
	"strings"

	"chaintodo/internal/ledger"
	"chaintodo/internal/tasksync"
)

const (
	// Separator is printed between snapshots in watch output.
	Separator = "------------"

	// EmptyConnected is shown when the account has no tasks.
	EmptyConnected = "no tasks yet"

	// EmptyDisconnected is shown when no account is connected.
	EmptyDisconnected = "no account connected (run: chaintodo login)"

	// Pending is shown while an operation is in flight.
	Pending = "(pending...)"
)

// FormatTask formats a task line.
// Format: "{ID:>4}  [x] {CONTENT}\n", with "[ ]" for open tasks.
func FormatTask(w io.Writer, task ledger.Task) {
	mark := "[ ]"
	if task.Completed {
		mark = "[x]"
	}
	fmt.Fprintf(w, "%4d  %s %s\n", task.ID, mark, normalizeContent(task.Content))
}

// FormatTasks writes every task, or the empty-state message if there are
// none. Quiet suppresses the empty-state message.
func FormatTasks(w io.Writer, tasks []ledger.Task, connected, quiet bool) {
	if len(tasks) == 0 {
		if quiet {
			return
		}
		if connected {
			fmt.Fprintln(w, EmptyConnected)
		} else {
			fmt.Fprintln(w, EmptyDisconnected)
		}
		return
	}
	for _, task := range tasks {
		FormatTask(w, task)
	}
}

// FormatSnapshot renders a snapshot for watch: the account line, the
// tasks, then the pending marker, last error and unsent draft if any.
func FormatSnapshot(w io.Writer, snap tasksync.Snapshot) {
	fmt.Fprintln(w, Separator)
	if snap.Account == ledger.None {
		fmt.Fprintln(w, "account: -")
	} else {
		fmt.Fprintf(w, "account: %s\n", ShortAddress(string(snap.Account)))
	}
	FormatTasks(w, snap.Tasks, snap.Account != ledger.None, false)
	if snap.Loading {
		fmt.Fprintln(w, Pending)
	}
	if snap.Err != "" {
		fmt.Fprintf(w, "error: %s\n", snap.Err)
	}
	if snap.Draft != "" {
		fmt.Fprintf(w, "draft: %s\n", normalizeContent(snap.Draft))
	}
}

// ShortAddress abbreviates a hex address as 0x1234...abcd. Shorter
// strings are returned unchanged.
func ShortAddress(addr string) string {
	if len(addr) <= 10 {
		return addr
	}
	return addr[:6] + "..." + addr[len(addr)-4:]
}

// normalizeContent normalizes task content for display.
// - Empty or whitespace-only content becomes "(empty)"
// - Newlines are replaced with spaces
func normalizeContent(content string) string {
	content = strings.ReplaceAll(content, "\r", " ")
	content = strings.ReplaceAll(content, "\n", " ")

	if strings.TrimSpace(content) == "" {
		return "(empty)"
	}
	return content
}
