package commands

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"strings"
	"sync"

	"chaintodo/internal/config"
	"chaintodo/internal/exitcode"
	"chaintodo/internal/metrics"
	"chaintodo/internal/output"
	"chaintodo/internal/tasksync"
)

func init() {
	Register(&WatchCmd{})
}

// WatchCmd keeps a synchronizer open, prints every published snapshot and
// runs commands read from input. A network change rebuilds the whole
// stack.
type WatchCmd struct {
	metricsAddr string
}

func (c *WatchCmd) Name() string      { return "watch" }
func (c *WatchCmd) Aliases() []string { return nil }
func (c *WatchCmd) Synopsis() string  { return "Follow the task list and edit it interactively" }
func (c *WatchCmd) Usage() string     { return "chaintodo watch [--metrics-addr <host:port>]" }
func (c *WatchCmd) NeedsLedger() bool { return true }

func (c *WatchCmd) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.metricsAddr, "metrics-addr", "", "")
}

const watchHelp = `commands:
  add <content...>   create a task
  toggle <id>        flip a task's completed flag
  reload             fetch the list again
  quit               stop watching
`

func (c *WatchCmd) Run(ctx context.Context, cfg *config.Config, env *Env, args []string, out, errOut io.Writer) int {
	if len(args) > 0 {
		fmt.Fprintf(errOut, "error: unexpected argument: %s\n", args[0])
		return exitcode.UserError
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m := metrics.NopMetrics()
	addr := c.metricsAddr
	if addr == "" {
		addr = cfg.Metrics.ListenAddr
	}
	if addr != "" {
		m = metrics.PrometheusMetrics(cfg.Metrics.Namespace, "backend", cfg.Backend)
		go func() {
			if err := metrics.Serve(ctx, addr); err != nil {
				fmt.Fprintf(errOut, "error: metrics server: %v\n", err)
			}
		}()
	}

	var lines <-chan string
	if env != nil && env.In != nil {
		lines = readLines(ctx, env.In)
	}

	w := &watcher{out: out, errOut: errOut}
	for {
		s, release, code := openLedger(ctx, env, errOut, tasksync.WithMetrics(m))
		if code != exitcode.Success {
			return code
		}
		restart := w.watch(ctx, s, lines)
		release()
		if !restart {
			return exitcode.Success
		}
		if ctx.Err() != nil {
			return exitcode.Success
		}
		fmt.Fprintln(errOut, "network changed; reconnecting")
	}
}

// readLines feeds trimmed input lines to the returned channel until EOF.
func readLines(ctx context.Context, in io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- strings.TrimSpace(sc.Text()):
			case <-ctx.Done():
				return
			}
		}
	}()
	return lines
}

// watcher serializes writes to out and errOut between the print loop and
// the command goroutines.
type watcher struct {
	mu     sync.Mutex
	out    io.Writer
	errOut io.Writer
}

func (w *watcher) print(snap tasksync.Snapshot) {
	w.mu.Lock()
	defer w.mu.Unlock()
	output.FormatSnapshot(w.out, snap)
}

func (w *watcher) errorf(format string, a ...interface{}) {
	w.mu.Lock()
	defer w.mu.Unlock()
	fmt.Fprintf(w.errOut, format, a...)
}

// watch runs until ctx is done, input ends, quit is read or the network
// changes. It reports whether the stack must be rebuilt.
func (w *watcher) watch(ctx context.Context, s *tasksync.Synchronizer, lines <-chan string) (restart bool) {
	updates, unsubscribe := s.Subscribe()
	defer unsubscribe()

	var ops sync.WaitGroup
	defer ops.Wait()

	w.print(s.Snapshot())
	for {
		select {
		case <-ctx.Done():
			return false
		case <-s.Restart():
			return true
		case snap := <-updates:
			w.print(snap)
		case line, ok := <-lines:
			if !ok {
				ops.Wait()
				w.print(s.Snapshot())
				return false
			}
			if line == "quit" || line == "q" {
				ops.Wait()
				return false
			}
			w.dispatch(ctx, s, line, &ops)
		}
	}
}

// dispatch runs one input command in the background; the synchronizer
// serializes mutations.
func (w *watcher) dispatch(ctx context.Context, s *tasksync.Synchronizer, line string, ops *sync.WaitGroup) {
	name, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	var run func() error
	switch name {
	case "":
		return
	case "help", "?":
		w.mu.Lock()
		fmt.Fprint(w.errOut, watchHelp)
		w.mu.Unlock()
		return
	case "add", "create":
		run = func() error { return s.CreateTask(ctx, rest) }
	case "toggle", "done":
		id, err := ParseTaskID(strings.Fields(rest))
		if err != nil {
			w.errorf("error: %v\n", err)
			return
		}
		run = func() error { return s.ToggleCompleted(ctx, id) }
	case "reload", "r":
		run = func() error { return s.Reload(ctx) }
	default:
		w.errorf("error: unknown command: %s\n", name)
		return
	}

	ops.Add(1)
	go func() {
		defer ops.Done()
		// Failures are shown through the published snapshot.
		_ = run()
	}()
}
