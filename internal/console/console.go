package console

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"

	"codeberg.org/mutker/picogov/internal/errors"
)

// Console reads commands from an interactive terminal with line editing
// and persistent history. Parsed commands are delivered on the channel
// passed to New; parse errors are printed inline.
type Console struct {
	rl       *readline.Instance
	commands chan<- Command
}

func New(commands chan<- Command) (*Console, error) {
	errFactory := errors.New()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:      "picogov> ",
		HistoryFile: historyFilePath(),
	})
	if err != nil {
		return nil, errFactory.Wrap(ErrConsoleInit, err)
	}

	return &Console{rl: rl, commands: commands}, nil
}

// Run reads lines until the context is cancelled, the user quits, or input
// reaches EOF. Ctrl+C and EOF both deliver a quit command so the daemon
// shuts down cleanly.
func (c *Console) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := c.rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			c.send(ctx, Command{Kind: KindQuit})
			return
		}
		if err != nil {
			// EOF or closed terminal
			c.send(ctx, Command{Kind: KindQuit})
			return
		}

		if strings.TrimSpace(line) == "" {
			continue
		}

		cmd, err := Parse(line)
		if err != nil {
			c.Print(fmt.Sprintf("%v (try 'help')", err))
			continue
		}

		if !c.send(ctx, cmd) {
			return
		}
		if cmd.Kind == KindQuit {
			return
		}
	}
}

func (c *Console) send(ctx context.Context, cmd Command) bool {
	select {
	case c.commands <- cmd:
		return true
	case <-ctx.Done():
		return false
	}
}

// Print outputs a line, cleaning and repainting the prompt around it.
func (c *Console) Print(line string) {
	c.rl.Clean()
	fmt.Println(line)
	c.rl.Refresh()
}

// Writer returns a writer for log output that repaints the prompt after
// each write so logging does not mangle the input line.
func (c *Console) Writer() io.Writer {
	return &logWriter{rl: c.rl}
}

// Close releases the terminal; a blocked Readline returns EOF.
func (c *Console) Close() error {
	return c.rl.Close()
}

// logWriter wraps log output to work with the readline prompt.
type logWriter struct {
	rl *readline.Instance
}

func (w *logWriter) Write(p []byte) (n int, err error) {
	w.rl.Clean()
	n, err = os.Stderr.Write(p)
	w.rl.Refresh()

	return n, err
}

// historyFilePath returns the command history location under the user
// cache directory, or empty when no home is available.
func historyFilePath() string {
	cacheDir := os.Getenv("XDG_CACHE_HOME")
	if cacheDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		cacheDir = filepath.Join(home, ".cache")
	}

	dir := filepath.Join(cacheDir, "picogov")
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return ""
	}

	return filepath.Join(dir, "history")
}
