package dispatch

import (
	"fmt"
	"os/exec"
	"strings"
)

// Tmux starts detached sessions and windows for block processes. Blocks are
// fire-and-forget: tmux owns the processes once started and their lifetime is
// observed through the session, not through this program.
type Tmux struct {
	// Binary is the tmux executable, "tmux" by default.
	Binary string

	// Exec is a seam for tests; nil executes the real binary.
	Exec func(name string, args ...string) ([]byte, error)
}

func (t *Tmux) run(args ...string) error {
	bin := t.Binary
	if bin == "" {
		bin = "tmux"
	}
	execFn := t.Exec
	if execFn == nil {
		execFn = func(name string, args ...string) ([]byte, error) {
			return exec.Command(name, args...).CombinedOutput()
		}
	}
	out, err := execFn(bin, args...)
	if err != nil {
		return fmt.Errorf("tmux %s: %w (%s)", args[0], err, strings.TrimSpace(string(out)))
	}
	return nil
}

// NewSession starts a detached session named after the run id.
func (t *Tmux) NewSession(session string) error {
	return t.run("new-session", "-d", "-s", session)
}

// SpawnWindow opens a window in the session and runs the shell command in
// it. The window stays open after the command exits so its scrollback remains
// inspectable.
func (t *Tmux) SpawnWindow(session, window, command string) error {
	if err := t.run("new-window", "-t", session, "-n", window, command); err != nil {
		return err
	}
	return t.run("set-option", "-w", "-t", session+":"+window, "remain-on-exit", "on")
}
