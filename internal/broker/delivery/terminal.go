package delivery

import (
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"
)

const screenBufferSize = 100 * 1024

// screenBuffer is a thread-safe ring buffer of recent pty output, used
// to replay the screen to late-attaching terminal watchers.
type screenBuffer struct {
	mu   sync.Mutex
	buf  []byte
	pos  int
	full bool
}

func newScreenBuffer() *screenBuffer {
	return &screenBuffer{buf: make([]byte, screenBufferSize)}
}

func (sb *screenBuffer) Write(data []byte) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	for len(data) > 0 {
		n := copy(sb.buf[sb.pos:], data)
		data = data[n:]
		sb.pos += n
		if sb.pos >= len(sb.buf) {
			sb.pos = 0
			sb.full = true
		}
	}
}

// Snapshot returns the buffered output in chronological order.
func (sb *screenBuffer) Snapshot() []byte {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if !sb.full {
		out := make([]byte, sb.pos)
		copy(out, sb.buf[:sb.pos])
		return out
	}
	out := make([]byte, len(sb.buf))
	n := copy(out, sb.buf[sb.pos:])
	copy(out[n:], sb.buf[:sb.pos])
	return out
}

// Terminal is one live pty session hosting an agent's interactive CLI.
// Output fans out to registered taps; each tap gets every chunk written
// after it attached, plus the screen snapshot on attach.
type Terminal struct {
	agentID string
	cmd     *exec.Cmd
	ptmx    *os.File
	screen  *screenBuffer
	logger  *slog.Logger

	mu      sync.Mutex
	taps    map[chan []byte]struct{}
	stopped bool

	exitCode int
	exitCh   chan struct{}
}

// startTerminal spawns command in a fresh pty.
func startTerminal(agentID, command string, args []string, dir string, env []string, logger *slog.Logger) (*Terminal, error) {
	cmd := exec.Command(command, args...)
	cmd.Dir = dir
	cmd.Env = append(env, "TERM=xterm-256color")

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: 120, Rows: 40})
	if err != nil {
		return nil, err
	}

	t := &Terminal{
		agentID: agentID,
		cmd:     cmd,
		ptmx:    ptmx,
		screen:  newScreenBuffer(),
		logger:  logger,
		taps:    make(map[chan []byte]struct{}),
		exitCh:  make(chan struct{}),
	}
	go t.readOutput()
	go t.waitForExit()

	logger.Info("terminal started", "agent", agentID, "command", command, "pid", cmd.Process.Pid)
	return t, nil
}

// SendInput writes data to the pty.
func (t *Terminal) SendInput(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return io.ErrClosedPipe
	}
	_, err := t.ptmx.Write(data)
	return err
}

// Resize changes the pty dimensions.
func (t *Terminal) Resize(cols, rows uint16) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return io.ErrClosedPipe
	}
	return pty.Setsize(t.ptmx, &pty.Winsize{Cols: cols, Rows: rows})
}

// Tap attaches an output listener. The channel receives every chunk
// written after the call; full channels miss chunks rather than
// blocking the reader. Detach with Untap.
func (t *Terminal) Tap(bufSize int) <-chan []byte {
	ch := make(chan []byte, bufSize)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.taps[ch] = struct{}{}
	return ch
}

// Untap detaches a listener registered with Tap.
func (t *Terminal) Untap(ch <-chan []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for tap := range t.taps {
		if tap == ch {
			delete(t.taps, tap)
			close(tap)
			return
		}
	}
}

// ScreenSnapshot returns the recent output for screen restore.
func (t *Terminal) ScreenSnapshot() []byte {
	return t.screen.Snapshot()
}

// Stop kills the pty session. Idempotent.
func (t *Terminal) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	for tap := range t.taps {
		delete(t.taps, tap)
		close(tap)
	}
	t.mu.Unlock()

	_ = t.ptmx.Close()
	if t.cmd.Process != nil {
		_ = t.cmd.Process.Kill()
	}
}

// Exited reports whether the hosted process has exited.
func (t *Terminal) Exited() bool {
	select {
	case <-t.exitCh:
		return true
	default:
		return false
	}
}

func (t *Terminal) readOutput() {
	buf := make([]byte, 32*1024)
	for {
		n, err := t.ptmx.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			t.screen.Write(data)
			t.fanOut(data)
		}
		if err != nil {
			if err != io.EOF {
				t.logger.Debug("terminal read error", "agent", t.agentID, "error", err)
			}
			return
		}
	}
}

func (t *Terminal) fanOut(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for tap := range t.taps {
		select {
		case tap <- data:
		default:
		}
	}
}

func (t *Terminal) waitForExit() {
	err := t.cmd.Wait()
	t.exitCode = 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			t.exitCode = exitErr.ExitCode()
		} else {
			t.exitCode = -1
		}
	}
	close(t.exitCh)
	t.logger.Info("terminal exited", "agent", t.agentID, "exit_code", t.exitCode)
}
