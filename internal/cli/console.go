package cli

import (
	"fmt"
	"os"
	"sync"

	"github.com/chzyer/readline"
)

var colorEnabled = os.Getenv("NO_COLOR") == ""

func colorize(s, code string) string {
	if !colorEnabled {
		return s
	}
	return code + s + "\x1b[0m"
}

const (
	colorBold = "\x1b[1m"
	colorDim  = "\x1b[2m"
	colorCyan = "\x1b[36m"
	colorYel  = "\x1b[33m"
)

// console wraps readline so async event output does not clobber the prompt.
type console struct {
	rl *readline.Instance
	mu sync.Mutex
}

func newConsole(prompt string) (*console, error) {
	rl, err := readline.New(prompt)
	if err != nil {
		return nil, err
	}
	return &console{rl: rl}, nil
}

func (c *console) Close() { _ = c.rl.Close() }

func (c *console) SetPrompt(p string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rl.SetPrompt(p)
	c.rl.Refresh()
}

// Println prints a line and repaints the prompt under it.
func (c *console) Println(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = c.rl.Stdout().Write([]byte("\r" + msg + "\n"))
	c.rl.Refresh()
}

func (c *console) Printf(format string, a ...any) {
	c.Println(fmt.Sprintf(format, a...))
}

func (c *console) Readline() (string, error) {
	return c.rl.Readline()
}
