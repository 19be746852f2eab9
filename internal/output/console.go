package output

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
)

type Level string

const (
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// Printer receives the human-readable progress lines of a diagnostic run.
type Printer interface {
	Print(level Level, format string, args ...any)
}

type discard struct{}

func (discard) Print(Level, string, ...any) {}

// Discard drops every line.
var Discard Printer = discard{}

// Console writes "[15:04:05.000] LEVEL: message" lines. It is safe for use
// from broker callbacks running on other goroutines.
type Console struct {
	mu  sync.Mutex
	w   io.Writer
	now func() time.Time

	infoStyle  lipgloss.Style
	warnStyle  lipgloss.Style
	errorStyle lipgloss.Style
	stampStyle lipgloss.Style
}

func NewConsole(w io.Writer) *Console {
	return &Console{
		w:          w,
		now:        time.Now,
		infoStyle:  lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		warnStyle:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("214")),
		errorStyle: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196")),
		stampStyle: lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
	}
}

func (c *Console) Print(level Level, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	label := string(level)
	switch level {
	case LevelWarn:
		label = c.warnStyle.Render(label)
	case LevelError:
		label = c.errorStyle.Render(label)
	default:
		label = c.infoStyle.Render(label)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	stamp := c.stampStyle.Render("[" + c.now().Format("15:04:05.000") + "]")
	fmt.Fprintf(c.w, "%s %s: %s\n", stamp, label, msg)
}

// Rule prints a separator line.
func (c *Console) Rule() {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.w, lipgloss.NewStyle().Foreground(lipgloss.Color("240")).Render("============================================================"))
}
