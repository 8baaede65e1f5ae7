package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sjawhar/click2call/internal/chat"
)

// Writer appends finished call transcripts to one markdown file per day.
type Writer struct {
	dir string
	mu  sync.Mutex
}

func NewWriter(dir string) *Writer {
	return &Writer{dir: dir}
}

func (w *Writer) Append(c Call, entries []chat.Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", w.dir, err)
	}

	path := w.PathFor(c.StartedAt)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.WriteString(FormatMarkdown(c, entries)); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}

	return nil
}

func (w *Writer) PathFor(t time.Time) string {
	return filepath.Join(w.dir, t.Format("2006-01-02")+".md")
}

func (w *Writer) CurrentPath() string {
	return w.PathFor(time.Now())
}

// FormatMarkdown renders one call as a markdown section.
func FormatMarkdown(c Call, entries []chat.Entry) string {
	var b strings.Builder

	title := c.Destination
	if title == "" {
		title = c.RemoteID
	}
	fmt.Fprintf(&b, "## %s %s call %s\n\n", c.StartedAt.Format("15:04:05"), c.Direction, title)
	if c.EndedAt != nil {
		fmt.Fprintf(&b, "_ended %s (%s), %s_\n\n", c.EndedAt.Format("15:04:05"), c.EndReason,
			c.EndedAt.Sub(c.StartedAt).Round(time.Second))
	}

	for _, e := range entries {
		text := strings.TrimSpace(e.Text)
		if text == "" {
			continue
		}
		suffix := ""
		if e.State == chat.Partial {
			suffix = " _(cut off)_"
		}
		fmt.Fprintf(&b, "**%s:** %s%s\n", speakerLabel(e.Type), text, suffix)
	}
	b.WriteString("\n")
	return b.String()
}

func speakerLabel(s chat.Speaker) string {
	if s == chat.SpeakerAI {
		return "Agent"
	}
	return "Caller"
}
