// Package render formats transcript messages and session events for a
// terminal.
package render

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/tutor-chat/pkg/protocol"
	"github.com/go-go-golems/tutor-chat/pkg/session"
	"github.com/go-go-golems/tutor-chat/pkg/transcript"
)

var (
	userStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FFFDF5"))
	assistantStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	statusStyle    = lipgloss.NewStyle().Italic(true).Foreground(lipgloss.Color("#888888"))
	errorStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
	imageStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#AFAFAF"))
	questionStyle  = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("170")).
			Padding(0, 1)
)

// Renderer turns transcript entries into printable text. Styled output uses
// lipgloss and renders assistant markdown with glamour.
type Renderer struct {
	styled     bool
	glamourSty string
}

type Option func(*Renderer)

// WithStyle forces styled or plain output.
func WithStyle(styled bool) Option {
	return func(r *Renderer) { r.styled = styled }
}

// WithGlamourStyle selects the glamour standard style, "dark" by default.
func WithGlamourStyle(name string) Option {
	return func(r *Renderer) {
		if name != "" {
			r.glamourSty = name
		}
	}
}

// New styles output only when f is a terminal.
func New(f *os.File, opts ...Option) *Renderer {
	r := &Renderer{
		styled:     f != nil && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())),
		glamourSty: "dark",
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Renderer) Styled() bool { return r.styled }

func (r *Renderer) style(s lipgloss.Style, text string) string {
	if !r.styled {
		return text
	}
	return s.Render(text)
}

func (r *Renderer) markdown(text string) string {
	if !r.styled {
		return text
	}
	out, err := glamour.Render(text, r.glamourSty)
	if err != nil {
		log.Debug().Err(err).Msg("markdown rendering failed, printing raw text")
		return text
	}
	return strings.TrimRight(out, "\n")
}

// Message renders one transcript entry.
func (r *Renderer) Message(m transcript.Message) string {
	switch m.Kind {
	case transcript.KindText:
		if m.Role == transcript.RoleUser {
			return r.style(userStyle, "you › ") + m.Text
		}
		return r.style(assistantStyle, "tutor ›") + "\n" + r.markdown(m.Text)
	case transcript.KindStatus:
		line := "· " + m.Text
		var details []string
		if node := m.Meta["current_node"]; node != "" {
			details = append(details, node)
		}
		if tool := m.Meta["tool_name"]; tool != "" {
			details = append(details, "tool "+tool)
		}
		if len(details) > 0 {
			line += " (" + strings.Join(details, ", ") + ")"
		}
		return r.style(statusStyle, line)
	case transcript.KindError:
		return r.style(errorStyle, "! "+m.Text)
	case transcript.KindImage:
		if m.Image == nil {
			return r.style(imageStyle, "[image]")
		}
		return r.style(imageStyle, fmt.Sprintf("[image %s → %s]", m.Image.Filename, m.Image.RemotePath))
	default:
		return m.Text
	}
}

// Transcript renders every message, separated by blank lines.
func (r *Renderer) Transcript(msgs []transcript.Message) string {
	parts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		parts = append(parts, r.Message(m))
	}
	return strings.Join(parts, "\n\n")
}

// Status renders a connection transition; it returns "" for transitions not
// worth printing.
func (r *Renderer) Status(ev session.StatusEvent) string {
	switch ev.State {
	case session.StateConnected:
		return r.style(statusStyle, "· connected")
	case session.StateConnecting:
		if ev.Attempt > 0 {
			return r.style(statusStyle, fmt.Sprintf("· reconnecting (attempt %d)", ev.Attempt))
		}
		return r.style(statusStyle, "· connecting")
	case session.StateDisconnected:
		if ev.Err != nil {
			return r.style(statusStyle, fmt.Sprintf("· disconnected: %v", ev.Err))
		}
		return r.style(statusStyle, "· disconnected")
	case session.StateConnectionLost:
		if ev.Err != nil {
			return r.style(errorStyle, fmt.Sprintf("! connection lost: %v", ev.Err))
		}
		return r.style(errorStyle, "! connection lost")
	default:
		return ""
	}
}

// Uploads renders the image queue, numbered from 1 for /remove.
func (r *Renderer) Uploads(queue []transcript.ImageRef) string {
	if len(queue) == 0 {
		return r.style(imageStyle, "no images queued")
	}
	lines := make([]string, 0, len(queue))
	for i, ref := range queue {
		lines = append(lines, fmt.Sprintf("%d. %s (%s)", i+1, ref.Filename, ref.Status))
	}
	return r.style(imageStyle, strings.Join(lines, "\n"))
}

// Upload renders one image status change.
func (r *Renderer) Upload(ref transcript.ImageRef) string {
	switch ref.Status {
	case transcript.ImageFailed:
		return r.style(errorStyle, fmt.Sprintf("! image %s failed", ref.Filename))
	case transcript.ImageAcked:
		return r.style(imageStyle, fmt.Sprintf("[image %s uploaded]", ref.Filename))
	default:
		return r.style(imageStyle, fmt.Sprintf("[image %s %s]", ref.Filename, ref.Status))
	}
}

// Interrupt renders the agent's question with numbered options.
func (r *Renderer) Interrupt(in *session.Interrupt) string {
	if in == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(in.Question)
	for i, opt := range in.Options {
		fmt.Fprintf(&b, "\n  %d) %s", i+1, opt)
	}
	return r.style(questionStyle, b.String())
}

// Auth renders the outcome of a login or register request.
func (r *Renderer) Auth(resp *protocol.AuthResponseFrame) string {
	if resp == nil {
		return ""
	}
	if resp.Status != "success" {
		return r.style(errorStyle, "! auth failed: "+resp.Message)
	}
	who := ""
	if resp.Username != nil && *resp.Username != "" {
		who = " as " + *resp.Username
	}
	if resp.Role != nil && *resp.Role != "" {
		who += " (" + *resp.Role + ")"
	}
	return r.style(statusStyle, "· authenticated"+who)
}
