package console

import (
	"fmt"
	"io"

	"github.com/gookit/color"

	"ClawdCity-Chat/internal/chat"
)

const prompt = "Please enter command: "

// Printer renders chat output lines. Colours are applied only when enabled,
// the plain text is what other tools and tests see.
type Printer struct {
	out     io.Writer
	colored bool
}

func NewPrinter(out io.Writer, colored bool) *Printer {
	return &Printer{out: out, colored: colored}
}

func (p *Printer) paint(style color.Color, s string) string {
	if !p.colored {
		return s
	}
	return style.Sprint(s)
}

func (p *Printer) Prompt() {
	fmt.Fprint(p.out, p.paint(color.Gray, prompt))
}

func (p *Printer) Dropped(username string) {
	fmt.Fprintln(p.out, p.paint(color.Yellow, fmt.Sprintf("#Dropped user \"%s\"", username)))
}

func (p *Printer) Message(msg chat.ChatMessage) {
	fmt.Fprintln(p.out, p.paint(color.Cyan, fmt.Sprintf("#New chat message from %s,\t Message: \"%s\"", msg.FromUser, msg.Message)))
}

func (p *Printer) User(rec chat.UserRecord) {
	fmt.Fprintln(p.out, p.paint(color.Green, fmt.Sprintf("#Username: %s,\t\tGroup: %s", rec.Username, rec.Group)))
}

func (p *Printer) Presence(evt chat.PresenceEvent) {
	if evt.Kind == chat.Left {
		p.Dropped(evt.Username)
	}
}

func (p *Printer) Line(s string) {
	fmt.Fprintln(p.out, s)
}

func (p *Printer) Error(s string) {
	fmt.Fprintln(p.out, p.paint(color.Red, s))
}
