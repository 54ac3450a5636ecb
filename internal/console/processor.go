//go:generate go run go.uber.org/mock/mockgen -source=processor.go -destination=../mocks/mock_console.go -package=mocks
package console

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode"

	"golang.org/x/time/rate"

	"ClawdCity-Chat/internal/chat"
)

const (
	sendUsage = `Invalid usage. Use "send user|group message"`
	slowDown  = "Too many messages, slow down"
	helpText  = `Commands:
  list                        list users currently online
  send <user|group> <message> send a chat message
  help                        show this help
  exit | quit                 leave the chat`
)

// Presence lists the users currently online.
type Presence interface {
	List() []chat.UserRecord
}

// Sender publishes a chat message.
type Sender interface {
	Send(msg chat.ChatMessage) error
}

type State int

const (
	WaitingInput State = iota
	Dispatching
	Stopped
)

func (s State) String() string {
	switch s {
	case WaitingInput:
		return "WAITING_INPUT"
	case Dispatching:
		return "DISPATCHING"
	case Stopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// Processor is the interactive command loop of one user.
type Processor struct {
	username string
	presence Presence
	sender   Sender
	lock     sync.Locker
	out      *Printer
	log      *slog.Logger
	sendLim  *rate.Limiter

	mu    sync.Mutex
	state State
}

func NewProcessor(username string, presence Presence, sender Sender, lock sync.Locker, out *Printer, log *slog.Logger) *Processor {
	if log == nil {
		log = slog.Default()
	}
	return &Processor{
		username: username,
		presence: presence,
		sender:   sender,
		lock:     lock,
		out:      out,
		log:      log.With("component", "commands", "user", username),
	}
}

// LimitSends allows at most requests sends per window. Sends over the limit
// are refused with a notice instead of being queued.
func (p *Processor) LimitSends(requests int, window time.Duration) {
	if requests <= 0 || window <= 0 {
		p.sendLim = nil
		return
	}
	p.sendLim = rate.NewLimiter(rate.Every(window/time.Duration(requests)), requests)
}

func (p *Processor) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Processor) setState(s State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = s
}

// Run reads one command per line from in until exit, quit, end of input or
// ctx cancellation. Only a read failure is returned as an error.
func (p *Processor) Run(ctx context.Context, in io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	defer p.setState(Stopped)
	for {
		p.lock.Lock()
		p.out.Prompt()
		p.lock.Unlock()

		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-readErr:
					if err != nil {
						return &chat.TransportError{Op: "read commands", Err: err}
					}
				default:
				}
				p.log.Debug("end of input, leaving")
				return nil
			}
			stop, err := p.Execute(line)
			if err != nil {
				p.log.Debug("command rejected", "line", line, "err", err)
			}
			if stop {
				return nil
			}
		}
	}
}

// Execute dispatches a single command line. It reports whether the session
// should stop. Malformed commands yield a *chat.UsageError after the problem
// has been shown to the user.
func (p *Processor) Execute(line string) (bool, error) {
	if p.State() == Stopped {
		return true, nil
	}
	p.setState(Dispatching)
	defer func() {
		if p.State() == Dispatching {
			p.setState(WaitingInput)
		}
	}()

	fields := splitFields(line, 3)
	if len(fields) == 0 {
		return false, nil
	}
	command := fields[0]
	if command != "send" && len(fields) > 1 {
		// Keywords other than send take no arguments.
		command = strings.TrimSpace(line)
	}
	switch command {
	case "exit", "quit":
		p.setState(Stopped)
		return true, nil
	case "list":
		p.list()
		return false, nil
	case "send":
		return false, p.send(fields)
	case "help":
		p.withLock(func() { p.out.Line(helpText) })
		return false, nil
	default:
		p.withLock(func() { p.out.Error("Unknown command") })
		return false, &chat.UsageError{Command: command, Usage: "unknown command"}
	}
}

func (p *Processor) list() {
	p.lock.Lock()
	defer p.lock.Unlock()
	for _, rec := range p.presence.List() {
		p.out.User(rec)
	}
}

func (p *Processor) send(fields []string) error {
	if len(fields) < 3 {
		p.withLock(func() { p.out.Error(sendUsage) })
		return &chat.UsageError{Command: "send", Usage: sendUsage}
	}
	if p.sendLim != nil && !p.sendLim.Allow() {
		p.withLock(func() { p.out.Error(slowDown) })
		p.log.Debug("send rate limited")
		return nil
	}
	dest := fields[1]
	msg := chat.ChatMessage{
		FromUser: p.username,
		ToUser:   dest,
		ToGroup:  dest,
		Message:  fields[2],
	}

	p.lock.Lock()
	err := p.sender.Send(msg)
	p.lock.Unlock()

	var tErr *chat.TransportError
	if errors.As(err, &tErr) {
		// Delivery is best effort; the loop keeps going.
		p.log.Warn("message not sent", "to", dest, "err", err)
		return nil
	}
	return err
}

func (p *Processor) withLock(fn func()) {
	p.lock.Lock()
	defer p.lock.Unlock()
	fn()
}

// splitFields splits s on runs of whitespace into at most n fields. The last
// field keeps the rest of the line, inner spacing included.
func splitFields(s string, n int) []string {
	var out []string
	for len(out) < n-1 {
		s = strings.TrimLeftFunc(s, unicode.IsSpace)
		if s == "" {
			return out
		}
		i := strings.IndexFunc(s, unicode.IsSpace)
		if i < 0 {
			return append(out, s)
		}
		out = append(out, s[:i])
		s = s[i:]
	}
	if s = strings.TrimLeftFunc(s, unicode.IsSpace); s != "" {
		out = append(out, s)
	}
	return out
}
