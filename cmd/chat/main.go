package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gookit/color"
	flag "github.com/spf13/pflag"

	"ClawdCity-Chat/internal/chat"
	"ClawdCity-Chat/internal/config"
	"ClawdCity-Chat/internal/session"
)

const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

var errUsage = errors.New("usage")

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	flags := flag.NewFlagSet("chat", flag.ContinueOnError)
	firstName := flags.StringP("firstname", "f", "", "first name shown to other users")
	lastName := flags.StringP("lastname", "l", "", "last name shown to other users")
	profilePath := flags.String("profile", "", "YAML topic profile, overrides CHAT_PROFILE")
	envFile := flags.String("env-file", ".env", "dotenv file read before the environment")
	flags.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: chat [-f firstname] [-l lastname] [--profile file] <user> <group>")
		flags.PrintDefaults()
	}
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}
	if flags.NArg() != 2 {
		flags.Usage()
		return exitUsage
	}
	id := session.Identity{
		Username:  flags.Arg(0),
		Group:     flags.Arg(1),
		FirstName: *firstName,
		LastName:  *lastName,
	}

	cfg, err := config.Load(*envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		return exitUsage
	}
	if *profilePath != "" {
		cfg.ProfilePath = *profilePath
	}

	if err := join(cfg, id); err != nil {
		var regErr *chat.RegistrationError
		if errors.As(err, &regErr) || errors.Is(err, errUsage) {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return exitUsage
		}
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		return exitFailure
	}
	return exitOK
}

func join(cfg config.Config, id session.Identity) error {
	log := newLogger(cfg.LogLevel)

	profile, err := session.Profile(cfg)
	if err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ps, err := session.Dial(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("open transport: %w", err)
	}
	defer func() {
		if err := ps.Close(); err != nil {
			log.Warn("close transport", "err", err)
		}
	}()

	tr, err := session.OpenTransport(ps, profile, log)
	if err != nil {
		return err
	}
	s, err := session.Start(ctx, tr, id, session.Options{
		Input:         os.Stdin,
		Output:        os.Stdout,
		Colored:       cfg.Color && color.SupportColor(),
		PollInterval:  cfg.PollInterval,
		OnlyAddressed: cfg.OnlyAddressed,
		JoinWait:      cfg.JoinWait,
		SendLimit:     cfg.SendLimit,
		SendWindow:    cfg.SendWindow,
		Logger:        log,
	})
	if err != nil {
		return err
	}
	return s.Run(ctx)
}

// newLogger writes to stderr; stdout carries the chat itself.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
