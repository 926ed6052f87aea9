package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/stegofed/util"
	"github.com/spf13/pflag"
)

const usage = `Usage: stegofed [flags] <command> [args]

Commands:
  serve                          run the federation server (default)
  lookup <uri|user@host>         resolve and print an actor or object
  adduser <name>                 create a local account
  users                          list local accounts
  profile <name>                 update a profile and federate the change
  follow <name> <uri|user@host>  follow a remote actor as a local user
  unfollow <name> <uri|user@host>

Flags:
`

func main() {
	if err := run(os.Args[1:]); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := pflag.NewFlagSet(util.Name, pflag.ContinueOnError)
	logLevel := flags.String("log-level", "", "override the configured log level")
	flags.SetInterspersed(false)
	flags.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flags.PrintDefaults()
	}
	if err := flags.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	conf, err := util.ReadConf()
	if err != nil {
		return err
	}
	if *logLevel != "" {
		conf.Conf.LogLevel = *logLevel
	}
	if err := setupLogging(conf.Conf.LogLevel); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	command, rest := "serve", flags.Args()
	if len(rest) > 0 {
		command, rest = rest[0], rest[1:]
	}

	switch command {
	case "serve":
		return serveCommand(ctx, conf, rest)
	case "lookup":
		return lookupCommand(ctx, conf, rest)
	case "adduser":
		return addUserCommand(ctx, conf, rest)
	case "users":
		return usersCommand(ctx, conf)
	case "profile":
		return profileCommand(ctx, conf, rest)
	case "follow":
		return followCommand(ctx, conf, rest, false)
	case "unfollow":
		return followCommand(ctx, conf, rest, true)
	}
	flags.Usage()
	return fmt.Errorf("unknown command %q", command)
}

func setupLogging(level string) error {
	if level == "" {
		return nil
	}
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	log.SetLevel(lvl)
	log.SetReportTimestamp(true)
	return nil
}
