package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/stegofed/activitypub"
	"github.com/deemkeen/stegofed/util"
	"github.com/deemkeen/stegofed/web"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

var usernamePattern = regexp.MustCompile(`^[a-z0-9_]{1,30}$`)

func validUsername(name string) error {
	if !usernamePattern.MatchString(name) {
		return fmt.Errorf("invalid username %q: use 1-30 lowercase letters, digits or underscores", name)
	}
	return nil
}

func serveCommand(ctx context.Context, conf *util.AppConfig, args []string) error {
	if len(args) > 0 {
		return fmt.Errorf("serve takes no arguments")
	}
	fed, err := newFederation(ctx, conf)
	if err != nil {
		return err
	}
	defer fed.Close()

	inbox := fed.inbox()
	worker := fed.worker()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		worker.Run(ctx)
		return nil
	})
	g.Go(func() error {
		return web.Router(ctx, conf, web.Deps{
			Accounts: fed.db,
			Follows:  fed.db,
			Inbox:    inbox,
		})
	})
	return g.Wait()
}

func lookupCommand(ctx context.Context, conf *util.AppConfig, args []string) error {
	flags := pflag.NewFlagSet("lookup", pflag.ContinueOnError)
	refresh := flags.Bool("refresh", false, "bypass the cache")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() != 1 {
		return errors.New("usage: lookup [--refresh] <uri|user@host>")
	}
	ref := flags.Arg(0)

	fed, err := newFederation(ctx, conf)
	if err != nil {
		return err
	}
	defer fed.Close()

	var entity *activitypub.Entity
	if *refresh {
		if strings.Contains(ref, "@") && !strings.Contains(ref, "://") {
			if ref, err = fed.discovery.Webfinger(ctx, ref); err != nil {
				return err
			}
		}
		entity, err = fed.discovery.Refresh(ctx, ref)
	} else {
		entity, err = fed.discovery.Lookup(ctx, ref)
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, renderEntity(entity))
	return nil
}

func addUserCommand(ctx context.Context, conf *util.AppConfig, args []string) error {
	flags := pflag.NewFlagSet("adduser", pflag.ContinueOnError)
	displayName := flags.String("display-name", "", "display name")
	summary := flags.String("summary", "", "profile summary")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() != 1 {
		return errors.New("usage: adduser [--display-name name] [--summary text] <name>")
	}
	username := flags.Arg(0)
	if err := validUsername(username); err != nil {
		return err
	}

	fed, err := newFederation(ctx, conf)
	if err != nil {
		return err
	}
	defer fed.Close()

	keys, err := util.GeneratePemKeypair(2048)
	if err != nil {
		return fmt.Errorf("generating keypair: %w", err)
	}
	acc, err := fed.db.CreateAccount(ctx, username, keys)
	if err != nil {
		return err
	}
	if *displayName != "" || *summary != "" {
		if err := fed.db.UpdateAccountProfile(ctx, username, *displayName, *summary, ""); err != nil {
			return err
		}
	}
	log.Info("Created account", "username", acc.Username, "id", acc.Id)
	fmt.Fprintln(os.Stdout, renderEntity(localEntity(acc.ToActor(conf.Conf.SslDomain))))
	return nil
}

func usersCommand(ctx context.Context, conf *util.AppConfig) error {
	fed, err := newFederation(ctx, conf)
	if err != nil {
		return err
	}
	defer fed.Close()

	names, err := fed.db.ReadUsernames(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, renderUsers(names, conf.Conf.SslDomain))
	return nil
}

func profileCommand(ctx context.Context, conf *util.AppConfig, args []string) error {
	flags := pflag.NewFlagSet("profile", pflag.ContinueOnError)
	displayName := flags.String("display-name", "", "display name")
	summary := flags.String("summary", "", "profile summary")
	avatar := flags.String("avatar", "", "avatar URL")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() != 1 {
		return errors.New("usage: profile [--display-name name] [--summary text] [--avatar url] <name>")
	}
	username := flags.Arg(0)

	fed, err := newFederation(ctx, conf)
	if err != nil {
		return err
	}
	defer fed.Close()

	acc, err := fed.db.ReadAccByUsername(ctx, username)
	if err != nil {
		return fmt.Errorf("no local user %q: %w", username, err)
	}
	if !flags.Changed("display-name") {
		*displayName = acc.DisplayName
	}
	if !flags.Changed("summary") {
		*summary = acc.Summary
	}
	if !flags.Changed("avatar") {
		*avatar = acc.AvatarURL
	}
	if err := fed.db.UpdateAccountProfile(ctx, username, *displayName, *summary, *avatar); err != nil {
		return err
	}

	actor, err := fed.localActor(ctx, username)
	if err != nil {
		return err
	}
	postman := activitypub.NewPostman(fed.deps, actor)
	res, sendErr := postman.UpdateProfile(ctx)
	report("Update", res)
	return finish(ctx, postman, sendErr)
}

func followCommand(ctx context.Context, conf *util.AppConfig, args []string, undo bool) error {
	name := "follow"
	if undo {
		name = "unfollow"
	}
	if len(args) != 2 {
		return fmt.Errorf("usage: %s <name> <uri|user@host>", name)
	}

	fed, err := newFederation(ctx, conf)
	if err != nil {
		return err
	}
	defer fed.Close()

	actor, err := fed.localActor(ctx, args[0])
	if err != nil {
		return err
	}
	target, err := fed.discovery.LookupActor(ctx, args[1])
	if err != nil {
		return err
	}

	postman := activitypub.NewPostman(fed.deps, actor)
	var res *activitypub.Result
	var sendErr error
	if undo {
		res, sendErr = postman.UndoFollow(ctx, target.URI)
	} else {
		res, sendErr = postman.Follow(ctx, target.URI)
	}
	report(name, res)
	return finish(ctx, postman, sendErr)
}

// report logs the outcome of one outbound activity.
func report(action string, res *activitypub.Result) {
	if res == nil {
		return
	}
	log.Info("Sent "+action, "delivered", len(res.Delivered), "failed", len(res.Failed))
	for _, f := range res.Failed {
		log.Warn("Delivery failed, queued for retry", "inbox", f.Target.Inbox, "err", f.Err)
	}
}

// finish queues leftover failures. Partial propagation is not an error for
// the command since the delivery worker retries it.
func finish(ctx context.Context, postman *activitypub.Postman, sendErr error) error {
	var propagation *activitypub.PropagationError
	if errors.As(sendErr, &propagation) {
		log.Warn("Activity not delivered everywhere", "err", sendErr)
		sendErr = nil
	}
	return errors.Join(sendErr, postman.Finalize(ctx))
}
