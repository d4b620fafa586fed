package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/egayivor-E/Pensaconnect-sub000/internal/auth"
	"github.com/egayivor-E/Pensaconnect-sub000/internal/bus"
	"github.com/egayivor-E/Pensaconnect-sub000/internal/config"
	"github.com/egayivor-E/Pensaconnect-sub000/internal/feed"
	"github.com/egayivor-E/Pensaconnect-sub000/internal/transport"
	"github.com/egayivor-E/Pensaconnect-sub000/internal/wire"
)

func main() {
	app := &cli.App{
		Name:  "pensasync",
		Usage: "Pensaconnect feed sync client - follow and post to community feeds",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "path to a TOML config file",
				EnvVars: []string{"PENSA_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "token",
				Usage:   "access token (overrides the config file)",
				EnvVars: []string{"PENSA_SERVER_TOKEN"},
			},
			&cli.StringFlag{
				Name:    "token-file",
				Usage:   "file holding the access token, re-read when the token nears expiry",
				EnvVars: []string{"PENSA_SERVER_TOKEN_FILE"},
			},
			&cli.StringFlag{
				Name:    "user",
				Usage:   "local user id, stamped on optimistic entries",
				EnvVars: []string{"PENSA_USER"},
				Value:   "me",
			},
			&cli.StringFlag{
				Name:    "transport",
				Value:   "socketio",
				Usage:   "push transport: socketio, websocket, or poll",
				EnvVars: []string{"PENSA_TRANSPORT"},
			},
			&cli.BoolFlag{
				Name:    "debug",
				Usage:   "enable verbose logging",
				EnvVars: []string{"PENSA_DEBUG"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "tail",
				Usage:     "follow a scope's feed, printing items as they arrive",
				ArgsUsage: "<scope-id>",
				Action:    runTail,
			},
			{
				Name:      "send",
				Usage:     "post an item to a scope and wait for server confirmation",
				ArgsUsage: "<scope-id> <content>",
				Flags: []cli.Flag{
					&cli.DurationFlag{
						Name:  "timeout",
						Value: 30 * time.Second,
						Usage: "maximum time to wait for confirmation",
					},
				},
				Action: runSend,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// env bundles everything a command needs after setup.
type env struct {
	cfg    *config.Config
	log    zerolog.Logger
	bus    *bus.Bus
	syncer *feed.Syncer
	push   feed.Pusher
}

func setup(c *cli.Context) (*env, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	if c.String("token") != "" {
		cfg.Server.Token = c.String("token")
	}
	if c.String("token-file") != "" {
		cfg.Server.TokenFile = c.String("token-file")
	}
	if cfg.Server.Token == "" && cfg.Server.TokenFile == "" {
		return nil, fmt.Errorf("no access token: set --token, --token-file, or server.token in the config file")
	}

	level := zerolog.InfoLevel
	if cfg.Debug || c.Bool("debug") {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		Level(level).With().Timestamp().Logger()

	var tokens auth.TokenSource
	if path := cfg.Server.TokenFile; path != "" {
		// Re-read the file shortly before the current token expires, so a
		// sidecar refreshing the file keeps long-lived sessions authenticated.
		tokens = auth.NewRefreshingTokenSource(time.Minute, func() (string, error) {
			raw, err := os.ReadFile(path)
			if err != nil {
				return "", fmt.Errorf("read token file: %w", err)
			}
			return strings.TrimSpace(string(raw)), nil
		})
	} else {
		tokens = auth.StaticTokenSource(cfg.Server.Token)
	}
	poll := transport.NewPollChannel(cfg.Server.URL, tokens, cfg.PollTimeout(), log)

	var push feed.Pusher
	switch c.String("transport") {
	case "socketio":
		push = transport.NewSocketChannel(transport.SocketOptions{
			ServerURL:              cfg.Server.SocketURL,
			Tokens:                 tokens,
			RetryBaseDelay:         cfg.RetryBaseDelay(),
			MaxConsecutiveFailures: cfg.Sync.MaxConsecutiveFailures,
			Logger:                 log,
			OnGaveUp: func(err error) {
				log.Warn().Err(err).Msg("push connection gave up, still polling")
			},
		})
	case "websocket":
		wsURL := strings.Replace(cfg.Server.SocketURL, "http", "ws", 1) + "/api/v1/updates"
		push = transport.NewWebsocketChannel(transport.WebsocketOptions{
			URL:                    wsURL,
			Tokens:                 tokens,
			RetryBaseDelay:         cfg.RetryBaseDelay(),
			MaxConsecutiveFailures: cfg.Sync.MaxConsecutiveFailures,
			Logger:                 log,
			OnGaveUp: func(err error) {
				log.Warn().Err(err).Msg("push connection gave up, still polling")
			},
		})
	case "poll":
		// Poll-only mode, no push channel.
	default:
		return nil, fmt.Errorf("unknown transport %q", c.String("transport"))
	}

	b := bus.New()
	syncer, err := feed.NewSyncer(feed.Options{
		Push:                   push,
		Poll:                   poll,
		Bus:                    b,
		AuthorID:               c.String("user"),
		Logger:                 &log,
		PollInterval:           cfg.PollInterval(),
		PollTimeout:            cfg.PollTimeout(),
		RetryBaseDelay:         cfg.RetryBaseDelay(),
		MaxConsecutiveFailures: cfg.Sync.MaxConsecutiveFailures,
		PresenceWindow:         cfg.PresenceWindow(),
	})
	if err != nil {
		return nil, err
	}

	return &env{cfg: cfg, log: log, bus: b, syncer: syncer, push: push}, nil
}

// dialPush establishes the push connection, tolerating failure: the syncer
// keeps polling and the channel keeps retrying on its own.
func dialPush(e *env) {
	var err error
	switch p := e.push.(type) {
	case *transport.SocketChannel:
		err = p.Dial()
	case *transport.WebsocketChannel:
		err = p.Dial()
	default:
		return
	}
	if err != nil {
		e.log.Warn().Err(err).Msg("push dial failed, continuing poll-only")
	}
}

func runTail(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("usage: pensasync tail <scope-id>")
	}
	scopeID := c.Args().First()

	e, err := setup(c)
	if err != nil {
		return err
	}
	defer e.syncer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dialPush(e)
	if err := e.syncer.Open(ctx, scopeID); err != nil {
		return err
	}

	printed := make(map[string]struct{})
	remove := e.syncer.Listen(scopeID, func(_ string, items []feed.Item) {
		for _, item := range items {
			if _, ok := printed[item.ID]; ok {
				continue
			}
			printed[item.ID] = struct{}{}
			printItem(item)
		}
	})
	defer remove()

	typingSub := e.bus.Subscribe(feed.TopicTyping, 0)
	defer typingSub.Unsubscribe()
	go func() {
		for range typingSub.C() {
			if typists := e.syncer.ActiveTypists(scopeID); len(typists) > 0 {
				fmt.Printf("  ... %s typing\n", strings.Join(typists, ", "))
			}
		}
	}()

	// Lines typed on stdin are posted into the scope. Input activity also
	// signals typing on the push channel so peers see the indicator.
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			sendTyping(e, scopeID, c.String("user"))
			if _, err := e.syncer.Submit(ctx, scopeID, line, nil); err != nil {
				e.log.Warn().Err(err).Msg("post failed")
			}
		}
	}()

	go e.syncer.Run(ctx)
	e.log.Info().Str("scope", scopeID).Msg("following feed, type to post, ctrl-c to stop")
	<-ctx.Done()
	return nil
}

// sendTyping signals composing activity on the push channel, if one is up.
func sendTyping(e *env, scopeID, userID string) {
	switch p := e.push.(type) {
	case *transport.SocketChannel:
		p.SendTyping(wire.ID(scopeID))
	case *transport.WebsocketChannel:
		p.SendTyping(wire.ID(scopeID), wire.ID(userID))
	}
}

func printItem(item feed.Item) {
	at := time.UnixMilli(item.CreatedAt).Format(time.TimeOnly)
	marker := ""
	switch item.Origin {
	case feed.OriginLocalPending:
		marker = " (sending)"
	case feed.OriginLocalFailed:
		marker = " (failed)"
	}
	fmt.Printf("[%s] %s: %s%s\n", at, item.AuthorID, item.Content, marker)
}

func runSend(c *cli.Context) error {
	if c.NArg() != 2 {
		return fmt.Errorf("usage: pensasync send <scope-id> <content>")
	}
	scopeID := c.Args().Get(0)
	content := c.Args().Get(1)

	e, err := setup(c)
	if err != nil {
		return err
	}
	defer e.syncer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dialPush(e)
	if err := e.syncer.Open(ctx, scopeID); err != nil {
		return err
	}

	snap, err := e.syncer.Submit(ctx, scopeID, content, nil)
	if err != nil {
		return err
	}

	deadline := time.After(c.Duration("timeout"))
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return fmt.Errorf("no confirmation for %s within the timeout", snap.TempID)
		case <-ticker.C:
			for _, item := range e.syncer.Items(scopeID) {
				if item.Origin == feed.OriginRemote && item.LocalID == snap.TempID {
					fmt.Printf("confirmed as %s\n", item.ID)
					return nil
				}
			}
			for _, failed := range e.syncer.FailedWrites(scopeID) {
				if failed.TempID == snap.TempID {
					return fmt.Errorf("send rejected: %v", failed.Err)
				}
			}
		}
	}
}
