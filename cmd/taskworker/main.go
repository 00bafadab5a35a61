package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	// Packages
	kong "github.com/alecthomas/kong"
	pg "github.com/goauthentik/authentik-sub008"
	broker "github.com/goauthentik/authentik-sub008/pkg/broker"
	godotenv "github.com/joho/godotenv"
	logger "github.com/mutablelogic/go-server/pkg/logger"
)

///////////////////////////////////////////////////////////////////////////////
// TYPES

type Globals struct {
	// Debug option
	Debug   bool             `name:"debug" help:"Enable debug logging"`
	Version kong.VersionFlag `name:"version" help:"Print version and exit"`

	// Database options
	URL       string `name:"url" env:"POSTGRES_URL" help:"Database URL"`
	Namespace string `name:"namespace" env:"BROKER_NAMESPACE" help:"Broker namespace" default:"broker"`

	// HTTP server options
	HTTP struct {
		Addr string `name:"addr" env:"BROKER_ADDR" help:"HTTP listen address" default:":8080"`
	} `embed:"" prefix:"http."`

	// Private fields
	ctx    context.Context
	cancel context.CancelFunc
	log    *slog.Logger
}

type CLI struct {
	Globals
	TaskCommands
	TenantCommands
	ServerCommands
}

///////////////////////////////////////////////////////////////////////////////
// LIFECYCLE

func main() {
	// Load environment from .env when present
	_ = godotenv.Load()

	cli := new(CLI)
	ctx := kong.Parse(cli,
		kong.Name("taskworker"),
		kong.Description("task broker command line interface"),
		kong.Vars{
			"version": VersionJSON(),
		},
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
	)

	// Create the context and cancel function
	cli.Globals.ctx, cli.Globals.cancel = signal.NotifyContext(context.Background(), os.Interrupt)
	defer cli.Globals.cancel()

	// Create the logger
	level := new(slog.LevelVar)
	if cli.Globals.Debug {
		level.Set(slog.LevelDebug)
	}
	cli.Globals.log = slog.New(logger.NewTermHandler(os.Stderr, level))

	// Call the Run() method of the selected parsed command.
	if err := ctx.Run(&cli.Globals); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

///////////////////////////////////////////////////////////////////////////////
// PRIVATE METHODS

// Broker creates a connection pool and a broker on it. The caller closes
// both.
func (g *Globals) Broker(opt ...broker.Opt) (*broker.Broker, pg.PoolConn, error) {
	opts := []pg.Opt{
		pg.WithURL(g.URL),
	}
	if g.Debug {
		opts = append(opts, pg.WithTrace(func(ctx context.Context, query string, args any, err error) {
			fmt.Println("PG TRACE:", query, args, err)
		}))
	}

	conn, err := pg.NewPool(g.ctx, opts...)
	if err != nil {
		return nil, nil, err
	}
	if err := conn.Ping(g.ctx); err != nil {
		conn.Close()
		return nil, nil, err
	}

	opt = append([]broker.Opt{broker.WithNamespace(g.Namespace), broker.WithLogger(g.log)}, opt...)
	b, err := broker.New(g.ctx, conn, opt...)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	return b, conn, nil
}
