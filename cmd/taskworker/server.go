package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"

	// Packages
	broker "github.com/goauthentik/authentik-sub008/pkg/broker"
	version "github.com/goauthentik/authentik-sub008/pkg/version"
	httpserver "github.com/mutablelogic/go-server/pkg/httpserver"
	prometheus "github.com/prometheus/client_golang/prometheus"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

///////////////////////////////////////////////////////////////////////////////
// TYPES

type ServerCommands struct {
	RunServer RunServer `cmd:"" name:"run" help:"Run the maintenance server." group:"SERVER"`
	RunWorker RunWorker `cmd:"" name:"worker" help:"Run a task worker." group:"SERVER"`
}

type TLSFlags struct {
	ServerName string `name:"name" help:"TLS server name"`
	CertFile   string `name:"cert" help:"TLS certificate file"`
	KeyFile    string `name:"key" help:"TLS key file"`
}

type RunServer struct {
	TLS TLSFlags `embed:"" prefix:"tls."`
}

type RunWorker struct {
	TLS      TLSFlags `embed:"" prefix:"tls."`
	Actors   []string `name:"actor" help:"Actor to serve, as name or name=queue." required:""`
	Workers  int      `name:"workers" help:"Concurrent task handlers."`
	Prefetch int      `name:"prefetch" help:"Claimed tasks held in flight."`
}

///////////////////////////////////////////////////////////////////////////////
// COMMANDS

// Run starts the maintenance server, which garbage collects tasks on the
// configured interval and serves prometheus metrics over HTTP. Task
// processing happens in worker processes, not here.
func (cmd *RunServer) Run(ctx *Globals) error {
	b, conn, err := ctx.Broker(broker.WithVersion(version.Version()))
	if err != nil {
		return err
	}
	defer conn.Close()
	defer b.Close(ctx.ctx)

	return runWithMetrics(ctx, b, cmd.TLS, func(runCtx context.Context) error {
		return broker.NewGC(b).Run(runCtx)
	})
}

// Run starts a worker processing tasks for the named actors, alongside a
// metrics endpoint. Each actor logs the payloads it receives; the worker's
// consumer also amortizes the garbage collector and scheduler.
func (cmd *RunWorker) Run(ctx *Globals) error {
	opts := []broker.Opt{broker.WithVersion(version.Version())}
	if cmd.Workers > 0 {
		opts = append(opts, broker.WithWorkers(cmd.Workers))
	}
	if cmd.Prefetch > 0 {
		opts = append(opts, broker.WithPrefetch(cmd.Prefetch))
	}

	b, conn, err := ctx.Broker(opts...)
	if err != nil {
		return err
	}
	defer conn.Close()
	defer b.Close(ctx.ctx)

	// Register an actor per flag, logging claimed payloads
	registry := broker.NewRegistry()
	for _, flag := range cmd.Actors {
		name, queue, _ := strings.Cut(flag, "=")
		if err := registry.Register(broker.Actor{
			Name:  name,
			Queue: queue,
			Handler: func(handlerCtx context.Context, payload json.RawMessage) (any, error) {
				ctx.log.InfoContext(handlerCtx, "task received", "actor", name, "payload", string(payload))
				return nil, nil
			},
		}); err != nil {
			return err
		}
	}

	worker, err := broker.NewWorker(b, registry)
	if err != nil {
		return err
	}
	return runWithMetrics(ctx, b, cmd.TLS, worker.Run)
}

///////////////////////////////////////////////////////////////////////////////
// PRIVATE METHODS

// runWithMetrics runs fn and an HTTP server exposing the broker's
// prometheus metrics, until either fails or the context is cancelled.
func runWithMetrics(ctx *Globals, b *broker.Broker, flags TLSFlags, fn func(context.Context) error) error {
	// Register metrics
	registry := prometheus.NewRegistry()
	if err := registry.Register(broker.NewCollector(b)); err != nil {
		return err
	}

	// Create a TLS config
	tlsconfig, err := tlsConfig(flags)
	if err != nil {
		return err
	}

	// Create a HTTP server
	server, err := httpserver.New(ctx.HTTP.Addr, tlsconfig)
	if err != nil {
		return err
	}
	router := http.NewServeMux()
	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	server.SetHandler(router)

	// Run the main loop and the server concurrently
	var wg sync.WaitGroup
	var result error
	fmt.Println(version.ExecName(), version.Version())

	wg.Add(1)
	go func() {
		defer wg.Done()

		if err := fn(ctx.ctx); err != nil {
			if !errors.Is(err, context.Canceled) {
				result = errors.Join(result, err)
			}
			ctx.cancel()
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()

		fmt.Println("...listening on", ctx.HTTP.Addr)
		if err := server.Run(ctx.ctx); err != nil {
			if !errors.Is(err, context.Canceled) {
				result = errors.Join(result, fmt.Errorf("server error: %w", err))
			}
			ctx.cancel()
		}
	}()

	// Wait for both to finish
	wg.Wait()

	// Terminated message
	if result == nil {
		fmt.Println(version.ExecName(), "terminated")
	}

	// Return any error
	return result
}

func tlsConfig(flags TLSFlags) (*tls.Config, error) {
	if flags.CertFile == "" && flags.KeyFile == "" {
		return nil, nil
	}
	cert, err := os.ReadFile(flags.CertFile)
	if err != nil {
		return nil, err
	}
	key, err := os.ReadFile(flags.KeyFile)
	if err != nil {
		return nil, err
	}
	return httpserver.TLSConfig(flags.ServerName, true, cert, key)
}
