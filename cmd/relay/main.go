package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/astromechza/strate-sync/pkg/discovery"
	"github.com/astromechza/strate-sync/pkg/relay"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	addrVar := flag.String("addr", "localhost:7007", "the address to listen on")
	dbVar := flag.String("db", "relay.sqlite3", "the sqlite database documents are backed up to")
	redisVar := flag.String("redis", "", "optional redis address used to share ops with other relay instances")
	channelVar := flag.String("channel", "strate-relay", "the redis channel ops are shared on")
	advertiseVar := flag.Bool("advertise", false, "advertise the relay on the local network over mDNS")
	backupVar := flag.Duration("backup-interval", 5*time.Second, "how often changed documents are backed up")
	flag.Parse()

	store, err := relay.OpenStore(*dbVar)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var bus relay.Bus
	if *redisVar != "" {
		rb, err := relay.NewRedisBus(ctx, *redisVar, *channelVar)
		if err != nil {
			return err
		}
		defer rb.Close()
		bus = rb
	}

	hub := relay.NewHub(bus, slog.Default())
	if err := hub.Restore(ctx, store); err != nil {
		return err
	}

	if *advertiseVar {
		_, portRaw, err := net.SplitHostPort(*addrVar)
		if err != nil {
			return fmt.Errorf("failed to parse listen address: %w", err)
		}
		port, err := strconv.Atoi(portRaw)
		if err != nil {
			return fmt.Errorf("failed to parse listen port: %w", err)
		}
		host, _ := os.Hostname()
		shutdown, err := discovery.Register("strate-relay-"+host, port)
		if err != nil {
			return err
		}
		defer shutdown()
	}

	wg := new(sync.WaitGroup)

	wg.Add(1)
	go func() {
		defer wg.Done()
		hub.RunBackups(ctx, store, *backupVar)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := hub.Listen(ctx); err != nil {
			slog.Error("op fan-out stopped", "err", err)
		}
	}()

	httpServer := &http.Server{Addr: *addrVar, Handler: relay.NewRouter(hub, relay.Options{})}

	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("relay listening", "addr", *addrVar)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server listen failed", "err", err)
		}
	}()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exit
	slog.Info("Signal caught", "sig", sig)
	cancel()
	_ = httpServer.Close()

	wg.Wait()
	return nil
}
