package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/astromechza/strate-sync/pkg/config"
	"github.com/astromechza/strate-sync/pkg/conn"
	"github.com/astromechza/strate-sync/pkg/discovery"
	"github.com/astromechza/strate-sync/pkg/document"
	"github.com/astromechza/strate-sync/pkg/registry"
	"github.com/astromechza/strate-sync/pkg/state"
	"github.com/astromechza/strate-sync/pkg/transport"
	"github.com/astromechza/strate-sync/pkg/watch"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	workspaceVar := flag.String("workspace", ".", "the workspace directory the documents are synced into")
	addrVar := flag.String("addr", "", "override the server address from the workspace config")
	discoverVar := flag.Bool("discover", false, "find a relay on the local network over mDNS")
	verboseVar := flag.Bool("v", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verboseVar {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	workspace, err := filepath.Abs(*workspaceVar)
	if err != nil {
		return fmt.Errorf("failed to resolve workspace: %w", err)
	}
	cfgPath, err := config.InitWorkspace(workspace)
	if err != nil {
		return err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *discoverVar {
		browseCtx, browseCancel := context.WithTimeout(ctx, 5*time.Second)
		addr, err := discovery.Browse(browseCtx)
		browseCancel()
		if err != nil {
			return err
		}
		cfg.ServerAddress = addr
	} else if *addrVar != "" {
		cfg.ServerAddress = *addrVar
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	slog.Info("loaded configuration", "path", cfgPath, "server", cfg.WebsocketURL(), "collection", cfg.Collection)

	store, err := state.Open(filepath.Join(workspace, config.Dir, "state.db"))
	if err != nil {
		return err
	}
	defer store.Close()

	mgr := conn.New(conn.OptionsFrom(cfg), &transport.WebsocketDialer{}, slog.Default())
	reg := registry.New(mgr, registry.Options{Config: cfg, State: store})
	reg.OnConnected(func(doc *document.FileDocument) {
		slog.Info("document connected", "id", doc.ID())
	})
	reg.OnDisconnected(func(doc *document.FileDocument) {
		slog.Warn("document disconnected", "id", doc.ID())
	})
	reg.OnError(func(e registry.DocError) {
		slog.Error("document error", "id", e.Doc.ID(), "code", e.Err.Code, "err", e.Err)
	})

	if err := mgr.Connect(ctx); err != nil {
		slog.Warn("initial connection failed", "err", err)
	}
	if n, err := reg.Resume(); err != nil {
		slog.Warn("failed to resume some documents", "err", err)
	} else if n > 0 {
		slog.Info("resumed documents", "count", n)
	}
	for _, id := range flag.Args() {
		if _, err := reg.Request(id, filepath.Join(workspace, id)); err != nil {
			return fmt.Errorf("failed to open %s: %w", id, err)
		}
	}

	watcher, err := watch.New(
		func() []string {
			docs := reg.Documents()
			paths := make([]string, len(docs))
			for i, d := range docs {
				paths[i] = d.Path()
			}
			return paths
		},
		func(path string) {
			if err := reg.SaveFile(path); err != nil {
				slog.Error("failed to save", "path", path, "err", err)
			}
		},
		slog.Default(),
	)
	if err != nil {
		return err
	}
	defer watcher.Close()

	wg := new(sync.WaitGroup)
	wg.Add(1)
	go func() {
		defer wg.Done()
		watcher.Run(ctx, cfg.PollInterval())
	}()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exit
	slog.Info("Signal caught", "sig", sig)
	cancel()
	wg.Wait()

	if err := reg.Dispose(cfg.DeleteLocalFilesOnClose); err != nil {
		slog.Error("failed to close documents", "err", err)
	}
	return mgr.Close()
}
