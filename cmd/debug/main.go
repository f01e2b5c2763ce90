package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/automerge/automerge-go"
	"github.com/sanity-io/litter"

	"github.com/astromechza/strate-sync/pkg/relay"
	"github.com/astromechza/strate-sync/pkg/tree"
	"github.com/astromechza/strate-sync/pkg/viz"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{})))
	litter.Config.HidePrivateFields = false

	dbVar := flag.String("db", "relay.sqlite3", "the relay database to inspect")
	svgVar := flag.String("svg", "", "also render the history graph to this file")
	treeVar := flag.Bool("tree", false, "dump the decoded current tree")
	flag.Parse()
	if flag.NArg() != 1 {
		return fmt.Errorf("expected one position argument: the collection/id of the document to inspect")
	}
	collection, id, ok := strings.Cut(flag.Arg(0), "/")
	if !ok {
		return fmt.Errorf("expected collection/id, got %q", flag.Arg(0))
	}

	store, err := relay.OpenStore(*dbVar)
	if err != nil {
		return err
	}
	defer store.Close()
	records, err := store.LoadAll(context.Background())
	if err != nil {
		return err
	}
	var record *relay.Record
	for i := range records {
		if records[i].Collection == collection && records[i].ID == id {
			record = &records[i]
		}
	}
	if record == nil {
		return fmt.Errorf("no document %s/%s in %s", collection, id, *dbVar)
	}
	slog.Info("loaded document", "version", record.Version, "type", record.Type)

	doc, err := automerge.Load(record.History)
	if err != nil {
		return fmt.Errorf("failed to load history: %w", err)
	}
	slog.Info("loaded heads", "heads", doc.Heads())

	entries, err := viz.Entries(doc)
	if err != nil {
		return err
	}
	for i, e := range entries {
		slog.Info("change", "i", fmt.Sprintf("%4d", i), "hash", e.Hash, "actor", e.Actor, "version", e.Version, "dep", e.Deps)
	}

	if *treeVar && record.Data != nil {
		root, err := tree.FromJSONML(record.Data)
		if err != nil {
			return fmt.Errorf("failed to decode tree: %w", err)
		}
		litter.Dump(root)
	}

	if *svgVar != "" {
		if err := viz.RenderHistoryFile(doc, *svgVar); err != nil {
			return err
		}
		slog.Info("rendered", "path", "file://"+*svgVar)
	}
	return nil
}
