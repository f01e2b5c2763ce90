// Package viz renders the version history kept by the relay as a graphviz change graph.
package viz

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/automerge/automerge-go"
	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"
)

// Entry is the document state recorded by one history change.
type Entry struct {
	Hash    string
	Actor   string
	Seq     uint64
	Deps    []string
	Version int64
	Type    string
	Tree    string
}

// Entries lists the history changes of doc in causal order with the state each one produced.
func Entries(doc *automerge.Doc) ([]Entry, error) {
	changes, err := doc.Changes()
	if err != nil {
		return nil, fmt.Errorf("failed to generate changes: %w", err)
	}
	out := make([]Entry, 0, len(changes))
	for _, change := range changes {
		docAt, err := doc.Fork(change.Hash())
		if err != nil {
			return nil, fmt.Errorf("failed to checkout %s: %w", change.Hash(), err)
		}
		e := Entry{Hash: change.Hash().String(), Actor: change.ActorID(), Seq: change.ActorSeq()}
		for _, dep := range change.Dependencies() {
			e.Deps = append(e.Deps, dep.String())
		}
		if v, err := docAt.Path("version").Get(); err == nil {
			if n, ok := v.Interface().(int64); ok {
				e.Version = n
			}
		}
		if v, err := docAt.Path("type").Get(); err == nil {
			e.Type, _ = v.Interface().(string)
		}
		if v, err := docAt.Path("tree").Get(); err == nil {
			e.Tree, _ = v.Interface().(string)
		}
		out = append(out, e)
	}
	return out, nil
}

func label(e Entry) string {
	state := "deleted"
	if e.Type != "" {
		state = fmt.Sprintf("%d bytes", len(e.Tree))
	}
	return fmt.Sprintf("%s %s@%d v%d %s", e.Hash[:8], e.Actor, e.Seq, e.Version, state)
}

// RenderHistory writes the change graph of doc to w as SVG.
func RenderHistory(doc *automerge.Doc, w io.Writer) error {
	entries, err := Entries(doc)
	if err != nil {
		return err
	}

	g := graphviz.New()
	defer g.Close()
	graph, err := g.Graph()
	if err != nil {
		return fmt.Errorf("failed to setup graph: %w", err)
	}
	defer graph.Close()

	nodeMap := make(map[string]*cgraph.Node)
	edgeCounter := 0
	for _, e := range entries {
		n, err := graph.CreateNode(e.Hash)
		if err != nil {
			return fmt.Errorf("failed to create node: %w", err)
		}
		n.SetLabel(label(e))
		nodeMap[e.Hash] = n

		for _, dep := range e.Deps {
			from, ok := nodeMap[dep]
			if !ok {
				continue
			}
			edgeCounter++
			if _, err := graph.CreateEdge(strconv.Itoa(edgeCounter), from, n); err != nil {
				return fmt.Errorf("failed to create edge: %w", err)
			}
		}
	}

	var buff bytes.Buffer
	if err := g.Render(graph, graphviz.SVG, &buff); err != nil {
		return fmt.Errorf("failed to render: %w", err)
	}
	if _, err := w.Write(buff.Bytes()); err != nil {
		return fmt.Errorf("failed to write: %w", err)
	}
	return nil
}

// RenderHistoryFile writes the change graph of doc to outputPath.
func RenderHistoryFile(doc *automerge.Doc, outputPath string) error {
	var buff bytes.Buffer
	if err := RenderHistory(doc, &buff); err != nil {
		return err
	}
	if err := os.WriteFile(outputPath, buff.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", outputPath, err)
	}
	return nil
}
