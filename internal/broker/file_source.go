package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Snapshot is an exported broker state: order history plus positions.
type Snapshot struct {
	Orders    []Order    `json:"orders"`
	Positions []Position `json:"positions"`
}

// FileSource serves a Snapshot from a JSON file, re-read on every call.
// It lets reconciliation run offline against an exported history.
type FileSource struct {
	path string
}

// NewFileSource returns a source backed by path.
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

func (f *FileSource) load(ctx context.Context) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("reading broker snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decoding broker snapshot %s: %w", f.path, err)
	}
	return &snap, nil
}

// Orders returns snapshot orders submitted after since.
func (f *FileSource) Orders(ctx context.Context, since time.Time) ([]Order, error) {
	snap, err := f.load(ctx)
	if err != nil {
		return nil, err
	}
	if since.IsZero() {
		return snap.Orders, nil
	}
	var out []Order
	for _, o := range snap.Orders {
		if o.SubmittedAt == nil || !o.SubmittedAt.Before(since) {
			out = append(out, o)
		}
	}
	return out, nil
}

// Positions returns snapshot positions.
func (f *FileSource) Positions(ctx context.Context) ([]Position, error) {
	snap, err := f.load(ctx)
	if err != nil {
		return nil, err
	}
	return snap.Positions, nil
}
