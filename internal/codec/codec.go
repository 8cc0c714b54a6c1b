// Package codec exports the queue to a versioned, portable artifact and imports it back.
package codec

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/jmehdipour/treesync/internal/logger"
	"github.com/jmehdipour/treesync/internal/metrics"
	"github.com/jmehdipour/treesync/internal/model"
)

// SchemaVersion is the artifact schema version written on export.
// Imports accept any version with the same major.
const SchemaVersion = "1.0.0"

// Store is the queue view the codec needs.
type Store interface {
	ListAll(ctx context.Context) ([]model.QueueEntry, error)
	ReplaceAll(ctx context.Context, entries []model.QueueEntry) error
}

type Codec struct {
	store      Store
	exportedBy string
	now        func() time.Time
	log        *zap.Logger
}

type Option func(*Codec)

func WithExportedBy(name string) Option { return func(c *Codec) { c.exportedBy = name } }

func WithClock(now func() time.Time) Option { return func(c *Codec) { c.now = now } }

func WithLogger(l *zap.Logger) Option { return func(c *Codec) { c.log = logger.OrNop(l) } }

func New(store Store, opts ...Option) *Codec {
	c := &Codec{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
		log:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Export snapshots every entry in store order. The store is not modified.
func (c *Codec) Export(ctx context.Context, description string) (model.ExportArtifact, error) {
	entries, err := c.store.ListAll(ctx)
	if err != nil {
		return model.ExportArtifact{}, fmt.Errorf("export: %w", err)
	}
	if entries == nil {
		entries = []model.QueueEntry{}
	}
	return model.ExportArtifact{
		Version:      SchemaVersion,
		Timestamp:    c.now(),
		QueueEntries: entries,
		Metadata: model.ArtifactMetadata{
			TotalEntries: len(entries),
			ExportedBy:   c.exportedBy,
			Description:  description,
		},
	}, nil
}

// ExportTo writes the artifact as indented JSON.
func (c *Codec) ExportTo(ctx context.Context, w io.Writer, description string) (int, error) {
	a, err := c.Export(ctx, description)
	if err != nil {
		return 0, err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(a); err != nil {
		return 0, fmt.Errorf("encode artifact: %w", err)
	}
	return len(a.QueueEntries), nil
}

// Decode validates raw fully and returns the artifact. It never touches the store.
//
// Checks run in order: artifact shape, major version, every entry, duplicate ids,
// metadata.totalEntries. The first failure is returned as *FormatError or
// *VersionMismatchError.
func (c *Codec) Decode(raw []byte) (model.ExportArtifact, error) {
	doc, err := decodeTagged(raw)
	if err != nil {
		return model.ExportArtifact{}, err
	}
	entries, err := checkShape(doc)
	if err != nil {
		return model.ExportArtifact{}, err
	}
	if err := checkVersion(doc); err != nil {
		return model.ExportArtifact{}, err
	}

	seen := make(map[string]int, len(entries))
	for i, e := range entries {
		path := fmt.Sprintf("queueEntries[%d]", i)
		id, err := checkEntry(e, path)
		if err != nil {
			return model.ExportArtifact{}, err
		}
		if first, dup := seen[id]; dup {
			return model.ExportArtifact{}, formatErr(path+".id", "duplicate id %q (also at queueEntries[%d])", id, first)
		}
		seen[id] = i
	}
	if err := checkMetadata(doc, len(entries)); err != nil {
		return model.ExportArtifact{}, err
	}

	var a model.ExportArtifact
	if err := json.Unmarshal(raw, &a); err != nil {
		return model.ExportArtifact{}, formatErr("$", "%v", err)
	}
	if a.QueueEntries == nil {
		a.QueueEntries = []model.QueueEntry{}
	}
	return a, nil
}

// Import replaces the whole queue with the artifact in raw, all or nothing.
func (c *Codec) Import(ctx context.Context, raw []byte) (int, error) {
	a, err := c.Decode(raw)
	if err != nil {
		c.log.Warn("import rejected", zap.Error(err))
		return 0, err
	}
	if err := c.store.ReplaceAll(ctx, a.QueueEntries); err != nil {
		return 0, fmt.Errorf("import: %w", err)
	}

	for _, e := range a.QueueEntries {
		metrics.EntriesTotal.WithLabelValues("imported", e.Action.String()).Inc()
	}
	c.log.Info("queue imported",
		zap.Int("entries", len(a.QueueEntries)),
		zap.String("version", a.Version),
		zap.String("exported_by", a.Metadata.ExportedBy),
	)
	return len(a.QueueEntries), nil
}

// ImportFrom reads the artifact from r and imports it.
func (c *Codec) ImportFrom(ctx context.Context, r io.Reader) (int, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return 0, fmt.Errorf("read artifact: %w", err)
	}
	return c.Import(ctx, raw)
}
