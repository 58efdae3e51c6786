package handlers

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/Veldrovive/JournalServer/internal/entry"
)

// FiledropConfig configures a filedrop handler instance.
type FiledropConfig struct {
	BaseConfig `yaml:",inline"`
	// Group assigns every ingested file entry to one group.
	Group string `yaml:"group"`
	// Tags are attached to every ingested file entry.
	Tags []string `yaml:"tags"`
}

func filedropRegistration() Registration {
	return Registration{
		Type:         "filedrop",
		WatchesFiles: true,
		NewConfig:    func() Config { return &FiledropConfig{} },
		New: func(cfg Config, deps Deps) (InputHandler, error) {
			fc, ok := cfg.(*FiledropConfig)
			if !ok {
				return nil, fmt.Errorf("filedrop handler got config type %T", cfg)
			}
			return &filedropHandler{cfg: fc, logger: deps.Logger}, nil
		},
	}
}

// filedropHandler turns files dropped into its input directory (or sent
// with a trigger request) into typed file entries, picking the entry type
// from the file extension.
type filedropHandler struct {
	cfg    *FiledropConfig
	logger *zap.Logger
}

func (h *filedropHandler) Start(context.Context) error { return nil }
func (h *filedropHandler) Stop(context.Context) error  { return nil }

func (h *filedropHandler) OnInterval(context.Context, *Emitter) error {
	return nil
}

func (h *filedropHandler) OnFile(ctx context.Context, path string, em *Emitter) error {
	return h.ingest(ctx, path, nil, em)
}

func (h *filedropHandler) OnRequest(ctx context.Context, req TriggerRequest, em *Emitter) error {
	if req.FilePath == "" {
		return nil
	}
	metadata := make(map[string]any, len(req.Metadata))
	for k, v := range req.Metadata {
		metadata[k] = v
	}
	return h.ingest(ctx, req.FilePath, metadata, em)
}

func (h *filedropHandler) ingest(ctx context.Context, path string, metadata map[string]any, em *Emitter) error {
	payload, err := entry.FilePayloadFromPath(path, metadata)
	if err != nil {
		return err
	}

	// The file's mtime approximates the event time; a re-dropped copy of
	// the same file keeps its mtime and so dedups against the original.
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}

	e := &entry.Entry{
		Type:      entry.TypeForExtension(filepath.Ext(path)),
		Data:      payload,
		StartTime: info.ModTime().UTC().UnixMilli(),
		HandlerID: h.cfg.ID,
		GroupID:   h.cfg.Group,
		Tags:      h.cfg.Tags,
	}
	if _, err := em.EmitFile(ctx, e); err != nil {
		return fmt.Errorf("ingest dropped file %s: %w", path, err)
	}
	return nil
}
