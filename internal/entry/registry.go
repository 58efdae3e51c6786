package entry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrUnknownType is returned when a type tag has no registered definition.
// Hitting it at runtime signals a registration bug, not a bad entry; the
// registry is validated at startup precisely so this stays unreachable.
var ErrUnknownType = errors.New("unknown entry type")

// FileRemover removes an externally stored file during entry deletion.
// Implementations must tolerate re-invocation on an already removed file,
// since a partially failed delete is retried from the top.
type FileRemover interface {
	DeleteFile(ctx context.Context, fileID string) error
}

// Definition is the behavior table for one entry type: identity
// approximation, content hashing, payload decoding, output construction,
// and deletion. Every field is required; Registry.Validate enforces that
// before the process starts serving.
type Definition struct {
	// Identity derives the approximate stable UUID for deduplication.
	// It must be a pure function of the entry's defining fields.
	Identity func(e *Entry) (UUID, error)

	// ContentHash fingerprints the fields that matter for change
	// detection. For file entries this deliberately excludes the
	// store-assigned file id so a re-upload of the same file dedups.
	ContentHash func(e *Entry) (Hash, error)

	// DecodePayload rebuilds the typed payload from its stored JSON form.
	DecodePayload func(raw []byte) (Payload, error)

	// BuildOutput converts the payload into its serializable output form,
	// resolving any file id through the given resolver. It must never
	// leak a raw file id.
	BuildOutput func(ctx context.Context, e *Entry, resolver FileResolver) (any, error)

	// Delete cleans up external resources referenced by the payload. It
	// runs before the stored record is removed and must be idempotent.
	Delete func(ctx context.Context, e *Entry, files FileRemover) error

	// CheckPayload rejects malformed payloads before ingestion.
	CheckPayload func(e *Entry) error
}

// Registry maps entry type tags to their behavior. It is constructed once
// at startup and injected wherever dispatch is needed; tests may build a
// reduced registry with only the types they exercise.
type Registry struct {
	defs map[Type]Definition
}

// NewRegistry builds the registry over the full fixed set of entry types.
func NewRegistry() *Registry {
	r := &Registry{defs: map[Type]Definition{}}

	r.defs[TypeText] = textDefinition()

	r.defs[TypeGenericFile] = fileDefinition(nil)
	r.defs[TypeTextFile] = fileDefinition([]string{"txt"})
	r.defs[TypeImageFile] = fileDefinition([]string{
		"jpg", "jpeg", "png", "gif", "webp", "bmp", "tiff", "svg", "ico", "heic", "heif", "avif",
	})
	r.defs[TypeVideoFile] = fileDefinition([]string{
		"mp4", "avi", "mkv", "mov", "webm", "flv", "wmv", "3gp", "3g2", "m4v", "mpg", "mpeg", "m2v", "ts",
	})
	r.defs[TypeAudioFile] = fileDefinition([]string{
		"mp3", "wav", "flac", "ogg", "m4a", "wma", "aac", "aiff", "alac", "pcm", "mp2", "mka",
	})
	r.defs[TypePDFFile] = fileDefinition([]string{"pdf"})

	r.defs[TypeGeolocation] = sensorDefinition[GeolocationPayload]("location")
	r.defs[TypeHeartRate] = sensorDefinition[HeartRatePayload]("heart_rate")
	r.defs[TypeSleepState] = sensorDefinition[SleepStatePayload]("sleep_state")
	r.defs[TypeAccelerometer] = sensorDefinition[AccelerometerPayload]("accelerometer")

	return r
}

// NewRegistryWith builds a registry over an explicit definition set. Used
// by tests that want a reduced or instrumented type table.
func NewRegistryWith(defs map[Type]Definition) *Registry {
	copied := make(map[Type]Definition, len(defs))
	for t, d := range defs {
		copied[t] = d
	}
	return &Registry{defs: copied}
}

// Validate checks that every registered type carries a complete behavior
// table. A gap is a deployment bug, fatal at startup rather than at the
// first entry of the broken type.
func (r *Registry) Validate() error {
	if len(r.defs) == 0 {
		return errors.New("entry registry is empty")
	}
	for t, d := range r.defs {
		switch {
		case d.Identity == nil:
			return fmt.Errorf("entry type %q: missing identity function", t)
		case d.ContentHash == nil:
			return fmt.Errorf("entry type %q: missing content hash function", t)
		case d.DecodePayload == nil:
			return fmt.Errorf("entry type %q: missing payload decoder", t)
		case d.BuildOutput == nil:
			return fmt.Errorf("entry type %q: missing output builder", t)
		case d.Delete == nil:
			return fmt.Errorf("entry type %q: missing deletion handler", t)
		case d.CheckPayload == nil:
			return fmt.Errorf("entry type %q: missing payload check", t)
		}
	}
	return nil
}

// Types lists the registered type tags.
func (r *Registry) Types() []Type {
	out := make([]Type, 0, len(r.defs))
	for t := range r.defs {
		out = append(out, t)
	}
	return out
}

// Lookup returns the definition for a type tag.
func (r *Registry) Lookup(t Type) (Definition, error) {
	d, ok := r.defs[t]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
	return d, nil
}

// Identity dispatches identity computation for the entry's type.
func (r *Registry) Identity(e *Entry) (UUID, error) {
	d, err := r.Lookup(e.Type)
	if err != nil {
		return "", err
	}
	return d.Identity(e)
}

// ContentHash dispatches content hashing for the entry's type.
func (r *Registry) ContentHash(e *Entry) (Hash, error) {
	d, err := r.Lookup(e.Type)
	if err != nil {
		return "", err
	}
	return d.ContentHash(e)
}

// CheckPayload dispatches payload validation for the entry's type.
func (r *Registry) CheckPayload(e *Entry) error {
	d, err := r.Lookup(e.Type)
	if err != nil {
		return err
	}
	return d.CheckPayload(e)
}

// DecodePayload rebuilds a typed payload from stored JSON.
func (r *Registry) DecodePayload(t Type, raw []byte) (Payload, error) {
	d, err := r.Lookup(t)
	if err != nil {
		return nil, err
	}
	return d.DecodePayload(raw)
}

// BuildOutput produces the consumer-facing projection of an entry,
// resolving file references through the given resolver.
func (r *Registry) BuildOutput(ctx context.Context, e *Entry, resolver FileResolver) (*Output, error) {
	d, err := r.Lookup(e.Type)
	if err != nil {
		return nil, err
	}
	data, err := d.BuildOutput(ctx, e, resolver)
	if err != nil {
		return nil, fmt.Errorf("build output for %q: %w", e.Type, err)
	}
	uuid, err := d.Identity(e)
	if err != nil {
		return nil, err
	}
	hash, err := d.ContentHash(e)
	if err != nil {
		return nil, err
	}
	return &Output{
		Type:          e.Type,
		UUID:          uuid,
		Hash:          hash,
		Data:          data,
		StartTime:     e.StartTime,
		EndTime:       e.EndTime,
		Latitude:      e.Latitude,
		Longitude:     e.Longitude,
		GroupID:       e.GroupID,
		SeqID:         e.SeqID,
		HandlerID:     e.HandlerID,
		Tags:          e.Tags,
		MutationCount: e.MutationCount,
	}, nil
}

func payloadAs[P Payload](e *Entry) (P, error) {
	p, ok := e.Data.(P)
	if !ok {
		var zero P
		return zero, fmt.Errorf("entry type %q: payload is %T, want %T", e.Type, e.Data, zero)
	}
	return p, nil
}

func decodeInto[P Payload](raw []byte) (Payload, error) {
	var p P
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return p, nil
}

func textDefinition() Definition {
	contentHash := func(e *Entry) (Hash, error) {
		p, err := payloadAs[TextPayload](e)
		if err != nil {
			return "", err
		}
		return hashText(string(p)), nil
	}
	return Definition{
		// Text has no natural unique key, so the text itself feeds the
		// identity. An edited text entry therefore looks like a new
		// entry; that is the documented approximation for this type.
		Identity: func(e *Entry) (UUID, error) {
			h, err := contentHash(e)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("text-%s-%d-%s", e.HandlerID, e.StartTime, h), nil
		},
		ContentHash:   contentHash,
		DecodePayload: decodeInto[TextPayload],
		BuildOutput: func(_ context.Context, e *Entry, _ FileResolver) (any, error) {
			p, err := payloadAs[TextPayload](e)
			if err != nil {
				return nil, err
			}
			return string(p), nil
		},
		Delete: deleteRecordOnly,
		CheckPayload: func(e *Entry) error {
			_, err := payloadAs[TextPayload](e)
			return err
		},
	}
}

// FileOutput is the output form of every file-backed entry type. The
// presigned URL stands in for the stored file id.
type FileOutput struct {
	FileURL  string         `json:"file_url"`
	FileName string         `json:"file_name"`
	FileType string         `json:"file_type"`
	Metadata map[string]any `json:"file_metadata,omitempty"`
}

func fileDefinition(validExtensions []string) Definition {
	// The hash covers name, extension and caller metadata but not the
	// file id: the id changes on every promotion into the object store,
	// and re-uploads of the same file must still dedup. Two files with
	// identical name, type and metadata at the same timestamp collide;
	// accepted approximation.
	contentHash := func(e *Entry) (Hash, error) {
		p, err := payloadAs[FilePayload](e)
		if err != nil {
			return "", err
		}
		return hashText(p.FileName + p.FileType + canonicalMetadata(p.Metadata)), nil
	}
	return Definition{
		Identity: func(e *Entry) (UUID, error) {
			h, err := contentHash(e)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("file-%d-%s", e.StartTime, h), nil
		},
		ContentHash:   contentHash,
		DecodePayload: decodeInto[FilePayload],
		BuildOutput: func(ctx context.Context, e *Entry, resolver FileResolver) (any, error) {
			p, err := payloadAs[FilePayload](e)
			if err != nil {
				return nil, err
			}
			url, err := resolver.ResolveURL(ctx, p.FileID)
			if err != nil {
				return nil, fmt.Errorf("resolve file %s: %w", p.FileID, err)
			}
			return FileOutput{
				FileURL:  url,
				FileName: p.FileName,
				FileType: p.FileType,
				Metadata: p.Metadata,
			}, nil
		},
		Delete: func(ctx context.Context, e *Entry, files FileRemover) error {
			p, err := payloadAs[FilePayload](e)
			if err != nil {
				return err
			}
			return files.DeleteFile(ctx, p.FileID)
		},
		CheckPayload: func(e *Entry) error {
			p, err := payloadAs[FilePayload](e)
			if err != nil {
				return err
			}
			if p.FileID == "" {
				return fmt.Errorf("entry type %q: empty file id", e.Type)
			}
			if !extensionAllowed(p.FileType, validExtensions) {
				return fmt.Errorf("entry type %q: extension %q not allowed", e.Type, p.FileType)
			}
			return nil
		},
	}
}

func sensorDefinition[P Payload](prefix string) Definition {
	contentHash := func(e *Entry) (Hash, error) {
		p, err := payloadAs[P](e)
		if err != nil {
			return "", err
		}
		return hashJSON(p)
	}
	return Definition{
		Identity: func(e *Entry) (UUID, error) {
			h, err := contentHash(e)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("%s-%d-%s", prefix, e.StartTime, h), nil
		},
		ContentHash:   contentHash,
		DecodePayload: decodeInto[P],
		BuildOutput: func(_ context.Context, e *Entry, _ FileResolver) (any, error) {
			return payloadAs[P](e)
		},
		Delete: deleteRecordOnly,
		CheckPayload: func(e *Entry) error {
			_, err := payloadAs[P](e)
			return err
		},
	}
}

// deleteRecordOnly is the deletion handler for entry types with no
// external resources: removing the stored record is enough.
func deleteRecordOnly(context.Context, *Entry, FileRemover) error {
	return nil
}

func extensionAllowed(ext string, allowed []string) bool {
	if allowed == nil {
		return true
	}
	ext = strings.ToLower(strings.TrimPrefix(ext, "."))
	for _, a := range allowed {
		if ext == a {
			return true
		}
	}
	return false
}

// FilePayloadFromPath builds a file payload for a local file about to be
// ingested. The absolute path serves as the provisional file id until the
// manager promotes the file into the object store.
func FilePayloadFromPath(path string, metadata map[string]any) (FilePayload, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return FilePayload{}, fmt.Errorf("resolve path %s: %w", path, err)
	}
	ext := filepath.Ext(abs)
	if ext == "" {
		return FilePayload{}, fmt.Errorf("file %s has no extension", abs)
	}
	return FilePayload{
		FileID:   abs,
		FileName: filepath.Base(abs),
		FileType: ext,
		Metadata: metadata,
	}, nil
}

// TypeForExtension maps a file extension to the most specific file entry
// type, falling back to the generic file type.
func TypeForExtension(ext string) Type {
	ext = strings.ToLower(strings.TrimPrefix(ext, "."))
	switch ext {
	case "txt":
		return TypeTextFile
	case "jpg", "jpeg", "png", "gif", "webp", "bmp", "tiff", "svg", "ico", "heic", "heif", "avif":
		return TypeImageFile
	case "mp4", "avi", "mkv", "mov", "webm", "flv", "wmv", "3gp", "3g2", "m4v", "mpg", "mpeg", "m2v", "ts":
		return TypeVideoFile
	case "mp3", "wav", "flac", "ogg", "m4a", "wma", "aac", "aiff", "alac", "pcm", "mp2", "mka":
		return TypeAudioFile
	case "pdf":
		return TypePDFFile
	default:
		return TypeGenericFile
	}
}
