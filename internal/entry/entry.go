// Package entry defines the normalized journal entry model: a tagged
// variant record with a deterministic identity key used for deduplication,
// a content hash used for change detection, and a serializable output
// projection in which stored file ids are replaced by presigned URLs.
package entry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// Type tags an entry variant. The set of types is fixed at startup; the
// behavior for each tag lives in the Registry.
type Type string

const (
	TypeText          Type = "text"
	TypeGenericFile   Type = "generic_file"
	TypeTextFile      Type = "text_file"
	TypeImageFile     Type = "image_file"
	TypeVideoFile     Type = "video_file"
	TypeAudioFile     Type = "audio_file"
	TypePDFFile       Type = "pdf_file"
	TypeGeolocation   Type = "geolocation"
	TypeHeartRate     Type = "heart_rate"
	TypeSleepState    Type = "sleep_state"
	TypeAccelerometer Type = "accelerometer"
)

// UUID is the approximate stable identity key for an entry. Two ingestions
// of the same real-world event produce the same UUID; this is a best-effort
// equivalence, not exact identity. A collision between genuinely distinct
// events silently merges them under update semantics (see Manager's
// conflict policy for the deployment-level knob).
type UUID = string

// Hash is a content fingerprint over the fields that matter for change
// detection. It never covers derived output values.
type Hash = string

// Payload is the type-specific data carried by an entry. Concrete payload
// types are closed over in this package; the registry maps each Type to
// its payload decoder.
type Payload interface {
	isPayload()
}

// Entry is the central record. Data is mutated only through re-ingestion;
// UUID and content hash are computed through the Registry, never stored on
// the struct.
type Entry struct {
	Type          Type      `json:"entry_type"`
	Data          Payload   `json:"data"`
	StartTime     int64     `json:"start_time"`
	EndTime       *int64    `json:"end_time,omitempty"`
	Latitude      *float64  `json:"latitude,omitempty"`
	Longitude     *float64  `json:"longitude,omitempty"`
	GroupID       string    `json:"group_id,omitempty"`
	SeqID         *int      `json:"seq_id,omitempty"`
	HandlerID     string    `json:"input_handler_id"`
	Tags          []string  `json:"tags,omitempty"`
	MutationCount int       `json:"mutation_count"`
}

// TextPayload holds the body of a plain text entry.
type TextPayload string

func (TextPayload) isPayload() {}

// FilePayload references a file held in the object store. FileID is a
// local filesystem path until the manager promotes the file into the
// store during ingestion.
type FilePayload struct {
	FileID   string         `json:"file_id"`
	FileName string         `json:"file_name"`
	FileType string         `json:"file_type"`
	Metadata map[string]any `json:"file_metadata,omitempty"`
}

func (FilePayload) isPayload() {}

// GeolocationPayload is a single location fix.
type GeolocationPayload struct {
	Latitude         float64  `json:"latitude"`
	Longitude        float64  `json:"longitude"`
	Accuracy         *float64 `json:"accuracy,omitempty"`
	Altitude         *float64 `json:"altitude,omitempty"`
	AltitudeAccuracy *float64 `json:"altitude_accuracy,omitempty"`
	Heading          *float64 `json:"heading,omitempty"`
	Speed            *float64 `json:"speed,omitempty"`
}

func (GeolocationPayload) isPayload() {}

// HeartRatePayload is a single heart rate reading.
type HeartRatePayload struct {
	HeartRate float64 `json:"heart_rate"`
}

func (HeartRatePayload) isPayload() {}

// SleepStatePayload records a sleep stage transition.
type SleepStatePayload struct {
	State string `json:"state"`
}

func (SleepStatePayload) isPayload() {}

// Vec3D is a component-wise statistic over a 3-axis sample window.
type Vec3D struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// AccelerometerPayload summarizes an accelerometer sample window.
type AccelerometerPayload struct {
	Mean     Vec3D  `json:"mean"`
	Variance *Vec3D `json:"variance,omitempty"`
}

func (AccelerometerPayload) isPayload() {}

// hashText is the shared fingerprint primitive. All identity and content
// hashes reduce to sha256 over a deterministic string rendering so they
// are reproducible across process restarts.
func hashText(text string) Hash {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// hashJSON fingerprints a payload through its canonical JSON form. Map
// keys are sorted by encoding/json, so equal payloads always hash equal.
func hashJSON(v any) (Hash, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal payload for hashing: %w", err)
	}
	return hashText(string(raw)), nil
}

// canonicalMetadata renders file metadata deterministically for hashing.
func canonicalMetadata(md map[string]any) string {
	if len(md) == 0 {
		return "{}"
	}
	keys := make([]string, 0, len(md))
	for k := range md {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := "{"
	for i, k := range keys {
		if i > 0 {
			out += ","
		}
		raw, err := json.Marshal(md[k])
		if err != nil {
			raw = []byte(`null`)
		}
		out += fmt.Sprintf("%q:%s", k, raw)
	}
	return out + "}"
}

// FileResolver converts a stored file id into a short-lived presigned URL.
// Output construction is the only place the core calls this; resolved URLs
// are never persisted.
type FileResolver interface {
	ResolveURL(ctx context.Context, fileID string) (string, error)
}

// Output is the serializable projection of an entry handed to consumers.
// Data carries the variant's output form; for file entries that is a
// structure holding a presigned URL in place of the raw file id.
type Output struct {
	Type          Type     `json:"entry_type"`
	UUID          UUID     `json:"entry_uuid"`
	Hash          Hash     `json:"entry_hash"`
	Data          any      `json:"data"`
	StartTime     int64    `json:"start_time"`
	EndTime       *int64   `json:"end_time,omitempty"`
	Latitude      *float64 `json:"latitude,omitempty"`
	Longitude     *float64 `json:"longitude,omitempty"`
	GroupID       string   `json:"group_id,omitempty"`
	SeqID         *int     `json:"seq_id,omitempty"`
	HandlerID     string   `json:"input_handler_id"`
	Tags          []string `json:"tags,omitempty"`
	MutationCount int      `json:"mutation_count"`
}
