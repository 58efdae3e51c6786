package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/Veldrovive/JournalServer/internal/entry"
)

// SensorConfig configures a sensor handler instance. Source points at a
// JSON-lines feed of readings; the handler re-reads the whole feed on
// every interval and relies on deduplication to make that idempotent.
type SensorConfig struct {
	BaseConfig `yaml:",inline"`
	Source     string `yaml:"source"`
}

func sensorRegistration() Registration {
	return Registration{
		Type:         "sensor",
		WatchesFiles: true,
		NewConfig:    func() Config { return &SensorConfig{} },
		New: func(cfg Config, deps Deps) (InputHandler, error) {
			sc, ok := cfg.(*SensorConfig)
			if !ok {
				return nil, fmt.Errorf("sensor handler got config type %T", cfg)
			}
			return &sensorHandler{cfg: sc, logger: deps.Logger}, nil
		},
	}
}

// sensorReading is one line of a sensor feed. The sensor field selects
// the entry variant; the remaining fields are variant-specific.
type sensorReading struct {
	Sensor    string `json:"sensor"`
	Timestamp int64  `json:"timestamp"`
	EndTime   *int64 `json:"end_time,omitempty"`

	entry.GeolocationPayload
	HeartRate *float64     `json:"heart_rate,omitempty"`
	State     string       `json:"state,omitempty"`
	Mean      *entry.Vec3D `json:"mean,omitempty"`
	Variance  *entry.Vec3D `json:"variance,omitempty"`
}

type sensorHandler struct {
	cfg    *SensorConfig
	logger *zap.Logger
}

// Start verifies the configured feed is readable. A missing feed reports
// a start failure; the orchestrator may retry once the feed appears.
func (h *sensorHandler) Start(context.Context) error {
	if h.cfg.Source == "" {
		return nil
	}
	f, err := os.Open(h.cfg.Source)
	if err != nil {
		return fmt.Errorf("open sensor feed: %w", err)
	}
	return f.Close()
}

func (h *sensorHandler) Stop(context.Context) error { return nil }

func (h *sensorHandler) OnInterval(ctx context.Context, em *Emitter) error {
	if h.cfg.Source == "" {
		return nil
	}
	return h.ingestFeed(ctx, h.cfg.Source, em)
}

func (h *sensorHandler) OnFile(ctx context.Context, path string, em *Emitter) error {
	return h.ingestFeed(ctx, path, em)
}

func (h *sensorHandler) OnRequest(ctx context.Context, req TriggerRequest, em *Emitter) error {
	if req.FilePath != "" {
		return h.ingestFeed(ctx, req.FilePath, em)
	}
	return h.OnInterval(ctx, em)
}

// ingestFeed parses a JSON-lines feed and emits one entry per reading.
// Malformed lines are recorded and skipped; they never abort the feed.
func (h *sensorHandler) ingestFeed(ctx context.Context, path string, em *Emitter) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open sensor feed: %w", err)
	}
	defer f.Close() //nolint:errcheck

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		e, err := h.parseReading([]byte(line))
		if err != nil {
			h.logger.Warn("skip malformed sensor reading",
				zap.String("feed", path),
				zap.Int("line", lineNo),
				zap.Error(err))
			continue
		}
		if _, err := em.Emit(ctx, e); err != nil {
			h.logger.Warn("sensor reading rejected",
				zap.String("feed", path),
				zap.Int("line", lineNo),
				zap.Error(err))
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read sensor feed %s: %w", path, err)
	}
	return nil
}

func (h *sensorHandler) parseReading(raw []byte) (*entry.Entry, error) {
	var r sensorReading
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("decode reading: %w", err)
	}
	if r.Timestamp == 0 {
		return nil, fmt.Errorf("reading has no timestamp")
	}

	e := &entry.Entry{
		StartTime: r.Timestamp,
		EndTime:   r.EndTime,
		HandlerID: h.cfg.ID,
	}
	switch r.Sensor {
	case "geolocation":
		e.Type = entry.TypeGeolocation
		e.Data = r.GeolocationPayload
		lat, lon := r.Latitude, r.Longitude
		e.Latitude = &lat
		e.Longitude = &lon
	case "heart_rate":
		if r.HeartRate == nil {
			return nil, fmt.Errorf("heart_rate reading has no value")
		}
		e.Type = entry.TypeHeartRate
		e.Data = entry.HeartRatePayload{HeartRate: *r.HeartRate}
	case "sleep_state":
		if r.State == "" {
			return nil, fmt.Errorf("sleep_state reading has no state")
		}
		e.Type = entry.TypeSleepState
		e.Data = entry.SleepStatePayload{State: r.State}
	case "accelerometer":
		if r.Mean == nil {
			return nil, fmt.Errorf("accelerometer reading has no mean")
		}
		e.Type = entry.TypeAccelerometer
		e.Data = entry.AccelerometerPayload{Mean: *r.Mean, Variance: r.Variance}
	default:
		return nil, fmt.Errorf("unknown sensor %q", r.Sensor)
	}
	return e, nil
}
