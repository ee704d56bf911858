// Package tracking records an experiment run: one initialization event with
// the full configuration, one event per iteration and a summary written when
// the run finishes. A run is an explicit handle opened at startup and
// finished exactly once, on success or on abort.
package tracking

import (
	"bufio"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Recorder is the run-loop side of experiment tracking.
type Recorder interface {
	// Log records the scalar values of one iteration.
	Log(step int, values map[string]float64) error
	// SetSummary sets an end-of-run summary field.
	SetSummary(key string, value float64)
}

type event struct {
	Event  string              `json:"event"`
	Time   time.Time           `json:"time"`
	Step   *int                `json:"step,omitempty"`
	Name   string              `json:"name,omitempty"`
	ID     string              `json:"id,omitempty"`
	Config map[string]any      `json:"config,omitempty"`
	Values map[string]*float64 `json:"values,omitempty"`
	Status string              `json:"status,omitempty"`
	Error  string              `json:"error,omitempty"`
}

// Run is a local experiment-tracking run stored under
// <dir>/<project>/<id>/ as config.yaml, events.jsonl and summary.json.
type Run struct {
	ID      string
	Name    string
	Project string
	Dir     string

	mu      sync.Mutex
	file    *os.File
	buf     *bufio.Writer
	enc     *json.Encoder
	summary map[string]float64
	logger  *logrus.Logger
	done    bool
}

// Open starts a run and writes its initialization event.
func Open(dir, project, name string, config any, logger *logrus.Logger) (*Run, error) {
	r := &Run{
		ID:      uuid.NewString(),
		Name:    name,
		Project: project,
		summary: make(map[string]float64),
		logger:  logger,
	}
	r.Dir = filepath.Join(dir, project, r.ID)
	if err := os.MkdirAll(r.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create run directory: %w", err)
	}

	cfg, err := yaml.Marshal(config)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal run config: %w", err)
	}
	if err := os.WriteFile(filepath.Join(r.Dir, "config.yaml"), cfg, 0644); err != nil {
		return nil, fmt.Errorf("failed to write run config: %w", err)
	}
	// The init event carries the configuration keyed by its YAML names.
	var fields map[string]any
	if err := yaml.Unmarshal(cfg, &fields); err != nil {
		return nil, fmt.Errorf("failed to convert run config: %w", err)
	}

	f, err := os.Create(filepath.Join(r.Dir, "events.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("failed to create event log: %w", err)
	}
	r.file = f
	r.buf = bufio.NewWriter(f)
	r.enc = json.NewEncoder(r.buf)

	if err := r.write(event{Event: "init", Time: time.Now(), Name: name, ID: r.ID, Config: fields}); err != nil {
		f.Close()
		return nil, err
	}
	logger.WithFields(logrus.Fields{"run": name, "id": r.ID, "dir": r.Dir}).Info("Tracking run started")
	return r, nil
}

func (r *Run) write(e event) error {
	if err := r.enc.Encode(e); err != nil {
		return fmt.Errorf("failed to write tracking event: %w", err)
	}
	return nil
}

// Log records one iteration. Non-finite values are stored as null.
func (r *Run) Log(step int, values map[string]float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return fmt.Errorf("tracking run %s already finished", r.ID)
	}

	fields := make(logrus.Fields, len(values))
	for k, v := range values {
		fields[k] = v
	}
	r.logger.WithFields(fields).WithField("step", step).Debug("iteration")
	return r.write(event{Event: "log", Time: time.Now(), Step: &step, Values: finite(values)})
}

// finite maps non-finite values to nil so they encode as JSON null.
func finite(values map[string]float64) map[string]*float64 {
	out := make(map[string]*float64, len(values))
	for k, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			out[k] = nil
			continue
		}
		out[k] = &v
	}
	return out
}

// SetSummary sets an end-of-run summary field.
func (r *Run) SetSummary(key string, value float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.summary[key] = value
}

// Summary returns a copy of the summary fields.
func (r *Run) Summary() map[string]float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]float64, len(r.summary))
	for k, v := range r.summary {
		out[k] = v
	}
	return out
}

// Finish flushes the event log and writes the summary. runErr marks the run as
// failed. Finish is idempotent; only the first call has an effect.
func (r *Run) Finish(runErr error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return nil
	}
	r.done = true

	status := "finished"
	e := event{Event: "finish", Time: time.Now()}
	if runErr != nil {
		status = "failed"
		e.Error = runErr.Error()
	}
	e.Status = status

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	keep(r.write(e))
	keep(r.buf.Flush())
	keep(r.file.Close())

	keys := make([]string, 0, len(r.summary))
	for k := range r.summary {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	summary := struct {
		ID      string              `json:"id"`
		Name    string              `json:"name"`
		Status  string              `json:"status"`
		Summary map[string]*float64 `json:"summary"`
	}{r.ID, r.Name, status, finite(r.summary)}
	data, err := json.MarshalIndent(summary, "", "  ")
	keep(err)
	if err == nil {
		keep(os.WriteFile(filepath.Join(r.Dir, "summary.json"), data, 0644))
	}

	entry := r.logger.WithFields(logrus.Fields{"run": r.Name, "status": status})
	for _, k := range keys {
		entry = entry.WithField(k, r.summary[k])
	}
	entry.Info("Tracking run finished")
	return firstErr
}
