// Package checkpoint persists the end-of-run record of a reconstruction: the
// final density, the metric and loss histories and the configuration used.
package checkpoint

import (
	"bufio"
	"fmt"
	"os"

	"github.com/vmihailenco/msgpack/v5"

	"sparsect/internal/models"
	"sparsect/pkg/config"
	"sparsect/pkg/volio"
)

// Tensors holds the persisted volumes
type Tensors struct {
	Est volio.Grid `msgpack:"est"`
}

// Metrics holds every history recorded during the run
type Metrics struct {
	Loss []float64 `msgpack:"loss"`
	TV   []float64 `msgpack:"tv"`
	SSIM []float64 `msgpack:"ssim"`
	PSNR []float64 `msgpack:"psnr"`
	PCC  []float64 `msgpack:"pcc"`
	MSE  []float64 `msgpack:"mse"`
	LR   []float64 `msgpack:"lr"`

	// TotalTime is the sum of TimeDelta in seconds
	TotalTime float64   `msgpack:"total_time"`
	TimeDelta []float64 `msgpack:"time_delta"`
}

// Checkpoint is the record written once at the end of a run
type Checkpoint struct {
	Tensors         Tensors       `msgpack:"tensors"`
	Metrics         Metrics       `msgpack:"metrics"`
	Hyperparameters config.Config `msgpack:"hyperparameters"`
}

// New assembles a checkpoint from the final density.
func New(density *models.Volume, metrics Metrics, cfg config.Config) *Checkpoint {
	return &Checkpoint{
		Tensors:         Tensors{Est: volio.FromVolume(density)},
		Metrics:         metrics,
		Hyperparameters: cfg,
	}
}

// Density decodes the final density volume.
func (c *Checkpoint) Density() (*models.Volume, error) {
	return c.Tensors.Est.Volume()
}

// Write stores the checkpoint at path. Configuration fields are keyed by
// their YAML names. A failed write leaves no file at path.
func Write(path string, c *Checkpoint) error {
	return volio.WriteFile(path, func(enc *msgpack.Encoder) error {
		enc.SetCustomStructTag("yaml")
		if err := enc.Encode(c); err != nil {
			return fmt.Errorf("failed to encode checkpoint: %w", err)
		}
		return nil
	})
}

// Read loads a checkpoint written by Write.
func Read(path string) (*Checkpoint, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint: %w", err)
	}
	defer f.Close()

	dec := msgpack.NewDecoder(bufio.NewReader(f))
	dec.SetCustomStructTag("yaml")
	var c Checkpoint
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint %s: %w", path, err)
	}
	return &c, nil
}
