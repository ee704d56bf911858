// Package volio reads and writes density volumes as msgpack files. The same
// Grid record is embedded in checkpoints.
package volio

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"

	"github.com/vmihailenco/msgpack/v5"
	"gonum.org/v1/gonum/spatial/r3"

	"sparsect/internal/models"
)

// Grid is the serialized form of a models.Volume
type Grid struct {
	// Shape is width, height, depth
	Shape   []int     `msgpack:"shape"`
	Spacing []float64 `msgpack:"spacing"`
	Origin  []float64 `msgpack:"origin"`
	Data    []float64 `msgpack:"data"`
}

// FromVolume copies v into a Grid.
func FromVolume(v *models.Volume) Grid {
	data := make([]float64, len(v.Data))
	copy(data, v.Data)
	return Grid{
		Shape:   []int{v.Width, v.Height, v.Depth},
		Spacing: []float64{v.VoxelSize.X, v.VoxelSize.Y, v.VoxelSize.Z},
		Origin:  []float64{v.Origin.X, v.Origin.Y, v.Origin.Z},
		Data:    data,
	}
}

// Volume converts the grid back into a validated volume.
func (g Grid) Volume() (*models.Volume, error) {
	if len(g.Shape) != 3 || len(g.Spacing) != 3 || len(g.Origin) != 3 {
		return nil, fmt.Errorf("malformed grid header: shape %v spacing %v origin %v", g.Shape, g.Spacing, g.Origin)
	}
	v := &models.Volume{
		Data:   g.Data,
		Width:  g.Shape[0],
		Height: g.Shape[1],
		Depth:  g.Shape[2],
		Origin: r3.Vec{X: g.Origin[0], Y: g.Origin[1], Z: g.Origin[2]},
	}
	v.VoxelSize.X, v.VoxelSize.Y, v.VoxelSize.Z = g.Spacing[0], g.Spacing[1], g.Spacing[2]
	if err := v.Validate(); err != nil {
		return nil, err
	}
	return v, nil
}

// Write stores v at path, creating parent directories.
func Write(path string, v *models.Volume) error {
	if err := v.Validate(); err != nil {
		return fmt.Errorf("refusing to write volume: %w", err)
	}
	return WriteFile(path, func(enc *msgpack.Encoder) error {
		if err := enc.Encode(FromVolume(v)); err != nil {
			return fmt.Errorf("failed to encode volume: %w", err)
		}
		return nil
	})
}

// WriteFile runs encode against a temporary file next to path and renames it
// into place only when encoding, flushing and closing all succeed. On any
// error path is left untouched and the temporary file is removed.
func WriteFile(path string, encode func(enc *msgpack.Encoder) error) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(f.Name())
		}
	}()

	if err := f.Chmod(0644); err != nil {
		return fmt.Errorf("failed to set mode of %s: %w", path, err)
	}

	w := bufio.NewWriter(f)
	if err := encode(msgpack.NewEncoder(w)); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", path, err)
	}
	if err := os.Rename(f.Name(), path); err != nil {
		return fmt.Errorf("failed to move %s into place: %w", path, err)
	}
	return nil
}

// Read loads a volume from path. A missing file yields an error wrapping
// fs.ErrNotExist.
func Read(path string) (*models.Volume, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open volume: %w", err)
	}
	defer f.Close()

	var g Grid
	if err := msgpack.NewDecoder(bufio.NewReader(f)).Decode(&g); err != nil {
		return nil, fmt.Errorf("failed to decode volume %s: %w", path, err)
	}
	v, err := g.Volume()
	if err != nil {
		return nil, fmt.Errorf("invalid volume %s: %w", path, err)
	}
	return v, nil
}
