// Package dataset builds the acquisition for a subject: a circular cone-beam
// orbit, the detector pixel positions for every view and the measured
// intensities, streamed to the optimizer as fixed-size ray batches.
package dataset

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"sparsect/internal/models"
)

// View is one acquisition pose: the source position and the detector frame.
type View struct {
	Angle  float64
	Source r3.Vec
	// Center is the detector center; U runs along detector columns, V along rows.
	Center r3.Vec
	U, V   r3.Vec
}

// Orbit returns poses evenly spaced views rotating about the z axis through
// the isocenter. A half orbit spans 180 degrees, a full orbit 360.
func Orbit(geom models.Geometry, poses int, halfOrbit bool) []View {
	arc := 2 * math.Pi
	if halfOrbit {
		arc = math.Pi
	}
	axis := r3.Vec{Z: 1}

	views := make([]View, poses)
	for k := range views {
		angle := arc * float64(k) / float64(poses)
		rot := r3.NewRotation(angle, axis)
		views[k] = View{
			Angle:  angle,
			Source: rot.Rotate(r3.Vec{X: geom.SOD}),
			Center: rot.Rotate(r3.Vec{X: -(geom.SDD - geom.SOD)}),
			U:      rot.Rotate(r3.Vec{Y: 1}),
			V:      axis,
		}
	}
	return views
}

// Pixel returns the world position of detector pixel (row, col).
func (v View) Pixel(geom models.Geometry, row, col int) r3.Vec {
	du := (float64(col) - float64(geom.Width-1)/2) * geom.PixelSpacing
	dv := (float64(geom.Height-1)/2 - float64(row)) * geom.PixelSpacing
	return r3.Add(v.Center, r3.Add(r3.Scale(du, v.U), r3.Scale(dv, v.V)))
}

// Rays lays out one ray per detector pixel per view, view-major then
// row-major.
func Rays(geom models.Geometry, views []View) (sources, targets []r3.Vec) {
	n := len(views) * geom.PixelsPerView()
	sources = make([]r3.Vec, 0, n)
	targets = make([]r3.Vec, 0, n)
	for _, view := range views {
		for row := 0; row < geom.Height; row++ {
			for col := 0; col < geom.Width; col++ {
				sources = append(sources, view.Source)
				targets = append(targets, view.Pixel(geom, row, col))
			}
		}
	}
	return sources, targets
}

// DownsampleGeometry reduces the detector resolution by factor, keeping its
// physical size.
func DownsampleGeometry(geom models.Geometry, factor int) models.Geometry {
	if factor <= 1 {
		return geom
	}
	out := geom
	out.Height = max(1, geom.Height/factor)
	out.Width = max(1, geom.Width/factor)
	out.PixelSpacing = geom.PixelSpacing * float64(factor)
	return out
}
