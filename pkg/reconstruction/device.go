package reconstruction

import (
	"runtime"

	"github.com/sirupsen/logrus"

	"sparsect/pkg/config"
)

// Device is the compute target chosen once at startup
type Device struct {
	Name    string
	Workers int
}

// ResolveDevice picks the compute device. The accelerator runs the projector
// on a pool of numCores workers; when fewer than two cores are available it
// degrades to the single-worker CPU device with a warning.
func ResolveDevice(requested string, numCores int, logger *logrus.Logger) Device {
	if requested == config.DeviceCPU {
		return Device{Name: config.DeviceCPU, Workers: 1}
	}

	workers := min(numCores, runtime.NumCPU())
	dev := Device{Name: config.DeviceAccelerator, Workers: workers}
	if workers < 2 {
		dev = Device{Name: config.DeviceCPU, Workers: 1}
	}

	if dev.Name == config.DeviceCPU {
		logger.Warnf("Accelerator unavailable (%d usable cores), using CPU", workers)
	}
	return dev
}
