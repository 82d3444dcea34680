package pool

import (
	"fmt"
	"os/exec"
	"strings"

	"github.com/mozenebula/mini-asr-backend/pkg/logging"
)

// DeviceType names the hardware class a model instance is bound to.
type DeviceType string

const (
	DeviceCPU  DeviceType = "cpu"
	DeviceCUDA DeviceType = "cuda"
)

// Compute precisions handed to the engine backend.
const (
	ComputeFloat32 = "float32"
	ComputeFloat16 = "float16"
)

// Device is the placement of one model instance.
type Device struct {
	Type        DeviceType
	Index       int
	ComputeType string
}

func (d Device) String() string {
	if d.Type == DeviceCUDA {
		return fmt.Sprintf("cuda:%d", d.Index)
	}
	return string(DeviceCPU)
}

// allocateDevice returns the deterministic placement for instance index i:
// CPU with float32 when no GPU is available, the single GPU with float16
// when there is one, round-robin across GPUs with float16 otherwise.
func allocateDevice(gpuCount, index int) Device {
	switch {
	case gpuCount <= 0:
		return Device{Type: DeviceCPU, ComputeType: ComputeFloat32}
	case gpuCount == 1:
		return Device{Type: DeviceCUDA, Index: 0, ComputeType: ComputeFloat16}
	default:
		return Device{Type: DeviceCUDA, Index: index % gpuCount, ComputeType: ComputeFloat16}
	}
}

// sizeCeiling is the hardware-imposed upper bound on pool size. A single
// GPU serializes better than it shares, so it caps the pool at one; CPU
// hosts cap at half their threads.
func sizeCeiling(gpuCount, cpuThreads, maxInstancesPerGPU int) int {
	switch {
	case gpuCount <= 0:
		if cpuThreads <= 4 {
			return 1
		}
		ceiling := cpuThreads / 2
		if ceiling < 1 {
			ceiling = 1
		}
		return ceiling
	case gpuCount == 1:
		return 1
	default:
		if maxInstancesPerGPU < 1 {
			maxInstancesPerGPU = 1
		}
		return gpuCount * maxInstancesPerGPU
	}
}

// DetectGPUCount counts CUDA devices via nvidia-smi. Hosts without the
// tool (or without GPUs) report zero.
func DetectGPUCount() int {
	out, err := exec.Command("nvidia-smi", "-L").Output()
	if err != nil {
		logging.Debug("No CUDA devices detected, using CPU", map[string]interface{}{
			"error": err.Error(),
		})
		return 0
	}

	count := 0
	for _, line := range strings.Split(string(out), "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "GPU ") {
			count++
		}
	}
	logging.Debug("Detected CUDA devices", map[string]interface{}{"count": count})
	return count
}
