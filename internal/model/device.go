package model

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// Device is the compute target the ONNX sessions are placed on.
type Device string

const (
	DeviceAuto Device = "auto"
	DeviceCPU  Device = "cpu"
	DeviceCUDA Device = "cuda"
)

// Accelerated reports whether d is a single shared accelerator whose access
// must be serialized across requests.
func (d Device) Accelerated() bool {
	return d == DeviceCUDA
}

// ParseDevice accepts auto, cpu, cuda (and gpu as an alias for cuda).
func ParseDevice(s string) (Device, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return DeviceAuto, nil
	case "cpu":
		return DeviceCPU, nil
	case "cuda", "gpu":
		return DeviceCUDA, nil
	default:
		return "", fmt.Errorf("unknown device %q (want auto, cpu or cuda)", s)
	}
}

// Prober reports whether an accelerator is present.
type Prober func() bool

// ProbeCUDA looks for an NVIDIA driver on the host.
func ProbeCUDA() bool {
	if _, err := os.Stat("/dev/nvidia0"); err == nil {
		return true
	}
	if _, err := exec.LookPath("nvidia-smi"); err == nil {
		return true
	}
	return false
}

// ResolveDevice turns auto into a concrete device using probe, defaulting
// to cpu. Explicit choices are returned unchanged.
func ResolveDevice(d Device, probe Prober) Device {
	if d != DeviceAuto {
		return d
	}
	if probe != nil && probe() {
		return DeviceCUDA
	}
	return DeviceCPU
}
