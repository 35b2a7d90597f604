package detector

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/openfluke/gpuvec/gpu"
)

/* ---------- public API ---------- */

// Report is a portable summary of the selected adapter and what it can run.
type Report struct {
	WhenISO     string            `json:"when_iso"`
	Runtime     string            `json:"runtime"` // "native" or "wasm" (best-effort)
	Backend     string            `json:"backend"`
	AdapterType string            `json:"adapter_type"`
	VendorID    string            `json:"vendor_id_hex"`
	DeviceID    string            `json:"device_id_hex"`
	Name        string            `json:"name"`
	Driver      string            `json:"driver"`
	Recommended Recommendations   `json:"recommended"`
	Limits      Limits            `json:"limits"`
	Adapters    []Adapter         `json:"adapters"`
	Env         map[string]string `json:"env,omitempty"`
}

type Limits struct {
	MaxComputeInvocationsPerWorkgroup uint32 `json:"max_compute_invocations_per_workgroup"`
	MaxComputeWorkgroupSizeX          uint32 `json:"max_compute_workgroup_size_x"`
	MaxComputeWorkgroupsPerDimension  uint32 `json:"max_compute_workgroups_per_dimension"`
	MaxStorageBufferBindingSize       uint64 `json:"max_storage_buffer_binding_size"`
	MaxBufferSize                     uint64 `json:"max_buffer_size"`
}

// Adapter is one enumerated adapter.
type Adapter struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Backend  string `json:"backend"`
	Selected bool   `json:"selected"`
}

type Recommendations struct {
	// Largest 4-byte-element vector one dispatch can handle on this device
	// within the budget.
	MaxVectorLength int    `json:"max_vector_length"`
	MaxVectorBytes  string `json:"max_vector_bytes"`

	// Soft VRAM budget in bytes for persistent + staging buffers.
	BudgetBytes uint64 `json:"budget_bytes"`
}

// buffersPerDispatch is the peak number of equally sized buffers alive during
// one dispatch: three persistent, two uploads, one download.
const buffersPerDispatch = 6

// DetectJSON runs Detect and returns the report as indented JSON.
func DetectJSON(opts gpu.ContextOptions) (string, error) {
	rep, err := Detect(opts)
	if err != nil {
		return "", err
	}
	b, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Detect opens a device with opts, reports on it and releases it.
func Detect(opts gpu.ContextOptions) (*Report, error) {
	c, err := gpu.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open device: %w", err)
	}
	defer c.Close()
	return FromContext(c), nil
}

// FromContext reports on an already opened Context.
func FromContext(c *gpu.Context) *Report {
	info := c.Adapter()
	limits := c.Limits()

	budget := uint64(128 * 1024 * 1024)
	if mbStr := os.Getenv("GPUVEC_BUDGET_MB"); mbStr != "" {
		if mb, err := strconv.Atoi(mbStr); err == nil && mb > 0 {
			budget = uint64(mb) * 1024 * 1024
		}
	}
	maxLen := MaxVectorLength(limits, 4, budget)

	var adapters []Adapter
	for _, a := range c.Adapters() {
		adapters = append(adapters, Adapter{
			Name:     strings.TrimSpace(a.Name),
			Type:     a.Kind.String(),
			Backend:  a.Backend,
			Selected: a == info,
		})
	}

	return &Report{
		WhenISO:     time.Now().UTC().Format(time.RFC3339),
		Runtime:     detectRuntime(),
		Backend:     c.Backend() + "/" + info.Backend,
		AdapterType: info.Kind.String(),
		VendorID:    fmt.Sprintf("0x%04x", info.VendorID),
		DeviceID:    fmt.Sprintf("0x%04x", info.DeviceID),
		Name:        strings.TrimSpace(info.Name),
		Driver:      strings.TrimSpace(info.Driver),
		Limits: Limits{
			MaxComputeInvocationsPerWorkgroup: limits.MaxComputeInvocationsPerWorkgroup,
			MaxComputeWorkgroupSizeX:          limits.MaxComputeWorkgroupSizeX,
			MaxComputeWorkgroupsPerDimension:  limits.MaxComputeWorkgroupsPerDimension,
			MaxStorageBufferBindingSize:       limits.MaxStorageBufferBindingSize,
			MaxBufferSize:                     limits.MaxBufferSize,
		},
		Adapters: adapters,
		Recommended: Recommendations{
			MaxVectorLength: maxLen,
			MaxVectorBytes:  humanize.IBytes(uint64(maxLen) * 4),
			BudgetBytes:     budget,
		},
		Env: pickEnv([]string{"GPUVEC_BUDGET_MB"}),
	}
}

// MaxVectorLength is the largest length that passes gpu.CheckLimits and
// keeps every buffer of one dispatch within budget. Zero budget means no cap.
func MaxVectorLength(l gpu.Limits, elementSize int, budget uint64) int {
	if elementSize <= 0 {
		return 0
	}
	n := uint64(l.MaxComputeWorkgroupsPerDimension)
	if n == 0 {
		n = 65535
	}
	es := uint64(elementSize)
	if l.MaxStorageBufferBindingSize != 0 && n*es > l.MaxStorageBufferBindingSize {
		n = l.MaxStorageBufferBindingSize / es
	}
	if l.MaxBufferSize != 0 && n*es > l.MaxBufferSize {
		n = l.MaxBufferSize / es
	}
	if budget != 0 && n*es*buffersPerDispatch > budget {
		n = budget / (es * buffersPerDispatch)
	}
	return int(n)
}

/* ---------- helpers ---------- */

func detectRuntime() string {
	if runtime.GOOS == "js" {
		return "wasm"
	}
	return "native"
}

func pickEnv(keys []string) map[string]string {
	out := map[string]string{}
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			out[k] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
