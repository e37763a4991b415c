// Package video probes the host for available FFmpeg hardware acceleration
// backends. The core itself never selects or overrides acceleration: the
// daemon-wide hwaccel tag (SystemConfig.HWAccel) is an opaque string forwarded
// verbatim to every Capture Worker (spec.md §3, §9.4). This package exists purely as a startup
// diagnostic so an operator's chosen tag can be cross-checked against what
// the host can actually do, surfaced as a log line rather than fed back
// into any decision the core makes.
package video

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"
)

// HWAccelType names one FFmpeg hardware acceleration backend.
type HWAccelType string

const (
	HWAccelNone         HWAccelType = ""
	HWAccelCUDA         HWAccelType = "cuda"         // NVIDIA GPU
	HWAccelVideoToolbox HWAccelType = "videotoolbox" // macOS
	HWAccelVAAPI        HWAccelType = "vaapi"        // Linux VA-API
	HWAccelQSV          HWAccelType = "qsv"          // Intel Quick Sync
	HWAccelD3D11VA      HWAccelType = "d3d11va"      // Windows DirectX 11
	HWAccelDXVA2        HWAccelType = "dxva2"         // Windows DirectX 9
	HWAccelVulkan       HWAccelType = "vulkan"        // cross-platform Vulkan
)

// Capabilities describes what this host's FFmpeg can accelerate.
type Capabilities struct {
	Available   []HWAccelType `json:"available"`
	Recommended HWAccelType   `json:"recommended"`
	DecodeH264  bool          `json:"decode_h264"`
	DecodeH265  bool          `json:"decode_h265"`
	EncodeH264  bool          `json:"encode_h264"`
	EncodeH265  bool          `json:"encode_h265"`
	GPUName     string        `json:"gpu_name,omitempty"`
	DetectedAt  time.Time     `json:"detected_at"`
}

// Detector probes and caches this host's hardware acceleration capabilities.
type Detector struct {
	mu           sync.RWMutex
	capabilities *Capabilities
	logger       *slog.Logger
}

// NewDetector constructs a Detector. Nothing is probed until Detect.
func NewDetector(logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{logger: logger.With("component", "hwaccel")}
}

// Detect probes the host and caches the result.
func (d *Detector) Detect(ctx context.Context) (*Capabilities, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.logger.Info("detecting hardware acceleration capabilities")

	caps := &Capabilities{
		Available:  make([]HWAccelType, 0),
		DetectedAt: time.Now(),
	}

	if !d.checkFFmpeg() {
		d.logger.Warn("ffmpeg not found, hardware acceleration unavailable")
		d.capabilities = caps
		return caps, nil
	}

	switch runtime.GOOS {
	case "darwin":
		d.detectMacOS(ctx, caps)
	case "linux":
		d.detectLinux(ctx, caps)
	case "windows":
		d.detectWindows(ctx, caps)
	}

	caps.Recommended = d.selectRecommended(caps.Available)

	d.capabilities = caps
	d.logger.Info("hardware acceleration detection complete",
		"available", caps.Available,
		"recommended", caps.Recommended,
		"gpu", caps.GPUName,
	)

	return caps, nil
}

// GetCapabilities returns the cached result, probing once if not yet done.
func (d *Detector) GetCapabilities(ctx context.Context) (*Capabilities, error) {
	d.mu.RLock()
	if d.capabilities != nil {
		caps := d.capabilities
		d.mu.RUnlock()
		return caps, nil
	}
	d.mu.RUnlock()

	return d.Detect(ctx)
}

// WarnIfUnsupported logs a warning if configured is non-empty and isn't
// among this host's detected capabilities. Called once at startup for each
// enabled Camera with the daemon-wide hwaccel tag (spec.md §9.4); it never
// blocks startup and never changes what gets forwarded to the worker.
func (d *Detector) WarnIfUnsupported(ctx context.Context, cameraID string, configured HWAccelType) {
	if configured == HWAccelNone {
		return
	}

	caps, err := d.GetCapabilities(ctx)
	if err != nil {
		return
	}

	for _, avail := range caps.Available {
		if avail == configured {
			return
		}
	}

	d.logger.Warn("configured hwaccel not detected on this host, worker may fail to init it",
		"camera_id", cameraID, "configured", configured, "available", caps.Available)
}

// selectRecommended picks the best available backend by a fixed priority
// order (fastest first).
func (d *Detector) selectRecommended(available []HWAccelType) HWAccelType {
	priority := []HWAccelType{
		HWAccelCUDA,
		HWAccelVideoToolbox,
		HWAccelQSV,
		HWAccelVAAPI,
		HWAccelD3D11VA,
		HWAccelDXVA2,
		HWAccelVulkan,
	}

	for _, accel := range priority {
		for _, avail := range available {
			if accel == avail {
				return accel
			}
		}
	}

	return HWAccelNone
}

func (d *Detector) checkFFmpeg() bool {
	cmd := exec.Command("ffmpeg", "-version")
	return cmd.Run() == nil
}

func (d *Detector) detectMacOS(ctx context.Context, caps *Capabilities) {
	if d.testVideoToolbox(ctx) {
		caps.Available = append(caps.Available, HWAccelVideoToolbox)
		caps.DecodeH264 = true
		caps.DecodeH265 = true
		caps.EncodeH264 = true
		caps.EncodeH265 = true
	}
	caps.GPUName = d.getMacGPUName()
}

func (d *Detector) detectLinux(ctx context.Context, caps *Capabilities) {
	if d.hasNVIDIAGPU() && d.testCUDA(ctx) {
		caps.Available = append(caps.Available, HWAccelCUDA)
		caps.GPUName = d.getNVIDIAGPUName()
		caps.DecodeH264 = true
		caps.DecodeH265 = true
		caps.EncodeH264 = true
		caps.EncodeH265 = true
	}

	if d.hasVAAPI() && d.testVAAPI(ctx) {
		caps.Available = append(caps.Available, HWAccelVAAPI)
		if caps.GPUName == "" {
			caps.GPUName = d.getVAAPIGPUName()
		}
		caps.DecodeH264 = true
		caps.DecodeH265 = true
		caps.EncodeH264 = true
	}

	if d.hasQSV() && d.testQSV(ctx) {
		caps.Available = append(caps.Available, HWAccelQSV)
		caps.DecodeH264 = true
		caps.DecodeH265 = true
		caps.EncodeH264 = true
	}
}

func (d *Detector) detectWindows(ctx context.Context, caps *Capabilities) {
	if d.hasNVIDIAGPU() && d.testCUDA(ctx) {
		caps.Available = append(caps.Available, HWAccelCUDA)
		caps.GPUName = d.getNVIDIAGPUName()
		caps.DecodeH264 = true
		caps.DecodeH265 = true
		caps.EncodeH264 = true
		caps.EncodeH265 = true
	}

	if d.testD3D11VA(ctx) {
		caps.Available = append(caps.Available, HWAccelD3D11VA)
		caps.DecodeH264 = true
		caps.DecodeH265 = true
	}

	if d.hasQSV() && d.testQSV(ctx) {
		caps.Available = append(caps.Available, HWAccelQSV)
		caps.DecodeH264 = true
		caps.DecodeH265 = true
		caps.EncodeH264 = true
	}
}

func (d *Detector) testVideoToolbox(ctx context.Context) bool {
	cmd := exec.CommandContext(ctx, "ffmpeg", "-hide_banner", "-hwaccels")
	output, err := cmd.CombinedOutput()
	if err != nil {
		d.logger.Debug("failed to list hwaccels", "error", err)
		return false
	}
	return strings.Contains(string(output), "videotoolbox")
}

func (d *Detector) testCUDA(ctx context.Context) bool {
	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-hide_banner", "-loglevel", "error",
		"-hwaccel", "cuda",
		"-f", "lavfi", "-i", "testsrc=duration=1:size=320x240:rate=1",
		"-f", "null", "-",
	)
	return cmd.Run() == nil
}

func (d *Detector) testVAAPI(ctx context.Context) bool {
	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-hide_banner", "-loglevel", "error",
		"-hwaccel", "vaapi",
		"-hwaccel_device", "/dev/dri/renderD128",
		"-f", "lavfi", "-i", "testsrc=duration=1:size=320x240:rate=1",
		"-f", "null", "-",
	)
	return cmd.Run() == nil
}

func (d *Detector) testQSV(ctx context.Context) bool {
	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-hide_banner", "-loglevel", "error",
		"-hwaccel", "qsv",
		"-f", "lavfi", "-i", "testsrc=duration=1:size=320x240:rate=1",
		"-f", "null", "-",
	)
	return cmd.Run() == nil
}

func (d *Detector) testD3D11VA(ctx context.Context) bool {
	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-hide_banner", "-loglevel", "error",
		"-hwaccel", "d3d11va",
		"-f", "lavfi", "-i", "testsrc=duration=1:size=320x240:rate=1",
		"-f", "null", "-",
	)
	return cmd.Run() == nil
}

func (d *Detector) hasNVIDIAGPU() bool {
	cmd := exec.Command("nvidia-smi", "-L")
	output, err := cmd.Output()
	if err != nil {
		return false
	}
	return strings.Contains(string(output), "GPU")
}

func (d *Detector) getNVIDIAGPUName() string {
	cmd := exec.Command("nvidia-smi", "--query-gpu=name", "--format=csv,noheader")
	output, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(output))
}

func (d *Detector) hasVAAPI() bool {
	cmd := exec.Command("ls", "/dev/dri/renderD128")
	return cmd.Run() == nil
}

func (d *Detector) getVAAPIGPUName() string {
	cmd := exec.Command("vainfo")
	output, err := cmd.Output()
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(string(output), "\n") {
		if strings.Contains(line, "Driver version") {
			return strings.TrimSpace(line)
		}
	}
	return ""
}

func (d *Detector) hasQSV() bool {
	if runtime.GOOS != "linux" {
		return false
	}
	if exec.Command("ls", "/dev/dri/renderD128").Run() != nil {
		return false
	}
	output, err := exec.Command("lspci").Output()
	if err != nil {
		return false
	}
	lower := strings.ToLower(string(output))
	return strings.Contains(lower, "intel") && strings.Contains(lower, "vga")
}

func (d *Detector) getMacGPUName() string {
	output, err := exec.Command("system_profiler", "SPDisplaysDataType").Output()
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(string(output), "\n") {
		if strings.Contains(line, "Chipset Model:") {
			parts := strings.SplitN(line, ":", 2)
			if len(parts) == 2 {
				return strings.TrimSpace(parts[1])
			}
		}
	}
	return ""
}

// FormatCapabilities renders a human-readable, multi-line capabilities
// summary.
func (c *Capabilities) FormatCapabilities() string {
	if len(c.Available) == 0 {
		return "no hardware acceleration available (using software encoding)"
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("recommended: %s\n", c.Recommended))
	sb.WriteString(fmt.Sprintf("available: %v\n", c.Available))
	if c.GPUName != "" {
		sb.WriteString(fmt.Sprintf("gpu: %s\n", c.GPUName))
	}
	sb.WriteString(fmt.Sprintf("decode h.264: %v, h.265: %v\n", c.DecodeH264, c.DecodeH265))
	sb.WriteString(fmt.Sprintf("encode h.264: %v, h.265: %v\n", c.EncodeH264, c.EncodeH265))
	return sb.String()
}
