package capture

import (
	"fmt"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
)

// SourceDisplaySize returns the width/height of the primary display being
// captured, used to bounds-check a requested Region before the pipeline
// starts. Grounded on babelcloud-gbox's internal/device/desktop.go, whose
// DesktopManager.GetDisplayResolution shells out per OS family; this
// package needs exactly that capability to validate capture regions
// against the live screen size, not the rest of DesktopManager's identity
// and inventory surface (reg_id, OS version, memory), which has no home
// in a media pipeline.
func SourceDisplaySize() (width, height int, err error) {
	switch runtime.GOOS {
	case "darwin":
		return macOSDisplayResolution()
	case "linux":
		return linuxDisplayResolution()
	case "windows":
		return windowsDisplayResolution()
	default:
		return 0, 0, fmt.Errorf("capture: unsupported OS %q", runtime.GOOS)
	}
}

func macOSDisplayResolution() (int, int, error) {
	cmd := exec.Command("system_profiler", "SPDisplaysDataType")
	output, err := cmd.Output()
	if err != nil {
		return 0, 0, err
	}

	var builtIn, main, first string
	type ctx struct {
		isBuiltIn, isMain bool
		resolution        string
	}
	var current ctx
	var displays []ctx
	inSection := false

	for _, line := range strings.Split(string(output), "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.Contains(trimmed, "Displays:") {
			inSection = true
			continue
		}
		if !inSection {
			continue
		}
		if strings.HasSuffix(trimmed, ":") && (strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t")) {
			namePart := strings.TrimSuffix(trimmed, ":")
			if !strings.Contains(namePart, ":") && namePart != "" {
				if current.resolution != "" {
					displays = append(displays, current)
				}
				current = ctx{}
				continue
			}
		}
		if strings.Contains(trimmed, "Display Type: Built-in") || strings.Contains(trimmed, "Built-in: Yes") {
			current.isBuiltIn = true
		}
		if strings.Contains(trimmed, "Main Display: Yes") {
			current.isMain = true
		}
		if strings.Contains(trimmed, "Resolution:") {
			parts := strings.Split(trimmed, ":")
			if len(parts) >= 2 {
				fields := strings.Fields(strings.TrimSpace(parts[1]))
				var w, h string
				for _, f := range fields {
					if _, err := strconv.Atoi(f); err == nil {
						if w == "" {
							w = f
						} else if h == "" {
							h = f
							break
						}
					}
				}
				if w != "" && h != "" {
					current.resolution = w + "x" + h
				}
			}
		}
	}
	if current.resolution != "" {
		displays = append(displays, current)
	}

	for _, d := range displays {
		if d.resolution == "" {
			continue
		}
		if first == "" {
			first = d.resolution
		}
		if d.isBuiltIn && builtIn == "" {
			builtIn = d.resolution
		}
		if d.isMain && main == "" {
			main = d.resolution
		}
	}

	resolution := first
	if builtIn != "" {
		resolution = builtIn
	} else if main != "" {
		resolution = main
	}
	if resolution == "" {
		return 0, 0, fmt.Errorf("capture: could not determine display resolution")
	}
	return parseWxH(resolution)
}

func linuxDisplayResolution() (int, int, error) {
	cmd := exec.Command("xrandr")
	output, err := cmd.Output()
	if err != nil {
		return 0, 0, fmt.Errorf("capture: xrandr unavailable: %w", err)
	}
	for _, line := range strings.Split(string(output), "\n") {
		if !strings.Contains(line, "connected primary") && !strings.Contains(line, "*") {
			continue
		}
		for _, field := range strings.Fields(line) {
			if !strings.Contains(field, "x") {
				continue
			}
			parts := strings.Split(field, "x")
			if len(parts) != 2 {
				continue
			}
			w, err1 := strconv.Atoi(parts[0])
			h, err2 := strconv.Atoi(strings.TrimSuffix(parts[1], "*+"))
			if err1 == nil && err2 == nil {
				return w, h, nil
			}
		}
	}
	return 0, 0, fmt.Errorf("capture: could not determine display resolution")
}

func windowsDisplayResolution() (int, int, error) {
	cmd := exec.Command("powershell", "-Command",
		"Get-WmiObject -Class Win32_VideoController | Select-Object -First 1 | Select-Object -ExpandProperty CurrentHorizontalResolution, CurrentVerticalResolution")
	output, err := cmd.Output()
	if err != nil {
		return 0, 0, err
	}
	lines := strings.Split(strings.TrimSpace(string(output)), "\n")
	if len(lines) < 2 {
		return 0, 0, fmt.Errorf("capture: could not determine display resolution")
	}
	w, err1 := strconv.Atoi(strings.TrimSpace(lines[0]))
	h, err2 := strconv.Atoi(strings.TrimSpace(lines[1]))
	if err1 != nil || err2 != nil {
		return 0, 0, fmt.Errorf("capture: could not determine display resolution")
	}
	return w, h, nil
}

func parseWxH(s string) (int, int, error) {
	parts := strings.Split(s, "x")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("capture: invalid resolution format %q", s)
	}
	w, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, fmt.Errorf("capture: invalid width %q", parts[0])
	}
	h, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, 0, fmt.Errorf("capture: invalid height %q", parts[1])
	}
	return w, h, nil
}
