package overlay

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"printstreamer/internal/moonraker"
)

// Missing is rendered for unknown values.
const Missing = "-"

// Values are the inputs of one render.
type Values struct {
	Snapshot moonraker.Snapshot
	Metadata moonraker.FileMetadata
	Now      time.Time
}

var placeholder = regexp.MustCompile(`\{([A-Za-z]+)(?::([^{}]*))?\}`)

// Placeholders lists the names Render understands.
var Placeholders = []string{
	"nozzle", "nozzleTarget", "bed", "bedTarget", "progress", "layer", "layerMax",
	"layers", "time", "state", "filename", "slicer", "speed", "speedFactor", "flow",
	"filament", "eta",
}

// Render substitutes every recognised {name} or {name:fmt} in tpl and escapes
// the result for the drawtext filter. Unknown placeholders are left as is.
//
// Format hints apply to numbers: "0", "0.0", "0.00" fix the decimals, "F1" or
// "N2" do the same, and a hint starting with % is used as a fmt verb.
func Render(tpl string, v Values) string {
	out := placeholder.ReplaceAllStringFunc(tpl, func(m string) string {
		parts := placeholder.FindStringSubmatch(m)
		s, ok := value(parts[1], parts[2], v)
		if !ok {
			return m
		}
		return s
	})
	return Escape(out)
}

// Escape protects text from drawtext expansion: a backslash escapes the next
// character and %{...} sequences are expanded.
func Escape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, "%", `\%`)
}

func value(name, hint string, v Values) (string, bool) {
	s := v.Snapshot
	switch name {
	case "nozzle":
		return number(s.NozzleTemp, hint, 0), true
	case "nozzleTarget":
		return number(s.NozzleTarget, hint, 0), true
	case "bed":
		return number(s.BedTemp, hint, 0), true
	case "bedTarget":
		return number(s.BedTarget, hint, 0), true
	case "progress":
		return number(s.Progress*100, hint, 0), true
	case "layer":
		return layerNumber(s.CurrentLayer), true
	case "layerMax":
		return layerNumber(totalLayers(v)), true
	case "layers":
		return layerNumber(s.CurrentLayer) + "/" + layerNumber(totalLayers(v)), true
	case "time":
		if s.Elapsed <= 0 {
			return Missing, true
		}
		return clock(s.Elapsed), true
	case "state":
		if s.State == "" {
			return string(moonraker.StateUnknown), true
		}
		return string(s.State), true
	case "filename":
		return text(s.Filename), true
	case "slicer":
		return text(v.Metadata.Slicer), true
	case "speed":
		// gcode_move.speed is mm/min; live_velocity is already mm/s.
		speed := s.LiveVelocity
		if math.IsNaN(speed) && !math.IsNaN(s.Speed) {
			speed = s.Speed / 60
		}
		return number(speed, hint, 0), true
	case "speedFactor":
		return number(s.SpeedFactor*100, hint, 0), true
	case "flow":
		return number(s.FlowFactor*100, hint, 0), true
	case "filament":
		return number(s.FilamentUsed/1000, hint, 2), true
	case "eta":
		eta, ok := ETA(s.Elapsed, s.Progress, v.Now)
		if !ok {
			return Missing, true
		}
		return eta.Format("15:04"), true
	}
	return "", false
}

// ETA estimates the finish time from elapsed time and progress. It is
// suppressed while progress is below 1% or nothing has elapsed.
func ETA(elapsed time.Duration, progress float64, now time.Time) (time.Time, bool) {
	if math.IsNaN(progress) || progress < 0.01 || elapsed <= 0 {
		return time.Time{}, false
	}
	total := time.Duration(float64(elapsed) / progress)
	return now.Add(total - elapsed), true
}

func totalLayers(v Values) int {
	if v.Snapshot.TotalLayers > 0 {
		return v.Snapshot.TotalLayers
	}
	return v.Metadata.TotalLayers()
}

func number(f float64, hint string, decimals int) string {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Missing
	}
	hint = strings.TrimSpace(hint)
	switch {
	case hint == "":
	case strings.HasPrefix(hint, "%"):
		if out, ok := printfNumber(hint, f); ok {
			return out
		}
	case strings.Trim(hint, "0.#") == "":
		decimals = 0
		if i := strings.IndexByte(hint, '.'); i >= 0 {
			decimals = len(hint) - i - 1
		}
	case len(hint) > 1 && strings.ContainsRune("FfNn", rune(hint[0])):
		if n, err := strconv.Atoi(hint[1:]); err == nil && n >= 0 && n <= 6 {
			decimals = n
		}
	}
	return strconv.FormatFloat(f, 'f', decimals, 64)
}

// printfNumber applies a single fmt verb to f, rounding for the integer
// verbs. Hints with another verb, or more than one, are rejected.
func printfNumber(hint string, f float64) (string, bool) {
	i := 1
	for i < len(hint) && strings.IndexByte("+-# 0123456789.", hint[i]) >= 0 {
		i++
	}
	if i >= len(hint) {
		return "", false
	}
	var arg any
	switch hint[i] {
	case 'd', 'x', 'X', 'o', 'b':
		arg = int64(math.Round(f))
	case 'e', 'E', 'f', 'F', 'g', 'G', 'v':
		arg = f
	default:
		return "", false
	}
	out := fmt.Sprintf(hint, arg)
	if strings.Contains(out, "%!") {
		return "", false
	}
	return out, true
}

func layerNumber(n int) string {
	if n <= 0 {
		return Missing
	}
	return strconv.Itoa(n)
}

func text(s string) string {
	if strings.TrimSpace(s) == "" {
		return Missing
	}
	return s
}

func clock(d time.Duration) string {
	d = d.Round(time.Second)
	h := int(d / time.Hour)
	m := int(d%time.Hour) / int(time.Minute)
	sec := int(d%time.Minute) / int(time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", h, m, sec)
}
