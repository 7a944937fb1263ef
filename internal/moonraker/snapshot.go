package moonraker

import (
	"encoding/json"
	"math"
	"strings"
	"time"
)

// State is the canonical printer state.
type State string

const (
	StateIdle     State = "idle"
	StatePrinting State = "printing"
	StatePaused   State = "paused"
	StateComplete State = "complete"
	StateError    State = "error"
	StateUnknown  State = "unknown"
)

// ParseState maps a print_stats.state value onto State.
func ParseState(s string) State {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "standby", "idle", "ready", "cancelled", "canceled":
		return StateIdle
	case "printing":
		return StatePrinting
	case "paused", "pausing":
		return StatePaused
	case "complete", "completed", "finished":
		return StateComplete
	case "error", "shutdown":
		return StateError
	default:
		return StateUnknown
	}
}

// Snapshot is one immutable reading of the printer. Missing floats are NaN;
// missing layer counts are 0.
type Snapshot struct {
	State        State
	Filename     string
	Progress     float64
	Elapsed      time.Duration
	Remaining    time.Duration
	HasRemaining bool
	CurrentLayer int
	TotalLayers  int

	NozzleTemp   float64
	NozzleTarget float64
	BedTemp      float64
	BedTarget    float64

	Speed        float64
	SpeedFactor  float64
	FlowFactor   float64
	LiveVelocity float64
	FilamentUsed float64

	Message string
	TakenAt time.Time
}

// Active reports whether a job is printing or paused.
func (s Snapshot) Active() bool {
	return s.State == StatePrinting || s.State == StatePaused
}

// objects mirrors the subset of printer objects the system reads.
type objects struct {
	PrintStats *struct {
		State         string   `json:"state"`
		Filename      string   `json:"filename"`
		PrintDuration *float64 `json:"print_duration"`
		TotalDuration *float64 `json:"total_duration"`
		PrintTimeLeft *float64 `json:"print_time_left"`
		FilamentUsed  *float64 `json:"filament_used"`
		Message       string   `json:"message"`
		Info          *struct {
			CurrentLayer *int `json:"current_layer"`
			TotalLayer   *int `json:"total_layer"`
		} `json:"info"`
	} `json:"print_stats"`
	DisplayStatus *struct {
		Progress *float64 `json:"progress"`
		Message  string   `json:"message"`
	} `json:"display_status"`
	VirtualSDCard *struct {
		Progress *float64 `json:"progress"`
	} `json:"virtual_sdcard"`
	HeaterBed *heater `json:"heater_bed"`
	Extruder  *heater `json:"extruder"`
	GcodeMove *struct {
		Speed         *float64 `json:"speed"`
		SpeedFactor   *float64 `json:"speed_factor"`
		ExtrudeFactor *float64 `json:"extrude_factor"`
	} `json:"gcode_move"`
	MotionReport *struct {
		LiveVelocity *float64 `json:"live_velocity"`
	} `json:"motion_report"`
}

type heater struct {
	Temperature *float64 `json:"temperature"`
	Target      *float64 `json:"target"`
}

func (o objects) empty() bool {
	return o.PrintStats == nil && o.DisplayStatus == nil && o.VirtualSDCard == nil &&
		o.HeaterBed == nil && o.Extruder == nil && o.GcodeMove == nil && o.MotionReport == nil
}

// DecodeSnapshot builds a Snapshot from a printer objects payload. It accepts,
// in order:
//
//  1. {"result": {"status": {...objects}}}   (objects/query response)
//  2. {"status": {...objects}}
//  3. {"result": {...objects}}
//  4. {...objects}                           (notify_status_update params)
//
// DecodeSnapshot never fails: unreadable input yields a Snapshot in
// StateUnknown with every value missing.
func DecodeSnapshot(raw []byte) Snapshot {
	for _, obj := range candidates(raw) {
		if !obj.empty() {
			return fromObjects(obj)
		}
	}
	return fromObjects(objects{})
}

func candidates(raw []byte) []objects {
	var shapes struct {
		Result json.RawMessage `json:"result"`
		Status json.RawMessage `json:"status"`
	}
	_ = json.Unmarshal(raw, &shapes)

	var out []objects
	try := func(b []byte) {
		if len(b) == 0 {
			return
		}
		var o objects
		if json.Unmarshal(b, &o) == nil {
			out = append(out, o)
		}
	}
	if len(shapes.Result) > 0 {
		var inner struct {
			Status json.RawMessage `json:"status"`
		}
		if json.Unmarshal(shapes.Result, &inner) == nil {
			try(inner.Status)
		}
	}
	try(shapes.Status)
	try(shapes.Result)
	try(raw)
	return out
}

func fromObjects(o objects) Snapshot {
	nan := math.NaN()
	s := Snapshot{
		State:        StateUnknown,
		Progress:     nan,
		NozzleTemp:   nan,
		NozzleTarget: nan,
		BedTemp:      nan,
		BedTarget:    nan,
		Speed:        nan,
		SpeedFactor:  nan,
		FlowFactor:   nan,
		LiveVelocity: nan,
		FilamentUsed: nan,
		TakenAt:      time.Now(),
	}
	if ps := o.PrintStats; ps != nil {
		s.State = ParseState(ps.State)
		s.Filename = ps.Filename
		s.Message = ps.Message
		if ps.PrintDuration != nil {
			s.Elapsed = seconds(*ps.PrintDuration)
		}
		if ps.PrintTimeLeft != nil && *ps.PrintTimeLeft >= 0 {
			s.Remaining = seconds(*ps.PrintTimeLeft)
			s.HasRemaining = true
		}
		s.FilamentUsed = floatOr(ps.FilamentUsed, nan)
		if ps.Info != nil {
			if ps.Info.CurrentLayer != nil {
				s.CurrentLayer = *ps.Info.CurrentLayer
			}
			if ps.Info.TotalLayer != nil {
				s.TotalLayers = *ps.Info.TotalLayer
			}
		}
	}
	if ds := o.DisplayStatus; ds != nil {
		s.Progress = floatOr(ds.Progress, nan)
		if s.Message == "" {
			s.Message = ds.Message
		}
	}
	if math.IsNaN(s.Progress) && o.VirtualSDCard != nil {
		s.Progress = floatOr(o.VirtualSDCard.Progress, nan)
	}
	if !math.IsNaN(s.Progress) {
		s.Progress = math.Max(0, math.Min(1, s.Progress))
	}
	if h := o.Extruder; h != nil {
		s.NozzleTemp = floatOr(h.Temperature, nan)
		s.NozzleTarget = floatOr(h.Target, nan)
	}
	if h := o.HeaterBed; h != nil {
		s.BedTemp = floatOr(h.Temperature, nan)
		s.BedTarget = floatOr(h.Target, nan)
	}
	if gm := o.GcodeMove; gm != nil {
		s.Speed = floatOr(gm.Speed, nan)
		s.SpeedFactor = floatOr(gm.SpeedFactor, nan)
		s.FlowFactor = floatOr(gm.ExtrudeFactor, nan)
	}
	if mr := o.MotionReport; mr != nil {
		s.LiveVelocity = floatOr(mr.LiveVelocity, nan)
	}
	if !s.HasRemaining && s.Elapsed > 0 && !math.IsNaN(s.Progress) && s.Progress >= 0.01 {
		total := time.Duration(float64(s.Elapsed) / s.Progress)
		s.Remaining = total - s.Elapsed
		s.HasRemaining = true
	}
	return s
}

// Merge overlays the fields present in a partial update (a websocket status
// notification) onto prev.
func Merge(prev Snapshot, partial []byte) Snapshot {
	next := DecodeSnapshot(partial)
	out := prev
	if next.State != StateUnknown {
		out.State = next.State
	}
	if next.Filename != "" {
		out.Filename = next.Filename
	}
	mergeFloat(&out.Progress, next.Progress)
	mergeFloat(&out.NozzleTemp, next.NozzleTemp)
	mergeFloat(&out.NozzleTarget, next.NozzleTarget)
	mergeFloat(&out.BedTemp, next.BedTemp)
	mergeFloat(&out.BedTarget, next.BedTarget)
	mergeFloat(&out.Speed, next.Speed)
	mergeFloat(&out.SpeedFactor, next.SpeedFactor)
	mergeFloat(&out.FlowFactor, next.FlowFactor)
	mergeFloat(&out.LiveVelocity, next.LiveVelocity)
	mergeFloat(&out.FilamentUsed, next.FilamentUsed)
	if next.Elapsed > 0 {
		out.Elapsed = next.Elapsed
	}
	if next.HasRemaining {
		out.Remaining, out.HasRemaining = next.Remaining, true
	}
	if next.CurrentLayer > 0 {
		out.CurrentLayer = next.CurrentLayer
	}
	if next.TotalLayers > 0 {
		out.TotalLayers = next.TotalLayers
	}
	out.TakenAt = next.TakenAt
	return out
}

func mergeFloat(dst *float64, v float64) {
	if !math.IsNaN(v) {
		*dst = v
	}
}

func floatOr(p *float64, fallback float64) float64 {
	if p == nil {
		return fallback
	}
	return *p
}

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}
