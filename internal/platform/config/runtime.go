package config

import "sync/atomic"

// Runtime holds the toggles that the control surface may flip while the
// process runs. All fields are safe for concurrent use.
type Runtime struct {
	AutoBroadcast       atomic.Bool
	AutoUpload          atomic.Bool
	EndStreamAfterPrint atomic.Bool
	EndAfterSong        atomic.Bool
	AudioEnabled        atomic.Bool
	OverlayEnabled      atomic.Bool
}

// NewRuntime seeds the toggles from the static configuration.
func NewRuntime(cfg Config) *Runtime {
	rt := &Runtime{}
	rt.AutoBroadcast.Store(cfg.YouTube.Broadcast.Enabled)
	rt.AutoUpload.Store(cfg.YouTube.Upload.Enabled)
	rt.EndStreamAfterPrint.Store(cfg.YouTube.Broadcast.EndStreamAfterPrint)
	rt.AudioEnabled.Store(cfg.Audio.Enabled)
	rt.OverlayEnabled.Store(cfg.Overlay.Enabled)
	return rt
}

// RuntimeState is the JSON view of Runtime.
type RuntimeState struct {
	AutoBroadcast       bool `json:"autoBroadcast"`
	AutoUpload          bool `json:"autoUpload"`
	EndStreamAfterPrint bool `json:"endStreamAfterPrint"`
	EndAfterSong        bool `json:"endAfterSong"`
	AudioEnabled        bool `json:"audioEnabled"`
	OverlayEnabled      bool `json:"overlayEnabled"`
}

func (r *Runtime) Snapshot() RuntimeState {
	return RuntimeState{
		AutoBroadcast:       r.AutoBroadcast.Load(),
		AutoUpload:          r.AutoUpload.Load(),
		EndStreamAfterPrint: r.EndStreamAfterPrint.Load(),
		EndAfterSong:        r.EndAfterSong.Load(),
		AudioEnabled:        r.AudioEnabled.Load(),
		OverlayEnabled:      r.OverlayEnabled.Load(),
	}
}
