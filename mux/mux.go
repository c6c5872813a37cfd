// Package mux lets every PeerConnection of a process share one UDP port for
// ICE.
package mux

import (
	"github.com/pion/ice/v2"
	"github.com/pion/webrtc/v3"
)

// WithUDPMux installs a UDP mux listening on port into engine. It is nil on
// platforms without UDP sockets.
var WithUDPMux func(engine *webrtc.SettingEngine, port uint16) (ice.UDPMux, error)
