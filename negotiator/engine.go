package negotiator

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/lainio/err2"
	"github.com/lainio/err2/try"
	"github.com/pion/ice/v2"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
	"github.com/shynome/deepnoise/mux"
)

const DefaultSTUN = "stun:stun.l.google.com:19302"

var pcmu = webrtc.RTPCodecCapability{
	MimeType:  webrtc.MimeTypePCMU,
	ClockRate: 8000,
	Channels:  1,
}

type Options struct {
	ICEServers []webrtc.ICEServer
	// ICEPort, when set, multiplexes all ICE traffic on one UDP port.
	ICEPort uint16

	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration

	Logger *slog.Logger
}

// Engine builds PeerConnections that share one media setup.
type Engine struct {
	api    *webrtc.API
	mux    ice.UDPMux
	config webrtc.Configuration
	logger *slog.Logger
}

func NewEngine(opts Options) (e *Engine, err error) {
	defer err2.Handle(&err, "new engine")

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	e = &Engine{
		config: webrtc.Configuration{ICEServers: opts.ICEServers},
		logger: logger.With("component", "engine"),
	}

	m := &webrtc.MediaEngine{}
	try.To(m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: pcmu,
		PayloadType:        0,
	}, webrtc.RTPCodecTypeAudio))
	registry := &interceptor.Registry{}
	try.To(webrtc.RegisterDefaultInterceptors(m, registry))

	settingEngine := webrtc.SettingEngine{
		LoggerFactory: slogFactory{logger},
	}
	settingEngine.SetICETimeouts(
		orDefault(opts.DisconnectedTimeout, 5*time.Second),
		orDefault(opts.FailedTimeout, 25*time.Second),
		orDefault(opts.KeepAliveInterval, 2*time.Second),
	)
	if opts.ICEPort != 0 {
		if mux.WithUDPMux == nil {
			return nil, fmt.Errorf("udp mux is not supported on this platform")
		}
		e.mux = try.To1(mux.WithUDPMux(&settingEngine, opts.ICEPort))
	}

	e.api = webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(settingEngine),
	)
	return e, nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// Start creates the PeerConnection of a call with its single audio track
// and returns the Negotiator driving it.
func (e *Engine) Start(role Role, m Media, emit func(Event)) (n *Negotiator, err error) {
	var pc *webrtc.PeerConnection
	defer then(&err, nil, func() {
		if pc != nil {
			pc.Close()
		}
	})
	defer err2.Handle(&err, "start %s", role)

	pc = try.To1(e.api.NewPeerConnection(e.config))
	track := try.To1(webrtc.NewTrackLocalStaticSample(pcmu, "audio", "deepnoise"))
	sender := try.To1(pc.AddTrack(track))

	logger := e.logger.With("role", role)
	path := newAudioPath(m, track, sender, logger)
	n = newNegotiator(pc, role, emit, e.logger, hooks{
		connected: path.connected,
		closing:   path.stop,
	})

	pc.OnICECandidate(n.LocalCandidateGathered)
	pc.OnICEConnectionStateChange(n.ICEStateChanged)
	pc.OnNegotiationNeeded(n.NegotiationNeeded)
	pc.OnTrack(path.play)
	go path.drainRTCP()
	return n, nil
}

func (e *Engine) Close() error {
	if e.mux != nil {
		return e.mux.Close()
	}
	return nil
}
