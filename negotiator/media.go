package negotiator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"github.com/shynome/deepnoise/audio"
)

// Media is the audio plumbing of one call.
type Media struct {
	Source    audio.Source
	Sink      audio.Sink
	Transform audio.Transform
}

func (m Media) withDefaults() Media {
	if m.Source == nil {
		m.Source = audio.Silence
	}
	if m.Sink == nil {
		m.Sink = audio.Discard
	}
	if m.Transform == nil {
		m.Transform = audio.Identity
	}
	return m
}

type audioPath struct {
	m      Media
	track  *webrtc.TrackLocalStaticSample
	sender *webrtc.RTPSender
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

func newAudioPath(m Media, track *webrtc.TrackLocalStaticSample, sender *webrtc.RTPSender, logger *slog.Logger) *audioPath {
	ctx, cancel := context.WithCancel(context.Background())
	return &audioPath{
		m:      m.withDefaults(),
		track:  track,
		sender: sender,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// connected starts sending local audio and reports the selected pair.
func (p *audioPath) connected() string {
	go p.capture()
	return selectedPair(p.sender)
}

func (p *audioPath) stop() { p.cancel() }

func (p *audioPath) capture() {
	ticker := time.NewTicker(audio.FrameDuration)
	defer ticker.Stop()
	frame := make([]int16, audio.FrameSamples)
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
		}
		if err := p.m.Source.Read(frame); err != nil {
			p.logger.Warn("audio source stopped", "err", err)
			return
		}
		payload := make([]byte, len(frame))
		audio.MulawEncode(frame, payload)
		err := p.track.WriteSample(media.Sample{Data: payload, Duration: audio.FrameDuration})
		if errors.Is(err, io.ErrClosedPipe) {
			return
		}
	}
}

// play decodes the remote track and runs it through the call's transform.
func (p *audioPath) play(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	if track.Kind() != webrtc.RTPCodecTypeAudio {
		return
	}
	codec := track.Codec().MimeType
	if !strings.EqualFold(codec, webrtc.MimeTypePCMU) {
		p.logger.Warn("unexpected remote codec, playback disabled", "codec", codec)
		return
	}
	p.logger.Info("remote audio track", "ssrc", track.SSRC())
	framer := audio.NewFramer(audio.FrameSamples, p.m.Transform, func(frame []int16) {
		if err := p.m.Sink.Write(frame); err != nil {
			p.logger.Debug("sink write", "err", err)
		}
	})
	var pcm []int16
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		if p.ctx.Err() != nil {
			return
		}
		if cap(pcm) < len(pkt.Payload) {
			pcm = make([]int16, len(pkt.Payload))
		}
		pcm = pcm[:len(pkt.Payload)]
		audio.MulawDecode(pkt.Payload, pcm)
		framer.Write(pcm)
	}
}

// drainRTCP keeps the interceptors running for the outbound track and logs
// what the remote reports about it.
func (p *audioPath) drainRTCP() {
	var last time.Time
	for {
		pkts, _, err := p.sender.ReadRTCP()
		if err != nil {
			return
		}
		if time.Since(last) < reportEvery {
			continue
		}
		for _, r := range receptionReports(pkts) {
			last = time.Now()
			p.logger.Debug("remote reception report",
				"ssrc", r.SSRC,
				"fraction_lost", float64(r.FractionLost)/256,
				"total_lost", r.TotalLost,
				"jitter", r.Jitter,
			)
		}
	}
}

const reportEvery = 5 * time.Second

func receptionReports(pkts []rtcp.Packet) (reports []rtcp.ReceptionReport) {
	for _, pkt := range pkts {
		switch pkt := pkt.(type) {
		case *rtcp.ReceiverReport:
			reports = append(reports, pkt.Reports...)
		case *rtcp.SenderReport:
			reports = append(reports, pkt.Reports...)
		}
	}
	return
}

func selectedPair(sender *webrtc.RTPSender) string {
	if sender == nil {
		return ""
	}
	dtls := sender.Transport()
	if dtls == nil {
		return ""
	}
	ice := dtls.ICETransport()
	if ice == nil {
		return ""
	}
	pair, err := ice.GetSelectedCandidatePair()
	if err != nil || pair == nil {
		return ""
	}
	return pair.String()
}
