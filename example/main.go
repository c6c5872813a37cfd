package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/lainio/err2/try"
	"github.com/shynome/deepnoise"
	"github.com/shynome/deepnoise/audio"
	"github.com/shynome/deepnoise/call"
	"github.com/shynome/deepnoise/config"
	"github.com/shynome/deepnoise/signaler/local"
)

func main() {
	wait := flag.Duration("wait", 5*time.Second, "how long to keep the call up")
	flag.Parse()

	hub := newHub()
	ctx := context.Background()

	callee, meter := startCallee(ctx, hub)
	defer callee.Shutdown(ctx)
	caller := startCaller(ctx, hub)
	defer caller.Shutdown(ctx)

	caller.Call("callee")
	time.Sleep(*wait)

	s := try.To1(caller.Snapshot(ctx))
	log.Printf("caller: %s connected=%t, callee heard %d samples, peak %d", s.State, s.Connected, meter.Samples(), meter.Peak())
	caller.Hangup()
}

var loglevel = slog.LevelInfo

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: loglevel}))
}

func newHub() *local.Hub {
	hub := local.NewHub()
	hub.SetLogger(newLogger())
	return hub
}

// autoAnswer picks up every call pushed by the hub.
type autoAnswer struct {
	client *deepnoise.Client
	nick   string
}

func (a *autoAnswer) OnModelLoadFailure(err error) { log.Printf("%s: no filter: %v", a.nick, err) }
func (a *autoAnswer) OnCallRefused()               { log.Printf("%s: refused", a.nick) }
func (a *autoAnswer) OnCallEnded(r call.EndReason) { log.Printf("%s: ended: %s", a.nick, r) }
func (a *autoAnswer) OnNegotiationError(err error) { log.Printf("%s: negotiation: %v", a.nick, err) }

func newClient(ctx context.Context, hub *local.Hub, nick string, opts deepnoise.Options) *deepnoise.Client {
	server := local.NewServer()
	hub.Register(server)

	cfg := config.Default()
	cfg.Nickname = nick
	cfg.Transport = config.TransportLocal
	cfg.Signaling.LoginTimeout = 100 * time.Millisecond

	opts.Config = cfg
	opts.Channel = server
	opts.Logger = newLogger()
	client := try.To1(deepnoise.New(opts))
	try.To(client.Start(ctx))
	return client
}

func startCallee(ctx context.Context, hub *local.Hub) (*deepnoise.Client, *audio.Meter) {
	meter := &audio.Meter{}
	ui := &autoAnswer{nick: "callee"}
	ui.client = newClient(ctx, hub, "callee", deepnoise.Options{
		UI:     ui,
		Sink:   meter,
		Loader: lowPass,
	})
	hub.SetNotifier(func(to, caller, callID string) {
		if to != "callee" {
			return
		}
		ui.client.Incoming(caller, callID)
		ui.client.Accept()
	})
	return ui.client, meter
}

func startCaller(ctx context.Context, hub *local.Hub) *deepnoise.Client {
	ui := &autoAnswer{nick: "caller"}
	ui.client = newClient(ctx, hub, "caller", deepnoise.Options{
		UI:     ui,
		Source: &audio.Tone{Freq: 440},
	})
	return ui.client
}

// lowPass stands in for a trained model.
var lowPass = audio.LoaderFunc(func(context.Context) (audio.Transform, error) {
	m := audio.Model{Cutoff: 0.25, KernelSize: 31}
	return m.Build()
})
