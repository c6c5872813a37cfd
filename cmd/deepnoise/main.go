package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/lainio/err2"
	"github.com/lainio/err2/try"
	"github.com/shynome/deepnoise"
	"github.com/shynome/deepnoise/audio"
	"github.com/shynome/deepnoise/call"
	"github.com/shynome/deepnoise/config"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "deepnoise: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, in io.Reader, out io.Writer) (err error) {
	defer err2.Handle(&err)

	flags := pflag.NewFlagSet("deepnoise", pflag.ContinueOnError)
	cfgPath := flags.StringP("config", "c", os.Getenv(config.EnvPrefix+"CONFIG"), "yaml config file")
	server := flags.String("server", "", "signaling server address")
	nick := flags.StringP("nick", "n", "", "nickname to log in with")
	transport := flags.String("transport", "", "signaling transport: ws or sse")
	model := flags.String("model", "", "audio filter model file")
	level := flags.String("log-level", "", "debug, info, warn or error")
	icePort := flags.Uint16("ice-port", 0, "serve all ICE traffic on this UDP port")
	stun := flags.StringSlice("stun", nil, "STUN server urls")
	tone := flags.Float64("tone", 0, "send a test tone of this frequency instead of silence")
	if err := flags.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	cfg := try.To1(config.Load(*cfgPath))
	changed := func(name string) bool { return flags.Changed(name) }
	if changed("server") {
		cfg.Server = *server
	}
	if changed("nick") {
		cfg.Nickname = *nick
	}
	if changed("transport") {
		cfg.Transport = config.Transport(*transport)
	}
	if changed("model") {
		cfg.ModelPath = *model
	}
	if changed("log-level") {
		cfg.LogLevel = *level
	}
	if changed("ice-port") {
		cfg.ICE.Port = *icePort
	}
	if changed("stun") {
		cfg.ICE.STUN = *stun
	}
	try.To(cfg.Validate())

	lvl := try.To1(cfg.Level())
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))

	var source audio.Source = audio.Silence
	if *tone > 0 {
		source = &audio.Tone{Freq: *tone, Amplitude: 8000}
	}
	meter := &audio.Meter{}
	ui := &console{out: out}

	client := try.To1(deepnoise.New(deepnoise.Options{
		Config: cfg,
		UI:     ui,
		Source: source,
		Sink:   meter,
		Logger: logger,
	}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	try.To(client.Start(ctx))
	ui.printf("logged in as %s. commands: call <nick>, incoming <nick> <call id>, accept, refuse, hangup, status, quit\n", cfg.Nickname)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case line, ok := <-lines:
			if !ok {
				break loop
			}
			if quit := command(ctx, client, ui, meter, strings.Fields(line)); quit {
				break loop
			}
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return client.Shutdown(shutdownCtx)
}

func command(ctx context.Context, client *deepnoise.Client, ui *console, meter *audio.Meter, fields []string) (quit bool) {
	if len(fields) == 0 {
		return false
	}
	switch cmd, args := fields[0], fields[1:]; {
	case cmd == "call" && len(args) == 1:
		client.Call(args[0])
	case cmd == "incoming" && len(args) == 2:
		client.Incoming(args[0], args[1])
	case cmd == "accept":
		client.Accept()
	case cmd == "refuse":
		client.Refuse()
	case cmd == "hangup":
		client.Hangup()
	case cmd == "status":
		s, err := client.Snapshot(ctx)
		if err != nil {
			ui.printf("status: %v\n", err)
			break
		}
		ui.printf("%s peer=%q call=%q connected=%t degraded=%t samples=%d peak=%d\n",
			s.State, s.Peer, s.CallID, s.Connected, s.Degraded, meter.Samples(), meter.Peak())
	case cmd == "quit" || cmd == "exit":
		return true
	default:
		ui.printf("unknown command %q\n", strings.Join(fields, " "))
	}
	return false
}

type console struct{ out io.Writer }

var _ call.UI = (*console)(nil)

func (c *console) printf(format string, args ...any) { fmt.Fprintf(c.out, format, args...) }

func (c *console) OnModelLoadFailure(err error) {
	c.printf("audio filter unavailable, continuing without it: %v\n", err)
}

func (c *console) OnCallRefused()               { c.printf("call refused\n") }
func (c *console) OnCallEnded(r call.EndReason) { c.printf("call ended: %s\n", r) }
func (c *console) OnNegotiationError(err error) { c.printf("negotiation error: %v\n", err) }
