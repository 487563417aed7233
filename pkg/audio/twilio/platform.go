// Package twilio adapts Twilio Media Streams to the [audio.Platform] and
// [audio.Connection] interfaces.
//
// Twilio calls the answer webhook when a call comes in; the TwiML response
// tells it to open a bidirectional websocket to the media handler. Each
// websocket becomes one [Connection] carrying 8 kHz μ-law audio in both
// directions.
package twilio

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/MrWong99/switchboard/pkg/audio"
)

var _ audio.Platform = (*Platform)(nil)

const (
	defaultStartTimeout  = 10 * time.Second
	defaultWriteTimeout  = 5 * time.Second
	defaultGreetingVoice = "alice"
)

// Option configures a [Platform].
type Option func(*Platform)

// WithGreeting sets the text spoken by Twilio before the media stream opens.
// An empty greeting skips the <Say> verb.
func WithGreeting(text, voice string) Option {
	return func(p *Platform) {
		p.greeting = text
		if voice != "" {
			p.greetingVoice = voice
		}
	}
}

// WithStartTimeout bounds how long the media handler waits for the stream's
// start event after the websocket upgrade.
func WithStartTimeout(d time.Duration) Option {
	return func(p *Platform) {
		if d > 0 {
			p.startTimeout = d
		}
	}
}

// WithWriteTimeout bounds every websocket write.
func WithWriteTimeout(d time.Duration) Option {
	return func(p *Platform) {
		if d > 0 {
			p.writeTimeout = d
		}
	}
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(p *Platform) {
		p.log = l
	}
}

// Platform serves Twilio's answer webhook and media stream websocket.
type Platform struct {
	greeting      string
	greetingVoice string
	startTimeout  time.Duration
	writeTimeout  time.Duration
	log           *slog.Logger
	upgrader      websocket.Upgrader
}

// New creates a Twilio platform.
func New(opts ...Option) *Platform {
	p := &Platform{
		greetingVoice: defaultGreetingVoice,
		startTimeout:  defaultStartTimeout,
		writeTimeout:  defaultWriteTimeout,
		log:           slog.Default(),
		upgrader: websocket.Upgrader{
			// Twilio does not send an Origin header we could check against.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Name implements [audio.Platform].
func (p *Platform) Name() string { return "twilio" }

// MediaHandler implements [audio.Platform]. It upgrades the request, waits
// for the stream's start event, and runs onConnect until it returns. The
// connection is closed afterwards.
func (p *Platform) MediaHandler(onConnect audio.ConnectHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := p.upgrader.Upgrade(w, r, nil)
		if err != nil {
			p.log.Warn("twilio: websocket upgrade failed", "err", err)
			return
		}

		start, err := p.awaitStart(ws)
		if err != nil {
			p.log.Warn("twilio: media stream did not start", "err", err)
			_ = ws.Close()
			return
		}

		conn := newConnection(ws, start, p.writeTimeout, p.log)
		conn.log.Info("twilio: media stream started", "format", conn.Format().String())

		ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
		defer cancel()
		go func() {
			select {
			case <-conn.Done():
				cancel()
			case <-ctx.Done():
			}
		}()

		onConnect(ctx, conn)
		_ = conn.Close()
		<-conn.readerDone
	})
}

// awaitStart reads messages until the start event arrives. The connected
// event that precedes it carries nothing of interest.
func (p *Platform) awaitStart(ws *websocket.Conn) (*startMessage, error) {
	if err := ws.SetReadDeadline(time.Now().Add(p.startTimeout)); err != nil {
		return nil, err
	}
	defer func() { _ = ws.SetReadDeadline(time.Time{}) }()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("twilio: read before start: %w", err)
		}
		var msg inboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Event {
		case "start":
			if msg.Start == nil {
				return nil, fmt.Errorf("twilio: start event without payload")
			}
			if msg.Start.StreamSID == "" {
				msg.Start.StreamSID = msg.StreamSID
			}
			return msg.Start, nil
		case "stop":
			return nil, fmt.Errorf("twilio: stream stopped before start")
		}
	}
}
