package twilio

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/MrWong99/switchboard/pkg/audio"
)

var _ audio.Connection = (*Connection)(nil)

const (
	inputChannelBuffer = 256
	eventChannelBuffer = 16
)

// Connection is one Twilio media stream. A single reader goroutine decodes
// inbound events; writes are serialised by a mutex because gorilla/websocket
// allows only one concurrent writer.
type Connection struct {
	ws           *websocket.Conn
	info         audio.CallInfo
	format       audio.Format
	writeTimeout time.Duration
	log          *slog.Logger

	input      chan audio.AudioFrame
	events     chan audio.Event
	done       chan struct{}
	readerDone chan struct{}

	writeMu sync.Mutex

	mu      sync.Mutex
	closing bool
	err     error
	once    sync.Once
}

func newConnection(ws *websocket.Conn, start *startMessage, writeTimeout time.Duration, log *slog.Logger) *Connection {
	info := audio.CallInfo{
		CallID:     start.CallSID,
		StreamID:   start.StreamSID,
		AccountID:  start.AccountSID,
		Parameters: start.CustomParams,
	}
	if info.Parameters != nil {
		info.From = info.Parameters[ParamCaller]
	}

	c := &Connection{
		ws:           ws,
		info:         info,
		format:       formatOf(start.MediaFormat),
		writeTimeout: writeTimeout,
		log:          log.With("call_sid", info.CallID, "stream_sid", info.StreamID),
		input:        make(chan audio.AudioFrame, inputChannelBuffer),
		events:       make(chan audio.Event, eventChannelBuffer),
		done:         make(chan struct{}),
		readerDone:   make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// formatOf maps Twilio's media format description. Twilio names μ-law
// "audio/x-mulaw".
func formatOf(mf mediaFormat) audio.Format {
	f := audio.TelephonyFormat
	if mf.SampleRate > 0 {
		f.SampleRate = mf.SampleRate
	}
	if mf.Channels > 0 {
		f.Channels = mf.Channels
	}
	if mf.Encoding != "" && !strings.Contains(mf.Encoding, "mulaw") {
		f.Encoding = audio.EncodingPCM16
	}
	return f
}

// Info implements [audio.Connection].
func (c *Connection) Info() audio.CallInfo { return c.info }

// Format implements [audio.Connection].
func (c *Connection) Format() audio.Format { return c.format }

// InputStream implements [audio.Connection].
func (c *Connection) InputStream() <-chan audio.AudioFrame { return c.input }

// Events implements [audio.Connection].
func (c *Connection) Events() <-chan audio.Event { return c.events }

// Done implements [audio.Connection].
func (c *Connection) Done() <-chan struct{} { return c.done }

// Err implements [audio.Connection].
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Send implements [audio.Connection]. The frame is sent as one base64 media
// message; frames must already be in the connection format.
func (c *Connection) Send(ctx context.Context, frame audio.AudioFrame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(frame.Data) == 0 {
		return nil
	}
	return c.write(outboundMessage{
		Event:     "media",
		StreamSID: c.info.StreamID,
		Media:     &mediaPayload{Payload: base64.StdEncoding.EncodeToString(frame.Data)},
	})
}

// Clear implements [audio.Connection]. Twilio drops all buffered outbound
// audio and acknowledges pending marks.
func (c *Connection) Clear() error {
	return c.write(outboundMessage{Event: "clear", StreamSID: c.info.StreamID})
}

// Mark implements [audio.Connection].
func (c *Connection) Mark(name string) error {
	return c.write(outboundMessage{
		Event:     "mark",
		StreamSID: c.info.StreamID,
		Mark:      &markPayload{Name: name},
	})
}

// Close implements [audio.Connection]. It sends a close frame and tears the
// socket down; the reader goroutine then closes the channels.
func (c *Connection) Close() error {
	c.mu.Lock()
	alreadyClosing := c.closing
	c.closing = true
	c.mu.Unlock()
	if alreadyClosing {
		return nil
	}

	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(c.writeTimeout))
	c.writeMu.Unlock()

	c.terminate(nil)
	return c.ws.Close()
}

func (c *Connection) write(msg outboundMessage) error {
	select {
	case <-c.done:
		return audio.ErrConnectionClosed
	default:
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("twilio: encode %s: %w", msg.Event, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return c.fail(fmt.Errorf("%w: set write deadline: %w", audio.ErrTransport, err))
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return c.fail(fmt.Errorf("%w: write %s: %w", audio.ErrTransport, msg.Event, err))
	}
	return nil
}

// fail records err as the termination reason and closes the socket so the
// reader goroutine unblocks.
func (c *Connection) fail(err error) error {
	c.terminate(err)
	_ = c.ws.Close()
	return err
}

func (c *Connection) terminate(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *Connection) readLoop() {
	defer close(c.readerDone)
	defer close(c.events)
	defer close(c.input)

	var received int64
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.mu.Lock()
			closing := c.closing
			c.mu.Unlock()
			switch {
			case closing:
				c.terminate(nil)
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				c.log.Debug("twilio: websocket closed by peer")
				c.terminate(nil)
			default:
				c.log.Warn("twilio: read failed", "err", err)
				c.terminate(fmt.Errorf("%w: read: %w", audio.ErrTransport, err))
			}
			return
		}

		var msg inboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Debug("twilio: skipping malformed message", "err", err)
			continue
		}

		switch msg.Event {
		case "media":
			if msg.Media == nil || msg.Media.Payload == "" {
				continue
			}
			if msg.Media.Track != "" && msg.Media.Track != "inbound" {
				continue
			}
			payload, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
			if err != nil {
				c.log.Debug("twilio: bad media payload", "err", err)
				continue
			}
			frame := audio.AudioFrame{
				Data:       payload,
				Encoding:   c.format.Encoding,
				SampleRate: c.format.SampleRate,
				Channels:   c.format.Channels,
				Timestamp:  c.format.Duration(int(received)),
			}
			received += int64(len(payload))
			select {
			case c.input <- frame:
			case <-c.done:
			}

		case "dtmf":
			if msg.DTMF != nil {
				c.emit(audio.Event{Type: audio.EventDTMF, Value: msg.DTMF.Digit})
			}

		case "mark":
			if msg.Mark != nil {
				c.emit(audio.Event{Type: audio.EventMark, Value: msg.Mark.Name})
			}

		case "stop":
			c.log.Info("twilio: media stream stopped")
			c.terminate(nil)
			c.mu.Lock()
			c.closing = true
			c.mu.Unlock()
			_ = c.ws.Close()
			return
		}
	}
}

// emit delivers an event without blocking the reader; events are advisory
// and dropped when nobody keeps up.
func (c *Connection) emit(ev audio.Event) {
	select {
	case c.events <- ev:
	default:
		c.log.Debug("twilio: event dropped", "type", ev.Type.String(), "value", ev.Value)
	}
}

