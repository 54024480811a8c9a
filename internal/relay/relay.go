// Package relay broadcasts capture pipeline events to display clients over
// WebSocket.
//
// A [Hub] accepts connections on its HTTP handler and fans out JSON events:
// per-block volume readings, conditioned microphone audio, returned agent
// audio, transcripts, speech segment summaries, and status snapshots. The
// publish side never blocks: a client that cannot drain its buffer is
// dropped so the capture pipeline stays realtime regardless of how slow the
// displays are.
//
// Microphone audio is broadcast either as raw PCM16 or re-encoded into Opus
// packets, depending on the configured encoding.
package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/murmurlink/murmurlink/internal/capture"
	"github.com/murmurlink/murmurlink/internal/observe"
	"github.com/murmurlink/murmurlink/pkg/audio"
	"github.com/murmurlink/murmurlink/pkg/provider/speech"
)

// Encoding selects the wire format of broadcast microphone audio.
type Encoding string

// Supported broadcast encodings.
const (
	EncodingPCM16 Encoding = "pcm16"
	EncodingOpus  Encoding = "opus"
)

const (
	// defaultClientBuffer is the per-client message queue depth. A client
	// whose queue is full when an event arrives is evicted.
	defaultClientBuffer = 32

	// writeTimeout bounds a single WebSocket write so one stuck socket
	// cannot pin its writer goroutine.
	writeTimeout = 5 * time.Second
)

// Config configures a [Hub].
type Config struct {
	// Encoding is the microphone audio wire format. Defaults to pcm16.
	Encoding Encoding

	// SampleRate is required for Opus encoding; ignored for pcm16.
	SampleRate int

	// ClientBuffer is the per-client queue depth. Defaults to 32 if zero.
	ClientBuffer int

	// Metrics, when non-nil, receives client connect/disconnect and
	// eviction counts.
	Metrics *observe.Metrics
}

// Status is a snapshot of the capture pipeline broadcast to displays.
type Status struct {
	Capturing  bool    `json:"capturing"`
	Speaking   bool    `json:"speaking"`
	VoiceFocus bool    `json:"voice_focus"`
	Gain       float64 `json:"gain"`
	NoiseFloor float64 `json:"noise_floor"`
}

// Wire events. Data fields of type []byte marshal as base64 strings.
type volumeEvent struct {
	Type     string  `json:"type"`
	RMS      float64 `json:"rms"`
	DBFS     float64 `json:"dbfs"`
	Speaking bool    `json:"speaking"`
}

type audioEvent struct {
	Type     string `json:"type"`
	Encoding string `json:"encoding"`
	Data     []byte `json:"data"`
}

type transcriptEvent struct {
	Type string    `json:"type"`
	Role string    `json:"role"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

type segmentEvent struct {
	Type    string  `json:"type"`
	Blocks  int     `json:"blocks"`
	PeakRMS float64 `json:"peak_rms"`
	MeanRMS float64 `json:"mean_rms"`
}

type statusEvent struct {
	Type string `json:"type"`
	Status
}

// client is one connected display. msgs is closed exactly once, either on
// eviction or hub shutdown, which tells the serving goroutine to hang up.
type client struct {
	msgs      chan []byte
	onClose   func()
	closeOnce sync.Once
}

func (c *client) closeMsgs() {
	c.closeOnce.Do(func() {
		close(c.msgs)
		if c.onClose != nil {
			c.onClose()
		}
	})
}

// Hub is a WebSocket broadcast hub. Publish methods are safe for concurrent
// use and never block.
type Hub struct {
	sampleRate int
	metrics    *observe.Metrics

	// encMu guards the encoding selection and the Opus encoder state.
	encMu    sync.Mutex
	encoding Encoding
	enc      *audio.OpusEncoder

	mu           sync.Mutex
	clientBuffer int
	clients      map[*client]struct{}
	closed       bool
	done         chan struct{}

	evicted atomic.Uint64
}

// New creates a Hub from cfg. Opus encoding requires a sample rate the codec
// supports; the encoder error is returned here rather than at publish time.
func New(cfg Config) (*Hub, error) {
	encoding := cfg.Encoding
	if encoding == "" {
		encoding = EncodingPCM16
	}
	clientBuffer := cfg.ClientBuffer
	if clientBuffer <= 0 {
		clientBuffer = defaultClientBuffer
	}

	h := &Hub{
		sampleRate:   cfg.SampleRate,
		metrics:      cfg.Metrics,
		encoding:     encoding,
		clientBuffer: clientBuffer,
		clients:      make(map[*client]struct{}),
		done:         make(chan struct{}),
	}

	if encoding == EncodingOpus {
		enc, err := audio.NewOpusEncoder(cfg.SampleRate)
		if err != nil {
			return nil, err
		}
		h.enc = enc
	}
	return h, nil
}

// ServeHTTP upgrades the request to a WebSocket and streams hub events to it
// until the client disconnects, falls behind, or the hub closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("relay accept failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer conn.CloseNow()

	cl := &client{msgs: make(chan []byte, h.bufferSize()), onClose: h.clientGone}
	if !h.addClient(cl) {
		conn.Close(websocket.StatusGoingAway, "shutting down")
		return
	}
	defer h.removeClient(cl)

	slog.Debug("relay client connected", "remote", r.RemoteAddr)

	// CloseRead discards inbound frames and cancels the context when the
	// peer goes away.
	ctx := conn.CloseRead(r.Context())

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			conn.Close(websocket.StatusGoingAway, "shutting down")
			return
		case msg, ok := <-cl.msgs:
			if !ok {
				conn.Close(websocket.StatusPolicyViolation, "client too slow")
				return
			}
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Write(wctx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// PublishVolume broadcasts a per-block loudness reading.
func (h *Hub) PublishVolume(rms float64, speaking bool) {
	h.broadcast(volumeEvent{
		Type:     "volume",
		RMS:      rms,
		DBFS:     capture.DBFS(rms),
		Speaking: speaking,
	})
}

// PublishAudio broadcasts a conditioned microphone chunk, re-encoding to
// Opus when that mode is configured. Opus frames that do not fill from this
// chunk are buffered for the next call.
func (h *Hub) PublishAudio(chunk []byte) {
	h.encMu.Lock()
	if h.encoding != EncodingOpus {
		h.encMu.Unlock()
		h.broadcast(audioEvent{Type: "audio", Encoding: string(EncodingPCM16), Data: chunk})
		return
	}
	packets, err := h.enc.Encode(chunk)
	h.encMu.Unlock()
	if err != nil {
		slog.Warn("relay opus encode failed", "error", err)
		return
	}
	for _, pkt := range packets {
		h.broadcast(audioEvent{Type: "audio", Encoding: string(EncodingOpus), Data: pkt})
	}
}

// Reconfigure applies hot-reloaded relay settings. The client buffer depth
// takes effect for clients connecting afterwards; an encoding switch takes
// effect on the next published chunk.
func (h *Hub) Reconfigure(cfg Config) error {
	encoding := cfg.Encoding
	if encoding == "" {
		encoding = EncodingPCM16
	}

	var enc *audio.OpusEncoder
	if encoding == EncodingOpus {
		e, err := audio.NewOpusEncoder(h.sampleRate)
		if err != nil {
			return err
		}
		enc = e
	}

	h.encMu.Lock()
	h.encoding = encoding
	h.enc = enc
	h.encMu.Unlock()

	h.mu.Lock()
	if cfg.ClientBuffer > 0 {
		h.clientBuffer = cfg.ClientBuffer
	} else {
		h.clientBuffer = defaultClientBuffer
	}
	h.mu.Unlock()
	return nil
}

func (h *Hub) bufferSize() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.clientBuffer
}

// PublishAgentAudio broadcasts a returned agent audio chunk. Agent audio is
// always raw PCM16: it arrives at the provider's sample rate, which the
// microphone-tuned Opus encoder is not set up for.
func (h *Hub) PublishAgentAudio(chunk []byte) {
	h.broadcast(audioEvent{Type: "agent_audio", Encoding: string(EncodingPCM16), Data: chunk})
}

// PublishTranscript broadcasts a transcript entry.
func (h *Hub) PublishTranscript(t speech.Transcript) {
	h.broadcast(transcriptEvent{Type: "transcript", Role: t.Role, Text: t.Text, At: t.At})
}

// PublishSegment broadcasts a finished speech segment summary.
func (h *Hub) PublishSegment(stats capture.SegmentStats) {
	h.broadcast(segmentEvent{
		Type:    "segment",
		Blocks:  stats.Blocks,
		PeakRMS: stats.PeakRMS,
		MeanRMS: stats.MeanRMS,
	})
}

// PublishStatus broadcasts a pipeline status snapshot.
func (h *Hub) PublishStatus(s Status) {
	h.broadcast(statusEvent{Type: "status", Status: s})
}

// Clients returns the number of connected display clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Evicted returns the number of clients dropped for falling behind.
func (h *Hub) Evicted() uint64 {
	return h.evicted.Load()
}

// Close disconnects all clients and makes further publishes no-ops. Safe to
// call multiple times.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	close(h.done)
	for cl := range h.clients {
		cl.closeMsgs()
		delete(h.clients, cl)
	}
	h.mu.Unlock()
	return nil
}

// broadcast marshals the event once and enqueues it to every client. A
// client with a full queue is evicted on the spot.
func (h *Hub) broadcast(event any) {
	msg, err := json.Marshal(event)
	if err != nil {
		slog.Warn("relay marshal failed", "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	for cl := range h.clients {
		select {
		case cl.msgs <- msg:
		default:
			delete(h.clients, cl)
			cl.closeMsgs()
			h.evicted.Add(1)
			if h.metrics != nil {
				h.metrics.RelayEvicted.Add(context.Background(), 1)
			}
			slog.Warn("relay client evicted", "reason", "queue full")
		}
	}
}

func (h *Hub) addClient(cl *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[cl] = struct{}{}
	if h.metrics != nil {
		h.metrics.RelayClients.Add(context.Background(), 1)
	}
	return true
}

// clientGone runs once per registered client, from closeMsgs, regardless of
// whether the client disconnected, was evicted, or the hub shut down.
func (h *Hub) clientGone() {
	if h.metrics != nil {
		h.metrics.RelayClients.Add(context.Background(), -1)
	}
}

func (h *Hub) removeClient(cl *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, cl)
	cl.closeMsgs()
}
