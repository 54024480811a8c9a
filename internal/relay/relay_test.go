package relay_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/murmurlink/murmurlink/internal/capture"
	"github.com/murmurlink/murmurlink/internal/observe"
	"github.com/murmurlink/murmurlink/internal/relay"
	"github.com/murmurlink/murmurlink/pkg/provider/speech"
)

// wsURL converts an httptest server URL to a ws:// URL.
func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

// waitFor polls cond until it returns true or the timeout elapses.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

func newHub(t *testing.T, cfg relay.Config) *relay.Hub {
	t.Helper()
	h, err := relay.New(cfg)
	if err != nil {
		t.Fatalf("relay.New: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

// dial connects a display client to the hub and waits for registration.
func dial(t *testing.T, h *relay.Hub, srvURL string, want int) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(srvURL), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	waitFor(t, time.Second, func() bool { return h.Clients() >= want }, "client never registered")
	return conn
}

// readEvent reads one JSON event from the connection into v.
func readEvent(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
}

func TestHubBroadcastsToAllClients(t *testing.T) {
	t.Parallel()

	h := newHub(t, relay.Config{})
	srv := httptest.NewServer(h)
	defer srv.Close()

	c1 := dial(t, h, srv.URL, 1)
	c2 := dial(t, h, srv.URL, 2)

	h.PublishTranscript(speech.Transcript{Role: "user", Text: "testing one two", At: time.Now()})

	for _, conn := range []*websocket.Conn{c1, c2} {
		var got struct {
			Type string `json:"type"`
			Role string `json:"role"`
			Text string `json:"text"`
		}
		readEvent(t, conn, &got)
		if got.Type != "transcript" || got.Role != "user" || got.Text != "testing one two" {
			t.Errorf("event = %+v", got)
		}
	}
}

func TestHubVolumeEvent(t *testing.T) {
	t.Parallel()

	h := newHub(t, relay.Config{})
	srv := httptest.NewServer(h)
	defer srv.Close()

	conn := dial(t, h, srv.URL, 1)

	h.PublishVolume(0.25, true)

	var got struct {
		Type     string  `json:"type"`
		RMS      float64 `json:"rms"`
		DBFS     float64 `json:"dbfs"`
		Speaking bool    `json:"speaking"`
	}
	readEvent(t, conn, &got)
	if got.Type != "volume" {
		t.Errorf("type = %q, want volume", got.Type)
	}
	if got.RMS != 0.25 {
		t.Errorf("rms = %v, want 0.25", got.RMS)
	}
	if got.DBFS > -12 || got.DBFS < -12.1 {
		t.Errorf("dbfs = %v, want about -12.04", got.DBFS)
	}
	if !got.Speaking {
		t.Error("speaking = false, want true")
	}
}

func TestHubAudioEventPCM16(t *testing.T) {
	t.Parallel()

	h := newHub(t, relay.Config{Encoding: relay.EncodingPCM16})
	srv := httptest.NewServer(h)
	defer srv.Close()

	conn := dial(t, h, srv.URL, 1)

	chunk := []byte{0x01, 0x02, 0x03, 0x04}
	h.PublishAudio(chunk)

	var got struct {
		Type     string `json:"type"`
		Encoding string `json:"encoding"`
		Data     []byte `json:"data"`
	}
	readEvent(t, conn, &got)
	if got.Type != "audio" || got.Encoding != "pcm16" {
		t.Errorf("event type/encoding = %q/%q", got.Type, got.Encoding)
	}
	if !bytes.Equal(got.Data, chunk) {
		t.Errorf("data = %v, want %v", got.Data, chunk)
	}
}

func TestHubAudioEventOpus(t *testing.T) {
	t.Parallel()

	h := newHub(t, relay.Config{Encoding: relay.EncodingOpus, SampleRate: 16000})
	srv := httptest.NewServer(h)
	defer srv.Close()

	conn := dial(t, h, srv.URL, 1)

	// One 20 ms frame at 16 kHz: 320 samples, 640 bytes of PCM16.
	h.PublishAudio(make([]byte, 640))

	var got struct {
		Type     string `json:"type"`
		Encoding string `json:"encoding"`
		Data     []byte `json:"data"`
	}
	readEvent(t, conn, &got)
	if got.Type != "audio" || got.Encoding != "opus" {
		t.Errorf("event type/encoding = %q/%q", got.Type, got.Encoding)
	}
	if len(got.Data) == 0 {
		t.Error("opus packet is empty")
	}
}

func TestHubSegmentEvent(t *testing.T) {
	t.Parallel()

	h := newHub(t, relay.Config{})
	srv := httptest.NewServer(h)
	defer srv.Close()

	conn := dial(t, h, srv.URL, 1)

	h.PublishSegment(capture.SegmentStats{Blocks: 12, PeakRMS: 0.6, MeanRMS: 0.3})

	var got struct {
		Type    string  `json:"type"`
		Blocks  int     `json:"blocks"`
		PeakRMS float64 `json:"peak_rms"`
		MeanRMS float64 `json:"mean_rms"`
	}
	readEvent(t, conn, &got)
	if got.Type != "segment" || got.Blocks != 12 || got.PeakRMS != 0.6 || got.MeanRMS != 0.3 {
		t.Errorf("event = %+v", got)
	}
}

func TestHubStatusEvent(t *testing.T) {
	t.Parallel()

	h := newHub(t, relay.Config{})
	srv := httptest.NewServer(h)
	defer srv.Close()

	conn := dial(t, h, srv.URL, 1)

	h.PublishStatus(relay.Status{Capturing: true, VoiceFocus: true, Gain: 2.5})

	var got struct {
		Type       string  `json:"type"`
		Capturing  bool    `json:"capturing"`
		VoiceFocus bool    `json:"voice_focus"`
		Gain       float64 `json:"gain"`
	}
	readEvent(t, conn, &got)
	if got.Type != "status" || !got.Capturing || !got.VoiceFocus || got.Gain != 2.5 {
		t.Errorf("event = %+v", got)
	}
}

func TestHubEvictsSlowClient(t *testing.T) {
	t.Parallel()

	h := newHub(t, relay.Config{ClientBuffer: 1})
	srv := httptest.NewServer(h)
	defer srv.Close()

	dial(t, h, srv.URL, 1)

	// The client never reads. Keep publishing large chunks until the socket
	// buffers fill, the writer stalls, and the queue overflows.
	chunk := make([]byte, 8192)
	for i := 0; i < 100000 && h.Evicted() == 0; i++ {
		h.PublishAudio(chunk)
	}
	if h.Evicted() == 0 {
		t.Fatal("slow client was never evicted")
	}
	waitFor(t, time.Second, func() bool { return h.Clients() == 0 }, "evicted client still registered")
}

func TestHubClientDisconnectUnregisters(t *testing.T) {
	t.Parallel()

	h := newHub(t, relay.Config{})
	srv := httptest.NewServer(h)
	defer srv.Close()

	conn := dial(t, h, srv.URL, 1)
	conn.Close(websocket.StatusNormalClosure, "")

	waitFor(t, time.Second, func() bool { return h.Clients() == 0 }, "client never unregistered")
}

func TestHubCloseDisconnectsClients(t *testing.T) {
	t.Parallel()

	h := newHub(t, relay.Config{})
	srv := httptest.NewServer(h)
	defer srv.Close()

	conn := dial(t, h, srv.URL, 1)

	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, _, err := conn.Read(ctx); err == nil {
		t.Error("expected read error after hub close")
	}

	// Publishing after close must be a no-op, not a panic.
	h.PublishVolume(0.1, false)
	if got := h.Clients(); got != 0 {
		t.Errorf("Clients() = %d, want 0", got)
	}
}

func TestHubRecordsClientMetrics(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	h := newHub(t, relay.Config{ClientBuffer: 1, Metrics: m})
	srv := httptest.NewServer(h)
	defer srv.Close()

	dial(t, h, srv.URL, 1)
	dial(t, h, srv.URL, 2)

	if got := clientMetricSum(t, reader, "murmurlink.relay.clients"); got != 2 {
		t.Fatalf("relay.clients = %d, want 2", got)
	}

	// Evict both: neither client reads, so publishing overflows their queues.
	chunk := make([]byte, 8192)
	for i := 0; i < 100000 && h.Evicted() < 2; i++ {
		h.PublishAudio(chunk)
	}
	if h.Evicted() < 2 {
		t.Fatal("slow clients were never evicted")
	}

	if got := clientMetricSum(t, reader, "murmurlink.relay.evicted"); got != 2 {
		t.Errorf("relay.evicted = %d, want 2", got)
	}
	if got := clientMetricSum(t, reader, "murmurlink.relay.clients"); got != 0 {
		t.Errorf("relay.clients = %d after eviction, want 0", got)
	}
}

// clientMetricSum collects and sums the data points of one int64 metric.
func clientMetricSum(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != name {
				continue
			}
			if sum, ok := met.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func TestHubReconfigureEncoding(t *testing.T) {
	t.Parallel()

	h := newHub(t, relay.Config{Encoding: relay.EncodingPCM16, SampleRate: 16000})
	srv := httptest.NewServer(h)
	defer srv.Close()

	conn := dial(t, h, srv.URL, 1)

	if err := h.Reconfigure(relay.Config{Encoding: relay.EncodingOpus, ClientBuffer: 8}); err != nil {
		t.Fatalf("Reconfigure: %v", err)
	}

	// One 20 ms frame at 16 kHz: 320 samples, 640 bytes of PCM16.
	h.PublishAudio(make([]byte, 640))

	var got struct {
		Type     string `json:"type"`
		Encoding string `json:"encoding"`
		Data     []byte `json:"data"`
	}
	readEvent(t, conn, &got)
	if got.Encoding != string(relay.EncodingOpus) {
		t.Errorf("encoding = %q, want %q after reconfigure", got.Encoding, relay.EncodingOpus)
	}
	if len(got.Data) == 0 {
		t.Error("opus packet is empty")
	}
}
