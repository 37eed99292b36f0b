// Package emitter publishes detected poses to an MQTT broker.
package emitter

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/e7canasta/orion-pose-capture/internal/types"
)

// DefaultTopic is the topic prefix; poses go to <prefix>/poses
const DefaultTopic = "posecap"

const (
	connectTimeout = 5 * time.Second
	publishTimeout = 2 * time.Second
)

// Options configures the emitter
type Options struct {
	// Broker is host:port
	Broker string
	// Topic is the topic prefix (default DefaultTopic)
	Topic string
	// ClientID defaults to posecap-<uuid>
	ClientID string
	// QoS for pose messages
	QoS byte
}

// MQTTEmitter publishes one JSON message per frame.
//
// It is a display.Renderer: Render never blocks on the broker and never
// fails the pipeline; publish failures are counted and logged.
type MQTTEmitter struct {
	opts   Options
	Client mqtt.Client

	mu        sync.RWMutex
	published uint64
	errors    uint64
	connected bool
	pending   sync.WaitGroup
}

// NewMQTTEmitter creates an emitter. Call Connect before Render.
func NewMQTTEmitter(opts Options) *MQTTEmitter {
	if opts.Topic == "" {
		opts.Topic = DefaultTopic
	}
	if opts.ClientID == "" {
		opts.ClientID = "posecap-" + uuid.NewString()[:8]
	}
	return &MQTTEmitter{opts: opts}
}

// Topic returns the pose topic.
func (e *MQTTEmitter) Topic() string {
	return e.opts.Topic + "/poses"
}

// Connect establishes the connection. The client keeps retrying in the
// background after a timeout, so the emitter stays usable.
func (e *MQTTEmitter) Connect() error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", e.opts.Broker))
	opts.SetClientID(e.opts.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		e.setConnected(true)
		slog.Info("emitter: mqtt connection established",
			"broker", e.opts.Broker,
			"client_id", e.opts.ClientID,
		)
	}

	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.setConnected(false)
		slog.Warn("emitter: mqtt connection lost, will auto-reconnect",
			"error", err,
			"broker", e.opts.Broker,
		)
	}

	e.Client = mqtt.NewClient(opts)

	slog.Info("emitter: connecting to mqtt broker", "broker", e.opts.Broker)

	token := e.Client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("emitter: mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("emitter: mqtt connection failed: %w", err)
	}

	e.setConnected(true)
	return nil
}

// Render publishes the result of one frame. Frames without poses are skipped.
func (e *MQTTEmitter) Render(frame types.Frame, result types.Result) error {
	if len(result.Poses) == 0 {
		return nil
	}
	if e.Client == nil || !e.isConnected() {
		e.countError()
		return nil
	}

	payload, err := Payload(frame, result)
	if err != nil {
		e.countError()
		slog.Warn("emitter: failed to marshal poses", "seq", frame.Seq, "error", err)
		return nil
	}

	topic := e.Topic()
	token := e.Client.Publish(topic, e.opts.QoS, false, payload)

	e.pending.Add(1)
	go e.await(token, frame.Seq, len(payload))
	return nil
}

// await settles one publish off the main loop.
func (e *MQTTEmitter) await(token mqtt.Token, seq uint64, size int) {
	defer e.pending.Done()

	if !token.WaitTimeout(publishTimeout) {
		e.countError()
		slog.Warn("emitter: publish timeout", "seq", seq)
		return
	}
	if err := token.Error(); err != nil {
		e.countError()
		slog.Warn("emitter: publish failed", "seq", seq, "error", err)
		return
	}

	e.mu.Lock()
	e.published++
	e.mu.Unlock()

	slog.Debug("emitter: poses published", "seq", seq, "size", size)
}

// Close waits for in-flight publishes and disconnects.
func (e *MQTTEmitter) Close() error {
	e.pending.Wait()

	if e.Client != nil && e.Client.IsConnected() {
		e.Client.Disconnect(250) // 250ms grace period
		slog.Info("emitter: mqtt disconnected")
	}
	e.setConnected(false)
	return nil
}

// Stats contains emitter statistics
type Stats struct {
	Connected bool   `json:"connected"`
	Published uint64 `json:"published"`
	Errors    uint64 `json:"errors"`
}

// Stats returns emitter statistics
func (e *MQTTEmitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Stats{
		Connected: e.connected,
		Published: e.published,
		Errors:    e.errors,
	}
}

func (e *MQTTEmitter) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

func (e *MQTTEmitter) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

func (e *MQTTEmitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}

type message struct {
	Seq       uint64        `json:"seq"`
	TraceID   string        `json:"trace_id"`
	Timestamp string        `json:"timestamp"`
	LatencyMS float64       `json:"latency_ms"`
	Poses     []posePayload `json:"poses"`
}

type posePayload struct {
	ID        int                      `json:"id"`
	Keypoints map[string]pointPayload `json:"keypoints"`
}

type pointPayload struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Score float64 `json:"score"`
}

// Payload renders the JSON message for one frame. Only visible keypoints
// are included, keyed by name.
func Payload(frame types.Frame, result types.Result) ([]byte, error) {
	msg := message{
		Seq:       result.Seq,
		TraceID:   frame.TraceID,
		Timestamp: result.Timestamp.UTC().Format(time.RFC3339Nano),
		LatencyMS: float64(result.Latency.Microseconds()) / 1000,
		Poses:     make([]posePayload, 0, len(result.Poses)),
	}

	for _, p := range result.Poses {
		kps := make(map[string]pointPayload, len(p.Keypoints))
		for _, kp := range p.Keypoints {
			if !kp.Visible {
				continue
			}
			kps[kp.Name] = pointPayload{X: kp.X, Y: kp.Y, Score: kp.Score}
		}
		msg.Poses = append(msg.Poses, posePayload{ID: p.ID, Keypoints: kps})
	}

	return json.Marshal(msg)
}
