package registration

import (
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const publishTimeout = 2 * time.Second

// PoseMessage is the JSON payload for one published camera pose.
type PoseMessage struct {
	Index int     `json:"index"`
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Z     float64 `json:"z"`
}

// LoopMessage is the JSON payload describing one processed loop.
type LoopMessage struct {
	Start       int     `json:"start"`
	End         int     `json:"end"`
	Frames      int     `json:"frames"`
	MeanFitness float64 `json:"mean_fitness"`
}

type progressMessage struct {
	Processed int           `json:"processed"`
	Loops     []LoopMessage `json:"loops"`
	Timestamp int64         `json:"timestamp"`
}

type loopsMessage struct {
	Count     int           `json:"count"`
	Loops     []LoopMessage `json:"loops"`
	Timestamp int64         `json:"timestamp"`
}

type posesMessage struct {
	Count     int           `json:"count"`
	Poses     []PoseMessage `json:"poses"`
	Timestamp int64         `json:"timestamp"`
}

type meshMessage struct {
	Vertices  int   `json:"vertices"`
	Triangles int   `json:"triangles"`
	Timestamp int64 `json:"timestamp"`
}

// PosePublisher streams pipeline progress over MQTT. Each processed loop
// goes to its own retained topic plus a combined progress topic, so a
// dashboard subscribing mid-run still sees every loop. The aggregated
// camera poses and mesh statistics follow on their own topics.
//
// Topics under the prefix: loops/{start}, progress, loops, poses, mesh.
type PosePublisher struct {
	client mqtt.Client
	prefix string
	qos    byte
	retain bool

	mu    sync.Mutex
	loops map[int]LoopMessage // keyed by loop start index
}

// NewPosePublisher wraps an MQTT client. An empty prefix defaults to
// "roomscanner".
func NewPosePublisher(client mqtt.Client, prefix string) *PosePublisher {
	if prefix == "" {
		prefix = "roomscanner"
	}
	return &PosePublisher{
		client: client,
		prefix: prefix,
		qos:    0,    // fire and forget for progress updates
		retain: true, // late subscribers get the latest state
		loops:  make(map[int]LoopMessage),
	}
}

// DialPosePublisher connects to an MQTT broker and wraps the connection in
// a PosePublisher. Connection failures are reported immediately rather
// than retried; a batch run has nothing useful to do while waiting.
func DialPosePublisher(broker, clientID, prefix string) (*PosePublisher, error) {
	if clientID == "" {
		clientID = "roomscanner"
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	opts.SetConnectTimeout(5 * time.Second)
	opts.SetAutoReconnect(true)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("connect to %s: timed out", broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to %s: %w", broker, err)
	}

	log.Printf("[MQTT] connected to %s as %s", broker, clientID)
	return NewPosePublisher(client, prefix), nil
}

// Close disconnects from the broker after letting queued messages drain.
func (p *PosePublisher) Close() {
	if p.client != nil && p.client.IsConnected() {
		p.client.Disconnect(250)
	}
}

// Redraw is a no-op: retained topics are overwritten by the next run, so
// there is nothing to clear on the broker.
func (p *PosePublisher) Redraw() error { return nil }

// VisualizeLoop publishes one loop's summary to its individual topic and
// refreshes the combined progress topic. Safe for concurrent use.
func (p *PosePublisher) VisualizeLoop(view LoopView) error {
	msg := LoopMessage{
		Start:       view.Loop.Start,
		End:         view.Loop.End,
		Frames:      len(view.Loop.InnerTransforms),
		MeanFitness: meanFitness(view.Loop.InnerFitness),
	}

	p.mu.Lock()
	p.loops[msg.Start] = msg
	progress := progressMessage{
		Processed: len(p.loops),
		Loops:     p.snapshotLoops(),
		Timestamp: time.Now().Unix(),
	}
	p.mu.Unlock()

	topic := fmt.Sprintf("%s/loops/%d", p.prefix, msg.Start)
	if err := p.publish(topic, msg); err != nil {
		return err
	}
	return p.publish(p.prefix+"/progress", progress)
}

// VisualizeLoops publishes the completed loop set.
func (p *PosePublisher) VisualizeLoops(loops []Loop) error {
	msg := loopsMessage{
		Count:     len(loops),
		Loops:     make([]LoopMessage, len(loops)),
		Timestamp: time.Now().Unix(),
	}
	for i, l := range loops {
		msg.Loops[i] = LoopMessage{
			Start:       l.Start,
			End:         l.End,
			Frames:      len(l.InnerTransforms),
			MeanFitness: meanFitness(l.InnerFitness),
		}
	}

	if err := p.publish(p.prefix+"/loops", msg); err != nil {
		return err
	}
	log.Printf("[MQTT] published %d loop summaries", len(loops))
	return nil
}

// VisualizeCameraPoses publishes the aggregated camera positions.
func (p *PosePublisher) VisualizeCameraPoses(transforms []Transform) error {
	msg := posesMessage{
		Count:     len(transforms),
		Poses:     make([]PoseMessage, len(transforms)),
		Timestamp: time.Now().Unix(),
	}
	for i, t := range transforms {
		o := t.Origin()
		msg.Poses[i] = PoseMessage{Index: i, X: o.X, Y: o.Y, Z: o.Z}
	}

	if err := p.publish(p.prefix+"/poses", msg); err != nil {
		return err
	}
	log.Printf("[MQTT] published %d camera poses", len(transforms))
	return nil
}

// VisualizeMesh publishes mesh statistics. The mesh itself stays local;
// surface geometry is far too large for a broker message.
func (p *PosePublisher) VisualizeMesh(m *Mesh) error {
	msg := meshMessage{
		Vertices:  len(m.Vertices),
		Triangles: len(m.Triangles),
		Timestamp: time.Now().Unix(),
	}
	return p.publish(p.prefix+"/mesh", msg)
}

// snapshotLoops returns the accumulated loop summaries ordered by start
// index. Callers must hold p.mu.
func (p *PosePublisher) snapshotLoops() []LoopMessage {
	out := make([]LoopMessage, 0, len(p.loops))
	for _, msg := range p.loops {
		out = append(out, msg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

func (p *PosePublisher) publish(topic string, payload interface{}) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("publish to %s: %w", topic, ErrNotConnected)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", topic, err)
	}

	token := p.client.Publish(topic, p.qos, p.retain, data)
	if token.WaitTimeout(publishTimeout) && token.Error() != nil {
		return fmt.Errorf("publish to %s: %w", topic, token.Error())
	}
	return nil
}
