package station

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Publisher publishes registered sensor poses to MQTT
type Publisher struct {
	client        mqtt.Client
	publishPrefix string
	qos           byte
	retain        bool
	poses         map[string]PoseUpdate
	mu            sync.RWMutex
}

// NewPublisher creates a pose publisher. MQTT_PUBLISH_PREFIX wins over
// prefix; both empty means "simreg". A nil client disables publishing.
func NewPublisher(client mqtt.Client, prefix string) *Publisher {
	if env := os.Getenv("MQTT_PUBLISH_PREFIX"); env != "" {
		prefix = env
	}
	if prefix == "" {
		prefix = "simreg"
	}

	return &Publisher{
		client:        client,
		publishPrefix: prefix,
		qos:           0,
		retain:        true,
		poses:         make(map[string]PoseUpdate),
	}
}

// Prefix returns the topic prefix in use.
func (p *Publisher) Prefix() string { return p.publishPrefix }

// PublishPose publishes u to <prefix>/<sensor>/pose and refreshes the
// combined <prefix>/poses message
func (p *Publisher) PublishPose(u PoseUpdate) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	p.mu.Lock()
	p.poses[u.SensorID] = u
	p.mu.Unlock()

	if err := p.publishIndividual(u); err != nil {
		log.Printf("Error publishing pose for %s: %v", u.SensorID, err)
		return err
	}

	if err := p.publishCombined(); err != nil {
		log.Printf("Error publishing combined poses: %v", err)
		return err
	}

	return nil
}

func (p *Publisher) publishIndividual(u PoseUpdate) error {
	topic := fmt.Sprintf("%s/%s/pose", p.publishPrefix, u.SensorID)

	payload, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("marshaling pose: %w", err)
	}

	if err := p.publish(topic, payload); err != nil {
		return err
	}

	log.Printf("Published pose for %s: t=(%.3f, %.3f, %.3f) rot=%.2f° scale=%.4f (%s)",
		u.SensorID, u.Translation[0], u.Translation[1], u.Translation[2], u.RotationDegrees, u.Scale, u.State)
	return nil
}

// combinedPoses is the payload of <prefix>/poses
type combinedPoses struct {
	Sensors   []PoseUpdate `json:"sensors"`
	Timestamp int64        `json:"timestamp"`
}

func (p *Publisher) publishCombined() error {
	p.mu.RLock()
	msg := combinedPoses{Sensors: make([]PoseUpdate, 0, len(p.poses)), Timestamp: time.Now().Unix()}
	for _, u := range p.poses {
		msg.Sensors = append(msg.Sensors, u)
	}
	p.mu.RUnlock()

	if len(msg.Sensors) == 0 {
		return nil
	}
	sort.Slice(msg.Sensors, func(i, j int) bool { return msg.Sensors[i].SensorID < msg.Sensors[j].SensorID })

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling combined poses: %w", err)
	}
	return p.publish(fmt.Sprintf("%s/poses", p.publishPrefix), payload)
}

func (p *Publisher) publish(topic string, payload []byte) error {
	token := p.client.Publish(topic, p.qos, p.retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}
	return nil
}

// LastPose returns the last pose published for a sensor
func (p *Publisher) LastPose(sensorID string) (PoseUpdate, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	u, ok := p.poses[sensorID]
	return u, ok
}

// ClearPose drops a sensor from the combined message
func (p *Publisher) ClearPose(sensorID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.poses, sensorID)
}

// SetQoS sets the Quality of Service level for publishing (0, 1, or 2)
func (p *Publisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.qos = qos
	}
}

// SetRetain sets whether published messages should be retained by the broker
func (p *Publisher) SetRetain(retain bool) {
	p.retain = retain
}
