package station

import (
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/kwv/simreg/icp"
)

// CloudHandler is called when a sensor scan arrives over MQTT.
// Parameters: sensorID, decoded scan, decode error
type CloudHandler func(sensorID string, cloud *icp.PointBuffer, err error)

// MQTTClient manages the broker connection and the sensor scan subscriptions
type MQTTClient struct {
	client       mqtt.Client
	config       *Config
	cloudHandler CloudHandler
	isConnected  bool
	mu           sync.RWMutex
}

// InitMQTT creates the MQTT client and starts connecting in the background.
// The broker comes from MQTT_BROKER or the config; if neither is set MQTT is
// disabled and this returns nil, nil.
func InitMQTT(config *Config, handler CloudHandler) (*MQTTClient, error) {
	broker := os.Getenv("MQTT_BROKER")
	if broker == "" && config != nil {
		broker = config.MQTT.Broker
	}

	if broker == "" {
		log.Println("MQTT disabled: MQTT_BROKER not set")
		return nil, nil
	}

	if config == nil {
		return nil, fmt.Errorf("MQTT enabled but no configuration provided")
	}

	client := &MQTTClient{
		config:       config,
		cloudHandler: handler,
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)

	clientID := os.Getenv("MQTT_CLIENT_ID")
	if clientID == "" {
		clientID = config.MQTT.ClientID
	}
	if clientID == "" {
		clientID = "simreg"
	}
	opts.SetClientID(clientID)

	username := os.Getenv("MQTT_USERNAME")
	if username == "" {
		username = config.MQTT.Username
	}
	if username != "" {
		opts.SetUsername(username)
		password := os.Getenv("MQTT_PASSWORD")
		if password == "" {
			password = config.MQTT.Password
		}
		opts.SetPassword(password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(false)
	opts.SetOrderMatters(false)

	opts.SetOnConnectHandler(client.onConnect)
	opts.SetConnectionLostHandler(client.onConnectionLost)
	opts.SetReconnectingHandler(client.onReconnecting)

	client.client = mqtt.NewClient(opts)

	go client.connectWithRetry()

	return client, nil
}

// connectWithRetry attempts to connect to the MQTT broker with exponential backoff
func (c *MQTTClient) connectWithRetry() {
	retryDelay := 1 * time.Second
	maxRetryDelay := 60 * time.Second

	for {
		log.Println("Connecting to MQTT broker...")

		token := c.client.Connect()
		if token.WaitTimeout(10 * time.Second) {
			if token.Error() == nil {
				log.Println("Connected to MQTT broker")
				c.setConnected(true)
				return
			}
			log.Printf("MQTT connection failed: %v", token.Error())
		} else {
			log.Println("MQTT connection timeout")
		}

		log.Printf("Retrying MQTT connection in %v...", retryDelay)
		time.Sleep(retryDelay)
		retryDelay *= 2
		if retryDelay > maxRetryDelay {
			retryDelay = maxRetryDelay
		}
	}
}

// onConnect subscribes to every sensor that streams scans over MQTT
func (c *MQTTClient) onConnect(client mqtt.Client) {
	c.setConnected(true)

	for _, sensor := range c.config.Sensors {
		if sensor.Topic == "" {
			continue
		}

		log.Printf("Subscribing to %s for sensor %s", sensor.Topic, sensor.ID)
		token := client.Subscribe(sensor.Topic, 0, c.createMessageHandler(sensor.ID))
		if token.WaitTimeout(5*time.Second) && token.Error() != nil {
			log.Printf("Error subscribing to %s: %v", sensor.Topic, token.Error())
		}
	}
}

// onConnectionLost is called when the connection drops; auto-reconnect retries
func (c *MQTTClient) onConnectionLost(client mqtt.Client, err error) {
	log.Printf("MQTT connection interrupted (%v), auto-reconnect will retry", err)
	c.setConnected(false)
}

func (c *MQTTClient) onReconnecting(client mqtt.Client, opts *mqtt.ClientOptions) {
	log.Println("MQTT reconnecting...")
}

// createMessageHandler decodes scans published for one sensor
func (c *MQTTClient) createMessageHandler(sensorID string) mqtt.MessageHandler {
	return func(client mqtt.Client, msg mqtt.Message) {
		payload := msg.Payload()
		log.Printf("Received scan for %s (topic: %s, size: %d bytes)", sensorID, msg.Topic(), len(payload))

		cloud, err := ParseCloud(payload, FormatAuto)
		if err != nil {
			log.Printf("Error decoding scan for %s: %v", sensorID, err)
		}
		if c.cloudHandler != nil {
			c.cloudHandler(sensorID, cloud, err)
		}
	}
}

// IsConnected returns true if the MQTT client is connected
func (c *MQTTClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isConnected
}

func (c *MQTTClient) setConnected(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isConnected = connected
}

// Disconnect gracefully closes the MQTT connection
func (c *MQTTClient) Disconnect() {
	if c.client != nil && c.client.IsConnected() {
		log.Println("Disconnecting from MQTT broker...")
		c.client.Disconnect(250)
		c.setConnected(false)
	}
}

// SensorByTopic returns the sensor ID subscribed to topic
func (c *MQTTClient) SensorByTopic(topic string) (string, bool) {
	for _, sensor := range c.config.Sensors {
		if sensor.Topic != "" && sensor.Topic == topic {
			return sensor.ID, true
		}
	}
	return "", false
}

// Client returns the underlying MQTT client for publishing
func (c *MQTTClient) Client() mqtt.Client {
	return c.client
}

// NewMQTTClientWithClient wraps an existing mqtt.Client, such as a MockClient.
func NewMQTTClientWithClient(client mqtt.Client, config *Config, handler CloudHandler) *MQTTClient {
	return &MQTTClient{
		client:       client,
		config:       config,
		cloudHandler: handler,
	}
}

// Start connects once and subscribes; used with injected clients.
func (c *MQTTClient) Start() error {
	token := c.client.Connect()
	if token.WaitTimeout(10*time.Second) && token.Error() != nil {
		return fmt.Errorf("connecting to MQTT broker: %w", token.Error())
	}
	c.onConnect(c.client)
	return nil
}
