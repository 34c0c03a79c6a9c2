package transmission

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jkaberg/socest/internal/estimator"
	"github.com/jkaberg/socest/internal/mqtt"
	"github.com/sirupsen/logrus"
)

// Publisher is the part of the MQTT client the transmitter needs.
type Publisher interface {
	Publish(topic string, payload []byte, retained bool) error
	IsConnected() bool
}

// RetainedReader is implemented by clients that can subscribe. Through it the
// transmitter finds discovery configs retained by an earlier process.
type RetainedReader interface {
	Subscribe(topic string, handler func(topic string, payload []byte)) error
	Unsubscribe(topics ...string) error
}

// discoveryReadTimeout bounds the wait for retained discovery configs.
const discoveryReadTimeout = time.Second

// MQTTTransmitter publishes SoC state per charge point and announces it to
// Home Assistant through MQTT discovery.
type MQTTTransmitter struct {
	client          Publisher
	discoveryPrefix string
	version         string
	logger          *logrus.Logger
	retainedWait    time.Duration

	mu               sync.Mutex
	checked          map[string]bool // charge points whose retained configs were read
	publishedConfigs map[string]bool
}

// HADiscoveryConfig represents Home Assistant MQTT discovery configuration
type HADiscoveryConfig struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic"`
	ValueTemplate     string   `json:"value_template,omitempty"`
	DeviceClass       string   `json:"device_class,omitempty"`
	UnitOfMeasurement string   `json:"unit_of_measurement,omitempty"`
	Device            HADevice `json:"device"`
	AvailabilityTopic string   `json:"availability_topic"`
	Icon              string   `json:"icon,omitempty"`
	StateClass        string   `json:"state_class,omitempty"`
	EntityCategory    string   `json:"entity_category,omitempty"`
	PayloadOn         string   `json:"payload_on,omitempty"`
	PayloadOff        string   `json:"payload_off,omitempty"`
}

// HADevice represents the device information for Home Assistant
type HADevice struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Model        string   `json:"model"`
	Manufacturer string   `json:"manufacturer"`
	SWVersion    string   `json:"sw_version,omitempty"`
}

// entity describes one Home Assistant entity backed by a state field
type entity struct {
	Name        string
	Field       string
	Type        string // "sensor" / "binary_sensor"
	DeviceClass string
	Unit        string
	Icon        string
	StateClass  string
	Category    string
}

var entities = []entity{
	{Name: "State of charge", Field: "soc", Type: "sensor", DeviceClass: "battery", Unit: "%", StateClass: "measurement"},
	{Name: "SoC baseline", Field: "soc_baseline", Type: "sensor", Unit: "%", Icon: "mdi:battery-sync", Category: "diagnostic"},
	{Name: "Reference meter", Field: "reference_meter", Type: "sensor", DeviceClass: "energy", Unit: "kWh", StateClass: "total_increasing", Category: "diagnostic"},
	{Name: "Poll timer", Field: "poll_timer", Type: "sensor", Icon: "mdi:timer-outline", Category: "diagnostic"},
	{Name: "Charging", Field: "charging", Type: "binary_sensor", DeviceClass: "battery_charging"},
}

// StatePayload is the JSON document published on the state topic
type StatePayload struct {
	SoC            float64   `json:"soc"`
	Baseline       *float64  `json:"soc_baseline"`
	ReferenceMeter *float64  `json:"reference_meter"`
	PollTimer      int       `json:"poll_timer"`
	Charging       bool      `json:"charging"`
	Action         string    `json:"action"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// NewMQTTTransmitter creates a new MQTT transmitter
func NewMQTTTransmitter(client Publisher, discoveryPrefix, version string, logger *logrus.Logger) *MQTTTransmitter {
	return &MQTTTransmitter{
		client:           client,
		discoveryPrefix:  discoveryPrefix,
		version:          version,
		logger:           logger,
		retainedWait:     discoveryReadTimeout,
		checked:          make(map[string]bool),
		publishedConfigs: make(map[string]bool),
	}
}

// Transmit publishes discovery (once per entity), state and availability.
func (t *MQTTTransmitter) Transmit(res estimator.Result) error {
	if !t.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	name := fmt.Sprintf("cp%d", res.ChargePoint)

	// Discovery failures must not block the state update
	t.publishDiscoveryConfigs(name)

	payload, err := json.Marshal(buildStatePayload(res))
	if err != nil {
		return fmt.Errorf("failed to marshal state payload: %w", err)
	}
	topic := mqtt.StateTopic(name)
	if err := t.client.Publish(topic, payload, true); err != nil {
		return fmt.Errorf("failed to publish state to %s: %w", topic, err)
	}

	if err := t.client.Publish(mqtt.AvailabilityTopic(), []byte("online"), true); err != nil {
		return fmt.Errorf("failed to publish availability: %w", err)
	}

	t.logger.WithFields(logrus.Fields{
		"topic":   topic,
		"payload": string(payload),
	}).Debug("Published charge point state")
	return nil
}

func buildStatePayload(res estimator.Result) StatePayload {
	return StatePayload{
		SoC:            res.SoC(),
		Baseline:       res.Record.Baseline,
		ReferenceMeter: res.Record.ReferenceMeter,
		PollTimer:      res.Record.PollTimer,
		Charging:       res.ChargingActive,
		Action:         string(res.Action),
		UpdatedAt:      res.Record.UpdatedAt,
	}
}

func (t *MQTTTransmitter) publishDiscoveryConfigs(chargePoint string) {
	device := HADevice{
		Identifiers:  []string{"socest_" + chargePoint},
		Name:         "EV SoC " + chargePoint,
		Model:        "SoC estimator",
		Manufacturer: "socest",
		SWVersion:    t.version,
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.checked[chargePoint] {
		t.checked[chargePoint] = true
		for id := range t.retainedConfigs(chargePoint) {
			t.publishedConfigs[id] = true
		}
	}

	for _, e := range entities {
		uniqueID := discoveryID(chargePoint, e)
		if t.publishedConfigs[uniqueID] {
			continue
		}

		cfg := HADiscoveryConfig{
			Name:              e.Name,
			UniqueID:          uniqueID,
			StateTopic:        mqtt.StateTopic(chargePoint),
			ValueTemplate:     fmt.Sprintf("{{ value_json.%s }}", e.Field),
			DeviceClass:       e.DeviceClass,
			UnitOfMeasurement: e.Unit,
			Icon:              e.Icon,
			StateClass:        e.StateClass,
			EntityCategory:    e.Category,
			AvailabilityTopic: mqtt.AvailabilityTopic(),
			Device:            device,
		}
		if e.Type == "binary_sensor" {
			cfg.ValueTemplate = fmt.Sprintf("{{ 'ON' if value_json.%s else 'OFF' }}", e.Field)
			cfg.PayloadOn = "ON"
			cfg.PayloadOff = "OFF"
		}

		topic := mqtt.DiscoveryTopic(t.discoveryPrefix, e.Type, chargePoint, e.Field)
		payload, err := json.Marshal(cfg)
		if err != nil {
			t.logger.WithError(err).WithField("entity", e.Field).Error("Failed to marshal discovery config")
			continue
		}
		if err := t.client.Publish(topic, payload, true); err != nil {
			t.logger.WithError(err).WithField("entity", e.Field).Warn("Failed to publish discovery config")
			continue
		}

		t.publishedConfigs[uniqueID] = true
		t.logger.WithFields(logrus.Fields{
			"entity": e.Field,
			"topic":  topic,
		}).Debug("Published discovery config")
	}
}

func discoveryID(chargePoint string, e entity) string {
	return fmt.Sprintf("socest_%s_%s", chargePoint, e.Field)
}

// retainedConfigs returns the unique ids of the entities whose discovery
// config is already retained on the broker for this version.
func (t *MQTTTransmitter) retainedConfigs(chargePoint string) map[string]bool {
	reader, ok := t.client.(RetainedReader)
	if !ok {
		return nil
	}

	want := make(map[string]string, len(entities)) // topic -> unique id
	for _, e := range entities {
		want[mqtt.DiscoveryTopic(t.discoveryPrefix, e.Type, chargePoint, e.Field)] = discoveryID(chargePoint, e)
	}

	var (
		mu    sync.Mutex
		found = make(map[string]bool, len(want))
		done  = make(chan struct{})
		once  sync.Once
	)
	handler := func(topic string, payload []byte) {
		id, ok := want[topic]
		if !ok {
			return
		}
		var cfg HADiscoveryConfig
		if err := json.Unmarshal(payload, &cfg); err != nil || cfg.UniqueID != id || cfg.Device.SWVersion != t.version {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		found[id] = true
		if len(found) == len(want) {
			once.Do(func() { close(done) })
		}
	}

	subscribed := make([]string, 0, len(want))
	for topic := range want {
		if err := reader.Subscribe(topic, handler); err != nil {
			t.logger.WithError(err).Debug("Cannot read retained discovery configs")
			break
		}
		subscribed = append(subscribed, topic)
	}
	if len(subscribed) == len(want) {
		timer := time.NewTimer(t.retainedWait)
		select {
		case <-done:
		case <-timer.C:
		}
		timer.Stop()
	}
	if len(subscribed) > 0 {
		if err := reader.Unsubscribe(subscribed...); err != nil {
			t.logger.WithError(err).Debug("Unsubscribe failed")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	out := make(map[string]bool, len(found))
	for id := range found {
		out[id] = true
	}
	t.logger.WithFields(logrus.Fields{
		"charge_point": chargePoint,
		"retained":     len(out),
	}).Debug("Read retained discovery configs")
	return out
}
