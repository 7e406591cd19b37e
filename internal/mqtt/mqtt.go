package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/daemonp/paradox2mqtt/internal/config"
	"github.com/daemonp/paradox2mqtt/internal/dispatch"
	"github.com/daemonp/paradox2mqtt/internal/log"
	"github.com/daemonp/paradox2mqtt/internal/state"
	"github.com/daemonp/paradox2mqtt/internal/types"
	"github.com/daemonp/paradox2mqtt/internal/util"
)

const (
	offlinePayload = "offline"
	onlinePayload  = "online"

	publishTimeout = 5 * time.Second
)

// MQTT translates model change events into topic publications and
// inbound set topics into dispatcher submissions. It holds no
// authoritative panel state, only the per-topic suppression book.
type MQTT struct {
	config     *config.MQTTConfig
	log        *log.Logger
	model      *state.Model
	dispatcher *dispatch.Dispatcher
	client     mqtt.Client
	topics     *Topics

	// lastPublished suppresses identical consecutive state payloads per
	// topic. Cleared on every broker (re)connect so the full snapshot
	// goes out again.
	mu            sync.Mutex
	lastPublished map[string]string
}

func NewMQTT(cfg *config.MQTTConfig, model *state.Model, dispatcher *dispatch.Dispatcher, logger *log.Logger) *MQTT {
	return &MQTT{
		config:        cfg,
		log:           logger.Component("mqtt"),
		model:         model,
		dispatcher:    dispatcher,
		topics:        NewTopics(cfg.Prefix),
		lastPublished: make(map[string]string),
	}
}

func (m *MQTT) Connect() error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", m.config.Host, m.config.Port))
	opts.SetClientID(m.config.ClientID)
	opts.SetUsername(m.config.Username)
	opts.SetPassword(m.config.Password)
	opts.SetCleanSession(m.config.Clean)
	opts.SetKeepAlive(time.Duration(m.config.Keepalive) * time.Second)
	opts.SetAutoReconnect(true)
	opts.SetOnConnectHandler(m.onConnect)
	opts.SetConnectionLostHandler(m.onDisconnect)

	opts.SetWill(m.topics.Status(), offlinePayload, byte(m.config.QOS), true)

	m.client = mqtt.NewClient(opts)

	if token := m.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	m.log.Info("Connected to MQTT broker: %s:%d", m.config.Host, m.config.Port)
	return nil
}

// onConnect runs on every broker connect, including automatic
// reconnects: re-establish subscriptions, then republish the whole
// snapshot once so external observers catch up on anything missed.
func (m *MQTT) onConnect(client mqtt.Client) {
	m.log.Info("MQTT connection established")

	m.mu.Lock()
	m.lastPublished = make(map[string]string)
	m.mu.Unlock()

	m.send(m.topics.Status(), []byte(onlinePayload), true)
	m.subscribeCommands()
	m.RepublishSnapshot()
}

func (m *MQTT) onDisconnect(client mqtt.Client, err error) {
	m.log.Error("MQTT connection lost: %v", err)
}

func (m *MQTT) subscribeCommands() {
	topic := m.topics.SetWildcard()
	token := m.client.Subscribe(topic, byte(m.config.QOS), m.handleSet)
	if token.Wait() && token.Error() != nil {
		m.log.Error("Failed to subscribe to %s: %v", topic, token.Error())
		return
	}
	m.log.Debug("Subscribed to %s", topic)
}

// handleSet parses a command topic and payload into a dispatcher
// request. Invalid commands are answered on the result topic so callers
// never see silence.
func (m *MQTT) handleSet(client mqtt.Client, msg mqtt.Message) {
	payload := string(msg.Payload())
	m.log.Debug("Received command on %s: %s", msg.Topic(), payload)

	id, err := m.topics.ParseSet(msg.Topic())
	if err != nil {
		m.log.Warn("Ignoring command: %v", err)
		return
	}

	action, err := types.ParseAction(id.Kind, payload)
	if err != nil {
		m.log.Warn("Rejecting command for %s: %v", id, err)
		m.publishResult(dispatch.Result{
			Target: id,
			Status: dispatch.StatusRejected,
			Reason: err.Error(),
		})
		return
	}

	correlationID, err := m.dispatcher.Submit(dispatch.Request{Target: id, Action: action})
	if err != nil {
		m.log.Error("Failed to submit %s for %s: %v", action, id, err)
		return
	}
	m.log.Debug("Submitted %s for %s as %s", action, id, correlationID)
}

// Run pumps model changes and command results out to the broker until
// ctx is cancelled.
func (m *MQTT) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-m.model.Changes():
			m.publishChange(ev)
		case res := <-m.dispatcher.Results():
			m.publishResult(res)
		}
	}
}

// ClearSuppression forgets previously published payloads so the next
// publish on every topic goes out even if unchanged. The supervisor
// calls it before a forced resync.
func (m *MQTT) ClearSuppression() {
	m.mu.Lock()
	m.lastPublished = make(map[string]string)
	m.mu.Unlock()
}

// RepublishSnapshot publishes the current state of every entity,
// bypassing nothing: the suppression book must be cleared first if a
// true re-send is wanted.
func (m *MQTT) RepublishSnapshot() {
	snapshot := m.model.Current()
	for _, es := range snapshot.Entities() {
		m.publishState(es)
	}
	if snapshot.Len() > 0 {
		m.log.Info("Republished %d entity states (snapshot v%d)", snapshot.Len(), snapshot.Version())
	}
}

func (m *MQTT) publishChange(ev state.ChangeEvent) {
	es, ok := m.model.Current().Get(ev.ID)
	if !ok {
		// Change for an entity the snapshot no longer tracks; resync
		// replaced the inventory between emit and publish.
		return
	}
	m.publishState(es)
}

func (m *MQTT) publishState(es state.EntityState) {
	m.publish(m.topics.State(es.ID), statePayload(m.model.Name(es.ID), es), true)
}

// statePayload formats one entity state for its state topic.
func statePayload(name string, es state.EntityState) map[string]interface{} {
	status := map[string]interface{}{
		"id":        util.Slugify(name),
		"name":      name,
		"number":    es.ID.Number,
		"value":     es.Value.String(),
		"timestamp": es.Changed.UTC().Format(time.RFC3339),
	}
	if zone, ok := es.Value.(types.ZoneFlags); ok {
		status["open"] = zone.Open
		status["tamper"] = zone.Tamper
		status["bypassed"] = zone.Bypassed
		status["low_battery"] = zone.LowBattery
		status["alarm_memory"] = zone.AlarmMemory
	}
	return status
}

func (m *MQTT) publishResult(res dispatch.Result) {
	payload := map[string]interface{}{
		"correlation_id": res.CorrelationID,
		"action":         res.Action.String(),
		"status":         res.Status.String(),
		"attempts":       res.Attempts,
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	}
	if res.Reason != "" {
		payload["reason"] = res.Reason
	}
	m.publishAlways(m.topics.Result(res.Target), payload, false)
}

// PublishDeviceInfo publishes the panel identification block, refreshed
// after every successful login.
func (m *MQTT) PublishDeviceInfo(device types.Device) {
	info := map[string]interface{}{
		"model":            device.Model,
		"serial_number":    device.SerialNumber,
		"firmware_version": device.FirmwareVersion,
		"zones":            device.Zones,
		"partitions":       device.Partitions,
		"outputs":          device.Outputs,
	}
	m.publish(m.topics.Config(), info, true)
}

// publish marshals and publishes, suppressing a payload identical to
// the previous one on the same topic. Suppression is application-level
// only; the transport never deduplicates.
func (m *MQTT) publish(topic string, message interface{}, retain bool) {
	payload, err := json.Marshal(message)
	if err != nil {
		m.log.Error("Failed to marshal message for topic %s: %v", topic, err)
		return
	}

	m.mu.Lock()
	if last, ok := m.lastPublished[topic]; ok && last == string(payload) {
		m.mu.Unlock()
		m.log.Trace("Suppressed duplicate publish to %s", topic)
		return
	}
	m.lastPublished[topic] = string(payload)
	m.mu.Unlock()

	m.send(topic, payload, retain)
}

// publishAlways skips the suppression book, for result topics where
// every outcome matters even when textually identical.
func (m *MQTT) publishAlways(topic string, message interface{}, retain bool) {
	payload, err := json.Marshal(message)
	if err != nil {
		m.log.Error("Failed to marshal message for topic %s: %v", topic, err)
		return
	}
	m.send(topic, payload, retain)
}

func (m *MQTT) send(topic string, payload []byte, retain bool) {
	token := m.client.Publish(topic, byte(m.config.QOS), retain, payload)
	if !token.WaitTimeout(publishTimeout) {
		m.log.Warn("Publish to %s timed out", topic)
		return
	}
	if err := token.Error(); err != nil {
		m.log.Error("Failed to publish to %s: %v", topic, err)
		return
	}
	m.log.Debug("Published to %s", topic)
}

func (m *MQTT) Close() {
	if m.client != nil && m.client.IsConnected() {
		m.send(m.topics.Status(), []byte(offlinePayload), true)
		m.client.Disconnect(250)
	}
}
