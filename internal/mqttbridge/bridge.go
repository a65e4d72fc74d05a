// Package mqttbridge mirrors mower state onto MQTT topics and accepts
// commands from them.
//
// Topics, relative to the configured prefix:
//
//	<prefix>/<mower>/state           retained JSON attributes
//	<prefix>/<mower>/command         command requests
//	<prefix>/<mower>/command/result  outcome of each request
package mqttbridge

//go:generate mockgen -source=bridge.go -destination=mock_test.go -package=mqttbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/joshp123/automower/plugins/automower"
)

const defaultCommandTimeout = 30 * time.Second

// Publisher is the broker surface the bridge needs.
type Publisher interface {
	Publish(topic string, retained bool, payload []byte) error
	Subscribe(topic string, handler func(topic string, payload []byte)) error
}

// Controller is the session surface the bridge needs.
type Controller interface {
	Send(ctx context.Context, mowerID string, cmd automower.Command) error
	RegisterDataCallback(fn func(automower.Snapshot), immediate bool) func()
}

type Bridge struct {
	pub            Publisher
	ctrl           Controller
	prefix         string
	logger         *slog.Logger
	commandTimeout time.Duration

	mu         sync.Mutex
	published  map[string][]byte
	unregister func()
}

func New(pub Publisher, ctrl Controller, prefix string, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		pub:            pub,
		ctrl:           ctrl,
		prefix:         strings.TrimSuffix(prefix, "/"),
		logger:         logger.With(slog.String("component", "mqtt_bridge")),
		commandTimeout: defaultCommandTimeout,
		published:      make(map[string][]byte),
	}
}

// Start subscribes to command topics and begins mirroring state.
func (b *Bridge) Start() error {
	if err := b.pub.Subscribe(b.prefix+"/+/command", b.handleCommand); err != nil {
		return fmt.Errorf("subscribe commands: %w", err)
	}
	unregister := b.ctrl.RegisterDataCallback(b.publishSnapshot, true)
	b.mu.Lock()
	b.unregister = unregister
	b.mu.Unlock()
	return nil
}

func (b *Bridge) Stop() {
	b.mu.Lock()
	unregister := b.unregister
	b.unregister = nil
	b.mu.Unlock()
	if unregister != nil {
		unregister()
	}
}

func (b *Bridge) stateTopic(id string) string {
	return b.prefix + "/" + id + "/state"
}

// publishSnapshot only sends mowers whose attributes changed since the last publish.
func (b *Bridge) publishSnapshot(snapshot automower.Snapshot) {
	for _, id := range snapshot.IDs() {
		payload, err := json.Marshal(snapshot[id])
		if err != nil {
			b.logger.Warn("encode mower state failed", slog.String("mower_id", id), slog.String("error", err.Error()))
			continue
		}
		b.mu.Lock()
		unchanged := bytes.Equal(b.published[id], payload)
		b.mu.Unlock()
		if unchanged {
			continue
		}
		if err := b.pub.Publish(b.stateTopic(id), true, payload); err != nil {
			b.logger.Warn("publish mower state failed", slog.String("mower_id", id), slog.String("error", err.Error()))
			continue
		}
		b.mu.Lock()
		b.published[id] = payload
		b.mu.Unlock()
	}
}

func (b *Bridge) mowerFromTopic(topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, b.prefix+"/")
	if !ok {
		return "", false
	}
	id, ok := strings.CutSuffix(rest, "/command")
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

func (b *Bridge) handleCommand(topic string, payload []byte) {
	mowerID, ok := b.mowerFromTopic(topic)
	if !ok {
		b.logger.Warn("ignoring command on unexpected topic", slog.String("topic", topic))
		return
	}

	var req automower.CommandRequest
	result := automower.CommandResult{MowerID: mowerID}
	if err := json.Unmarshal(payload, &req); err != nil {
		result.Error = fmt.Sprintf("decode request: %v", err)
		b.publishResult(mowerID, result)
		return
	}
	result.ID = req.ID
	result.Command = req.Name()

	cmd, err := req.Build()
	if err != nil {
		result.Error = err.Error()
		b.publishResult(mowerID, result)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.commandTimeout)
	defer cancel()
	if err := b.ctrl.Send(ctx, mowerID, cmd); err != nil {
		b.logger.Warn("mower command failed",
			slog.String("mower_id", mowerID),
			slog.String("command", result.Command),
			slog.String("error", err.Error()),
		)
		result.Error = err.Error()
	} else {
		result.OK = true
	}
	b.publishResult(mowerID, result)
}

func (b *Bridge) publishResult(mowerID string, result automower.CommandResult) {
	payload, err := json.Marshal(result)
	if err != nil {
		return
	}
	if err := b.pub.Publish(b.prefix+"/"+mowerID+"/command/result", false, payload); err != nil {
		b.logger.Warn("publish command result failed", slog.String("mower_id", mowerID), slog.String("error", err.Error()))
	}
}
