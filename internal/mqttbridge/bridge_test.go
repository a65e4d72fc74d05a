package mqttbridge

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/joshp123/automower/plugins/automower"
	"go.uber.org/mock/gomock"
)

const testPrefix = "gohome/automower"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startBridge wires a bridge to fresh mocks and returns the captured hooks.
func startBridge(t *testing.T) (*Bridge, *MockPublisher, *MockController, func(string, []byte), func(automower.Snapshot)) {
	t.Helper()
	ctrl := gomock.NewController(t)
	pub := NewMockPublisher(ctrl)
	mc := NewMockController(ctrl)

	var onCommand func(string, []byte)
	var onData func(automower.Snapshot)
	pub.EXPECT().Subscribe(testPrefix+"/+/command", gomock.Any()).DoAndReturn(func(_ string, handler func(string, []byte)) error {
		onCommand = handler
		return nil
	})
	mc.EXPECT().RegisterDataCallback(gomock.Any(), true).DoAndReturn(func(fn func(automower.Snapshot), _ bool) func() {
		onData = fn
		return func() {}
	})

	b := New(pub, mc, testPrefix+"/", discardLogger())
	if err := b.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if onCommand == nil || onData == nil {
		t.Fatalf("expected command handler and data callback to be registered")
	}
	return b, pub, mc, onCommand, onData
}

func TestBridgePublishesChangedState(t *testing.T) {
	_, pub, _, _, onData := startBridge(t)

	first := automower.Snapshot{
		"m1": {Battery: automower.Battery{BatteryPercent: 80}},
		"m2": {Battery: automower.Battery{BatteryPercent: 40}},
	}
	var published []string
	pub.EXPECT().Publish(gomock.Any(), true, gomock.Any()).DoAndReturn(func(topic string, _ bool, payload []byte) error {
		published = append(published, topic)
		var attrs automower.MowerAttributes
		if err := json.Unmarshal(payload, &attrs); err != nil {
			t.Fatalf("state payload is not mower attributes: %v", err)
		}
		return nil
	}).Times(3)

	onData(first)
	if strings.Join(published, ",") != testPrefix+"/m1/state,"+testPrefix+"/m2/state" {
		t.Fatalf("unexpected state topics: %v", published)
	}

	// Only m2 changed.
	second := automower.Snapshot{
		"m1": {Battery: automower.Battery{BatteryPercent: 80}},
		"m2": {Battery: automower.Battery{BatteryPercent: 39}},
	}
	onData(second)
	if len(published) != 3 || published[2] != testPrefix+"/m2/state" {
		t.Fatalf("expected only m2 to be republished, got %v", published)
	}
}

func TestBridgeRetriesFailedStatePublish(t *testing.T) {
	_, pub, _, _, onData := startBridge(t)

	snap := automower.Snapshot{"m1": {Battery: automower.Battery{BatteryPercent: 80}}}
	gomock.InOrder(
		pub.EXPECT().Publish(testPrefix+"/m1/state", true, gomock.Any()).Return(errors.New("broker down")),
		pub.EXPECT().Publish(testPrefix+"/m1/state", true, gomock.Any()).Return(nil),
	)
	onData(snap)
	onData(snap)
}

func TestBridgeDispatchesCommands(t *testing.T) {
	tests := []struct {
		name     string
		request  string
		wantKind automower.CommandKind
		wantBody string
	}{
		{
			name:     "pause",
			request:  `{"id":"req-1","command":"pause"}`,
			wantKind: automower.KindActions,
			wantBody: `{"data":{"type":"Pause"}}`,
		},
		{
			name:     "start for minutes",
			request:  `{"command":"start","minutes":90}`,
			wantKind: automower.KindActions,
			wantBody: `{"data":{"type":"Start","attributes":{"duration":90}}}`,
		},
		{
			name:     "cutting height",
			request:  `{"command":"cutting_height","height":4}`,
			wantKind: automower.KindSettings,
			wantBody: `{"data":{"type":"settings","attributes":{"cuttingHeight":4}}}`,
		},
		{
			name:     "raw kind and payload",
			request:  `{"kind":"actions","payload":{"data":{"type":"ResumeSchedule"}}}`,
			wantKind: automower.KindActions,
			wantBody: `{"data":{"type":"ResumeSchedule"}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, pub, mc, onCommand, _ := startBridge(t)

			mc.EXPECT().Send(gomock.Any(), "m1", gomock.Any()).DoAndReturn(func(_ context.Context, _ string, cmd automower.Command) error {
				if cmd.Kind != tt.wantKind {
					t.Fatalf("expected kind %s, got %s", tt.wantKind, cmd.Kind)
				}
				if string(cmd.Payload) != tt.wantBody {
					t.Fatalf("unexpected payload: %s", cmd.Payload)
				}
				return nil
			})
			var result automower.CommandResult
			pub.EXPECT().Publish(testPrefix+"/m1/command/result", false, gomock.Any()).DoAndReturn(func(_ string, _ bool, payload []byte) error {
				if err := json.Unmarshal(payload, &result); err != nil {
					t.Fatalf("decode result: %v", err)
				}
				return nil
			})

			onCommand(testPrefix+"/m1/command", []byte(tt.request))

			if !result.OK || result.Error != "" || result.MowerID != "m1" {
				t.Fatalf("unexpected result: %+v", result)
			}
		})
	}
}

func TestBridgeReportsCommandFailures(t *testing.T) {
	tests := []struct {
		name      string
		request   string
		sendErr   error
		wantError string
	}{
		{name: "malformed json", request: `{`, wantError: "decode request"},
		{name: "unknown command", request: `{"command":"dance"}`, wantError: "unknown command"},
		{name: "invalid minutes", request: `{"command":"start","minutes":0}`, wantError: "minute"},
		{name: "invalid kind", request: `{"kind":"firmware","payload":{}}`, wantError: "firmware"},
		{
			name:      "provider rejects",
			request:   `{"id":"req-9","command":"pause"}`,
			sendErr:   &automower.ClientError{Status: 400, Message: "mower is offline"},
			wantError: "mower is offline",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, pub, mc, onCommand, _ := startBridge(t)

			if tt.sendErr != nil {
				mc.EXPECT().Send(gomock.Any(), "m1", gomock.Any()).Return(tt.sendErr)
			}
			var result automower.CommandResult
			pub.EXPECT().Publish(testPrefix+"/m1/command/result", false, gomock.Any()).DoAndReturn(func(_ string, _ bool, payload []byte) error {
				return json.Unmarshal(payload, &result)
			})

			onCommand(testPrefix+"/m1/command", []byte(tt.request))

			if result.OK {
				t.Fatalf("expected failure result, got %+v", result)
			}
			if !strings.Contains(result.Error, tt.wantError) {
				t.Fatalf("expected error containing %q, got %q", tt.wantError, result.Error)
			}
		})
	}
}

func TestBridgeIgnoresForeignTopics(t *testing.T) {
	_, _, _, onCommand, _ := startBridge(t)

	// No Publish or Send expectations: any call fails the test.
	onCommand("other/m1/command", []byte(`{"command":"pause"}`))
	onCommand(testPrefix+"/m1/state", []byte(`{"command":"pause"}`))
	onCommand(testPrefix+"//command", []byte(`{"command":"pause"}`))
}

func TestBridgeStopUnregisters(t *testing.T) {
	ctrl := gomock.NewController(t)
	pub := NewMockPublisher(ctrl)
	mc := NewMockController(ctrl)

	unregistered := 0
	pub.EXPECT().Subscribe(gomock.Any(), gomock.Any()).Return(nil)
	mc.EXPECT().RegisterDataCallback(gomock.Any(), true).Return(func() { unregistered++ })

	b := New(pub, mc, testPrefix, discardLogger())
	if err := b.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	b.Stop()
	b.Stop()
	if unregistered != 1 {
		t.Fatalf("expected one unregister, got %d", unregistered)
	}
}

func TestBridgeStartFailsWhenSubscribeFails(t *testing.T) {
	ctrl := gomock.NewController(t)
	pub := NewMockPublisher(ctrl)
	mc := NewMockController(ctrl)

	pub.EXPECT().Subscribe(gomock.Any(), gomock.Any()).Return(errors.New("not authorized"))

	b := New(pub, mc, testPrefix, discardLogger())
	if err := b.Start(); err == nil || !strings.Contains(err.Error(), "not authorized") {
		t.Fatalf("expected subscribe error, got %v", err)
	}
}
