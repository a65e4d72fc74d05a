package automower

import (
	"encoding/json"
	"fmt"
	"time"
)

// CommandKind selects the per-mower command endpoint.
type CommandKind string

const (
	KindActions  CommandKind = "actions"
	KindSettings CommandKind = "settings"
	KindCalendar CommandKind = "calendar"
)

func (k CommandKind) Valid() bool {
	switch k {
	case KindActions, KindSettings, KindCalendar:
		return true
	}
	return false
}

// ParseCommandKind accepts the path form used by the provider.
func ParseCommandKind(value string) (CommandKind, error) {
	kind := CommandKind(value)
	if !kind.Valid() {
		return "", fmt.Errorf("unknown command kind %q", value)
	}
	return kind, nil
}

type commandData struct {
	Type       string `json:"type"`
	Attributes any    `json:"attributes,omitempty"`
}

type commandEnvelope struct {
	Data commandData `json:"data"`
}

// Command is a ready-to-send payload plus the endpoint it targets.
type Command struct {
	Kind    CommandKind
	Payload json.RawMessage
}

func newCommand(kind CommandKind, typ string, attrs any) Command {
	// Marshal cannot fail for the closed set of attribute shapes built here.
	payload, _ := json.Marshal(commandEnvelope{Data: commandData{Type: typ, Attributes: attrs}})
	return Command{Kind: kind, Payload: payload}
}

type durationAttributes struct {
	Duration int `json:"duration"`
}

func ResumeScheduleCommand() Command {
	return newCommand(KindActions, "ResumeSchedule", nil)
}

func PauseCommand() Command {
	return newCommand(KindActions, "Pause", nil)
}

func ParkUntilNextScheduleCommand() Command {
	return newCommand(KindActions, "ParkUntilNextSchedule", nil)
}

func ParkUntilFurtherNoticeCommand() Command {
	return newCommand(KindActions, "ParkUntilFurtherNotice", nil)
}

// StartForCommand mows for d, rounded down to whole minutes.
func StartForCommand(d time.Duration) (Command, error) {
	minutes, err := wholeMinutes(d)
	if err != nil {
		return Command{}, err
	}
	return newCommand(KindActions, "Start", durationAttributes{Duration: minutes}), nil
}

// ParkForCommand parks for d, rounded down to whole minutes.
func ParkForCommand(d time.Duration) (Command, error) {
	minutes, err := wholeMinutes(d)
	if err != nil {
		return Command{}, err
	}
	return newCommand(KindActions, "Park", durationAttributes{Duration: minutes}), nil
}

func wholeMinutes(d time.Duration) (int, error) {
	minutes := int(d / time.Minute)
	if minutes < 1 {
		return 0, fmt.Errorf("duration %s shorter than one minute", d)
	}
	return minutes, nil
}

func CuttingHeightCommand(height int) (Command, error) {
	if height < 1 || height > 9 {
		return Command{}, fmt.Errorf("cutting height %d out of range 1..9", height)
	}
	return newCommand(KindSettings, "settings", struct {
		CuttingHeight int `json:"cuttingHeight"`
	}{height}), nil
}

func HeadlightCommand(mode HeadlightMode) (Command, error) {
	if !mode.Valid() {
		return Command{}, fmt.Errorf("unknown headlight mode %q", mode)
	}
	return newCommand(KindSettings, "settings", struct {
		Headlight Headlight `json:"headlight"`
	}{Headlight{Mode: mode}}), nil
}

// CalendarCommand replaces the full weekly schedule.
func CalendarCommand(tasks []CalendarTask) (Command, error) {
	for i, task := range tasks {
		if err := task.Validate(); err != nil {
			return Command{}, fmt.Errorf("task %d: %w", i, err)
		}
	}
	if tasks == nil {
		tasks = []CalendarTask{}
	}
	return newCommand(KindCalendar, "calendar", Calendar{Tasks: tasks}), nil
}

func (t CalendarTask) Validate() error {
	if t.Start < 0 || t.Start > 1439 {
		return fmt.Errorf("start %d out of range 0..1439", t.Start)
	}
	if t.Duration < 1 || t.Duration > 1440 {
		return fmt.Errorf("duration %d out of range 1..1440", t.Duration)
	}
	return nil
}
