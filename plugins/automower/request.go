package automower

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// CommandRequest is the JSON form of a command used by the HTTP and MQTT
// surfaces. Either Command names a builtin intent or Kind plus Payload
// carry a raw request body.
type CommandRequest struct {
	ID      string          `json:"id,omitempty"`
	Command string          `json:"command,omitempty"`
	Minutes int             `json:"minutes,omitempty"`
	Height  int             `json:"height,omitempty"`
	Mode    string          `json:"mode,omitempty"`
	Tasks   []CalendarTask  `json:"tasks,omitempty"`
	Kind    string          `json:"kind,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// CommandResult reports the outcome of a CommandRequest.
type CommandResult struct {
	ID      string `json:"id,omitempty"`
	MowerID string `json:"mower_id"`
	Command string `json:"command"`
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
}

var errUnknownCommand = errors.New("unknown command")

// Build turns the request into a provider command.
func (r CommandRequest) Build() (Command, error) {
	if r.Kind != "" {
		kind, err := ParseCommandKind(r.Kind)
		if err != nil {
			return Command{}, err
		}
		if len(r.Payload) == 0 {
			return Command{}, errors.New("payload is required with kind")
		}
		return Command{Kind: kind, Payload: r.Payload}, nil
	}
	minutes := time.Duration(r.Minutes) * time.Minute
	switch r.Command {
	case "resume", "resume_schedule":
		return ResumeScheduleCommand(), nil
	case "pause":
		return PauseCommand(), nil
	case "park_until_next_schedule":
		return ParkUntilNextScheduleCommand(), nil
	case "park_until_further_notice", "park":
		return ParkUntilFurtherNoticeCommand(), nil
	case "start":
		return StartForCommand(minutes)
	case "park_for":
		return ParkForCommand(minutes)
	case "cutting_height":
		return CuttingHeightCommand(r.Height)
	case "headlight":
		return HeadlightCommand(HeadlightMode(r.Mode))
	case "calendar":
		return CalendarCommand(r.Tasks)
	case "":
		return Command{}, errors.New("command or kind is required")
	default:
		return Command{}, fmt.Errorf("%w %q", errUnknownCommand, r.Command)
	}
}

// Name labels the request in results and logs.
func (r CommandRequest) Name() string {
	if r.Command != "" {
		return r.Command
	}
	return r.Kind
}
