package automower

import (
	"encoding/json"
	"reflect"
	"testing"
	"time"
)

func TestCommandPayloads(t *testing.T) {
	mustCommand := func(cmd Command, err error) Command {
		t.Helper()
		if err != nil {
			t.Fatalf("build command: %v", err)
		}
		return cmd
	}

	cases := []struct {
		name string
		cmd  Command
		kind CommandKind
		want string
	}{
		{"resume", ResumeScheduleCommand(), KindActions, `{"data":{"type":"ResumeSchedule"}}`},
		{"pause", PauseCommand(), KindActions, `{"data":{"type":"Pause"}}`},
		{"park next", ParkUntilNextScheduleCommand(), KindActions, `{"data":{"type":"ParkUntilNextSchedule"}}`},
		{"park notice", ParkUntilFurtherNoticeCommand(), KindActions, `{"data":{"type":"ParkUntilFurtherNotice"}}`},
		{"start", mustCommand(StartForCommand(90 * time.Minute)), KindActions, `{"data":{"type":"Start","attributes":{"duration":90}}}`},
		{"park", mustCommand(ParkForCommand(30 * time.Minute)), KindActions, `{"data":{"type":"Park","attributes":{"duration":30}}}`},
		{"height", mustCommand(CuttingHeightCommand(5)), KindSettings, `{"data":{"type":"settings","attributes":{"cuttingHeight":5}}}`},
		{"headlight", mustCommand(HeadlightCommand(HeadlightEveningOnly)), KindSettings, `{"data":{"type":"settings","attributes":{"headlight":{"mode":"EVENING_ONLY"}}}}`},
		{"calendar", mustCommand(CalendarCommand([]CalendarTask{{Start: 480, Duration: 120, Monday: true}})), KindCalendar,
			`{"data":{"type":"calendar","attributes":{"tasks":[{"start":480,"duration":120,"monday":true,"tuesday":false,"wednesday":false,"thursday":false,"friday":false,"saturday":false,"sunday":false}]}}}`},
	}

	for _, tc := range cases {
		if tc.cmd.Kind != tc.kind {
			t.Fatalf("%s: kind = %s, want %s", tc.name, tc.cmd.Kind, tc.kind)
		}
		if string(tc.cmd.Payload) != tc.want {
			t.Fatalf("%s: payload = %s, want %s", tc.name, tc.cmd.Payload, tc.want)
		}
	}
}

func TestCommandValidation(t *testing.T) {
	if _, err := CuttingHeightCommand(0); err == nil {
		t.Fatalf("expected error for cutting height 0")
	}
	if _, err := CuttingHeightCommand(10); err == nil {
		t.Fatalf("expected error for cutting height 10")
	}
	if _, err := HeadlightCommand("BLINKING"); err == nil {
		t.Fatalf("expected error for unknown headlight mode")
	}
	if _, err := StartForCommand(30 * time.Second); err == nil {
		t.Fatalf("expected error for sub-minute duration")
	}
	if _, err := CalendarCommand([]CalendarTask{{Start: 1440, Duration: 10}}); err == nil {
		t.Fatalf("expected error for start past midnight")
	}
	if _, err := CalendarCommand([]CalendarTask{{Start: 0, Duration: 0}}); err == nil {
		t.Fatalf("expected error for zero duration")
	}
	if _, err := ParseCommandKind("reboot"); err == nil {
		t.Fatalf("expected error for unknown kind")
	}
}

func TestCalendarCommandEmptyTasks(t *testing.T) {
	cmd, err := CalendarCommand(nil)
	if err != nil {
		t.Fatalf("CalendarCommand: %v", err)
	}
	want := `{"data":{"type":"calendar","attributes":{"tasks":[]}}}`
	if string(cmd.Payload) != want {
		t.Fatalf("payload = %s, want %s", cmd.Payload, want)
	}
}

func TestCalendarCommandSurvivesProviderEcho(t *testing.T) {
	tasks := []CalendarTask{
		{Start: 420, Duration: 180, Monday: true, Wednesday: true, Friday: true},
		{Start: 900, Duration: 60, Saturday: true, Sunday: true},
		{Start: 900, Duration: 90, Tuesday: true},
	}
	cmd, err := CalendarCommand(tasks)
	if err != nil {
		t.Fatalf("CalendarCommand: %v", err)
	}

	var sent struct {
		Data struct {
			Attributes json.RawMessage `json:"attributes"`
		} `json:"data"`
	}
	if err := json.Unmarshal(cmd.Payload, &sent); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	body := `{"data":[{"type":"mower","id":"m1","attributes":{"calendar":` + string(sent.Data.Attributes) + `}}]}`

	snapshot, err := decodeMowerList([]byte(body))
	if err != nil {
		t.Fatalf("decodeMowerList: %v", err)
	}
	if got := snapshot["m1"].Calendar.Tasks; !reflect.DeepEqual(got, tasks) {
		t.Fatalf("calendar changed on round trip:\n got  %+v\n want %+v", got, tasks)
	}
}
