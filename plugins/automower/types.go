package automower

import "sort"

// MaxPositions bounds the stored GPS trail per mower.
const MaxPositions = 50

type MowerState string

const (
	StateInOperation    MowerState = "IN_OPERATION"
	StatePaused         MowerState = "PAUSED"
	StateRestricted     MowerState = "RESTRICTED"
	StateMowerError     MowerState = "ERROR"
	StateFatalError     MowerState = "FATAL_ERROR"
	StateErrorAtPowerUp MowerState = "ERROR_AT_POWER_UP"
	StateStopped        MowerState = "STOPPED"
	StateOff            MowerState = "OFF"
	StateUnknown        MowerState = "UNKNOWN"
	StateWaitUpdating   MowerState = "WAIT_UPDATING"
	StateWaitPowerUp    MowerState = "WAIT_POWER_UP"
)

func (s MowerState) Valid() bool {
	switch s {
	case StateInOperation, StatePaused, StateRestricted, StateMowerError, StateFatalError,
		StateErrorAtPowerUp, StateStopped, StateOff, StateUnknown, StateWaitUpdating, StateWaitPowerUp:
		return true
	}
	return false
}

type MowerActivity string

const (
	ActivityMowing          MowerActivity = "MOWING"
	ActivityLeaving         MowerActivity = "LEAVING"
	ActivityGoingHome       MowerActivity = "GOING_HOME"
	ActivityCharging        MowerActivity = "CHARGING"
	ActivityParkedInCS      MowerActivity = "PARKED_IN_CS"
	ActivityStoppedInGarden MowerActivity = "STOPPED_IN_GARDEN"
	ActivityNotApplicable   MowerActivity = "NOT_APPLICABLE"
	ActivityUnknown         MowerActivity = "UNKNOWN"
)

func (a MowerActivity) Valid() bool {
	switch a {
	case ActivityMowing, ActivityLeaving, ActivityGoingHome, ActivityCharging,
		ActivityParkedInCS, ActivityStoppedInGarden, ActivityNotApplicable, ActivityUnknown:
		return true
	}
	return false
}

type HeadlightMode string

const (
	HeadlightAlwaysOn        HeadlightMode = "ALWAYS_ON"
	HeadlightAlwaysOff       HeadlightMode = "ALWAYS_OFF"
	HeadlightEveningOnly     HeadlightMode = "EVENING_ONLY"
	HeadlightEveningAndNight HeadlightMode = "EVENING_AND_NIGHT"
)

func (m HeadlightMode) Valid() bool {
	switch m {
	case HeadlightAlwaysOn, HeadlightAlwaysOff, HeadlightEveningOnly, HeadlightEveningAndNight:
		return true
	}
	return false
}

type System struct {
	Name         string `json:"name"`
	Model        string `json:"model"`
	SerialNumber int64  `json:"serialNumber"`
}

type Battery struct {
	BatteryPercent int `json:"batteryPercent"`
}

type MowerStatus struct {
	Mode               string        `json:"mode"`
	Activity           MowerActivity `json:"activity"`
	State              MowerState    `json:"state"`
	ErrorCode          int           `json:"errorCode"`
	ErrorCodeTimestamp int64         `json:"errorCodeTimestamp"`
}

type Override struct {
	Action string `json:"action"`
}

type Planner struct {
	NextStartTimestamp int64    `json:"nextStartTimestamp"`
	Override           Override `json:"override"`
	RestrictedReason   string   `json:"restrictedReason"`
}

type Metadata struct {
	Connected       bool  `json:"connected"`
	StatusTimestamp int64 `json:"statusTimestamp"`
}

type Position struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// CalendarTask is one weekly mowing window. Start and Duration are minutes.
type CalendarTask struct {
	Start     int  `json:"start"`
	Duration  int  `json:"duration"`
	Monday    bool `json:"monday"`
	Tuesday   bool `json:"tuesday"`
	Wednesday bool `json:"wednesday"`
	Thursday  bool `json:"thursday"`
	Friday    bool `json:"friday"`
	Saturday  bool `json:"saturday"`
	Sunday    bool `json:"sunday"`
}

type Calendar struct {
	Tasks []CalendarTask `json:"tasks"`
}

type Statistics struct {
	NumberOfChargingCycles int64 `json:"numberOfChargingCycles"`
	NumberOfCollisions     int64 `json:"numberOfCollisions"`
	TotalChargingTime      int64 `json:"totalChargingTime"`
	TotalCuttingTime       int64 `json:"totalCuttingTime"`
	TotalRunningTime       int64 `json:"totalRunningTime"`
	TotalSearchingTime     int64 `json:"totalSearchingTime"`
}

type Headlight struct {
	Mode HeadlightMode `json:"mode,omitempty"`
}

// Settings holds adjustable mower settings. CuttingHeight is nil on models
// without an adjustable cutting height.
type Settings struct {
	CuttingHeight *int      `json:"cuttingHeight,omitempty"`
	Headlight     Headlight `json:"headlight"`
}

// MowerAttributes is the stored record for one mower.
type MowerAttributes struct {
	System     System      `json:"system"`
	Battery    Battery     `json:"battery"`
	Mower      MowerStatus `json:"mower"`
	Planner    Planner     `json:"planner"`
	Metadata   Metadata    `json:"metadata"`
	Positions  []Position  `json:"positions"`
	Calendar   Calendar    `json:"calendar"`
	Statistics Statistics  `json:"statistics"`
	Settings   Settings    `json:"settings"`
}

// Activity returns the reported activity. ok is false while the mower is
// disconnected; the stored value is kept but should not be shown.
func (m MowerAttributes) Activity() (MowerActivity, bool) {
	if !m.Metadata.Connected {
		return "", false
	}
	return m.Mower.Activity, true
}

// State returns the reported state, or ok=false while disconnected.
func (m MowerAttributes) State() (MowerState, bool) {
	if !m.Metadata.Connected {
		return "", false
	}
	return m.Mower.State, true
}

// CuttingHeight reports the cutting height and whether the model has one.
func (m MowerAttributes) CuttingHeight() (int, bool) {
	if m.Settings.CuttingHeight == nil {
		return 0, false
	}
	return *m.Settings.CuttingHeight, true
}

// normalize enforces value bounds after any decode.
func (m *MowerAttributes) normalize() {
	m.Battery.BatteryPercent = clamp(m.Battery.BatteryPercent, 0, 100)
	if len(m.Positions) > MaxPositions {
		m.Positions = m.Positions[:MaxPositions]
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Snapshot maps mower id to attributes. A published Snapshot is never
// modified; mutations build a new map.
type Snapshot map[string]MowerAttributes

// IDs returns the mower ids in sorted order.
func (s Snapshot) IDs() []string {
	ids := make([]string, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// with returns a copy of s with id set to attrs.
func (s Snapshot) with(id string, attrs MowerAttributes) Snapshot {
	next := make(Snapshot, len(s))
	for k, v := range s {
		next[k] = v
	}
	next[id] = attrs
	return next
}
