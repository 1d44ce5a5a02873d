package rides

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Action names a lifecycle action. The same names are written to the audit trail.
type Action string

const (
	ActionCreated       Action = "created"
	ActionDispatched    Action = "dispatched"
	ActionLocked        Action = "locked"
	ActionAssigned      Action = "assigned"
	ActionApproved      Action = "approved"
	ActionEnroute       Action = "enroute"
	ActionArrived       Action = "arrived"
	ActionFinished      Action = "finished"
	ActionCancelled     Action = "cancelled"
	ActionRedispatched  Action = "redispatched"
	ActionIssueReported Action = "issue_reported"
	ActionIssueResolved Action = "issue_resolved"
)

// ActionDetails is the typed payload of an audit entry. The set of
// implementations is closed: one per Action.
type ActionDetails interface {
	action() Action
}

// CreatedDetails and the types below are the concrete audit payloads, one per action.
type CreatedDetails struct {
	Price      float64    `json:"price"`
	TemplateID *uuid.UUID `json:"template_id,omitempty"`
}

type DispatchedDetails struct {
	Candidates int           `json:"candidates"`
	TTL        time.Duration `json:"ttl"`
}

type LockedDetails struct {
	DriverID  string    `json:"driver_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

type AssignedDetails struct {
	DriverID   string `json:"driver_id"`
	DriverName string `json:"driver_name"`
}

type ApprovedDetails struct{}

type EnrouteDetails struct {
	Location *Location `json:"location,omitempty"`
}

type ArrivedDetails struct {
	Location *Location `json:"location,omitempty"`
}

type FinishedDetails struct {
	FinalTotal   float64 `json:"final_total"`
	Recalculated bool    `json:"recalculated"`
}

type CancelledDetails struct {
	Reason         string `json:"reason"`
	PreviousStatus Status `json:"previous_status"`
}

type RedispatchedDetails struct {
	PreviousDriverID string `json:"previous_driver_id,omitempty"`
	PreviousStatus   Status `json:"previous_status"`
	Reason           string `json:"reason"`
}

type IssueReportedDetails struct {
	IssueID  uuid.UUID `json:"issue_id"`
	Type     string    `json:"type"`
	Severity string    `json:"severity"`
}

type IssueResolvedDetails struct {
	IssueID    uuid.UUID `json:"issue_id"`
	Resolution string    `json:"resolution"`
}

func (CreatedDetails) action() Action       { return ActionCreated }
func (DispatchedDetails) action() Action    { return ActionDispatched }
func (LockedDetails) action() Action        { return ActionLocked }
func (AssignedDetails) action() Action      { return ActionAssigned }
func (ApprovedDetails) action() Action      { return ActionApproved }
func (EnrouteDetails) action() Action       { return ActionEnroute }
func (ArrivedDetails) action() Action       { return ActionArrived }
func (FinishedDetails) action() Action      { return ActionFinished }
func (CancelledDetails) action() Action     { return ActionCancelled }
func (RedispatchedDetails) action() Action  { return ActionRedispatched }
func (IssueReportedDetails) action() Action { return ActionIssueReported }
func (IssueResolvedDetails) action() Action { return ActionIssueResolved }

func decodeAs[T any](raw []byte) (T, error) {
	var v T
	err := json.Unmarshal(raw, &v)
	return v, err
}

func decodeActionDetails(a Action, raw []byte) (ActionDetails, error) {
	switch a {
	case ActionCreated:
		return decodeAs[CreatedDetails](raw)
	case ActionDispatched:
		return decodeAs[DispatchedDetails](raw)
	case ActionLocked:
		return decodeAs[LockedDetails](raw)
	case ActionAssigned:
		return decodeAs[AssignedDetails](raw)
	case ActionApproved:
		return decodeAs[ApprovedDetails](raw)
	case ActionEnroute:
		return decodeAs[EnrouteDetails](raw)
	case ActionArrived:
		return decodeAs[ArrivedDetails](raw)
	case ActionFinished:
		return decodeAs[FinishedDetails](raw)
	case ActionCancelled:
		return decodeAs[CancelledDetails](raw)
	case ActionRedispatched:
		return decodeAs[RedispatchedDetails](raw)
	case ActionIssueReported:
		return decodeAs[IssueReportedDetails](raw)
	case ActionIssueResolved:
		return decodeAs[IssueResolvedDetails](raw)
	}
	return nil, fmt.Errorf("unknown action %q", a)
}

type actionEntryJSON struct {
	Action      Action          `json:"action"`
	PerformedBy string          `json:"performed_by"`
	Timestamp   time.Time       `json:"timestamp"`
	Details     json.RawMessage `json:"details,omitempty"`
}

// MarshalJSON writes the action next to its details
func (e ActionEntry) MarshalJSON() ([]byte, error) {
	out := actionEntryJSON{Action: e.Action, PerformedBy: e.PerformedBy, Timestamp: e.Timestamp}
	if e.Details != nil {
		if e.Details.action() != e.Action {
			return nil, fmt.Errorf("details for %q attached to %q entry", e.Details.action(), e.Action)
		}
		raw, err := json.Marshal(e.Details)
		if err != nil {
			return nil, err
		}
		out.Details = raw
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes details into the type selected by the action
func (e *ActionEntry) UnmarshalJSON(data []byte) error {
	var in actionEntryJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	e.Action, e.PerformedBy, e.Timestamp, e.Details = in.Action, in.PerformedBy, in.Timestamp, nil
	if len(in.Details) == 0 || string(in.Details) == "null" {
		return nil
	}

	details, err := decodeActionDetails(in.Action, in.Details)
	if err != nil {
		return fmt.Errorf("decode %s details: %w", in.Action, err)
	}
	e.Details = details
	return nil
}

// EventKind names a timeline event
type EventKind string

const (
	EventRideCreated     EventKind = "ride_created"
	EventSearchingDriver EventKind = "searching_driver"
	EventOfferResent     EventKind = "offer_resent"
	EventDriverAccepted  EventKind = "driver_accepted"
	EventDriverAssigned  EventKind = "driver_assigned"
	EventRideApproved    EventKind = "ride_approved"
	EventDriverEnroute   EventKind = "driver_enroute"
	EventDriverArrived   EventKind = "driver_arrived"
	EventRideFinished    EventKind = "ride_finished"
	EventRideCancelled   EventKind = "ride_cancelled"
	EventDriverReleased  EventKind = "driver_released"
	EventIssueReported   EventKind = "issue_reported"
	EventIssueResolved   EventKind = "issue_resolved"
)

// TimelineData is the typed payload of a timeline event. Like ActionDetails
// the set is closed; the event kind selects the type on decode.
type TimelineData interface {
	timelineData()
}

// SearchingDriverData is also used for offer_resent.
type SearchingDriverData struct {
	Candidates int `json:"candidates"`
}

type DriverAssignedData struct {
	DriverName  string `json:"driver_name"`
	DriverPhone string `json:"driver_phone,omitempty"`
}

type DriverEnrouteData struct {
	Location *Location `json:"location,omitempty"`
}

type DriverArrivedData struct {
	Location *Location `json:"location,omitempty"`
}

type RideFinishedData struct {
	FinalTotal float64 `json:"final_total"`
}

type RideCancelledData struct {
	Reason string `json:"reason"`
}

type DriverReleasedData struct {
	Reason string `json:"reason"`
}

type IssueEventData struct {
	IssueID uuid.UUID `json:"issue_id"`
	Type    string    `json:"type"`
}

func (SearchingDriverData) timelineData() {}
func (DriverAssignedData) timelineData()  {}
func (DriverEnrouteData) timelineData()   {}
func (DriverArrivedData) timelineData()   {}
func (RideFinishedData) timelineData()    {}
func (RideCancelledData) timelineData()   {}
func (DriverReleasedData) timelineData()  {}

// Shared by both issue kinds.
func (IssueEventData) timelineData() {}

func decodeTimelineData(k EventKind, raw []byte) (TimelineData, error) {
	switch k {
	case EventSearchingDriver, EventOfferResent:
		return decodeAs[SearchingDriverData](raw)
	case EventDriverAssigned:
		return decodeAs[DriverAssignedData](raw)
	case EventDriverEnroute:
		return decodeAs[DriverEnrouteData](raw)
	case EventDriverArrived:
		return decodeAs[DriverArrivedData](raw)
	case EventRideFinished:
		return decodeAs[RideFinishedData](raw)
	case EventRideCancelled:
		return decodeAs[RideCancelledData](raw)
	case EventDriverReleased:
		return decodeAs[DriverReleasedData](raw)
	case EventIssueReported, EventIssueResolved:
		return decodeAs[IssueEventData](raw)
	}
	return nil, fmt.Errorf("event kind %q carries no data", k)
}

type timelineEventJSON struct {
	Kind EventKind       `json:"kind"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data,omitempty"`
}

// MarshalJSON writes the kind next to its data
func (ev TimelineEvent) MarshalJSON() ([]byte, error) {
	out := timelineEventJSON{Kind: ev.Kind, At: ev.At}
	if ev.Data != nil {
		raw, err := json.Marshal(ev.Data)
		if err != nil {
			return nil, err
		}
		out.Data = raw
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes data into the type selected by the kind
func (ev *TimelineEvent) UnmarshalJSON(data []byte) error {
	var in timelineEventJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	ev.Kind, ev.At, ev.Data = in.Kind, in.At, nil
	if len(in.Data) == 0 || string(in.Data) == "null" {
		return nil
	}

	payload, err := decodeTimelineData(in.Kind, in.Data)
	if err != nil {
		return fmt.Errorf("decode %s data: %w", in.Kind, err)
	}
	ev.Data = payload
	return nil
}
