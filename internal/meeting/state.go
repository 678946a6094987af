package meeting

import (
	"errors"
	"fmt"
)

var (
	ErrMeetingInProgress = errors.New("meeting already in progress")
	ErrNoActiveMeeting   = errors.New("meeting already ended")
	ErrNotFacilitator    = errors.New("only the active facilitator can move the meeting")
	ErrInvalidTransition = errors.New("invalid meeting transition")
)

// State is the meeting portion of a team. A team with no MeetingID is in the
// lobby and every other field is at its zero/LOBBY value.
type State struct {
	MeetingID         string
	ActiveFacilitator string
	Facilitator       Pointer
	Meeting           Pointer
}

// Idle is the state of a team with no meeting.
func Idle() State {
	return State{
		Facilitator: Pointer{Phase: Lobby},
		Meeting:     Pointer{Phase: Lobby},
	}
}

// SummaryView is what clients are told when a meeting ends. It is broadcast,
// never persisted.
func SummaryView() State {
	return State{
		Facilitator: Pointer{Phase: Summary},
		Meeting:     Pointer{Phase: Summary},
	}
}

func (s State) InProgress() bool {
	return s.MeetingID != ""
}

// Validate checks the lobby invariant and that both pointers are well formed.
func (s State) Validate() error {
	if !s.InProgress() {
		if s != Idle() {
			return fmt.Errorf("%w: idle team carries meeting fields", ErrInvalidTransition)
		}
		return nil
	}
	if s.ActiveFacilitator == "" {
		return fmt.Errorf("%w: meeting has no facilitator", ErrInvalidTransition)
	}
	for _, p := range []Pointer{s.Facilitator, s.Meeting} {
		if err := p.validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidTransition, err)
		}
		if p.Phase == Lobby || p.Phase == Summary {
			return fmt.Errorf("%w: active meeting cannot sit in %s", ErrInvalidTransition, p.Phase)
		}
	}
	if s.Meeting.Before(s.Facilitator) {
		return fmt.Errorf("%w: facilitator is ahead of the meeting", ErrInvalidTransition)
	}
	return nil
}

// Start opens a meeting at the first check-in item.
func (s State) Start(meetingID, facilitatorID string) (State, error) {
	if s.InProgress() {
		return s, ErrMeetingInProgress
	}
	if meetingID == "" || facilitatorID == "" {
		return s, fmt.Errorf("%w: meeting id and facilitator are required", ErrInvalidTransition)
	}
	first := Pointer{Phase: CheckIn, Item: 1}
	return State{
		MeetingID:         meetingID,
		ActiveFacilitator: facilitatorID,
		Facilitator:       first,
		Meeting:           first,
	}, nil
}

// MoveRequest asks to move the facilitator to a new position.
type MoveRequest struct {
	To Pointer
	// By is the team member asking.
	By string
	// Force allows skipping ahead of the furthest phase reached.
	Force bool
	// ItemCount is the length of the list To walks. A list phase with no
	// items cannot be entered.
	ItemCount int
}

// Move advances (or rewinds) the facilitator. The meeting pointer records the
// furthest position reached and only ever moves forward.
func (s State) Move(req MoveRequest) (State, error) {
	if !s.InProgress() {
		return s, ErrNoActiveMeeting
	}
	if req.By != s.ActiveFacilitator {
		return s, ErrNotFacilitator
	}
	if err := req.To.validate(); err != nil {
		return s, fmt.Errorf("%w: %v", ErrInvalidTransition, err)
	}
	if req.To.Phase == Lobby || req.To.Phase == Summary {
		return s, fmt.Errorf("%w: use end or kill to leave the meeting", ErrInvalidTransition)
	}
	if req.To.Phase.HasItems() && req.To.Item > req.ItemCount {
		return s, fmt.Errorf("%w: item %d out of range (%d items)", ErrInvalidTransition, req.To.Item, req.ItemCount)
	}
	if !req.Force && req.To.Phase.Index() > s.Meeting.Phase.Next().Index() {
		return s, fmt.Errorf("%w: cannot skip from %s to %s", ErrInvalidTransition, s.Meeting.Phase, req.To.Phase)
	}

	next := s
	next.Facilitator = req.To
	if s.Meeting.Before(req.To) {
		next.Meeting = req.To
	}
	return next, nil
}

// PromoteFacilitator hands the meeting to another team member.
func (s State) PromoteFacilitator(teamMemberID string) (State, error) {
	if !s.InProgress() {
		return s, ErrNoActiveMeeting
	}
	if teamMemberID == "" {
		return s, fmt.Errorf("%w: facilitator is required", ErrInvalidTransition)
	}
	next := s
	next.ActiveFacilitator = teamMemberID
	return next, nil
}

// End closes the meeting and returns the team to the lobby.
func (s State) End() (State, error) {
	if !s.InProgress() {
		return s, ErrNoActiveMeeting
	}
	return Idle(), nil
}
