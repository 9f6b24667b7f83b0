package match

import (
	"fmt"
	"iter"
	"sort"
	"time"
)

// SlotStatus tracks an InterviewSlot through proposal and booking.
type SlotStatus string

const (
	SlotProposed   SlotStatus = "proposed"
	SlotConfirmed  SlotStatus = "confirmed"
	SlotConflicted SlotStatus = "conflicted"
)

// Slot is one feasible interview proposal. Start and End are UTC and
// End - Start always equals the requested duration.
type Slot struct {
	Start         time.Time     `json:"start"`
	End           time.Time     `json:"end"`
	Duration      time.Duration `json:"duration"`
	InterviewerID string        `json:"interviewer_id"`
	CandidateID   string        `json:"candidate_id"`
	Status        SlotStatus    `json:"status"`
}

// Key identifies a slot for exclusion purposes.
func (s Slot) Key() string {
	return fmt.Sprintf("%s@%d", s.InterviewerID, s.Start.Unix())
}

// Interviewer is one bookable interviewer calendar.
type Interviewer struct {
	ID        string     `json:"id"`
	TimeZone  string     `json:"time_zone,omitempty"` // display only, never used for interval math
	Busy      []Interval `json:"busy"`                // UTC
	Skills    []string   `json:"skills,omitempty"`
	Load      int        `json:"load,omitempty"`        // currently booked interviews
	MaxPerDay int        `json:"max_per_day,omitempty"` // daily capacity over all busy intervals, 0 = unlimited
}

// Candidate is the candidate's declared availability.
type Candidate struct {
	ID       string     `json:"id"`
	TimeZone string     `json:"time_zone,omitempty"` // display only
	Free     []Interval `json:"free"`                // UTC
}

// Policy selects the slot ranking order.
type Policy string

const (
	// EarliestFirst orders slots strictly by start time.
	EarliestFirst Policy = "earliest_first"
	// SkillMatchFirst orders by required-skill overlap, then start time.
	SkillMatchFirst Policy = "skill_match_first"
)

// ExclusionSet records slots and interviewers to leave out of a re-match,
// used during booking-conflict resolution.
type ExclusionSet struct {
	slots        map[string]struct{}
	interviewers map[string]struct{}
}

// NewExclusionSet creates an empty ExclusionSet.
func NewExclusionSet() *ExclusionSet {
	return &ExclusionSet{
		slots:        make(map[string]struct{}),
		interviewers: make(map[string]struct{}),
	}
}

// ExcludeSlot marks one specific slot as unusable.
func (e *ExclusionSet) ExcludeSlot(s Slot) { e.slots[s.Key()] = struct{}{} }

// ExcludeInterviewer removes an interviewer from consideration entirely.
func (e *ExclusionSet) ExcludeInterviewer(id string) { e.interviewers[id] = struct{}{} }

func (e *ExclusionSet) excludesSlot(s Slot) bool {
	if e == nil {
		return false
	}
	if _, ok := e.interviewers[s.InterviewerID]; ok {
		return true
	}
	_, ok := e.slots[s.Key()]
	return ok
}

func (e *ExclusionSet) excludesInterviewer(id string) bool {
	if e == nil {
		return false
	}
	_, ok := e.interviewers[id]
	return ok
}

// Request carries everything one matching run needs.
type Request struct {
	Candidate      Candidate
	Interviewers   []Interviewer
	Duration       time.Duration
	Horizon        Interval
	Granularity    time.Duration // slot boundary alignment, default 15m
	Policy         Policy
	RequiredSkills []string // consulted by SkillMatchFirst
	ScoreExpr      string   // optional custom ranking expression, highest first
	Exclude        *ExclusionSet
	SkipWeekends   bool
}

// DefaultGranularity aligns slots to 15-minute boundaries.
const DefaultGranularity = 15 * time.Minute

// Slots computes every feasible interview slot and returns them ranked, best
// first, as a lazy, finite, restartable sequence. An empty sequence is a
// valid negative result, not an error.
func Slots(req Request) iter.Seq[Slot] {
	ranked := rankedSlots(req)
	return func(yield func(Slot) bool) {
		for _, s := range ranked {
			if !yield(s) {
				return
			}
		}
	}
}

// First returns the best slot, or false when no slot satisfies the request.
func First(req Request) (Slot, bool) {
	for s := range Slots(req) {
		return s, true
	}
	return Slot{}, false
}

func rankedSlots(req Request) []Slot {
	if req.Duration <= 0 || !req.Horizon.Valid() {
		return nil
	}
	granularity := req.Granularity
	if granularity <= 0 {
		granularity = DefaultGranularity
	}

	candidateFree := Normalize(req.Candidate.Free)

	var slots []Slot
	for _, iv := range req.Interviewers {
		if req.Exclude.excludesInterviewer(iv.ID) {
			continue
		}

		free := Complement(iv.Busy, req.Horizon)
		joint := Intersect(free, candidateFree)

		for _, window := range joint {
			if window.Duration() < req.Duration {
				continue
			}
			for start := alignUp(window.Start, granularity); !start.Add(req.Duration).After(window.End); start = start.Add(granularity) {
				if req.SkipWeekends && isWeekend(start) {
					continue
				}
				slot := Slot{
					Start:         start,
					End:           start.Add(req.Duration),
					Duration:      req.Duration,
					InterviewerID: iv.ID,
					CandidateID:   req.Candidate.ID,
					Status:        SlotProposed,
				}
				if req.Exclude.excludesSlot(slot) {
					continue
				}
				if iv.MaxPerDay > 0 && bookingsOnDay(iv.Busy, start) >= iv.MaxPerDay {
					continue
				}
				slots = append(slots, slot)
			}
		}
	}

	rank(slots, req)
	return slots
}

// rank orders slots best first according to the request policy. Ties always
// fall through to interviewer id so the order is deterministic.
func rank(slots []Slot, req Request) {
	byID := make(map[string]Interviewer, len(req.Interviewers))
	for _, iv := range req.Interviewers {
		byID[iv.ID] = iv
	}

	var scores map[string]float64
	if req.ScoreExpr != "" {
		scores = exprScores(slots, byID, req)
	}

	sort.SliceStable(slots, func(i, j int) bool {
		a, b := slots[i], slots[j]

		if scores != nil {
			sa, sb := scores[a.Key()], scores[b.Key()]
			if sa != sb {
				return sa > sb
			}
		}

		if req.Policy == SkillMatchFirst {
			ma := skillOverlap(byID[a.InterviewerID].Skills, req.RequiredSkills)
			mb := skillOverlap(byID[b.InterviewerID].Skills, req.RequiredSkills)
			if ma != mb {
				return ma > mb
			}
		}

		if !a.Start.Equal(b.Start) {
			return a.Start.Before(b.Start)
		}
		la, lb := byID[a.InterviewerID].Load, byID[b.InterviewerID].Load
		if la != lb {
			return la < lb
		}
		return a.InterviewerID < b.InterviewerID
	})
}

func skillOverlap(have, want []string) int {
	if len(want) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(have))
	for _, s := range have {
		set[s] = struct{}{}
	}
	n := 0
	for _, s := range want {
		if _, ok := set[s]; ok {
			n++
		}
	}
	return n
}

// bookingsOnDay counts busy intervals starting on the same UTC day as t.
// The calendar feed does not distinguish interviews from other busy time, so
// every busy interval counts against MaxPerDay. That undercounts remaining
// capacity on days with unrelated meetings, never overbooks.
func bookingsOnDay(busy []Interval, t time.Time) int {
	y, m, d := t.UTC().Date()
	n := 0
	for _, iv := range busy {
		by, bm, bd := iv.Start.UTC().Date()
		if by == y && bm == m && bd == d {
			n++
		}
	}
	return n
}
