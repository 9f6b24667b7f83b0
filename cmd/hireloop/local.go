package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/hireloop/hireloop/internal/agents"
	"github.com/hireloop/hireloop/internal/match"
	"github.com/hireloop/hireloop/pkg/schema"
)

// Local filesystem-backed collaborators for running the engine without the
// external ATS, scoring service, calendar and mail providers. Layout under
// the data dir:
//
//	inbox/<job_id>/<candidate_id>.txt   newly received resumes
//	resumes/<candidate_id>.txt          resume text after intake
//	jobs/<job_id>.json                  {"keywords": [...]}
//	roster/<job_id>.json                [{"id": ..., "skills": [...]}]
//	availability/<candidate_id>.json    {"id": ..., "free": [...]}
//	outbox.jsonl                        sent notifications, one per line

// fileExtractor reads resume text from resumes/<candidate_id>.txt.
type fileExtractor struct {
	dir string
}

func (e *fileExtractor) Extract(_ context.Context, candidateID string) (string, error) {
	data, err := os.ReadFile(filepath.Join(e.dir, "resumes", candidateID+".txt"))
	if err != nil {
		return "", fmt.Errorf("read resume for %s: %w", candidateID, err)
	}
	return string(data), nil
}

// keywordScorer scores a resume by keyword overlap with jobs/<job_id>.json.
type keywordScorer struct {
	dir string
}

type jobProfile struct {
	Keywords []string `json:"keywords"`
}

func (s *keywordScorer) Score(_ context.Context, jobID, _ string, resumeText string) (float64, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, "jobs", jobID+".json"))
	if err != nil {
		return 0, fmt.Errorf("read job profile for %s: %w", jobID, err)
	}
	var job jobProfile
	if err := json.Unmarshal(data, &job); err != nil {
		return 0, fmt.Errorf("parse job profile for %s: %w", jobID, err)
	}
	if len(job.Keywords) == 0 {
		return 5.0, nil
	}

	lower := strings.ToLower(resumeText)
	matched := 0
	for _, kw := range job.Keywords {
		if strings.Contains(lower, strings.ToLower(kw)) {
			matched++
		}
	}
	return 10.0 * float64(matched) / float64(len(job.Keywords)), nil
}

// rosterDirectory lists interviewers from roster/<job_id>.json.
type rosterDirectory struct {
	dir string
}

func (d *rosterDirectory) Interviewers(_ context.Context, jobID string) ([]match.Interviewer, error) {
	data, err := os.ReadFile(filepath.Join(d.dir, "roster", jobID+".json"))
	if err != nil {
		return nil, fmt.Errorf("read roster for %s: %w", jobID, err)
	}
	var interviewers []match.Interviewer
	if err := json.Unmarshal(data, &interviewers); err != nil {
		return nil, fmt.Errorf("parse roster for %s: %w", jobID, err)
	}
	return interviewers, nil
}

// declaredAvailability reads availability/<candidate_id>.json.
type declaredAvailability struct {
	dir string
}

func (a *declaredAvailability) Availability(_ context.Context, candidateID string) (match.Candidate, error) {
	data, err := os.ReadFile(filepath.Join(a.dir, "availability", candidateID+".json"))
	if err != nil {
		return match.Candidate{}, fmt.Errorf("read availability for %s: %w", candidateID, err)
	}
	var candidate match.Candidate
	if err := json.Unmarshal(data, &candidate); err != nil {
		return match.Candidate{}, fmt.Errorf("parse availability for %s: %w", candidateID, err)
	}
	if candidate.ID == "" {
		candidate.ID = candidateID
	}
	return candidate, nil
}

// memoryCalendar tracks bookings in memory and rejects overlapping ones with
// a booking conflict, so the schedule agent's re-match path is exercised.
type memoryCalendar struct {
	mu     sync.Mutex
	booked map[string][]match.Interval // interviewer id -> booked intervals
}

func newMemoryCalendar() *memoryCalendar {
	return &memoryCalendar{booked: make(map[string][]match.Interval)}
}

func (c *memoryCalendar) FreeBusy(_ context.Context, interviewerID string, window match.Interval) ([]match.Interval, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var busy []match.Interval
	for _, iv := range c.booked[interviewerID] {
		if iv.Overlaps(window) {
			busy = append(busy, iv)
		}
	}
	return busy, nil
}

func (c *memoryCalendar) Book(_ context.Context, slot match.Slot) (agents.BookingRef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	proposed := match.Interval{Start: slot.Start, End: slot.End}
	for _, iv := range c.booked[slot.InterviewerID] {
		if iv.Overlaps(proposed) {
			return agents.BookingRef{}, schema.NewErrorf(schema.ErrCodeBookingConflict,
				"interviewer %s already booked at %s", slot.InterviewerID, slot.Start)
		}
	}

	c.booked[slot.InterviewerID] = append(c.booked[slot.InterviewerID], proposed)
	return agents.BookingRef{BookingID: uuid.New().String()}, nil
}

// outboxMailer appends messages to outbox.jsonl, deduplicating by
// idempotency key.
type outboxMailer struct {
	path string
	mu   sync.Mutex
	seen map[string]struct{}
}

func newOutboxMailer(dir string) *outboxMailer {
	return &outboxMailer{
		path: filepath.Join(dir, "outbox.jsonl"),
		seen: make(map[string]struct{}),
	}
}

func (m *outboxMailer) Send(_ context.Context, msg agents.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.seen[msg.IdempotencyKey]; ok {
		return nil
	}

	line, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(m.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return err
	}

	m.seen[msg.IdempotencyKey] = struct{}{}
	return nil
}

// inboxSource sweeps inbox/<job_id>/ for newly received resumes. Each sweep
// moves the files into resumes/ so a candidate is only returned once.
type inboxSource struct {
	dir string
	mu  sync.Mutex
}

func (s *inboxSource) PendingCandidates(_ context.Context, jobID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inbox := filepath.Join(s.dir, "inbox", jobID)
	entries, err := os.ReadDir(inbox)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read inbox for %s: %w", jobID, err)
	}

	resumes := filepath.Join(s.dir, "resumes")
	if err := os.MkdirAll(resumes, 0o755); err != nil {
		return nil, err
	}

	var candidates []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".txt") {
			continue
		}
		if err := os.Rename(filepath.Join(inbox, name), filepath.Join(resumes, name)); err != nil {
			return nil, fmt.Errorf("intake %s: %w", name, err)
		}
		candidates = append(candidates, strings.TrimSuffix(name, ".txt"))
	}
	return candidates, nil
}
