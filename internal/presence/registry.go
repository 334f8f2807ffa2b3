// Package presence tracks who is connected to a document session, where
// their cursor is, and when they were last heard from.
package presence

import (
	"hash/fnv"
	"sort"
	"time"
)

// Palette is the fixed set of participant colors
var Palette = []string{
	"#E53935", "#8E24AA", "#3949AB", "#039BE5",
	"#00897B", "#7CB342", "#FDD835", "#FB8C00",
	"#6D4C41", "#D81B60", "#5E35B1", "#00ACC1",
}

// Cursor is a participant's caret and selection
type Cursor struct {
	Position       int `json:"position"`
	SelectionStart int `json:"selectionStart"`
	SelectionEnd   int `json:"selectionEnd"`
}

// Selection is an optional selected range
type Selection struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Participant is one live connection in a session
type Participant struct {
	ConnectionID string    `json:"connectionId"`
	UserID       string    `json:"userId"`
	DisplayName  string    `json:"displayName"`
	Color        string    `json:"color"`
	Cursor       *Cursor   `json:"cursor"`
	JoinedAt     time.Time `json:"joinedAt"`
	LastSeenAt   time.Time `json:"lastSeenAt"`
}

// Registry holds the participants of one session. It is not safe for
// concurrent use; the owning session serializes access.
type Registry struct {
	participants map[string]*Participant
	timeout      time.Duration
	next         int // round-robin cursor into Palette
}

// NewRegistry creates a registry that expires participants silent for
// longer than timeout.
func NewRegistry(timeout time.Duration) *Registry {
	return &Registry{
		participants: make(map[string]*Participant),
		timeout:      timeout,
	}
}

// Join adds a participant and assigns its color.
func (r *Registry) Join(connectionID, userID, displayName string, now time.Time) Participant {
	p := &Participant{
		ConnectionID: connectionID,
		UserID:       userID,
		DisplayName:  displayName,
		Color:        r.assignColor(connectionID),
		JoinedAt:     now,
		LastSeenAt:   now,
	}
	r.participants[connectionID] = p
	return *p
}

// assignColor hashes the connection id into the palette and falls back to
// round-robin when the hashed color is already taken.
func (r *Registry) assignColor(connectionID string) string {
	h := fnv.New32a()
	h.Write([]byte(connectionID))
	preferred := Palette[h.Sum32()%uint32(len(Palette))]

	used := make(map[string]bool, len(r.participants))
	for _, p := range r.participants {
		used[p.Color] = true
	}
	if !used[preferred] {
		return preferred
	}

	for i := 0; i < len(Palette); i++ {
		c := Palette[(r.next+i)%len(Palette)]
		if !used[c] {
			r.next = (r.next + i + 1) % len(Palette)
			return c
		}
	}
	// Every color is taken
	return preferred
}

// UpdateCursor overwrites the participant's cursor and refreshes liveness.
// Unknown connections are ignored and reported with false.
func (r *Registry) UpdateCursor(connectionID string, position int, selection *Selection, now time.Time) (Participant, bool) {
	p, ok := r.participants[connectionID]
	if !ok {
		return Participant{}, false
	}
	c := &Cursor{Position: position, SelectionStart: position, SelectionEnd: position}
	if selection != nil {
		c.SelectionStart = selection.Start
		c.SelectionEnd = selection.End
	}
	p.Cursor = c
	p.LastSeenAt = now
	return *p, true
}

// Touch refreshes liveness only.
func (r *Registry) Touch(connectionID string, now time.Time) bool {
	p, ok := r.participants[connectionID]
	if ok {
		p.LastSeenAt = now
	}
	return ok
}

// Leave removes a participant and returns how many remain.
func (r *Registry) Leave(connectionID string) int {
	delete(r.participants, connectionID)
	return len(r.participants)
}

// SweepStale removes every participant not heard from within the timeout
// and returns their connection ids.
func (r *Registry) SweepStale(now time.Time) []string {
	var removed []string
	for id, p := range r.participants {
		if now.Sub(p.LastSeenAt) > r.timeout {
			delete(r.participants, id)
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)
	return removed
}

// Has reports whether the connection is a participant
func (r *Registry) Has(connectionID string) bool {
	_, ok := r.participants[connectionID]
	return ok
}

// Get returns a copy of one participant
func (r *Registry) Get(connectionID string) (Participant, bool) {
	p, ok := r.participants[connectionID]
	if !ok {
		return Participant{}, false
	}
	return *p, true
}

// Count returns the number of participants
func (r *Registry) Count() int {
	return len(r.participants)
}

// List returns the participants ordered by join time.
func (r *Registry) List() []Participant {
	out := make([]Participant, 0, len(r.participants))
	for _, p := range r.participants {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].ConnectionID < out[j].ConnectionID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out
}
