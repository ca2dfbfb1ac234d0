package session

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/pterm/pterm"

	"github.com/1ureka/tunnelctl/internal/command"
)

// Registry holds the live sessions of the controller.
type Registry struct {
	nextID atomic.Uint32

	mu       sync.Mutex
	sessions map[uint32]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[uint32]*Session)}
}

// Create builds a session with the next free id and registers it.
func (r *Registry) Create(name string, sender command.Sender, opts Options) *Session {
	s := New(r.nextID.Add(1), name, sender, opts)
	r.Add(s)
	return s
}

// Add registers s, replacing any session with the same id.
func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()
}

// Get returns the session with the given id.
func (r *Registry) Get(id uint32) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove forgets the session. It does not close it.
func (r *Registry) Remove(id uint32) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

// List returns all sessions ordered by id.
func (r *Registry) List() []*Session {
	r.mu.Lock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CloseAll closes and forgets every session.
func (r *Registry) CloseAll() {
	for _, s := range r.List() {
		s.Close()
		r.Remove(s.ID)
	}
}

// Display writes one line per session. Only established sessions are shown
// unless all is set, in which case the state is printed too.
func (r *Registry) Display(w io.Writer, all bool) {
	shown := 0
	for _, s := range r.List() {
		state := s.State()
		if !all && state != StateEstablished {
			continue
		}
		if all {
			fmt.Fprintf(w, "Session %5d: %s %s\n", s.ID, s.Name, stateLabel(state))
		} else {
			fmt.Fprintf(w, "Session %5d: %s\n", s.ID, s.Name)
		}
		shown++
	}
	if shown == 0 {
		fmt.Fprintln(w, pterm.Gray("No sessions"))
	}
}

func stateLabel(s State) string {
	label := "[" + s.String() + "]"
	switch s {
	case StateEstablished:
		return pterm.Green(label)
	case StateClosed:
		return pterm.Red(label)
	default:
		return pterm.Yellow(label)
	}
}
