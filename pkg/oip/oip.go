// Package oip provides operation-in-progress monitors used to report
// long-running work (plugin installs, downloads) to observers.
package oip

import (
	"fmt"
	"strings"
	"sync"
)

// State of an operation in progress.
type State string

const (
	StateWaiting  State = "waiting"
	StateProgress State = "progress"
	StateSuccess  State = "success"
	StateFail     State = "fail"
)

// OIP is a monitor for one long-running operation. It may carry
// (current, end) counters and sub-operations; all accessors are safe for
// concurrent use.
type OIP struct {
	mu      sync.Mutex
	label   string
	state   State
	current int64
	end     int64
	subs    []*OIP
}

// New creates an operation in the waiting state.
func New(label string) *OIP {
	return &OIP{label: label, state: StateWaiting}
}

// Label returns the operation label.
func (o *OIP) Label() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.label
}

// State returns the current state.
func (o *OIP) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// SetState transitions the operation.
func (o *OIP) SetState(s State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.state = s
}

// SetEnd sets the end counter (total units of work, 0 if unknown).
func (o *OIP) SetEnd(end int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.end = end
}

// Advance adds n units to the current counter.
func (o *OIP) Advance(n int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.current += n
}

// Counters returns (current, end).
func (o *OIP) Counters() (int64, int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current, o.end
}

// AddSub attaches a sub-operation.
func (o *OIP) AddSub(sub *OIP) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.subs = append(o.subs, sub)
}

// Subs returns the attached sub-operations.
func (o *OIP) Subs() []*OIP {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*OIP(nil), o.subs...)
}

// String renders the operation for status reporting:
// "state;label;current/end(sub;...)(sub;...)".
func (o *OIP) String() string {
	o.mu.Lock()
	state, label, current, end := o.state, o.label, o.current, o.end
	subs := append([]*OIP(nil), o.subs...)
	o.mu.Unlock()

	var b strings.Builder
	b.WriteString(string(state))
	if label != "" {
		b.WriteString(";")
		b.WriteString(label)
	}
	if end > 0 {
		fmt.Fprintf(&b, ";%d/%d", current, end)
	}
	for _, sub := range subs {
		b.WriteString("(")
		b.WriteString(sub.String())
		b.WriteString(")")
	}
	return b.String()
}

// Write implements io.Writer so a download can be teed through the OIP to
// advance the current counter as bytes arrive.
func (o *OIP) Write(p []byte) (int, error) {
	o.Advance(int64(len(p)))
	return len(p), nil
}
