package oip

import (
	"fmt"
	"testing"
)

func TestStateTransitions(t *testing.T) {
	o := New("install")
	if o.State() != StateWaiting {
		t.Errorf("initial state = %q, want waiting", o.State())
	}
	if o.Label() != "install" {
		t.Errorf("label = %q, want install", o.Label())
	}
	o.SetState(StateProgress)
	if o.State() != StateProgress {
		t.Errorf("state = %q, want progress", o.State())
	}
	o.SetState(StateSuccess)
	if o.State() != StateSuccess {
		t.Errorf("state = %q, want success", o.State())
	}
}

func TestCounters(t *testing.T) {
	o := New("download")
	o.SetEnd(100)
	o.Advance(30)
	o.Advance(20)
	current, end := o.Counters()
	if current != 50 || end != 100 {
		t.Errorf("Counters = (%d, %d), want (50, 100)", current, end)
	}
}

func TestWriteAdvances(t *testing.T) {
	o := New("download")
	n, err := o.Write(make([]byte, 4096))
	if err != nil || n != 4096 {
		t.Fatalf("Write = (%d, %v), want (4096, nil)", n, err)
	}
	if _, err := fmt.Fprintf(o, "hello"); err != nil {
		t.Fatalf("Fprintf failed: %v", err)
	}
	current, _ := o.Counters()
	if current != 4101 {
		t.Errorf("current = %d, want 4101", current)
	}
}

func TestString(t *testing.T) {
	o := New("install")
	o.SetState(StateProgress)
	if got := o.String(); got != "progress;install" {
		t.Errorf("String = %q, want progress;install", got)
	}

	o.SetEnd(10)
	o.Advance(3)
	if got := o.String(); got != "progress;install;3/10" {
		t.Errorf("String = %q, want progress;install;3/10", got)
	}

	sub := New("download")
	sub.SetState(StateSuccess)
	o.AddSub(sub)
	if got := o.String(); got != "progress;install;3/10(success;download)" {
		t.Errorf("String = %q", got)
	}

	anon := &OIP{state: StateWaiting}
	if got := anon.String(); got != "waiting" {
		t.Errorf("String of unlabeled op = %q, want waiting", got)
	}
}

func TestSubsCopy(t *testing.T) {
	o := New("install")
	o.AddSub(New("download"))
	subs := o.Subs()
	if len(subs) != 1 || subs[0].Label() != "download" {
		t.Fatalf("Subs = %v", subs)
	}
	subs[0] = nil
	if o.Subs()[0] == nil {
		t.Error("Subs exposes internal slice")
	}
}
