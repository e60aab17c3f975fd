package netwatch

import (
	"context"
	"errors"
	"io"
	"log"
	"reflect"
	"sync"
	"testing"
	"time"
)

var quiet = log.New(io.Discard, "", 0)

type recorder struct {
	mu    sync.Mutex
	calls []bool
}

func (r *recorder) SetNetworkOnline(online bool) {
	r.mu.Lock()
	r.calls = append(r.calls, online)
	r.mu.Unlock()
}

func (r *recorder) list() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.calls...)
}

// script returns a probe that replays states and then repeats the last.
func script(states ...bool) Probe {
	var mu sync.Mutex
	i := 0
	return func() (bool, error) {
		mu.Lock()
		defer mu.Unlock()
		s := states[min(i, len(states)-1)]
		i++
		return s, nil
	}
}

func TestCheckReportsTransitionsOnly(t *testing.T) {
	var rec recorder
	w := New(&rec, script(true, true, false, false, true), quiet)
	for i := 0; i < 5; i++ {
		w.Check()
	}
	if got := rec.list(); !reflect.DeepEqual(got, []bool{false, true}) {
		t.Fatalf("unexpected transitions %v", got)
	}
}

func TestCheckStartingOffline(t *testing.T) {
	var rec recorder
	w := New(&rec, script(false, true), quiet)
	w.Check()
	w.Check()
	if got := rec.list(); !reflect.DeepEqual(got, []bool{true}) {
		t.Fatalf("unexpected transitions %v", got)
	}
}

func TestProbeErrorKeepsState(t *testing.T) {
	var rec recorder
	fail := false
	w := New(&rec, func() (bool, error) {
		if fail {
			return false, errors.New("netlink unavailable")
		}
		return true, nil
	}, quiet)
	w.Check()
	fail = true
	w.Check()
	if got := rec.list(); len(got) != 0 {
		t.Fatalf("probe error should not be reported as a transition, got %v", got)
	}
}

func TestRunStopsWithContext(t *testing.T) {
	var rec recorder
	w := New(&rec, script(true, false), quiet)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx, time.Millisecond)
		close(done)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for len(rec.list()) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()
	<-done
	if got := rec.list(); !reflect.DeepEqual(got, []bool{false}) {
		t.Fatalf("unexpected transitions %v", got)
	}
}

func TestInterfacesUpDoesNotFail(t *testing.T) {
	if _, err := InterfacesUp(); err != nil {
		t.Fatalf("interfaces: %v", err)
	}
}
