package workerpool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/mossy-p/textcloud/internal/wire"
)

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func TestEncodeDecodeThroughPool(t *testing.T) {
	p := New(2, time.Second, quietLogger())
	t.Cleanup(p.Close)

	ctx := context.Background()
	click := wire.Click{NetworkID: "text-1", ClickLeft: 3}
	frame, err := p.Encode(ctx, wire.ReceiveClickEvent, click)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	msg, err := p.Decode(ctx, frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Payload != click {
		t.Fatalf("expected %+v, got %+v", click, msg.Payload)
	}
	if p.Pending() != 0 {
		t.Fatalf("expected no pending jobs, got %d", p.Pending())
	}
}

func TestCodecErrorsPropagate(t *testing.T) {
	p := New(1, time.Second, quietLogger())
	t.Cleanup(p.Close)

	if _, err := p.Decode(context.Background(), []byte{42, 0, 0, 0, 0, 0}); !errors.Is(err, wire.ErrUnknownMessageType) {
		t.Fatalf("expected ErrUnknownMessageType, got %v", err)
	}
}

func TestResultsRouteToTheirCallers(t *testing.T) {
	p := New(4, 2*time.Second, quietLogger())
	t.Cleanup(p.Close)

	var wg sync.WaitGroup
	errs := make(chan error, 64)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("text-%d", i)
			frame, err := p.Encode(context.Background(), wire.ReceiveClickEvent, wire.Click{NetworkID: id, ClickLeft: uint32(i)})
			if err != nil {
				errs <- err
				return
			}
			msg, err := p.Decode(context.Background(), frame)
			if err != nil {
				errs <- err
				return
			}
			got := msg.Payload.(wire.Click)
			if got.NetworkID != id || got.ClickLeft != uint32(i) {
				errs <- fmt.Errorf("job %d got %+v", i, got)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
}

func TestTimeout(t *testing.T) {
	release := make(chan struct{})
	p := newPool(1, 30*time.Millisecond, quietLogger(), func(req request) response {
		<-release
		return process(req)
	})
	t.Cleanup(func() {
		close(release)
		p.Close()
	})

	_, err := p.Encode(context.Background(), wire.ReceiveClickEvent, wire.Click{NetworkID: "x"})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if p.Pending() != 0 {
		t.Fatalf("timed out job should leave the pending map, got %d", p.Pending())
	}
}

func TestCloseRejectsOutstandingAndNewJobs(t *testing.T) {
	release := make(chan struct{})
	p := newPool(1, time.Minute, quietLogger(), func(req request) response {
		<-release
		return process(req)
	})

	errc := make(chan error, 1)
	go func() {
		_, err := p.Encode(context.Background(), wire.ReceiveClickEvent, wire.Click{NetworkID: "x"})
		errc <- err
	}()

	deadline := time.Now().Add(time.Second)
	for p.Pending() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	closed := make(chan struct{})
	go func() {
		p.Close()
		close(closed)
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, ErrPoolTerminated) {
			t.Fatalf("expected ErrPoolTerminated, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("outstanding job was not rejected on close")
	}

	if _, err := p.Decode(context.Background(), []byte{1}); !errors.Is(err, ErrPoolTerminated) {
		t.Fatalf("expected ErrPoolTerminated after close, got %v", err)
	}

	close(release)
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("close did not return after the worker was released")
	}
}

func TestMaxPendingRejectsOverflow(t *testing.T) {
	release := make(chan struct{})
	p := newPool(1, time.Minute, quietLogger(), func(req request) response {
		<-release
		return process(req)
	})
	t.Cleanup(p.Close)
	p.SetMaxPending(1)

	errc := make(chan error, 1)
	go func() {
		_, err := p.Encode(context.Background(), wire.ReceiveClickEvent, wire.Click{NetworkID: "x"})
		errc <- err
	}()
	deadline := time.Now().Add(time.Second)
	for p.Pending() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	if _, err := p.Encode(context.Background(), wire.ReceiveClickEvent, wire.Click{NetworkID: "y"}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}

	close(release)
	if err := <-errc; err != nil {
		t.Fatalf("first job: %v", err)
	}
}

func TestDefaultSize(t *testing.T) {
	p := New(0, 0, quietLogger())
	defer p.Close()
	if p.Size() < 1 {
		t.Fatalf("expected at least one worker, got %d", p.Size())
	}
	if p.timeout != DefaultTimeout {
		t.Fatalf("expected default timeout, got %v", p.timeout)
	}
}
