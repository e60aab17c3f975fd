package redis

import (
	"context"
	"io"
	"log"
	"testing"
	"time"

	"github.com/mossy-p/textcloud/internal/models"
	"github.com/redis/go-redis/v9"
)

func TestDirectoryWritesNeverBlock(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	t.Cleanup(func() { client.Close() })
	d := NewRoomDirectory(client, log.New(io.Discard, "", 0))

	done := make(chan struct{})
	go func() {
		for i := 0; i < queueSize+10; i++ {
			d.PeerJoined("room", "peer")
		}
		d.RoomCreated(models.RoomMetadata{ID: "room", Code: "ABCDEF"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("directory writes blocked without a consumer")
	}
	if len(d.ops) != queueSize {
		t.Fatalf("expected a full queue of %d, got %d", queueSize, len(d.ops))
	}
}

func TestRunStopsWithContext(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	t.Cleanup(func() { client.Close() })
	d := NewRoomDirectory(client, log.New(io.Discard, "", 0))

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(stopped)
	}()
	cancel()

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestKeys(t *testing.T) {
	if roomKey("r1") != "room:r1" || peersKey("r1") != "room:r1:peers" || codeKey("ABC123") != "code:ABC123" {
		t.Fatalf("unexpected key layout")
	}
}
