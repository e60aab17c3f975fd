package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/mossy-p/textcloud/internal/models"
	"github.com/redis/go-redis/v9"
)

const (
	roomTTL   = 24 * time.Hour
	queueSize = 1024
)

func roomKey(id string) string  { return "room:" + id }
func peersKey(id string) string { return "room:" + id + ":peers" }
func codeKey(code string) string { return "code:" + code }

// RoomDirectory mirrors the in-memory room registry into Redis so other
// services can look rooms up by id or code. Writes are queued and applied
// by Run, so callers never wait on the network.
type RoomDirectory struct {
	client *redis.Client
	logger *log.Logger
	ops    chan func(context.Context) error
}

func NewRoomDirectory(client *redis.Client, logger *log.Logger) *RoomDirectory {
	if logger == nil {
		logger = log.Default()
	}
	return &RoomDirectory{
		client: client,
		logger: logger,
		ops:    make(chan func(context.Context) error, queueSize),
	}
}

// Reset removes every key the directory owns. Rooms never outlive the
// process that created them.
func (d *RoomDirectory) Reset(ctx context.Context) error {
	for _, pattern := range []string{"room:*", "code:*"} {
		iter := d.client.Scan(ctx, 0, pattern, 100).Iterator()
		for iter.Next(ctx) {
			if err := d.client.Del(ctx, iter.Val()).Err(); err != nil {
				return fmt.Errorf("failed to delete %s: %w", iter.Val(), err)
			}
		}
		if err := iter.Err(); err != nil {
			return fmt.Errorf("failed to scan %s: %w", pattern, err)
		}
	}
	return nil
}

// Run applies queued writes until ctx is done.
func (d *RoomDirectory) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case op := <-d.ops:
			if err := op(ctx); err != nil {
				d.logger.Printf("Room directory write failed: %v", err)
			}
		}
	}
}

func (d *RoomDirectory) enqueue(op func(context.Context) error) {
	select {
	case d.ops <- op:
	default:
		d.logger.Printf("Room directory queue full, dropping write")
	}
}

func (d *RoomDirectory) RoomCreated(meta models.RoomMetadata) {
	d.enqueue(func(ctx context.Context) error {
		data, err := json.Marshal(meta)
		if err != nil {
			return err
		}
		pipe := d.client.TxPipeline()
		pipe.Set(ctx, roomKey(meta.ID), data, roomTTL)
		pipe.Set(ctx, codeKey(meta.Code), meta.ID, roomTTL)
		_, err = pipe.Exec(ctx)
		return err
	})
}

func (d *RoomDirectory) RoomDeleted(roomID, code string) {
	d.enqueue(func(ctx context.Context) error {
		return d.client.Del(ctx, roomKey(roomID), peersKey(roomID), codeKey(code)).Err()
	})
}

func (d *RoomDirectory) PeerJoined(roomID, peerID string) {
	d.enqueue(func(ctx context.Context) error {
		pipe := d.client.TxPipeline()
		pipe.SAdd(ctx, peersKey(roomID), peerID)
		pipe.Expire(ctx, peersKey(roomID), roomTTL)
		_, err := pipe.Exec(ctx)
		return err
	})
}

func (d *RoomDirectory) PeerLeft(roomID, peerID string) {
	d.enqueue(func(ctx context.Context) error {
		return d.client.SRem(ctx, peersKey(roomID), peerID).Err()
	})
}

// Lookup reads a room's metadata and live peer count by id or code.
func (d *RoomDirectory) Lookup(ctx context.Context, ident string) (models.RoomMetadata, int, error) {
	var meta models.RoomMetadata
	id := ident
	if mapped, err := d.client.Get(ctx, codeKey(ident)).Result(); err == nil {
		id = mapped
	} else if err != redis.Nil {
		return meta, 0, err
	}

	data, err := d.client.Get(ctx, roomKey(id)).Bytes()
	if err != nil {
		return meta, 0, fmt.Errorf("room %s: %w", ident, err)
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return meta, 0, fmt.Errorf("failed to parse room data: %w", err)
	}
	count, err := d.client.SCard(ctx, peersKey(id)).Result()
	if err != nil {
		return meta, 0, err
	}
	return meta, int(count), nil
}
