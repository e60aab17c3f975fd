package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mossy-p/textcloud/config"
	"github.com/mossy-p/textcloud/internal/netwatch"
	"github.com/mossy-p/textcloud/internal/network"
	"github.com/mossy-p/textcloud/internal/peer"
	"github.com/mossy-p/textcloud/internal/signaling"
	"github.com/mossy-p/textcloud/internal/wire"
	"github.com/mossy-p/textcloud/internal/workerpool"
	"github.com/mossy-p/textcloud/internal/world"

	"golang.org/x/sync/errgroup"
)

func main() {
	cfg := config.LoadPeer()
	logger := log.Default()

	server := flag.String("server", cfg.SignalingURL, "signaling server URL")
	roomID := flag.String("room", "", "room to enter")
	password := flag.String("password", "", "room password")
	create := flag.String("create", "", "create a room with this name instead of entering one")
	maxUsers := flag.Int("max-users", 0, "user limit of a created room")
	maxTexts := flag.Int("max-texts", 0, "text limit of a created room")
	texts := flag.String("texts", "", "comma separated texts to add after joining")
	flag.Parse()

	if *create == "" && *roomID == "" {
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Pick the room through the lobby
	lobby, err := signaling.DialLobby(ctx, *server, logger)
	if err != nil {
		log.Fatalf("Failed to connect to room list: %v", err)
	}
	if *create != "" {
		err = lobby.CreateRoom(*create, *maxUsers, *maxTexts, *password)
	} else {
		err = lobby.EnterRoom(*roomID, *password)
	}
	if err != nil {
		log.Fatalf("Failed to request room: %v", err)
	}
	entryCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	entry, err := lobby.AwaitEntry(entryCtx)
	cancel()
	lobby.Close()
	if err != nil {
		log.Fatalf("Room entry refused: %v", err)
	}
	log.Printf("Entering room %s", entry.RoomID)

	pool := workerpool.New(0, cfg.WorkerTimeout, logger)
	pool.SetMaxPending(cfg.MaxQueued)
	defer pool.Close()

	w := world.New(world.DefaultConfig(), nil)
	mgr := network.New(w, pool, network.Options{
		PositionInterval: cfg.PositionSync,
		DragInterval:     cfg.DragSync,
		SyncInterval:     cfg.SyncInterval,
		Logger:           logger,
	})
	defer mgr.Close()

	client := signaling.New(*server, signaling.PeerFactory{
		Codec: pool,
		Options: peer.Options{
			ICE:             cfg.ICE,
			GatherTimeout:   cfg.GatherTimeout,
			GatherExtension: cfg.GatherExtension,
			Logger:          logger,
		},
	}, mgr, signaling.Options{
		ReconnectAttempts: cfg.ReconnectAttempts,
		ReconnectDelay:    cfg.ReconnectDelay,
		MaxPeers:          cfg.MaxPeers,
		Logger:            logger,
	})
	mgr.Attach(client)
	defer client.Close()

	if err := client.Join(ctx, entry.RoomID, entry.Password); err != nil {
		log.Fatalf("Failed to join room %s: %v", entry.RoomID, err)
	}
	log.Printf("Joined room %s as %s, status %s", entry.RoomID, client.LocalID(), mgr.WaitForPeers(ctx))

	bounds := w.Config()
	for _, text := range strings.Split(*texts, ",") {
		if text = strings.TrimSpace(text); text == "" {
			continue
		}
		pos := wire.Vec2{X: bounds.Width / 2, Y: bounds.Height / 2}
		if _, err := mgr.AddText(ctx, text, pos); err != nil {
			log.Printf("Failed to add %q: %v", text, err)
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return mgr.Run(ctx)
	})
	g.Go(func() error {
		netwatch.New(client, nil, logger).Run(ctx, netwatch.DefaultInterval)
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal("Peer error: ", err)
	}
	log.Println("Leaving room")
}
