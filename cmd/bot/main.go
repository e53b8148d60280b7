package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/bit2swaz/disasterconnect/internal/core"
	"github.com/bit2swaz/disasterconnect/internal/engine"
	"github.com/bit2swaz/disasterconnect/internal/logger"
	"github.com/bit2swaz/disasterconnect/internal/peers"
)

func main() {
	port := 9002
	room := "general"
	nick := "TestBot"
	dataDir := filepath.Join(".disasterconnect", "bot")

	// 1. Setup
	if err := logger.Init("", "info"); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	id, err := core.LoadOrGenerateIdentity(filepath.Join(dataDir, "identity.json"))
	if err != nil {
		log.Fatalf("Failed to load identity: %v", err)
	}

	eng, err := engine.New(engine.Config{
		PeerID:     id.NodeID,
		Nick:       nick,
		Rendezvous: room,
		ListenAddr: fmt.Sprintf(":%d", port),
		BufferPath: filepath.Join(dataDir, "buffer.json"),
	})
	if err != nil {
		log.Fatalf("Failed to create host: %v", err)
	}
	defer eng.Stop()

	found := make(chan peers.Record, 1)
	eng.OnPeer(func(rec peers.Record) {
		select {
		case found <- rec:
		default:
		}
	})

	// 2. Start Discovery
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fmt.Printf("Bot starting on port %d...\n", port)
	if err := eng.StartDiscovery(ctx); err != nil {
		log.Fatalf("Failed to start discovery: %v", err)
	}
	eng.JoinRoom(room)

	// 3. Wait for a peer
	select {
	case rec := <-found:
		fmt.Printf("Found peer %s at %s\n", core.ShortID(rec.ID), rec.Addr)
	case <-time.After(30 * time.Second):
		fmt.Println("No peer found (is the main app running?)")
		os.Exit(1)
	}

	// 4. Send Message
	time.Sleep(2 * time.Second)
	msg := "Hello! I am a bot. This message should show up in the room."
	fmt.Printf("Sending message: %q\n", msg)
	if n, err := eng.PublishText(ctx, msg); err != nil {
		log.Printf("Failed to publish: %v", err)
	} else {
		fmt.Printf("Delivered to %d peer(s)\n", n)
	}

	// 5. Send SOS (Triggers Flash)
	fmt.Println("Sending SOS...")
	fmt.Printf("SOS acknowledged by every peer: %t\n", eng.SendSOS(ctx, "Bot test SOS, please ignore"))

	fmt.Println("Staying online for 10 seconds...")
	time.Sleep(10 * time.Second)
	fmt.Println("Bot shutting down...")
}
