package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bit2swaz/disasterconnect/internal/config"
	"github.com/bit2swaz/disasterconnect/internal/discovery"
	"github.com/bit2swaz/disasterconnect/internal/protocol"
	"github.com/bit2swaz/disasterconnect/internal/reliability"
	"github.com/bit2swaz/disasterconnect/internal/transport"
	"github.com/bit2swaz/disasterconnect/internal/tui"
	"github.com/bit2swaz/disasterconnect/internal/uplink"
	"github.com/bit2swaz/disasterconnect/internal/utils"
	"github.com/bit2swaz/disasterconnect/internal/web"
	"github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"
)

var version = "dev"

var cfg config.Config
var sosWait time.Duration

var rootCmd = &cobra.Command{
	Use:   "disasterconnect",
	Short: "Peer-to-peer emergency messaging for local networks",
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a DisasterConnect node",
	RunE: func(cmd *cobra.Command, args []string) error {
		if os.Getenv("DISASTERCONNECT_HEADLESS") == "true" {
			cfg.Headless = true
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		n, err := bootstrap(ctx, cfg, !cfg.Headless)
		if err != nil {
			return explainStartError(err)
		}
		defer n.close()
		room := n.eng.JoinRoom(n.cfg.Room)

		if n.cfg.DiscordWebhook != "" {
			slog.Info("Initializing Uplink Service", "webhook", "REDACTED")
			up := uplink.NewService(n.cfg.DiscordWebhook)
			up.Start(ctx)
			n.eng.OnSOS(up.Enqueue)
		}

		webSrv := web.NewServer(n.eng, n.cfg.WebPort)
		go func() {
			if err := webSrv.Start(ctx); err != nil {
				slog.Error("Web server failed", "error", err)
				stop()
			}
		}()

		ip, _ := utils.GetOutboundIP()
		url := fmt.Sprintf("http://%s:%d", ip, n.cfg.WebPort)
		qrASCII := ""
		if qr, err := qrcode.New(url, qrcode.Medium); err == nil {
			qrASCII = qr.ToString(false)
		}

		if n.cfg.Headless {
			fmt.Println("\nSCAN TO JOIN MESH:")
			fmt.Println(qrASCII)
			fmt.Println("URL:", url)
			slog.Info("Running in HEADLESS mode (No TUI)")
			<-ctx.Done()
			return nil
		}
		return tui.StartTUI(ctx, n.eng, room, qrASCII)
	},
}

var sosCmd = &cobra.Command{
	Use:   "sos [message]",
	Short: "Join the mesh, send one SOS and report whether every peer acknowledged it",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		n, err := bootstrap(ctx, cfg, false)
		if err != nil {
			return explainStartError(err)
		}
		defer n.close()

		fmt.Printf("Looking for peers for %s...\n", sosWait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sosWait):
		}

		delivered := n.eng.SendSOS(ctx, strings.Join(args, " "))
		fmt.Printf("Peers: %d  Delivered: %t\n", len(n.eng.Peers()), delivered)
		if !delivered {
			fmt.Println("Not every peer acknowledged. The SOS stays queued for unreachable peers.")
		}
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version and wire protocol types",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("disasterconnect %s (envelopes: %s, %s, %s, %s)\n", version,
			protocol.TypeChat, protocol.TypeSOS, protocol.TypeAck, protocol.TypeHandshake)
	},
}

func init() {
	rootCmd.AddCommand(startCmd, sosCmd, versionCmd)

	flags := rootCmd.PersistentFlags()
	flags.IntVarP(&cfg.Port, "port", "p", config.DefaultPort, "TCP port for mesh traffic")
	flags.IntVar(&cfg.DiscoveryPort, "discovery-port", config.DefaultDiscoveryPort, "UDP port for peer discovery")
	flags.StringVarP(&cfg.Nick, "nick", "n", config.DefaultNick, "Nickname")
	flags.StringVarP(&cfg.Room, "room", "r", config.DefaultRoom, "Room name, also the discovery rendezvous tag")
	flags.StringVar(&cfg.DataDir, "data-dir", "", "Directory for identity, buffer and archive (default .disasterconnect/<port>)")
	flags.StringVar(&cfg.LogLevel, "log-level", "info", "Log level: debug, info, warn, error")
	flags.BoolVar(&cfg.MDNS, "mdns", false, "Also discover peers over mDNS")
	flags.DurationVar(&cfg.AckTimeout, "ack-timeout", reliability.DefaultAckTimeout, "Wait per SOS acknowledgment round")
	flags.IntVar(&cfg.AckRetries, "ack-retries", reliability.DefaultAckRetries, "SOS acknowledgment rounds")
	flags.DurationVar(&cfg.FlushInterval, "flush-interval", reliability.DefaultFlushInterval, "Store-and-forward retry interval")

	startCmd.Flags().IntVarP(&cfg.WebPort, "web-port", "w", config.DefaultWebPort, "Web interface port")
	startCmd.Flags().BoolVar(&cfg.Headless, "headless", false, "Run without the terminal UI")
	startCmd.Flags().StringVar(&cfg.DiscordWebhook, "discord-webhook", "", "Discord Webhook URL for Uplink Service")

	sosCmd.Flags().DurationVar(&sosWait, "wait", 6*time.Second, "How long to discover peers before sending")
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func explainStartError(err error) error {
	switch {
	case errors.Is(err, transport.ErrPortInUse):
		return fmt.Errorf("mesh port %d is already in use: %w", cfg.Port, err)
	case errors.Is(err, discovery.ErrPortInUse):
		return fmt.Errorf("discovery port %d is already in use: %w", cfg.DiscoveryPort, err)
	}
	return err
}
