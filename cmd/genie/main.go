// genie: conversational pipeline service
// Accepts WebSocket audio from peers, runs it through STT, RAG+LLM, and TTS
// workers, and speaks the answer back to the peer that asked.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/SysEngTeam20/rag-enabled-ubiq-genie/internal/config"
	"github.com/SysEngTeam20/rag-enabled-ubiq-genie/internal/log"
	"github.com/SysEngTeam20/rag-enabled-ubiq-genie/pkg/agent"
	"github.com/SysEngTeam20/rag-enabled-ubiq-genie/pkg/debug"
	"github.com/SysEngTeam20/rag-enabled-ubiq-genie/pkg/gateway"
	"github.com/SysEngTeam20/rag-enabled-ubiq-genie/pkg/hub"
	"github.com/SysEngTeam20/rag-enabled-ubiq-genie/pkg/worker"
)

var (
	version   = "1.0.0"
	port      = flag.Int("port", 0, "HTTP server port (overrides GENIE_PORT)")
	debugFlag = flag.Bool("debug", false, "Enable debug logging")
)

func main() {
	flag.Parse()

	level := "info"
	if *debugFlag {
		level = "debug"
	}
	log.Init(level)

	cfg := config.FromEnv()
	if *port != 0 {
		cfg.Port = *port
	}
	cfg.Debug = *debugFlag
	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	log.Info("genie starting", "version", version, "port", cfg.Port)

	// Worker supervisor: launches and supervises the STT, RAG+LLM, and
	// TTS subprocesses.
	sup, err := worker.NewSupervisor(worker.Options{
		Commands:          cfg.Workers,
		HeartbeatInterval: cfg.HeartbeatInterval,
		HeartbeatTimeout:  cfg.HeartbeatTimeout,
		MaxRestarts:       cfg.MaxRestarts,
		RestartBackoff:    cfg.RestartBackoff,
		RestartBackoffMax: cfg.RestartBackoffMax,
		SendQueueSize:     cfg.SendQueueSize,
		WriteTimeout:      cfg.WriteTimeout,
	}, log.L())
	if err != nil {
		log.Error("supervisor init failed", "error", err)
		os.Exit(1)
	}
	if err := sup.Start(); err != nil {
		log.Error("supervisor start failed", "error", err)
		os.Exit(1)
	}
	defer sup.Shutdown()

	// Observability hub: fans pipeline events out to dashboard websockets.
	events := hub.New(log.L())
	go events.Run()

	// Orchestrator: the pipeline state machine.
	orch := agent.New(agent.Options{
		SilenceWindow:      cfg.SilenceWindow,
		MaxTurnDuration:    cfg.MaxTurnDuration,
		RequestTimeout:     cfg.RequestTimeout,
		IdleSessionTimeout: cfg.IdleSessionTimeout,
		WakePhrases:        cfg.WakePhrases,
		FallbackUtterance:  cfg.FallbackUtterance,
	}, sup, log.L())

	orch.OnNote(func(n agent.Note) {
		events.Publish(hub.Event{Kind: n.Kind, Peer: n.Peer, Role: n.Role, Text: n.Text})
	})

	if cfg.DumpAudioDir != "" {
		dumper, err := debug.NewDumper(cfg.DumpAudioDir, config.SampleRate, config.Channels, log.L())
		if err != nil {
			log.Error("audio dump setup failed", "error", err)
			os.Exit(1)
		}
		orch.OnAudioTap(dumper.Dump)
		log.Info("audio dumps enabled", "dir", cfg.DumpAudioDir)
	}

	// Gateway: websocket ingress for peers.
	gw := gateway.New(orch, events, log.L())
	orch.OnOutboundAudio(gw.DeliverAudio)
	orch.OnOutboundText(gw.DeliverText)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go orch.Run(ctx)

	// HTTP server
	app := fiber.New(fiber.Config{
		AppName:               "genie",
		DisableStartupMessage: true,
	})
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Content-Type,Authorization",
	}))
	if cfg.Debug {
		app.Use(logger.New())
	}

	gw.RegisterRoutes(app)

	api := app.Group("/api")
	gw.RegisterAPIRoutes(api, orch.SessionSnapshot)
	api.Get("/workers", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"workers": sup.Snapshot()})
	})

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "ok",
			"version": version,
			"peers":   gw.PeerCount(),
			"workers": sup.Snapshot(),
		})
	})

	app.Get("/metrics", func(c *fiber.Ctx) error {
		gs := gw.GetStats()
		as := orch.Stats()
		return c.SendString(fmt.Sprintf(`# HELP genie_peers Connected peer count
# TYPE genie_peers gauge
genie_peers %d

# HELP genie_frames_in Audio frames received
# TYPE genie_frames_in counter
genie_frames_in %d

# HELP genie_turns_flushed Turns sent for transcription
# TYPE genie_turns_flushed counter
genie_turns_flushed %d

# HELP genie_turns_discarded Turns not addressed to the agent
# TYPE genie_turns_discarded counter
genie_turns_discarded %d

# HELP genie_responses_delivered Synthesized replies delivered
# TYPE genie_responses_delivered counter
genie_responses_delivered %d

# HELP genie_fallbacks Failed turns answered with the fallback utterance
# TYPE genie_fallbacks counter
genie_fallbacks %d

# HELP genie_requests_timed_out Worker requests past their deadline
# TYPE genie_requests_timed_out counter
genie_requests_timed_out %d

# HELP genie_decode_errors Inbound frames that failed to decode
# TYPE genie_decode_errors counter
genie_decode_errors %d
`, gs.PeerCount, gs.FramesIn, as.TurnsFlushed, as.TurnsDiscarded,
			as.ResponsesDelivered, as.Fallbacks, as.RequestsTimedOut, gs.DecodeErrors))
	})

	go func() {
		addr := fmt.Sprintf(":%d", cfg.Port)
		log.Info("server listening", "addr", addr,
			"peer_ws", fmt.Sprintf("ws://localhost:%d/ws/peer/:id", cfg.Port),
			"events_ws", fmt.Sprintf("ws://localhost:%d/ws/events", cfg.Port))
		if err := app.Listen(addr); err != nil {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	cancel()

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutCancel()
	if err := app.ShutdownWithContext(shutCtx); err != nil {
		log.Warn("http shutdown error", "error", err)
	}
}
