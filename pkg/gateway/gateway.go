// Package gateway is the websocket ingress for peers: it accepts audio in
// pcm, rtp, or opus framing, feeds decoded PCM16 into the pipeline, and
// delivers synthesized replies and text notices back to the peer that asked.
package gateway

import (
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/SysEngTeam20/rag-enabled-ubiq-genie/pkg/hub"
	"github.com/SysEngTeam20/rag-enabled-ubiq-genie/pkg/pcm"
	"github.com/SysEngTeam20/rag-enabled-ubiq-genie/pkg/session"
)

// Pipeline is the slice of the orchestrator the gateway feeds.
type Pipeline interface {
	OnAudioFrame(peerID string, frame []byte)
	OnPeerJoin(peerID string)
	OnPeerLeave(peerID string)
}

// PeerConnection is one connected peer.
type PeerConnection struct {
	ID        string
	Conn      *websocket.Conn
	Codec     Codec
	Connected time.Time
	LastSeen  time.Time

	mu sync.Mutex
}

// SendJSON writes a JSON control message to the peer.
func (p *PeerConnection) SendJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Conn.WriteMessage(websocket.TextMessage, data)
}

// SendAudio writes raw PCM16 reply audio to the peer.
func (p *PeerConnection) SendAudio(pcm []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Conn.WriteMessage(websocket.BinaryMessage, pcm)
}

// Gateway manages peer websocket connections.
type Gateway struct {
	mu       sync.RWMutex
	peers    map[string]*PeerConnection
	pipeline Pipeline
	events   *hub.Hub
	logger   *slog.Logger

	framesIn     atomic.Uint64
	bytesIn      atomic.Uint64
	decodeErrors atomic.Uint64
	messagesSent atomic.Uint64
}

// New creates a gateway feeding the given pipeline. The events hub may be
// nil when no observer endpoint is wanted.
func New(pipeline Pipeline, events *hub.Hub, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		peers:    make(map[string]*PeerConnection),
		pipeline: pipeline,
		events:   events,
		logger:   logger.With("component", "gateway"),
	}
}

// RegisterRoutes registers the websocket endpoints on a Fiber app.
func (g *Gateway) RegisterRoutes(app *fiber.App) {
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get("/ws/peer", websocket.New(g.handlePeer))
	app.Get("/ws/peer/:id", websocket.New(g.handlePeer))

	if g.events != nil {
		app.Get("/ws/events", websocket.New(func(c *websocket.Conn) {
			hub.NewClient(g.events, c).Run()
		}))
	}
}

// handlePeer owns one peer connection from upgrade to close.
func (g *Gateway) handlePeer(c *websocket.Conn) {
	peerID := c.Params("id")
	if peerID == "" {
		peerID = uuid.NewString()
	}

	codec := Codec(c.Query("codec", string(CodecPCM)))
	dec, err := newDecoder(codec)
	if err != nil {
		g.logger.Warn("rejecting peer", "peer", peerID, "codec", codec, "error", err)
		c.WriteJSON(fiber.Map{"type": "error", "error": err.Error()})
		c.Close()
		return
	}

	// Peers capturing at another rate or in stereo declare it and get
	// converted to the pipeline's 48kHz mono. Opus already decodes native.
	rate := queryInt(c, "rate", 48000)
	channels := queryInt(c, "channels", 1)
	if codec == CodecOpus {
		rate, channels = 48000, 1
	}
	if rate <= 0 || (channels != 1 && channels != 2) {
		g.logger.Warn("rejecting peer", "peer", peerID, "rate", rate, "channels", channels)
		c.WriteJSON(fiber.Map{"type": "error", "error": "unsupported audio format"})
		c.Close()
		return
	}

	peer := &PeerConnection{
		ID:        peerID,
		Conn:      c,
		Codec:     codec,
		Connected: time.Now(),
		LastSeen:  time.Now(),
	}

	g.mu.Lock()
	if prev, ok := g.peers[peerID]; ok {
		// Same peer reconnecting; the old socket is stale.
		prev.Conn.Close()
	}
	g.peers[peerID] = peer
	count := len(g.peers)
	g.mu.Unlock()

	g.logger.Info("peer connected", "peer", peerID, "codec", codec, "total", count)
	g.pipeline.OnPeerJoin(peerID)

	peer.SendJSON(fiber.Map{
		"type":        "welcome",
		"peer":        peerID,
		"codec":       codec,
		"sample_rate": 48000,
		"channels":    1,
	})

	defer g.removePeer(peer)

	for {
		mt, data, err := c.ReadMessage()
		if err != nil {
			return
		}

		peer.mu.Lock()
		peer.LastSeen = time.Now()
		peer.mu.Unlock()

		if mt != websocket.BinaryMessage {
			// Text frames are ignored; all control flows server to peer.
			continue
		}

		frame, err := dec.decode(data)
		if err != nil {
			g.decodeErrors.Add(1)
			g.logger.Warn("frame decode failed", "peer", peerID, "codec", codec, "error", err)
			continue
		}
		if len(frame) == 0 {
			continue
		}
		frame = pcm.Normalize(frame, rate, channels)

		g.framesIn.Add(1)
		g.bytesIn.Add(uint64(len(frame)))
		g.pipeline.OnAudioFrame(peerID, frame)
	}
}

// DeliverAudio sends synthesized reply audio to a peer. Wire this to the
// orchestrator's outbound audio callback.
func (g *Gateway) DeliverAudio(peerID string, pcm []byte) {
	peer := g.peer(peerID)
	if peer == nil {
		g.logger.Debug("reply for absent peer dropped", "peer", peerID)
		return
	}
	g.messagesSent.Add(1)
	if err := peer.SendAudio(pcm); err != nil {
		g.logger.Warn("audio delivery failed", "peer", peerID, "error", err)
	}
}

// DeliverText sends a text notice (answer or fallback) to a peer. Wire this
// to the orchestrator's outbound text callback.
func (g *Gateway) DeliverText(peerID, text string) {
	peer := g.peer(peerID)
	if peer == nil {
		return
	}
	g.messagesSent.Add(1)
	if err := peer.SendJSON(fiber.Map{"type": "response", "text": text}); err != nil {
		g.logger.Warn("text delivery failed", "peer", peerID, "error", err)
	}
}

// removePeer tears down one connection's registration. Only the connection
// that currently owns the peer id ends the session: a handler whose socket
// was superseded by a reconnect must not destroy its successor's state.
func (g *Gateway) removePeer(peer *PeerConnection) {
	g.mu.Lock()
	current := g.peers[peer.ID] == peer
	if current {
		delete(g.peers, peer.ID)
	}
	count := len(g.peers)
	g.mu.Unlock()

	if !current {
		g.logger.Debug("superseded connection closed", "peer", peer.ID)
		return
	}
	g.pipeline.OnPeerLeave(peer.ID)
	g.logger.Info("peer disconnected", "peer", peer.ID, "remaining", count)
}

func queryInt(c *websocket.Conn, key string, def int) int {
	v := c.Query(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func (g *Gateway) peer(peerID string) *PeerConnection {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.peers[peerID]
}

// PeerCount returns the number of connected peers.
func (g *Gateway) PeerCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.peers)
}

// Stats are the gateway's counters for the metrics endpoint.
type Stats struct {
	PeerCount    int    `json:"peer_count"`
	FramesIn     uint64 `json:"frames_in"`
	BytesIn      uint64 `json:"bytes_in"`
	DecodeErrors uint64 `json:"decode_errors"`
	MessagesSent uint64 `json:"messages_sent"`
}

// GetStats returns gateway statistics.
func (g *Gateway) GetStats() Stats {
	return Stats{
		PeerCount:    g.PeerCount(),
		FramesIn:     g.framesIn.Load(),
		BytesIn:      g.bytesIn.Load(),
		DecodeErrors: g.decodeErrors.Load(),
		MessagesSent: g.messagesSent.Load(),
	}
}

// PeerInfo describes one connected peer for the REST API.
type PeerInfo struct {
	ID        string    `json:"id"`
	Codec     Codec     `json:"codec"`
	Connected time.Time `json:"connected"`
	LastSeen  time.Time `json:"last_seen"`
}

// GetPeerInfos returns info about all connected peers.
func (g *Gateway) GetPeerInfos() []PeerInfo {
	g.mu.RLock()
	defer g.mu.RUnlock()

	infos := make([]PeerInfo, 0, len(g.peers))
	for _, p := range g.peers {
		p.mu.Lock()
		infos = append(infos, PeerInfo{
			ID:        p.ID,
			Codec:     p.Codec,
			Connected: p.Connected,
			LastSeen:  p.LastSeen,
		})
		p.mu.Unlock()
	}
	return infos
}

// RegisterAPIRoutes registers the peer management REST endpoints.
// sessions supplies the orchestrator's per-peer pipeline state and may be
// nil.
func (g *Gateway) RegisterAPIRoutes(api fiber.Router, sessions func() []session.Info) {
	peers := api.Group("/peers")

	peers.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"peers": g.GetPeerInfos(),
			"count": g.PeerCount(),
		})
	})

	peers.Get("/stats", func(c *fiber.Ctx) error {
		return c.JSON(g.GetStats())
	})

	if sessions != nil {
		peers.Get("/sessions", func(c *fiber.Ctx) error {
			return c.JSON(fiber.Map{"sessions": sessions()})
		})
	}
}
