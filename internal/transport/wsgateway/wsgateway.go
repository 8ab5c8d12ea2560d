// Package wsgateway is the WebSocket transport: it upgrades HTTP
// connections, runs the Reader task that classifies client frames, runs
// the Writer task that mints outbound sequence numbers and owns the one
// write goroutine per connection, and tracks live sessions for the stats
// endpoint.
//
// The handler/route shape is grounded on the teacher project's
// internal/handlers/websocket package (gin route groups, an Upgrader with
// a CheckOrigin hook, a per-connection goroutine pair); the connection
// registry and /ws/stats payload are grounded on its ConnectionManager.
package wsgateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/sentryhealth/voicegateway/internal/config"
	"github.com/sentryhealth/voicegateway/internal/identity"
	"github.com/sentryhealth/voicegateway/internal/voicesession/coordinator"
	"github.com/sentryhealth/voicegateway/internal/voicesession/fallbackasr"
	"github.com/sentryhealth/voicegateway/internal/voicesession/protocol"
	"github.com/sentryhealth/voicegateway/internal/voicesession/upstream"
	"github.com/sentryhealth/voicegateway/pkg/logging"
)

// Gateway owns the upgrader, the identity verifier, and the registry of
// live sessions.
type Gateway struct {
	cfg      *config.Settings
	logger   *logging.Logger
	verifier *identity.Verifier
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	sessions map[string]*liveSession
	wg       sync.WaitGroup
}

type liveSession struct {
	sessionID   string
	userID      string
	connectedAt time.Time
	cancel      context.CancelFunc
	conn        *websocket.Conn
	coord       *coordinator.Coordinator
}

// New builds a Gateway.
func New(cfg *config.Settings, logger *logging.Logger, verifier *identity.Verifier) *Gateway {
	g := &Gateway{
		cfg:      cfg,
		logger:   logger,
		verifier: verifier,
		sessions: make(map[string]*liveSession),
	}
	g.upgrader = websocket.Upgrader{
		CheckOrigin:     g.checkOrigin,
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		// Per-message-deflate is disabled: audio frames don't compress well
		// and the CPU cost isn't worth it for a low-latency voice path.
	}
	return g
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	if len(g.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range g.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// RegisterRoutes mounts the voice WebSocket endpoint and its stats sibling.
func (g *Gateway) RegisterRoutes(router gin.IRouter) {
	ws := router.Group("/ws")
	{
		ws.GET("/voice", g.HandleVoice)
		ws.GET("/stats", g.HandleStats)
	}
}

// HandleVoice upgrades the connection and runs its Session until closed.
func (g *Gateway) HandleVoice(c *gin.Context) {
	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.logger.Gateway("gateway.upgrade_failed", map[string]any{"error": err.Error()})
		return
	}
	defer conn.Close()

	sessionID := uuid.NewString()
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	coordCfg := g.buildCoordinatorConfig(sessionID, c.ClientIP())
	coord := coordinator.New(coordCfg, g.logger, g.verifier)

	live := &liveSession{sessionID: sessionID, connectedAt: time.Now(), cancel: cancel, conn: conn, coord: coord}
	g.wg.Add(1)
	defer g.wg.Done()
	g.register(live)
	defer g.unregister(sessionID)

	g.logger.Gateway("gateway.session_opened", map[string]any{"session_id": sessionID, "client_ip": c.ClientIP()})

	// The Coordinator and Writer tasks run as a group for the life of the
	// session; the Reader task runs inline since HandleVoice itself is the
	// goroutine gin dedicates to this connection.
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		coord.Run(egCtx)
		return nil
	})
	eg.Go(func() error {
		g.runWriter(conn, coord)
		return nil
	})

	g.runReader(conn, coord)
	<-coord.Done()
	_ = eg.Wait()

	g.logger.Gateway("gateway.session_closed", map[string]any{"session_id": sessionID})
}

func (g *Gateway) buildCoordinatorConfig(sessionID, clientIP string) coordinator.Config {
	return coordinator.Config{
		SessionID: sessionID,
		ClientIP:  clientIP,
		Upstream: upstream.Config{
			APIKey:                    g.cfg.Upstream.APIKey,
			Model:                     g.cfg.Upstream.Model,
			Voice:                     g.cfg.Upstream.Voice,
			Temperature:               g.cfg.Upstream.Temperature,
			ResponseModalities:        []string{"AUDIO"},
			EnableInputTranscription:  true,
			EnableOutputTranscription: true,
			ConnectTimeout:            g.cfg.Upstream.ConnectTimeout,
			SetupTimeout:              g.cfg.Upstream.SetupTimeout,
			KeepaliveEvery:            g.cfg.Upstream.KeepaliveEvery,
			KeepaliveIdle:             g.cfg.Upstream.KeepaliveIdle,
		},
		FallbackASR: fallbackasr.Config{
			ProjectID:         g.cfg.FallbackASR.ProjectID,
			Region:            g.cfg.FallbackASR.Region,
			LanguageCode:      g.cfg.FallbackASR.LanguageCode,
			APIKey:            g.cfg.Upstream.APIKey,
			MaxRetries:        g.cfg.FallbackASR.MaxRetries,
			BaseRetryDelay:    g.cfg.FallbackASR.BaseRetryDelay,
			JitterBufferBytes: g.cfg.FallbackASR.JitterBufferLen,
		},
		FallbackEnabled:           g.cfg.FallbackASR.Enabled,
		DisableFallbackOnUpstream: g.cfg.FallbackASR.DisableOnVertex,
		EmitAssistantPartials:     g.cfg.AssistantEmitPartials,
	}
}

// runReader is the Reader task: it owns all reads from the client socket
// and is the only goroutine permitted to call coord.Submit.
func (g *Gateway) runReader(conn *websocket.Conn, coord *coordinator.Coordinator) {
	defer coord.SubmitClosed()
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			if len(data) < protocol.MinBinaryFrameLen {
				g.logger.SessionWarn("gateway.binary_frame_too_short", "", map[string]any{"len": len(data)})
				continue
			}
			coord.Submit(protocol.ParseBinary(data))

		case websocket.TextMessage:
			frame, err := protocol.ParseText(data)
			if err != nil {
				g.logger.SessionWarn("gateway.malformed_client_message", "", map[string]any{"error": err.Error()})
				continue
			}
			coord.Submit(frame)
		}
	}
}

// runWriter is the Writer task: the sole consumer of the Coordinator's
// outbound queue and the sole minter of the wire sequence number. The
// Coordinator closes its outbound channel only after its own select loop
// has returned (see Coordinator.finish), so ranging here is guaranteed to
// drain every already-queued event — including the final session-state
// event a shutdown enqueues — before this task exits.
func (g *Gateway) runWriter(conn *websocket.Conn, coord *coordinator.Coordinator) {
	var seq uint64
	for event := range coord.Outbound() {
		seq++
		envelope := protocol.OutboundEnvelope{Type: event.Type, Seq: seq, Payload: event.Payload}
		data, err := json.Marshal(envelope)
		if err != nil {
			g.logger.Gateway("gateway.outbound_marshal_failed", map[string]any{"error": err.Error(), "type": event.Type})
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
}

func (g *Gateway) register(s *liveSession) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sessions[s.sessionID] = s
}

func (g *Gateway) unregister(sessionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.sessions, sessionID)
}

// HandleStats reports the live session count and per-session connect
// times, the way the teacher project's ConnectionManager.GetStats does.
func (g *Gateway) HandleStats(c *gin.Context) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	sessions := make([]map[string]any, 0, len(g.sessions))
	for _, s := range g.sessions {
		sessions = append(sessions, map[string]any{
			"session_id":   s.sessionID,
			"connected_at": s.connectedAt,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"active_sessions": len(g.sessions),
		"sessions":        sessions,
	})
}

// Shutdown asks every live session to stop and blocks until HandleVoice has
// returned for each of them — the caller (startServer) bounds the overall
// wait with its own shutdown context.
func (g *Gateway) Shutdown() {
	g.mu.RLock()
	live := make([]*liveSession, 0, len(g.sessions))
	for _, s := range g.sessions {
		live = append(live, s)
	}
	g.mu.RUnlock()

	for _, s := range live {
		s.cancel()
		// Unblocks the Reader task's in-flight conn.ReadMessage, which does
		// not observe ctx cancellation on its own.
		_ = s.conn.Close()
	}
	g.wg.Wait()
}
