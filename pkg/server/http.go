package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Philipk84/tarea-chat-sub000/pkg/datastore"
	"github.com/Philipk84/tarea-chat-sub000/pkg/model"
	"github.com/Philipk84/tarea-chat-sub000/pkg/protocol"
)

// StartHTTP starts the HTTP surface: health, stats, history queries, the
// Prometheus endpoint, and the websocket notification bridge. Disabled
// when no address is configured.
func (s *Server) StartHTTP() error {
	if s.cfg.HTTPAddr == "" {
		return nil
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok\n")
	})
	router.GET("/api/stats", s.handleStats)
	router.GET("/api/history", s.handleHistory)
	router.POST("/api/calls/:id/accept", s.handleCallAccept)
	router.POST("/api/calls/:id/reject", s.handleCallReject)
	router.GET("/ws", s.handleSubscribe)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.promReg, promhttp.HandlerOpts{})))

	s.httpSrv = &http.Server{
		Addr:              s.cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		slog.Info("http listening", "addr", s.cfg.HTTPAddr)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server error", "err", err)
		}
	}()

	go func() {
		<-s.ctx.Done()
		_ = s.httpSrv.Close()
	}()

	return nil
}

func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"online_users": s.sessions.Usernames(),
		"sessions":     s.sessions.Count(),
		"groups":       s.groups.Names(),
		"active_calls": s.calls.Count(),
		"subscribers":  s.bridge.Count(),
	})
}

func (s *Server) handleHistory(c *gin.Context) {
	filters := datastore.EventFilters{
		User: c.Query("user"),
		Type: model.EventType(c.Query("type")),
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		filters.Limit = limit
	}
	if raw := c.Query("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be RFC 3339"})
			return
		}
		filters.Since = since
	}

	events, err := s.history.ListEvents(c.Request.Context(), filters)
	if err != nil {
		slog.Error("history query failed", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "history query failed"})
		return
	}
	if events == nil {
		events = []model.Event{}
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

// handleCallAccept lets a user join a proposed or active call out of
// band, the path taken by bridge clients reacting to a call_incoming
// event. The joiner must be online with a registered media endpoint so
// the existing participants get a usable peer entry.
func (s *Server) handleCallAccept(c *gin.Context) {
	callID := c.Param("id")
	user := c.Query("user")
	if err := model.ValidateUsername(user); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !s.sessions.IsOnline(user) {
		c.JSON(http.StatusConflict, gin.H{"error": "user is not online"})
		return
	}
	if _, ok := s.sessions.UDPEndpoint(user); !ok {
		c.JSON(http.StatusConflict, gin.H{"error": "user has no UDP endpoint"})
		return
	}

	if err := s.calls.Accept(callID, user); err != nil {
		status := http.StatusConflict
		if errors.Is(err, ErrCallNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	participants := s.calls.Participants(callID)
	peers := make(map[string]string, len(participants))
	for _, name := range participants {
		if ep, ok := s.sessions.UDPEndpoint(name); ok {
			peers[name] = ep.String()
		}
	}

	// Everyone, the joiner included, gets the refreshed peer map.
	line := protocol.CallStartedLine(callID, peers)
	for _, name := range participants {
		if target, ok := s.sessions.Get(name); ok {
			if err := target.SendLine(line); err != nil {
				slog.Warn("call notification failed", "call", callID, "user", name, "err", err)
			}
		}
		if name != user {
			s.bridge.Notify(name, model.NewEvent(model.EventCallAccepted, user, map[string]any{
				"call_id": callID,
			}))
		}
	}
	s.record(model.NewEvent(model.EventCallAccepted, user, map[string]any{"call_id": callID}))

	c.JSON(http.StatusOK, gin.H{"call_id": callID, "participants": participants})
}

// handleCallReject records a declined invitation and tells the
// initiator. No call state changes; the callee simply never joins.
func (s *Server) handleCallReject(c *gin.Context) {
	callID := c.Param("id")
	user := c.Query("user")
	if err := model.ValidateUsername(user); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	call, ok := s.calls.Get(callID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "call not found"})
		return
	}

	s.bridge.Notify(call.Initiator, model.NewEvent(model.EventCallRejected, user, map[string]any{
		"call_id": callID,
	}))
	if initiator, online := s.sessions.Get(call.Initiator); online {
		_ = initiator.SendLine(fmt.Sprintf("%s rejected call %s", user, callID))
	}
	s.record(model.NewEvent(model.EventCallRejected, user, map[string]any{"call_id": callID}))

	c.JSON(http.StatusOK, gin.H{"call_id": callID})
}

// handleSubscribe upgrades the connection and registers it with the
// notification bridge. The handler owns the read side: it blocks until
// the socket closes, which unsubscribes the endpoint.
func (s *Server) handleSubscribe(c *gin.Context) {
	username := c.Query("user")
	if err := model.ValidateUsername(username); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Debug("websocket accept failed", "user", username, "err", err)
		return
	}

	sub := s.bridge.Subscribe(username, conn)
	slog.Info("subscriber connected", "user", username)

	// Drain incoming frames until the peer goes away.
	for {
		if _, _, err := conn.Read(c.Request.Context()); err != nil {
			break
		}
	}

	s.bridge.Unsubscribe(username, sub)
	_ = conn.Close(websocket.StatusNormalClosure, "")
	slog.Info("subscriber disconnected", "user", username)
}
