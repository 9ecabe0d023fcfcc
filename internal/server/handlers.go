package server

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"fable/internal/task"
)

type submitRequest struct {
	Goal      string `json:"goal" binding:"required"`
	SessionID string `json:"session_id"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
}

func (s *Server) handleSubmit(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "goal is required"})
		return
	}

	t, err := s.manager.Submit(req.Goal, req.SessionID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, t)
}

func (s *Server) handleGet(c *gin.Context) {
	t, err := s.manager.Get(c.Param("id"))
	if err != nil {
		s.taskError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleCancel(c *gin.Context) {
	var req cancelRequest
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "cancelled by client"
	}
	if err := s.manager.Cancel(c.Param("id"), req.Reason); err != nil {
		s.taskError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "cancelling"})
}

// handleEvents streams task events as server-sent events until the task
// reaches its terminal state or the client disconnects.
func (s *Server) handleEvents(c *gin.Context) {
	events, stop, err := s.manager.Subscribe(c.Param("id"))
	if err != nil {
		s.taskError(c, err)
		return
	}
	defer stop()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-events:
			if !ok {
				return false
			}
			c.SSEvent("task", ev)
			return !ev.Terminal
		case <-c.Request.Context().Done():
			return false
		}
	})
}

// handleWebSocket streams task events over a WebSocket connection. The
// connection closes after the terminal event.
func (s *Server) handleWebSocket(c *gin.Context) {
	id := c.Param("id")
	events, stop, err := s.manager.Subscribe(id)
	if err != nil {
		s.taskError(c, err)
		return
	}
	defer stop()

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed for task %s: %v", id, err)
		return
	}
	defer conn.Close()

	for ev := range events {
		if err := conn.WriteJSON(ev); err != nil {
			s.logger.Warn("websocket write failed for task %s: %v", id, err)
			return
		}
		if ev.Terminal {
			break
		}
	}
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "task finished"))
}

func (s *Server) taskError(c *gin.Context, err error) {
	if errors.Is(err, task.ErrTaskNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
