package handler

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"tutor-backend/internal/model"
	"tutor-backend/internal/service"
	"tutor-backend/internal/storage"
	"tutor-backend/internal/utils"
	"tutor-backend/pkg/logger"

	"github.com/gin-gonic/gin"
)

type ChatHandler struct {
	chatService    *service.ChatService
	heartbeat      time.Duration
	maxUploadBytes int64
}

func NewChatHandler(chatService *service.ChatService, heartbeat time.Duration, maxUploadBytes int64) *ChatHandler {
	return &ChatHandler{
		chatService:    chatService,
		heartbeat:      heartbeat,
		maxUploadBytes: maxUploadBytes,
	}
}

// StreamChat accepts JSON or multipart input and streams the exchange as
// server-sent events. Rejections before the exchange starts are plain JSON.
func (h *ChatHandler) StreamChat(c *gin.Context) {
	text, file, err := h.bindChatInput(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sse := newLazySSE(c.Writer, h.heartbeat)
	defer sse.stop()

	outcome, err := h.chatService.StreamChat(c.Request.Context(), text, file, func(ev model.StreamEvent) {
		if err := sse.writer().WriteJSON(string(ev.Type), ev); err != nil {
			logger.Warnf("Failed to write SSE event %s: %v", ev.Type, err)
		}
	})
	if err != nil {
		if !sse.started() {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		sse.writer().WriteJSON("error", gin.H{"error": err.Error()})
		sse.writer().Close()
		return
	}

	done := gin.H{
		"state":      outcome.State.String(),
		"session_id": outcome.SessionID,
		"message_id": outcome.Message.ID,
		"parts":      outcome.Parts,
		"warnings":   outcome.Warnings,
	}
	if outcome.Err != nil {
		done["error"] = outcome.Err.Error()
	}
	sse.writer().WriteJSON("done", done)
	sse.writer().Close()
}

func (h *ChatHandler) bindChatInput(c *gin.Context) (string, *model.Attachment, error) {
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		text := c.PostForm("message")

		fh, err := c.FormFile("file")
		if errors.Is(err, http.ErrMissingFile) {
			return text, nil, nil
		}
		if err != nil {
			return "", nil, err
		}

		f, err := fh.Open()
		if err != nil {
			return "", nil, err
		}
		defer f.Close()

		// One byte over the limit is enough for the size check downstream.
		var r io.Reader = f
		if h.maxUploadBytes > 0 {
			r = io.LimitReader(f, h.maxUploadBytes+1)
		}
		data, err := io.ReadAll(r)
		if err != nil {
			return "", nil, fmt.Errorf("reading upload: %w", err)
		}

		return text, &model.Attachment{
			Name:      fh.Filename,
			MediaType: fh.Header.Get("Content-Type"),
			Data:      data,
		}, nil
	}

	var req model.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		return "", nil, err
	}
	if req.File == nil {
		return req.Message, nil, nil
	}
	return req.Message, &model.Attachment{
		Name:      req.File.Name,
		MediaType: req.File.MediaType,
		Data:      req.File.Data,
	}, nil
}

func (h *ChatHandler) CancelChat(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"cancelled": h.chatService.Cancel()})
}

func (h *ChatHandler) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.chatService.Status())
}

func (h *ChatHandler) CreateSession(c *gin.Context) {
	var req model.CreateSessionRequest
	// An empty body means the default title.
	_ = c.ShouldBindJSON(&req)

	session := h.chatService.CreateSession(req.Title)
	c.JSON(http.StatusOK, h.sessionResponse(session))
}

func (h *ChatHandler) GetSession(c *gin.Context) {
	session, err := h.chatService.GetSession(c.Param("session_id"))
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, h.sessionResponse(session))
}

func (h *ChatHandler) GetSessionList(c *gin.Context) {
	sessions := h.chatService.GetAllSessions()

	list := make([]model.SessionResponse, len(sessions))
	for i, s := range sessions {
		list[i] = h.sessionResponse(s)
	}
	c.JSON(http.StatusOK, gin.H{
		"sessions":          list,
		"active_session_id": h.chatService.ActiveSessionID(),
	})
}

func (h *ChatHandler) SelectSession(c *gin.Context) {
	sessionID := c.Param("session_id")

	if err := h.chatService.SelectSession(sessionID); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"active_session_id": sessionID})
}

func (h *ChatHandler) UpdateSessionTitle(c *gin.Context) {
	var req model.UpdateTitleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.chatService.UpdateSessionTitle(c.Param("session_id"), req.Title); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Title updated successfully"})
}

func (h *ChatHandler) DeleteSession(c *gin.Context) {
	if err := h.chatService.DeleteSession(c.Param("session_id")); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message":           "Session deleted successfully",
		"active_session_id": h.chatService.ActiveSessionID(),
	})
}

func (h *ChatHandler) ClearAllSessions(c *gin.Context) {
	session, err := h.chatService.ClearAllSessions()
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, h.sessionResponse(session))
}

// GetMessages returns the messages of the session in the path, or of the
// active session when there is none.
func (h *ChatHandler) GetMessages(c *gin.Context) {
	sessionID := c.Param("session_id")
	if sessionID == "" {
		c.JSON(http.StatusOK, gin.H{
			"session_id": h.chatService.ActiveSessionID(),
			"messages":   h.chatService.ActiveMessages(),
		})
		return
	}

	messages, err := h.chatService.GetSessionMessages(sessionID)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session_id": sessionID,
		"messages":   messages,
	})
}

func (h *ChatHandler) sessionResponse(s model.Session) model.SessionResponse {
	return model.SessionResponse{
		SessionID:    s.ID,
		Title:        s.Title,
		Active:       s.ID == h.chatService.ActiveSessionID(),
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
		MessageCount: len(s.Messages),
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, storage.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrGenerationInProgress):
		return http.StatusConflict
	case errors.Is(err, service.ErrEmptyMessage):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// lazySSE switches the response to an event stream on first use and keeps
// it alive with heartbeat comments until stop is called.
type lazySSE struct {
	w         http.ResponseWriter
	heartbeat time.Duration

	once sync.Once
	sse  *utils.SSEWriter
	quit chan struct{}
	wg   sync.WaitGroup
}

func newLazySSE(w http.ResponseWriter, heartbeat time.Duration) *lazySSE {
	return &lazySSE{w: w, heartbeat: heartbeat, quit: make(chan struct{})}
}

func (l *lazySSE) writer() *utils.SSEWriter {
	l.once.Do(func() {
		l.sse = utils.NewSSEWriter(l.w)
		if l.heartbeat <= 0 {
			return
		}
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			ticker := time.NewTicker(l.heartbeat)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					if err := l.sse.Heartbeat(); err != nil {
						logger.Warnf("Heartbeat failed: %v", err)
						return
					}
				case <-l.quit:
					return
				}
			}
		}()
	})
	return l.sse
}

func (l *lazySSE) started() bool {
	return l.sse != nil
}

func (l *lazySSE) stop() {
	close(l.quit)
	l.wg.Wait()
}
