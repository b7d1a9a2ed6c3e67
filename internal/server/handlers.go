package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/dustin/go-humanize"
	"github.com/labstack/echo/v4"

	"claude-chat/internal/adapter"
	"claude-chat/internal/models"
	"claude-chat/internal/params"
	"claude-chat/internal/session"
	"claude-chat/internal/upload"
)

const (
	sessionCookie     = "claude_chat_session"
	sessionHeader     = "X-Session-Id"
	sessionContextKey = "session"
)

func sessionID(c echo.Context) string {
	if cookie, err := c.Cookie(sessionCookie); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	return c.Request().Header.Get(sessionHeader)
}

func (s *Server) requireSession(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := sessionID(c)
		if id == "" {
			return toHTTPError(session.ErrNotFound)
		}
		sess, err := s.sessions.Get(id)
		if err != nil {
			return toHTTPError(err)
		}
		c.Set(sessionContextKey, sess)
		return next(c)
	}
}

func sessionFrom(c echo.Context) *session.Session {
	return c.Get(sessionContextKey).(*session.Session)
}

type modelView struct {
	models.ModelDescriptor
	Label string `json:"label"`
}

func (s *Server) handleModels(c echo.Context) error {
	list := s.catalog.List()
	views := make([]modelView, 0, len(list))
	for _, d := range list {
		views = append(views, modelView{ModelDescriptor: d, Label: d.Label()})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"models":  views,
		"default": s.cfg.Chat.DefaultModel,
	})
}

func (s *Server) handleCreateSession(c echo.Context) error {
	if id := sessionID(c); id != "" {
		s.sessions.Delete(id)
	}

	sess := s.sessions.Create()
	c.SetCookie(&http.Cookie{
		Name:     sessionCookie,
		Value:    sess.ID(),
		Path:     "/",
		MaxAge:   int(s.cfg.Server.SessionTTL.Seconds()),
		HttpOnly: true,
		Secure:   c.Scheme() == "https",
		SameSite: http.SameSiteStrictMode,
	})
	return c.JSON(http.StatusCreated, sess.Snapshot())
}

func (s *Server) handleGetSession(c echo.Context) error {
	return c.JSON(http.StatusOK, sessionFrom(c).Snapshot())
}

type credentialRequest struct {
	APIKey string `json:"api_key"`
}

func (s *Server) handleSetCredential(c echo.Context) error {
	var req credentialRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}

	result, err := sessionFrom(c).SetCredential(c.Request().Context(), req.APIKey)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, result)
}

func (s *Server) handleClearCredential(c echo.Context) error {
	if err := sessionFrom(c).ClearCredential(); err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "cleared"})
}

type settingsResponse struct {
	Settings   params.Settings `json:"settings"`
	ModelLabel string          `json:"model_label"`
	Notices    []params.Notice `json:"notices"`
}

func (s *Server) handleUpdateSettings(c echo.Context) error {
	req := c.Request()
	defer req.Body.Close()

	body, err := io.ReadAll(http.MaxBytesReader(c.Response(), req.Body, maxBodyBytes))
	if err != nil {
		return requestError{
			Status:  http.StatusRequestEntityTooLarge,
			Message: "request body too large",
			Type:    "invalid_request_error",
		}
	}
	if err := validateAgainst(s.settingsSchema, body); err != nil {
		return err
	}

	var patch session.SettingsPatch
	if err := json.Unmarshal(body, &patch); err != nil {
		return requestError{
			Status:  http.StatusBadRequest,
			Message: fmt.Sprintf("invalid JSON payload: %v", err),
			Type:    "invalid_request_error",
		}
	}

	settings, notices, err := sessionFrom(c).UpdateSettings(patch)
	if err != nil {
		return toHTTPError(err)
	}
	if notices == nil {
		notices = []params.Notice{}
	}
	return c.JSON(http.StatusOK, settingsResponse{
		Settings:   settings,
		ModelLabel: s.catalog.Label(settings.Model),
		Notices:    notices,
	})
}

type chatRequest struct {
	Message string `json:"message"`
	Stream  *bool  `json:"stream,omitempty"`
}

func (s *Server) handleChat(c echo.Context) error {
	var req chatRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}

	sess := sessionFrom(c)
	stream := sess.Settings().StreamingEnabled
	if req.Stream != nil {
		stream = *req.Stream
	}
	if stream {
		return streamChat(c, sess, req.Message)
	}

	ex, err := sess.Submit(c.Request().Context(), req.Message)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, ex)
}

// streamChat relays fragments as SSE. Failures before the first fragment are
// ordinary JSON errors; later failures arrive as an "error" event after the
// partial text.
func streamChat(c echo.Context, sess *session.Session, message string) error {
	writer := c.Response().Writer
	flusher, canFlush := writer.(http.Flusher)
	started := false

	start := func() {
		header := c.Response().Header()
		header.Set("Content-Type", "text/event-stream")
		header.Set("Cache-Control", "no-cache")
		header.Set("Connection", "keep-alive")
		c.Response().WriteHeader(http.StatusOK)
		started = true
	}

	ex, err := sess.SubmitStream(c.Request().Context(), message, func(frag adapter.Fragment) error {
		if !started {
			if !canFlush {
				slog.Error("http writer does not support flushing")
				return requestError{
					Status:  http.StatusInternalServerError,
					Message: "server does not support streaming responses",
					Type:    "server_error",
				}
			}
			start()
		}
		if err := writeSSEEvent(writer, "fragment", frag); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})

	if !started {
		if err != nil {
			return toHTTPError(err)
		}
		if !canFlush {
			return c.JSON(http.StatusOK, ex)
		}
		start()
	}

	if err != nil {
		if errors.Is(err, c.Request().Context().Err()) {
			slog.Info("client disconnected during stream", "session", sess.ID())
			return nil
		}
		reqErr := toHTTPError(err)
		if werr := writeSSEEvent(writer, "error", newErrorBody(reqErr.Message, reqErr.Type, reqErr.Code)); werr != nil {
			slog.Error("failed to write SSE event", "event", "error", "err", werr)
			return nil
		}
		flusher.Flush()
		return nil
	}

	if err := writeSSEEvent(writer, "done", ex); err != nil {
		slog.Error("failed to write SSE event", "event", "done", "err", err)
		return nil
	}
	flusher.Flush()
	return nil
}

func (s *Server) handleClearChat(c echo.Context) error {
	if err := sessionFrom(c).Clear(); err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "cleared"})
}

func (s *Server) handleSaveChat(c echo.Context) error {
	chat, err := sessionFrom(c).Save()
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusCreated, map[string]any{
		"timestamp": chat.Timestamp,
		"filename":  chat.Filename(session.FormatJSON),
		"messages":  len(chat.Messages),
	})
}

func (s *Server) handleExportChat(c echo.Context) error {
	format, err := session.ParseFormat(c.QueryParam("format"))
	if err != nil {
		return requestError{Status: http.StatusBadRequest, Message: err.Error(), Type: "invalid_request_error"}
	}

	chat, err := sessionFrom(c).LatestSaved()
	if err != nil {
		return toHTTPError(err)
	}
	data, err := chat.Encode(format)
	if err != nil {
		return err
	}

	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", chat.Filename(format)))
	return c.Blob(http.StatusOK, format.ContentType(), data)
}

type uploadResponse struct {
	Document upload.Document `json:"document"`
	Prompt   string          `json:"prompt"`
}

func (s *Server) handleUpload(c echo.Context) error {
	limit := s.cfg.Server.MaxUploadBytes
	req := c.Request()
	req.Body = http.MaxBytesReader(c.Response(), req.Body, limit+maxBodyBytes)

	tooLarge := requestError{
		Status:  http.StatusRequestEntityTooLarge,
		Message: fmt.Sprintf("file exceeds the %s upload limit", humanize.Bytes(uint64(limit))),
		Type:    "invalid_request_error",
	}

	fh, err := c.FormFile("file")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return tooLarge
		}
		return requestError{Status: http.StatusBadRequest, Message: "multipart field \"file\" is required", Type: "invalid_request_error"}
	}
	if fh.Size > limit {
		return tooLarge
	}

	f, err := fh.Open()
	if err != nil {
		return fmt.Errorf("open upload: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return fmt.Errorf("read upload: %w", err)
	}
	if int64(len(data)) > limit {
		return tooLarge
	}

	doc, err := upload.Extract(fh.Filename, fh.Header.Get(echo.HeaderContentType), data)
	if err != nil {
		return toHTTPError(err)
	}
	slog.Debug("file uploaded", "session", sessionFrom(c).ID(), "file", doc.Name, "kind", doc.Kind, "tokens", doc.Tokens)

	return c.JSON(http.StatusOK, uploadResponse{Document: doc, Prompt: doc.Prompt(c.FormValue("question"))})
}
