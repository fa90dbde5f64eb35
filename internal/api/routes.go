package api

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rj8b0000/gsb-admin-backend/internal/chat"
	"github.com/rj8b0000/gsb-admin-backend/internal/models"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// formOverhead is the body allowance above the upload limit for the
// remaining multipart fields.
const formOverhead = 1 << 20

type handlers struct {
	svc       *chat.Service
	store     *chat.Store
	db        *gorm.DB
	maxUpload int64
	log       zerolog.Logger
}

// registerRoutes sets up all API routes on the Gin router.
func registerRoutes(router *gin.Engine, h *handlers) {
	router.GET("/health", h.health)
	router.GET("/stats", h.stats)

	conv := router.Group("/conversations")
	conv.POST("", h.sendCustomerMessage)
	conv.GET("", h.listConversations)
	conv.POST("/assign", h.assign)
	conv.GET("/:id", h.getConversation)
	conv.POST("/:id/messages", h.sendAgentReply)
	conv.PUT("/:id/resolve", h.resolve)

	router.GET("/handlers", h.listHandlers)
	router.GET("/handlers/:id", h.getHandler)
}

// mediaBody is an inline attachment in a JSON request. Data is base64.
type mediaBody struct {
	Data     []byte `json:"data"`
	MimeType string `json:"mimeType"`
	Filename string `json:"filename"`
}

type customerMessageBody struct {
	CustomerName   string     `json:"customerName"`
	CustomerEmail  string     `json:"customerEmail"`
	Classification string     `json:"classification"`
	Text           string     `json:"text"`
	Media          *mediaBody `json:"media"`
}

type agentReplyBody struct {
	HandlerID string     `json:"handlerId"`
	Text      string     `json:"text"`
	Media     *mediaBody `json:"media"`
}

type assignBody struct {
	ConversationID string `json:"conversationId"`
	HandlerID      string `json:"handlerId"`
}

func (m *mediaBody) attachment() *chat.Attachment {
	if m == nil {
		return nil
	}
	return &chat.Attachment{Data: m.Data, MimeType: m.MimeType, Filename: m.Filename}
}

func (h *handlers) health(c *gin.Context) {
	if h.db != nil {
		sqlDB, err := h.db.DB()
		if err == nil {
			err = sqlDB.PingContext(c.Request.Context())
		}
		if err != nil {
			h.log.Error().Err(err).Msg("health check")
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *handlers) stats(c *gin.Context) {
	st, err := h.store.Stats(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// sendCustomerMessage accepts JSON or multipart/form-data with an optional
// "file" part. It answers 201 when the message opened a new conversation.
func (h *handlers) sendCustomerMessage(c *gin.Context) {
	var in chat.CustomerMessage
	if isMultipart(c) {
		att, err := h.formAttachment(c)
		if err != nil {
			h.fail(c, err)
			return
		}
		in = chat.CustomerMessage{
			CustomerName:   c.PostForm("customerName"),
			CustomerEmail:  c.PostForm("customerEmail"),
			Classification: c.PostForm("classification"),
			Text:           c.PostForm("text"),
			Attachment:     att,
		}
	} else {
		var body customerMessageBody
		if err := h.bindJSON(c, &body); err != nil {
			h.fail(c, err)
			return
		}
		in = chat.CustomerMessage{
			CustomerName:   body.CustomerName,
			CustomerEmail:  body.CustomerEmail,
			Classification: body.Classification,
			Text:           body.Text,
			Attachment:     body.Media.attachment(),
		}
	}

	res, err := h.svc.SendCustomerMessage(c.Request.Context(), in)
	if err != nil {
		h.fail(c, err)
		return
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	c.JSON(status, resultJSON(res))
}

func (h *handlers) sendAgentReply(c *gin.Context) {
	in := chat.AgentReply{ConversationID: c.Param("id")}
	if isMultipart(c) {
		att, err := h.formAttachment(c)
		if err != nil {
			h.fail(c, err)
			return
		}
		in.HandlerID = c.PostForm("handlerId")
		in.Text = c.PostForm("text")
		in.Attachment = att
	} else {
		var body agentReplyBody
		if err := h.bindJSON(c, &body); err != nil {
			h.fail(c, err)
			return
		}
		in.HandlerID = body.HandlerID
		in.Text = body.Text
		in.Attachment = body.Media.attachment()
	}

	res, err := h.svc.SendAgentReply(c.Request.Context(), in)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resultJSON(res))
}

func (h *handlers) listConversations(c *gin.Context) {
	limit, err := queryInt(c, "limit")
	if err != nil {
		h.fail(c, err)
		return
	}
	offset, err := queryInt(c, "offset")
	if err != nil {
		h.fail(c, err)
		return
	}
	convs, err := h.store.List(c.Request.Context(), chat.ListFilter{
		Status:         c.Query("status"),
		Classification: c.Query("classification"),
		AssignedTo:     c.Query("assignedTo"),
		Limit:          limit,
		Offset:         offset,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	if convs == nil {
		convs = []models.Conversation{}
	}
	c.JSON(http.StatusOK, gin.H{"conversations": convs})
}

func (h *handlers) getConversation(c *gin.Context) {
	conv, err := h.store.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

func (h *handlers) assign(c *gin.Context) {
	var body assignBody
	if err := h.bindJSON(c, &body); err != nil {
		h.fail(c, err)
		return
	}
	if body.ConversationID == "" || body.HandlerID == "" {
		h.fail(c, fmt.Errorf("%w: conversationId and handlerId are required", chat.ErrValidation))
		return
	}
	conv, err := h.svc.AssignConversation(c.Request.Context(), body.ConversationID, body.HandlerID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

func (h *handlers) resolve(c *gin.Context) {
	conv, err := h.svc.ResolveConversation(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

func (h *handlers) listHandlers(c *gin.Context) {
	hs, err := h.store.ListHandlers(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	if hs == nil {
		hs = []models.Handler{}
	}
	c.JSON(http.StatusOK, gin.H{"handlers": hs})
}

// getHandler returns the handler with its assignment history and current
// open workload.
func (h *handlers) getHandler(c *gin.Context) {
	ctx := c.Request.Context()
	hd, err := h.store.LookupHandler(ctx, c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	assigned, err := h.store.HandlerAssignments(ctx, hd.ID)
	if err != nil {
		h.fail(c, err)
		return
	}
	counts, err := h.store.OpenCountsByHandler(ctx)
	if err != nil {
		h.fail(c, err)
		return
	}
	if assigned == nil {
		assigned = []string{}
	}
	c.JSON(http.StatusOK, gin.H{
		"handler":       hd,
		"assignedChats": assigned,
		"openCount":     counts[hd.ID],
	})
}

func resultJSON(res *chat.Result) gin.H {
	return gin.H{
		"conversation": res.Conversation,
		"message":      res.Message,
		"created":      res.Created,
	}
}

func isMultipart(c *gin.Context) bool {
	return c.ContentType() == "multipart/form-data"
}

func (h *handlers) bindJSON(c *gin.Context, dst interface{}) error {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.bodyLimit())
	if err := c.ShouldBindJSON(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return fmt.Errorf("%w: request body exceeds %d bytes", chat.ErrUnsupportedMedia, h.bodyLimit())
		}
		return fmt.Errorf("%w: invalid request body: %v", chat.ErrValidation, err)
	}
	return nil
}

// bodyLimit allows for base64 expansion of an inline attachment.
func (h *handlers) bodyLimit() int64 {
	return h.maxUpload/3*4 + formOverhead
}

// formAttachment reads the optional "file" part of a multipart request.
func (h *handlers) formAttachment(c *gin.Context) (*chat.Attachment, error) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUpload+formOverhead)
	fh, err := c.FormFile("file")
	if errors.Is(err, http.ErrMissingFile) {
		return nil, nil
	}
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, fmt.Errorf("%w: file exceeds %d bytes", chat.ErrUnsupportedMedia, h.maxUpload)
		}
		return nil, fmt.Errorf("%w: invalid multipart body: %v", chat.ErrValidation, err)
	}
	if fh.Size > h.maxUpload {
		return nil, fmt.Errorf("%w: file exceeds %d bytes", chat.ErrUnsupportedMedia, h.maxUpload)
	}
	data, err := readPart(fh)
	if err != nil {
		return nil, fmt.Errorf("%w: read file: %v", chat.ErrValidation, err)
	}
	return &chat.Attachment{
		Data:     data,
		MimeType: partMimeType(fh, data),
		Filename: fh.Filename,
	}, nil
}

func readPart(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// partMimeType prefers the declared part type, then the extension, then
// content sniffing.
func partMimeType(fh *multipart.FileHeader, data []byte) string {
	if ct := fh.Header.Get("Content-Type"); ct != "" && ct != "application/octet-stream" {
		return ct
	}
	if ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(fh.Filename))); ct != "" {
		return ct
	}
	return http.DetectContentType(data)
}

func queryInt(c *gin.Context, key string) (int, error) {
	v := c.Query(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", chat.ErrValidation, key)
	}
	return n, nil
}
