package handlers

import (
	"errors"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Brownie44l1/fer-session/internal/classifier"
	"github.com/Brownie44l1/fer-session/internal/logging"
	"github.com/Brownie44l1/fer-session/internal/presenter"
	"github.com/Brownie44l1/fer-session/internal/session"
)

// DefaultMaxUploadSize caps image uploads.
const DefaultMaxUploadSize = 10 << 20

// statusClientClosedRequest is the nginx convention for a request the client abandoned.
const statusClientClosedRequest = 499

type Handler struct {
	engine        session.Classifier
	sessions      *Registry
	logger        *zap.Logger
	maxUploadSize int64
}

func NewHandler(engine session.Classifier, sessions *Registry, logger *zap.Logger, maxUploadSize int64) *Handler {
	if maxUploadSize <= 0 {
		maxUploadSize = DefaultMaxUploadSize
	}
	return &Handler{
		engine:        engine,
		sessions:      sessions,
		logger:        logger.Named("handlers"),
		maxUploadSize: maxUploadSize,
	}
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/health", h.Health)
	router.POST("/predict/image", h.PredictFromImage)

	s := router.Group("/sessions")
	s.POST("", h.CreateSession)
	s.GET("/:id", h.GetSession)
	s.DELETE("/:id", h.DeleteSession)
	s.PUT("/:id/image", h.SetImage)
	s.POST("/:id/classify", h.Classify)
	s.DELETE("/:id/result", h.Reset)
	s.GET("/:id/events", h.Events)
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "sessions": h.sessions.Len()})
}

// PredictFromImage classifies an uploaded image outside any session and waits for the result.
func (h *Handler) PredictFromImage(c *gin.Context) {
	img, ok := h.readImage(c)
	if !ok {
		return
	}

	requestID := uuid.NewString()
	ctx := logging.ContextWithRequestID(c.Request.Context(), requestID)
	done := make(chan classifier.Outcome, 1)
	h.engine.Classify(ctx, img, func(o classifier.Outcome) { done <- o })

	select {
	case o := <-done:
		label, ok := o.Label()
		confidence, _ := o.Confidence()
		emotion := session.UnknownEmotion
		if ok {
			emotion = label
		}
		c.JSON(http.StatusOK, gin.H{
			"request_id": requestID,
			"emotion":    emotion,
			"accuracy":   session.FormatAccuracy(confidence, ok),
			"confidence": confidence,
			"failure":    o.Failure.String(),
		})
	case <-ctx.Done():
		logging.WithOperation(h.logger, "handlers.predict_image", requestID).
			Info("client went away before classification finished", zap.Error(ctx.Err()))
	}
}

func (h *Handler) CreateSession(c *gin.Context) {
	id, _ := h.sessions.Create()
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

func (h *Handler) GetSession(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, newStateResponse(s.State()))
}

func (h *Handler) DeleteSession(c *gin.Context) {
	if !h.sessions.Delete(c.Param("id")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) SetImage(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	img, ok := h.readImage(c)
	if !ok {
		return
	}
	s.SetImage(img)
	if err := s.Sync(c.Request.Context()); err != nil {
		if errors.Is(err, presenter.ErrStopped) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "session is shutting down"})
			return
		}
		// The image is queued regardless; only the confirmation is lost.
		h.logger.Info("client went away before the image was applied", zap.Error(err))
		c.AbortWithStatus(statusClientClosedRequest)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "image set"})
}

func (h *Handler) Classify(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	if s.State().Image == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "session has no image"})
		return
	}
	s.Classify()
	c.JSON(http.StatusAccepted, gin.H{"status": "classifying"})
}

func (h *Handler) Reset(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	s.Reset()
	c.JSON(http.StatusAccepted, gin.H{"status": "reset"})
}

// Events streams every state change of a session as server-sent events.
func (h *Handler) Events(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}

	updates := make(chan session.State, 8)
	unsubscribe := s.Subscribe(func(st session.State) {
		select {
		case updates <- st:
		default:
			// slow client; it will catch up on the next change
		}
	})
	defer unsubscribe()

	c.SSEvent("state", newStateResponse(s.State()))
	c.Stream(func(_ io.Writer) bool {
		select {
		case st := <-updates:
			c.SSEvent("state", newStateResponse(st))
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

func (h *Handler) session(c *gin.Context) (*session.Controller, bool) {
	s, ok := h.sessions.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
	}
	return s, ok
}

// readImage decodes the multipart "image" field, writing an error response on failure.
func (h *Handler) readImage(c *gin.Context) (image.Image, bool) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadSize)

	file, err := c.FormFile("image")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image too large"})
			return nil, false
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "no image file provided, use 'image' as the form field name"})
		return nil, false
	}

	src, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unable to open image"})
		return nil, false
	}
	defer src.Close()

	img, format, err := image.Decode(src)
	if err != nil {
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "invalid image format, supported: JPEG, PNG"})
		return nil, false
	}

	h.logger.Debug("image received",
		zap.String("filename", file.Filename),
		zap.Int64("size", file.Size),
		zap.String("format", format),
		zap.Int("width", img.Bounds().Dx()),
		zap.Int("height", img.Bounds().Dy()),
	)
	return img, true
}

type stateResponse struct {
	HasImage    bool   `json:"has_image"`
	ImageWidth  int    `json:"image_width,omitempty"`
	ImageHeight int    `json:"image_height,omitempty"`
	Emotion     string `json:"emotion,omitempty"`
	Accuracy    string `json:"accuracy,omitempty"`
	Failure     string `json:"failure,omitempty"`
}

func newStateResponse(st session.State) stateResponse {
	resp := stateResponse{
		Emotion:  st.Emotion,
		Accuracy: st.AccuracyText,
	}
	if st.Image != nil {
		resp.HasImage = true
		resp.ImageWidth = st.Image.Bounds().Dx()
		resp.ImageHeight = st.Image.Bounds().Dy()
	}
	if st.Emotion != "" {
		resp.Failure = st.Failure.String()
	}
	return resp
}
