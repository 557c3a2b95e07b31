package pipeline

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/eelnxz09/anamoly-processing/internal/feed"
	"github.com/eelnxz09/anamoly-processing/internal/ingest"
	"github.com/eelnxz09/anamoly-processing/internal/logging"
	"github.com/eelnxz09/anamoly-processing/internal/model"
	"github.com/eelnxz09/anamoly-processing/internal/risk"
	"github.com/eelnxz09/anamoly-processing/internal/validation"
)

// Handler provides HTTP endpoints for the pipeline operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new pipeline handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up the pipeline routes under r (normally /v1).
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/uploads", h.UploadBatch)

	r.POST("/feeds", h.ConnectFeed)
	r.GET("/feeds", h.FeedStatus)
	r.DELETE("/feeds", h.DisconnectFeed)

	r.GET("/model", h.ModelInfo)
	r.POST("/model/train", h.Train)
	r.POST("/model/score", h.ScoreAll)

	r.GET("/transactions", h.Query)
	tx := r.Group("/transactions/:id", validation.IDParamMiddleware())
	tx.GET("", h.GetTransaction)
	tx.GET("/explain", h.Explain)

	r.GET("/users/:id/profile", h.GetProfile)
	r.GET("/statistics", h.Statistics)
}

// UploadBatch handles POST /v1/uploads
//
// Accepts a multipart form with a "file" field, a raw CSV body, or a JSON
// body {"rows": [{...}]}. The optional "source" query parameter defaults
// to "upload".
func (h *Handler) UploadBatch(c *gin.Context) {
	source := ingest.Source(c.DefaultQuery("source", string(ingest.SourceUpload)))
	if !source.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "source must be upload or live-feed",
		})
		return
	}

	batch, err := readBatch(c)
	if err != nil {
		h.writeError(c, err)
		return
	}

	res, err := h.service.UploadBatch(c.Request.Context(), batch, source)
	if err != nil {
		h.writeError(c, err)
		return
	}
	res.BatchID = uuid.NewString()
	c.JSON(http.StatusCreated, res)
}

type uploadJSON struct {
	Rows []map[string]any `json:"rows"`
}

func readBatch(c *gin.Context) (*ingest.Batch, error) {
	mediaType, _, _ := mime.ParseMediaType(c.GetHeader("Content-Type"))
	switch mediaType {
	case "multipart/form-data":
		fh, err := c.FormFile("file")
		if err != nil {
			return nil, &ingest.ValidationError{Problems: []string{`multipart upload needs a "file" field`}}
		}
		f, err := fh.Open()
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return ingest.ReadCSV(f)

	case "application/json":
		var body uploadJSON
		if err := c.ShouldBindJSON(&body); err != nil {
			return nil, &ingest.ValidationError{Problems: []string{"invalid JSON body: " + err.Error()}}
		}
		records := make([]map[string]string, len(body.Rows))
		for i, row := range body.Rows {
			records[i] = make(map[string]string, len(row))
			for k, v := range row {
				if v != nil {
					records[i][k] = jsonField(v)
				}
			}
		}
		return ingest.FromMaps(records), nil
	}

	return ingest.ReadCSV(c.Request.Body)
}

// jsonField renders a decoded JSON value as cell text. Numbers keep their
// shortest exact decimal form, so Unix timestamps never reach the parser in
// exponent notation.
func jsonField(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprint(x)
	}
}

// ConnectFeedRequest is the body of POST /v1/feeds.
type ConnectFeedRequest struct {
	Endpoint  string `json:"endpoint"`
	Worksheet string `json:"worksheet"`
}

// ConnectFeed handles POST /v1/feeds
func (h *Handler) ConnectFeed(c *gin.Context) {
	var req ConnectFeedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	req.Endpoint = strings.TrimSpace(req.Endpoint)
	req.Worksheet = validation.SanitizeString(req.Worksheet, 256)

	if errs := validation.Validate(
		validation.Required("endpoint", req.Endpoint),
		validation.HTTPURL("endpoint", req.Endpoint),
		validation.MaxLength("endpoint", req.Endpoint, 2048),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	conn, err := h.service.ConnectFeed(c.Request.Context(), req.Endpoint, req.Worksheet)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, conn)
}

// FeedStatus handles GET /v1/feeds
func (h *Handler) FeedStatus(c *gin.Context) {
	st, err := h.service.FeedStatus()
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// DisconnectFeed handles DELETE /v1/feeds
func (h *Handler) DisconnectFeed(c *gin.Context) {
	if err := h.service.DisconnectFeed(); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ModelInfo handles GET /v1/model
func (h *Handler) ModelInfo(c *gin.Context) {
	info, err := h.service.ModelInfo()
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

// Train handles POST /v1/model/train
func (h *Handler) Train(c *gin.Context) {
	var req TrainRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "Invalid request body",
			})
			return
		}
	}

	res, err := h.service.Train(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// ScoreAll handles POST /v1/model/score
func (h *Handler) ScoreAll(c *gin.Context) {
	res, err := h.service.ScoreAll(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Query handles GET /v1/transactions
func (h *Handler) Query(c *gin.Context) {
	start := firstQuery(c, "start", "start_date")
	end := firstQuery(c, "end", "end_date")
	level := c.Query("risk_level")
	source := strings.ToLower(c.Query("source"))
	limitStr := c.Query("limit")

	limit := 0
	var limitErr error
	if limitStr != "" {
		limit, limitErr = strconv.Atoi(limitStr)
	}

	levels := make([]string, len(risk.Levels))
	for i, l := range risk.Levels {
		levels[i] = string(l)
	}
	validators := []func() *validation.ValidationError{
		validation.OneOf("risk_level", level, levels...),
		validation.OneOf("source", source, string(ingest.SourceUpload), string(ingest.SourceLiveFeed)),
		validation.Timestamp("start", start),
		validation.Timestamp("end", end),
		validation.MaxLength("user_id", c.Query("user_id"), validation.MaxStringLength),
	}
	if limitStr != "" {
		if limitErr != nil {
			validators = append(validators, func() *validation.ValidationError {
				return &validation.ValidationError{Field: "limit", Message: "must be an integer"}
			})
		} else {
			validators = append(validators, validation.IntRange("limit", limit, 1, MaxQueryLimit))
		}
	}
	if errs := validation.Validate(validators...); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	req := QueryRequest{
		UserID:        c.Query("user_id"),
		Source:        ingest.Source(source),
		OnlyAnomalies: c.Query("only_anomalies") == "true",
		Limit:         limit,
		Cursor:        c.Query("cursor"),
	}
	if level != "" {
		req.RiskLevel, _ = risk.ParseLevel(level)
	}
	if start != "" {
		req.Start, _ = validation.ParseTime(start)
	}
	if end != "" {
		req.End, _ = validation.ParseTime(end)
	}

	res, err := h.service.Query(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func firstQuery(c *gin.Context, keys ...string) string {
	for _, k := range keys {
		if v := c.Query(k); v != "" {
			return v
		}
	}
	return ""
}

// GetTransaction handles GET /v1/transactions/:id
func (h *Handler) GetTransaction(c *gin.Context) {
	tx, err := h.service.Transaction(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, tx)
}

// Explain handles GET /v1/transactions/:id/explain
func (h *Handler) Explain(c *gin.Context) {
	out, err := h.service.Explain(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// GetProfile handles GET /v1/users/:id/profile
func (h *Handler) GetProfile(c *gin.Context) {
	p, err := h.service.Profile(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"profile": p,
		"std_dev": p.StdDev(),
	})
}

// Statistics handles GET /v1/statistics
func (h *Handler) Statistics(c *gin.Context) {
	st, err := h.service.Statistics(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// writeError maps domain errors to status codes and error codes.
func (h *Handler) writeError(c *gin.Context, err error) {
	var (
		verr    *ingest.ValidationError
		maxErr  *http.MaxBytesError
		status  int
		code    string
		details any
	)
	switch {
	case errors.As(err, &maxErr):
		status, code = http.StatusRequestEntityTooLarge, "payload_too_large"
	case errors.As(err, &verr):
		status, code, details = http.StatusBadRequest, "validation_error", verr.Problems
	case errors.Is(err, ingest.ErrInsufficientData):
		status, code = http.StatusUnprocessableEntity, "insufficient_data"
	case errors.Is(err, model.ErrNotTrained):
		status, code = http.StatusConflict, "model_not_trained"
	case errors.Is(err, model.ErrContaminationOutOfRange):
		status, code = http.StatusBadRequest, "contamination_out_of_range"
	case errors.Is(err, model.ErrSchemaMismatch):
		status, code = http.StatusBadRequest, "schema_mismatch"
	case errors.Is(err, model.ErrUnknownVariant), errors.Is(err, model.ErrInvalidParams), errors.Is(err, ErrInvalidArgument):
		status, code = http.StatusBadRequest, "invalid_request"
	case errors.Is(err, feed.ErrSchema):
		status, code = http.StatusBadRequest, "feed_schema_error"
	case errors.Is(err, feed.ErrUnreachable):
		status, code = http.StatusBadGateway, "feed_unreachable"
	case errors.Is(err, ErrFeedNotRunning):
		status, code = http.StatusNotFound, "feed_not_connected"
	case errors.Is(err, ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, context.DeadlineExceeded):
		status, code = http.StatusGatewayTimeout, "timeout"
	default:
		logging.L(c.Request.Context()).Error("request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Internal server error",
		})
		return
	}

	body := gin.H{"error": code, "message": err.Error()}
	if details != nil {
		body["details"] = details
	}
	c.JSON(status, body)
}
