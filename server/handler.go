package server

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/krau/multitagger/engine"
)

type interrogateRequest struct {
	Image     string   `json:"image"`
	Images    []string `json:"images"`
	Model     string   `json:"model"`
	Threshold *float32 `json:"threshold"`
}

type resultResponse struct {
	Ratings    map[string]float32 `json:"ratings"`
	Characters map[string]float32 `json:"characters"`
	Tags       map[string]float32 `json:"tags"`
	Error      string             `json:"error,omitempty"`
}

type batchResponse struct {
	Model   string           `json:"model"`
	Results []resultResponse `json:"results"`
}

type unloadRequest struct {
	Model string `json:"model"`
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, engine.ErrModelNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrInvalidImage), errors.Is(err, engine.ErrInvalidThreshold):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrInferenceTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func abort(c *gin.Context, err error) {
	_ = c.Error(err)
	c.AbortWithStatusJSON(statusOf(err), gin.H{"error": err.Error()})
}

func toResponse(r engine.Result) resultResponse {
	if r.Err != nil {
		return resultResponse{Error: r.Err.Error()}
	}
	return resultResponse{Ratings: r.Ratings, Characters: r.Characters, Tags: r.Tags}
}

func (s *Server) model(name string) string {
	if name == "" {
		return s.opts.DefaultModel
	}
	return name
}

func (s *Server) respond(c *gin.Context, model string, images [][]byte, threshold float32, decodeErrs map[int]error) {
	results, err := s.engine.Interrogate(c.Request.Context(), model, images, threshold)
	if err != nil {
		abort(c, err)
		return
	}
	for i, err := range decodeErrs {
		results[i] = engine.Result{Err: fmt.Errorf("%w: %w", engine.ErrInvalidImage, err)}
	}
	if len(results) == 1 {
		if err := results[0].Err; err != nil {
			abort(c, err)
			return
		}
		c.JSON(http.StatusOK, toResponse(results[0]))
		return
	}
	resp := batchResponse{Model: model, Results: make([]resultResponse, len(results))}
	for i, r := range results {
		resp.Results[i] = toResponse(r)
	}
	c.JSON(http.StatusOK, resp)
}

// InterrogateFormHandler tags images uploaded as multipart "file" or
// "image" parts.
func (s *Server) InterrogateFormHandler(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no file uploaded"})
		return
	}
	headers := append(form.File["file"], form.File["image"]...)
	if len(headers) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no file uploaded"})
		return
	}

	threshold := s.opts.Threshold
	if v := c.PostForm("threshold"); v != "" {
		f, err := strconv.ParseFloat(v, 32)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid threshold"})
			return
		}
		threshold = float32(f)
	}

	images := make([][]byte, len(headers))
	for i, fh := range headers {
		data, err := readUpload(fh)
		if err != nil {
			abort(c, fmt.Errorf("failed to read upload %s: %w", fh.Filename, err))
			return
		}
		images[i] = data
	}
	s.respond(c, s.model(c.PostForm("model")), images, threshold, nil)
}

func readUpload(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// InterrogateJSONHandler tags base64 encoded images.
func (s *Server) InterrogateJSONHandler(c *gin.Context) {
	var req interrogateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	encoded := req.Images
	if req.Image != "" {
		encoded = append([]string{req.Image}, encoded...)
	}
	if len(encoded) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no image provided"})
		return
	}
	threshold := s.opts.Threshold
	if req.Threshold != nil {
		threshold = *req.Threshold
	}

	images := make([][]byte, len(encoded))
	decodeErrs := make(map[int]error)
	for i, e := range encoded {
		data, err := decodeBase64(e)
		if err != nil {
			decodeErrs[i] = err
			continue
		}
		images[i] = data
	}
	s.respond(c, s.model(req.Model), images, threshold, decodeErrs)
}

// decodeBase64 accepts plain base64 and data URLs.
func decodeBase64(s string) ([]byte, error) {
	if strings.HasPrefix(s, "data:") {
		if _, payload, ok := strings.Cut(s, ","); ok {
			s = payload
		}
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("invalid base64: %w", err)
	}
	return data, nil
}

// InterrogatorsHandler rescans the model directories and lists every
// model that can be requested.
func (s *Server) InterrogatorsHandler(c *gin.Context) {
	if err := s.catalog.Refresh(); err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"models": s.catalog.Names()})
}

// UnloadHandler unloads one model, or every model when none is named.
func (s *Server) UnloadHandler(c *gin.Context) {
	var req unloadRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}
	if req.Model == "" {
		req.Model = c.Query("model")
	}

	var n int
	switch {
	case req.Model != "":
		if s.engine.Unload(req.Model) {
			n = 1
		}
	default:
		n = s.engine.UnloadAll()
	}
	c.JSON(http.StatusOK, gin.H{
		"unloaded": n,
		"message":  fmt.Sprintf("Successfully unload %d model(s)", n),
	})
}

func (s *Server) StatusHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"models": s.engine.Status()})
}

func HealthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

var _ Engine = (*engine.Engine)(nil)
