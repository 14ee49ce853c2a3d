package app

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/matrixinfer-ai/infercore/internal/errs"
	"github.com/matrixinfer-ai/infercore/pkg/gateway"
	"github.com/matrixinfer-ai/infercore/pkg/types"
)

// chatMessageDTO mirrors the OpenAI-style chat/completions request shape
// spec §6 requires the core to accept.
type chatMessageDTO struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionRequestDTO struct {
	Model       string           `json:"model"`
	Messages    []chatMessageDTO `json:"messages"`
	Temperature *float64         `json:"temperature,omitempty"`
	MaxTokens   *int             `json:"max_tokens,omitempty"`
	TopP        *float64         `json:"top_p,omitempty"`
	Stream      bool             `json:"stream,omitempty"`
	Priority    int              `json:"priority,omitempty"`
}

// newEngine builds the gin engine implementing spec §6's HTTP/JSON
// surface. Grounded on the teacher's `cmd/infer-gateway/app.startRouter`:
// gin.New() + gin.Recovery() + healthz/readyz, minus the teacher's
// Kubernetes-pod-proxying JWT middleware (this surface calls into
// pkg/gateway directly, it does not proxy).
func newEngine(gw *gateway.Gateway) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.LoggerWithWriter(gin.DefaultWriter, "/healthz", "/readyz"), gin.Recovery())

	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "ok"})
	})
	engine.GET("/readyz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "infergatewayd is ready"})
	})
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gw.Metrics.Registry(), promhttp.HandlerOpts{})))

	v1 := engine.Group("/v1")
	v1.POST("/infer/completions", handleCompletions(gw))
	v1.POST("/infer/async", handleSubmitAsync(gw))
	v1.GET("/infer/async/:jobId", handlePollAsync(gw))
	v1.POST("/infer/stream", handleStream(gw))
	v1.DELETE("/infer/:requestId", handleCancel(gw))
	v1.POST("/providers/:id/circuit-breaker/reset", handleResetBreaker(gw))

	return engine
}

func requestIDFrom(c *gin.Context) string {
	if id := c.GetHeader("X-Request-ID"); id != "" {
		return id
	}
	return gateway.NewRequestID()
}

func tenantIDFrom(c *gin.Context) string {
	if id := c.GetHeader("X-Tenant-ID"); id != "" {
		return id
	}
	return "default"
}

func buildRequest(c *gin.Context) (types.InferenceRequest, error) {
	var dto completionRequestDTO
	if err := c.ShouldBindJSON(&dto); err != nil {
		return types.InferenceRequest{}, errs.New(errs.ClassValidation, "http", requestIDFrom(c), "malformed request body: "+err.Error(), err)
	}
	if len(dto.Messages) == 0 {
		return types.InferenceRequest{}, errs.New(errs.ClassValidation, "http", requestIDFrom(c), "messages must not be empty", nil)
	}

	msgs := make([]types.Message, 0, len(dto.Messages))
	for _, m := range dto.Messages {
		msgs = append(msgs, types.Message{Role: types.Role(strings.ToUpper(m.Role)), Content: m.Content})
	}

	params := types.Parameters{}
	if dto.MaxTokens != nil {
		params.MaxTokens = *dto.MaxTokens
	}
	if dto.Temperature != nil {
		params.Temperature = *dto.Temperature
	}
	if dto.TopP != nil {
		params.TopP = *dto.TopP
	}

	req := types.NewRequestBuilder(requestIDFrom(c), tenantIDFrom(c), dto.Model).
		WithMessages(msgs...).
		WithParameters(params).
		WithStreaming(dto.Stream).
		WithPriority(dto.Priority).
		Build()
	return req, nil
}

// writeErr maps an *errs.Error to spec §7's wire error payload and HTTP
// status; any other error is treated as Internal.
func writeErr(c *gin.Context, err error) {
	var e *errs.Error
	if !errors.As(err, &e) {
		e = errs.New(errs.ClassInternal, "http", "", err.Error(), err)
	}
	c.JSON(e.Type.HTTPStatus(), gin.H{
		"type":            e.Type,
		"message":         e.Message,
		"originNode":      e.OriginNode,
		"originRunId":     e.OriginRunID,
		"retryable":       e.Retryable,
		"suggestedAction": e.SuggestedAction,
	})
}

func handleCompletions(gw *gateway.Gateway) gin.HandlerFunc {
	return func(c *gin.Context) {
		req, err := buildRequest(c)
		if err != nil {
			writeErr(c, err)
			return
		}
		resp, err := gw.Infer(c.Request.Context(), req)
		if err != nil {
			writeErr(c, err)
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}

func handleSubmitAsync(gw *gateway.Gateway) gin.HandlerFunc {
	return func(c *gin.Context) {
		req, err := buildRequest(c)
		if err != nil {
			writeErr(c, err)
			return
		}
		jobID, err := gw.SubmitAsync(c.Request.Context(), req)
		if err != nil {
			writeErr(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"jobId": jobID, "requestId": req.RequestID()})
	}
}

func handlePollAsync(gw *gateway.Gateway) gin.HandlerFunc {
	return func(c *gin.Context) {
		job, err := gw.AsyncJobs.Status(c.Request.Context(), c.Param("jobId"))
		if err != nil {
			writeErr(c, errs.New(errs.ClassNotFound, "http", "", "job not found", err))
			return
		}
		c.JSON(http.StatusOK, job)
	}
}

func handleCancel(gw *gateway.Gateway) gin.HandlerFunc {
	return func(c *gin.Context) {
		cancelled, err := gw.AsyncJobs.CancelByRequestID(c.Param("requestId"))
		if err != nil {
			writeErr(c, errs.New(errs.ClassNotFound, "http", "", "request not found", err))
			return
		}
		c.JSON(http.StatusOK, gin.H{"cancelled": cancelled})
	}
}

func handleResetBreaker(gw *gateway.Gateway) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := gw.ResetBreaker(c.Param("id")); err != nil {
			writeErr(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "breaker reset"})
	}
}

// handleStream implements spec §6's SSE framing: each chunk written as
// `data: <json>\n\n`, terminated by a chunk with isComplete=true or a
// terminal error chunk.
func handleStream(gw *gateway.Gateway) gin.HandlerFunc {
	return func(c *gin.Context) {
		req, err := buildRequest(c)
		if err != nil {
			writeErr(c, err)
			return
		}

		handle, ch, err := gw.Stream(c.Request.Context(), req)
		if err != nil {
			writeErr(c, err)
			return
		}
		defer handle.Cancel()

		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")

		c.Stream(func(w http.ResponseWriter) bool {
			select {
			case chunk, ok := <-ch:
				if !ok {
					return false
				}
				data, _ := json.Marshal(chunk)
				c.SSEvent("", string(data))
				return !chunk.IsComplete
			case <-c.Request.Context().Done():
				return false
			case <-time.After(30 * time.Second):
				return false
			}
		})
	}
}
