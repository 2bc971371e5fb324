package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/weight-hub/internal/loader"
	"github.com/any-hub/weight-hub/internal/logging"
	"github.com/any-hub/weight-hub/internal/transport"
)

const (
	HeaderCacheHit = "X-Weight-Hub-Cache-Hit"
	HeaderKey      = "X-Weight-Hub-Key"
	HeaderRepo     = "X-Weight-Hub-Repo"
)

// ArtifactHandler 把仓库文件请求交给 Loader，并以流的形式写回客户端。
// 同一文件的并发下载在 Loader 内合并为一次传输。
type ArtifactHandler struct {
	loader *loader.Loader
	logger *logrus.Logger
}

// NewArtifactHandler constructs a handler sharing one Loader across requests.
func NewArtifactHandler(l *loader.Loader, logger *logrus.Logger) *ArtifactHandler {
	return &ArtifactHandler{loader: l, logger: logger}
}

// Handle 解析 ?policy= / ?integrity= / ?timeout=，调用 Loader 并流式响应。
func (h *ArtifactHandler) Handle(c fiber.Ctx, route *RepoRoute) error {
	started := time.Now()
	requestID := RequestID(c)

	rawURL, err := route.Repo.FileURL(c.Params("*"))
	if err != nil {
		return h.writeError(c, fiber.StatusBadRequest, "file_required")
	}
	req, code := buildLoadRequest(c, route, rawURL)
	if code != "" {
		return h.writeError(c, fiber.StatusBadRequest, code)
	}

	// fasthttp 在写完或写失败时关闭 body stream，消费者的离开通过 Stream.Close 传递给会话
	stream, err := h.loader.Load(context.Background(), req)
	if err != nil {
		status := statusForError(err)
		h.logResult(route, rawURL, requestID, req.Policy, status, false, started, err)
		return h.writeError(c, status, string(loader.KindOf(err)))
	}

	copyResponseHeaders(c, stream.Header())
	c.Set(HeaderCacheHit, strconv.FormatBool(stream.Cached()))
	c.Set(HeaderKey, stream.Key().String())
	c.Set(HeaderRepo, route.Config.Name)
	c.Status(fiber.StatusOK)
	h.logResult(route, rawURL, requestID, req.Policy, fiber.StatusOK, stream.Cached(), started, nil)

	size := stream.Size()
	if c.Method() == fiber.MethodHead {
		if size >= 0 {
			c.Response().Header.SetContentLength(int(size))
		}
		return stream.Close()
	}
	if size >= 0 {
		return c.SendStream(stream, int(size))
	}
	return c.SendStream(stream)
}

// buildLoadRequest 组装 loader.Request，返回非空错误码表示查询参数不合法。
func buildLoadRequest(c fiber.Ctx, route *RepoRoute, rawURL string) (loader.Request, string) {
	req := loader.Request{
		URL:       rawURL,
		Policy:    route.Policy,
		Integrity: strings.TrimSpace(c.Query("integrity")),
		Header:    route.Repo.AuthHeader(),
	}
	if raw := strings.TrimSpace(c.Query("policy")); raw != "" {
		policy, err := loader.ParsePolicy(raw)
		if err != nil {
			return req, "invalid_policy"
		}
		// 未缓存仓库不允许通过查询参数重新打开缓存
		if route.Repo.Cached {
			req.Policy = policy
		}
	}
	if raw := strings.TrimSpace(c.Query("timeout")); raw != "" {
		timeout, err := time.ParseDuration(raw)
		if err != nil || timeout < 0 {
			return req, "invalid_timeout"
		}
		req.Timeout = timeout
	}
	return req, ""
}

// statusForError 把加载错误映射为 HTTP 状态码。
func statusForError(err error) int {
	switch loader.KindOf(err) {
	case loader.KindNotFound:
		return fiber.StatusNotFound
	case loader.KindInvalidRequest:
		return fiber.StatusBadRequest
	case loader.KindTimeout:
		return fiber.StatusGatewayTimeout
	case loader.KindNetwork:
		var netErr *transport.NetworkError
		if errors.As(err, &netErr) && netErr.Kind == transport.KindHTTPStatus && netErr.StatusCode >= 400 {
			return netErr.StatusCode
		}
	}
	return fiber.StatusBadGateway
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if transport.IsHopByHopHeader(key) || strings.EqualFold(key, fiber.HeaderContentLength) {
			continue
		}
		for _, value := range values {
			c.Set(key, value)
		}
	}
}

func (h *ArtifactHandler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *ArtifactHandler) logResult(
	route *RepoRoute,
	upstream string,
	requestID string,
	policy loader.Policy,
	status int,
	cacheHit bool,
	started time.Time,
	err error,
) {
	fields := logging.RepoFields(route.Config.Name, route.Config.Type, route.Config.AuthMode())
	fields["action"] = "artifact"
	fields["upstream"] = upstream
	fields["policy"] = policy.String()
	fields["status"] = status
	fields["cache_hit"] = cacheHit
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["kind"] = string(loader.KindOf(err))
		h.logger.WithFields(fields).WithError(err).Warn("artifact_failed")
		return
	}
	h.logger.WithFields(fields).Info("artifact_stream")
}
