package server

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// RepoHandler 负责把 /r/:repo/* 请求转换为一次制品加载。测试中可注入假实现。
type RepoHandler interface {
	Handle(fiber.Ctx, *RepoRoute) error
}

// RepoHandlerFunc adapts a function to the RepoHandler interface.
type RepoHandlerFunc func(fiber.Ctx, *RepoRoute) error

// Handle makes RepoHandlerFunc satisfy RepoHandler.
func (f RepoHandlerFunc) Handle(c fiber.Ctx, route *RepoRoute) error {
	return f(c, route)
}

// AppOptions controls how the Fiber application should behave.
type AppOptions struct {
	Logger     *logrus.Logger
	Registry   *RepoRegistry
	Handler    RepoHandler
	ListenPort int
}

const (
	contextKeyRoute     = "_weighthub_route"
	contextKeyRequestID = "_weighthub_request_id"
)

// RepoPathPrefix 是制品下载路由的前缀。
const RepoPathPrefix = "/r/"

// NewApp builds a Fiber application with request-id middleware, repo lookup and
// structured error handling.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("repo registry is required")
	}
	if opts.Handler == nil {
		return nil, errors.New("repo handler is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(requestIDMiddleware())

	app.Add([]string{fiber.MethodGet, fiber.MethodHead}, RepoPathPrefix+":repo/*", repoLookup(opts), func(c fiber.Ctx) error {
		route, _ := getRouteFromContext(c)
		return opts.Handler.Handle(c, route)
	})

	return app, nil
}

// requestIDMiddleware 为每个请求生成 ID 并写入 X-Request-ID。
func requestIDMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := strings.TrimSpace(c.Get("X-Request-ID"))
		if reqID == "" {
			reqID = uuid.NewString()
		}
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)
		return c.Next()
	}
}

// repoLookup 根据路径中的仓库名查找 RepoRoute。
func repoLookup(opts AppOptions) fiber.Handler {
	return func(c fiber.Ctx) error {
		name := c.Params("repo")
		route, ok := opts.Registry.Lookup(name)
		if !ok {
			return renderRepoUnknown(c, opts.Logger, name)
		}
		c.Locals(contextKeyRoute, route)
		return c.Next()
	}
}

func renderRepoUnknown(c fiber.Ctx, logger *logrus.Logger, name string) error {
	logger.WithFields(logrus.Fields{
		"action":     "repo_lookup",
		"repo":       name,
		"request_id": RequestID(c),
	}).Warn("repo_unknown")

	return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
		"error": "repo_not_found",
	})
}

func getRouteFromContext(c fiber.Ctx) (*RepoRoute, bool) {
	if value := c.Locals(contextKeyRoute); value != nil {
		if route, ok := value.(*RepoRoute); ok {
			return route, true
		}
	}
	return nil, false
}

// RequestID returns the request identifier stored by the middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}
