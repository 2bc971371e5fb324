package routes

import (
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/any-hub/weight-hub/internal/cache"
	"github.com/any-hub/weight-hub/internal/hub"
	"github.com/any-hub/weight-hub/internal/loader"
	"github.com/any-hub/weight-hub/internal/server"
	"github.com/any-hub/weight-hub/internal/version"
)

// Diagnostics 汇总诊断接口依赖的组件。Metrics 为 nil 时不暴露 /-/metrics。
type Diagnostics struct {
	Registry *server.RepoRegistry
	Loader   *loader.Loader
	Metrics  *prometheus.Registry
}

// RegisterDiagnostics 暴露 /-/status、/-/repos、/-/cache 与 /-/metrics，供 SRE 排查。
func RegisterDiagnostics(app *fiber.App, d Diagnostics) {
	if app == nil || d.Registry == nil || d.Loader == nil {
		return
	}

	app.Get("/-/status", func(c fiber.Ctx) error {
		payload := statusPayload{
			Version:  version.Full(),
			Degraded: d.Loader.Degraded(),
			Sessions: d.Loader.Active(),
		}
		if budget, err := d.Loader.Budget(c.Context()); err == nil {
			payload.Budget = &budgetPayload{
				UsedBytes:  budget.UsedBytes,
				QuotaBytes: budget.QuotaBytes,
				Used:       humanize.IBytes(uint64(budget.UsedBytes)),
				Quota:      humanize.IBytes(uint64(budget.QuotaBytes)),
			}
		}
		return c.JSON(payload)
	})

	app.Get("/-/repos", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"repos": encodeRepos(d.Registry.List()),
			"types": encodeTypes(hub.List()),
		})
	})

	app.Get("/-/repos/:name", func(c fiber.Ctx) error {
		route, ok := d.Registry.Lookup(c.Params("name"))
		if !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "repo_not_found"})
		}
		return c.JSON(encodeRepo(*route))
	})

	app.Get("/-/cache", func(c fiber.Ctx) error {
		entries, err := d.Loader.Entries(c.Context())
		if err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": string(loader.KindOf(err))})
		}
		return c.JSON(encodeEntries(entries))
	})

	app.Delete("/-/cache", func(c fiber.Ctx) error {
		rawURL := strings.TrimSpace(c.Query("url"))
		if rawURL == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "url_required"})
		}
		if err := d.Loader.Evict(c.Context(), rawURL); err != nil {
			status := fiber.StatusServiceUnavailable
			if errors.Is(err, loader.ErrInvalidRequest) {
				status = fiber.StatusBadRequest
			}
			return c.Status(status).JSON(fiber.Map{"error": string(loader.KindOf(err))})
		}
		return c.SendStatus(fiber.StatusNoContent)
	})

	if d.Metrics != nil {
		app.Get("/-/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(d.Metrics, promhttp.HandlerOpts{})))
	}
}

type statusPayload struct {
	Version  string               `json:"version"`
	Degraded bool                 `json:"storage_degraded"`
	Sessions []loader.SessionInfo `json:"sessions"`
	Budget   *budgetPayload       `json:"budget,omitempty"`
}

type budgetPayload struct {
	UsedBytes  int64  `json:"used_bytes"`
	QuotaBytes int64  `json:"quota_bytes"`
	Used       string `json:"used"`
	Quota      string `json:"quota"`
}

type repoPayload struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	RepoID   string `json:"repo_id,omitempty"`
	Revision string `json:"revision,omitempty"`
	BaseURL  string `json:"base_url"`
	Cached   bool   `json:"cached"`
	Policy   string `json:"policy"`
	AuthMode string `json:"auth_mode"`
}

type typePayload struct {
	Key            string `json:"key"`
	Description    string `json:"description"`
	RequiresRepoID bool   `json:"requires_repo_id"`
	RequiresCustom bool   `json:"requires_endpoint"`
}

type entryPayload struct {
	Key       string    `json:"key"`
	SizeBytes int64     `json:"size_bytes"`
	Size      string    `json:"size"`
	StoredAt  time.Time `json:"stored_at"`
	Integrity string    `json:"integrity,omitempty"`
}

type cachePayload struct {
	Entries    []entryPayload `json:"entries"`
	TotalBytes int64          `json:"total_bytes"`
	Total      string         `json:"total"`
}

func encodeRepos(routes []server.RepoRoute) []repoPayload {
	result := make([]repoPayload, 0, len(routes))
	for _, route := range routes {
		result = append(result, encodeRepo(route))
	}
	return result
}

func encodeRepo(route server.RepoRoute) repoPayload {
	return repoPayload{
		Name:     route.Config.Name,
		Type:     route.Config.Type,
		RepoID:   route.Config.RepoID,
		Revision: route.Config.Revision,
		BaseURL:  route.BaseURL,
		Cached:   route.Repo.Cached,
		Policy:   route.Policy.String(),
		AuthMode: route.Config.AuthMode(),
	}
}

func encodeTypes(types []hub.TypeMetadata) []typePayload {
	sort.Slice(types, func(i, j int) bool {
		return types[i].Key < types[j].Key
	})
	result := make([]typePayload, 0, len(types))
	for _, meta := range types {
		result = append(result, typePayload{
			Key:            meta.Key,
			Description:    meta.Description,
			RequiresRepoID: meta.RequiresRepoID,
			RequiresCustom: meta.RequiresCustom,
		})
	}
	return result
}

func encodeEntries(entries []cache.Entry) cachePayload {
	payload := cachePayload{Entries: make([]entryPayload, 0, len(entries))}
	for _, entry := range entries {
		payload.TotalBytes += entry.SizeBytes
		payload.Entries = append(payload.Entries, entryPayload{
			Key:       entry.Key.String(),
			SizeBytes: entry.SizeBytes,
			Size:      humanize.IBytes(uint64(entry.SizeBytes)),
			StoredAt:  entry.StoredAt,
			Integrity: entry.Integrity,
		})
	}
	payload.Total = humanize.IBytes(uint64(payload.TotalBytes))
	return payload
}
