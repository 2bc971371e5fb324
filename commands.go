package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/any-hub/weight-hub/internal/config"
	"github.com/any-hub/weight-hub/internal/loader"
	"github.com/any-hub/weight-hub/internal/logging"
	"github.com/any-hub/weight-hub/internal/server"
	"github.com/any-hub/weight-hub/internal/server/routes"
	"github.com/any-hub/weight-hub/internal/version"
)

// cliState 保存全局标志，子命令通过它加载配置与日志。
type cliState struct {
	configFlag string
	configPath string
	cfg        *config.Config
	logger     *logrus.Logger
}

func newRootCommand() *cobra.Command {
	state := &cliState{}

	root := &cobra.Command{
		Use:           "weight-hub",
		Short:         "Caching loader and proxy for model weight repositories",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&state.configFlag, "config", "",
		"配置文件路径（默认 ./config.toml，可被 "+configEnv+" 覆盖）")

	root.AddCommand(
		newServeCommand(state),
		newFetchCommand(state),
		newCacheCommand(state),
		newCheckConfigCommand(state),
		&cobra.Command{
			Use:   "version",
			Short: "显示版本信息",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, args []string) {
				printVersion()
			},
		},
	)
	return root
}

// load 读取配置并初始化日志，失败时返回退出码 1。
func (s *cliState) load() error {
	s.configPath = resolveConfigPath(s.configFlag)
	cfg, err := config.Load(s.configPath)
	if err != nil {
		return fail(1, "加载配置失败: %v", err)
	}
	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		return fail(1, "初始化日志失败: %v", err)
	}
	s.cfg = cfg
	s.logger = logger
	return nil
}

func newCheckConfigCommand(state *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "仅校验配置后退出",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := state.load(); err != nil {
				return err
			}
			if _, err := server.NewRepoRegistry(state.cfg); err != nil {
				return fail(1, "构建仓库注册表失败: %v", err)
			}
			fields := logging.BaseFields("check_config", state.configPath)
			fields["repos"] = len(state.cfg.Repos)
			fields["credentials"] = config.CredentialModes(state.cfg.Repos)
			fields["result"] = "ok"
			state.logger.WithFields(fields).Info("config_valid")
			return nil
		},
	}
}

func newServeCommand(state *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "启动 HTTP 服务",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := state.load(); err != nil {
				return err
			}
			return serve(state)
		},
	}
}

// serve 遵循“配置 → 仓库注册表 → 缓存与 Loader → Fiber server”顺序启动，
// 所有请求共享同一个 Loader，以便并发下载合并为一次传输。
func serve(state *cliState) error {
	cfg, logger := state.cfg, state.logger

	registry, err := server.NewRepoRegistry(cfg)
	if err != nil {
		return fail(1, "构建仓库注册表失败: %v", err)
	}
	deps, err := buildRuntime(cfg, logger, true)
	if err != nil {
		return fail(1, "初始化缓存失败: %v", err)
	}
	defer deps.close()

	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Registry:   registry,
		Handler:    server.NewArtifactHandler(deps.loader, logger),
		ListenPort: cfg.Global.ListenPort,
	})
	if err != nil {
		return fail(1, "HTTP 服务初始化失败: %v", err)
	}
	routes.RegisterDiagnostics(app, routes.Diagnostics{
		Registry: registry,
		Loader:   deps.loader,
		Metrics:  deps.metrics.Registry(),
	})

	fields := logging.BaseFields("startup", state.configPath)
	fields["repos"] = len(cfg.Repos)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["cache_backend"] = cfg.Global.CacheBackend
	fields["max_cache_size"] = cfg.Global.MaxCacheSize.String()
	fields["credentials"] = config.CredentialModes(cfg.Repos)
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("config_loaded")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		logger.WithField("action", "shutdown").Info("shutdown")
		_ = app.Shutdown()
	}()

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   cfg.Global.ListenPort,
	}).Info("listen")
	if err := app.Listen(fmt.Sprintf(":%d", cfg.Global.ListenPort)); err != nil {
		return fail(1, "HTTP 服务启动失败: %v", err)
	}
	return nil
}

type fetchOptions struct {
	output    string
	policy    string
	integrity string
	timeout   time.Duration
}

func newFetchCommand(state *cliState) *cobra.Command {
	opts := &fetchOptions{}
	cmd := &cobra.Command{
		Use:   "fetch <repo> <file>",
		Short: "下载仓库文件，命中缓存时不访问网络",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := state.load(); err != nil {
				return err
			}
			return fetch(state, opts, args[0], args[1])
		},
	}
	cmd.Flags().StringVarP(&opts.output, "output", "o", "-", "输出文件，- 表示标准输出")
	cmd.Flags().StringVar(&opts.policy, "policy", "", "覆盖仓库策略（cache-first / network-first / cache-only / network-only / bypass）")
	cmd.Flags().StringVar(&opts.integrity, "integrity", "", "期望摘要，例如 sha256:<hex>")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "网络拉取超时，0 表示使用配置值")
	return cmd
}

func fetch(state *cliState, opts *fetchOptions, repoName, file string) error {
	registry, err := server.NewRepoRegistry(state.cfg)
	if err != nil {
		return fail(1, "构建仓库注册表失败: %v", err)
	}
	route, ok := registry.Lookup(repoName)
	if !ok {
		return fail(1, "未知仓库: %s", repoName)
	}
	rawURL, err := route.Repo.FileURL(file)
	if err != nil {
		return fail(1, "%v", err)
	}

	req := loader.Request{
		URL:       rawURL,
		Policy:    route.Policy,
		Integrity: opts.integrity,
		Timeout:   opts.timeout,
		Header:    route.Repo.AuthHeader(),
	}
	if opts.policy != "" && route.Repo.Cached {
		policy, err := loader.ParsePolicy(opts.policy)
		if err != nil {
			return fail(2, "%v", err)
		}
		req.Policy = policy
	}

	deps, err := buildRuntime(state.cfg, state.logger, false)
	if err != nil {
		return fail(1, "初始化缓存失败: %v", err)
	}
	// close 会等待后台缓存写入完成，保证下一次 fetch 能命中
	defer deps.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stream, err := deps.loader.Load(ctx, req)
	if err != nil {
		return fail(1, "下载失败: %v", err)
	}
	defer stream.Close()

	var dst io.Writer = stdOut
	if opts.output != "-" {
		f, err := os.Create(opts.output)
		if err != nil {
			return fail(1, "创建输出文件失败: %v", err)
		}
		defer f.Close()
		dst = f
	}

	written, err := io.Copy(dst, stream)
	if err != nil {
		if opts.output != "-" {
			_ = os.Remove(opts.output)
		}
		return fail(1, "下载中断: %v", err)
	}
	fmt.Fprintf(stdErr, "%s %s cache_hit=%s\n", stream.Key(), humanize.IBytes(uint64(written)), strconv.FormatBool(stream.Cached()))
	return nil
}

func newCacheCommand(state *cliState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "查看或清理本地缓存",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "ls",
			Short: "列出缓存条目（最旧在前）",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withRuntime(state, func(deps *runtimeDeps) error {
					return listCache(deps)
				})
			},
		},
		&cobra.Command{
			Use:   "rm <url>...",
			Short: "删除指定 URL 的缓存条目",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withRuntime(state, func(deps *runtimeDeps) error {
					for _, rawURL := range args {
						if err := deps.loader.Evict(context.Background(), rawURL); err != nil {
							return fail(1, "删除失败: %v", err)
						}
						fmt.Fprintf(stdOut, "removed %s\n", rawURL)
					}
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "quota",
			Short: "显示缓存容量与配额",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withRuntime(state, func(deps *runtimeDeps) error {
					return printQuota(state.cfg, deps)
				})
			},
		},
	)
	return cmd
}

func withRuntime(state *cliState, fn func(*runtimeDeps) error) error {
	if err := state.load(); err != nil {
		return err
	}
	deps, err := buildRuntime(state.cfg, state.logger, false)
	if err != nil {
		return fail(1, "初始化缓存失败: %v", err)
	}
	defer deps.close()
	return fn(deps)
}

func listCache(deps *runtimeDeps) error {
	entries, err := deps.loader.Entries(context.Background())
	if err != nil {
		return fail(1, "读取缓存失败: %v", err)
	}

	table := newTable(stdOut)
	table.SetHeader([]string{"Key", "Size", "Stored At", "Integrity"})
	var total int64
	for _, entry := range entries {
		total += entry.SizeBytes
		table.Append([]string{
			entry.Key.String(),
			humanize.IBytes(uint64(entry.SizeBytes)),
			entry.StoredAt.Local().Format(time.DateTime),
			entry.Integrity,
		})
	}
	table.Render()
	fmt.Fprintf(stdOut, "%d entries, %s\n", len(entries), humanize.IBytes(uint64(total)))
	return nil
}

func printQuota(cfg *config.Config, deps *runtimeDeps) error {
	budget, err := deps.guard.Budget(context.Background())
	if err != nil {
		return fail(1, "读取配额失败: %v", err)
	}
	table := newTable(stdOut)
	table.AppendBulk([][]string{
		{"Used", humanize.IBytes(uint64(budget.UsedBytes))},
		{"Quota", humanize.IBytes(uint64(budget.QuotaBytes))},
		{"Free", humanize.IBytes(uint64(budget.Free()))},
		{"Safety factor", strconv.FormatFloat(cfg.Global.QuotaSafetyFactor, 'f', 2, 64)},
		{"Backend", cfg.Global.CacheBackend},
	})
	table.Render()
	return nil
}

func newTable(w io.Writer) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("  ")
	table.SetNoWhiteSpace(true)
	return table
}
