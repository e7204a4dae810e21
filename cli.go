package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/kb-hub/kb-hub/internal/appstate"
	"github.com/kb-hub/kb-hub/internal/config"
	"github.com/kb-hub/kb-hub/internal/logging"
	"github.com/kb-hub/kb-hub/internal/version"
)

// CLI 是 kong 解析的命令树。配置路径优先级：--config > KB_HUB_CONFIG > config.toml。
type CLI struct {
	Config string `short:"c" env:"KB_HUB_CONFIG" default:"config.toml" help:"配置文件路径"`

	Serve       ServeCmd       `cmd:"" default:"1" help:"启动离线缓存代理（默认命令）"`
	Load        LoadCmd        `cmd:"" help:"执行一次导航数据加载并输出 JSON 摘要"`
	CheckConfig CheckConfigCmd `cmd:"" name:"check-config" help:"仅校验配置后退出"`
	Version     VersionCmd     `cmd:"" help:"显示版本信息"`
}

// cliEnv 通过 kong.Bind 注入到各子命令。
type cliEnv struct {
	ctx        context.Context
	configPath string
}

func (e *cliEnv) loadConfig() (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Load(e.configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("加载配置失败: %w", err)
	}
	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		return nil, nil, fmt.Errorf("初始化日志失败: %w", err)
	}
	return cfg, logger, nil
}

// VersionCmd 输出版本。
type VersionCmd struct{}

func (c *VersionCmd) Run(env *cliEnv) error {
	printVersion()
	return nil
}

// CheckConfigCmd 校验配置。
type CheckConfigCmd struct{}

func (c *CheckConfigCmd) Run(env *cliEnv) error {
	cfg, logger, err := env.loadConfig()
	if err != nil {
		return err
	}
	fields := logging.BaseFields("check_config", env.configPath)
	fields["origin"] = cfg.Origin.Upstream
	fields["cache_version"] = cfg.Worker.CacheVersion
	fields["storage_backend"] = cfg.Storage.Backend
	fields["result"] = "ok"
	logger.WithFields(fields).Info("配置校验通过")
	return nil
}

// LoadCmd 安装当前缓存版本并执行一次导航数据加载。
type LoadCmd struct{}

type loadSummary struct {
	Source   appstate.Source `json:"source"`
	Nav      int             `json:"nav"`
	Posts    int             `json:"posts"`
	Dirs     int             `json:"dirs"`
	Keywords []string        `json:"keywords"`
	Error    string          `json:"error,omitempty"`
}

func (c *LoadCmd) Run(env *cliEnv) error {
	cfg, logger, err := env.loadConfig()
	if err != nil {
		return err
	}
	rt, err := newRuntime(env.ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()
	rt.install(env.ctx)

	snap, loadErr := rt.loader.Load(env.ctx)
	rt.loader.Wait()

	summary := loadSummary{
		Source:   snap.Source,
		Nav:      len(snap.Manifest.NavMenu),
		Posts:    len(snap.Manifest.BlogPosts),
		Dirs:     len(snap.Manifest.DirectoryStructure),
		Keywords: snap.Keywords,
	}
	if loadErr != nil {
		summary.Error = loadErr.Error()
	}
	enc := json.NewEncoder(stdOut)
	enc.SetIndent("", "  ")
	if err := enc.Encode(summary); err != nil {
		return err
	}
	if snap.Source == appstate.SourceDefault {
		if loadErr == nil {
			loadErr = errors.New("使用了内置默认数据")
		}
		return exitError{code: 1, err: loadErr}
	}
	return nil
}

// ServeCmd 启动 HTTP 服务。
type ServeCmd struct{}

func (c *ServeCmd) Run(env *cliEnv) error {
	cfg, logger, err := env.loadConfig()
	if err != nil {
		return err
	}
	rt, err := newRuntime(env.ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	fields := logging.BaseFields("startup", env.configPath)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["origin"] = cfg.Origin.Upstream
	fields["cache_version"] = cfg.Worker.CacheVersion
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	return rt.serve(env.ctx)
}
