package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
)

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:])
	stop()
	os.Exit(code)
}

// exitError 携带非 1 的退出码。
type exitError struct {
	code int
	err  error
}

func (e exitError) Error() string { return e.err.Error() }
func (e exitError) Unwrap() error { return e.err }

// run 解析命令行并执行子命令，返回退出码，方便测试。
func run(ctx context.Context, args []string) int {
	cli := &CLI{}
	env := &cliEnv{ctx: ctx}
	parser, err := kong.New(cli,
		kong.Name("kb-hub"),
		kong.Description("知识库静态站点的离线缓存代理"),
		kong.Writers(stdOut, stdErr),
		kong.Exit(func(int) {}),
		kong.Bind(env),
	)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化命令行失败: %v\n", err)
		return 2
	}

	if len(args) > 0 && (args[0] == "help" || args[0] == "--help" || args[0] == "-h") {
		_, _ = parser.Parse([]string{"--help"})
		return 0
	}

	kctx, err := parser.Parse(args)
	if err != nil {
		fmt.Fprintf(stdErr, "解析参数失败: %v\n", err)
		return 2
	}
	env.configPath = cli.Config

	if err := kctx.Run(env); err != nil {
		fmt.Fprintln(stdErr, err.Error())
		var ee exitError
		if errors.As(err, &ee) {
			return ee.code
		}
		return 1
	}
	return 0
}
