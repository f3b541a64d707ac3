package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/lavender-pwa/offline-gateway/internal/manifest"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

const configEnv = "LAVENDER_GATEWAY_CONFIG"

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	os.Exit(execute(os.Args[1:]))
}

// execute 解析命令行并返回退出码；子命令通过 exitCode 回传各自的结果。
func execute(args []string) int {
	exitCode := 0
	root := newRootCommand(&exitCode)
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		fmt.Fprintf(stdErr, "解析参数失败: %v\n", err)
		return 2
	}
	return exitCode
}

func newRootCommand(exitCode *int) *cobra.Command {
	var (
		configFlag string
		opts       cliOptions
	)

	root := &cobra.Command{
		Use:           "lavender-gateway",
		Short:         "离线缓存网关：预缓存应用外壳，按策略应答请求并在断网时回退离线页",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts.configPath = resolveConfigPath(configFlag)
			*exitCode = run(opts)
			return nil
		},
	}
	root.SetOut(stdOut)
	root.SetErr(stdErr)

	flags := root.Flags()
	flags.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 "+configEnv+" 覆盖）")
	flags.BoolVar(&opts.checkOnly, "check-config", false, "仅校验配置后退出")
	flags.BoolVar(&opts.showVersion, "version", false, "显示版本信息")

	root.AddCommand(newInjectCommand(exitCode))
	return root
}

func newInjectCommand(exitCode *int) *cobra.Command {
	var opts manifest.InjectOptions

	cmd := &cobra.Command{
		Use:   "inject-manifest",
		Short: "把构建产物清单注入控制器脚本的占位符",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			*exitCode = runInject(opts)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.DistDir, "dist", "dist", "构建输出目录")
	flags.StringVar(&opts.BuildManifest, "manifest", manifest.DefaultBuildManifest, "Vite 构建清单（相对 --dist）")
	flags.StringVar(&opts.Target, "target", manifest.DefaultTarget, "含占位符的控制器脚本（相对 --dist）")
	flags.StringVar(&opts.Output, "out", "", "额外写出 JSON 清单的路径，供 ManifestPath 使用")
	return cmd
}

// resolveConfigPath 按 --config > 环境变量 > config.toml 的顺序确定配置路径。
func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv(configEnv); env != "" {
		return env
	}
	return "config.toml"
}

// runInject 执行构建期清单注入，失败时返回非零退出码以中止部署。
func runInject(opts manifest.InjectOptions) int {
	result, err := manifest.Inject(opts)
	if err != nil {
		fmt.Fprintf(stdErr, "[pwa] 注入预缓存清单失败: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdOut, "[pwa] Injected %d assets into %s\n", len(result.Assets), result.Target)
	return 0
}
