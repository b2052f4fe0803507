package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"parcel-sorter/internal/app"
	"parcel-sorter/internal/config"
	"parcel-sorter/internal/types"
)

var (
	configPath string
	modeFlag   string
	debug      bool
)

var rootCmd = &cobra.Command{
	Use:   "sorter",
	Short: "交叉带分拣线控制核心",
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "启动分拣线控制核心",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

var checkCmd = &cobra.Command{
	Use:   "check-config",
	Short: "加载并校验配置文件",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig(configPath)
		if err != nil {
			return err
		}
		mode, _ := cfg.Mode()
		fmt.Fprintf(cmd.OutOrStdout(), "配置有效: mode=%s plc=%s db=%s\n", mode, cfg.PLC.Host, cfg.Database.Driver)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "配置文件路径 (默认 ./config.yaml)")
	runCmd.Flags().StringVar(&modeFlag, "mode", "", "作业模式 arrival|departure，覆盖配置文件")
	runCmd.Flags().BoolVar(&debug, "debug", false, "输出调试日志")
	rootCmd.AddCommand(runCmd, checkCmd)
}

// main 是应用程序的主入口
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.Error("加载配置失败", "error", err)
		return err
	}
	mode, err := types.ParseOperateMode(modeFlag)
	if err != nil {
		logger.Error("作业模式无效", "mode", modeFlag, "error", err)
		return err
	}

	a, err := app.New(ctx, cfg, mode, logger)
	if err != nil {
		logger.Error("初始化失败", "error", err)
		return err
	}

	err = a.Run(ctx)
	if cerr := a.Close(); cerr != nil {
		logger.Warn("关闭资源时出错", "error", cerr)
	}
	if err != nil {
		logger.Error("分拣线异常退出", "error", err)
		return err
	}
	logger.Info("接收到停机信号，分拣线已安全退出。")
	return nil
}
