package main

import (
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	addr string
	opts simOptions
)

var rootCmd = &cobra.Command{
	Use:   "tracking-sim",
	Short: "快递跟踪接口模拟服务，用于分拣线联调",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "tracking-sim")
		slog.SetDefault(logger)

		logger.Info("=== 跟踪接口模拟服务启动 ===", "addr", addr, "token_ttl", opts.TokenTTL)
		srv := &http.Server{Addr: addr, Handler: newSimulator(opts, logger).routes(), ReadHeaderTimeout: 5 * time.Second}
		if err := srv.ListenAndServe(); err != nil {
			logger.Error("服务启动失败", "error", err)
			return err
		}
		return nil
	},
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&addr, "addr", ":9090", "监听地址")
	f.DurationVar(&opts.TokenTTL, "token-ttl", 10*time.Minute, "令牌有效期，0 表示不过期")
	f.DurationVar(&opts.MinLatency, "min-latency", 20*time.Millisecond, "最小响应耗时")
	f.DurationVar(&opts.MaxLatency, "max-latency", 200*time.Millisecond, "最大响应耗时")
	f.Float64Var(&opts.FailRate, "fail-rate", 0.05, "返回 500 的概率")
	f.Float64Var(&opts.InterceptRate, "intercept-rate", 0.01, "拦截件概率")
	f.StringSliceVar(&opts.Codes, "codes", []string{"C3", "C9"}, "随机返回的三段码")
}

// main 是模拟服务的入口
func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
