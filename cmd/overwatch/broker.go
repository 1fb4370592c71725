package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"drone-overwatch/pkg/config"
	"drone-overwatch/pkg/logging"
	embeddednats "drone-overwatch/pkg/services/embedded-nats"
)

var (
	brokerPort        int
	brokerMonitorPort int
)

var brokerCmd = &cobra.Command{
	Use:   "broker",
	Short: "Run a standalone NATS broker for local development",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		logger, closer, err := logging.New(cfg.Log)
		if err != nil {
			return err
		}
		defer closer.Close()

		bcfg := embeddednats.DefaultConfig()
		bcfg.Port = cfg.BrokerPort
		if cmd.Flags().Changed("port") {
			bcfg.Port = brokerPort
		}
		bcfg.MonitorPort = brokerMonitorPort

		broker, err := embeddednats.New(bcfg, logger)
		if err != nil {
			return err
		}
		if err := broker.Start(); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return broker.Shutdown(shutdownCtx)
	},
}

func init() {
	brokerCmd.Flags().IntVarP(&brokerPort, "port", "p", 4222, "Client port")
	brokerCmd.Flags().IntVar(&brokerMonitorPort, "monitor-port", 8222, "HTTP monitoring port, 0 disables it")
}
