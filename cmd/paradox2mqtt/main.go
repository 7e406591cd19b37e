package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/daemonp/paradox2mqtt/internal/config"
	"github.com/daemonp/paradox2mqtt/internal/dispatch"
	"github.com/daemonp/paradox2mqtt/internal/frame"
	"github.com/daemonp/paradox2mqtt/internal/link"
	"github.com/daemonp/paradox2mqtt/internal/log"
	"github.com/daemonp/paradox2mqtt/internal/mqtt"
	"github.com/daemonp/paradox2mqtt/internal/state"
	"github.com/daemonp/paradox2mqtt/internal/supervisor"
	"github.com/daemonp/paradox2mqtt/internal/tunnel"
)

func main() {
	configFile := flag.String("config", "config.yml", "Path to configuration file")
	flag.Parse()

	// Configuration errors are the only fatal class; everything past
	// this point retries.
	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger := log.NewLogger(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	codec := frame.EvoCodec{}
	model := state.NewModel(logger)
	dispatcher := dispatch.NewDispatcher(cfg.Command, logger)
	bridge := mqtt.NewMQTT(&cfg.MQTT, model, dispatcher, logger)
	sup := supervisor.New(cfg, codec, model, dispatcher, bridge, logger)

	if cfg.Tunnel.Enabled {
		dial := link.TCPDialer(cfg.Panel.Host, cfg.Panel.Port)
		if cfg.Panel.SerialPort != "" {
			dial = link.SerialDialer(cfg.Panel.SerialPort, cfg.Panel.BaudRate)
		}
		srv := tunnel.NewServer(cfg.Tunnel.Listen, dial, sup, logger)
		go srv.Run(ctx)
	}

	err = sup.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Bridge stopped: %v", err)
	}

	logger.Info("Shutting down...")
	dispatcher.Close()
	bridge.Close()
}
