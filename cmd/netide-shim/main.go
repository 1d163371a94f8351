// Bridges OpenFlow switches to a NetIDE core over its NetIP message bus.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/sessamekesh/netide-openflow-shim/pkg/shim"
	"github.com/sessamekesh/netide-openflow-shim/pkg/status"
	"github.com/sessamekesh/netide-openflow-shim/pkg/transport"
)

func main() {
	if dotenvErr := godotenv.Load(); dotenvErr != nil && !os.IsNotExist(dotenvErr) {
		fmt.Printf("Failed to load .env file! %s", dotenvErr.Error())
	}

	logger := zap.Must(zap.NewProduction())
	if os.Getenv("APP_ENV") != "production" {
		logger = zap.Must(zap.NewDevelopment())
	}
	defer logger.Sync()

	config, err := loadConfig(os.Args[1:], os.Getenv)
	if err != nil {
		logger.Error("Invalid configuration", zap.Error(err))
		os.Exit(2)
	}

	//
	// Shim setup + attach transports
	s, err := shim.CreateShim(shim.ShimConfig{
		Logger:                logger,
		FeatureRequestTimeout: config.FeatureTimeout,
		SwitchWorkers:         config.Workers,
	})
	if err != nil {
		logger.Error("Failed to create shim", zap.Error(err))
		return
	}

	shutdownCtx, shutdownRelease := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer shutdownRelease()

	switchHandler, err := s.CreateSwitchMessageHandler("TCP switches")
	if err != nil {
		logger.Error("Failed to create switch message handler", zap.Error(err))
		return
	}
	switchListener, err := transport.CreateTcpSwitchListener(switchHandler, transport.TcpSwitchListenerParams{
		ListenAddress:    config.ListenAddress,
		AllowAllHosts:    len(config.AllowedSwitches) == 0,
		AllowlistedHosts: config.AllowedSwitches,
		MaxConnections:   config.MaxSwitches,
		Logger:           logger,
	})
	if err != nil {
		logger.Error("Failed to create switch listener", zap.Error(err))
		return
	}
	if err := switchListener.Listen(); err != nil {
		logger.Error("Failed to listen for switches", zap.String("address", config.ListenAddress), zap.Error(err))
		return
	}

	coreHandler, err := s.CreateCoreMessageHandler("NetIP core bus")
	if err != nil {
		logger.Error("Failed to create core message handler", zap.Error(err))
		return
	}
	coreClient, err := transport.CreateCoreWebsocketClient(coreHandler, transport.CoreWebsocketClientParams{
		CoreUrl: config.CoreUrl,
		Logger:  logger,
	})
	if err != nil {
		logger.Error("Failed to create core client", zap.Error(err))
		return
	}

	wg := sync.WaitGroup{}

	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info("Starting shim")
		defer logger.Info("Stopping shim")
		s.Start(shutdownCtx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		switchListener.Start(shutdownCtx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		coreClient.Start(shutdownCtx)
	}()

	if config.StatusAddress != "" {
		statusServer := status.CreateStatusServer(s, status.StatusServerParams{
			ListenAddress: config.StatusAddress,
			Activity:      switchListener.Store(),
			Logger:        logger,
		})

		wg.Add(1)
		go func() {
			defer wg.Done()
			statusServer.Start(shutdownCtx)
		}()
	}

	wg.Wait()

	logger.Info("Successfully shutdown NetIDE OpenFlow shim!")
}
