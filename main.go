package main

import (
	"context"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"syscall"

	"github.com/norootfw/norootfw/api"
	"github.com/norootfw/norootfw/capture"
	"github.com/norootfw/norootfw/logger"
	"github.com/norootfw/norootfw/sink"
	"github.com/norootfw/norootfw/tunnel"
	"github.com/norootfw/norootfw/websocket"
)

const messageVerdict = "fw/verdict"

func main() {
	// Create a context that will be cancelled on interrupt signals
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runFirewallMainWithArgs(ctx, os.Args[1:])
}

func runFirewallMainWithArgs(ctx context.Context, args []string) {
	logger.Init(nil)

	// Load configuration from file, env vars, and CLI args
	// Priority: CLI args > Env vars > Config file > Defaults
	config, showVersion, showConfig, listProfiles, err := LoadConfig(args)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if listProfiles {
		if err := ShowProfiles(); err != nil {
			fmt.Printf("Failed to list profiles: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	if showConfig {
		config.ShowConfig()
		os.Exit(0)
	}

	fwVersion := "version_replaceme"
	if showVersion {
		fmt.Println("norootfw version " + fwVersion)
		os.Exit(0)
	}

	logger.GetLogger().SetLevel(logger.ParseLevel(config.LogLevel))
	logger.Info("norootfw version %s", fwVersion)

	if err := config.Validate(); err != nil {
		logger.Fatal("Invalid configuration: %v", err)
	}
	tunnelConfig, _ := config.TunnelConfig()

	// the decision engine must stay reachable once its routes are captured
	var engineAddrs []netip.Addr
	if config.Sink == SinkRemote {
		engineAddrs, err = tunnel.ResolveEndpoint(ctx, config.SinkEndpoint)
		if err != nil {
			logger.Fatal("Failed to resolve decision engine: %v", err)
		}
		tunnelConfig.Exclude = engineAddrs
	}

	if err := SaveConfig(config); err != nil {
		logger.Error("Failed to save config: %v", err)
	} else {
		logger.Debug("Saved config with all options")
	}

	decisionSink, closeSink, err := newSink(config, engineAddrs)
	if err != nil {
		logger.Fatal("Failed to set up decision sink: %v", err)
	}
	defer closeSink()

	supervisor := capture.NewSupervisor(ctx, tunnel.Establisher(tunnelConfig), decisionSink,
		capture.WithSessionName(tunnelConfig.Session))

	// nil channels never fire, so without the API the loop only waits for ctx
	var startCh, stopCh, shutdownCh <-chan struct{}
	if config.EnableAPI {
		var apiServer *api.API
		if config.SocketPath != "" {
			apiServer = api.NewAPISocket(config.SocketPath)
		} else {
			apiServer = api.NewAPI(config.HTTPAddr)
		}
		apiServer.SetStatusProvider(supervisor)
		apiServer.SetTunnelAddress(config.Address)
		apiServer.SetSink(config.Sink)
		apiServer.SetVersion(fwVersion)

		if err := apiServer.Start(); err != nil {
			logger.Fatal("Failed to start API server: %v", err)
		}
		defer apiServer.Stop()

		startCh = apiServer.GetStartChannel()
		stopCh = apiServer.GetStopChannel()
		shutdownCh = apiServer.GetShutdownChannel()
	}

	if config.AutoStart || !config.EnableAPI {
		supervisor.StartCapture()
	} else {
		logger.Info("Waiting for a start request on the API")
	}

loop:
	for {
		select {
		case <-startCh:
			supervisor.StartCapture()
		case <-stopCh:
			supervisor.StopCapture()
		case <-shutdownCh:
			logger.Info("Shutdown requested via API")
			break loop
		case <-ctx.Done():
			logger.Info("Shutdown signal received, cleaning up...")
			break loop
		}
	}

	supervisor.StopCapture()
	supervisor.Wait()
	logger.Info("Shutdown complete")
}

// newSink builds the configured decision sink and the function that
// releases it. A remote sink only dials engineAddrs.
func newSink(config *FirewallConfig, engineAddrs []netip.Addr) (sink.Sink, func(), error) {
	if config.Sink != SinkRemote {
		return sink.Log{}, func() {}, nil
	}

	client, err := websocket.NewClient(config.SinkEndpoint,
		websocket.WithTLSConfig(websocket.TLSConfig{PKCS12File: config.TlsClientCert}),
		websocket.WithDialAddrs(engineAddrs))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create websocket client: %w", err)
	}

	client.OnConnect(func() error {
		logger.Info("Connected to decision engine at %s", client.Endpoint())
		return nil
	})
	client.RegisterHandler(messageVerdict, func(msg websocket.WSMessage) {
		logger.Debug("Received verdict: %v", msg.Data)
	})

	if err := client.Connect(); err != nil {
		return nil, nil, fmt.Errorf("failed to connect to decision engine: %w", err)
	}

	remote := sink.NewRemote(client)
	return remote, func() {
		if n := remote.Dropped(); n > 0 {
			logger.Info("Decision engine missed %d requests", n)
		}
		client.Close()
	}, nil
}
