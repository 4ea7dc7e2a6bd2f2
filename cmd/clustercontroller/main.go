// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/absmach/joynr/address"
	"github.com/absmach/joynr/config"
	"github.com/absmach/joynr/dispatcher"
	"github.com/absmach/joynr/internal/scheduler"
	"github.com/absmach/joynr/message"
	"github.com/absmach/joynr/messaging"
	"github.com/absmach/joynr/messaging/channel"
	"github.com/absmach/joynr/messaging/inprocess"
	"github.com/absmach/joynr/messaging/mqtt"
	"github.com/absmach/joynr/messaging/websocket"
	"github.com/absmach/joynr/publication"
	"github.com/absmach/joynr/ratelimit"
	"github.com/absmach/joynr/router"
	"github.com/absmach/joynr/routing"
	"github.com/absmach/joynr/server/otel"
	"github.com/absmach/joynr/storage"
	"github.com/absmach/joynr/storage/badger"
	"github.com/absmach/joynr/storage/memory"
	"github.com/absmach/joynr/storage/redis"
	"github.com/absmach/joynr/subscription"
	"github.com/google/uuid"
	otelglobal "go.opentelemetry.io/otel"
)

const (
	channelTimeout   = 30 * time.Second
	limiterCleanup   = 5 * time.Minute
	badgerGCInterval = 5 * time.Minute
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	instanceID := uuid.NewString()
	slog.Info("Starting joynr cluster controller", "version", cfg.Otel.ServiceVersion, "instance", instanceID)
	slog.Info("Configuration loaded",
		"storage", cfg.Storage.Type,
		"mqtt_enabled", cfg.MQTT.Enabled,
		"mqtt_brokers", len(cfg.MQTT.Brokers),
		"ws_enabled", cfg.WebSocket.Enabled,
		"ws_listener", cfg.WebSocket.ListenAddr,
		"primary_transport", cfg.Routing.PrimaryGlobalTransport,
		"log_level", cfg.Log.Level)

	var telemetry *otel.Telemetry
	if cfg.Otel.Enabled {
		tel, err := otel.Setup(context.Background(), cfg.Otel, instanceID)
		if err != nil {
			slog.Error("Failed to initialize OpenTelemetry", "error", err)
			os.Exit(1)
		}
		telemetry = tel
		slog.Info("OpenTelemetry initialized", "endpoint", cfg.Otel.Endpoint)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var store storage.RoutingStore
	switch cfg.Storage.Type {
	case "memory":
		store = memory.New()
		slog.Info("Using in-memory routing storage")
	case "badger":
		badgerStore, err := badger.New(badger.Config{
			Dir:        cfg.Storage.BadgerDir,
			GCInterval: badgerGCInterval,
		})
		if err != nil {
			slog.Error("Failed to initialize BadgerDB storage", "error", err)
			os.Exit(1)
		}
		store = badgerStore
		slog.Info("Using BadgerDB routing storage", "dir", cfg.Storage.BadgerDir)
	case "redis":
		redisStore, err := redis.New(ctx, &redis.Config{
			Addr:      cfg.Storage.RedisAddr,
			Password:  cfg.Storage.RedisPassword,
			DB:        cfg.Storage.RedisDB,
			KeyPrefix: cfg.Storage.RedisKeyPrefix,
			Logger:    logger,
		})
		if err != nil {
			slog.Error("Failed to initialize Redis storage", "error", err)
			os.Exit(1)
		}
		store = redisStore
		slog.Info("Using Redis routing storage", "addr", cfg.Storage.RedisAddr)
	default:
		slog.Error("Unknown storage type", "type", cfg.Storage.Type)
		os.Exit(1)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Error("Failed to close routing storage", "error", err)
		}
	}()

	codec := message.MsgpackCodec{}
	registry := messaging.NewRegistry()
	registry.Register(address.KindInProcess, inprocess.NewFactory())
	registry.Register(address.KindChannel, channel.NewFactory(codec, channelTimeout))

	var mqttClients *mqtt.Clients
	var own []address.Address
	if cfg.MQTT.Enabled {
		mqttClients = mqtt.NewClients(mqtt.Config{
			Brokers:        cfg.MQTT.Brokers,
			ClientID:       cfg.MQTT.ClientID,
			KeepAlive:      cfg.MQTT.KeepAlive,
			ConnectTimeout: cfg.MQTT.ConnectTimeout,
			QoS:            cfg.MQTT.QoS,
		}, nil, logger)
		registry.Register(address.KindMQTT, mqtt.NewFactory(mqttClients, codec))
		for _, gbid := range mqttClients.GBIDs() {
			own = append(own, address.MQTT{BrokerURI: gbid, Topic: cfg.MQTT.ReplyToTopic})
		}
	}

	table := routing.NewTable(routing.TableConfig{
		GracePeriod:   cfg.Routing.GracePeriod,
		PurgeInterval: cfg.Routing.PurgeInterval,
	}, address.NewValidator(own...), routing.WithStore(store), routing.WithLogger(logger))

	loaded, err := table.Load(ctx)
	if err != nil {
		slog.Error("Failed to load routing table", "error", err)
		os.Exit(1)
	}
	slog.Info("Routing table loaded", "entries", loaded)
	table.Start()

	var calculators []routing.AddressCalculator
	if mqttClients != nil {
		calculators = append(calculators, &routing.MQTTCalculator{
			GBIDs:       mqttClients.GBIDs(),
			TopicPrefix: cfg.Routing.MulticastTopicPrefix,
		})
	}
	receivers := routing.NewMulticastReceivers()
	addresses := routing.NewAddressManager(table, receivers, cfg.Routing.PrimaryGlobalTransport, logger, calculators...)

	sched := scheduler.New(scheduler.Config{
		Workers:   cfg.Router.Workers,
		QueueSize: cfg.Router.QueueSize,
	}, logger)

	metrics, err := router.NewMetrics(otelglobal.Meter("github.com/absmach/joynr/router"), table.Len)
	if err != nil {
		slog.Error("Failed to create router metrics", "error", err)
		os.Exit(1)
	}

	stubs := messaging.NewBreakerFactory(registry, messaging.BreakerConfig{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		ResetTimeout:     cfg.Breaker.ResetTimeout,
	}, logger)

	rt := router.New(router.Config{
		RetryInterval:    cfg.Router.RetryInterval,
		MaxRetryDelay:    cfg.Router.MaxRetryDelay,
		QueueFullBackoff: cfg.Router.QueueFullBackoff,
		QueueFullRetries: cfg.Router.QueueFullRetries,
		ShutdownTimeout:  cfg.Router.ShutdownTimeout,
	}, table, receivers, addresses, stubs, sched,
		router.WithLogger(logger),
		router.WithMetrics(metrics),
		router.WithSkeletons(registry))

	dispatcherOpts := []dispatcher.Option{dispatcher.WithLogger(logger)}
	if mqttClients != nil {
		skeleton := mqtt.NewSkeleton(mqtt.SkeletonConfig{
			ReplyToTopic:         cfg.MQTT.ReplyToTopic,
			MulticastTopicPrefix: cfg.Routing.MulticastTopicPrefix,
			QoS:                  cfg.MQTT.QoS,
			Timeout:              cfg.MQTT.ConnectTimeout,
		}, mqttClients, codec, rt, logger)
		registry.RegisterSkeleton(address.KindMQTT, skeleton)

		if err := skeleton.Start(); err != nil {
			slog.Error("Failed to start MQTT skeleton", "error", err)
			os.Exit(1)
		}
		gbids := mqttClients.GBIDs()
		dispatcherOpts = append(dispatcherOpts, dispatcher.WithReplyTo(skeleton.ReplyTo(gbids[0])))
		slog.Info("MQTT transport started", "gbids", gbids, "reply_to", cfg.MQTT.ReplyToTopic)
	}

	wsClient := websocket.NewClient(address.WebSocketClient{ID: cfg.MQTT.ClientID}, codec, rt, cfg.WebSocket.WriteTimeout, logger)
	registry.Register(address.KindWebSocket, wsClient.Factory())

	disp := dispatcher.New(rt, dispatcherOpts...)
	subscriptions := subscription.NewManager(subscription.Config{
		RequestTTL: cfg.Subscription.RequestTTL,
	}, disp, rt, sched, logger)
	publications := publication.NewManager(publication.Config{
		ReplyTTL:     cfg.Subscription.ReplyTTL,
		MulticastTTL: cfg.Subscription.MulticastTTL,
	}, disp, sched, logger)
	disp.SetHandlers(subscriptions, publications)

	var wg sync.WaitGroup
	serverErr := make(chan error, 1)

	var limiter *ratelimit.HostLimiter
	if cfg.WebSocket.Enabled {
		wsCfg := websocket.Config{
			Address:         cfg.WebSocket.ListenAddr,
			Path:            cfg.WebSocket.Path,
			WriteTimeout:    cfg.WebSocket.WriteTimeout,
			ShutdownTimeout: cfg.WebSocket.ShutdownTimeout,
			Global:          cfg.Routing.PrimaryGlobalTransport == routing.TransportWebSocket,
		}
		if cfg.WebSocket.ConnectionRate > 0 {
			limiter = ratelimit.NewHostLimiter(cfg.WebSocket.ConnectionRate, cfg.WebSocket.ConnectionBurst, limiterCleanup)
			wsCfg.Limiter = limiter
		}
		wsServer := websocket.NewServer(wsCfg, codec, rt, logger)
		wsServer.OnClient(
			func(c address.WebSocketClient) {
				slog.Debug("WebSocket client connected", "client_id", c.ID)
			},
			func(c address.WebSocketClient) {
				slog.Debug("WebSocket client disconnected", "client_id", c.ID)
			})
		registry.Register(address.KindWebSocketClient, websocket.NewServerFactory(wsServer))

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := wsServer.Listen(ctx); err != nil {
				serverErr <- err
			}
		}()
	}

	slog.Info("Cluster controller started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server error", "error", err)
	}

	// Stop accepting inbound traffic first.
	cancel()
	wg.Wait()
	if limiter != nil {
		limiter.Stop()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Router.ShutdownTimeout)
	defer shutdownCancel()

	if err := rt.Shutdown(shutdownCtx); err != nil {
		slog.Error("Error during router shutdown", "error", err)
	}
	publications.Close()
	table.Stop()
	wsClient.Close()
	if mqttClients != nil {
		mqttClients.Close()
	}

	if telemetry != nil {
		otelShutdownCtx, otelCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer otelCancel()
		if err := telemetry.Shutdown(otelShutdownCtx); err != nil {
			slog.Error("Failed to shutdown OpenTelemetry", "error", err)
		} else {
			slog.Info("OpenTelemetry shutdown complete")
		}
	}

	slog.Info("Cluster controller stopped")
}
