package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"i4.energy/across/atlink/at"
	"i4.energy/across/atlink/cellfile"
	"i4.energy/across/atlink/modem"
)

func main() {
	configFile := flag.String("config", "", "Path to a YAML configuration file")
	flag.String("serial-port", "/dev/ttyUSB0", "Serial port to connect to the modem")
	flag.Int("baud-rate", 115200, "Baud rate for serial communication")
	flag.String("bind-address", "0.0.0.0:8080", "Bind address for the HTTP server")
	flag.String("at-timeout", "5s", "Default AT command timeout")
	flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.String("log-file", "", "Log file path (stdout if empty)")
	flag.String("sim-pin", "", "SIM card PIN code (if required)")
	flag.Bool("echo", false, "Leave command echo enabled")
	flag.Parse()

	config, err := LoadConfig(WithDefaults(), WithFile(*configFile), WithEnv(), WithFlags(flag.CommandLine))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := NewLogger(config.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	var (
		registerer prometheus.Registerer
		metrics    http.Handler
	)
	if config.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		registerer = reg
		metrics = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}

	modemConfig, err := modem.NewConfigBuilder().
		WithATTimeout(config.ATTimeout).
		WithInitTimeout(30 * time.Second).
		WithMaxRetries(config.MaxRetries).
		WithRxBufferSize(config.RxBufferSize).
		WithEcho(config.Echo).
		WithSimPIN(config.SimPIN).
		WithLogger(logger.With(zap.String("component", "modem"))).
		WithRegisterer(registerer).
		WithDialer(modem.SerialDialer{
			PortName: config.SerialPort,
			BaudRate: config.BaudRate,
		}).
		Build()
	if err != nil {
		logger.Fatal("Failed to create modem config", zap.Error(err))
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	m, err := modem.New(ctx, modemConfig)
	if err != nil {
		logger.Fatal("Failed to create modem", zap.Error(err))
	}

	loopDone := make(chan error, 1)
	go func() { loopDone <- m.Loop(ctx) }()

	registerURCHandlers(m, logger.With(zap.String("component", "urc")))

	if err := m.Init(ctx); err != nil {
		logger.Fatal("Failed to initialize modem", zap.Error(err))
	}

	logger.Info("Starting AT link gateway", zap.String("serial_port", config.SerialPort))

	httpServer := &http.Server{
		Addr: config.BindAddress,
		Handler: &Server{
			Logger:  logger.With(zap.String("component", "server")),
			Modem:   m,
			Files:   cellfile.New(m, logger.With(zap.String("component", "files"))),
			Metrics: metrics,
		},
	}

	// Channel to listen for interrupt signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Start HTTP server in a goroutine
	go func() {
		logger.Info("Starting HTTP server", zap.String("address", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	// Wait for interrupt signal or loss of the modem
	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", zap.Stringer("signal", sig))
	case err := <-loopDone:
		if errors.Is(err, io.EOF) {
			logger.Error("Modem link closed")
		} else {
			logger.Error("Modem loop stopped", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger.Info("Closing HTTP server")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to gracefully shutdown server", zap.Error(err))
	}

	logger.Info("Closing modem connection")
	stop()
	if err := m.Close(); err != nil && !errors.Is(err, modem.ErrAlreadyClosed) {
		logger.Error("Failed to close modem", zap.Error(err))
	}
}

// registerURCHandlers logs the notifications the gateway is interested in.
func registerURCHandlers(m *modem.Client, logger *zap.Logger) {
	newMessage := modem.URCHandlerFunc(func(u modem.URC) {
		d := u.Decoder()
		storage, err := d.ReadQuoted()
		if err != nil {
			logger.Warn("Malformed new message indication", zap.ByteString("payload", u.Payload), zap.Error(err))
			return
		}
		index, err := d.ReadInt()
		if err != nil {
			logger.Warn("Malformed new message indication", zap.ByteString("payload", u.Payload), zap.Error(err))
			return
		}
		logger.Info("New SMS received", zap.String("storage", storage), zap.Int("index", index))
	})
	ring := modem.URCHandlerFunc(func(modem.URC) {
		logger.Info("Incoming call")
	})

	for prefix, h := range map[string]modem.URCHandler{at.UrcNewMsg: newMessage, at.UrcCall: ring} {
		if err := m.SetURCHandler(prefix, h, 128); err != nil {
			logger.Warn("Failed to register URC handler", zap.String("prefix", prefix), zap.Error(err))
		}
	}
}
