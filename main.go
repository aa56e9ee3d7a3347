// Command engine runs the campfire action-resolution and tick engine.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	configpkg "campfire/engine/internal/config"
	"campfire/engine/internal/logging"
	"campfire/engine/internal/telemetry"
)

const (
	shutdownTimeout     = 10 * time.Second
	replaySweepInterval = time.Hour
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "engine: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := configpkg.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, "campfire-engine", cfg.OTLPEndpoint, logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = shutdownTracing(tctx)
	}()

	eng, err := newEngine(cfg, logger)
	if err != nil {
		return err
	}
	return serve(ctx, eng)
}

// serve runs every listener and the tick loop until ctx ends or one of them fails.
func serve(ctx context.Context, eng *engine) error {
	cfg, logger := eng.cfg, eng.log

	var grpcServer *grpc.Server
	var grpcListener net.Listener
	if cfg.GRPCAddress != "" {
		server, err := eng.grpcServer()
		if err != nil {
			return errors.Join(err, eng.shutdown())
		}
		listener, err := net.Listen("tcp", cfg.GRPCAddress)
		if err != nil {
			return errors.Join(fmt.Errorf("listen grpc: %w", err), eng.shutdown())
		}
		grpcServer, grpcListener = server, listener
	}

	group, gctx := errgroup.WithContext(ctx)

	//1.- The tick loop. A halted scheduler takes the whole process down.
	eng.start(gctx)
	group.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-eng.scheduler.Done():
			if err := eng.scheduler.Err(); err != nil {
				return fmt.Errorf("tick loop halted: %w", err)
			}
			return nil
		}
	})

	//2.- HTTP: websocket gateway plus operational routes.
	httpServer := &http.Server{
		Addr:              cfg.Address,
		Handler:           eng.handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	tlsEnabled := cfg.TLSCertPath != ""
	group.Go(func() error {
		httpURL, wsURL := advertisedURLs(cfg.Address, tlsEnabled)
		logger.Info("engine listening", logging.String("http", httpURL), logging.String("websocket", wsURL))
		var err error
		if tlsEnabled {
			err = httpServer.ListenAndServeTLS(cfg.TLSCertPath, cfg.TLSKeyPath)
		} else {
			err = httpServer.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	//3.- gRPC for bots and tooling, when an address is configured.
	if grpcServer != nil {
		group.Go(func() error {
			logger.Info("gRPC listening", logging.String("address", grpcListener.Addr().String()))
			return grpcServer.Serve(grpcListener)
		})
		group.Go(func() error {
			<-gctx.Done()
			grpcServer.GracefulStop()
			return nil
		})
	}

	//4.- Replay retention sweeps.
	if eng.cleaner != nil {
		group.Go(func() error {
			eng.cleaner.Run(gctx, replaySweepInterval)
			return nil
		})
	}

	//5.- Ordered shutdown once anything above ends.
	group.Go(func() error {
		<-gctx.Done()
		logger.Info("engine shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		httpErr := httpServer.Shutdown(sctx)
		return errors.Join(httpErr, eng.shutdown())
	})

	return group.Wait()
}
