package main

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	configpkg "campfire/engine/internal/config"
	"campfire/engine/internal/logging"
)

const sharedSecretMetadataKey = "x-engine-shared-secret"

// configureGRPCSecurity translates the configured auth mode into server options.
func configureGRPCSecurity(cfg *configpkg.Config, logger *logging.Logger) ([]grpc.ServerOption, error) {
	if cfg == nil {
		return nil, fmt.Errorf("grpc config required")
	}
	if logger == nil {
		logger = logging.L()
	}

	switch cfg.GRPCAuthMode {
	case configpkg.GRPCAuthModeNone, "":
		logger.Warn("gRPC authentication disabled")
		return nil, nil
	case configpkg.GRPCAuthModeMTLS:
		creds, err := loadMTLSCredentials(cfg.GRPCServerCertPath, cfg.GRPCServerKeyPath, cfg.GRPCClientCAPath)
		if err != nil {
			return nil, err
		}
		logger.Info("gRPC mTLS enabled")
		return []grpc.ServerOption{grpc.Creds(creds)}, nil
	case configpkg.GRPCAuthModeSharedSecret:
		check := sharedSecretChecker(cfg.GRPCSharedSecret)
		logger.Info("gRPC shared-secret authentication enabled")
		return []grpc.ServerOption{
			grpc.ChainUnaryInterceptor(newSharedSecretUnaryInterceptor(check)),
			grpc.ChainStreamInterceptor(newSharedSecretStreamInterceptor(check)),
		}, nil
	default:
		return nil, fmt.Errorf("unsupported grpc auth mode %q", cfg.GRPCAuthMode)
	}
}

// sharedSecretChecker returns a function validating the secret carried by a call context.
func sharedSecretChecker(secret string) func(context.Context) error {
	normalized := strings.TrimSpace(secret)
	return func(ctx context.Context) error {
		if normalized == "" {
			return status.Error(codes.Unauthenticated, "shared secret not configured")
		}
		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return status.Error(codes.Unauthenticated, "missing metadata")
		}
		candidate := extractSharedSecret(md)
		if candidate == "" {
			return status.Error(codes.Unauthenticated, "missing shared secret")
		}
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(normalized)) != 1 {
			return status.Error(codes.Unauthenticated, "invalid shared secret")
		}
		return nil
	}
}

func newSharedSecretUnaryInterceptor(check func(context.Context) error) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if err := check(ctx); err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

func newSharedSecretStreamInterceptor(check func(context.Context) error) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, _ *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if err := check(ss.Context()); err != nil {
			return err
		}
		return handler(srv, ss)
	}
}

func extractSharedSecret(md metadata.MD) string {
	if md == nil {
		return ""
	}
	for _, value := range md.Get(sharedSecretMetadataKey) {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	for _, value := range md.Get("authorization") {
		if len(value) > 7 && strings.EqualFold(value[:7], "bearer ") {
			if token := strings.TrimSpace(value[7:]); token != "" {
				return token
			}
		}
	}
	return ""
}

func loadMTLSCredentials(certPath, keyPath, caPath string) (credentials.TransportCredentials, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("load server keypair: %w", err)
	}
	caBytes, err := os.ReadFile(caPath)
	if err != nil {
		return nil, fmt.Errorf("read client ca: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caBytes) {
		return nil, fmt.Errorf("failed to parse client ca bundle")
	}
	return credentials.NewTLS(&tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    pool,
		MinVersion:   tls.VersionTLS12,
	}), nil
}
