package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	configpkg "campfire/engine/internal/config"
	"campfire/engine/internal/logging"
)

type stubServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *stubServerStream) Context() context.Context {
	return s.ctx
}

func TestSharedSecretStreamInterceptorAcceptsValidSecret(t *testing.T) {
	interceptor := newSharedSecretStreamInterceptor(sharedSecretChecker("hunter2"))
	md := metadata.New(map[string]string{sharedSecretMetadataKey: "hunter2"})
	stream := &stubServerStream{ctx: metadata.NewIncomingContext(context.Background(), md)}
	called := false
	handler := func(any, grpc.ServerStream) error {
		called = true
		return nil
	}
	if err := interceptor(nil, stream, &grpc.StreamServerInfo{}, handler); err != nil {
		t.Fatalf("interceptor returned error: %v", err)
	}
	if !called {
		t.Fatal("expected handler to be invoked for valid secret")
	}
}

func TestSharedSecretStreamInterceptorRejectsMissingSecret(t *testing.T) {
	interceptor := newSharedSecretStreamInterceptor(sharedSecretChecker("hunter2"))
	stream := &stubServerStream{ctx: context.Background()}
	err := interceptor(nil, stream, &grpc.StreamServerInfo{}, func(any, grpc.ServerStream) error { return nil })
	if status.Code(err) != codes.Unauthenticated {
		t.Fatalf("expected unauthenticated code, got %v", err)
	}
}

func TestSharedSecretUnaryInterceptorAcceptsBearer(t *testing.T) {
	interceptor := newSharedSecretUnaryInterceptor(sharedSecretChecker("hunter2"))
	handler := func(context.Context, any) (any, error) { return "ok", nil }

	//1.- A bearer token carrying the secret is accepted.
	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer hunter2"))
	if resp, err := interceptor(ctx, nil, &grpc.UnaryServerInfo{}, handler); err != nil || resp != "ok" {
		t.Fatalf("expected handler response, got %v %v", resp, err)
	}

	//2.- A wrong secret never reaches the handler.
	ctx = metadata.NewIncomingContext(context.Background(), metadata.Pairs(sharedSecretMetadataKey, "nope"))
	if _, err := interceptor(ctx, nil, &grpc.UnaryServerInfo{}, handler); status.Code(err) != codes.Unauthenticated {
		t.Fatalf("expected unauthenticated, got %v", err)
	}
}

func TestLoadMTLSCredentialsFailsWithBadPaths(t *testing.T) {
	if _, err := loadMTLSCredentials("missing-cert", "missing-key", "missing-ca"); err == nil {
		t.Fatal("expected error for missing files")
	}
}

func TestConfigureGRPCSecurityModes(t *testing.T) {
	certFile, keyFile := generateSelfSignedCert(t)

	cases := map[string]struct {
		cfg      *configpkg.Config
		wantOpts int
		wantErr  bool
	}{
		"none":          {cfg: &configpkg.Config{GRPCAuthMode: configpkg.GRPCAuthModeNone}},
		"shared_secret": {cfg: &configpkg.Config{GRPCAuthMode: configpkg.GRPCAuthModeSharedSecret, GRPCSharedSecret: "hunter2"}, wantOpts: 2},
		"mtls":          {cfg: &configpkg.Config{GRPCAuthMode: configpkg.GRPCAuthModeMTLS, GRPCServerCertPath: certFile, GRPCServerKeyPath: keyFile, GRPCClientCAPath: certFile}, wantOpts: 1},
		"unknown":       {cfg: &configpkg.Config{GRPCAuthMode: "kerberos"}, wantErr: true},
	}
	for name, tc := range cases {
		opts, err := configureGRPCSecurity(tc.cfg, logging.NewTestLogger())
		if (err != nil) != tc.wantErr {
			t.Fatalf("%s: unexpected error %v", name, err)
		}
		if len(opts) != tc.wantOpts {
			t.Fatalf("%s: expected %d options, got %d", name, tc.wantOpts, len(opts))
		}
	}
}

func generateSelfSignedCert(t *testing.T) (string, string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "campfire-engine-test"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		DNSNames:              []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	dir := t.TempDir()
	certFile := filepath.Join(dir, "cert.pem")
	keyFile := filepath.Join(dir, "key.pem")
	if err := os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600); err != nil {
		t.Fatalf("write cert: %v", err)
	}
	if err := os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	return certFile, keyFile
}
