package main

import (
	"fmt"
	"net"
	"strings"
)

// advertisedURLs returns the HTTP base and websocket endpoint players should dial.
func advertisedURLs(address string, tlsEnabled bool) (httpURL, wsURL string) {
	//1.- Pick the scheme pair from the TLS setting.
	httpScheme, wsScheme := "http", "ws"
	if tlsEnabled {
		httpScheme, wsScheme = "https", "wss"
	}
	//2.- Replace wildcard hosts with localhost so the printed URL is dialable.
	hostPort := normaliseHostPort(address)
	return fmt.Sprintf("%s://%s", httpScheme, hostPort), fmt.Sprintf("%s://%s/ws", wsScheme, hostPort)
}

func normaliseHostPort(address string) string {
	trimmed := strings.TrimSpace(address)
	if trimmed == "" {
		return "localhost"
	}
	host, port, err := net.SplitHostPort(trimmed)
	if err != nil {
		if strings.HasPrefix(trimmed, ":") {
			return "localhost" + trimmed
		}
		return trimmed
	}
	switch strings.TrimSpace(host) {
	case "", "0.0.0.0", "::", "[::]":
		host = "localhost"
	}
	return net.JoinHostPort(host, port)
}
