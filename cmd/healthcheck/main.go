// Command healthcheck is the container probe: it exits non-zero unless the service answers 200 on
// /readyz (or HEALTHCHECK_PATH) at the port of HTTP_ADDR.
package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"time"
)

func probeURL() string {
	port := "8080"
	if _, p, err := net.SplitHostPort(os.Getenv("HTTP_ADDR")); err == nil && p != "" {
		port = p
	}
	path := os.Getenv("HEALTHCHECK_PATH")
	if path == "" {
		path = "/readyz"
	}
	return "http://" + net.JoinHostPort("localhost", port) + path
}

func main() {
	client := &http.Client{Timeout: 3 * time.Second}
	ctx := context.Background()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, probeURL(), nil)
	if err != nil {
		os.Exit(1)
	}
	resp, err := client.Do(req)
	if err != nil {
		os.Exit(1)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Printf("failed to close response body: %v", err)
		}
	}()
	if resp.StatusCode != http.StatusOK {
		os.Exit(1) //nolint:gocritic // exit code is the probe result
	}
}
