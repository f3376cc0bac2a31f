// Package main is the container probe for the deploywatch server. It hits
// the readiness endpoint and exits 0 when the server answers with a 2xx.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/pflag"
)

func main() {
	url := pflag.String("url", "http://localhost:8080/readyz", "endpoint to probe")
	timeout := pflag.Duration("timeout", 5*time.Second, "probe timeout")
	pflag.Parse()

	if !pflag.CommandLine.Changed("url") {
		if env := os.Getenv("DEPLOYWATCH_HEALTH_URL"); env != "" {
			*url = env
		}
	}

	if err := probe(*url, *timeout); err != nil {
		fmt.Fprintf(os.Stderr, "healthcheck failed: %v\n", err)
		os.Exit(1)
	}
}

func probe(url string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("status %d from %s", resp.StatusCode, url)
	}
	return nil
}
