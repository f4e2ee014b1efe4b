// Package main is a smoke-test utility that verifies a running ledger API is reachable
// and answering. It checks /health, /ready and /version and, when LEDGER_SMOKE_TOKEN holds
// an identity token, also counts the caller's events. Useful for quick post-deployment
// checks without external tooling like curl.
package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

func main() {
	base := os.Getenv("LEDGER_SMOKE_URL")
	if base == "" {
		base = "http://localhost:8080"
	}
	client := &http.Client{Timeout: 10 * time.Second}

	failed := false
	for _, path := range []string{"/health", "/ready", "/version"} {
		if !check(client, base+path, "") {
			failed = true
		}
	}
	if token := os.Getenv("LEDGER_SMOKE_TOKEN"); token != "" {
		if !check(client, base+"/api/v1/events/count", token) {
			failed = true
		}
	}

	if failed {
		os.Exit(1)
	}
}

func check(client *http.Client, url, token string) bool {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return false
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		fmt.Printf("GET %s\nError: %v\n", url, err)
		return false
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		fmt.Printf("Error reading body: %v\n", err)
		return false
	}

	fmt.Printf("GET %s\nStatus: %d\nResponse:\n%s\n\n", url, resp.StatusCode, string(body))
	return resp.StatusCode == http.StatusOK
}
