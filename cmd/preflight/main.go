// preflight checks a running instance before traffic is pointed at it.
// The chat path is the only hard gate; a broken observability endpoint
// is reported but does not fail the check.
//
//	preflight -base http://localhost:8080
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"
)

func main() {
	base := flag.String("base", "http://localhost:8080", "server base URL")
	timeout := flag.Duration("timeout", 10*time.Second, "per-request timeout")
	flag.Parse()

	client := &http.Client{Timeout: *timeout}
	failed := false

	// Critical: the chat path must answer with a structured response.
	if err := checkChat(client, *base); err != nil {
		log.Printf("FAIL /chat: %v", err)
		failed = true
	} else {
		log.Printf("ok   /chat")
	}

	// Observability: report only.
	for _, path := range []string{"/health", "/telemetry", "/metrics"} {
		if err := checkGet(client, *base+path); err != nil {
			log.Printf("warn %s: %v", path, err)
		} else {
			log.Printf("ok   %s", path)
		}
	}

	if failed {
		os.Exit(1)
	}
}

func checkChat(client *http.Client, base string) error {
	body, _ := json.Marshal(map[string]string{
		"message": "preflight check",
		"user_id": "preflight",
	})
	resp, err := client.Post(base+"/chat", "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	var out struct {
		Status string `json:"status"`
		RunID  string `json:"run_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if out.Status == "" || out.RunID == "" {
		return fmt.Errorf("incomplete response (status=%q run_id=%q)", out.Status, out.RunID)
	}
	return nil
}

func checkGet(client *http.Client, url string) error {
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}
