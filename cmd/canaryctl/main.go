// canaryctl moves the canary percentage through the rollout ladder via
// the operator flag API.
//
//	canaryctl -base http://localhost:8080 -percent 10
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"time"
)

func main() {
	base := flag.String("base", "http://localhost:8080", "server base URL")
	percent := flag.Int("percent", -1, "canary percentage: 0, 1, 10, 50, or 100")
	caller := flag.String("caller", "canaryctl", "caller id for the operator API")
	flag.Parse()

	if *percent < 0 {
		log.Fatal("canaryctl: -percent is required")
	}

	body, _ := json.Marshal(map[string]interface{}{
		"name":  "canary_percent",
		"value": *percent,
	})
	req, err := http.NewRequest(http.MethodPost, *base+"/internal/flags", bytes.NewReader(body))
	if err != nil {
		log.Fatalf("canaryctl: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Caller-ID", *caller)

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		log.Fatalf("canaryctl: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var out struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&out)
		log.Fatalf("canaryctl: server answered %d: %s", resp.StatusCode, out.Error)
	}
	fmt.Printf("canary_percent set to %d\n", *percent)
}
