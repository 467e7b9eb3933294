package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"
)

// Sends a short burst of synthetic envelopes at a local switchboard so a dev
// setup has traffic to look at. Not a load test.
func main() {
	gateway := os.Getenv("SWB_GATEWAY_URL")
	if gateway == "" {
		gateway = "http://localhost:8080"
	}

	fmt.Println("Sending synthetic traffic to", gateway)

	messages := []struct {
		channel, thread, sender, text string
	}{
		{"telegram", "chat-100", "alice", "remind me to pay rent on friday"},
		{"telegram", "chat-100", "alice", "/health"},
		{"email", "thr-migration", "bob@example.com", "Invoice overdue\nplease check the attached invoice"},
		{"chat", "room-ops", "carol", "can someone book a table for four tonight?"},
		{"telegram", "chat-100", "alice", "remind me to pay rent on friday"}, // duplicate on purpose
	}

	client := &http.Client{Timeout: 10 * time.Second}
	for i, m := range messages {
		env := map[string]interface{}{
			"schema_version": "ingest.v1",
			"source": map[string]string{
				"channel":           m.channel,
				"provider":          "simulator",
				"endpoint_identity": "sim-endpoint",
			},
			"event": map[string]string{
				"external_event_id":  fmt.Sprintf("sim-%d", i%4), // last one repeats id 0
				"external_thread_id": m.thread,
				"observed_at":        time.Now().UTC().Format(time.RFC3339),
			},
			"sender": map[string]string{
				"identity": m.sender,
			},
			"payload": map[string]interface{}{
				"normalized_text": m.text,
			},
		}
		body, _ := json.Marshal(env)

		resp, err := client.Post(gateway+"/v1/ingest", "application/json", bytes.NewReader(body))
		if err != nil {
			log.Fatalf("ingest failed: %v", err)
		}
		var result map[string]interface{}
		json.NewDecoder(resp.Body).Decode(&result)
		resp.Body.Close()

		fmt.Printf("[%d] %s %-8s -> %v (request %v, duplicate=%v)\n",
			resp.StatusCode, m.channel, m.sender, result["status"], result["request_id"], result["duplicate"])
		time.Sleep(200 * time.Millisecond)
	}
}
