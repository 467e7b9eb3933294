package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	gateway := os.Getenv("SWB_GATEWAY_URL")
	if gateway == "" {
		gateway = "http://localhost:8080"
	}

	operator := os.Getenv("SWB_OPERATOR")
	if operator == "" {
		operator = os.Getenv("USER")
	}

	switch os.Args[1] {
	case "reroute":
		cmdReroute(gateway, operator)
	case "cancel":
		cmdCancel(gateway, operator)
	case "abort":
		cmdAbort(gateway, operator)
	case "retry":
		cmdRetry(gateway, operator)
	case "replay":
		cmdReplay(gateway, operator)
	case "force-complete":
		cmdForceComplete(gateway, operator)
	case "status":
		cmdStatus(gateway)
	case "audit":
		cmdAudit(gateway)
	case "version":
		fmt.Printf("swbctl v%s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Switchboard Operator CLI v` + version + `

Usage: swbctl <command> [flags]

Commands:
  reroute         Reroute a failed request to another butler
  cancel          Cancel a queued or in-flight request
  abort           Interrupt a running fanout immediately
  retry           Re-dispatch a failed request with its stored decision
  replay          Replay a dead-lettered request
  force-complete  Mark a stuck request completed
  status          Show a request's lifecycle state
  audit           Show a request's intervention history
  version         Print version
  help            Show this help

Environment:
  SWB_GATEWAY_URL   Switchboard URL (default: http://localhost:8080)
  SWB_OPERATOR      Operator identity recorded in the audit log (default: $USER)

Examples:
  swbctl reroute 7f3a... --target finance --reason "classifier picked the wrong butler"
  swbctl cancel 7f3a... --reason "user retracted the request"
  swbctl replay 7f3a... --reason "telegram outage resolved"
  swbctl status 7f3a...`)
}

// parseFlags pulls --target/--reason out of the remaining args; the first
// positional arg is the request id.
func parseFlags(args []string) (id, target, reason string) {
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--target", "-t":
			i++
			if i < len(args) {
				target = args[i]
			}
		case "--reason", "-r":
			i++
			if i < len(args) {
				reason = args[i]
			}
		default:
			if id == "" {
				id = args[i]
			}
		}
	}
	return id, target, reason
}

func requireIDAndReason(id, reason, usage string) {
	if id == "" || reason == "" {
		fmt.Fprintln(os.Stderr, "Usage: "+usage)
		os.Exit(1)
	}
}

// ----------------------------------------------------------------
// intervention commands
// ----------------------------------------------------------------

func cmdReroute(gateway, operator string) {
	id, target, reason := parseFlags(os.Args[2:])
	requireIDAndReason(id, reason, "swbctl reroute <request-id> --target <butler> --reason <text>")
	if target == "" {
		fmt.Fprintln(os.Stderr, "Error: --target is required")
		os.Exit(1)
	}

	result := intervene(gateway, "/ops/requests/"+id+"/reroute", operator, reason, target)
	fmt.Printf("rerouted %s -> %s\n", id, result["target"])
}

func cmdCancel(gateway, operator string) {
	id, _, reason := parseFlags(os.Args[2:])
	requireIDAndReason(id, reason, "swbctl cancel <request-id> --reason <text>")

	intervene(gateway, "/ops/requests/"+id+"/cancel", operator, reason, "")
	fmt.Printf("cancelling %s\n", id)
}

func cmdAbort(gateway, operator string) {
	id, _, reason := parseFlags(os.Args[2:])
	requireIDAndReason(id, reason, "swbctl abort <request-id> --reason <text>")

	intervene(gateway, "/ops/requests/"+id+"/abort", operator, reason, "")
	fmt.Printf("aborting %s\n", id)
}

func cmdRetry(gateway, operator string) {
	id, _, reason := parseFlags(os.Args[2:])
	requireIDAndReason(id, reason, "swbctl retry <request-id> --reason <text>")

	intervene(gateway, "/ops/requests/"+id+"/retry", operator, reason, "")
	fmt.Printf("retrying %s\n", id)
}

func cmdReplay(gateway, operator string) {
	id, _, reason := parseFlags(os.Args[2:])
	requireIDAndReason(id, reason, "swbctl replay <dlq-id> --reason <text>")

	result := intervene(gateway, "/ops/dlq/"+id+"/replay", operator, reason, "")
	fmt.Printf("replayed %s as %s\n", id, result["replayed_as"])
}

func cmdForceComplete(gateway, operator string) {
	id, _, reason := parseFlags(os.Args[2:])
	requireIDAndReason(id, reason, "swbctl force-complete <request-id> --reason <text>")

	intervene(gateway, "/ops/requests/"+id+"/force-complete", operator, reason, "")
	fmt.Printf("force-completed %s\n", id)
}

// intervene posts the operator request and exits non-zero on any failure.
func intervene(gateway, path, operator, reason, target string) map[string]interface{} {
	if operator == "" {
		fmt.Fprintln(os.Stderr, "Error: no operator identity (set SWB_OPERATOR)")
		os.Exit(1)
	}

	body, _ := json.Marshal(map[string]string{
		"operator": operator,
		"reason":   reason,
		"target":   target,
	})
	status, resp, err := doRequest("POST", gateway+path, body)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Request failed: %v\n", err)
		os.Exit(1)
	}

	var result map[string]interface{}
	json.Unmarshal(resp, &result)
	if status < 200 || status >= 300 {
		fmt.Fprintf(os.Stderr, "Rejected (%d): %v\n", status, result["error"])
		os.Exit(1)
	}
	return result
}

// ----------------------------------------------------------------
// read-only commands
// ----------------------------------------------------------------

func cmdStatus(gateway string) {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "Usage: swbctl status <request-id>")
		os.Exit(1)
	}
	id := os.Args[2]

	status, resp, err := doRequest("GET", gateway+"/v1/requests/"+id, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Request failed: %v\n", err)
		os.Exit(1)
	}
	if status != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Not found: %s\n", id)
		os.Exit(1)
	}

	var result map[string]interface{}
	json.Unmarshal(resp, &result)
	fmt.Printf("Request:  %s\nState:    %s\nTriage:   %s\nReceived: %s\n",
		result["request_id"], result["lifecycle_state"], result["triage_outcome"], result["received_at"])
}

func cmdAudit(gateway string) {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "Usage: swbctl audit <request-id>")
		os.Exit(1)
	}
	id := os.Args[2]

	status, resp, err := doRequest("GET", gateway+"/ops/requests/"+id+"/audit", nil)
	if err != nil || status != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Request failed (%d): %v\n", status, err)
		os.Exit(1)
	}

	var result struct {
		Entries []map[string]interface{} `json:"entries"`
	}
	json.Unmarshal(resp, &result)
	if len(result.Entries) == 0 {
		fmt.Println("No interventions recorded.")
		return
	}

	fmt.Printf("%-22s %-15s %-10s %s\n", "WHEN", "ACTION", "OUTCOME", "OPERATOR")
	fmt.Println("------------------------------------------------------------")
	for _, e := range result.Entries {
		fmt.Printf("%-22v %-15v %-10v %v\n",
			e["created_at"], e["action"], e["outcome"], e["operator_identity"])
	}
}

// ----------------------------------------------------------------
// helpers
// ----------------------------------------------------------------

func doRequest(method, url string, body []byte) (int, []byte, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequest(method, url, bodyReader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	return resp.StatusCode, data, err
}
