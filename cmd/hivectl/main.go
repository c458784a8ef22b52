package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/hiveops/hive/internal/auth"
	"github.com/hiveops/hive/internal/secrets"
)

var version = "dev"

// loadEnvFile reads ~/.hive/env (written by make start) and sets any
// key=value pairs not already present in the process environment. This lets
// hivectl work out of the box without shell profile configuration.
func loadEnvFile() {
	home, err := os.UserHomeDir()
	if err != nil {
		return
	}
	data, err := os.ReadFile(home + "/.hive/env")
	if err != nil {
		return
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		if os.Getenv(strings.TrimSpace(k)) == "" {
			_ = os.Setenv(strings.TrimSpace(k), strings.TrimSpace(v))
		}
	}
}

func main() {
	loadEnvFile()
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "version", "--version", "-v":
		fmt.Printf("hivectl %s\n", version)
	case "status":
		doStatus()
	case "policy", "policies":
		doPolicy(args)
	case "validate":
		doValidate(args)
	case "events":
		doEvents(args)
	case "ingest":
		doIngest(args)
	case "metrics":
		doMetrics()
	case "usage":
		doUsage(args)
	case "rates":
		doRates(args)
	case "logs":
		doLogs(args)
	case "insights":
		doInsights(args)
	case "agents":
		doAgents()
	case "agent-status":
		doAgentStatus()
	case "watch":
		doWatch()
	case "workflows":
		doWorkflows(args)
	case "token":
		doToken(args)
	case "seal":
		doSeal(args)
	case "help", "--help", "-h":
		usageTo(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	usageTo(os.Stderr)
}

func usageTo(w io.Writer) {
	_, _ = fmt.Fprintf(w, `hivectl — CLI for the hive control plane

Usage: hivectl <command> [arguments]

Environment:
  HIVE_URL      Base URL (default: http://localhost:4000)
  HIVE_TOKEN    Bearer token for control endpoints

  ~/.hive/env   Auto-sourced on startup; written by make start.
                Explicit environment variables take precedence.

Commands:
  status                          Show server status and backend health

  policy                          Show the team's active policy
  policy list                     List policy documents
  policy create <json>            Create a policy
  policy set <id> <json>          Update a policy's mutable fields
  policy delete <id>              Delete a policy
  policy add <id> <kind> <json>   Append a rule (budgets, throttles,
                                  blocks, degradations, alerts)
  policy clear <id>               Remove every rule from a policy

  validate <json>                 Dry-run a budget check
  events [--limit N] [--trace T]  List recent events
  ingest <json>                   Send one event (smoke test)

  metrics                         Analytics snapshot
  usage [--days N]                Usage breakdown by model and agent
  rates [--days N]                Error and token rates
  logs [--limit N]                Request log view
  insights [--days N]             Cost-saving insights

  agents                          Fleet view (history plus live sessions)
  agent-status                    Live connection snapshot
  watch                           Stream agent-status frames

  workflows [list]                Maintenance workflow runs
  workflows show <id>             Describe one workflow
  workflows history <id>          Event history of one workflow

  token <team> [user]             Mint a JWT (needs JWT_SECRET)
  seal <value>                    Seal a config secret (needs HIVE_SECRETS_KEY)

  version                         Show version
  help                            Show this help

Examples:
  hivectl status
  hivectl policy add default budgets '{"name":"Monthly cap","type":"global","limit":250,"limitAction":"kill"}'
  hivectl validate '{"agent":"billing-bot","estimated_cost":0.25}'
  hivectl events --limit 20
  hivectl token team-a alice
`)
}

// --- HTTP helpers ---

func baseURL() string {
	if u := os.Getenv("HIVE_URL"); u != "" {
		return strings.TrimRight(u, "/")
	}
	return "http://localhost:4000"
}

func bearerToken() string {
	return os.Getenv("HIVE_TOKEN")
}

func doRequest(method, path string, body io.Reader) (*http.Response, error) {
	url := baseURL() + path
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok := bearerToken(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	return http.DefaultClient.Do(req)
}

func doGet(path string) map[string]any {
	resp, err := doRequest("GET", path, nil)
	fatal(err)
	defer func() { _ = resp.Body.Close() }()
	return readJSON(resp)
}

func doPost(path, bodyJSON string) map[string]any {
	resp, err := doRequest("POST", path, strings.NewReader(bodyJSON))
	fatal(err)
	defer func() { _ = resp.Body.Close() }()
	return readJSON(resp)
}

func doPut(path, bodyJSON string) map[string]any {
	resp, err := doRequest("PUT", path, strings.NewReader(bodyJSON))
	fatal(err)
	defer func() { _ = resp.Body.Close() }()
	return readJSON(resp)
}

func doDelete(path string) map[string]any {
	resp, err := doRequest("DELETE", path, nil)
	fatal(err)
	defer func() { _ = resp.Body.Close() }()
	return readJSON(resp)
}

func readJSON(resp *http.Response) map[string]any {
	data, err := io.ReadAll(resp.Body)
	fatal(err)
	if resp.StatusCode >= 400 {
		fmt.Fprintf(os.Stderr, "HTTP %d: %s\n", resp.StatusCode, string(data))
		os.Exit(1)
	}
	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		// Might be an array; wrap it.
		var arr []any
		if err2 := json.Unmarshal(data, &arr); err2 == nil {
			return map[string]any{"items": arr}
		}
		fmt.Println(string(data))
		os.Exit(0)
	}
	return result
}

func prettyJSON(v any) string {
	b, _ := json.MarshalIndent(v, "", "  ")
	return string(b)
}

func fatal(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func requireArgs(args []string, min int, usage string) {
	if len(args) < min {
		fmt.Fprintf(os.Stderr, "usage: hivectl %s\n", usage)
		os.Exit(1)
	}
}

func parseFlag(args []string, flag string, def int) int {
	for i, a := range args {
		if a == flag && i+1 < len(args) {
			n, _ := strconv.Atoi(args[i+1])
			if n > 0 {
				return n
			}
		}
	}
	return def
}

func parseStringFlag(args []string, flag string) string {
	for i, a := range args {
		if a == flag && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

// --- Commands ---

func doStatus() {
	resp, err := doRequest("GET", "/healthz", nil)
	fatal(err)
	defer func() { _ = resp.Body.Close() }()
	data, _ := io.ReadAll(resp.Body)
	var h map[string]any
	_ = json.Unmarshal(data, &h)

	status := "unknown"
	if s, ok := h["status"].(string); ok {
		status = s
	}
	fmt.Printf("Server:  %s\n", baseURL())
	fmt.Printf("Status:  %s\n", status)

	backends, _ := h["backends"].([]any)
	if len(backends) == 0 {
		return
	}
	fmt.Println()
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "BACKEND\tHEALTHY\tLATENCY\tCHECKED\tERROR")
	for _, b := range backends {
		m, ok := b.(map[string]any)
		if !ok {
			continue
		}
		name, _ := m["name"].(string)
		healthy := "no"
		if m["healthy"] == true {
			healthy = "yes"
		}
		lat := fmtDuration(m["latency_ms"])
		checked := fmtTime(m["checked_at"])
		errMsg, _ := m["error"].(string)
		if len(errMsg) > 60 {
			errMsg = errMsg[:57] + "..."
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", name, healthy, lat, checked, errMsg)
	}
	_ = tw.Flush()
}

func doPolicy(args []string) {
	if len(args) == 0 || args[0] == "get" {
		fmt.Println(prettyJSON(doGet("/v1/control/policy")))
		return
	}
	switch args[0] {
	case "list":
		data := doGet("/v1/control/policies")
		policies, _ := data["policies"].([]any)
		if len(policies) == 0 {
			fmt.Println("No policies.")
			return
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "ID\tNAME\tVERSION\tBUDGETS\tTHROTTLES\tUPDATED")
		for _, p := range policies {
			m, ok := p.(map[string]any)
			if !ok {
				continue
			}
			id, _ := m["id"].(string)
			name, _ := m["name"].(string)
			ver, _ := m["version"].(string)
			budgets, _ := m["budgets"].([]any)
			throttles, _ := m["throttles"].([]any)
			updated := fmtTime(m["updated_at"])
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\n", id, name, ver, len(budgets), len(throttles), updated)
		}
		_ = tw.Flush()
	case "create":
		requireArgs(args, 2, "policy create <json>")
		result := doPost("/v1/control/policies", args[1])
		fmt.Printf("Policy %s created (version %s).\n", result["id"], result["version"])
	case "set":
		requireArgs(args, 3, "policy set <id> <json>")
		result := doPut("/v1/control/policies/"+args[1], args[2])
		fmt.Printf("Policy %s updated (version %s).\n", result["id"], result["version"])
	case "delete":
		requireArgs(args, 2, "policy delete <id>")
		result := doDelete("/v1/control/policies/" + args[1])
		if result["ok"] == true {
			fmt.Println("Policy deleted.")
		}
	case "add":
		requireArgs(args, 4, "policy add <id> <kind> <json>")
		result := doPost("/v1/control/policies/"+args[1]+"/"+args[2], args[3])
		fmt.Printf("Rule appended (policy version %s).\n", result["version"])
	case "clear":
		requireArgs(args, 2, "policy clear <id>")
		result := doDelete("/v1/control/policies/" + args[1] + "/rules")
		fmt.Printf("Rules cleared (policy version %s).\n", result["version"])
	default:
		fmt.Fprintf(os.Stderr, "unknown policy command: %s\n", args[0])
		os.Exit(1)
	}
}

func doValidate(args []string) {
	requireArgs(args, 1, "validate <json>")
	result := doPost("/v1/control/budget/validate", args[0])
	allowed, _ := result["allowed"].(bool)
	action, _ := result["action"].(string)
	reason, _ := result["reason"].(string)

	verdict := "DENY"
	if allowed {
		verdict = "ALLOW"
	}
	fmt.Printf("Decision:  %s (%s)\n", verdict, action)
	if reason != "" {
		fmt.Printf("Reason:    %s\n", reason)
	}
	fmt.Printf("Spend:     $%.4f of $%.2f (%.1f%%)\n",
		num(result["authoritative_spend"]), num(result["budget_limit"]), num(result["usage_percent"]))
	if m, _ := result["degrade_to_model"].(string); m != "" {
		fmt.Printf("Degrade:   %s\n", m)
	}
}

func doEvents(args []string) {
	limit := parseFlag(args, "--limit", 50)
	path := fmt.Sprintf("/v1/control/events?limit=%d", limit)
	if trace := parseStringFlag(args, "--trace"); trace != "" {
		path += "&trace_id=" + trace
	}
	data := doGet(path)
	events, _ := data["events"].([]any)
	if len(events) == 0 {
		fmt.Println("No events.")
		return
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "TIME\tTRACE\tSEQ\tMODEL\tAGENT\tLATENCY\tCOST")
	for _, e := range events {
		m, ok := e.(map[string]any)
		if !ok {
			continue
		}
		ts := fmtTime(m["timestamp"])
		trace, _ := m["trace_id"].(string)
		if len(trace) > 12 {
			trace = trace[:12]
		}
		seq := fmtNum(m["call_sequence"])
		model, _ := m["model"].(string)
		agent, _ := m["agent"].(string)
		lat := fmtDuration(m["latency_ms"])
		cost := fmtCost(m["cost_total"])
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", ts, trace, seq, model, agent, lat, cost)
	}
	_ = tw.Flush()
}

func doIngest(args []string) {
	requireArgs(args, 1, "ingest <json>")
	body := args[0]
	// A bare event object gets wrapped into the batch envelope.
	if !strings.Contains(body, `"events"`) {
		body = `{"events":[` + body + `]}`
	}
	result := doPost("/v1/control/events", body)
	fmt.Printf("Processed: %s\n", fmtNum(result["processed"]))
	if rejected, ok := result["rejected"].([]any); ok && len(rejected) > 0 {
		fmt.Printf("Rejected:  %d\n", len(rejected))
		fmt.Println(prettyJSON(rejected))
	}
}

func doMetrics() {
	fmt.Println(prettyJSON(doGet("/v1/control/metrics")))
}

func doUsage(args []string) {
	days := parseFlag(args, "--days", 30)
	fmt.Println(prettyJSON(doGet(fmt.Sprintf("/v1/control/metrics/usage?days=%d", days))))
}

func doRates(args []string) {
	days := parseFlag(args, "--days", 30)
	fmt.Println(prettyJSON(doGet(fmt.Sprintf("/v1/control/metrics/rates?days=%d", days))))
}

func doLogs(args []string) {
	limit := parseFlag(args, "--limit", 50)
	fmt.Println(prettyJSON(doGet(fmt.Sprintf("/v1/control/logs?limit=%d", limit))))
}

func doInsights(args []string) {
	days := parseFlag(args, "--days", 30)
	fmt.Println(prettyJSON(doGet(fmt.Sprintf("/v1/control/insights?days=%d", days))))
}

func doAgents() {
	data := doGet("/v1/control/agents")
	agents, _ := data["agents"].([]any)
	if len(agents) == 0 {
		fmt.Println("No agents.")
		return
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "AGENT\tSTATUS\tREQUESTS\tCOST\tLAST SEEN")
	for _, a := range agents {
		m, ok := a.(map[string]any)
		if !ok {
			continue
		}
		name, _ := m["agent"].(string)
		status, _ := m["status"].(string)
		reqs := fmtNum(m["total_requests"])
		cost := fmtCost(m["total_cost"])
		seen := fmtTime(m["last_seen"])
		if seen == "-" {
			seen = fmtTime(m["last_heartbeat"])
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", name, status, reqs, cost, seen)
	}
	_ = tw.Flush()
}

func doAgentStatus() {
	data := doGet("/v1/control/agent-status")
	active := "no"
	if data["active"] == true {
		active = "yes"
	}
	fmt.Printf("Active:        %s\n", active)
	fmt.Printf("Connected:     %s\n", fmtNum(data["count"]))
	fmt.Printf("Events/min:    %s\n", fmtNum(data["events_per_minute"]))
	instances, _ := data["instances"].([]any)
	if len(instances) == 0 {
		return
	}
	fmt.Println()
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "INSTANCE\tAGENT\tSTATUS\tHEALTHY\tLAST HEARTBEAT")
	for _, in := range instances {
		m, ok := in.(map[string]any)
		if !ok {
			continue
		}
		id, _ := m["instance_id"].(string)
		agent, _ := m["agent_name"].(string)
		status, _ := m["status"].(string)
		healthy := "no"
		if m["healthy"] == true {
			healthy = "yes"
		}
		hb := fmtTime(m["last_heartbeat"])
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", id, agent, status, healthy, hb)
	}
	_ = tw.Flush()
}

func doWatch() {
	req, err := http.NewRequest("GET", baseURL()+"/v1/control/agent-status/stream", nil)
	fatal(err)
	if tok := bearerToken(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	// The default client's timeout would cut the stream off; use a bare one.
	resp, err := (&http.Client{}).Do(req)
	fatal(err)
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		fmt.Fprintf(os.Stderr, "HTTP %d: %s\n", resp.StatusCode, string(data))
		os.Exit(1)
	}

	fmt.Println("Streaming agent status (Ctrl-C to stop)...")
	buf := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			for _, line := range strings.Split(string(buf[:n]), "\n") {
				line = strings.TrimSpace(line)
				if !strings.HasPrefix(line, "data:") {
					continue
				}
				payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
				var frame map[string]any
				if json.Unmarshal([]byte(payload), &frame) != nil {
					continue
				}
				ts := time.Now().Format("15:04:05")
				fmt.Printf("[%s] active=%v connected=%s events/min=%s\n",
					ts, frame["active"], fmtNum(frame["count"]), fmtNum(frame["events_per_minute"]))
			}
		}
		if err != nil {
			if err == io.EOF {
				fmt.Println("Stream closed.")
			}
			break
		}
	}
}

func doWorkflows(args []string) {
	if len(args) == 0 || args[0] == "list" {
		data := doGet("/v1/control/workflows")
		if data["temporal_enabled"] == false {
			fmt.Println("Workflow engine not enabled (HIVE_TEMPORAL_ENABLED=false).")
			return
		}
		workflows, _ := data["workflows"].([]any)
		if len(workflows) == 0 {
			fmt.Println("No workflow runs.")
			return
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "WORKFLOW\tTYPE\tSTATUS\tSTARTED\tDURATION")
		for _, wf := range workflows {
			m, ok := wf.(map[string]any)
			if !ok {
				continue
			}
			id, _ := m["workflow_id"].(string)
			typ, _ := m["type"].(string)
			status, _ := m["status"].(string)
			started := fmtTime(m["start_time"])
			dur := fmtDuration(m["duration_ms"])
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", id, typ, status, started, dur)
		}
		_ = tw.Flush()
		return
	}
	switch args[0] {
	case "show":
		requireArgs(args, 2, "workflows show <id>")
		fmt.Println(prettyJSON(doGet("/v1/control/workflows/" + args[1])))
	case "history":
		requireArgs(args, 2, "workflows history <id>")
		data := doGet("/v1/control/workflows/" + args[1] + "/history")
		events, _ := data["events"].([]any)
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "ID\tTYPE\tTIME")
		for _, e := range events {
			m, ok := e.(map[string]any)
			if !ok {
				continue
			}
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\n", fmtNum(m["event_id"]), m["event_type"], fmtTime(m["timestamp"]))
		}
		_ = tw.Flush()
	default:
		fmt.Fprintf(os.Stderr, "unknown workflows command: %s\n", args[0])
		os.Exit(1)
	}
}

// doToken mints a bearer token locally with the shared JWT secret, the same
// way the server validates them. Handy for development and smoke tests.
func doToken(args []string) {
	requireArgs(args, 1, "token <team> [user]")
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		fmt.Fprintln(os.Stderr, "JWT_SECRET not set — export the server's secret to mint tokens")
		os.Exit(1)
	}
	user := "cli"
	if len(args) > 1 {
		user = args[1]
	}
	tok, err := auth.NewVerifier(secret).Sign(auth.Identity{UserID: user, TeamID: args[0]}, 24*time.Hour)
	fatal(err)
	fmt.Println(tok)
}

// doSeal encrypts a config value for storage in plain env files. The server
// unseals it at boot with the same HIVE_SECRETS_KEY.
func doSeal(args []string) {
	requireArgs(args, 1, "seal <value>")
	key := os.Getenv("HIVE_SECRETS_KEY")
	if key == "" {
		fmt.Fprintln(os.Stderr, "HIVE_SECRETS_KEY not set")
		os.Exit(1)
	}
	box, err := secrets.NewBox(key)
	fatal(err)
	sealed, err := box.Seal(args[0])
	fatal(err)
	fmt.Println(sealed)
}

// --- Formatting helpers ---

func num(v any) float64 {
	f, _ := v.(float64)
	return f
}

func fmtNum(v any) string {
	if v == nil {
		return "-"
	}
	switch n := v.(type) {
	case float64:
		if n == float64(int(n)) {
			return strconv.Itoa(int(n))
		}
		return strconv.FormatFloat(n, 'f', 2, 64)
	case int:
		return strconv.Itoa(n)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func fmtCost(v any) string {
	if v == nil {
		return "-"
	}
	if f, ok := v.(float64); ok {
		if f == 0 {
			return "free"
		}
		return fmt.Sprintf("$%.4f", f)
	}
	return fmt.Sprintf("%v", v)
}

func fmtDuration(v any) string {
	if v == nil {
		return "-"
	}
	if f, ok := v.(float64); ok {
		if f < 1000 {
			return fmt.Sprintf("%.0fms", f)
		}
		return fmt.Sprintf("%.1fs", f/1000)
	}
	return fmt.Sprintf("%v", v)
}

func fmtTime(v any) string {
	if v == nil {
		return "-"
	}
	if s, ok := v.(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t.Local().Format("2006-01-02 15:04:05")
		}
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t.Local().Format("2006-01-02 15:04:05")
		}
		return s
	}
	return fmt.Sprintf("%v", v)
}

func init() {
	http.DefaultTransport.(*http.Transport).DisableKeepAlives = true
	http.DefaultClient.Timeout = 30 * time.Second
}
