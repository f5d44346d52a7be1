package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/msgvault/msgvault/internal/profile"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output raw JSON")
	flag.Parse()

	profileName := profile.Resolve(*profileFlag)
	if err := profile.ValidateName(profileName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	c := newAdminClient(profile.SocketPath(profileName))

	switch args[0] {
	case "status":
		cmdGet(c, "/healthz", *jsonFlag)
	case "stats":
		cmdGet(c, "/stats", *jsonFlag)
	case "sync":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: msgvaultctl sync <conversation-id> [--full]")
			os.Exit(1)
		}
		q := url.Values{}
		q.Set("conversation_id", args[1])
		if len(args) > 2 && args[2] == "--full" {
			q.Set("full", "true")
		}
		cmdPost(c, "/sync?"+q.Encode(), *jsonFlag)
	case "clear":
		cmdPost(c, "/clear", *jsonFlag)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: msgvaultctl [--profile <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status             Show daemon connectivity state")
	fmt.Fprintln(os.Stderr, "  stats              Show cache statistics")
	fmt.Fprintln(os.Stderr, "  sync <id> [--full] Sync one conversation now")
	fmt.Fprintln(os.Stderr, "  clear              Wipe the cache (logout)")
}

// adminClient talks HTTP over the daemon's Unix domain socket.
type adminClient struct {
	http *http.Client
}

func newAdminClient(socketPath string) *adminClient {
	return &adminClient{
		http: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
			Timeout: 60 * time.Second,
		},
	}
}

func cmdGet(c *adminClient, path string, jsonOut bool) {
	do(c, http.MethodGet, path, jsonOut)
}

func cmdPost(c *adminClient, path string, jsonOut bool) {
	do(c, http.MethodPost, path, jsonOut)
}

func do(c *adminClient, method, path string, jsonOut bool) {
	req, err := http.NewRequest(method, "http://daemon"+path, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot reach daemon: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "error: daemon returned %s: %s\n", resp.Status, body)
		os.Exit(1)
	}

	if jsonOut {
		fmt.Println(string(body))
		return
	}
	var pretty map[string]any
	if err := json.Unmarshal(body, &pretty); err != nil {
		fmt.Println(string(body))
		return
	}
	out, _ := json.MarshalIndent(pretty, "", "  ")
	fmt.Println(string(out))
}
