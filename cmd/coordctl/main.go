// coordctl is the command-line client for the coordinator: registration,
// heartbeats, dispatch and the query planes over pkg/sdk.
//
// Usage:
//
//	coordctl [-url http://localhost:8420] [-token sk-...] <command> [flags]
//
// Commands: register, deregister, heartbeat, dispatch, registry, health,
// stats, history, metrics, mint-token, revoke-token.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/coordcore/coordinator/pkg/sdk"
)

const (
	exitOK = iota
	exitFailure
	exitUsage
	exitConfig
	exitUpstream
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	_ = godotenv.Load()

	global := flag.NewFlagSet("coordctl", flag.ContinueOnError)
	urlFlag := global.String("url", envOr("COORD_URL", "http://localhost:8420"), "coordinator base URL")
	token := global.String("token", os.Getenv("COORD_TOKEN"), "bearer token")
	timeout := global.Duration("timeout", 30*time.Second, "request timeout")
	if err := global.Parse(args); err != nil {
		return exitUsage
	}
	if global.NArg() < 1 {
		usage()
		return exitUsage
	}

	client := sdk.New(sdk.Config{BaseURL: *urlFlag, Token: *token, Timeout: *timeout})
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	cmd, rest := global.Arg(0), global.Args()[1:]
	out, err := dispatch(ctx, client, cmd, rest)
	if err != nil {
		return fail(err)
	}
	if out != nil {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(out)
	}
	return exitOK
}

func dispatch(ctx context.Context, client *sdk.Client, cmd string, args []string) (interface{}, error) {
	switch cmd {
	case "register":
		fs := flag.NewFlagSet("register", flag.ContinueOnError)
		kind := fs.String("kind", "", "mcp kind (required)")
		endpoint := fs.String("endpoint", "", "dispatch endpoint URL (required)")
		caps := fs.String("capabilities", "", "comma-separated capability tags (required)")
		workflows := fs.String("workflows", "", "comma-separated workflow tags (required)")
		tier := fs.String("tier", "medium", "priority tier: high, medium, fallback")
		version := fs.String("version", "", "declared version")
		maxConc := fs.Int("max-concurrent", 0, "max concurrent dispatches")
		if err := fs.Parse(args); err != nil {
			return nil, errUsage
		}
		if *kind == "" || *endpoint == "" || *caps == "" || *workflows == "" {
			fs.Usage()
			return nil, errUsage
		}
		return client.Register(ctx, &sdk.RegistrationRequest{
			Kind:          *kind,
			Endpoint:      *endpoint,
			Capabilities:  splitTags(*caps),
			Workflows:     splitTags(*workflows),
			Tier:          *tier,
			Version:       *version,
			MaxConcurrent: *maxConc,
		})

	case "deregister":
		id, err := oneArg(args, "mcp_id")
		if err != nil {
			return nil, err
		}
		return nil, client.Deregister(ctx, id)

	case "heartbeat":
		fs := flag.NewFlagSet("heartbeat", flag.ContinueOnError)
		id := fs.String("mcp", "", "mcp_id (required)")
		load := fs.Float64("load", 0, "self-reported load 0..1")
		inflight := fs.Int("inflight", 0, "in-flight request count")
		degraded := fs.Bool("degraded", false, "self-declare degraded")
		if err := fs.Parse(args); err != nil {
			return nil, errUsage
		}
		if *id == "" {
			fs.Usage()
			return nil, errUsage
		}
		return nil, client.Heartbeat(ctx, *id, sdk.HeartbeatMetrics{
			Load: *load, Inflight: *inflight, Degraded: *degraded,
		})

	case "dispatch":
		fs := flag.NewFlagSet("dispatch", flag.ContinueOnError)
		workflow := fs.String("workflow", "", "workflow tag (required)")
		caps := fs.String("capabilities", "", "comma-separated capability tags")
		payload := fs.String("payload", "{}", "JSON payload")
		deadline := fs.Int64("deadline-ms", 5000, "request deadline in milliseconds")
		if err := fs.Parse(args); err != nil {
			return nil, errUsage
		}
		if *workflow == "" {
			fs.Usage()
			return nil, errUsage
		}
		return client.Dispatch(ctx, &sdk.DispatchRequest{
			Workflow:     *workflow,
			Capabilities: splitTags(*caps),
			Payload:      json.RawMessage(*payload),
			DeadlineMS:   *deadline,
		})

	case "registry":
		fs := flag.NewFlagSet("registry", flag.ContinueOnError)
		kind := fs.String("kind", "", "filter by kind")
		status := fs.String("status", "", "filter by status")
		workflow := fs.String("workflow", "", "filter by workflow tag")
		if err := fs.Parse(args); err != nil {
			return nil, errUsage
		}
		return client.Registry(ctx, *kind, *status, *workflow)

	case "health":
		return client.Health(ctx)

	case "stats":
		return client.Stats(ctx)

	case "history":
		fs := flag.NewFlagSet("history", flag.ContinueOnError)
		mcpID := fs.String("mcp", "", "filter by mcp_id")
		clientID := fs.String("client", "", "filter by client_id")
		limit := fs.Int("limit", 50, "max records")
		offset := fs.Int("offset", 0, "records to skip")
		if err := fs.Parse(args); err != nil {
			return nil, errUsage
		}
		return client.History(ctx, *mcpID, *clientID, *limit, *offset)

	case "metrics":
		fs := flag.NewFlagSet("metrics", flag.ContinueOnError)
		mcpID := fs.String("mcp", "", "filter by mcp_id")
		window := fs.String("window", "24h", "window: 1h, 24h, 7d, 30d")
		if err := fs.Parse(args); err != nil {
			return nil, errUsage
		}
		return client.Metrics(ctx, *mcpID, *window)

	case "mint-token":
		fs := flag.NewFlagSet("mint-token", flag.ContinueOnError)
		ttl := fs.Duration("ttl", time.Hour, "token lifetime")
		if err := fs.Parse(args); err != nil {
			return nil, errUsage
		}
		token, err := client.MintToken(ctx, *ttl)
		if err != nil {
			return nil, err
		}
		return map[string]string{"token": token}, nil

	case "revoke-token":
		token, err := oneArg(args, "token")
		if err != nil {
			return nil, err
		}
		return nil, client.RevokeToken(ctx, token)

	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
		usage()
		return nil, errUsage
	}
}

var errUsage = errors.New("usage")

func fail(err error) int {
	if errors.Is(err, errUsage) {
		return exitUsage
	}
	var apiErr *sdk.APIError
	if errors.As(err, &apiErr) {
		fmt.Fprintln(os.Stderr, apiErr.Error())
		if trail := apiErr.Trail(); len(trail) > 0 {
			for _, a := range trail {
				fmt.Fprintf(os.Stderr, "  attempted %s: %s\n", a.MCPID, a.ErrorKind)
			}
		}
		return exitFailure
	}
	fmt.Fprintln(os.Stderr, err)
	// Anything that never reached the coordinator is an upstream failure.
	return exitUpstream
}

func oneArg(args []string, name string) (string, error) {
	if len(args) != 1 || args[0] == "" {
		fmt.Fprintf(os.Stderr, "expected exactly one argument: <%s>\n", name)
		return "", errUsage
	}
	return args[0], nil
}

func splitTags(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: coordctl [-url URL] [-token TOKEN] <command> [flags]

commands:
  register      -kind K -endpoint URL -capabilities a,b -workflows x,y [-tier T] [-version V]
  deregister    <mcp_id>
  heartbeat     -mcp ID [-load F] [-inflight N] [-degraded]
  dispatch      -workflow W [-capabilities a,b] [-payload JSON] [-deadline-ms N]
  registry      [-kind K] [-status S] [-workflow W]
  health
  stats
  history       [-mcp ID] [-client ID] [-limit N] [-offset N]
  metrics       [-mcp ID] [-window 1h|24h|7d|30d]
  mint-token    [-ttl 1h]
  revoke-token  <token>`)
}
