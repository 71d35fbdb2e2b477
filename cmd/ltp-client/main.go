// Command ltp-client opens and drives one Liminal Thread Protocol
// session from the command line: connect and stream its lifecycle
// events to stdout as JSON lines, or inspect the metrics snapshot a
// running (or previously run) connection wrote to disk.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/liminalthread/ltp-client/internal/client"
	"github.com/liminalthread/ltp-client/internal/proto"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" {
		printUsage(stdout)
		return 0
	}
	switch args[0] {
	case "connect":
		return runConnect(args[1:], stdout, stderr)
	case "metrics":
		return runMetrics(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[0])
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: ltp-client <connect|metrics> [args]")
	fmt.Fprintln(w, "  connect --url <addr> [--client-id id] [--intent intent]")
	fmt.Fprintln(w, "          [--secret-key key] [--ecdh] [--metadata-encryption]")
	fmt.Fprintln(w, "          [--insecure] [--storage path] [--metrics-path path]")
	fmt.Fprintln(w, "  metrics --path <metrics.json>")
}

func runConnect(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("connect", flag.ContinueOnError)
	fs.SetOutput(stderr)
	url := fs.String("url", "", "server address (host:port)")
	clientID := fs.String("client-id", "", "persistent client identifier for thread resumption")
	intent := fs.String("intent", "resonant_link", "handshake intent")
	capabilities := fs.String("capabilities", "state-update,events,ping-pong", "comma-separated capability list")
	secretKey := fs.String("secret-key", "", "long-term symmetric secret (fallback MAC key, ECDH signing)")
	ecdh := fs.Bool("ecdh", false, "negotiate an ephemeral ECDH key agreement during handshake")
	metadataEncryption := fs.Bool("metadata-encryption", false, "encrypt envelope routing metadata once a session key is derived")
	insecure := fs.Bool("insecure", false, "skip TLS certificate verification (development only)")
	storage := fs.String("storage", "", "path to the identity store file (default ~/.ltp_client.json)")
	metricsPath := fs.String("metrics-path", "", "path to periodically write a metrics snapshot")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *url == "" {
		fmt.Fprintln(stderr, "missing --url")
		return 1
	}

	opts := []client.Option{
		client.WithIntent(*intent),
		client.WithCapabilities(splitNonEmpty(*capabilities)),
		client.WithECDHKeyExchange(*ecdh),
		client.WithMetadataEncryption(*metadataEncryption),
		client.WithInsecureSkipVerify(*insecure),
	}
	if *clientID != "" {
		opts = append(opts, client.WithClientID(*clientID))
	}
	if *secretKey != "" {
		opts = append(opts, client.WithSecretKey(*secretKey))
	}
	if *storage != "" {
		opts = append(opts, client.WithStoragePath(*storage))
	}

	c := client.New(*url, opts...)
	c.SetObserver(&jsonLineObserver{w: stdout})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := c.Connect(ctx); err != nil {
		fmt.Fprintf(stderr, "connect: %v\n", err)
		return 1
	}
	defer c.Disconnect()

	stopMetrics := make(chan struct{})
	if *metricsPath != "" {
		go writeMetricsPeriodically(c, *metricsPath, stopMetrics)
	}
	defer close(stopMetrics)

	<-ctx.Done()
	fmt.Fprintln(stdout, "shutting down")
	return 0
}

func writeMetricsPeriodically(c *client.Client, path string, stop <-chan struct{}) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			_ = c.Metrics().WriteSnapshot(path)
		}
	}
}

func runMetrics(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("metrics", flag.ContinueOnError)
	fs.SetOutput(stderr)
	path := fs.String("path", "", "path to a metrics snapshot written by connect --metrics-path")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *path == "" {
		fmt.Fprintln(stderr, "missing --path")
		return 1
	}
	data, err := os.ReadFile(*path)
	if err != nil {
		fmt.Fprintf(stderr, "read %s: %v\n", *path, err)
		return 1
	}
	var pretty map[string]any
	if err := json.Unmarshal(data, &pretty); err != nil {
		fmt.Fprintf(stderr, "parse %s: %v\n", *path, err)
		return 1
	}
	out, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		fmt.Fprintf(stderr, "format snapshot: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, string(out))
	return 0
}

func splitNonEmpty(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// jsonLineObserver renders every client.Observer callback as one JSON
// line on w, so a shell pipeline can filter or log session activity
// without linking against the client package.
type jsonLineObserver struct {
	w io.Writer
}

func (o *jsonLineObserver) emit(kind string, fields map[string]any) {
	fields["event"] = kind
	fields["at"] = time.Now().UTC().Format(time.RFC3339Nano)
	line, err := json.Marshal(fields)
	if err != nil {
		return
	}
	fmt.Fprintln(o.w, string(line))
}

func (o *jsonLineObserver) Connected(threadID, sessionID string) {
	o.emit("connected", map[string]any{"thread_id": threadID, "session_id": sessionID})
}

func (o *jsonLineObserver) Disconnected() {
	o.emit("disconnected", map[string]any{})
}

func (o *jsonLineObserver) Error(payload proto.ErrorPayload) {
	o.emit("error", map[string]any{"code": payload.Code, "message": payload.Message})
}

func (o *jsonLineObserver) StateUpdate(payload map[string]any) {
	o.emit("state_update", map[string]any{"payload": payload})
}

func (o *jsonLineObserver) Event(payload map[string]any) {
	o.emit("event", map[string]any{"payload": payload})
}

func (o *jsonLineObserver) Pong() {
	o.emit("pong", map[string]any{})
}

func (o *jsonLineObserver) Message(raw map[string]any) {
	o.emit("message", map[string]any{"type": raw[proto.FieldType]})
}
