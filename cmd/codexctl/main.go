package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rexliu/codexbridge/pkg/bridge"
	"github.com/rexliu/codexbridge/pkg/config"
	"github.com/rexliu/codexbridge/pkg/ipc"
)

const version = "0.1.0"

type command struct {
	name string
	help string
	run  func(args []string) error
}

var commands = []command{
	{"init", "Initialize a local profile (writes config.toml)", nil},
	{"ping", "Call the daemon ping endpoint via IPC", pingCommand},
	{"status", "Show app-server state", simpleCommand("server_status")},
	{"start", "Start the app-server", simpleCommand("start_server")},
	{"stop", "Stop the app-server", simpleCommand("stop_server")},
	{"restart", "Restart the app-server (rate limited)", simpleCommand("restart_server")},
	{"call", "Send a request to the app-server and print the result", callCommand},
	{"notify", "Send a notification to the app-server", notifyCommand},
	{"approve", "Answer an approval request with a decision", approveCommand},
	{"reject", "Answer a server request with an error", rejectCommand},
	{"approvals", "List journaled server requests", approvalsCommand},
	{"watch", "Stream app-server events from the daemon", watchCommand},
	{"diag", "Print profile configuration paths", diagCommand},
	{"version", "Print CLI version", nil},
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	name := os.Args[1]
	switch name {
	case "init":
		initProfile(os.Args[2:])
		return
	case "version":
		fmt.Printf("codexctl %s\n", version)
		return
	}
	for _, cmd := range commands {
		if cmd.name == name && cmd.run != nil {
			if err := cmd.run(os.Args[2:]); err != nil {
				fmt.Fprintf(os.Stderr, "%s error: %v\n", name, err)
				os.Exit(1)
			}
			return
		}
	}
	fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", name)
	usage()
	os.Exit(1)
}

func usage() {
	fmt.Println("Usage: codexctl <command> [options]")
	fmt.Println("Commands:")
	for _, cmd := range commands {
		fmt.Printf("  %-10s %s\n", cmd.name, cmd.help)
	}
}

// connFlags are shared by every command that talks to the daemon.
type connFlags struct {
	profile *string
	socket  *string
	timeout *time.Duration
}

func newFlagSet(name string) (*flag.FlagSet, connFlags) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	return fs, connFlags{
		profile: fs.String("profile", "./_dev_profile", "Profile directory"),
		socket:  fs.String("socket", "", "Override socket path"),
		timeout: fs.Duration("timeout", 60*time.Second, "Request timeout"),
	}
}

func initProfile(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	profilePath := fs.String("profile", "./_dev_profile", "Profile directory")
	name := fs.String("name", "dev", "Profile name")
	binary := fs.String("binary", "", "Explicit app-server executable path")
	force := fs.Bool("force", false, "Overwrite existing config if present")
	_ = fs.Parse(args)
	if err := os.MkdirAll(*profilePath, 0o700); err != nil {
		fmt.Fprintf(os.Stderr, "init error: %v\n", err)
		os.Exit(1)
	}
	configPath := filepath.Join(*profilePath, config.FileName)
	if _, err := os.Stat(configPath); err == nil && !*force {
		fmt.Fprintf(os.Stderr, "config already exists at %s (use --force to overwrite)\n", configPath)
		os.Exit(1)
	}
	cfg := config.DefaultProfile(*name)
	cfg.AppServer.BinaryPath = *binary
	if err := config.Save(configPath, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "init error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("initialized profile %s at %s\n", cfg.ProfileName, *profilePath)
}

func pingCommand(args []string) error {
	fs, cf := newFlagSet("ping")
	_ = fs.Parse(args)

	resp, err := rpcCall(cf, "ping", nil)
	if err != nil {
		return err
	}
	var data struct {
		Now int64 `json:"now"`
	}
	if err := json.Unmarshal(resp.Result, &data); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	fmt.Printf("daemon responded: now=%d\n", data.Now)
	return nil
}

func simpleCommand(method string) func([]string) error {
	return func(args []string) error {
		fs, cf := newFlagSet(method)
		_ = fs.Parse(args)
		resp, err := rpcCall(cf, method, nil)
		if err != nil {
			return err
		}
		return printJSON(resp.Result)
	}
}

func callCommand(args []string) error {
	fs, cf := newFlagSet("call")
	method := fs.String("method", "", "App-server method or alias (e.g. thread/list, startThread)")
	params := fs.String("params", "", "Inline JSON params (defaults to stdin when --stdin is set)")
	fromStdin := fs.Bool("stdin", false, "Read params from stdin")
	callTimeout := fs.Duration("call-timeout", 0, "App-server call timeout (0 uses the daemon default)")
	_ = fs.Parse(args)
	if *method == "" {
		return errors.New("--method is required")
	}
	raw, err := readParams(*params, *fromStdin)
	if err != nil {
		return err
	}
	resp, err := rpcCall(cf, "call", map[string]any{
		"method":    *method,
		"params":    raw,
		"timeoutMs": callTimeout.Milliseconds(),
	})
	if err != nil {
		return err
	}
	return printJSON(resp.Result)
}

func notifyCommand(args []string) error {
	fs, cf := newFlagSet("notify")
	method := fs.String("method", "", "App-server notification method")
	params := fs.String("params", "", "Inline JSON params")
	_ = fs.Parse(args)
	if *method == "" {
		return errors.New("--method is required")
	}
	raw, err := readParams(*params, false)
	if err != nil {
		return err
	}
	_, err = rpcCall(cf, "notify", map[string]any{"method": *method, "params": raw})
	return err
}

func approveCommand(args []string) error {
	fs, cf := newFlagSet("approve")
	requestID := fs.Uint64("id", 0, "Server request id")
	decision := fs.String("decision", "accept", "accept|acceptForSession|acceptWithExecpolicyAmendment|decline|cancel")
	command := fs.String("allow-command", "", "Command prefix for acceptWithExecpolicyAmendment (space separated)")
	_ = fs.Parse(args)
	if *requestID == 0 {
		return errors.New("--id is required")
	}
	payload := map[string]any{"requestId": *requestID, "decision": *decision}
	if *command != "" {
		payload["execpolicyAmendment"] = map[string]any{"command": strings.Fields(*command)}
	}
	resp, err := rpcCall(cf, "respond_approval", payload)
	if err != nil {
		return err
	}
	return printJSON(resp.Result)
}

func rejectCommand(args []string) error {
	fs, cf := newFlagSet("reject")
	requestID := fs.Uint64("id", 0, "Server request id")
	code := fs.Int("code", -32601, "JSON-RPC error code")
	message := fs.String("message", "unsupported request", "Error message")
	_ = fs.Parse(args)
	if *requestID == 0 {
		return errors.New("--id is required")
	}
	_, err := rpcCall(cf, "respond_error", map[string]any{"requestId": *requestID, "code": *code, "message": *message})
	return err
}

func approvalsCommand(args []string) error {
	fs, cf := newFlagSet("approvals")
	all := fs.Bool("all", false, "Include answered and expired entries")
	limit := fs.Int("limit", 50, "Maximum entries with --all")
	_ = fs.Parse(args)
	resp, err := rpcCall(cf, "list_approvals", map[string]any{"all": *all, "limit": *limit})
	if err != nil {
		return err
	}
	return printJSON(resp.Result)
}

func watchCommand(args []string) error {
	fs, cf := newFlagSet("watch")
	only := fs.String("event", "", "Only print events with this name")
	_ = fs.Parse(args)

	socketPath, err := resolveSocketPath(*cf.profile, *cf.socket)
	if err != nil {
		return err
	}
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	client, err := ipc.Dial(ctx, socketPath)
	if err != nil {
		return err
	}
	defer client.Close()

	frames, err := client.Subscribe("subscribe_events", nil)
	if err != nil {
		return err
	}
	fmt.Println("Subscribed to app-server events (Ctrl+C to exit)")
	for {
		select {
		case <-ctx.Done():
			return nil
		case frame, ok := <-frames:
			if !ok {
				return errors.New("daemon closed the stream")
			}
			if *only != "" {
				var ev bridge.Event
				if err := json.Unmarshal(frame, &ev); err != nil || ev.Name != *only {
					continue
				}
			}
			fmt.Println(string(frame))
		}
	}
}

func diagCommand(args []string) error {
	fs := flag.NewFlagSet("diag", flag.ExitOnError)
	profile := fs.String("profile", "./_dev_profile", "Profile directory")
	_ = fs.Parse(args)
	cfg, err := config.LoadProfile(*profile)
	if err != nil {
		return err
	}
	fmt.Printf("Profile: %s\n", cfg.ProfileName)
	fmt.Printf("Config: %s\n", filepath.Join(*profile, config.FileName))
	fmt.Printf("DB Path: %s\n", config.ResolvePath(*profile, cfg.Storage.DBPath))
	fmt.Printf("Socket: %s\n", config.ResolvePath(*profile, cfg.IPC.SocketPath))
	if cfg.Logging.FilePath != "" {
		fmt.Printf("Log File: %s\n", config.ResolvePath(*profile, cfg.Logging.FilePath))
	}
	as := cfg.AppServer
	path, err := bridge.Locate(bridge.BinarySpec{Path: as.BinaryPath, Name: as.BinaryName, SearchDirs: as.SearchDirs})
	if err != nil {
		fmt.Printf("App-server: not found (%v)\n", err)
	} else {
		fmt.Printf("App-server: %s %s\n", path, strings.Join(as.Args, " "))
	}
	fmt.Printf("Timeouts: call=%s handshake=%s grace=%s\n", as.CallTimeout, as.HandshakeTimeout, as.GracePeriod)
	return nil
}

func readParams(inline string, fromStdin bool) (json.RawMessage, error) {
	var payload []byte
	switch {
	case inline != "":
		payload = []byte(inline)
	case fromStdin:
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, err
		}
		payload = data
	default:
		return nil, nil
	}
	payload = []byte(strings.TrimSpace(string(payload)))
	if len(payload) == 0 {
		return nil, nil
	}
	if !json.Valid(payload) {
		return nil, errors.New("params are not valid JSON")
	}
	return payload, nil
}

func printJSON(raw json.RawMessage) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func rpcCall(cf connFlags, method string, params any) (*ipc.Response, error) {
	socketPath, err := resolveSocketPath(*cf.profile, *cf.socket)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), *cf.timeout)
	defer cancel()
	client, err := ipc.Dial(ctx, socketPath)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	resp, err := client.Call(ctx, method, params)
	var ipcErr *ipc.Error
	if errors.As(err, &ipcErr) {
		return nil, fmt.Errorf("daemon error: %s (%s)", ipcErr.Message, ipcErr.Code)
	}
	return resp, err
}

func resolveSocketPath(profile, override string) (string, error) {
	if override != "" {
		return override, nil
	}
	cfg, err := config.LoadProfile(profile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("config not found in %s (run 'codexctl init --profile %s')", profile, profile)
		}
		return "", fmt.Errorf("load config: %w", err)
	}
	return config.ResolvePath(profile, cfg.IPC.SocketPath), nil
}
