package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
	"github.com/panicsense/panicwatch/internal/applog"
	"github.com/panicsense/panicwatch/internal/archive"
	"github.com/panicsense/panicwatch/internal/bus"
	"github.com/panicsense/panicwatch/internal/classify"
	"github.com/panicsense/panicwatch/internal/config"
	"github.com/panicsense/panicwatch/internal/coordinator"
	"github.com/panicsense/panicwatch/internal/fetch"
	"github.com/panicsense/panicwatch/internal/flags"
	"github.com/panicsense/panicwatch/internal/progress"
	"github.com/panicsense/panicwatch/internal/socket"
	"github.com/panicsense/panicwatch/internal/storage"
	"github.com/panicsense/panicwatch/internal/tui"
	"github.com/panicsense/panicwatch/internal/types"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "watch":
			runWatch(os.Args[2:])
			return
		case "ingest":
			runIngest(os.Args[2:])
			return
		case "status":
			runStatus(os.Args[2:])
			return
		case "events":
			runEvents(os.Args[2:])
			return
		case "relay":
			runRelay(os.Args[2:])
			return
		case "help", "--help", "-h":
			printHelp()
			return
		}
	}

	fs := flag.NewFlagSet("panicwatch", flag.ExitOnError)
	configPath := fs.String("config", "", "Config file path (default: ~/.config/panicwatch/config.yaml)")
	serverURL := fs.String("server", "", "PanicSense server origin (overrides config)")
	fs.Parse(os.Args[1:])

	cfg := loadConfig(*configPath, *serverURL)
	initLog()
	defer applog.Close()

	db, store := openStore(cfg)
	if db != nil {
		defer db.Close()
	}

	b := bus.New()
	coord := newCoordinator(db, store, b, "socket")

	mgr, err := socket.New(cfg.ServerURL, cfg.SocketPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	mgr.SetReconnect(cfg.Reconnect)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mgr.Run(ctx)
	go func() {
		for msg := range mgr.Messages() {
			coord.Handle(msg)
		}
	}()

	model := tui.NewModel(mgr, store, db, b, cfg.ServerURL)
	p := tea.NewProgram(model, tea.WithAltScreen())

	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	mgr.Close()
}

func printHelp() {
	fmt.Print(`panicwatch — terminal monitor for a PanicSense server

Usage:
  panicwatch                                 Start the TUI (default)
    --config <path>      Config file (default: ~/.config/panicwatch/config.yaml)
    --server <url>       Server origin (overrides config)

  panicwatch watch                           Headless monitor: print accepted completions
    --config <path>      Config file
    --server <url>       Server origin

  panicwatch ingest                          Submit text for analysis
    --url <url>          Fetch a web article and submit its readable text
    --file <path>        Submit the contents of a file
    --text <text>        Submit the given text directly
    --source <name>      Source label attached to the submission
    --server <url>       Server origin

  panicwatch status                          Print upload flags and recent completions

  panicwatch events list [--limit N]         List recorded completions
  panicwatch events prune [--days N]         Archive and delete completions older than N days (default: 30)

  panicwatch relay                           Read PROGRESS markers from stdin and emit events

Environment:
  PANICWATCH_SERVER        Server origin (overrides config file)
  PANICWATCH_SOCKET_PATH   Websocket endpoint path
  PANICWATCH_DB            Database path
  PANICWATCH_ARCHIVE_DIR   Archive directory for pruned events
`)
}

// --- Shared setup ---

func loadConfig(path, serverOverride string) config.Config {
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if serverOverride != "" {
		cfg.ServerURL = serverOverride
	}
	return cfg
}

func initLog() {
	home, err := os.UserHomeDir()
	if err != nil {
		return
	}
	applog.Init(filepath.Join(home, ".local", "share", "panicwatch"))
}

// openStore opens the durable flag store. When the database cannot be
// opened the process keeps running on an in-memory store: broadcasts
// still work, only durability across restarts is lost.
func openStore(cfg config.Config) (*sql.DB, flags.Store) {
	path := cfg.DBPath
	if path == "" {
		var err error
		path, err = storage.DefaultDBPath()
		if err != nil {
			applog.Warn("store.fallback", "reason", err.Error())
			return nil, flags.NewMemory()
		}
	}
	db, err := storage.OpenDB(path)
	if err != nil {
		applog.Warn("store.fallback", "reason", err.Error())
		return nil, flags.NewMemory()
	}
	return db, flags.NewSQL(db)
}

func newCoordinator(db *sql.DB, store flags.Store, b *bus.Bus, source string) *coordinator.Coordinator {
	coord := coordinator.New(store, b, source)
	coord.OnAccept = func(msg types.ServerMsg, at time.Time) {
		if db == nil {
			return
		}
		rec := storage.Completion{
			SessionID:  msg.SessionID,
			Source:     source,
			Stage:      types.StageComplete,
			AcceptedAt: at,
		}
		if msg.Progress != nil {
			rec.Total = msg.Progress.Total
		}
		if len(msg.Post) > 0 {
			var post types.Post
			if json.Unmarshal(msg.Post, &post) == nil && post.Text != "" {
				rec.DisasterType = classify.DisasterType(post.Text)
				rec.Sentiment = classify.Sentiment(post.Text)
			}
		}
		if _, err := storage.RecordCompletion(db, rec); err != nil {
			applog.Error("completion.record", err)
		}
	}
	return coord
}

func openDB(cfg config.Config) (*sql.DB, error) {
	path := cfg.DBPath
	if path == "" {
		var err error
		path, err = storage.DefaultDBPath()
		if err != nil {
			return nil, err
		}
	}
	return storage.OpenDB(path)
}

// --- Subcommands ---

func runWatch(args []string) {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	configPath := fs.String("config", "", "Config file path")
	serverURL := fs.String("server", "", "Server origin (overrides config)")
	fs.Parse(args)

	cfg := loadConfig(*configPath, *serverURL)
	initLog()
	defer applog.Close()

	db, store := openStore(cfg)
	if db != nil {
		defer db.Close()
	}

	b := bus.New()
	coord := newCoordinator(db, store, b, "socket")
	done := b.Subscribe(types.TopicUploadCompletion)

	mgr, err := socket.New(cfg.ServerURL, cfg.SocketPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	mgr.SetReconnect(cfg.Reconnect)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	go mgr.Run(ctx)
	go func() {
		for msg := range mgr.Messages() {
			coord.Handle(msg)
		}
	}()

	fmt.Fprintf(os.Stderr, "Watching %s (ctrl+c to stop)...\n", cfg.ServerURL)
	for {
		select {
		case msg := <-done:
			if ev, isCompletion := msg.Payload.(types.CompletionEvent); isCompletion {
				fmt.Printf("%s  %s  source=%s\n",
					time.UnixMilli(ev.Timestamp).Format("2006-01-02 15:04:05"),
					ev.Type, ev.Source)
			}
		case <-ctx.Done():
			mgr.Close()
			return
		}
	}
}

func runIngest(args []string) {
	fs := flag.NewFlagSet("ingest", flag.ExitOnError)
	configPath := fs.String("config", "", "Config file path")
	serverURL := fs.String("server", "", "Server origin (overrides config)")
	rawURL := fs.String("url", "", "Fetch a web article and submit its readable text")
	filePath := fs.String("file", "", "Submit the contents of a file")
	text := fs.String("text", "", "Submit the given text directly")
	source := fs.String("source", "", "Source label attached to the submission")
	fs.Parse(args)

	cfg := loadConfig(*configPath, *serverURL)
	initLog()
	defer applog.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	msg := types.ClientMsg{
		Type:      "analyze_text",
		SessionID: uuid.NewString(),
		Source:    *source,
	}
	switch {
	case *rawURL != "":
		article, err := fetch.Readable(ctx, *rawURL)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error fetching article: %v\n", err)
			os.Exit(1)
		}
		msg.Title = article.Title
		msg.Text = article.Text
		if msg.Source == "" {
			msg.Source = "news"
		}
	case *filePath != "":
		data, err := os.ReadFile(*filePath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		msg.Text = string(data)
		if msg.Source == "" {
			msg.Source = "file"
		}
	case *text != "":
		msg.Text = *text
		if msg.Source == "" {
			msg.Source = "manual"
		}
	default:
		fmt.Fprintln(os.Stderr, "Usage: panicwatch ingest --url <url> | --file <path> | --text <text>")
		os.Exit(1)
	}

	if d := classify.DisasterType(msg.Text); d != "" {
		fmt.Printf("Disaster type: %s\n", d)
	}
	fmt.Printf("Sentiment:     %s\n", classify.Sentiment(msg.Text))
	fmt.Printf("Session:       %s\n", msg.SessionID)

	mgr, err := socket.New(cfg.ServerURL, cfg.SocketPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	mgr.SetReconnect(false)
	go mgr.Run(ctx)
	defer mgr.Close()

	if err := waitConnected(ctx, mgr, 10*time.Second); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if err := mgr.Send(ctx, msg); err != nil {
		fmt.Fprintf(os.Stderr, "Error sending: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintln(os.Stderr, "Submitted. Waiting for analysis...")

	db, store := openStore(cfg)
	if db != nil {
		defer db.Close()
	}
	coord := newCoordinator(db, store, bus.New(), msg.Source)

	timeout := time.After(60 * time.Second)
	for {
		select {
		case serverMsg, ok := <-mgr.Messages():
			if !ok {
				fmt.Fprintln(os.Stderr, "Connection closed before analysis completed.")
				os.Exit(1)
			}
			coord.Handle(serverMsg)
			switch serverMsg.Type {
			case types.MsgUploadProgress:
				if serverMsg.Progress != nil {
					fmt.Fprintf(os.Stderr, "  %d%% %s\n", progress.Percent(*serverMsg.Progress), serverMsg.Progress.Stage)
				}
			case types.MsgUploadComplete:
				fmt.Println("Analysis complete.")
				// Run the scheduled flag cleanup before exiting, or the
				// in-progress flags stay set until the next invocation.
				coord.Flush()
				return
			}
			if serverMsg.Error != "" {
				fmt.Fprintf(os.Stderr, "Server error: %s\n", serverMsg.Error)
				os.Exit(1)
			}
		case <-timeout:
			fmt.Fprintln(os.Stderr, "Timed out waiting for analysis (60s).")
			os.Exit(1)
		case <-ctx.Done():
			return
		}
	}
}

func waitConnected(ctx context.Context, mgr *socket.Manager, d time.Duration) error {
	deadline := time.After(d)
	for {
		if mgr.Connected() {
			return nil
		}
		select {
		case <-deadline:
			return fmt.Errorf("timed out connecting to server (%s)", d)
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func runStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", "", "Config file path")
	fs.Parse(args)

	cfg := loadConfig(*configPath, "")
	db, err := openDB(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()
	store := flags.NewSQL(db)

	read := func(key string) string {
		v, err := store.Get(key)
		if err != nil || v == "" {
			return "-"
		}
		return v
	}

	fmt.Printf("uploadCompleted:           %s\n", read(flags.KeyUploadCompleted))
	if ts := read(flags.KeyUploadCompletedTimestamp); ts != "-" {
		fmt.Printf("uploadCompletedTimestamp:  %s\n", ts)
	}
	fmt.Printf("isUploading:               %s\n", read(flags.KeyIsUploading))
	if sid := read(flags.KeyUploadSessionID); sid != "-" {
		fmt.Printf("uploadSessionId:           %s\n", sid)
	}
	if p := read(flags.KeyUploadProgress); p != "-" {
		fmt.Printf("uploadProgress:            %s\n", p)
	}

	recs, err := storage.ListCompletions(db, 5)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error listing completions: %v\n", err)
		os.Exit(1)
	}
	if len(recs) > 0 {
		fmt.Println("\nRecent completions:")
		for _, rec := range recs {
			fmt.Printf("  %s  %s", rec.AcceptedAt.Local().Format("2006-01-02 15:04:05"), rec.Stage)
			if rec.DisasterType != "" {
				fmt.Printf("  [%s]", rec.DisasterType)
			}
			if rec.Sentiment != "" {
				fmt.Printf("  %s", rec.Sentiment)
			}
			fmt.Println()
		}
	}
}

func runEvents(args []string) {
	if len(args) == 0 {
		runEventsList(nil)
		return
	}
	switch args[0] {
	case "list":
		runEventsList(args[1:])
	case "prune":
		runEventsPrune(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown events command %q. Use list or prune.\n", args[0])
		os.Exit(1)
	}
}

func runEventsList(args []string) {
	fs := flag.NewFlagSet("events list", flag.ExitOnError)
	configPath := fs.String("config", "", "Config file path")
	limit := fs.Int("limit", 20, "Maximum number of events to list")
	fs.Parse(args)

	cfg := loadConfig(*configPath, "")
	db, err := openDB(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	recs, err := storage.ListCompletions(db, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error listing completions: %v\n", err)
		os.Exit(1)
	}
	if len(recs) == 0 {
		fmt.Println("No completions recorded.")
		return
	}

	fmt.Printf("%-5s %-20s %-10s %-18s %-12s %s\n", "ID", "ACCEPTED", "SOURCE", "DISASTER", "SENTIMENT", "SESSION")
	for _, rec := range recs {
		fmt.Printf("%-5d %-20s %-10s %-18s %-12s %s\n",
			rec.ID,
			rec.AcceptedAt.Local().Format("2006-01-02 15:04"),
			dash(rec.Source),
			dash(rec.DisasterType),
			dash(rec.Sentiment),
			dash(rec.SessionID),
		)
	}
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func runEventsPrune(args []string) {
	fs := flag.NewFlagSet("events prune", flag.ExitOnError)
	configPath := fs.String("config", "", "Config file path")
	days := fs.Int("days", 30, "Delete events older than this many days")
	fs.Parse(args)

	cfg := loadConfig(*configPath, "")
	db, err := openDB(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	cutoff := time.Now().AddDate(0, 0, -*days)
	recs, err := storage.PruneCompletions(db, cutoff)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error pruning completions: %v\n", err)
		os.Exit(1)
	}
	if len(recs) == 0 {
		fmt.Printf("No completions older than %d days.\n", *days)
		return
	}

	dir := cfg.ArchiveDir
	if dir == "" {
		dir, err = archive.DefaultDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error resolving archive directory: %v\n", err)
			os.Exit(1)
		}
	}
	path, err := archive.Write(dir, recs, time.Now())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error archiving pruned completions: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Pruned %d completions, archived to %s\n", len(recs), path)
}

// runRelay turns PROGRESS markers on stdin into the same events a live
// connection would produce, so piped analyzer output drives the flag
// store and event history without a server.
func runRelay(args []string) {
	fs := flag.NewFlagSet("relay", flag.ExitOnError)
	configPath := fs.String("config", "", "Config file path")
	fs.Parse(args)

	cfg := loadConfig(*configPath, "")
	initLog()
	defer applog.Close()

	db, store := openStore(cfg)
	if db != nil {
		defer db.Close()
	}

	b := bus.New()
	coord := newCoordinator(db, store, b, "relay")

	err := progress.Scan(os.Stdin, func(p types.Progress) {
		msgType := types.MsgUploadProgress
		if progress.IsFinal(p.Stage) {
			msgType = types.MsgUploadComplete
		}
		pv := p
		coord.Handle(types.ServerMsg{Type: msgType, Progress: &pv})
		fmt.Printf("%d%%  %s\n", progress.Percent(p), p.Stage)
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading stdin: %v\n", err)
		os.Exit(1)
	}
	coord.Flush()
}
