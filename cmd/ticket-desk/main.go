package main

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/zombor/ticket-desk/internal/imaging"
	"github.com/zombor/ticket-desk/internal/scanning"
	"github.com/zombor/ticket-desk/internal/ticket"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	fs := ff.NewFlagSet("ticket-desk")
	var (
		port         = fs.IntLong("port", 8080, "HTTP server port")
		dbPath       = fs.StringLong("db", "ticket-desk.db", "Database file path")
		storagePath  = fs.StringLong("storage", "./receipts", "Receipt photo directory")
		scannerType  = fs.StringLong("scanner", "gemini", "Text recognition: 'gemini', 'ollama' or 'none' for manual entry only")
		geminiKey    = fs.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
		geminiModel  = fs.StringLong("gemini-model", "gemini-2.5-flash", "Google Gemini model name")
		ollamaURL    = fs.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL")
		ollamaModel  = fs.StringLong("ollama-model", "qwen2.5vl", "Ollama vision model name (e.g., qwen2.5vl, llava, minicpm-v)")
		ocrTimeout   = fs.DurationLong("ocr-timeout", scanning.DefaultTimeout, "Timeout of a single recognition call")
		ocrMinChars  = fs.IntLong("ocr-min-chars", scanning.DefaultMinChars, "Recognized characters below which the original photo is read again")
		maxDimension = fs.IntLong("max-dimension", imaging.DefaultMaxDimension, "Longest side in pixels photos are scaled down to")
		staffID      = fs.StringLong("staff-id", "", "ID of the staff member operating this desk")
		staffName    = fs.StringLong("staff-name", "", "Name of the staff member operating this desk")
		authUser     = fs.StringLong("auth-user", "", "Basic auth username (optional)")
		authPass     = fs.StringLong("auth-pass", "", "Basic auth password (optional)")
		showVersion  = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("TICKET_DESK"),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Check version flag after parsing
	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	if *staffID == "" {
		slog.Error("Staff ID is required. Set --staff-id flag or TICKET_DESK_STAFF_ID environment variable")
		os.Exit(1)
	}
	user := ticket.CurrentUser{ID: *staffID, Name: *staffName}

	slog.Info("Initializing database...", "path", *dbPath)
	backend, err := ticket.NewBoltBackend(*dbPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer backend.Close()

	slog.Info("Initializing storage...", "path", *storagePath)
	store, err := ticket.NewLocalStorage(*storagePath)
	if err != nil {
		slog.Error("Failed to initialize storage", "error", err)
		os.Exit(1)
	}

	opts := []ticket.SessionOption{ticket.WithStorage(store)}

	var recognizer scanning.Recognizer
	switch *scannerType {
	case "gemini":
		// Get Gemini API key from flag or environment
		apiKey := *geminiKey
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		if apiKey == "" {
			slog.Error("Gemini API key is required. Set --gemini-key flag or GEMINI_API_KEY environment variable")
			os.Exit(1)
		}
		slog.Info("Initializing Gemini recognizer...", "model", *geminiModel)
		recognizer, err = scanning.NewGemini(apiKey, *geminiModel)
		if err != nil {
			slog.Error("Failed to initialize Gemini", "error", err)
			os.Exit(1)
		}
	case "ollama":
		slog.Info("Initializing Ollama recognizer...", "url", *ollamaURL, "model", *ollamaModel)
		recognizer, err = scanning.NewOllama(*ollamaURL, *ollamaModel)
		if err != nil {
			slog.Error("Failed to initialize Ollama", "error", err)
			os.Exit(1)
		}
	case "none":
		slog.Info("Text recognition disabled, receipts are entered manually")
	default:
		slog.Error("Invalid scanner type", "type", *scannerType, "valid", "gemini, ollama or none")
		os.Exit(1)
	}

	if recognizer != nil {
		defer recognizer.Close()
		reader := scanning.NewReader(recognizer,
			scanning.WithTimeout(*ocrTimeout),
			scanning.WithMinChars(*ocrMinChars),
			scanning.WithMaxDimension(*maxDimension),
		)
		opts = append(opts, ticket.WithReader(reader))
	}

	session := ticket.NewSession(user, backend, opts...)

	openTickets, err := backend.LoadOpenTickets(context.Background())
	if err != nil {
		slog.Error("Failed to load open tickets", "error", err)
		os.Exit(1)
	}
	if n := session.Restore(openTickets); n > 0 {
		slog.Info("Open tickets restored", "count", n)
	}

	basicAuth := ticket.BasicAuth{
		Username: *authUser,
		Password: *authPass,
	}
	server := ticket.NewServer(session, basicAuth)

	// Start server in goroutine
	addr := fmt.Sprintf(":%d", *port)
	go func() {
		if err := server.Start(addr); err != nil {
			slog.Error("Server error", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("Server started",
		"address", fmt.Sprintf("http://localhost%s", addr),
		"staff_id", user.ID,
		"scanner", *scannerType,
	)
	if *authUser != "" || *authPass != "" {
		slog.Info("Basic auth enabled", "user", *authUser)
	}

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	if n := len(session.List()); n > 0 {
		slog.Warn("Shutting down with open tickets", "open_tickets", n)
	}
	slog.Info("Shutting down...")
}
