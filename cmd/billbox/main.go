package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
	"golang.org/x/sync/errgroup"

	"github.com/Sreethamgoud/billbox-customer-compass/internal/bill"
	"github.com/Sreethamgoud/billbox-customer-compass/internal/categorize"
	"github.com/Sreethamgoud/billbox-customer-compass/internal/extraction"
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

	fs := ff.NewFlagSet("billbox")
	var (
		port          = fs.IntLong("port", 8080, "HTTP server port")
		dbPath        = fs.StringLong("db", "billbox.db", "Database file path")
		storagePath   = fs.StringLong("storage", "./bills", "Storage directory path")
		gcsBucket     = fs.StringLong("gcs-bucket", "", "Store uploads in this GCS bucket instead of --storage")
		gcsPrefix     = fs.StringLong("gcs-prefix", "bills", "Object name prefix inside --gcs-bucket")
		maxFileMB     = fs.IntLong("max-file-mb", 10, "Maximum upload size in MB")
		categorizer   = fs.StringLong("categorizer", "gemini", "Categorizer: 'gemini', 'ollama', 'openai' or 'none'")
		geminiKey     = fs.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
		geminiModel   = fs.StringLong("gemini-model", "gemini-2.5-flash", "Google Gemini model name")
		ollamaURL     = fs.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL")
		ollamaModel   = fs.StringLong("ollama-model", "llama3.2", "Ollama model name")
		openaiKey     = fs.StringLong("openai-key", "", "OpenAI API key (or set OPENAI_API_KEY env var)")
		openaiURL     = fs.StringLong("openai-url", "https://api.openai.com/v1", "OpenAI compatible API base URL")
		openaiModel   = fs.StringLong("openai-model", "gpt-4o-mini", "OpenAI model name")
		rate          = fs.Float64Long("categorize-rate", 0, "Maximum categorizer calls per second (0 for unlimited)")
		tessBinary    = fs.StringLong("tesseract", "tesseract", "Tesseract binary")
		tessLang      = fs.StringLong("tesseract-lang", "eng", "Tesseract language")
		tessdata      = fs.StringLong("tessdata-dir", "", "Tesseract tessdata directory (optional)")
		psm           = fs.IntLong("psm", 0, "Tesseract page segmentation mode (0 for engine default)")
		tsv           = fs.BoolLong("ocr-confidence", "Run a second tesseract pass to compute word confidence")
		scale         = fs.Float64Long("scale", extraction.DefaultScale, "Rasterization scale for documents (minimum 2)")
		maxPages      = fs.IntLong("max-pages", 50, "Maximum pages per document (0 for unlimited)")
		pageTimeout   = fs.DurationLong("page-timeout", 60*time.Second, "Recognition timeout per page")
		rasterTimeout = fs.DurationLong("raster-timeout", 2*time.Minute, "Rasterization timeout per document")
		sweepInterval = fs.DurationLong("sweep-interval", time.Hour, "How often to delete unsaved uploads (0 to disable)")
		orphanAge     = fs.DurationLong("orphan-age", 24*time.Hour, "Age after which an unsaved upload is deleted")
		authUser      = fs.StringLong("auth-user", "", "Basic auth username (optional)")
		authPass      = fs.StringLong("auth-pass", "", "Basic auth password (optional)")
		debug         = fs.BoolLong("debug", "Enable debug logging")
		showVersion   = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("BILLBOX"),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		if errors.Is(err, ff.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Check version flag after parsing
	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	if *debug {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize database
	slog.Info("Initializing database...")
	db, err := bill.NewBoltDB(*dbPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Initialize storage
	var store bill.Storage
	if *gcsBucket != "" {
		slog.Info("Initializing GCS storage...", "bucket", *gcsBucket, "prefix", *gcsPrefix)
		gcs, err := bill.NewGCSStorage(ctx, *gcsBucket, *gcsPrefix)
		if err != nil {
			slog.Error("Failed to initialize GCS storage", "error", err)
			os.Exit(1)
		}
		defer gcs.Close()
		store = gcs
	} else {
		slog.Info("Initializing storage...", "path", *storagePath)
		store, err = bill.NewLocalStorage(*storagePath)
		if err != nil {
			slog.Error("Failed to initialize storage", "error", err)
			os.Exit(1)
		}
	}

	// Initialize categorizer
	cat, err := categorize.NewFromConfig(categorize.ProviderConfig{
		Provider:      *categorizer,
		GeminiKey:     *geminiKey,
		GeminiModel:   *geminiModel,
		OllamaURL:     *ollamaURL,
		OllamaModel:   *ollamaModel,
		OpenAIKey:     *openaiKey,
		OpenAIBaseURL: *openaiURL,
		OpenAIModel:   *openaiModel,
		RatePerSecond: *rate,
		RateBurst:     1,
	})
	if err != nil {
		slog.Error("Failed to initialize categorizer", "error", err)
		os.Exit(1)
	}
	if cat != nil {
		defer cat.Close()
	} else {
		slog.Warn("No categorizer configured, every bill will be categorized as Other")
	}

	// Initialize extraction pipeline
	recognizer := extraction.NewTesseract(extraction.TesseractConfig{
		Binary:        *tessBinary,
		Language:      *tessLang,
		TessdataDir:   *tessdata,
		PSM:           *psm,
		Timeout:       *pageTimeout,
		TSVConfidence: *tsv,
	})
	rasterizer := &extraction.FitzRasterizer{Scale: *scale, MaxPages: *maxPages}
	extractor := extraction.New(rasterizer, recognizer, extraction.Config{
		RasterizeTimeout: *rasterTimeout,
		RecognizeTimeout: *pageTimeout,
	})

	// Initialize service
	billService := bill.NewService(db, store, extractor, cat)
	billService.SetMaxFileSize(int64(*maxFileMB) << 20)

	// Initialize server
	basicAuth := bill.BasicAuth{
		Username: *authUser,
		Password: *authPass,
	}
	server := bill.NewServer(billService, basicAuth)

	addr := fmt.Sprintf(":%d", *port)
	if *authUser != "" || *authPass != "" {
		slog.Info("Basic auth enabled", "user", *authUser)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Run(gctx, addr)
	})
	if *sweepInterval > 0 {
		g.Go(func() error {
			return billService.RunSweeper(gctx, *sweepInterval, *orphanAge)
		})
	}

	if err := g.Wait(); err != nil {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}
	slog.Info("Shut down cleanly")
}
