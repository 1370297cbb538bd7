package main

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
	"github.com/schollz/progressbar/v3"

	"github.com/Sreethamgoud/billbox-customer-compass/internal/categorize"
	"github.com/Sreethamgoud/billbox-customer-compass/internal/extraction"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

type config struct {
	target     string
	asJSON     bool
	quiet      bool
	categorize bool
	provider   categorize.ProviderConfig
	tesseract  extraction.TesseractConfig
	scale      float64
	maxPages   int
	timeout    time.Duration
}

type output struct {
	*extraction.Result
	Categorization *categorize.Categorization `json:"categorization,omitempty"`
}

func main() {
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	fs := ff.NewFlagSet("billscan")
	var (
		asJSON      = fs.BoolLong("json", "Print the result as JSON")
		quiet       = fs.BoolLong("quiet", "Hide the progress bar")
		doCat       = fs.BoolLong("categorize", "Categorize the bill with the configured provider")
		provider    = fs.StringLong("categorizer", "gemini", "Categorizer: 'gemini', 'ollama' or 'openai'")
		geminiKey   = fs.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
		geminiModel = fs.StringLong("gemini-model", "gemini-2.5-flash", "Google Gemini model name")
		ollamaURL   = fs.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL")
		ollamaModel = fs.StringLong("ollama-model", "llama3.2", "Ollama model name")
		openaiKey   = fs.StringLong("openai-key", "", "OpenAI API key (or set OPENAI_API_KEY env var)")
		openaiModel = fs.StringLong("openai-model", "gpt-4o-mini", "OpenAI model name")
		tessBinary  = fs.StringLong("tesseract", "tesseract", "Tesseract binary")
		tessLang    = fs.StringLong("tesseract-lang", "eng", "Tesseract language")
		tessdata    = fs.StringLong("tessdata-dir", "", "Tesseract tessdata directory (optional)")
		psm         = fs.IntLong("psm", 0, "Tesseract page segmentation mode (0 for engine default)")
		tsv         = fs.BoolLong("ocr-confidence", "Run a second tesseract pass to compute word confidence")
		scale       = fs.Float64Long("scale", extraction.DefaultScale, "Rasterization scale for documents (minimum 2)")
		maxPages    = fs.IntLong("max-pages", 0, "Maximum pages per document (0 for unlimited)")
		timeout     = fs.DurationLong("timeout", 5*time.Minute, "Overall time limit")
		showVersion = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("BILLSCAN"),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		if errors.Is(err, ff.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	args := fs.GetArgs()
	if len(args) != 1 {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintln(os.Stderr, "error: expected exactly one file or URL")
		os.Exit(2)
	}

	cfg := config{
		target:     args[0],
		asJSON:     *asJSON,
		quiet:      *quiet || *asJSON,
		categorize: *doCat,
		provider: categorize.ProviderConfig{
			Provider:    *provider,
			GeminiKey:   *geminiKey,
			GeminiModel: *geminiModel,
			OllamaURL:   *ollamaURL,
			OllamaModel: *ollamaModel,
			OpenAIKey:   *openaiKey,
			OpenAIModel: *openaiModel,
		},
		tesseract: extraction.TesseractConfig{
			Binary:        *tessBinary,
			Language:      *tessLang,
			TessdataDir:   *tessdata,
			PSM:           *psm,
			TSVConfidence: *tsv,
		},
		scale:    *scale,
		maxPages: *maxPages,
		timeout:  *timeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		color.Red("\n%s\n", extraction.UserMessage(err))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func getProgressBar() *progressbar.ProgressBar {
	return progressbar.NewOptions(100,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription(color.BlueString("starting")),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "█",
			SaucerHead:    "█",
			SaucerPadding: "░",
			BarStart:      "[",
			BarEnd:        "]",
		}),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetRenderBlankState(true),
	)
}

// describe renders a progress event as a short bar label
func describe(p extraction.Progress) string {
	if p.TotalPages > 1 && p.CurrentPage > 0 {
		return fmt.Sprintf("%-11s page %d/%d", p.Stage, p.CurrentPage, p.TotalPages)
	}
	return string(p.Stage)
}

func run(ctx context.Context, cfg config) error {
	ctx, cancel := context.WithTimeout(ctx, cfg.timeout)
	defer cancel()

	var cat categorize.Categorizer
	if cfg.categorize {
		var err error
		cat, err = categorize.NewFromConfig(cfg.provider)
		if err != nil {
			return err
		}
		if cat != nil {
			defer cat.Close()
		}
	}

	recognizer := extraction.NewTesseract(cfg.tesseract)
	rasterizer := &extraction.FitzRasterizer{Scale: cfg.scale, MaxPages: cfg.maxPages}
	extractor := extraction.New(rasterizer, recognizer, extraction.Config{})

	var onProgress extraction.ProgressFunc
	if !cfg.quiet {
		bar := getProgressBar()
		defer bar.Finish()
		onProgress = func(p extraction.Progress) {
			bar.Describe(color.BlueString(describe(p)))
			_ = bar.Set(p.Percent)
		}
	}

	var (
		res *extraction.Result
		err error
	)
	if strings.HasPrefix(cfg.target, "http://") || strings.HasPrefix(cfg.target, "https://") {
		res, err = extractor.ExtractURL(ctx, cfg.target, onProgress)
	} else {
		var data []byte
		data, err = os.ReadFile(cfg.target)
		if err != nil {
			return fmt.Errorf("reading %s: %w", cfg.target, err)
		}
		res, err = extractor.Extract(ctx, extraction.SourceDocument{
			Name:      filepath.Base(cfg.target),
			MediaType: extraction.MediaTypeFromFilename(cfg.target),
			Data:      data,
		}, onProgress)
	}
	if err != nil {
		return err
	}

	out := output{Result: res}
	if cat != nil {
		out.Categorization, err = cat.Categorize(ctx, categorize.FromFields(res.Text, res.Fields))
		if err != nil {
			color.Yellow("\nCategorization failed: %v\n", err)
			out.Categorization = categorize.Fallback()
		}
	}

	if cfg.asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}
	printResult(out)
	return nil
}

func printResult(out output) {
	label := color.New(color.FgCyan).SprintFunc()
	missing := color.New(color.Faint).Sprint("(not found)")

	color.Green("\n✓ Extracted %d page(s) in %s\n", out.Pages, out.Duration.Round(time.Millisecond))
	field := func(name, value string) {
		if value == "" {
			value = missing
		}
		fmt.Printf("%s %s\n", label(fmt.Sprintf("%-10s", name+":")), value)
	}

	field("Merchant", out.Fields.Merchant)
	amount := ""
	if out.Fields.HasAmount() {
		amount = fmt.Sprintf("%.2f", out.Fields.Amount)
	}
	field("Amount", amount)
	field("Date", out.Fields.Date)
	if out.Confidence > 0 {
		field("OCR conf", fmt.Sprintf("%.0f%%", out.Confidence*100))
	}
	if c := out.Categorization; c != nil {
		field("Category", fmt.Sprintf("%s (%d%%) %s", c.Category, c.Confidence, c.Reasoning))
	}

	fmt.Println()
	color.Cyan("Text")
	fmt.Println(out.Text)
}
