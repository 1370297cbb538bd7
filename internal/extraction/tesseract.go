package extraction

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	defaultTesseractBinary = "tesseract"
	defaultLanguage        = "eng"
	defaultRecognizeLimit  = 60 * time.Second
	defaultHeartbeat       = 500 * time.Millisecond

	// recognition progress checkpoints, as fractions of one image
	prepDone     = 0.1
	heartbeatCap = 0.9
	heartbeatGap = 0.15
)

// TesseractConfig configures the tesseract command line engine
type TesseractConfig struct {
	Binary        string        // executable, defaults to "tesseract"
	Language      string        // traineddata language, defaults to "eng"
	TessdataDir   string        // optional --tessdata-dir
	PSM           int           // page segmentation mode, 0 leaves the engine default
	OEM           int           // engine mode, 0 leaves the engine default
	Timeout       time.Duration // per image, defaults to 60s
	Heartbeat     time.Duration // interval of interim progress reports
	TSVConfidence bool          // run a second TSV pass to compute mean word confidence
}

// Tesseract recognizes text by shelling out to the tesseract binary. One image is
// processed at a time; concurrent callers queue on the engine.
type Tesseract struct {
	cfg    TesseractConfig
	runner Runner
	engine chan struct{}
}

// NewTesseract creates a recognizer that runs the real tesseract binary
func NewTesseract(cfg TesseractConfig) *Tesseract {
	return NewTesseractWithRunner(cfg, ExecRunner{})
}

// NewTesseractWithRunner creates a recognizer with a custom command runner
func NewTesseractWithRunner(cfg TesseractConfig, runner Runner) *Tesseract {
	if cfg.Binary == "" {
		cfg.Binary = defaultTesseractBinary
	}
	if cfg.Language == "" {
		cfg.Language = defaultLanguage
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultRecognizeLimit
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = defaultHeartbeat
	}
	return &Tesseract{cfg: cfg, runner: runner, engine: make(chan struct{}, 1)}
}

// Acquire waits for the engine. The returned release func must be called once the
// caller is done with RecognizeAcquired.
func (t *Tesseract) Acquire(ctx context.Context) (func(), error) {
	select {
	case t.engine <- struct{}{}:
		return sync.OnceFunc(func() { <-t.engine }), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for tesseract: %w", ctx.Err())
	}
}

// Recognize acquires the engine and runs it over one image. onProgress receives
// non-decreasing fractions in [0,1] and is never called after Recognize returns.
func (t *Tesseract) Recognize(ctx context.Context, img Image, onProgress func(float64)) (RecognitionResult, error) {
	release, err := t.Acquire(ctx)
	if err != nil {
		return RecognitionResult{}, newError(ErrRecognition, 0, err)
	}
	defer release()
	return t.RecognizeAcquired(ctx, img, onProgress)
}

// RecognizeAcquired is Recognize for a caller already holding the engine
func (t *Tesseract) RecognizeAcquired(ctx context.Context, img Image, onProgress func(float64)) (RecognitionResult, error) {
	progress := newFractionReporter(onProgress)
	progress.report(0)

	pngData, err := toPNG(img.Data, img.MediaType)
	if err != nil {
		return RecognitionResult{}, newError(ErrDocumentParse, 0, err)
	}

	path, cleanup, err := writeTemp(pngData)
	if err != nil {
		return RecognitionResult{}, newError(ErrRecognition, 0, err)
	}
	defer cleanup()

	progress.report(prepDone)

	ctx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()

	stop := t.startHeartbeat(progress)
	text, err := t.recognizeText(ctx, path)
	var confidence float32
	if err == nil && t.cfg.TSVConfidence {
		c, cerr := t.meanConfidence(ctx, path)
		if cerr != nil {
			loggerFrom(ctx).Warn("tesseract confidence pass failed", "error", cerr)
		}
		confidence = c
	}
	stop()

	if err != nil {
		return RecognitionResult{}, newError(ErrRecognition, 0, err)
	}

	progress.report(1)
	return RecognitionResult{Text: text, Confidence: confidence}, nil
}

// startHeartbeat reports interim progress creeping towards heartbeatCap while the
// engine runs. The returned func stops the heartbeat and waits for it to exit.
func (t *Tesseract) startHeartbeat(progress *fractionReporter) func() {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(t.cfg.Heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				cur := progress.current()
				progress.report(cur + (heartbeatCap-cur)*heartbeatGap)
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

func (t *Tesseract) baseArgs(path string) []string {
	args := []string{path, "stdout", "-l", t.cfg.Language}
	if t.cfg.PSM > 0 {
		args = append(args, "--psm", strconv.Itoa(t.cfg.PSM))
	}
	if t.cfg.OEM > 0 {
		args = append(args, "--oem", strconv.Itoa(t.cfg.OEM))
	}
	if t.cfg.TessdataDir != "" {
		args = append(args, "--tessdata-dir", t.cfg.TessdataDir)
	}
	return args
}

func (t *Tesseract) recognizeText(ctx context.Context, path string) (string, error) {
	out, errb, err := t.runner.Run(ctx, t.cfg.Binary, t.baseArgs(path)...)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", fmt.Errorf("tesseract: %w", ctxErr)
		}
		return "", fmt.Errorf("tesseract: %w: %s", err, tail(strings.TrimSpace(string(errb)), 512))
	}
	return normalizeText(string(out)), nil
}

// meanConfidence runs tesseract in TSV mode and returns the mean word confidence in 0..1
func (t *Tesseract) meanConfidence(ctx context.Context, path string) (float32, error) {
	out, _, err := t.runner.Run(ctx, t.cfg.Binary, append(t.baseArgs(path), "tsv")...)
	if err != nil {
		return 0, fmt.Errorf("tesseract TSV: %w", err)
	}
	return parseTSVConfidence(string(out)), nil
}

// parseTSVConfidence averages the conf column (index 10) over word rows
func parseTSVConfidence(tsv string) float32 {
	var sum, n float64
	for i, line := range strings.Split(tsv, "\n") {
		if i == 0 || line == "" {
			continue
		}
		cols := strings.Split(line, "\t")
		if len(cols) < 12 {
			continue
		}
		if cols[10] == "" || cols[10] == "-1" {
			continue
		}
		if v, err := strconv.ParseFloat(cols[10], 64); err == nil {
			sum += v
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return float32(min(sum/n/100, 1))
}

var textNormalizer = strings.NewReplacer("\r\n", "\n", "\r", "\n", "\f", "\n")

func normalizeText(s string) string {
	return strings.TrimSpace(textNormalizer.Replace(s))
}

func writeTemp(data []byte) (string, func(), error) {
	f, err := os.CreateTemp("", "billbox-page-*.png")
	if err != nil {
		return "", nil, fmt.Errorf("creating temp file: %w", err)
	}
	cleanup := func() { os.Remove(f.Name()) }
	if _, err := f.Write(data); err != nil {
		f.Close()
		cleanup()
		return "", nil, fmt.Errorf("writing temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("closing temp file: %w", err)
	}
	return f.Name(), cleanup, nil
}
