package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/chriskillpack/montage"
	"github.com/joho/godotenv"
	"github.com/schollz/progressbar/v3"
)

var (
	configPath = flag.String("config", "config.yaml", "Path to YAML config")
	envPath    = flag.String("env", ".env", "Optional .env file loaded before the config")
	provider   = flag.String("provider", "", "Backend to use, overrides default_provider")
	format     = flag.String("format", "text", "Output format, text or json")
	outputPath = flag.String("output", "", "Write the result to this file instead of stdout")
	dbPath     = flag.String("db", "", "Record runs in this sqlite database")
	servePort  = flag.String("serve", "", "Serve the web API on this port instead of processing arguments")
	noProgress = flag.Bool("quiet", false, "Hide the progress bar")

	lameduck bool
)

var imageExts = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".bmp":  true,
	".tif":  true,
	".tiff": true,
	".webp": true,
}

// findImageFiles expands directories in paths into the supported image files
// beneath them. Plain files are kept as given, in order. Missing paths are kept
// too so they are reported as failed outcomes rather than dropped.
func findImageFiles(paths []string) ([]string, error) {
	var images []string
	for _, root := range paths {
		info, err := os.Stat(root)
		if errors.Is(err, fs.ErrNotExist) {
			images = append(images, root)
			continue
		}
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			images = append(images, root)
			continue
		}

		err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && imageExts[strings.ToLower(filepath.Ext(path))] {
				images = append(images, path)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	return images, nil
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}

func run(ctx context.Context, cfg *montage.Config, logger *slog.Logger) error {
	var db *montage.DB
	if *dbPath != "" {
		var err error
		if db, err = montage.NewDB(ctx, *dbPath); err != nil {
			return fmt.Errorf("opening db - %w", err)
		}
		defer db.Close()
	}

	if *servePort != "" {
		m, err := montage.New(ctx, cfg, montage.Options{Provider: *provider, Logger: logger})
		if err != nil {
			return err
		}
		return serve(ctx, NewServer(m, db, *servePort, logger))
	}

	paths, err := findImageFiles(flag.Args())
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		return fmt.Errorf("no images to process")
	}

	var bar *progressbar.ProgressBar
	if !*noProgress {
		bar = progressbar.NewOptions(
			len(paths),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionSetDescription("Describing images"),
			progressbar.OptionThrottle(100*time.Millisecond),
			progressbar.OptionShowCount(),
			progressbar.OptionOnCompletion(func() { fmt.Fprintln(os.Stderr) }),
		)
	}

	m, err := montage.New(ctx, cfg, montage.Options{
		Provider: *provider,
		Logger:   logger,
		OnOutcome: func(montage.Outcome) {
			if bar != nil {
				bar.Add(1)
			}
		},
	})
	if err != nil {
		return err
	}

	images := make([]montage.ImageRef, len(paths))
	for i, p := range paths {
		images[i] = montage.NewImageRef(p)
	}
	logger.Info("processing", "images", len(images), "provider", m.Provider())

	res := m.ProcessImages(ctx, images)

	if db != nil {
		// The run already happened, don't let ctx cancellation lose it
		if err := db.SaveRun(context.WithoutCancel(ctx), res); err != nil {
			logger.Error("saving run", "err", err)
		}
	}

	var w io.Writer = os.Stdout
	if *outputPath != "" {
		f, err := os.Create(*outputPath)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}

	return render(w, *format, res)
}

func serve(ctx context.Context, srv *Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func sighandler(ch chan os.Signal, cancel context.CancelFunc) {
	for {
		<-ch
		if lameduck {
			// Already in lame duck, hard stop
			fmt.Fprintln(os.Stderr, "Exiting")
			os.Exit(1)
		} else {
			fmt.Fprintln(os.Stderr, "SIGINT received, stopping...")
			lameduck = true
			cancel()
		}
	}
}

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] image|dir...\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if *format != "text" && *format != "json" {
		flag.Usage()
		os.Exit(1)
	}

	if err := godotenv.Load(*envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "loading %s - %s\n", *envPath, err)
		os.Exit(1)
	}

	cfg, err := montage.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLevel(cfg.Logging.Level),
	}))
	slog.SetDefault(logger)

	sigch := make(chan os.Signal, 2)
	signal.Notify(sigch, os.Interrupt)

	ctx, cancel := context.WithCancel(context.Background())
	go sighandler(sigch, cancel)

	if err := run(ctx, cfg, logger); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
