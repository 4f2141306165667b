package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/joho/godotenv"

	"github.com/fieldworks/stagefast/api"
	"github.com/fieldworks/stagefast/config"
	"github.com/fieldworks/stagefast/convert"
	"github.com/fieldworks/stagefast/engine"
	"github.com/fieldworks/stagefast/provider"
	"github.com/fieldworks/stagefast/service"
	"github.com/fieldworks/stagefast/staging"
	"github.com/fieldworks/stagefast/store"
	"github.com/fieldworks/stagefast/ui"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "upload":
		runUpload(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println("Usage: stagefast <command> [options]")
	fmt.Println("\nCommands:")
	fmt.Println("  serve    Run the upload server")
	fmt.Println("  upload   Upload a local file to a server")
	fmt.Println("\nExamples:")
	fmt.Println("  stagefast serve")
	fmt.Println("  stagefast upload -server http://localhost:8090 -file survey.nc -dataset-id d42 -sensor NETCDF")
	fmt.Println("  stagefast upload -server http://localhost:8090 -file survey.nc -dataset-id d42 -resume <job-id>")
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	envFile := fs.String("env", ".env", "Environment file to load (ignored if missing)")
	fs.Parse(args)

	if err := godotenv.Load(*envFile); err != nil && !os.IsNotExist(err) {
		slog.Warn("could not load env file", "file", *envFile, "error", err)
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(log)

	cfg := config.Load()

	if dir := filepath.Dir(cfg.StateFile); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Error("failed to create state directory", "dir", dir, "error", err)
			os.Exit(1)
		}
	}
	st, err := store.NewBoltStore(cfg.StateFile)
	if err != nil {
		log.Error("failed to open state store", "file", cfg.StateFile, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	area, err := staging.New(cfg.StagingDir)
	if err != nil {
		log.Error("failed to create staging area", "dir", cfg.StagingDir, "error", err)
		os.Exit(1)
	}

	dispatcher := convert.NewDispatcher()
	dispatcher.SetFallback(convert.ConverterFunc(func(ctx context.Context, dir string) error {
		log.Info("no converter registered for sensor, leaving dataset as staged", "dir", dir)
		return nil
	}))

	mgr := service.NewManager(st, area, dispatcher, service.Options{
		MaxWorkers:        cfg.MaxWorkers,
		MaxConcurrentJobs: cfg.MaxConcurrentJobs,
		SpeedWindow:       cfg.SpeedWindow,
		Retention:         cfg.Retention,
		Logger:            log,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go mgr.RunJanitor(ctx, 10*time.Minute)

	srv := &http.Server{
		Addr:    cfg.Addr,
		Handler: api.NewRouter(api.NewHandler(mgr, log)),
	}

	go func() {
		log.Info("server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", "error", err)
	}
}

func runUpload(args []string) {
	var (
		server      string
		file        string
		datasetID   string
		datasetName string
		sensor      string
		email       string
		chunkSizeMB int64
		streams     int
		retries     int
		retryDelay  int
		resumeJob   string
		doConvert   bool
		verify      bool
		tuiEnabled  bool
	)

	fs := flag.NewFlagSet("upload", flag.ExitOnError)
	fs.StringVar(&server, "server", "http://localhost:8090", "Server base URL")
	fs.StringVar(&file, "file", "", "Local file to upload")
	fs.StringVar(&datasetID, "dataset-id", "", "Dataset identifier")
	fs.StringVar(&datasetName, "dataset-name", "", "Dataset display name")
	fs.StringVar(&sensor, "sensor", "", "Sensor type (IDX, TIFF, NETCDF, HDF5, ...)")
	fs.StringVar(&email, "email", "", "Uploader email")
	fs.Int64Var(&chunkSizeMB, "chunk-size", 16, "Chunk size in MB (must match on resume)")
	fs.IntVar(&streams, "streams", 4, "Number of concurrent chunk streams")
	fs.IntVar(&retries, "retries", 3, "Retries per chunk")
	fs.IntVar(&retryDelay, "retry-delay", 2, "Retry backoff base in seconds")
	fs.StringVar(&resumeJob, "resume", "", "Job ID to resume instead of starting fresh")
	fs.BoolVar(&doConvert, "convert", false, "Request conversion after upload")
	fs.BoolVar(&verify, "verify", false, "Request server-side checksum verification")
	fs.BoolVar(&tuiEnabled, "tui", true, "Enable TUI (disable for headless operation)")
	fs.Parse(args)

	if file == "" || datasetID == "" {
		fmt.Println("Usage: stagefast upload -file <path> -dataset-id <id> [options]")
		fmt.Println("\nOptions:")
		fs.PrintDefaults()
		os.Exit(1)
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	info, err := os.Stat(file)
	if err != nil {
		log.Error("cannot stat file", "file", file, "error", err)
		os.Exit(1)
	}
	if datasetName == "" {
		datasetName = filepath.Base(file)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := api.NewClient(server)

	resp, err := client.Initiate(ctx, api.InitiateRequest{
		Source:         api.SourceDescriptor{Kind: "client"},
		DatasetID:      datasetID,
		DatasetName:    datasetName,
		Sensor:         sensor,
		UserEmail:      email,
		TotalBytes:     info.Size(),
		ChunkSizeMB:    chunkSizeMB,
		MaxRetries:     retries,
		Convert:        doConvert,
		VerifyChecksum: verify,
		ResumeToken:    resumeJob,
	})
	if err != nil {
		log.Error("failed to initiate upload", "error", err)
		os.Exit(1)
	}
	jobID := resp.JobID

	manifest, err := engine.PlanChunks(info.Size(), chunkSizeMB*1024*1024)
	if err != nil {
		log.Error("failed to plan chunks", "error", err)
		os.Exit(1)
	}

	progress := engine.NewAggregator(0)
	progress.Register(jobID, file, info.Size())
	progress.SetStatus(jobID, engine.StateUploading)

	uploader := engine.NewUploader(
		provider.NewChunkSource(provider.NewLocalSource(""), file),
		api.NewRemoteSink(client),
		api.NewRemoteLedger(client, manifest),
		progress,
		engine.UploaderConfig{
			MaxWorkers: streams,
			MaxRetries: retries,
			RetryDelay: time.Duration(retryDelay) * time.Second,
		},
	)

	done := make(chan error, 1)
	go func() {
		done <- uploader.Run(ctx, jobID, manifest)
	}()

	if tuiEnabled {
		runTUI(ctx, jobID, client, uploader, progress, streams, done, log)
	} else {
		runHeadless(ctx, jobID, client, progress, done, log)
	}
}

// runTUI drives the interactive progress view until the upload finishes or
// the user quits.
func runTUI(ctx context.Context, jobID string, client *api.Client, uploader *engine.Uploader, progress *engine.Aggregator, maxWorkers int, done chan error, log *slog.Logger) {
	snapshot := func() *ui.UIState {
		p, _ := progress.Snapshot(jobID)
		return &ui.UIState{
			Progress:      p,
			ActiveWorkers: uploader.WorkerCount(),
			MaxWorkers:    maxWorkers,
			IsRunning:     true,
		}
	}

	model := ui.NewTUIModel(snapshot()).WithWorkerControl(func(delta int) {
		uploader.SetWorkerCount(uploader.WorkerCount() + delta)
	})
	program := tea.NewProgram(model, tea.WithAltScreen())

	var runErr error
	finished := make(chan struct{})
	go func() {
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-done:
				runErr = err
				state := finalState(ctx, jobID, client, progress, err)
				program.Send(ui.TUIUpdateMsg{State: state})
				close(finished)
				return
			case <-ticker.C:
				program.Send(ui.TUIUpdateMsg{State: snapshot()})
			}
		}
	}()

	if _, err := program.Run(); err != nil {
		log.Error("tui error", "error", err)
	}

	select {
	case <-finished:
	default:
		// User quit before the transfer ended; the ledger keeps what was
		// committed, so a later -resume picks up from here.
		log.Info("upload interrupted, resume later", "job_id", jobID)
		return
	}

	if runErr != nil {
		log.Error("upload failed", "job_id", jobID, "error", runErr)
		os.Exit(1)
	}
	fmt.Printf("Upload complete: job %s\n", jobID)
}

func runHeadless(ctx context.Context, jobID string, client *api.Client, progress *engine.Aggregator, done chan error, log *slog.Logger) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("upload interrupted, resume later", "job_id", jobID)
			return
		case err := <-done:
			if err != nil {
				log.Error("upload failed", "job_id", jobID, "error", err)
				os.Exit(1)
			}
			state := finalState(ctx, jobID, client, progress, nil)
			log.Info("upload complete", "job_id", jobID, "status", state.Progress.Status)
			return
		case <-ticker.C:
			if p, ok := progress.Snapshot(jobID); ok {
				log.Info("uploading",
					"job_id", jobID,
					"percent", fmt.Sprintf("%.1f", p.Percentage),
					"speed_mbps", fmt.Sprintf("%.2f", p.SpeedMBps),
					"eta_seconds", p.ETASeconds,
				)
			}
		}
	}
}

// finalState waits for the server to settle into a terminal state after the
// last chunk commits; conversion and verification run server side.
func finalState(ctx context.Context, jobID string, client *api.Client, progress *engine.Aggregator, runErr error) *ui.UIState {
	p, _ := progress.Snapshot(jobID)

	if runErr == nil {
		deadline := time.Now().Add(2 * time.Minute)
		for time.Now().Before(deadline) && ctx.Err() == nil {
			remote, err := client.Status(ctx, jobID)
			if err == nil {
				p = remote
				if remote.Status.Terminal() {
					break
				}
			}
			time.Sleep(time.Second)
		}
	} else {
		p.Status = engine.StateFailed
		p.Error = runErr.Error()
	}

	return &ui.UIState{Progress: p, IsRunning: false, Done: true}
}
