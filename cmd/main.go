package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/Nurullah649/NPC-AI-ERP-sub000/adapters"
	"github.com/Nurullah649/NPC-AI-ERP-sub000/engine"
	"github.com/Nurullah649/NPC-AI-ERP-sub000/internal/currency"
	"github.com/Nurullah649/NPC-AI-ERP-sub000/internal/export"
	"github.com/Nurullah649/NPC-AI-ERP-sub000/internal/ipc"
	"github.com/Nurullah649/NPC-AI-ERP-sub000/internal/settings"
	"github.com/Nurullah649/NPC-AI-ERP-sub000/internal/types"
)

func main() {
	_ = godotenv.Load()

	verbose := flag.Bool("verbose", false, "Enable verbose logging")
	flag.Parse()

	dataDir := settings.DataDir()
	logger := setupLogger(dataDir, *verbose)

	config := loadConfig(dataDir)

	store := settings.NewStore(dataDir, logger)
	current, err := store.Load()
	if err != nil {
		logger.Errorf("Settings load failed: %v", err)
	}

	bridge := ipc.NewBridge(os.Stdout, logger)

	solver := adapters.NewVisionSolver(config, logger, func() string { return store.Current().OCRAPIKey })
	netflex := adapters.NewNetflexAdapter(config, logger, store.Current)
	tci := adapters.NewTciAdapter(config, logger)
	sigma := adapters.NewSigmaAdapter(config, logger)
	orkim := adapters.NewOrkimAdapter(config, logger, store.Current, solver)
	currencySvc := currency.NewService(config, logger)

	eng := engine.New(config, logger, bridge, store.Current, netflex, tci, sigma, orkim, currencySvc)
	runner := engine.NewBatchRunner(eng)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if missingCredentials(current) {
		bridge.Emit("initial_setup_required", nil, nil)
	}

	// Drivers and sessions come up in the background so the host gets the
	// ready event as soon as the sources are usable.
	go func() {
		startServices(ctx, logger, bridge, tci, sigma, orkim)
	}()

	handler := newHandler(ctx, logger, config, bridge, store, eng, runner, currencySvc, orkim, stop)
	if err := bridge.Listen(ctx, os.Stdin, handler); err != nil && !errors.Is(err, context.Canceled) {
		logger.Errorf("IPC loop ended: %v", err)
	}

	logger.Info("Shutting down")
	orkim.Stop()
	sigma.Close()
	tci.Browser().Close()
}

func setupLogger(dataDir string, verbose bool) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
	})

	// stdout belongs to the IPC channel; logs go to stderr and the
	// developer log file.
	writers := []io.Writer{os.Stderr}
	if err := os.MkdirAll(dataDir, 0o755); err == nil {
		logPath := filepath.Join(dataDir, "developer.log")
		if info, err := os.Stat(logPath); err == nil && info.Size() > 10<<20 {
			os.Rename(logPath, logPath+".old")
		}
		if f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
			writers = append(writers, f)
		}
	}
	logger.SetOutput(io.MultiWriter(writers...))

	if levelStr := os.Getenv("LOG_LEVEL"); levelStr != "" {
		if level, err := logrus.ParseLevel(levelStr); err == nil {
			logger.SetLevel(level)
		}
	} else if verbose {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}
	return logger
}

func loadConfig(dataDir string) *types.Config {
	config := types.DefaultConfig()
	config.DataDir = dataDir
	config.ProxyListPath = getEnv("PROXY_LIST_PATH", filepath.Join(dataDir, "proxy.txt"))
	config.CurrencyFeedURL = getEnv("CURRENCY_FEED_URL", config.CurrencyFeedURL)
	config.NetflexBaseURL = getEnv("NETFLEX_BASE_URL", config.NetflexBaseURL)
	config.TciBaseURL = getEnv("TCI_BASE_URL", config.TciBaseURL)
	config.SigmaTRBaseURL = getEnv("SIGMA_TR_BASE_URL", config.SigmaTRBaseURL)
	config.SigmaUSBaseURL = getEnv("SIGMA_US_BASE_URL", config.SigmaUSBaseURL)
	config.OrkimBaseURL = getEnv("ORKIM_BASE_URL", config.OrkimBaseURL)
	config.VisionAPIURL = getEnv("VISION_API_URL", config.VisionAPIURL)
	config.VisionModel = getEnv("VISION_MODEL", config.VisionModel)
	if getEnv("HEADLESS", "true") == "false" {
		config.Headless = false
	}
	return config
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && strings.TrimSpace(value) != "" {
		return value
	}
	return fallback
}

func missingCredentials(s types.Settings) bool {
	return strings.TrimSpace(s.NetflexUser) == "" || strings.TrimSpace(s.OrkimUser) == ""
}

func startServices(ctx context.Context, logger types.Logger, bridge *ipc.Bridge,
	tci *adapters.TciAdapter, sigma *adapters.SigmaAdapter, orkim *adapters.OrkimAdapter) {
	if err := tci.Browser().Start(ctx); err != nil {
		logger.Errorf("TCI driver start failed: %v", err)
	}
	if err := sigma.StartDrivers(ctx); err != nil {
		logger.Errorf("Sigma driver start failed: %v", err)
	}
	if err := orkim.Login(ctx); err != nil {
		if errors.Is(err, adapters.ErrAuthentication) {
			bridge.Emit("authentication_error", map[string]any{"source": "Orkim", "message": err.Error()}, nil)
		} else {
			logger.Warnf("Orkim initial login failed: %v", err)
		}
	}
	orkim.StartKeepalive(ctx)

	bridge.Emit("python_services_ready", nil, nil)
}

func newHandler(ctx context.Context, logger types.Logger, config *types.Config, bridge *ipc.Bridge,
	store *settings.Store, eng *engine.Engine, runner *engine.BatchRunner,
	currencySvc *currency.Service, orkim *adapters.OrkimAdapter, stop context.CancelFunc) func(ipc.Request) bool {

	exportDir := filepath.Join(config.DataDir, "exports")

	return func(req ipc.Request) bool {
		switch req.Action {
		case "load_settings":
			current, err := store.Load()
			if err != nil {
				bridge.Emit("settings_loaded", map[string]any{"status": "error", "message": err.Error()}, nil)
				return true
			}
			bridge.Emit("settings_loaded", current, nil)

		case "save_settings":
			var s types.Settings
			if err := json.Unmarshal(req.Data, &s); err != nil {
				bridge.Emit("settings_saved", map[string]any{"status": "error", "message": err.Error()}, nil)
				return true
			}
			if err := store.Save(s); err != nil {
				logger.Errorf("Settings save failed: %v", err)
				bridge.Emit("settings_saved", map[string]any{"status": "error", "message": err.Error()}, nil)
				return true
			}
			orkim.CredentialsChanged()
			bridge.Emit("settings_saved", map[string]any{"status": "ok"}, nil)

		case "search":
			var term string
			if err := json.Unmarshal(req.Data, &term); err != nil || len(strings.TrimSpace(term)) <= 2 {
				bridge.Emit("search_complete", map[string]any{"status": "error", "message": "invalid search term", "total_found": 0}, nil)
				return true
			}
			go eng.SearchAndCompare(ctx, strings.TrimSpace(term), nil)

		case "start_batch_search":
			var payload struct {
				FilePath     string `json:"filePath"`
				CustomerName string `json:"customerName"`
			}
			if err := json.Unmarshal(req.Data, &payload); err != nil {
				bridge.Emit("batch_search_complete", map[string]any{"status": "error", "message": err.Error()}, nil)
				return true
			}
			go runner.Run(ctx, payload.FilePath, payload.CustomerName)

		case "cancel_search", "cancel_current_term_search":
			eng.CancelSearch()

		case "cancel_batch_search":
			eng.CancelBatch()

		case "get_parities":
			parities, err := currencySvc.GetParities(ctx)
			if err != nil {
				bridge.Emit("parities_updated", map[string]any{"error": err.Error()}, nil)
				return true
			}
			bridge.Emit("parities_updated", parities, nil)

		case "export":
			var payload struct {
				CustomerName string                 `json:"customerName"`
				Products     []types.UnifiedProduct `json:"products"`
			}
			if err := json.Unmarshal(req.Data, &payload); err != nil {
				bridge.Emit("export_result", map[string]any{"status": "error", "message": err.Error()}, nil)
				return true
			}
			go func() {
				path, err := export.Products(payload.Products, payload.CustomerName, exportDir)
				if err != nil {
					logger.Errorf("Export failed: %v", err)
					bridge.Emit("export_result", map[string]any{"status": "error", "message": err.Error()}, nil)
					return
				}
				bridge.Emit("export_result", map[string]any{"status": "ok", "path": path}, nil)
			}()

		case "export_meetings":
			var payload struct {
				Notes     []map[string]any `json:"notes"`
				StartDate string           `json:"startDate"`
				EndDate   string           `json:"endDate"`
			}
			if err := json.Unmarshal(req.Data, &payload); err != nil {
				bridge.Emit("export_meetings_result", map[string]any{"status": "error", "message": err.Error()}, nil)
				return true
			}
			go func() {
				path, err := export.Meetings(payload.Notes, payload.StartDate, payload.EndDate, exportDir)
				if err != nil {
					bridge.Emit("export_meetings_result", map[string]any{"status": "error", "message": err.Error()}, nil)
					return
				}
				bridge.Emit("export_meetings_result", map[string]any{"status": "ok", "path": path}, nil)
			}()

		case "load_calendar_notes":
			notes, err := store.LoadCalendarNotes()
			if err != nil {
				bridge.Emit("calendar_notes_loaded", map[string]any{"status": "error", "message": err.Error()}, nil)
				return true
			}
			bridge.Emit("calendar_notes_loaded", notes, nil)

		case "save_calendar_notes":
			var notes []map[string]any
			if err := json.Unmarshal(req.Data, &notes); err != nil {
				bridge.Emit("calendar_notes_saved", map[string]any{"status": "error", "message": err.Error()}, nil)
				return true
			}
			if err := store.SaveCalendarNotes(notes); err != nil {
				bridge.Emit("calendar_notes_saved", map[string]any{"status": "error", "message": err.Error()}, nil)
				return true
			}
			bridge.Emit("calendar_notes_saved", map[string]any{"status": "ok"}, nil)

		case "mark_meeting_complete":
			var payload struct {
				NoteDate  string `json:"noteDate"`
				MeetingID string `json:"meetingId"`
			}
			if err := json.Unmarshal(req.Data, &payload); err == nil {
				if err := store.MarkMeetingComplete(payload.NoteDate, payload.MeetingID); err != nil {
					logger.Warnf("Mark meeting complete failed: %v", err)
				} else {
					bridge.Emit("show_notification", map[string]any{
						"title":   "Toplantı tamamlandı",
						"message": payload.MeetingID,
					}, nil)
				}
			}

		case "shutdown":
			// Give in-flight cancellations a moment to settle.
			eng.CancelBatch()
			time.Sleep(100 * time.Millisecond)
			stop()
			return false

		default:
			logger.Warnf("Unknown action: %s", req.Action)
		}
		return true
	}
}
