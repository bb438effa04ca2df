package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/OutcomeKit/OutcomePipe/internal/api"
	"github.com/OutcomeKit/OutcomePipe/internal/engine"
	"github.com/OutcomeKit/OutcomePipe/internal/messaging"
	"github.com/OutcomeKit/OutcomePipe/internal/models"
	"github.com/OutcomeKit/OutcomePipe/internal/reminder"
	"github.com/OutcomeKit/OutcomePipe/internal/scheduler"
	"github.com/OutcomeKit/OutcomePipe/internal/store"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for OutcomePipe state data
	DefaultStateDir = "/var/lib/outcomepipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "outcomepipe.db"
)

func main() {
	// Initialize structured logger
	initializeLogger()

	// Load environment configuration
	config := loadEnvironmentConfig()

	// Parse command line flags
	flags := parseCommandLineFlags(config)

	if err := run(flags); err != nil {
		slog.Error("OutcomePipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("OutcomePipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	DatabaseURL  string
	StateDir     string
	APIAddr      string
	ProtocolFile string
	StudyID      string
	ReminderCron string
	BaseURL      string
	SandboxSMS   bool
	SMTPHost     string
	TwilioSID    string
	TwilioToken  string
	TwilioFrom   string
}

// Flags holds command line flag values
type Flags struct {
	stateDir     *string
	dbDSN        *string
	apiAddr      *string
	protocolFile *string
	studyID      *string
	reminderCron *string
	baseURL      *string
	sandboxSMS   *bool
}

// initializeLogger sets up structured logging with debug level
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		StateDir:     os.Getenv("OUTCOMEPIPE_STATE_DIR"),
		APIAddr:      os.Getenv("API_ADDR"),
		ProtocolFile: os.Getenv("PROTOCOL_FILE"),
		StudyID:      os.Getenv("STUDY_ID"),
		ReminderCron: os.Getenv("REMINDER_SCHEDULE"),
		BaseURL:      os.Getenv("ASSESSMENT_BASE_URL"),
		SandboxSMS:   os.Getenv("SANDBOX_SMS") == "true",
		SMTPHost:     os.Getenv("SMTP_HOST"),
		TwilioSID:    os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioToken:  os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFrom:   os.Getenv("TWILIO_FROM_NUMBER"),
	}

	// Set default state directory if not specified
	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No OUTCOMEPIPE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}

	// If no database URL is provided, default to SQLite in the state directory
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}

	if config.ReminderCron == "" {
		config.ReminderCron = scheduler.DefaultReminderSpec
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"OUTCOMEPIPE_STATE_DIR", config.StateDir,
		"API_ADDR", config.APIAddr,
		"PROTOCOL_FILE", config.ProtocolFile,
		"STUDY_ID", config.StudyID,
		"REMINDER_SCHEDULE", config.ReminderCron,
		"SANDBOX_SMS", config.SandboxSMS,
		"TWILIO_ACCOUNT_SID_SET", config.TwilioSID != "",
		"SMTP_HOST_SET", config.SMTPHost != "")

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		stateDir:     flag.String("state-dir", config.StateDir, "state directory for OutcomePipe data (overrides $OUTCOMEPIPE_STATE_DIR)"),
		dbDSN:        flag.String("db-dsn", config.DatabaseURL, "database DSN (overrides $DATABASE_URL)"),
		apiAddr:      flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		protocolFile: flag.String("protocol", config.ProtocolFile, "path to the study protocol JSON document (overrides $PROTOCOL_FILE)"),
		studyID:      flag.String("study-id", config.StudyID, "study identifier for the loaded protocol (overrides $STUDY_ID)"),
		reminderCron: flag.String("reminder-cron", config.ReminderCron, "cron spec for the reminder batch (overrides $REMINDER_SCHEDULE)"),
		baseURL:      flag.String("base-url", config.BaseURL, "base URL for assessment deep links (overrides $ASSESSMENT_BASE_URL)"),
		sandboxSMS:   flag.Bool("sandbox-sms", config.SandboxSMS, "log SMS instead of sending via Twilio (overrides $SANDBOX_SMS)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"apiAddr", *flags.apiAddr,
		"protocolFile", *flags.protocolFile,
		"studyID", *flags.studyID,
		"reminderCron", *flags.reminderCron,
		"sandboxSMS", *flags.sandboxSMS)

	return flags
}

// buildStore opens the configured backing store, creating the state
// directory for file-based databases.
func buildStore(flags Flags) (store.Store, error) {
	dsn := *flags.dbDSN
	if store.DetectDSNType(dsn) == "postgres" {
		return store.NewPostgresStore(store.WithPostgresDSN(dsn))
	}
	if !strings.Contains(dsn, "://") {
		if err := os.MkdirAll(filepath.Dir(dsn), 0755); err != nil {
			return nil, err
		}
	}
	return store.NewSQLiteStore(store.WithSQLiteDSN(dsn))
}

// buildSenders assembles the channel registry. Twilio is used for SMS when
// credentials are present; the log-only sandbox sender must be requested
// explicitly. Email is optional and skipped without SMTP configuration.
func buildSenders(flags Flags) (*messaging.Registry, error) {
	registry := messaging.NewRegistry()

	if *flags.sandboxSMS {
		slog.Warn("buildSenders: sandbox SMS enabled, deliveries will be logged only")
		registry.Register(messaging.NewLogOnlySender(models.ChannelSMS))
	} else {
		sms, err := messaging.NewTwilioSMSSender()
		if err != nil {
			return nil, err
		}
		registry.Register(sms)
	}

	email, err := messaging.NewEmailSender()
	if err != nil {
		slog.Warn("buildSenders: email sender not configured, email reminders disabled", "error", err)
	} else {
		registry.Register(email)
	}

	return registry, nil
}

// loadProtocol stores the protocol document named by configuration, if any.
// Parse failures abort startup so a malformed protocol can never serve.
func loadProtocol(st store.Store, flags Flags) error {
	if *flags.protocolFile == "" {
		slog.Info("loadProtocol: no protocol file configured, skipping")
		return nil
	}
	if *flags.studyID == "" {
		return errors.New("a study id is required to load a protocol file")
	}
	doc, err := os.ReadFile(*flags.protocolFile)
	if err != nil {
		return err
	}
	if err := st.SaveProtocol(*flags.studyID, doc); err != nil {
		return err
	}
	slog.Info("loadProtocol: protocol loaded", "studyID", *flags.studyID, "file", *flags.protocolFile)
	return nil
}

func run(flags Flags) error {
	st, err := buildStore(flags)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := loadProtocol(st, flags); err != nil {
		return err
	}

	registry, err := buildSenders(flags)
	if err != nil {
		return err
	}

	eng := engine.New(st)
	var reminderOpts []reminder.Option
	if *flags.baseURL != "" {
		reminderOpts = append(reminderOpts, reminder.WithBaseURL(*flags.baseURL))
	}
	reminders := reminder.NewEngine(st, registry, reminderOpts...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sched := scheduler.NewScheduler()
	defer sched.Stop()
	if err := sched.AddJob("reminder-batch", *flags.reminderCron, func() {
		result := reminders.RunBatch(ctx)
		slog.Info("reminder batch finished",
			"processed", result.Processed, "sent", result.Sent,
			"skipped", result.Skipped, "errors", result.Errors)
	}); err != nil {
		return err
	}

	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	srv := api.NewServer(eng, reminders, st, apiOpts...)

	slog.Info("Bootstrapping OutcomePipe with configured modules")
	return srv.Run(ctx)
}
