package torii

import "log/slog"

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	port        int
	databaseURL string
	notifyURL   string
	logger      *slog.Logger
	version     string
	analyzer    Analyzer
	evaluator   Evaluator
	sink        EventSink
}

// WithPort overrides the TCP port from config (TORII_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides the database connection string from config (DATABASE_URL env var).
// An empty database URL runs every store in-memory.
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithNotifyURL overrides the direct Postgres URL used for LISTEN/NOTIFY (NOTIFY_URL env var).
// Set this when using a connection pooler (e.g. PgBouncer) for queries — LISTEN/NOTIFY
// requires a direct (non-pooled) connection.
func WithNotifyURL(url string) Option {
	return func(o *resolvedOptions) { o.notifyURL = url }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithAnalyzer sets the analysis backend every task is executed against.
// Required: New returns an error when no analyzer is configured.
func WithAnalyzer(a Analyzer) Option {
	return func(o *resolvedOptions) { o.analyzer = a }
}

// WithEvaluator sets the external candidate evaluator. When absent,
// evaluation falls back to the structural scorer.
func WithEvaluator(e Evaluator) Option {
	return func(o *resolvedOptions) { o.evaluator = e }
}

// WithEventSink registers an observer for orchestration progress events.
// Only the last call wins.
func WithEventSink(s EventSink) Option {
	return func(o *resolvedOptions) { o.sink = s }
}
