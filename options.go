package daiku

import "log/slog"

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported; callers use the With* functions.
type resolvedOptions struct {
	port         int
	databaseURL  string
	sqlitePath   string
	workspaceDir string
	authToken    string
	logger       *slog.Logger
	version      string
	generator    Generator
	eventHooks   []EventHook
}

// WithPort overrides the TCP port from config (DAIKU_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides the Postgres connection string from config
// (DAIKU_DATABASE_URL env var). A non-empty URL selects the Postgres
// backend; otherwise sessions persist to the SQLite file.
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithSQLitePath overrides the SQLite file from config (DAIKU_SQLITE_PATH
// env var). Only consulted when no database URL is configured.
func WithSQLitePath(path string) Option {
	return func(o *resolvedOptions) { o.sqlitePath = path }
}

// WithWorkspaceDir overrides the root directory for per-session working
// directories (DAIKU_WORKSPACE_DIR env var).
func WithWorkspaceDir(dir string) Option {
	return func(o *resolvedOptions) { o.workspaceDir = dir }
}

// WithAuthToken overrides the static bearer token guarding the control
// surface (DAIKU_AUTH_TOKEN env var). An empty token disables auth.
func WithAuthToken(token string) Option {
	return func(o *resolvedOptions) { o.authToken = token }
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

// WithGenerator replaces the OpenAI-backed text generator built from
// configuration. Only the last call wins. Use this to drive workflows
// from a different provider, a local model, or a scripted fake in tests.
func WithGenerator(g Generator) Option {
	return func(o *resolvedOptions) { o.generator = g }
}

// WithEventHook registers an event hook to receive step lifecycle
// notifications. Multiple hooks may be registered; all registered hooks
// receive every event.
func WithEventHook(hook EventHook) Option {
	return func(o *resolvedOptions) { o.eventHooks = append(o.eventHooks, hook) }
}
