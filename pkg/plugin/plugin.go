// Package plugin provides the shared contracts every nezhactl subsystem
// implements. The composition root wires subsystems together only through
// these interfaces, never through package-level globals.
package plugin

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// API version constants for subsystem compatibility checking.
// The registry rejects subsystems outside the supported range.
const (
	APIVersionMin     = 1 // Oldest API version this build supports
	APIVersionCurrent = 1 // Current API version
)

// Plugin defines the lifecycle every supervised subsystem implements.
type Plugin interface {
	// Info returns the subsystem's metadata and dependency declarations.
	Info() PluginInfo

	// Init initializes the subsystem with its dependencies.
	Init(ctx context.Context, deps Dependencies) error

	// Start begins the subsystem's background loop.
	Start(ctx context.Context) error

	// Stop shuts the background loop down and waits for it to exit.
	Stop(ctx context.Context) error
}

// PluginInfo contains subsystem metadata and dependency declarations.
type PluginInfo struct {
	Name         string   // Unique identifier: "heartbeat", "monitor", "notify", ...
	Version      string   // Semantic version string
	Description  string   // Human-readable summary
	Dependencies []string // Subsystem names that must initialize first
	Required     bool     // If true, the daemon refuses to start without this subsystem
	Roles        []string // Roles this subsystem fills: "notifier", "backup_sink"
	APIVersion   int      // API version targeted (currently 1)
}

// Roles subsystems declare in PluginInfo.Roles.
const (
	RoleNotifier   = "notifier"
	RoleBackupSink = "backup_sink"
	RoleMonitoring = "monitoring"
	RoleSupervisor = "supervisor"
)

// Dependencies provides controlled access to shared services.
// Injected by the registry during Init.
type Dependencies struct {
	Config  Config      // Scoped to this subsystem's config section
	Logger  *zap.Logger // Named logger for this subsystem
	Store   Store       // Local state database, may be nil
	Bus     EventBus    // Event publish/subscribe between subsystems
	Plugins PluginResolver
}

// Runner is implemented by subsystems that own a background loop. The
// service watchdog restarts any Runner that reports false.
type Runner interface {
	Running() bool
}

// StatusReporter is implemented by subsystems that expose live detail for
// status queries. The returned value must be JSON and YAML encodable.
type StatusReporter interface {
	Status() any
}

// Validator is implemented by subsystems that check their configuration
// after Init.
type Validator interface {
	ValidateConfig() error
}

// Route represents an HTTP route exposed by a subsystem.
type Route struct {
	Method  string
	Path    string
	Handler http.HandlerFunc
}

// HTTPProvider is implemented by subsystems that mount routes on the
// status server under /api/v1/{name}.
type HTTPProvider interface {
	Routes() []Route
}

// Config abstracts configuration access. Wraps Viper today, replaceable later.
type Config interface {
	Unmarshal(target any) error
	Get(key string) any
	GetString(key string) string
	GetStringSlice(key string) []string
	GetInt(key string) int
	GetBool(key string) bool
	GetDuration(key string) time.Duration
	IsSet(key string) bool
	Sub(key string) Config
}

// Store is the local state database shared by subsystems that persist
// history.
type Store interface {
	DB() *sql.DB
	Tx(ctx context.Context, fn func(tx *sql.Tx) error) error
	Migrate(ctx context.Context, pluginName string, migrations []Migration) error
}

// Migration is one forward-only schema step owned by a subsystem.
type Migration struct {
	Version     int
	Description string
	Up          func(tx *sql.Tx) error
}

// Publisher sends events to the bus. Use this thin interface in code
// that only needs to emit events (follows io.Writer pattern).
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Subscriber receives events from the bus. Handlers are keyed by
// (topic, name): registering the same name twice for one topic is a no-op,
// which gives idempotent subscription without comparing func values.
type Subscriber interface {
	Subscribe(topic, name string, handler EventHandler) (unsubscribe func())
	Unsubscribe(topic, name string)
}

// EventBus provides publish/subscribe between subsystems.
type EventBus interface {
	Publisher
	Subscriber
	SubscribeAll(name string, handler EventHandler) (unsubscribe func())
}

// Event represents a typed message on the event bus.
type Event struct {
	ID        string
	Topic     string
	Source    string // Subsystem name that emitted the event
	Timestamp time.Time
	Payload   any // Type depends on topic
}

// EventHandler processes events from the bus. A returned error is logged
// by the bus and never reaches the publisher.
type EventHandler func(ctx context.Context, event Event) error

// Subscription declares a topic subscription for EventSubscriber subsystems.
type Subscription struct {
	Topic   string
	Name    string
	Handler EventHandler
}

// EventSubscriber is implemented by subsystems that consume events. The
// registry subscribes them after Init.
type EventSubscriber interface {
	Subscriptions() []Subscription
}

// PluginResolver allows subsystems to locate other subsystems by name or role.
type PluginResolver interface {
	Resolve(name string) (Plugin, bool)
	ResolveByRole(role string) []Plugin
}
