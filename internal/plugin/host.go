package plugin

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	stdplugin "plugin"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/carapace/carapace/internal/audit"
	"github.com/carapace/carapace/internal/catalog"
	"github.com/carapace/carapace/internal/common/logger"
	"github.com/carapace/carapace/internal/protocol"
)

// HostOptions wires a Host to the rest of the supervisor.
type HostOptions struct {
	Catalog         *catalog.Catalog
	Audit           audit.Log
	SessionInfo     SessionInfoFn
	CredentialsRoot string
	BuiltinDir      string
	UserDir         string
	InitTimeout     time.Duration
	ShutdownTimeout time.Duration
	Logger          *logger.Logger
}

// Host loads, tracks, and unloads plugins. A failed plugin never
// blocks the others; its failure stays queryable for diagnostics.
type Host struct {
	catalog         *catalog.Catalog
	audit           audit.Log
	sessionInfo     SessionInfoFn
	credentialsRoot string
	builtinDir      string
	userDir         string
	initTimeout     time.Duration
	shutdownTimeout time.Duration
	logger          *logger.Logger

	mu         sync.Mutex
	registered map[string]Handler
	loaded     map[string]*loadedPlugin
	failed     map[string]LoadResult
}

type loadedPlugin struct {
	manifest *Manifest
	handler  Handler
	builtin  bool
	tools    []string
}

const (
	defaultInitTimeout     = 10 * time.Second
	defaultShutdownTimeout = 5 * time.Second
)

// NewHost creates a Host.
func NewHost(opts HostOptions) *Host {
	if opts.InitTimeout <= 0 {
		opts.InitTimeout = defaultInitTimeout
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = defaultShutdownTimeout
	}
	return &Host{
		catalog:         opts.Catalog,
		audit:           opts.Audit,
		sessionInfo:     opts.SessionInfo,
		credentialsRoot: opts.CredentialsRoot,
		builtinDir:      opts.BuiltinDir,
		userDir:         opts.UserDir,
		initTimeout:     opts.InitTimeout,
		shutdownTimeout: opts.ShutdownTimeout,
		logger:          opts.Logger.WithFields(zap.String("component", "plugin-host")),
		registered:      make(map[string]Handler),
		loaded:          make(map[string]*loadedPlugin),
		failed:          make(map[string]LoadResult),
	}
}

// RegisterBuiltin makes an in-process handler available under the
// manifest name in builtinDir (or for direct in-process loading).
// Registered names are reserved: user plugins cannot take them.
func (h *Host) RegisterBuiltin(name string, handler Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.registered[name] = handler
}

// LoadAll loads every discoverable plugin: built-in directory first,
// then the user directory. Results are returned in load order.
func (h *Host) LoadAll(ctx context.Context) []LoadResult {
	var results []LoadResult
	for _, dir := range []struct {
		path    string
		builtin bool
	}{
		{h.builtinDir, true},
		{h.userDir, false},
	} {
		if dir.path == "" {
			continue
		}
		for _, pluginDir := range listPluginDirs(dir.path) {
			result := h.load(ctx, pluginDir, dir.builtin)
			results = append(results, result)
			h.recordResult(result)
		}
	}
	return results
}

// LoadInProcess loads a registered handler directly from a manifest,
// with no directory involved. Used by built-ins and tests.
func (h *Host) LoadInProcess(ctx context.Context, manifest *Manifest, handler Handler) LoadResult {
	result := h.loadManifest(ctx, manifest, handler, true)
	h.recordResult(result)
	return result
}

// listPluginDirs returns subdirectories that carry a manifest.json.
func listPluginDirs(root string) []string {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil
	}
	var dirs []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(root, entry.Name())
		if _, err := os.Stat(filepath.Join(dir, "manifest.json")); err == nil {
			dirs = append(dirs, dir)
		}
	}
	sort.Strings(dirs)
	return dirs
}

// load runs the full load sequence for one plugin directory.
func (h *Host) load(ctx context.Context, dir string, builtin bool) LoadResult {
	raw, err := os.ReadFile(filepath.Join(dir, "manifest.json"))
	if err != nil {
		return LoadResult{
			Plugin:   filepath.Base(dir),
			Category: FailureInvalidManifest,
			Message:  fmt.Sprintf("read manifest: %v", err),
		}
	}

	manifest, err := ParseManifest(raw)
	if err != nil {
		return LoadResult{
			Plugin:   filepath.Base(dir),
			Category: FailureInvalidManifest,
			Message:  err.Error(),
		}
	}
	manifest.Name = filepath.Base(dir)

	handler, result, ok := h.resolveHandler(manifest, dir, builtin)
	if !ok {
		return result
	}
	return h.loadManifest(ctx, manifest, handler, builtin)
}

// resolveHandler finds the handler implementation for a manifest:
// already-constructed for built-ins, dynamically loaded for user plugins.
func (h *Host) resolveHandler(manifest *Manifest, dir string, builtin bool) (Handler, LoadResult, bool) {
	if builtin {
		h.mu.Lock()
		handler, ok := h.registered[manifest.Name]
		h.mu.Unlock()
		if !ok {
			return nil, LoadResult{
				Plugin:   manifest.Name,
				Category: FailureMissingHandler,
				Message:  "no registered handler for built-in plugin",
			}, false
		}
		return handler, LoadResult{}, true
	}

	module, err := stdplugin.Open(filepath.Join(dir, "handler.so"))
	if err != nil {
		return nil, LoadResult{
			Plugin:   manifest.Name,
			Category: FailureMissingHandler,
			Message:  fmt.Sprintf("open handler module: %v", err),
		}, false
	}
	symbol, err := module.Lookup("NewHandler")
	if err != nil {
		return nil, LoadResult{
			Plugin:   manifest.Name,
			Category: FailureMissingHandler,
			Message:  "handler module exports no NewHandler",
		}, false
	}
	factory, ok := symbol.(func() any)
	if !ok {
		return nil, LoadResult{
			Plugin:   manifest.Name,
			Category: FailureMissingHandler,
			Message:  "NewHandler has the wrong signature",
		}, false
	}
	handler, ok := factory().(Handler)
	if !ok {
		return nil, LoadResult{
			Plugin:   manifest.Name,
			Category: FailureMissingHandler,
			Message:  "NewHandler result does not satisfy the handler contract",
		}, false
	}
	return handler, LoadResult{}, true
}

// loadManifest runs steps 3-7 of the load sequence with a resolved
// handler. On any failure the handler is discarded and no partial
// catalog entries remain.
func (h *Host) loadManifest(ctx context.Context, manifest *Manifest, handler Handler, builtin bool) LoadResult {
	fail := func(category, format string, args ...any) LoadResult {
		return LoadResult{Plugin: manifest.Name, Category: category, Message: fmt.Sprintf(format, args...)}
	}

	if !pluginNameRE.MatchString(manifest.Name) {
		return fail(FailureInvalidManifest, "plugin name %q is not a valid name", manifest.Name)
	}

	h.mu.Lock()
	if _, exists := h.loaded[manifest.Name]; exists {
		h.mu.Unlock()
		return fail(FailureInvalidManifest, "plugin %q is already loaded", manifest.Name)
	}
	if _, reserved := h.registered[manifest.Name]; reserved && !builtin {
		h.mu.Unlock()
		return fail(FailureInvalidManifest, "plugin name %q is reserved", manifest.Name)
	}
	h.mu.Unlock()

	for _, tool := range manifest.Provides.Tools {
		if catalog.IsReservedName(tool.Name) {
			return fail(FailureInvalidManifest, "tool name %q is reserved", tool.Name)
		}
		if _, exists := h.catalog.Lookup(tool.Name); exists {
			return fail(FailureInvalidManifest, "tool name %q collides with the catalog", tool.Name)
		}
	}

	if manifest.Session == SessionExplicit {
		if _, ok := handler.(SessionResolver); !ok {
			return fail(FailureMissingHandler, "session %q requires the handler to resolve sessions", SessionExplicit)
		}
	}

	services := &CoreServices{
		Catalog:         h.catalog,
		Audit:           h.audit,
		SessionInfo:     h.sessionInfo,
		pluginName:      manifest.Name,
		credentialsRoot: h.credentialsRoot,
	}
	if err := h.initialize(ctx, handler, services); err != nil {
		category := FailureInitError
		if err == errInitTimeout {
			category = FailureTimeout
		}
		return fail(category, "initialize: %v", err)
	}

	var registered []string
	for _, tool := range manifest.Provides.Tools {
		if err := h.catalog.Register(manifest.Name, tool); err != nil {
			for _, name := range registered {
				h.catalog.Unregister(name)
			}
			h.shutdownHandler(handler)
			return fail(FailureInvalidManifest, "register tool: %v", err)
		}
		registered = append(registered, tool.Name)
	}

	h.mu.Lock()
	h.loaded[manifest.Name] = &loadedPlugin{
		manifest: manifest,
		handler:  handler,
		builtin:  builtin,
		tools:    registered,
	}
	delete(h.failed, manifest.Name)
	h.mu.Unlock()

	h.logger.Info("plugin loaded",
		zap.String("plugin", manifest.Name),
		zap.Int("tools", len(registered)),
		zap.Bool("builtin", builtin))
	return LoadResult{Plugin: manifest.Name, Loaded: true}
}

var errInitTimeout = fmt.Errorf("timed out")

// initialize calls Initialize under the host's timeout. The handler
// gets a cancellable context, but a handler that ignores it is still
// abandoned once the deadline passes.
func (h *Host) initialize(ctx context.Context, handler Handler, services *CoreServices) error {
	initCtx, cancel := context.WithTimeout(ctx, h.initTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- handler.Initialize(initCtx, services)
	}()

	select {
	case err := <-done:
		return err
	case <-initCtx.Done():
		return errInitTimeout
	}
}

func (h *Host) recordResult(result LoadResult) {
	if result.Loaded {
		return
	}
	h.mu.Lock()
	h.failed[result.Plugin] = result
	h.mu.Unlock()
	h.logger.Warn("plugin failed to load",
		zap.String("plugin", result.Plugin),
		zap.String("category", result.Category),
		zap.String("reason", result.Message))
}

// HandlerFor returns the loaded handler owning a plugin name.
func (h *Host) HandlerFor(name string) (Handler, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	loaded, ok := h.loaded[name]
	if !ok {
		return nil, false
	}
	return loaded.handler, true
}

// Resolver returns the plugin's session resolver capability, if any.
func (h *Host) Resolver(name string) (SessionResolver, bool) {
	handler, ok := h.HandlerFor(name)
	if !ok {
		return nil, false
	}
	resolver, ok := handler.(SessionResolver)
	return resolver, ok
}

// Healthy returns the names of loaded plugins, sorted.
func (h *Host) Healthy() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	names := make([]string, 0, len(h.loaded))
	for name := range h.loaded {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Failed returns the most recent failure per plugin, sorted by name.
func (h *Host) Failed() []LoadResult {
	h.mu.Lock()
	defer h.mu.Unlock()
	results := make([]LoadResult, 0, len(h.failed))
	for _, result := range h.failed {
		results = append(results, result)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Plugin < results[j].Plugin })
	return results
}

// UnloadPlugin shuts the handler down, removes its catalog entries,
// and clears state. Built-in and reserved plugins are refused.
func (h *Host) UnloadPlugin(name string) error {
	h.mu.Lock()
	loaded, ok := h.loaded[name]
	if !ok {
		h.mu.Unlock()
		return fmt.Errorf("plugin %q is not loaded", name)
	}
	if loaded.builtin {
		h.mu.Unlock()
		return fmt.Errorf("plugin %q is built-in and cannot be unloaded", name)
	}
	delete(h.loaded, name)
	h.mu.Unlock()

	h.shutdownHandler(loaded.handler)
	for _, tool := range loaded.tools {
		h.catalog.Unregister(tool)
	}
	h.logger.Info("plugin unloaded", zap.String("plugin", name))
	return nil
}

// ReloadPlugin unloads a user plugin and loads it again from disk.
func (h *Host) ReloadPlugin(ctx context.Context, name string) error {
	if err := h.UnloadPlugin(name); err != nil {
		return err
	}

	dir := filepath.Join(h.userDir, name)
	if _, err := os.Stat(filepath.Join(dir, "manifest.json")); err != nil {
		return fmt.Errorf("plugin %q has no manifest on disk", name)
	}
	result := h.load(ctx, dir, false)
	h.recordResult(result)
	if !result.Loaded {
		return fmt.Errorf("reload %q: %s (%s)", name, result.Message, result.Category)
	}
	return nil
}

// DispatchEvent offers an envelope to every loaded plugin whose
// manifest subscribes to the topic. Plugin panics or slow handlers are
// the plugin's problem; each call gets the caller's context.
func (h *Host) DispatchEvent(ctx context.Context, envelope *protocol.EventEnvelope) {
	h.mu.Lock()
	observers := make([]EventHandler, 0, len(h.loaded))
	for _, loaded := range h.loaded {
		observer, ok := loaded.handler.(EventHandler)
		if !ok || !topicSubscribed(envelope.Topic, loaded.manifest.Subscribes) {
			continue
		}
		observers = append(observers, observer)
	}
	h.mu.Unlock()

	for _, observer := range observers {
		observer.HandleEvent(ctx, envelope)
	}
}

// topicSubscribed matches a topic against declared prefixes. A plugin
// that declares nothing observes nothing.
func topicSubscribed(topic string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if strings.HasPrefix(topic, prefix) {
			return true
		}
	}
	return false
}

// Subscriptions returns the distinct topic prefixes declared by loaded
// event-observing plugins, sorted. The supervisor subscribes these on
// the bus and feeds matching envelopes to DispatchEvent.
func (h *Host) Subscriptions() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	seen := make(map[string]struct{})
	for _, loaded := range h.loaded {
		if _, ok := loaded.handler.(EventHandler); !ok {
			continue
		}
		for _, prefix := range loaded.manifest.Subscribes {
			seen[prefix] = struct{}{}
		}
	}
	prefixes := make([]string, 0, len(seen))
	for prefix := range seen {
		prefixes = append(prefixes, prefix)
	}
	sort.Strings(prefixes)
	return prefixes
}

// VerifyAll runs each loaded plugin's self-check, keyed by plugin name.
// Plugins without the capability are skipped.
func (h *Host) VerifyAll(ctx context.Context) map[string]error {
	h.mu.Lock()
	verifiers := make(map[string]Verifier)
	for name, loaded := range h.loaded {
		if verifier, ok := loaded.handler.(Verifier); ok {
			verifiers[name] = verifier
		}
	}
	h.mu.Unlock()

	results := make(map[string]error, len(verifiers))
	for name, verifier := range verifiers {
		results[name] = verifier.Verify(ctx)
	}
	return results
}

// ShutdownAll stops every loaded plugin, each under its own bounded
// timeout, and clears the catalog entries they owned.
func (h *Host) ShutdownAll() {
	h.mu.Lock()
	plugins := make([]*loadedPlugin, 0, len(h.loaded))
	for _, loaded := range h.loaded {
		plugins = append(plugins, loaded)
	}
	h.loaded = make(map[string]*loadedPlugin)
	h.mu.Unlock()

	for _, loaded := range plugins {
		h.shutdownHandler(loaded.handler)
		for _, tool := range loaded.tools {
			h.catalog.Unregister(tool)
		}
	}
}

// shutdownHandler calls Shutdown bounded by the shutdown timeout, then
// abandons the handler.
func (h *Host) shutdownHandler(handler Handler) {
	ctx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		if err := handler.Shutdown(ctx); err != nil {
			h.logger.Warn("plugin shutdown returned error", zap.Error(err))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		h.logger.Warn("plugin shutdown timed out, abandoning handler")
	}
}
