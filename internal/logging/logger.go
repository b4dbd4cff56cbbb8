// Package logging provides category-scoped structured logging for Mnemos.
// Each subsystem logs under its own category so a single loop or the vault
// audit can be turned up to debug without drowning the rest. Key material
// and decrypted content are never passed to this package.
package logging

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category names a subsystem.
type Category string

const (
	CategoryBoot      Category = "boot"
	CategoryShield    Category = "shield"    // key hierarchy, session, envelopes
	CategoryVault     Category = "vault"     // file store, conversion, audit
	CategoryStore     Category = "store"     // SQLite manifest
	CategoryCortex    Category = "cortex"    // chunking, embedding, search
	CategoryIngest    Category = "ingest"    // ingestion orchestrator
	CategoryHeartbeat Category = "heartbeat" // liveness ladder, testament
	CategoryScheduler Category = "scheduler" // background loops
	CategoryAPI       Category = "api"       // HTTP/websocket transport
)

var (
	mu   sync.RWMutex
	root *zap.Logger
	subs map[Category]*zap.SugaredLogger
)

func init() {
	// Default to a production logger; Configure replaces it.
	l, _ := zap.NewProduction()
	install(l)
}

func install(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	root = l
	subs = make(map[Category]*zap.SugaredLogger)
}

// Configure rebuilds the root logger. level is one of debug/info/warn/error;
// devMode switches to the console encoder.
func Configure(level string, devMode bool) error {
	var cfg zap.Config
	if devMode {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return err
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return err
	}
	install(l)
	return nil
}

// Get returns the logger for a category.
func Get(c Category) *zap.SugaredLogger {
	mu.RLock()
	if s, ok := subs[c]; ok {
		mu.RUnlock()
		return s
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if s, ok := subs[c]; ok {
		return s
	}
	s := root.Sugar().With("category", string(c))
	subs[c] = s
	return s
}

// Sync flushes buffered log entries. Call on shutdown.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	_ = root.Sync()
}
