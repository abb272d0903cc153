package watchdog

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/passenger-oss/appserver/internal/accounts"
	"github.com/passenger-oss/appserver/internal/metrics"
	"github.com/passenger-oss/appserver/internal/msgserver"
	"github.com/passenger-oss/appserver/internal/perrors"
	"github.com/passenger-oss/appserver/internal/pool"
	"github.com/passenger-oss/appserver/internal/poolrpc"
	"github.com/passenger-oss/appserver/internal/spawner"
)

// HelperConfig carries what the helper process needs once the
// watchdog has already created (and locked) the generation directory
// it will serve out of.
type HelperConfig struct {
	GenerationDir string

	MaxPoolSize        int
	MaxInstancesPerApp int
	PoolIdleTime       time.Duration

	PassengerRoot string
	RubyCommand   string

	LowerPrivilege bool
	LowestUser     string

	// FeedbackFD, if >= 0, is where the helper reports "ready
	// <password>" once its socket is listening.
	FeedbackFD int

	Log *logrus.Entry
}

// RunHelper builds the accounts database, spawn manager, pool, and
// RPC server for one generation and serves until ctx is cancelled. A
// returned error before the ready line is written is a startup
// failure (helper exit code 1 per spec.md §6); a nil return after
// ctx cancellation is a graceful shutdown (exit code 0).
func RunHelper(ctx context.Context, cfg HelperConfig) error {
	log := cfg.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("component", "helper")

	gen := &Generation{Path: cfg.GenerationDir}

	if err := os.WriteFile(gen.PidFilePath(), []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
		return &perrors.FileSystemError{Op: "write pid file", Path: gen.PidFilePath(), Err: err}
	}
	defer os.Remove(gen.PidFilePath())

	password, err := randomPassword()
	if err != nil {
		return err
	}

	db := accounts.NewDatabase()
	db.Add(accounts.NewAccount("web_server", password, accounts.RightsAll))

	spawnServerPath, err := resolveSpawnServerPath(cfg.PassengerRoot)
	if err != nil {
		return err
	}
	spawnMgr := spawner.NewManager(spawnServerPath, []string{"--ruby", cfg.RubyCommand}, cfg.LowerPrivilege, cfg.LowestUser, log)
	defer spawnMgr.Close()

	poolMetrics := metrics.NewPool("passenger")
	p := pool.New(spawnMgr, pool.Config{
		Max:         cfg.MaxPoolSize,
		MaxPerApp:   cfg.MaxInstancesPerApp,
		MaxIdleTime: cfg.PoolIdleTime,
		Metrics:     poolMetrics,
		Log:         log,
	})
	defer p.Close()

	srv, err := msgserver.New(gen.SocketPath(), db, log)
	if err != nil {
		return err
	}
	srv.AddHandler(poolrpc.NewServer(p, log))

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve() }()

	if cfg.FeedbackFD >= 0 {
		f := os.NewFile(uintptr(cfg.FeedbackFD), "feedback")
		fmt.Fprintf(f, "ready %s\n", password)
		// f is intentionally leaked open for the process's lifetime:
		// closing it would look like a crash to the watchdog's feedback
		// monitor, which treats EOF as "helper died".
	}
	log.WithField("socket", gen.SocketPath()).Info("helper listening")

	select {
	case <-ctx.Done():
		srv.Close()
		<-serveErr
		return nil
	case err := <-serveErr:
		return fmt.Errorf("helper: message server stopped: %w", err)
	}
}

func randomPassword() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", &perrors.SystemError{Op: "rand.Read", Err: err}
	}
	return hex.EncodeToString(buf), nil
}

// resolveSpawnServerPath locates the spawn-server executable: under
// passengerRoot if given, otherwise by searching PATH. Per spec.md
// §6, only absolute PATH entries are considered — a deliberate
// precaution against picking up a spawn server from a relative,
// attacker-writable directory.
func resolveSpawnServerPath(passengerRoot string) (string, error) {
	if passengerRoot != "" {
		return filepath.Join(passengerRoot, "helper-scripts", "spawn-server"), nil
	}

	for _, dir := range strings.Split(os.Getenv("PATH"), string(os.PathListSeparator)) {
		if !filepath.IsAbs(dir) {
			continue
		}
		candidate := filepath.Join(dir, "passenger-spawn-server")
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	return "", &perrors.SystemError{Op: "resolveSpawnServerPath", Err: fmt.Errorf("spawn server not found: set --passenger-root or add passenger-spawn-server to PATH")}
}
