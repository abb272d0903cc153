// Package watchdog supervises the helper agent: it creates the
// server-instance and generation directory tree, seeds a per-boot
// account, forks the helper as a child process, and restarts it if it
// dies while the web server is still up.
package watchdog

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/passenger-oss/appserver/internal/perrors"
)

// StructureMajorVersion and StructureMinorVersion pin the on-disk
// generation directory layout contract written to
// structure_version.txt.
const (
	StructureMajorVersion = 1
	StructureMinorVersion = 0

	// AgentVersion is written to each generation's
	// passenger_version.txt and reported by "passenger-agent version".
	AgentVersion = "1.0.0"
)

// ServerInstanceDir is "<tmpDir>/passenger.<pid>", the top-level
// directory a single watchdog process owns for its lifetime.
type ServerInstanceDir struct {
	Path  string
	owner bool
}

// NewServerInstanceDir creates the server instance directory for the
// given watchdog pid under tempDir; the returned value owns it.
func NewServerInstanceDir(tempDir string, pid int) (*ServerInstanceDir, error) {
	path := filepath.Join(tempDir, fmt.Sprintf("passenger.%d", pid))
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, &perrors.FileSystemError{Op: "mkdir server instance dir", Path: path, Err: err}
	}
	// Chmod explicitly since MkdirAll's mode is masked by umask.
	if err := os.Chmod(path, 0755); err != nil {
		return nil, &perrors.FileSystemError{Op: "chmod server instance dir", Path: path, Err: err}
	}
	return &ServerInstanceDir{Path: path, owner: true}, nil
}

// Destroy removes the whole server instance directory tree. Only the
// owning watchdog (the one that created it) should call this.
func (d *ServerInstanceDir) Destroy() error {
	if !d.owner {
		return nil
	}
	return os.RemoveAll(d.Path)
}

// Generation is one generation-<N> subdirectory: the actual home of
// the helper's socket, pid file, and per-application backend sockets.
type Generation struct {
	Path   string
	Number int

	lockFile *os.File
}

// GenerationConfig controls the ownership/permissions of the
// generation's backends and buffered_uploads subdirectories, which
// depend on whether the process is running as root and whether
// per-application user switching is enabled.
type GenerationConfig struct {
	UserSwitching   bool
	DefaultUser     string
	DefaultGroup    string
	WorkerUID       int
	WorkerGID       int
}

// NewGeneration creates the next generation directory (newest
// existing generation + 1, or 0 if none exist) under dir, builds its
// fixed subdirectory layout, and takes an advisory flock on it for
// the caller's lifetime so a second watchdog cannot reuse the same
// generation concurrently.
func NewGeneration(dir *ServerInstanceDir, cfg GenerationConfig) (*Generation, error) {
	number, err := nextGenerationNumber(dir.Path)
	if err != nil {
		return nil, err
	}

	path := filepath.Join(dir.Path, fmt.Sprintf("generation-%d", number))
	g := &Generation{Path: path, Number: number}

	// Tight permissions: nobody but the owner may even list this
	// directory's contents. Individual files/subdirectories loosen
	// this as needed below.
	if err := os.MkdirAll(path, 0711); err != nil {
		return nil, &perrors.FileSystemError{Op: "mkdir generation dir", Path: path, Err: err}
	}
	if err := os.Chmod(path, 0711); err != nil {
		return nil, &perrors.FileSystemError{Op: "chmod generation dir", Path: path, Err: err}
	}

	if err := g.lock(); err != nil {
		return nil, err
	}

	if err := writeVersionFile(filepath.Join(path, "structure_version.txt"),
		fmt.Sprintf("%d.%d", StructureMajorVersion, StructureMinorVersion)); err != nil {
		g.unlock()
		return nil, err
	}
	if err := writeVersionFile(filepath.Join(path, "passenger_version.txt"), AgentVersion+"\n"); err != nil {
		g.unlock()
		return nil, err
	}

	if err := g.createSubdirs(cfg); err != nil {
		g.unlock()
		return nil, err
	}

	return g, nil
}

func nextGenerationNumber(serverInstanceDir string) (int, error) {
	entries, err := os.ReadDir(serverInstanceDir)
	if err != nil {
		return 0, &perrors.FileSystemError{Op: "readdir server instance dir", Path: serverInstanceDir, Err: err}
	}
	highest := -1
	const prefix = "generation-"
	for _, e := range entries {
		if !e.IsDir() || len(e.Name()) <= len(prefix) || e.Name()[:len(prefix)] != prefix {
			continue
		}
		n, err := strconv.Atoi(e.Name()[len(prefix):])
		if err != nil {
			continue
		}
		if n > highest {
			highest = n
		}
	}
	return highest + 1, nil
}

// lock takes an advisory exclusive flock on the generation directory
// itself, held until unlock (normally via Destroy). Mirrors
// Watchdog.cpp's per-generation lock that prevents a second watchdog
// from attaching to the same generation.
func (g *Generation) lock() error {
	f, err := os.Open(g.Path)
	if err != nil {
		return &perrors.FileSystemError{Op: "open generation dir for locking", Path: g.Path, Err: err}
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return &perrors.SystemError{Op: "flock generation dir", Err: err}
	}
	g.lockFile = f
	return nil
}

func (g *Generation) unlock() {
	if g.lockFile == nil {
		return
	}
	unix.Flock(int(g.lockFile.Fd()), unix.LOCK_UN)
	g.lockFile.Close()
	g.lockFile = nil
}

func (g *Generation) createSubdirs(cfg GenerationConfig) error {
	runningAsRoot := os.Geteuid() == 0

	uploadsDir := filepath.Join(g.Path, "buffered_uploads")
	if err := os.MkdirAll(uploadsDir, 0700); err != nil {
		return &perrors.FileSystemError{Op: "mkdir buffered_uploads", Path: uploadsDir, Err: err}
	}
	if err := os.Chmod(uploadsDir, 0700); err != nil {
		return &perrors.FileSystemError{Op: "chmod buffered_uploads", Path: uploadsDir, Err: err}
	}
	if runningAsRoot {
		if err := os.Chown(uploadsDir, cfg.WorkerUID, cfg.WorkerGID); err != nil {
			return &perrors.FileSystemError{Op: "chown buffered_uploads", Path: uploadsDir, Err: err}
		}
	}

	backendsDir := filepath.Join(g.Path, "backends")
	if err := os.MkdirAll(backendsDir, 0711); err != nil {
		return &perrors.FileSystemError{Op: "mkdir backends", Path: backendsDir, Err: err}
	}

	switch {
	case runningAsRoot && cfg.UserSwitching:
		// Each application may run as a different user: the directory
		// must be world-writable so any of them can create a listener
		// socket in it, with the sticky bit so one app can't unlink
		// another's socket.
		if err := os.Chmod(backendsDir, 0733|os.ModeSticky); err != nil {
			return &perrors.FileSystemError{Op: "chmod backends", Path: backendsDir, Err: err}
		}
	case runningAsRoot:
		// All applications run as defaultUser/defaultGroup.
		if err := os.Chmod(backendsDir, 0711); err != nil {
			return &perrors.FileSystemError{Op: "chmod backends", Path: backendsDir, Err: err}
		}
		uid, gid, err := lookupUserGroup(cfg.DefaultUser, cfg.DefaultGroup)
		if err != nil {
			return err
		}
		if err := os.Chown(backendsDir, uid, gid); err != nil {
			return &perrors.FileSystemError{Op: "chown backends", Path: backendsDir, Err: err}
		}
	default:
		if err := os.Chmod(backendsDir, 0700); err != nil {
			return &perrors.FileSystemError{Op: "chmod backends", Path: backendsDir, Err: err}
		}
	}
	return nil
}

func lookupUserGroup(username, groupname string) (uid, gid int, err error) {
	u, err := user.Lookup(username)
	if err != nil {
		return 0, 0, &perrors.SystemError{Op: "user.Lookup", Err: fmt.Errorf("default user %q does not exist: %w", username, err)}
	}
	uid, err = strconv.Atoi(u.Uid)
	if err != nil {
		return 0, 0, &perrors.SystemError{Op: "parse uid", Err: err}
	}
	g, err := user.LookupGroup(groupname)
	if err != nil {
		return 0, 0, &perrors.SystemError{Op: "user.LookupGroup", Err: fmt.Errorf("default group %q does not exist: %w", groupname, err)}
	}
	gid, err = strconv.Atoi(g.Gid)
	if err != nil {
		return 0, 0, &perrors.SystemError{Op: "parse gid", Err: err}
	}
	return uid, gid, nil
}

func writeVersionFile(path, contents string) error {
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		return &perrors.FileSystemError{Op: "write version file", Path: path, Err: err}
	}
	return nil
}

// SocketPath is where the helper's MessageServer listens, per spec's
// fixed generation layout.
func (g *Generation) SocketPath() string {
	return filepath.Join(g.Path, "socket")
}

// PidFilePath is where the helper writes its own pid.
func (g *Generation) PidFilePath() string {
	return filepath.Join(g.Path, "helper_server.pid")
}

// BackendsDir is where application-instance listener sockets live.
func (g *Generation) BackendsDir() string {
	return filepath.Join(g.Path, "backends")
}

// BufferedUploadsDir is the upload-buffering scratch directory.
func (g *Generation) BufferedUploadsDir() string {
	return filepath.Join(g.Path, "buffered_uploads")
}

// LoggingSocketPath is the (currently unused, reserved) analytics
// logging socket path named in spec.md §6's fixed layout.
func (g *Generation) LoggingSocketPath() string {
	return filepath.Join(g.Path, "logging.socket")
}

// Destroy releases the generation's lock and removes its directory
// tree. Called once the helper that owned it has exited for good.
func (g *Generation) Destroy() error {
	g.unlock()
	return os.RemoveAll(g.Path)
}
