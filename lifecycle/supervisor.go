package lifecycle

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	uuid "github.com/satori/go.uuid"
	"golang.org/x/sys/unix"

	"github.com/blockstack/blockstackd-go/atlas"
	"github.com/blockstack/blockstackd-go/chainclient"
	"github.com/blockstack/blockstackd-go/indexer"
	blocklog "github.com/blockstack/blockstackd-go/log"
	"github.com/blockstack/blockstackd-go/namedb"
	"github.com/blockstack/blockstackd-go/rpc"
	"github.com/blockstack/blockstackd-go/stateengine"
	"github.com/blockstack/blockstackd-go/zonefile"
)

const (
	pidFileName      = "blockstackd.pid"
	indexingFlagFile = "indexing.lock"
	instanceIDFile   = "instance.id"
	backupDirName    = "backup"
	configVersion    = 1
)

// statePaths are the working-directory entries that make up a node's
// persistent state — what recoverFromCrash quarantines after a stale
// instance is detected, and what createBackup/restoreFromBackup snapshot
// (spec.md §4.6 step 3, invariant S6).
var statePaths = []string{"namedb", "zonefiles"}

// Config is the on-disk + CLI-derived configuration the Supervisor starts
// from (spec.md §4.6 startup sequence, §8 external interfaces).
type Config struct {
	WorkingDir  string
	RPCAddr     string
	ChainRPCURL string
	ChainUser   string
	ChainPass   string
	Foreground  bool
	Version     int
}

// Supervisor is the Lifecycle Supervisor: it owns the working directory,
// the Name DB, Atlas, the RPC server, the GC ticker, and the indexing
// supervisor's process lifetime.
type Supervisor struct {
	cfg Config

	db        *namedb.Store
	zonefiles *zonefile.Store
	atl       *atlas.Subsystem
	engine    *stateengine.Engine
	index     *indexer.Supervisor
	gc        *GCTicker
	httpSrv   *http.Server

	instanceID string
	running    runningFlag
}

// New prepares a Supervisor without starting anything (spec.md splits
// "construct" from "start" so verifydb/clean/configure can reuse the same
// working-dir setup without booting the RPC server).
func New(cfg Config) *Supervisor {
	return &Supervisor{cfg: cfg}
}

// Prepare performs the startup sequence up to (but not including) entering
// the indexing loop: config version check, working directory setup, stale
// instance detection, crash recovery, and opening the Name DB + Atlas
// (spec.md §4.6 step 1-6).
func (s *Supervisor) Prepare(ctx context.Context) error {
	if s.cfg.Version != 0 && s.cfg.Version != configVersion {
		return errors.Errorf("lifecycle: config version %d unsupported (want %d)", s.cfg.Version, configVersion)
	}

	if err := s.ensureWorkingDir(); err != nil {
		return err
	}
	stale, err := s.checkStaleInstance()
	if err != nil {
		return err
	}
	if stale {
		if err := s.recoverFromCrash(); err != nil {
			return err
		}
	}
	if err := s.writePIDFile(); err != nil {
		return err
	}
	s.clearIndexingFlag()

	instanceID, err := s.ensureInstanceID()
	if err != nil {
		return err
	}
	s.instanceID = instanceID
	logger.Info("starting blockstackd instance", "instance_id", s.instanceID)

	db, err := namedb.Open(filepath.Join(s.cfg.WorkingDir, "namedb"), 64, 64)
	if err != nil {
		return errors.Wrap(err, "open name db")
	}
	s.db = db

	zf, err := zonefile.Open(filepath.Join(s.cfg.WorkingDir, "zonefiles"))
	if err != nil {
		db.Close()
		return errors.Wrap(err, "open zonefile store")
	}
	s.zonefiles = zf

	s.atl = atlas.New(s.db, s.zonefiles, atlas.Config{})
	if err := s.atl.RebuildInventory(); err != nil {
		logger.Warn("failed to rebuild zonefile inventory at startup", "err", err.Error())
	}
	s.engine = stateengine.New(s.db)

	dialer := func() (chainclient.Adapter, error) {
		return chainclient.Dial(chainclient.Options{
			RPCURL:   s.cfg.ChainRPCURL,
			User:     s.cfg.ChainUser,
			Password: s.cfg.ChainPass,
		})
	}
	s.index = indexer.New(dialer, s.engine, s.atl)
	s.index.SetCrashMarker(s)

	s.gc = NewGCTicker(&gcTarget{s: s})
	return nil
}

// gcTarget adapts Supervisor to the Collectible interface. Each sweep runs
// a full Go runtime collection; it does not evict the Name DB's caches or
// remove any zone-file blob.
type gcTarget struct{ s *Supervisor }

func (t *gcTarget) CollectGarbage() {
	logger.Debug("running optimistic gc sweep")
	runtime.GC()
}

// Run starts Atlas, the RPC server, and the indexing loop, then blocks
// until ctx is cancelled or a termination signal is handled by the caller
// (spec.md §4.6 step 7-10). Shutdown only clears the running flag and lets
// in-flight work finish; it never force-kills mid-block.
func (s *Supervisor) Run(ctx context.Context) error {
	s.running.set(true)
	s.atl.Start(ctx)
	s.gc.Start()

	srv := rpc.New(s.db, s.atl, s.index, s.gc)
	s.httpSrv = &http.Server{Addr: s.cfg.RPCAddr, Handler: srv.Handler()}
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Crit("rpc server failed", "err", err.Error())
		}
	}()

	s.index.Run(ctx)
	return nil
}

// Stop requests a graceful shutdown: the indexing loop finishes its
// current block and the RPC server stops accepting new connections.
func (s *Supervisor) Stop(ctx context.Context) {
	s.running.set(false)
	s.index.Stop()
	s.gc.Stop()
	s.atl.Stop()
	if s.httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		s.httpSrv.Shutdown(shutdownCtx)
	}
	if s.db != nil {
		s.db.Close()
	}
	if s.zonefiles != nil {
		s.zonefiles.Close()
	}
	if err := s.createBackup(); err != nil {
		logger.Warn("failed to snapshot working directory state for crash recovery", "err", err.Error())
	}
	s.removePIDFile()
}

func (s *Supervisor) ensureWorkingDir() error {
	if fi, err := os.Stat(s.cfg.WorkingDir); err == nil {
		if !fi.IsDir() {
			return errors.Errorf("working dir %q is not a directory", s.cfg.WorkingDir)
		}
		return nil
	} else if !os.IsNotExist(err) {
		return errors.Wrapf(err, "stat working dir %q", s.cfg.WorkingDir)
	}
	return os.MkdirAll(s.cfg.WorkingDir, 0700)
}

func (s *Supervisor) pidFilePath() string {
	return filepath.Join(s.cfg.WorkingDir, pidFileName)
}

// checkStaleInstance implements the spec's stale-PID-file detection: read
// the recorded PID and probe it with a zero signal; ESRCH means the
// process is gone and the file is stale. The returned bool tells Prepare
// whether a stale instance was found, which is what must trigger crash
// recovery (spec.md §4.6 step 3) — not the indexing flag file, which only
// tracks whether a sync pass was in progress.
func (s *Supervisor) checkStaleInstance() (bool, error) {
	data, err := os.ReadFile(s.pidFilePath())
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "read pid file")
	}

	pid, parseErr := strconv.Atoi(strings.TrimSpace(string(data)))
	if parseErr != nil {
		logger.Warn("corrupt pid file, treating as stale", "contents", string(data))
		return true, os.Remove(s.pidFilePath())
	}

	if err := unix.Kill(pid, 0); err != nil {
		if err == unix.ESRCH {
			return true, os.Remove(s.pidFilePath())
		}
		return false, errors.Wrap(err, "probe existing pid")
	}
	return false, errors.Errorf("lifecycle: another instance is already running (pid %d)", pid)
}

// ensureInstanceID reads the working directory's persistent instance
// identifier, generating and writing one on first startup. This identity
// outlives individual process restarts, unlike the PID file.
func (s *Supervisor) ensureInstanceID() (string, error) {
	path := filepath.Join(s.cfg.WorkingDir, instanceIDFile)
	if data, err := os.ReadFile(path); err == nil {
		return strings.TrimSpace(string(data)), nil
	} else if !os.IsNotExist(err) {
		return "", errors.Wrap(err, "read instance id")
	}

	id := uuid.NewV4().String()
	if err := os.WriteFile(path, []byte(id+"\n"), 0600); err != nil {
		return "", errors.Wrap(err, "write instance id")
	}
	return id, nil
}

func (s *Supervisor) writePIDFile() error {
	return os.WriteFile(s.pidFilePath(), []byte(fmt.Sprintf("%d\n", os.Getpid())), 0600)
}

func (s *Supervisor) removePIDFile() {
	_ = os.Remove(s.pidFilePath())
}

// recoverFromCrash moves every working-directory state path left by a
// stale prior instance into a timestamped crash.<unix_ts>/ directory, then
// restores the last known-good backup if one exists, before this instance
// touches the Name DB (spec.md §4.6 step 3, invariant S6). Only called by
// Prepare when checkStaleInstance found a dead process behind the PID
// file — a clean shutdown never leaves anything to quarantine.
func (s *Supervisor) recoverFromCrash() error {
	crashDir := filepath.Join(s.cfg.WorkingDir, fmt.Sprintf("crash.%d", time.Now().Unix()))
	quarantined := false
	for _, name := range statePaths {
		src := filepath.Join(s.cfg.WorkingDir, name)
		if _, err := os.Stat(src); err != nil {
			continue
		}
		if !quarantined {
			if err := os.MkdirAll(crashDir, 0700); err != nil {
				return errors.Wrap(err, "create crash recovery dir")
			}
			quarantined = true
		}
		if err := os.Rename(src, filepath.Join(crashDir, name)); err != nil {
			return errors.Wrapf(err, "quarantine %s after crash", name)
		}
	}
	if quarantined {
		logger.Warn("quarantined working directory state after unclean shutdown", "crash_dir", crashDir)
	}
	_ = os.Remove(filepath.Join(s.cfg.WorkingDir, indexingFlagFile))

	return s.restoreFromBackup()
}

// restoreFromBackup copies the last known-good backup (written by
// createBackup on clean shutdown) back into the working directory, so a
// crash never leaves the node starting from empty state when a good
// snapshot exists. A missing backup is not an error: a node crashing
// before its first clean shutdown simply starts fresh.
func (s *Supervisor) restoreFromBackup() error {
	backupDir := filepath.Join(s.cfg.WorkingDir, backupDirName)
	if _, err := os.Stat(backupDir); err != nil {
		logger.Warn("no backup available to restore after crash, starting from empty state")
		return nil
	}
	for _, name := range statePaths {
		src := filepath.Join(backupDir, name)
		if _, err := os.Stat(src); err != nil {
			continue
		}
		if err := copyDir(src, filepath.Join(s.cfg.WorkingDir, name)); err != nil {
			return errors.Wrapf(err, "restore %s from backup", name)
		}
	}
	logger.Info("restored working directory state from last known-good backup", "backup_dir", backupDir)
	return nil
}

// createBackup snapshots the working directory's state paths into
// backup/, atomically replacing any prior snapshot, so the next crash has
// a known-good copy to restore from (spec.md §4.6 step 3, S6). Called
// from Stop after the Name DB and zone-file store are closed, so the
// files being copied are not being written concurrently.
func (s *Supervisor) createBackup() error {
	stagingDir := filepath.Join(s.cfg.WorkingDir, backupDirName+".tmp")
	if err := os.RemoveAll(stagingDir); err != nil {
		return errors.Wrap(err, "clear stale backup staging dir")
	}
	if err := os.MkdirAll(stagingDir, 0700); err != nil {
		return errors.Wrap(err, "create backup staging dir")
	}
	for _, name := range statePaths {
		src := filepath.Join(s.cfg.WorkingDir, name)
		if _, err := os.Stat(src); err != nil {
			continue
		}
		if err := copyDir(src, filepath.Join(stagingDir, name)); err != nil {
			return errors.Wrapf(err, "snapshot %s for backup", name)
		}
	}

	backupDir := filepath.Join(s.cfg.WorkingDir, backupDirName)
	if err := os.RemoveAll(backupDir); err != nil {
		return errors.Wrap(err, "remove previous backup")
	}
	return os.Rename(stagingDir, backupDir)
}

// copyDir recursively copies src's contents into dst, creating dst if
// needed. Used for backup snapshot/restore; the working directory's state
// paths are small enough that whole-file copies are acceptable here.
func copyDir(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, info.Mode())
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return os.WriteFile(target, data, info.Mode())
	})
}

// clearIndexingFlag removes the persisted "indexing in progress" marker at
// startup, since Prepare always starts from a known-clean state by this
// point.
func (s *Supervisor) clearIndexingFlag() {
	_ = os.Remove(filepath.Join(s.cfg.WorkingDir, indexingFlagFile))
}

// MarkIndexingStarted and MarkIndexingStopped persist the indexing flag
// around each sync pass, so a flag file left behind shows the process
// stopped mid-sync. Crash recovery is triggered by a stale PID file, not
// by this flag; Prepare removes the flag at startup.
func (s *Supervisor) MarkIndexingStarted() error {
	return os.WriteFile(filepath.Join(s.cfg.WorkingDir, indexingFlagFile), []byte("1"), 0600)
}

func (s *Supervisor) MarkIndexingStopped() error {
	return os.Remove(filepath.Join(s.cfg.WorkingDir, indexingFlagFile))
}
