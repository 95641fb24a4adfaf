// Command blockstackd runs the naming-protocol index node: it syncs
// filtered transactions into a local Name DB, gossips zone-files over
// Atlas, and serves both over XML-RPC (spec.md §4.6, §8).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/fatih/color"
	"golang.org/x/sys/unix"
	"gopkg.in/urfave/cli.v1"

	blocklog "github.com/blockstack/blockstackd-go/log"
	"github.com/blockstack/blockstackd-go/lifecycle"
)

var logger = blocklog.NewModuleLogger(blocklog.ModuleCmd)

var (
	gitCommit = ""
	version   = "0.1.0"
)

var (
	workingDirFlag = cli.StringFlag{
		Name:  "working_dir",
		Usage: "directory holding the name db, zonefile store, and pid file",
		Value: defaultWorkingDir(),
	}
	foregroundFlag = cli.BoolFlag{
		Name:  "foreground",
		Usage: "run attached to the controlling terminal instead of daemonizing",
	}
	portFlag = cli.IntFlag{
		Name:  "port",
		Usage: "RPC listen port",
		Value: 6264,
	}
	debugFlag = cli.BoolFlag{
		Name:  "debug",
		Usage: "enable debug-level logging",
	}
	forceFlag = cli.BoolFlag{
		Name:  "force",
		Usage: "skip confirmation prompts",
	}
	expectedSnapshotsFlag = cli.StringFlag{
		Name:  "expected-snapshots",
		Usage: "path to a file of expected (block, consensus hash) snapshots to verify against",
	}
)

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func defaultWorkingDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".blockstack-server"
	}
	return filepath.Join(home, ".blockstack-server")
}

func main() {
	app := cli.NewApp()
	app.Name = "blockstackd"
	app.Usage = "blockchain-anchored naming protocol index node"
	app.Version = version
	if gitCommit != "" {
		app.Version += "-" + gitCommit[:8]
	}

	app.Commands = []cli.Command{
		startCommand,
		stopCommand,
		configureCommand,
		cleanCommand,
		restoreCommand,
		verifydbCommand,
		fastSyncCommand,
		fastSyncSnapshotCommand,
		fastSyncSignCommand,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "blockstackd:", err)
		os.Exit(1)
	}
}

var startCommand = cli.Command{
	Name:  "start",
	Usage: "start the indexer and RPC server",
	Flags: []cli.Flag{workingDirFlag, foregroundFlag, portFlag, debugFlag, expectedSnapshotsFlag},
	Action: func(c *cli.Context) error {
		if c.Bool(debugFlag.Name) {
			blocklog.SetDebug(true)
		}

		daemonized, err := lifecycle.Daemonize(c.Bool(foregroundFlag.Name))
		if err != nil {
			return err
		}
		if daemonized {
			return nil
		}

		fc, err := loadFileConfig(c.String(workingDirFlag.Name))
		if err != nil {
			return err
		}
		port := fc.RPC.Port
		if c.IsSet(portFlag.Name) {
			port = c.Int(portFlag.Name)
		}

		cfg := lifecycle.Config{
			WorkingDir:  c.String(workingDirFlag.Name),
			RPCAddr:     fmt.Sprintf(":%d", port),
			ChainRPCURL: firstNonEmpty(os.Getenv("BLOCKSTACK_CHAIN_RPC_URL"), fc.Chain.RPCURL),
			ChainUser:   firstNonEmpty(os.Getenv("BLOCKSTACK_CHAIN_RPC_USER"), fc.Chain.User),
			ChainPass:   firstNonEmpty(os.Getenv("BLOCKSTACK_CHAIN_RPC_PASS"), fc.Chain.Pass),
			Foreground:  c.Bool(foregroundFlag.Name),
		}

		sup := lifecycle.New(cfg)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		if err := sup.Prepare(ctx); err != nil {
			return err
		}

		if c.Bool(foregroundFlag.Name) {
			banner := color.New(color.FgGreen, color.Bold).Sprintf("blockstackd %s", version)
			fmt.Fprintf(os.Stderr, "%s listening on :%d (working dir %s)\n", banner, port, cfg.WorkingDir)
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, unix.SIGINT, unix.SIGQUIT, unix.SIGTERM)
		go func() {
			<-sigCh
			logger.Info("received shutdown signal")
			sup.Stop(context.Background())
			cancel()
		}()

		return sup.Run(ctx)
	},
}

var stopCommand = cli.Command{
	Name:  "stop",
	Usage: "signal a running instance to shut down",
	Flags: []cli.Flag{workingDirFlag},
	Action: func(c *cli.Context) error {
		pidPath := filepath.Join(c.String(workingDirFlag.Name), "blockstackd.pid")
		data, err := os.ReadFile(pidPath)
		if err != nil {
			return fmt.Errorf("no running instance found at %s: %w", pidPath, err)
		}
		var pid int
		if _, err := fmt.Sscanf(string(data), "%d", &pid); err != nil {
			return fmt.Errorf("corrupt pid file %s", pidPath)
		}
		return unix.Kill(pid, unix.SIGTERM)
	},
}

var configureCommand = cli.Command{
	Name:  "configure",
	Usage: "write a config file with default values",
	Flags: []cli.Flag{workingDirFlag},
	Action: func(c *cli.Context) error {
		return writeDefaultConfig(c.String(workingDirFlag.Name))
	},
}

var cleanCommand = cli.Command{
	Name:  "clean",
	Usage: "remove the working directory's indexed state",
	Flags: []cli.Flag{workingDirFlag, forceFlag},
	Action: func(c *cli.Context) error {
		dir := c.String(workingDirFlag.Name)
		if !c.Bool(forceFlag.Name) {
			return fmt.Errorf("refusing to remove %s without --force", dir)
		}
		for _, sub := range []string{"namedb", "zonefiles", "blockstackd.pid", "indexing.lock"} {
			os.RemoveAll(filepath.Join(dir, sub))
		}
		return nil
	},
}

var restoreCommand = cli.Command{
	Name:      "restore",
	Usage:     "restore the name db from a prior snapshot",
	ArgsUsage: "BLOCK",
	Flags:     []cli.Flag{workingDirFlag},
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return fmt.Errorf("usage: blockstackd restore BLOCK")
		}
		return fmt.Errorf("restore: no snapshot archive configured for %s", c.Args().Get(0))
	},
}

var verifydbCommand = cli.Command{
	Name:      "verifydb",
	Usage:     "verify a name db directory's consensus hash at a given block",
	ArgsUsage: "BLOCK HASH DIR",
	Flags:     []cli.Flag{expectedSnapshotsFlag},
	Action: func(c *cli.Context) error {
		if c.NArg() != 3 {
			return fmt.Errorf("usage: blockstackd verifydb BLOCK HASH DIR")
		}
		return verifyDB(c.Args().Get(0), c.Args().Get(1), c.Args().Get(2))
	},
}

var fastSyncCommand = cli.Command{
	Name:      "fast_sync",
	Usage:     "bootstrap the name db from a signed snapshot",
	ArgsUsage: "[URL] [PUBKEYS]",
	Flags: []cli.Flag{
		workingDirFlag,
		cli.IntFlag{Name: "num_required", Value: 1, Usage: "minimum number of valid signatures required"},
	},
	Action: func(c *cli.Context) error {
		return fmt.Errorf("fast_sync: not configured with a snapshot distribution URL")
	},
}

var fastSyncSnapshotCommand = cli.Command{
	Name:      "fast_sync_snapshot",
	Usage:     "produce a signed snapshot of the current name db",
	ArgsUsage: "PRIVKEY PATH [BLOCK]",
	Action: func(c *cli.Context) error {
		if c.NArg() < 2 {
			return fmt.Errorf("usage: blockstackd fast_sync_snapshot PRIVKEY PATH [BLOCK]")
		}
		return fmt.Errorf("fast_sync_snapshot: not yet implemented for this node")
	},
}

var fastSyncSignCommand = cli.Command{
	Name:      "fast_sync_sign",
	Usage:     "co-sign an existing snapshot",
	ArgsUsage: "PATH PRIVKEY",
	Action: func(c *cli.Context) error {
		if c.NArg() != 2 {
			return fmt.Errorf("usage: blockstackd fast_sync_sign PATH PRIVKEY")
		}
		return fmt.Errorf("fast_sync_sign: not yet implemented for this node")
	},
}
