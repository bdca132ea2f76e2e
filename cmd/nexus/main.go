package main

import (
	"context"
	_ "embed"
	"errors"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"strings"

	"github.com/youruser/nexus/internal/logging"
)

//go:embed version.txt
var version string

// buildCommit is set via -ldflags or falls back to VCS info from debug.ReadBuildInfo.
var buildCommit string

var log = logging.Get()

// getBuildCommit returns the short commit hash, resolving from VCS build info if needed.
func getBuildCommit() string {
	if buildCommit != "" {
		return buildCommit
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == "vcs.revision" && len(setting.Value) >= 7 {
			return setting.Value[:7]
		}
	}
	return ""
}

func versionString() string {
	v := strings.TrimSpace(version)
	if commit := getBuildCommit(); commit != "" {
		return v + " (" + commit + ")"
	}
	return v
}

func logBuildInfo() {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		log.Info("Build info: unavailable")
		return
	}

	var revision, buildTime, modified string
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			revision = setting.Value
		case "vcs.time":
			buildTime = setting.Value
		case "vcs.modified":
			modified = setting.Value
		}
	}

	build := info.Main.Version
	if revision != "" {
		build = revision
	}
	if modified == "true" {
		build += " (modified)"
	}

	if buildTime != "" {
		log.Info("Build: %s; go=%s; time=%s", build, runtime.Version(), buildTime)
		return
	}
	log.Info("Build: %s; go=%s", build, runtime.Version())
}

// errReported marks a failure the command already showed to the user.
var errReported = errors.New("reported")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	log.Close()
	if err != nil {
		if !errors.Is(err, errReported) {
			errorColor.Fprintf(os.Stderr, "✗ %v\n", err)
		}
		os.Exit(1)
	}
}
