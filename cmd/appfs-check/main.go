// appfs-check runs a consistency check against one configured file system
// and prints the issues found as JSON lines.
//
// Usage:
//
//	appfs-check -fs cases [-expiration 24h] [-types EXPIRATION_INCONSISTENT,MISSING_CHILD_NODE] [-repair]
//
// The exit status is 0 when no unrepaired issue remains, 2 when some do and
// 1 on failure.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/appfs/internal/check"
	"github.com/fruitsalade/appfs/internal/config"
	"github.com/fruitsalade/appfs/internal/logging"
	"github.com/fruitsalade/appfs/internal/storage/factory"
	"github.com/fruitsalade/appfs/pkg/models"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	fsName := flag.String("fs", "", "File system to check")
	expiration := flag.Duration("expiration", cfg.Check.Expiration, "Age after which an inconsistent node is reported")
	types := flag.String("types", strings.Join(cfg.Check.Types, ","), "Comma separated issue types (default: all)")
	repair := flag.Bool("repair", cfg.Check.Repair, "Repair the issues found")
	flag.Parse()

	if err := logging.Init(cfg.Log); err != nil {
		fmt.Fprintf(os.Stderr, "logging init error: %v\n", err)
		os.Exit(1)
	}
	defer logging.Sync()

	if *fsName == "" {
		fmt.Fprintln(os.Stderr, "-fs is required")
		flag.Usage()
		os.Exit(1)
	}
	issueTypes, err := parseTypes(*types)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	os.Exit(run(ctx, cfg, *fsName, buildOptions(time.Now(), *expiration, issueTypes, *repair)))
}

func run(ctx context.Context, cfg *config.Config, fsName string, opts models.FileSystemCheckOptions) int {
	reg, err := factory.Build(ctx, cfg, nil)
	if err != nil {
		logging.Error("storage init failed", zap.Error(err))
		return 1
	}
	defer reg.Close()

	store, err := reg.Backend(fsName)
	if err != nil {
		logging.Error("unknown file system", zap.String("file_system", fsName), zap.Error(err))
		return 1
	}

	issues, err := check.New(store).Check(ctx, opts)
	if err != nil {
		logging.Error("check failed", zap.String("file_system", fsName), zap.Error(err))
		return 1
	}

	enc := json.NewEncoder(os.Stdout)
	unrepaired := 0
	for _, issue := range issues {
		enc.Encode(issue)
		if !issue.Repaired {
			unrepaired++
		}
	}
	if unrepaired > 0 {
		return 2
	}
	return 0
}

func buildOptions(now time.Time, expiration time.Duration, types []models.FileSystemCheckIssueType, repair bool) models.FileSystemCheckOptions {
	if len(types) == 0 {
		types = models.AllIssueTypes
	}
	b := models.NewCheckOptionsBuilder().AddCheckTypes(types...)
	if expiration > 0 && slices.Contains(types, models.IssueExpirationInconsistent) {
		b.SetInconsistentNodesExpirationTime(now.Add(-expiration))
	}
	if repair {
		b.Repair()
	}
	return b.Build()
}

// parseTypes reads a comma separated list of issue types. An empty list
// selects every type.
func parseTypes(s string) ([]models.FileSystemCheckIssueType, error) {
	var types []models.FileSystemCheckIssueType
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		t := models.FileSystemCheckIssueType(strings.ToUpper(part))
		if !slices.Contains(models.AllIssueTypes, t) {
			return nil, fmt.Errorf("unknown issue type %q", part)
		}
		types = append(types, t)
	}
	return types, nil
}
