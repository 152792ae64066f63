// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/adiadia/escrow-readmodel/internal/bootstrap"
	"github.com/adiadia/escrow-readmodel/internal/config"
	"github.com/adiadia/escrow-readmodel/internal/domain"
	"github.com/adiadia/escrow-readmodel/internal/history"
	"github.com/adiadia/escrow-readmodel/internal/logging"
	"github.com/adiadia/escrow-readmodel/internal/persistence/postgres"
	"github.com/adiadia/escrow-readmodel/internal/projection"
	"github.com/adiadia/escrow-readmodel/internal/readmodel"
	"github.com/adiadia/escrow-readmodel/internal/repository"
)

var errUsage = errors.New("usage")

type readModel interface {
	Job(ctx context.Context, jobID uint64) (projection.JobSnapshot, error)
	Jobs(ctx context.Context) ([]projection.JobSnapshot, error)
	DisputeClaim(ctx context.Context, jobID uint64) (readmodel.DisputeClaim, error)
	Dispute(ctx context.Context, disputeID uint64) (projection.DisputeSnapshot, error)
	Disputes(ctx context.Context) ([]projection.DisputeSnapshot, error)
	Reselection(ctx context.Context, disputeID uint64, now time.Time) (readmodel.Reselection, error)
	JobHistory(ctx context.Context, address string, now time.Time) ([]history.JobEntry, error)
	DisputeHistory(ctx context.Context, address string) ([]history.DisputeEntry, error)
	VoterHistory(ctx context.Context, address string) ([]history.DisputeEntry, error)
	Reputation(ctx context.Context, address string) (history.ReputationEntry, error)
	Roles(ctx context.Context, address string) ([]history.RoleEntry, error)
}

// archive reads snapshots the worker stored.
type archive interface {
	GetJob(ctx context.Context, jobID uint64) (projection.JobSnapshot, error)
	GetDispute(ctx context.Context, disputeID uint64) (projection.DisputeSnapshot, error)
}

func main() {
	if len(os.Args) < 2 {
		printUsage(os.Stderr)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd, args := os.Args[1], os.Args[2:]
	if cmd == "validate" {
		logger := logging.NewLogger(os.Getenv("ENV"), "cli")
		if err := runValidate(ctx, logger); err != nil {
			logger.Error("validation failed", "error", err)
			os.Exit(1)
		}
		logger.Info("validation passed")
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.Env, "cli")

	switch cmd {
	case "archived-job", "archived-dispute":
		err = withArchive(ctx, cfg, logger, func(a archive) error {
			return runArchiveQuery(ctx, a, os.Stdout, cmd, args)
		})
	default:
		rm, closeReadModel, setupErr := bootstrap.ReadModel(ctx, cfg, logger)
		if setupErr != nil {
			fmt.Fprintf(os.Stderr, "read model setup failed: %v\n", setupErr)
			os.Exit(1)
		}
		err = runQuery(ctx, rm, os.Stdout, time.Now, cmd, args)
		closeReadModel()
	}
	switch {
	case errors.Is(err, errUsage):
		printUsage(os.Stderr)
		os.Exit(2)
	case errors.Is(err, domain.ErrNotFound):
		fmt.Fprintln(os.Stderr, err)
		os.Exit(3)
	case err != nil:
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// runQuery answers one read-model query and prints the result as JSON.
func runQuery(ctx context.Context, rm readModel, out io.Writer, now func() time.Time, cmd string, args []string) error {
	var (
		result any
		err    error
	)

	switch cmd {
	case "job", "claim", "dispute", "reselection":
		id, perr := parseIDArg(args)
		if perr != nil {
			return perr
		}
		switch cmd {
		case "job":
			result, err = rm.Job(ctx, id)
		case "claim":
			result, err = rm.DisputeClaim(ctx, id)
		case "dispute":
			result, err = rm.Dispute(ctx, id)
		default:
			result, err = rm.Reselection(ctx, id, now())
		}
	case "jobs":
		result, err = rm.Jobs(ctx)
	case "disputes":
		result, err = rm.Disputes(ctx)
	case "history", "dispute-history", "reviews", "reputation", "roles":
		if len(args) != 1 || strings.TrimSpace(args[0]) == "" {
			return errUsage
		}
		addr := domain.NormalizeAddress(args[0])
		switch cmd {
		case "history":
			result, err = rm.JobHistory(ctx, addr, now())
		case "dispute-history":
			result, err = rm.DisputeHistory(ctx, addr)
		case "reviews":
			result, err = rm.VoterHistory(ctx, addr)
		case "reputation":
			result, err = rm.Reputation(ctx, addr)
		default:
			result, err = rm.Roles(ctx, addr)
		}
	default:
		return errUsage
	}
	if err != nil {
		return err
	}
	return printJSON(out, result)
}

// runArchiveQuery prints a snapshot as the worker last stored it.
func runArchiveQuery(ctx context.Context, a archive, out io.Writer, cmd string, args []string) error {
	id, err := parseIDArg(args)
	if err != nil {
		return err
	}

	var result any
	switch cmd {
	case "archived-job":
		result, err = a.GetJob(ctx, id)
	case "archived-dispute":
		result, err = a.GetDispute(ctx, id)
	default:
		return errUsage
	}
	if err != nil {
		return err
	}
	return printJSON(out, result)
}

func withArchive(ctx context.Context, cfg config.Config, logger *slog.Logger, fn func(archive) error) error {
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return errors.New("archived snapshots need DATABASE_URL")
	}
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, postgres.PoolOptions{})
	if err != nil {
		return fmt.Errorf("connect archive: %w", err)
	}
	defer pool.Close()

	if err := postgres.SchemaReady(ctx, pool); err != nil {
		return fmt.Errorf("archive schema: %w", err)
	}
	return fn(repository.NewSnapshotRepository(pool, logger))
}

func parseIDArg(args []string) (uint64, error) {
	if len(args) != 1 {
		return 0, errUsage
	}
	id, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q: %w", args[0], errUsage)
	}
	return id, nil
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runValidate(ctx context.Context, logger *slog.Logger) error {
	started := time.Now()

	if err := runGofmtCheck(ctx, logger); err != nil {
		return err
	}

	if err := runCommand(ctx, logger, "go vet", "go", "vet", "./..."); err != nil {
		return err
	}

	if err := runCommand(ctx, logger, "go test unit", "go", "test", "./..."); err != nil {
		return err
	}

	if strings.TrimSpace(os.Getenv("DATABASE_URL")) == "" {
		logger.Info("skipping integration tests", "reason", "DATABASE_URL is not set")
	} else {
		if err := runCommand(
			ctx,
			logger,
			"go test integration",
			"go",
			"test",
			"-count=1",
			"-tags=integration",
			"./internal/repository",
			"./internal/persistence/postgres",
		); err != nil {
			return err
		}
	}

	logger.Info("validation complete", "duration_ms", time.Since(started).Milliseconds())
	return nil
}

func runGofmtCheck(ctx context.Context, logger *slog.Logger) error {
	files, err := listGoFiles(".")
	if err != nil {
		return fmt.Errorf("list go files: %w", err)
	}

	if len(files) == 0 {
		logger.Info("skipping gofmt check", "reason", "no go files found")
		return nil
	}

	logger.Info("running step", "step", "gofmt check", "files", len(files))
	started := time.Now()

	args := make([]string, 0, len(files)+1)
	args = append(args, "-l")
	args = append(args, files...)

	cmd := exec.CommandContext(ctx, "gofmt", args...)
	cmd.Stderr = os.Stderr

	out, err := cmd.Output()
	if err != nil {
		return fmt.Errorf("gofmt check failed: %w", err)
	}

	if unformatted := strings.TrimSpace(string(out)); unformatted != "" {
		return fmt.Errorf("gofmt would change files:\n%s", unformatted)
	}

	logger.Info("step completed", "step", "gofmt check", "duration_ms", time.Since(started).Milliseconds())
	return nil
}

func runCommand(ctx context.Context, logger *slog.Logger, step string, name string, args ...string) error {
	logger.Info("running step", "step", step, "command", strings.Join(append([]string{name}, args...), " "))
	started := time.Now()

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = os.Environ()

	err := cmd.Run()
	duration := time.Since(started)
	if err != nil {
		exitCode := 1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		logger.Error("step failed", "step", step, "duration_ms", duration.Milliseconds(), "exit_code", exitCode)
		return err
	}

	logger.Info("step completed", "step", step, "duration_ms", duration.Milliseconds())
	return nil
}

// listGoFiles skips vendor and any directory starting with "_" or ".".
func listGoFiles(root string) ([]string, error) {
	files := make([]string, 0, 64)

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() {
			name := d.Name()
			if path != root && (strings.HasPrefix(name, "_") || strings.HasPrefix(name, ".")) {
				return filepath.SkipDir
			}
			if name == "vendor" {
				return filepath.SkipDir
			}
			return nil
		}

		if filepath.Ext(path) == ".go" {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Strings(files)
	return files, nil
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprint(w, `usage: readmodel-cli <command> [arg]

commands:
  job <id>                  project one job
  claim <job-id>            on-chain dispute claim status for a job
  jobs                      project every job
  dispute <id>              project one dispute
  reselection <dispute-id>  voter reselection eligibility
  disputes                  project every dispute
  history <address>         job history for an account
  dispute-history <address> disputes an account was party to
  reviews <address>         disputes an account voted on
  reputation <address>      latest reputation points of an account
  roles <address>           roles an account registered
  archived-job <id>         job snapshot stored by the worker
  archived-dispute <id>     dispute snapshot stored by the worker
  validate                  gofmt, vet and tests
`)
}
