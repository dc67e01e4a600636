package setup

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/signalsfoundry/ad-ctf-simulator/internal/logging"
)

// ScriptRunner executes a shell script inside dir.
type ScriptRunner func(ctx context.Context, dir, script string, args ...string) error

// ShellRunner returns a ScriptRunner that runs `sh script args...` and
// streams combined output line by line to out.
func ShellRunner(out io.Writer, log logging.Logger) ScriptRunner {
	if out == nil {
		out = os.Stdout
	}
	if log == nil {
		log = logging.Noop()
	}
	return func(ctx context.Context, dir, script string, args ...string) error {
		cmd := exec.CommandContext(ctx, "sh", append([]string{script}, args...)...)
		cmd.Dir = dir

		pr, pw := io.Pipe()
		cmd.Stdout = pw
		cmd.Stderr = pw

		done := make(chan struct{})
		go func() {
			defer close(done)
			sc := bufio.NewScanner(pr)
			sc.Buffer(make([]byte, 64*1024), 1024*1024)
			for sc.Scan() {
				fmt.Fprintln(out, sc.Text())
			}
			_, _ = io.Copy(io.Discard, pr)
		}()

		log.Info(ctx, "running setup script", logging.String("script", script), logging.String("dir", dir))
		err := cmd.Run()
		_ = pw.Close()
		<-done

		if ctx.Err() != nil {
			return fmt.Errorf("script %s interrupted: %w", script, ctx.Err())
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("script %s exited with code %d", script, exitErr.ExitCode())
		}
		if err != nil {
			return fmt.Errorf("run script %s: %w", script, err)
		}
		return nil
	}
}

// cleanDir removes the regular files directly inside dir, keeping .gitkeep.
// A missing directory is not an error.
func cleanDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() || e.Name() == ".gitkeep" {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}
