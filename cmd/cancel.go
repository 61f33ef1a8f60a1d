package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/airframesio/data-compare/cmd/store"
)

var errNoActiveRun = errors.New("no active run")

var cancelCmd = &cobra.Command{
	Use:   "cancel <comparison-id>",
	Short: "Ask a running comparison to stop early",
	Long: `Signals the process running a comparison to stop after its current bucket.
Buckets already diffed are kept and the run finishes as partial; a run that has
not completed any bucket ends as cancelled.`,
	Args: cobra.ExactArgs(1),
	Run: func(_ *cobra.Command, args []string) {
		defer recoverPanic()
		config := loadConfig()
		initLogger(config.Debug, config.LogFormat)
		exitOnError("Cancel", requestStop(args[0]))
	},
}

func init() {
	rootCmd.AddCommand(cancelCmd)
}

// requestStop creates the stop file watched by the run of id.
func requestStop(id string) error {
	if err := store.ValidateID(id); err != nil {
		return err
	}
	pid, err := ReadPIDFile(id)
	if err != nil || !IsProcessRunning(pid) {
		return fmt.Errorf("%w for comparison %s", errNoActiveRun, id)
	}
	if err := writeFile(GetStopFilePath(id), []byte(strconv.Itoa(os.Getpid()))); err != nil {
		return fmt.Errorf("failed to write stop file: %w", err)
	}
	logger.Info(fmt.Sprintf("🛑 Stop requested for comparison %s (pid %d)", id, pid))
	return nil
}

// watchStopFile calls onStop once when path appears. It watches the parent
// directory with fsnotify and falls back to polling when no watcher is available.
func watchStopFile(ctx context.Context, path string, onStop func()) {
	dir := filepath.Dir(path)
	_ = os.MkdirAll(dir, 0o755)

	var once sync.Once
	fire := func() { once.Do(onStop) }
	exists := func() bool {
		_, err := os.Stat(path)
		return err == nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		if err = watcher.Add(dir); err != nil {
			watcher.Close()
		}
	}
	if err != nil {
		logger.Debug(fmt.Sprintf("Failed to watch %s, falling back to polling: %v", dir, err))
		go pollStopFile(ctx, exists, fire)
		return
	}

	go func() {
		defer watcher.Close()
		// The file may have been created before the watch was registered.
		if exists() {
			fire()
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) == filepath.Clean(path) && event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
					fire()
					return
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Debug(fmt.Sprintf("Stop file watcher error: %v", err))
			}
		}
	}()
}

func pollStopFile(ctx context.Context, exists func() bool, fire func()) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		if exists() {
			fire()
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
