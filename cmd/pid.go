package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/airframesio/data-compare/cmd/comparison"
)

// TaskInfo is the on-disk status of a running comparison, read by `results`,
// the viewer and `cancel` in other processes.
type TaskInfo struct {
	PID              int                  `json:"pid"`
	StartTime        time.Time            `json:"start_time"`
	ComparisonID     string               `json:"comparison_id"`
	SourceA          string               `json:"source_a"`
	SourceB          string               `json:"source_b"`
	Algorithm        comparison.Algorithm `json:"algorithm"`
	Stage            comparison.Stage     `json:"stage"`
	CurrentBucket    string               `json:"current_bucket,omitempty"`
	Progress         float64              `json:"progress"`
	TotalBuckets     int                  `json:"total_buckets"`
	CompletedBuckets int                  `json:"completed_buckets"`
	PendingBuckets   int                  `json:"pending_buckets"`
	ProcessedRows    int64                `json:"processed_rows"`
	DiffRows         int64                `json:"diff_rows"`
	CancelRequested  bool                 `json:"cancel_requested"`
	Error            string               `json:"error,omitempty"`
	LastUpdate       time.Time            `json:"last_update"`
}

// apply copies a progress snapshot into the task info.
func (t *TaskInfo) apply(p comparison.Progress) {
	t.Stage = p.Stage
	t.CurrentBucket = ""
	if p.CurrentBucket != nil {
		t.CurrentBucket = p.CurrentBucket.String()
	}
	t.TotalBuckets = p.TotalBuckets
	t.CompletedBuckets = p.CompletedBuckets
	t.PendingBuckets = p.PendingBuckets
	t.ProcessedRows = p.ProcessedRows
	t.DiffRows = p.DiffRows
	t.CancelRequested = p.CancelRequested
	t.Error = p.Error
	t.Progress = progressFraction(p)
}

// progressFraction is the share of known buckets completed. The bucket queue grows
// while buckets split, so the fraction can move backwards.
func progressFraction(p comparison.Progress) float64 {
	switch p.Stage {
	case comparison.StageCompleted:
		return 1
	}
	known := p.CompletedBuckets + p.PendingBuckets
	if known == 0 {
		return 0
	}
	return float64(p.CompletedBuckets) / float64(known)
}

func stateDir() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".data-compare")
}

// GetPIDFilePath returns the path to the PID file of a comparison run
func GetPIDFilePath(id string) string {
	return filepath.Join(stateDir(), "run", id+".pid")
}

// GetTaskFilePath returns the path to the task info file of a comparison run
func GetTaskFilePath(id string) string {
	return filepath.Join(stateDir(), "tasks", id+".json")
}

// GetStopFilePath returns the file whose creation asks the run of id to stop
func GetStopFilePath(id string) string {
	return filepath.Join(stateDir(), "stop", id)
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// WritePIDFile writes the current process PID for comparison id
func WritePIDFile(id string) error {
	return writeFile(GetPIDFilePath(id), []byte(strconv.Itoa(os.Getpid())))
}

func RemovePIDFile(id string) error {
	return os.Remove(GetPIDFilePath(id))
}

// ReadPIDFile reads the PID running comparison id
func ReadPIDFile(id string) (int, error) {
	data, err := os.ReadFile(GetPIDFilePath(id))
	if err != nil {
		return 0, err
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID in file: %w", err)
	}
	return pid, nil
}

// IsProcessRunning checks if a process with given PID is running
func IsProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 only checks for existence
	return process.Signal(syscall.Signal(0)) == nil
}

// WriteTaskInfo writes current task information to file
func WriteTaskInfo(info *TaskInfo) error {
	info.LastUpdate = time.Now()

	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal task info: %w", err)
	}
	return writeFile(GetTaskFilePath(info.ComparisonID), data)
}

// ReadTaskInfo reads current task information from file
func ReadTaskInfo(id string) (*TaskInfo, error) {
	return readTaskFile(GetTaskFilePath(id))
}

func readTaskFile(path string) (*TaskInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var info TaskInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task info: %w", err)
	}
	return &info, nil
}

func RemoveTaskFile(id string) error {
	return os.Remove(GetTaskFilePath(id))
}

// ListTaskInfos returns the task files of runs whose process is still alive,
// ordered by start time. Task files left behind by crashed runs are removed.
func ListTaskInfos() ([]*TaskInfo, error) {
	paths, err := filepath.Glob(filepath.Join(stateDir(), "tasks", "*.json"))
	if err != nil {
		return nil, err
	}

	infos := make([]*TaskInfo, 0, len(paths))
	for _, path := range paths {
		info, err := readTaskFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, err
		}
		if !IsProcessRunning(info.PID) {
			if err := RemoveTaskFile(info.ComparisonID); err != nil && !errors.Is(err, os.ErrNotExist) && logger != nil {
				logger.Debug(fmt.Sprintf("Failed to remove stale task file %s: %v", path, err))
			}
			continue
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].StartTime.Before(infos[j].StartTime) })
	return infos, nil
}

// removeRunFiles cleans up the PID, task and stop files of a finished run.
func removeRunFiles(id string) {
	for _, path := range []string{GetPIDFilePath(id), GetTaskFilePath(id), GetStopFilePath(id)} {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) && logger != nil {
			logger.Debug(fmt.Sprintf("Failed to remove %s: %v", path, err))
		}
	}
}
