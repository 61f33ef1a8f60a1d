package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/airframesio/data-compare/cmd/comparison"
	"github.com/airframesio/data-compare/cmd/store"
)

var (
	viewerPort int

	upgrader = websocket.Upgrader{
		CheckOrigin: func(_ *http.Request) bool {
			return true // Allow all origins for local development
		},
	}

	// logBroadcast is non-nil only while a viewer runs in this process
	logBroadcastMu sync.RWMutex
	logBroadcast   chan LogMessage
)

const (
	debounceDuration = 200 * time.Millisecond
	refreshInterval  = 2 * time.Second
	pollInterval     = 500 * time.Millisecond
)

var viewerCmd = &cobra.Command{
	Use:   "viewer",
	Short: "Start a web server to monitor comparisons",
	Long: `Starts a local web server listing stored comparisons and the runs in progress
on this machine, with live progress, streamed logs and Prometheus metrics on /metrics.`,
	Run: func(cmd *cobra.Command, _ []string) {
		defer recoverPanic()
		exitOnError("Viewer", runViewer(cmd))
	},
}

func init() {
	rootCmd.AddCommand(viewerCmd)
	viewerCmd.Flags().IntVarP(&viewerPort, "port", "p", 8080, "Port to run the web server on")
}

// LogMessage is a log line streamed to viewer clients.
type LogMessage struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Message   string `json:"message"`
}

func currentLogBroadcast() chan LogMessage {
	logBroadcastMu.RLock()
	defer logBroadcastMu.RUnlock()
	return logBroadcast
}

func setLogBroadcast(ch chan LogMessage) {
	logBroadcastMu.Lock()
	logBroadcast = ch
	logBroadcastMu.Unlock()
}

// WSMessage is the envelope of every message sent on /ws.
type WSMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type StatusResponse struct {
	Version         string      `json:"version"`
	UpdateAvailable bool        `json:"updateAvailable,omitempty"`
	LatestVersion   string      `json:"latestVersion,omitempty"`
	ReleaseURL      string      `json:"releaseUrl,omitempty"`
	Running         []*TaskInfo `json:"running"`
	Timestamp       time.Time   `json:"timestamp"`
}

// ComparisonSummary is one row of the comparisons list.
type ComparisonSummary struct {
	ID                string               `json:"id"`
	Name              string               `json:"name"`
	SourceA           string               `json:"sourceA,omitempty"`
	SourceB           string               `json:"sourceB,omitempty"`
	Algorithm         comparison.Algorithm `json:"algorithm,omitempty"`
	LastStage         comparison.Stage     `json:"lastStage,omitempty"`
	LastRunAt         *time.Time           `json:"lastRunAt,omitempty"`
	LastExecutionTime int64                `json:"lastExecutionTime,omitempty"`
	ResultsTableName  string               `json:"resultsTableName,omitempty"`
	DiffRows          int64                `json:"diffRows"`
	PartialResults    bool                 `json:"partialResults"`
	LastError         string               `json:"lastError,omitempty"`
}

func summarize(c *comparison.Comparison) ComparisonSummary {
	s := ComparisonSummary{
		ID:                c.ID,
		Name:              c.Name,
		LastStage:         c.LastStage,
		LastRunAt:         c.LastRunAt,
		LastExecutionTime: c.LastExecutionTime,
		ResultsTableName:  c.ResultsTableName,
		PartialResults:    c.Metadata.PartialResults,
		LastError:         c.LastError,
	}
	if c.Config != nil {
		s.SourceA = c.Config.SourceA.Label()
		s.SourceB = c.Config.SourceB.Label()
		s.Algorithm = c.Config.Algorithm
	}
	if em := c.Metadata.ExecutionMetadata; em != nil {
		s.Algorithm = em.AlgorithmUsed
		if em.Summary != nil {
			s.DiffRows = em.Summary.DiffRows()
		}
	}
	return s
}

// ProgressResponse reports where the progress of a comparison came from: the
// run in this process, Redis, or the task file of another process.
type ProgressResponse struct {
	ComparisonID string               `json:"comparisonId"`
	Source       string               `json:"source"`
	Progress     *comparison.Progress `json:"progress,omitempty"`
	Task         *TaskInfo            `json:"task,omitempty"`
}

// clientWrapper wraps a websocket connection with a write mutex to ensure thread-safe writes
type clientWrapper struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (cw *clientWrapper) writeJSON(v any) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	return cw.conn.WriteJSON(v)
}

// hub fans messages out to its websocket clients.
type hub struct {
	mu       sync.RWMutex
	clients  map[*websocket.Conn]*clientWrapper
	messages chan any
}

func newHub(buffer int) *hub {
	return &hub{
		clients:  make(map[*websocket.Conn]*clientWrapper),
		messages: make(chan any, buffer),
	}
}

func (h *hub) add(conn *websocket.Conn) *clientWrapper {
	wrapper := &clientWrapper{conn: conn}
	h.mu.Lock()
	h.clients[conn] = wrapper
	h.mu.Unlock()
	return wrapper
}

func (h *hub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.clients, conn)
	h.mu.Unlock()
}

// publish never blocks; messages are dropped when the buffer is full.
func (h *hub) publish(msg any) {
	select {
	case h.messages <- msg:
	default:
	}
}

func (h *hub) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case msg := <-h.messages:
			h.broadcast(msg)
		}
	}
}

func (h *hub) broadcast(msg any) {
	h.mu.RLock()
	var failed []*websocket.Conn
	for conn, wrapper := range h.clients {
		if err := wrapper.writeJSON(msg); err != nil {
			failed = append(failed, conn)
		}
	}
	h.mu.RUnlock()

	if len(failed) > 0 {
		h.mu.Lock()
		for _, conn := range failed {
			if wrapper, ok := h.clients[conn]; ok {
				wrapper.conn.Close()
				delete(h.clients, conn)
			}
		}
		h.mu.Unlock()
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
		delete(h.clients, conn)
	}
}

// viewerServer serves the web UI and its API for one app.
type viewerServer struct {
	app      *app
	progress *hub
	logs     *hub

	startOnce sync.Once
}

func newViewerServer(a *app) *viewerServer {
	return &viewerServer{
		app:      a,
		progress: newHub(100),
		logs:     newHub(1000),
	}
}

func (v *viewerServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", serveViewer)
	mux.HandleFunc("GET /api/status", v.serveStatus)
	mux.HandleFunc("GET /api/comparisons", v.serveComparisons)
	mux.HandleFunc("GET /api/comparisons/{id}", v.serveComparison)
	mux.HandleFunc("GET /api/comparisons/{id}/progress", v.serveProgress)
	mux.HandleFunc("GET /ws", v.handleWebSocket)
	mux.HandleFunc("GET /ws/logs", v.handleLogsWebSocket)
	mux.HandleFunc("GET /ws/progress/{id}", v.handleProgressWebSocket)
	if v.app.metrics != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(v.app.metrics.Registry(), promhttp.HandlerOpts{}))
	}
	return mux
}

// startBackground starts the broadcast hubs, log streaming and the file monitor
// once. Everything stops when ctx is done.
func (v *viewerServer) startBackground(ctx context.Context) {
	v.startOnce.Do(func() {
		logs := make(chan LogMessage, 1000)
		setLogBroadcast(logs)
		go func() {
			<-ctx.Done()
			setLogBroadcast(nil)
		}()
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case msg := <-logs:
					v.logs.publish(msg)
				}
			}
		}()
		go v.progress.run(ctx)
		go v.logs.run(ctx)
		go v.dataMonitor(ctx)
	})
}

// start serves the viewer on port in the background. The returned function
// shuts it down.
func (v *viewerServer) start(port int) (func(), error) {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("failed to start viewer on port %d: %w", port, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	v.startBackground(ctx)

	server := &http.Server{
		Handler:           v.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(fmt.Sprintf("Viewer server error: %v", err))
		}
	}()
	logger.Info(fmt.Sprintf("📊 Viewer running on http://localhost:%d", port))

	return func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		// Hijacked websocket connections are closed by the hubs, not Shutdown.
		cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Debug(fmt.Sprintf("Viewer shutdown: %v", err))
		}
	}, nil
}

// progressSink forwards progress of a run in this process to /ws clients.
func (v *viewerServer) progressSink(id string) comparison.ProgressSink {
	return func(p comparison.Progress) {
		v.progress.publish(WSMessage{
			Type: "progress",
			Data: store.ProgressEvent{ComparisonID: id, Progress: p},
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	// Enable CORS for local development
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrInvalidID):
		status = http.StatusBadRequest
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (v *viewerServer) status() StatusResponse {
	running, err := ListTaskInfos()
	if err != nil {
		logger.Debug(fmt.Sprintf("Failed to list task files: %v", err))
	}
	if running == nil {
		running = []*TaskInfo{}
	}
	response := StatusResponse{Version: Version, Running: running, Timestamp: time.Now()}
	if check := latestVersionCheck.Load(); check != nil {
		response.UpdateAvailable = check.UpdateAvailable
		response.LatestVersion = check.LatestVersion
		response.ReleaseURL = check.ReleaseURL
	}
	return response
}

func (v *viewerServer) comparisons(ctx context.Context) ([]ComparisonSummary, error) {
	list, err := v.app.service.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]ComparisonSummary, 0, len(list))
	for _, c := range list {
		out = append(out, summarize(c))
	}
	return out, nil
}

func (v *viewerServer) serveStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, v.status())
}

func (v *viewerServer) serveComparisons(w http.ResponseWriter, r *http.Request) {
	list, err := v.comparisons(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (v *viewerServer) serveComparison(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := store.ValidateID(id); err != nil {
		writeError(w, err)
		return
	}
	c, err := v.app.service.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// latestProgress looks for the progress of id in this process, then Redis, then
// the task file of another process.
func (v *viewerServer) latestProgress(ctx context.Context, id string) (*ProgressResponse, error) {
	if p, ok := v.app.service.Progress(id); ok {
		return &ProgressResponse{ComparisonID: id, Source: "live", Progress: &p}, nil
	}
	if v.app.publisher != nil {
		p, err := v.app.publisher.Latest(ctx, id)
		if err == nil {
			return &ProgressResponse{ComparisonID: id, Source: "redis", Progress: p}, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			logger.Debug(fmt.Sprintf("Failed to read progress from redis: %v", err))
		}
	}
	if info, err := ReadTaskInfo(id); err == nil && IsProcessRunning(info.PID) {
		return &ProgressResponse{ComparisonID: id, Source: "task", Task: info}, nil
	}
	return nil, fmt.Errorf("%w: no progress for %s", store.ErrNotFound, id)
}

func (v *viewerServer) serveProgress(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := store.ValidateID(id); err != nil {
		writeError(w, err)
		return
	}
	resp, err := v.latestProgress(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func serveViewer(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(viewerHTML))
}

// readUntilClosed drains a connection and calls done once the client goes away.
func readUntilClosed(conn *websocket.Conn, done func()) {
	defer done()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Debug(fmt.Sprintf("WebSocket error: %v", err))
			}
			return
		}
	}
}

func (v *viewerServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Debug(fmt.Sprintf("WebSocket upgrade error: %v", err))
		return
	}
	defer conn.Close()

	wrapper := v.progress.add(conn)
	defer v.progress.remove(conn)

	_ = wrapper.writeJSON(WSMessage{Type: "status", Data: v.status()})
	if list, err := v.comparisons(r.Context()); err == nil {
		_ = wrapper.writeJSON(WSMessage{Type: "comparisons", Data: list})
	}

	readUntilClosed(conn, func() {})
}

func (v *viewerServer) handleLogsWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Debug(fmt.Sprintf("Logs WebSocket upgrade error: %v", err))
		return
	}
	defer conn.Close()

	v.logs.add(conn)
	defer v.logs.remove(conn)

	readUntilClosed(conn, func() {})
}

// handleProgressWebSocket streams the progress of one comparison. With Redis the
// Pub/Sub channel is forwarded, so runs in other processes are followed live;
// otherwise the in-process run and the task file are polled.
func (v *viewerServer) handleProgressWebSocket(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := store.ValidateID(id); err != nil {
		writeError(w, err)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Debug(fmt.Sprintf("Progress WebSocket upgrade error: %v", err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go readUntilClosed(conn, cancel)

	client := &clientWrapper{conn: conn}
	send := func(resp *ProgressResponse) bool {
		return client.writeJSON(WSMessage{Type: "progress", Data: resp}) == nil
	}

	if v.app.publisher != nil {
		events, closeSub, err := v.app.publisher.Subscribe(ctx, id)
		if err == nil {
			defer closeSub()
			_ = client.writeJSON(WSMessage{Type: "ready", Data: id})
			if resp, err := v.latestProgress(ctx, id); err == nil && !send(resp) {
				return
			}
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-events:
					if !ok {
						return
					}
					p := ev.Progress
					if !send(&ProgressResponse{ComparisonID: id, Source: "redis", Progress: &p}) {
						return
					}
				}
			}
		}
		logger.Debug(fmt.Sprintf("Redis subscription failed, polling instead: %v", err))
	}

	_ = client.writeJSON(WSMessage{Type: "ready", Data: id})
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	var last []byte
	for {
		if resp, err := v.latestProgress(ctx, id); err == nil {
			data, _ := json.Marshal(resp)
			if string(data) != string(last) {
				last = data
				if !send(resp) {
					return
				}
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (v *viewerServer) broadcastStatus() {
	v.progress.publish(WSMessage{Type: "status", Data: v.status()})
}

func (v *viewerServer) broadcastComparisons(ctx context.Context) {
	list, err := v.comparisons(ctx)
	if err != nil {
		logger.Debug(fmt.Sprintf("Failed to list comparisons: %v", err))
		return
	}
	v.progress.publish(WSMessage{Type: "comparisons", Data: list})
}

// watchDirs are the task directory and, for the file store, the store directory.
func (v *viewerServer) watchDirs() (taskDir, storeDir string) {
	taskDir = filepath.Dir(GetTaskFilePath("x"))
	if fs, ok := v.app.store.(*store.FileStore); ok {
		storeDir = fs.Dir()
	}
	return taskDir, storeDir
}

// dataMonitor watches task and comparison files and broadcasts updates, with a
// periodic refresh to catch missed events.
func (v *viewerServer) dataMonitor(ctx context.Context) {
	taskDir, storeDir := v.watchDirs()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Debug(fmt.Sprintf("Failed to create file watcher, falling back to polling: %v", err))
		v.dataMonitorFallback(ctx)
		return
	}
	defer watcher.Close()

	for _, dir := range []string{taskDir, storeDir} {
		if dir == "" {
			continue
		}
		_ = os.MkdirAll(dir, 0o755)
		if err := watcher.Add(dir); err != nil {
			logger.Debug(fmt.Sprintf("Failed to watch %s: %v", dir, err))
		}
	}

	var (
		mu            sync.Mutex
		debounceTimer *time.Timer
	)
	defer func() {
		mu.Lock()
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
		mu.Unlock()
	}()

	refreshTicker := time.NewTicker(refreshInterval)
	defer refreshTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(event.Name, ".json") {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			isTask := filepath.Dir(event.Name) == taskDir
			mu.Lock()
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(debounceDuration, func() {
				v.broadcastStatus()
				if !isTask {
					v.broadcastComparisons(ctx)
				}
			})
			mu.Unlock()
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Debug(fmt.Sprintf("File watcher error: %v", err))
		case <-refreshTicker.C:
			v.broadcastStatus()
			v.broadcastComparisons(ctx)
		}
	}
}

func (v *viewerServer) dataMonitorFallback(ctx context.Context) {
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			v.broadcastStatus()
			v.broadcastComparisons(ctx)
		}
	}
}

func runViewer(cmd *cobra.Command) error {
	config := setupCommand(false)
	if cmd.Flags().Changed("port") {
		config.ViewerPort = viewerPort
	}

	ctx, cancel := commandContext()
	defer cancel()

	a, err := newApp(ctx, config)
	if err != nil {
		return err
	}
	defer closeApp(a)

	logger.Info("")
	logger.Info(fmt.Sprintf("🚀 Data Compare Viewer v%s", Version))
	startUpdateCheck(newUpdateChecker())
	v := newViewerServer(a)
	stop, err := v.start(config.ViewerPort)
	if err != nil {
		return err
	}
	defer stop()

	logger.Info("🌐 Open your browser to follow comparisons")
	logger.Info("⌨️  Press Ctrl+C to stop the server")

	<-ctx.Done()
	logger.Info("")
	logger.Info("👋 Viewer stopped")
	return nil
}
