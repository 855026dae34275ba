// ============================================================================
// Voxel-Pipeline Server - 診斷服務
// ============================================================================
//
// Package: internal/server
// 文件: server.go
// 功能: HTTP（chi）與 gRPC 診斷介面，唯讀地觀察引擎狀態
//
// HTTP 路由:
//   GET  /healthz           存活檢查
//   GET  /metrics           prometheus 指標
//   GET  /debug/status      完整引擎狀態
//   GET  /debug/telemetry   平滑後的迴圈時間與佇列深度
//   GET  /debug/regions     每個區塊的管線階段
//   GET  /debug/stream      websocket，每個週期推送一次 telemetry
//   POST /debug/blocks      修改方塊（觸發重新網格化）
//   POST /debug/chunks      請求以某點為中心的區塊
//
// gRPC:
//   voxel.diagnostics.v1.Diagnostics/Snapshot 與標準 health 服務
//
// ============================================================================

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ChuLiYu/voxel-pipeline/internal/engine"
	"github.com/ChuLiYu/voxel-pipeline/internal/logging"
	"github.com/ChuLiYu/voxel-pipeline/internal/pipeline"
	"github.com/ChuLiYu/voxel-pipeline/pkg/types"
)

var log = logging.For("server")

// Source 診斷資料來源（engine.Engine）
type Source interface {
	Status() engine.Status
	Regions() []pipeline.RegionInfo
	SetBlock(wx, wy, wz int, id types.BlockID) (int, error)
	RequestChunks(originX, originZ, radius int) int
}

// Options 服務參數；位址為空時不啟動對應的服務
type Options struct {
	HTTPAddr       string
	GRPCAddr       string
	StreamInterval time.Duration
}

// Server 診斷服務
type Server struct {
	src      Source
	gatherer prometheus.Gatherer
	opts     Options
	upgrader websocket.Upgrader

	health *health.Server
	grpc   *grpc.Server
	http   *http.Server

	mu       sync.Mutex
	httpLn   net.Listener
	grpcLn   net.Listener
	stopSync context.CancelFunc
	wg       sync.WaitGroup
}

// New 建立診斷服務；gatherer 為 nil 時使用 prometheus.DefaultGatherer
func New(src Source, gatherer prometheus.Gatherer, opts Options) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if opts.StreamInterval <= 0 {
		opts.StreamInterval = time.Second
	}
	s := &Server{
		src:      src,
		gatherer: gatherer,
		opts:     opts,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		health: health.NewServer(),
	}
	s.grpc = grpc.NewServer()
	RegisterDiagnosticsServer(s.grpc, &diagnostics{src: src})
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.SyncHealth()
	return s
}

// Router HTTP 路由
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(requestLogger)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Route("/debug", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/telemetry", s.handleTelemetry)
		r.Get("/regions", s.handleRegions)
		r.Get("/stream", s.handleStream)
		r.Post("/blocks", s.handleSetBlock)
		r.Post("/chunks", s.handleRequestChunks)
	})
	return r
}

// ============================================================================
// 生命週期
// ============================================================================

// Start 開始監聽；返回前位址已綁定
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.opts.HTTPAddr != "" {
		ln, err := net.Listen("tcp", s.opts.HTTPAddr)
		if err != nil {
			return fmt.Errorf("listen http %s: %w", s.opts.HTTPAddr, err)
		}
		s.httpLn = ln
		s.http = &http.Server{Handler: s.Router(), ReadHeaderTimeout: 5 * time.Second}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("HTTP server failed", "error", err)
			}
		}()
		log.Info("HTTP diagnostics listening", "addr", ln.Addr().String())
	}

	if s.opts.GRPCAddr != "" {
		ln, err := net.Listen("tcp", s.opts.GRPCAddr)
		if err != nil {
			if s.httpLn != nil {
				s.http.Close()
			}
			return fmt.Errorf("listen grpc %s: %w", s.opts.GRPCAddr, err)
		}
		s.grpcLn = ln
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.grpc.Serve(ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				log.Error("gRPC server failed", "error", err)
			}
		}()
		log.Info("gRPC diagnostics listening", "addr", ln.Addr().String())
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.stopSync = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.opts.StreamInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.SyncHealth()
			}
		}
	}()
	return nil
}

// Shutdown 停止所有服務
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	stopSync, httpSrv := s.stopSync, s.http
	s.stopSync = nil
	s.mu.Unlock()

	if stopSync != nil {
		stopSync()
	}
	s.health.Shutdown()

	var err error
	if httpSrv != nil {
		err = httpSrv.Shutdown(ctx)
	}

	stopped := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		s.grpc.Stop()
	}

	s.wg.Wait()
	return err
}

// HTTPAddr 實際監聽的 HTTP 位址
func (s *Server) HTTPAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpLn == nil {
		return ""
	}
	return s.httpLn.Addr().String()
}

// GRPCAddr 實際監聽的 gRPC 位址
func (s *Server) GRPCAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.grpcLn == nil {
		return ""
	}
	return s.grpcLn.Addr().String()
}

// SyncHealth 以引擎狀態更新 gRPC health：只有 running 時為 SERVING
func (s *Server) SyncHealth() {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if s.src.Status().State == engine.StateRunning.String() {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(DiagnosticsServiceName, status)
}

// ============================================================================
// HTTP handlers
// ============================================================================

// telemetryFrame /debug/telemetry 與 /debug/stream 的內容
type telemetryFrame struct {
	Time        time.Time `json:"time"`
	RenderMs    float64   `json:"render_ms"`
	SimMs       float64   `json:"sim_ms"`
	JobWaitMs   float64   `json:"job_wait_ms"`
	JobExecMs   float64   `json:"job_exec_ms"`
	QueueDepth  int       `json:"queue_depth"`
	Workers     int       `json:"workers"`
	Frames      uint64    `json:"frames"`
	Diagnostics string    `json:"diagnostics"`
}

func (s *Server) frame() telemetryFrame {
	st := s.src.Status()
	return telemetryFrame{
		Time:        time.Now().UTC(),
		RenderMs:    st.Telemetry.RenderMs,
		SimMs:       st.Telemetry.SimMs,
		JobWaitMs:   st.Telemetry.JobWaitMs,
		JobExecMs:   st.Telemetry.JobExecMs,
		QueueDepth:  st.QueueDepth,
		Workers:     st.Workers,
		Frames:      st.Telemetry.Frames,
		Diagnostics: st.Diagnostics,
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.src.Status())
}

func (s *Server) handleTelemetry(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.frame())
}

func (s *Server) handleRegions(w http.ResponseWriter, r *http.Request) {
	regions := s.src.Regions()
	if stage := r.URL.Query().Get("stage"); stage != "" {
		filtered := regions[:0]
		for _, info := range regions {
			if info.StageName == stage {
				filtered = append(filtered, info)
			}
		}
		regions = filtered
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":   len(regions),
		"regions": regions,
	})
}

// handleStream 每個週期推送一個 telemetry frame，直到客戶端關閉
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	// 讀取端只用來偵測關閉
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.opts.StreamInterval)
	defer ticker.Stop()
	for {
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(s.frame()); err != nil {
			log.Debug("Telemetry stream closed", "error", err)
			return
		}
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

type setBlockRequest struct {
	X     int           `json:"x"`
	Y     int           `json:"y"`
	Z     int           `json:"z"`
	Block types.BlockID `json:"block"`
}

func (s *Server) handleSetBlock(w http.ResponseWriter, r *http.Request) {
	var req setBlockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid body: %w", err))
		return
	}
	if req.Block > types.BlockStone {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("unknown block %d", req.Block))
		return
	}
	n, err := s.src.SetBlock(req.X, req.Y, req.Z, req.Block)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"mesh_jobs": n})
}

type requestChunksRequest struct {
	X      int `json:"x"`
	Z      int `json:"z"`
	Radius int `json:"radius"`
}

func (s *Server) handleRequestChunks(w http.ResponseWriter, r *http.Request) {
	var req requestChunksRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid body: %w", err))
		return
	}
	if req.Radius < 0 || req.Radius > 32 {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("radius must be in [0, 32], got %d", req.Radius))
		return
	}
	n := s.src.RequestChunks(req.X, req.Z, req.Radius)
	writeJSON(w, http.StatusAccepted, map[string]any{"scheduled": n})
}

// ============================================================================
// 工具函數
// ============================================================================

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{"error": err.Error()})
}
