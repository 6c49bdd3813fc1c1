package httpapi

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Router 使用标准库 http.ServeMux（避免引入第三方路由依赖）
type Router struct {
	mux    *http.ServeMux
	logger *zap.Logger
}

func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		mux:    http.NewServeMux(),
		logger: logger,
	}
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// RegisterCollectionRoutes 注册集合查询路由
func (r *Router) RegisterCollectionRoutes(h *CollectionHandler) {
	r.mux.HandleFunc("/api/v1/collections", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.ListCollections(w, req)
	})

	r.mux.HandleFunc("/api/v1/collections/export", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.ExportCollections(w, req)
	})

	// /api/v1/collections/{id} 与 /api/v1/collections/{id}/groups
	r.mux.HandleFunc("/api/v1/collections/", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		id, rest := pathSegment(req.URL.Path, "/api/v1/collections/")
		switch {
		case id == "":
			w.WriteHeader(http.StatusNotFound)
		case rest == "":
			h.GetCollection(w, req, id)
		case rest == "groups":
			h.GetCollectionGroups(w, req, id)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	// /api/v1/alarms/{id}/confirm
	r.mux.HandleFunc("/api/v1/alarms/", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		id, rest := pathSegment(req.URL.Path, "/api/v1/alarms/")
		if id == "" || rest != "confirm" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		h.ConfirmAlarm(w, req, id)
	})

	r.mux.HandleFunc("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

// Server 查询侧 HTTP 服务
type Server struct {
	server *http.Server
	logger *zap.Logger
}

// NewServer 创建 HTTP 服务
func NewServer(addr string, router *Router, logger *zap.Logger) *Server {
	return &Server{
		server: &http.Server{
			Addr:         addr,
			Handler:      router,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 60 * time.Second,
		},
		logger: logger,
	}
}

// Start 启动监听（非阻塞）
func (s *Server) Start() {
	go func() {
		s.logger.Info("HTTP server listening",
			zap.String("addr", s.server.Addr),
		)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server exited",
				zap.Error(err),
			)
		}
	}()
}

// Stop 优雅关闭
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
