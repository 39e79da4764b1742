package routes

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"railwatch/internal/config"
	"railwatch/internal/handler"
	"railwatch/internal/logger"
	"railwatch/internal/middleware"
	"railwatch/internal/repository"
	"railwatch/internal/service/dataset"
	"railwatch/internal/service/review"
	"railwatch/internal/service/websocket"
)

// Trainer is the retrain trigger as seen by the HTTP layer.
type Trainer interface {
	handler.Trainer
	handler.LabelListener
}

// Services are the dependencies the HTTP layer is built from.
type Services struct {
	Reviews     *review.Service
	Dataset     *dataset.Store
	Annotations repository.AnnotationRepository
	Engine      handler.Resolver
	Trainer     Trainer
	Detector    handler.Detector
	Hub         *websocket.HubService
	Gatherer    prometheus.Gatherer
}

// dynamicHTMLHandler serves /path as <static>/path.html if the file exists; otherwise 404.
func dynamicHTMLHandler(staticDir string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimSuffix(r.URL.Path, "/")
		if path == "" {
			path = "/index"
		}

		filePath := filepath.Join(staticDir, filepath.Clean(path)+".html")
		if _, err := os.Stat(filePath); os.IsNotExist(err) {
			http.NotFound(w, r)
			return
		}

		http.ServeFile(w, r, filePath)
	}
}

// SetupRoutes registers HTTP routes, static file serving, API endpoints,
// and wraps the mux with the authentication middleware.
func SetupRoutes(svc Services, cfg *config.Config, logger *logger.Logger) http.Handler {
	mux := http.NewServeMux()

	// Static files
	mux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServer(http.Dir(cfg.StaticDir))))

	// Fault review
	mux.HandleFunc("POST /api/faults/{id}/confirm", handler.ConfirmHandler(svc.Engine, logger))
	mux.HandleFunc("POST /api/faults/{id}/assign", handler.AssignHandler(svc.Reviews, logger))
	mux.HandleFunc("POST /api/faults/{id}/feedback", handler.FeedbackHandler(svc.Reviews, logger))
	mux.HandleFunc("GET /api/faults", handler.ListFaultsHandler(svc.Reviews, svc.Dataset, logger))
	mux.HandleFunc("GET /api/faults/all", handler.ListAllFaultsHandler(svc.Reviews, svc.Dataset, logger))
	mux.HandleFunc("GET /api/tasks", handler.ListTasksHandler(svc.Reviews, logger))

	// Annotation
	mux.HandleFunc("GET /api/annotate", handler.AnnotateHandler(svc.Dataset, svc.Annotations, logger))
	mux.HandleFunc("POST /api/annotate/save", handler.SaveLabelsHandler(svc.Dataset, svc.Annotations, svc.Trainer, logger))
	mux.HandleFunc("GET /api/annotations/pending", handler.PendingAnnotationsHandler(svc.Annotations, logger))
	mux.HandleFunc("GET /api/classes", handler.ClassesHandler(svc.Dataset, logger))
	mux.HandleFunc("POST /api/classes", handler.AddClassHandler(svc.Dataset, logger))

	// Jobs
	mux.HandleFunc("POST /api/detect", handler.DetectHandler(svc.Detector, logger))
	mux.HandleFunc("POST /api/train", handler.TrainHandler(svc.Trainer, logger))
	mux.HandleFunc("GET /api/train/status", handler.TrainStatusHandler(svc.Trainer, logger))

	// Images
	mux.HandleFunc("GET /media/{name}", handler.MediaHandler(cfg.MediaDirectory))
	mux.HandleFunc("GET /dataset/images/{name}", handler.DatasetImageHandler(svc.Dataset))

	// Live events and metrics
	mux.HandleFunc("GET /ws/faults", handler.FaultsWebsocketHandler(svc.Hub, logger))
	if svc.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(svc.Gatherer, promhttp.HandlerOpts{}))
	}

	// Log endpoints
	for _, name := range []string{"info", "warning", "error"} {
		file := name + ".log"
		mux.HandleFunc("GET /logs/"+name, handler.ShowLogsHandler(logger.Dir(), file))
		mux.HandleFunc("POST /logs/"+name+"/clear", handler.ClearLogsHandler(logger, file))
	}

	// Auth endpoints
	mux.HandleFunc("POST /auth/login", handler.LoginHandler(cfg, logger))
	mux.HandleFunc("GET /auth/logout", handler.LogoutHandler)

	// Automatic HTML handler mapping for example: /annotate -> <static>/annotate.html
	mux.HandleFunc("GET /", dynamicHTMLHandler(cfg.StaticDir))

	return middleware.AuthMiddleware(mux)
}
