package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	log "github.com/sirupsen/logrus"
	httpSwagger "github.com/swaggo/http-swagger/v2"
)

// NewRouter mounts the task and inbox endpoints with the shared middleware stack.
// The event stream is mounted only when events is non-nil.
func NewRouter(tasks *TasksHandler, inbox *InboxHandler, events *EventsHandler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{"Location", "X-Request-ID"},
	}))

	r.Get("/", handleRoot)

	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL(OpenAPIPath),
	))
	r.Get(OpenAPIPath, handleOpenAPISpec)

	r.Route("/api/tasks", func(r chi.Router) {
		r.Get("/", tasks.ListTasks)
		r.Post("/", tasks.CreateTask)

		r.Post("/send-email", tasks.SendEmail)
		r.Get("/check-inbox-imap", inbox.CheckIMAP)
		r.Get("/check-inbox-pop3", inbox.CheckPOP3)
		if events != nil {
			r.Get("/events", events.Handle)
		}

		r.Get("/{id}", tasks.GetTask)
		r.Put("/{id}", tasks.UpdateTask)
		r.Delete("/{id}", tasks.DeleteTask)
	})

	return r
}

func handleRoot(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "Task API is running")
}

// requestLogger logs one line per request with logrus.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		log.WithFields(log.Fields{
			"request_id": middleware.GetReqID(r.Context()),
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"bytes":      ww.BytesWritten(),
			"duration":   time.Since(start).String(),
		}).Info("http_request")
	})
}
