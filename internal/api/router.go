package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/nerrad567/microscope-core/internal/auth"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.withRequestID, s.accessLog, s.recoverPanics, s.cors)
	r.Use(middleware.RequestSize(maxBodyBytes))

	r.Route("/api/v1", func(r chi.Router) {
		// Unauthenticated
		r.Get("/health", s.handleHealth)
		r.Get("/metrics", s.handleMetrics)
		r.Post("/auth/login", s.handleLogin)

		// WebSocket (auth via ticket, validated in handler)
		r.Get("/ws", s.handleWebSocket)

		r.Group(func(r chi.Router) {
			r.Use(s.authenticate)

			r.Get("/auth/me", s.handleMe)
			r.Post("/auth/ws-ticket", s.handleWSTicket)

			r.Route("/devices", func(r chi.Router) {
				r.With(s.requirePermission(auth.PermDeviceRead)).Get("/", s.handleListDevices)
				r.With(s.requirePermission(auth.PermDeviceConfigure)).Post("/apply", s.handleApplySettings)

				r.Route("/{name}", func(r chi.Router) {
					r.Group(func(r chi.Router) {
						r.Use(s.requirePermission(auth.PermDeviceRead))
						r.Get("/", s.handleGetDevice)
						r.Get("/descriptor", s.handleDescribeDevice)
						r.Get("/status", s.handleDeviceStatus)
						r.Get("/settings", s.handleListSettings)
						r.Get("/settings/{setting}", s.handleGetSetting)
						r.Get("/history", s.handleDeviceHistory)
					})

					r.Group(func(r chi.Router) {
						r.Use(s.requirePermission(auth.PermDeviceConfigure))
						r.Put("/settings/{setting}", s.handleSetSetting)
						r.Patch("/settings", s.handleSetSettings)
						r.Post("/flush", s.handleFlushDevice)
					})

					r.Group(func(r chi.Router) {
						r.Use(s.requirePermission(auth.PermDeviceLifecycle))
						r.Post("/initialize", s.handleInitializeDevice)
						r.Post("/shutdown", s.handleShutdownDevice)
						r.Post("/abort", s.handleAbortDevice)
					})
				})
			})

			r.Route("/sessions", func(r chi.Router) {
				r.With(s.requirePermission(auth.PermDeviceRead)).Get("/", s.handleListSessions)
				r.With(s.requirePermission(auth.PermDeviceRead)).Get("/active", s.handleActiveSessions)
				r.With(s.requirePermission(auth.PermSessionRun)).Post("/", s.handleRunSession)
				r.With(s.requirePermission(auth.PermDeviceRead)).Get("/{id}", s.handleGetSession)
				r.With(s.requirePermission(auth.PermSessionRun)).Post("/{id}/abort", s.handleAbortSession)
			})

			r.Route("/dependencies", func(r chi.Router) {
				r.With(s.requirePermission(auth.PermDeviceRead)).Get("/", s.handleListDependencies)
				r.With(s.requirePermission(auth.PermTopologyManage)).Post("/", s.handleAddDependency)
			})
		})
	})

	return r
}
