package api

import (
	"github.com/go-chi/chi/v5"
)

// setupAPIRoutes sets up API v1 routes
func (s *RESTServer) setupAPIRoutes(r chi.Router) {
	// Health check
	r.Get("/health", s.HandleHealth)

	// Auth routes (public)
	r.Route("/auth", func(r chi.Router) {
		r.Post("/login", s.HandleLogin)
		r.Post("/refresh", s.HandleRefresh)
	})

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		// Pairing control
		r.Route("/pairing", func(r chi.Router) {
			r.Get("/", s.HandlePairingStatus)
			r.Post("/start", s.HandleStartPairing)
			r.Post("/cancel", s.HandleCancelPairing)
			r.Post("/auto", s.HandleAutoPair)
		})

		// Devices
		r.Route("/devices", func(r chi.Router) {
			r.Get("/", s.HandleListDevices)
			r.Post("/save", s.HandleSaveRegistry)
			r.Post("/reload", s.HandleReloadRegistry)
			r.Route("/{address}", func(r chi.Router) {
				r.Get("/", s.HandleGetDevice)
				r.Put("/", s.HandleUpdateDevice)
				r.Delete("/", s.HandleDeleteDevice)
				r.Post("/on", s.HandleDeviceOn)
				r.Post("/off", s.HandleDeviceOff)
				r.Post("/status", s.HandleDeviceStatus)
				r.Post("/command", s.HandleDeviceCommand)
				r.Get("/events", s.HandleDeviceEvents)
				r.Get("/frames", s.HandleDeviceFrames)
			})
		})

		// Users
		r.Route("/users", func(r chi.Router) {
			r.Get("/", s.HandleListUsers)
			r.Post("/", s.HandleCreateUser)
		})
	})
}
