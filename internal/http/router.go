package http

import (
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/tracelight/server/internal/auth"
	"github.com/tracelight/server/internal/http/handlers"
	"github.com/tracelight/server/internal/middleware"
	"github.com/tracelight/server/internal/repo"
)

// NewRouter creates a new HTTP router with all routes configured
func NewRouter(
	exposureHandler *handlers.ExposureHandler,
	registrationHandler *handlers.RegistrationHandler,
	callbackHandler *handlers.CallbackHandler,
	jwtService *auth.JWTService,
	registrations repo.RegistrationRepo,
) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)

	healthHandler := handlers.NewHealthHandler()
	r.Get("/health", healthHandler.ServeHTTP)

	// The certificate carried in the body is the credential on this path
	r.Post("/publish", exposureHandler.HandlePublish)

	// Protected routes (require a valid identity token)
	r.Group(func(r chi.Router) {
		r.Use(middleware.Identity(jwtService, registrations))
		r.Post("/exposures/verify", exposureHandler.HandleVerify)
		r.Post("/exposures", exposureHandler.HandleUpload)
		r.Get("/exposures", exposureHandler.HandleList)
		r.Delete("/register", registrationHandler.HandleForget)
		r.Post("/callback", callbackHandler.HandleCallback)
		r.Post("/check-in", callbackHandler.HandleCheckIn)
		r.Post("/notices", callbackHandler.HandleNotice)
	})

	return r
}
