package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	rh "github.com/capsulenote/capsule/route-handlers"
	"github.com/capsulenote/capsule/webutil"
)

const (
	apiBasePath        = "/api"
	usersBasePath      = "/users"
	lettersBasePath    = "/letters"
	deliveriesBasePath = "/deliveries"
	creditsBasePath    = "/credits"
)

const (
	sealSubPath     = "/seal"
	estimateSubPath = "/estimate"
	balanceSubPath  = "/balance"
)

const (
	paramID = "id" // General parameter name for resource IDs
)

func SetupRoutes(
	userHandler *rh.UserHandler,
	letterHandler *rh.LetterHandler,
	deliveryHandler *rh.DeliveryHandler,
	creditHandler *rh.CreditHandler,
	dispatchTick http.HandlerFunc,
	billingWebhook http.HandlerFunc,
) http.Handler {
	r := chi.NewRouter()

	// Middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)                                                 // Log every request
	r.Use(middleware.Recoverer)                                              // Recover from panics
	r.Use(middleware.Timeout(60 * time.Second))                              // Set a timeout context for requests
	r.Use(SetHeader(webutil.HeaderContentType, webutil.ContentTypeJSONUTF8)) // Default Content-Type

	// API versioning or grouping
	r.Route(apiBasePath, func(r chi.Router) {
		// Everything under /api acts on behalf of an authenticated user.
		r.Use(webutil.RequireAuthenticatedUser)

		configureUserRoutes(r, userHandler)
		configureLetterRoutes(r, letterHandler)
		configureDeliveryRoutes(r, deliveryHandler)
		configureCreditRoutes(r, creditHandler)
	})

	// Operational endpoints sit outside the user-auth boundary: the dispatch
	// tick is triggered by infrastructure, the webhook authenticates with an
	// HMAC signature.
	r.Post("/dispatch/tick", dispatchTick)
	r.Post("/webhooks/billing", billingWebhook)

	// Health check endpoint
	r.Get("/healthz", handleHealthCheck)

	return r
}

// Helper for constructing paths with a parameter
func pathWithParam(basePath string, paramName string) string {
	if basePath == "" {
		return "/{" + paramName + "}"
	}
	return basePath + "/{" + paramName + "}"
}

// --- User Routes ---
func configureUserRoutes(r chi.Router, userHandler *rh.UserHandler) {
	userSpecificPath := pathWithParam("", paramID) // e.g., "/{id}"

	r.Route(usersBasePath, func(r chi.Router) {
		r.Get("/", webutil.MakeHandler(userHandler.HandleGetUsers))
		r.Post("/", webutil.MakeHandler(userHandler.HandleCreateUser))
		r.Get(userSpecificPath, webutil.MakeHandler(userHandler.HandleGetUser))
	})
}

// --- Letter Routes ---
func configureLetterRoutes(r chi.Router, handler *rh.LetterHandler) {
	specificLetterPath := pathWithParam("", paramID) // e.g., "/{id}"

	r.Route(lettersBasePath, func(r chi.Router) {
		r.Get("/", webutil.MakeHandler(handler.HandleGetUserLetters))
		r.Post("/", webutil.MakeHandler(handler.HandleCreateLetter))
		r.Route(specificLetterPath, func(r chi.Router) {
			r.Get("/", webutil.MakeHandler(handler.HandleGetLetter))
			// Sealing is one-way; repeating it is a no-op.
			r.Post(sealSubPath, webutil.MakeHandler(handler.HandleSealLetter)) // POST /letters/{id}/seal
		})
	})
}

// --- Delivery Routes ---
func configureDeliveryRoutes(r chi.Router, handler *rh.DeliveryHandler) {
	specificDeliveryPath := pathWithParam("", paramID) // e.g., "/{id}"

	r.Route(deliveriesBasePath, func(r chi.Router) {
		r.Get("/", webutil.MakeHandler(handler.HandleGetUserDeliveries))
		r.Post("/", webutil.MakeHandler(handler.HandleScheduleDelivery))
		// Preview a dispatch instant without committing anything.
		r.Post(estimateSubPath, webutil.MakeHandler(handler.HandleEstimateDelivery)) // POST /deliveries/estimate
		r.Route(specificDeliveryPath, func(r chi.Router) {
			r.Get("/", webutil.MakeHandler(handler.HandleGetDelivery))
			r.Delete("/", webutil.MakeHandler(handler.HandleCancelDelivery))
		})
	})
}

// --- Credit Routes ---
func configureCreditRoutes(r chi.Router, handler *rh.CreditHandler) {
	r.Route(creditsBasePath, func(r chi.Router) {
		r.Get(balanceSubPath, webutil.MakeHandler(handler.HandleGetBalance)) // GET /credits/balance
	})
}

// --- Utility Functions ---

// handleHealthCheck responds to a health check request.
func handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set(webutil.HeaderContentType, webutil.ContentTypeTextPlainUTF8)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// SetHeader is a middleware to set a response header.
func SetHeader(key, value string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set(key, value)
			next.ServeHTTP(w, r)
		})
	}
}
