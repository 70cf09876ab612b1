package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"

	"github.com/intakehq/docintake/internal/config"
	"github.com/intakehq/docintake/internal/services"
)

var (
	apiInstance *services.ReviewAPI
	handler     http.Handler
	once        sync.Once
	initErr     error
)

func init() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	functions.HTTP("ReviewAPI", serveReviewAPI)
}

// main is required by the Go Functions Framework.
func main() {}

// serveReviewAPI routes every review API request through the service mux.
func serveReviewAPI(w http.ResponseWriter, r *http.Request) {
	once.Do(func() {
		provider, err := config.NewProvider(config.GetEnv("INTAKE_CONFIG", "config.yaml"))
		if err != nil {
			initErr = err
			return
		}
		apiInstance, initErr = services.NewReviewAPI(context.Background(), provider)
		if initErr == nil {
			handler = apiInstance.Handler()
		}
	})
	if initErr != nil {
		slog.Error("Critical error during function initialization.", "error", initErr)
		http.Error(w, "Internal Server Error: failed to initialize service", http.StatusInternalServerError)
		return
	}

	handler.ServeHTTP(w, r)
}
