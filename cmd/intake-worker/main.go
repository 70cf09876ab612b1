package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	cloudevents "github.com/cloudevents/sdk-go/v2"

	"github.com/intakehq/docintake/internal/config"
	"github.com/intakehq/docintake/internal/services"
)

var (
	intakeInstance *services.IntakeFunction
	once           sync.Once
	initErr        error
)

func init() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	functions.CloudEvent("ProcessDocumentUpload", processDocumentUpload)
}

// main is required by the Go Functions Framework.
func main() {}

// processDocumentUpload receives the storage object finalize event and
// hands it to the intake pipeline.
func processDocumentUpload(ctx context.Context, e cloudevents.Event) error {
	once.Do(func() {
		provider, err := config.NewProvider(config.GetEnv("INTAKE_CONFIG", "config.yaml"))
		if err != nil {
			initErr = err
			return
		}
		intakeInstance, initErr = services.NewIntakeFunction(context.Background(), provider)
	})
	if initErr != nil {
		slog.Error("Critical error during function initialization.", "error", initErr)
		return initErr
	}

	var gcsEvent services.GCSEvent
	if err := json.Unmarshal(e.Data(), &gcsEvent); err != nil {
		slog.Error("Failed to unmarshal event data.", "error", err, "data", string(e.Data()))
		return fmt.Errorf("json.Unmarshal: %w", err)
	}

	return intakeInstance.Process(ctx, gcsEvent)
}
