// Package logger wires admin tooling into Google Cloud Logging. The
// client-side library logs through package log instead; this is only for
// commands that run inside the project (archive, token minting).
package logger

import (
	"context"
	"fmt"
	stdlog "log"

	"cloud.google.com/go/compute/metadata"
	"cloud.google.com/go/logging"
)

// New returns a standard logger that writes to the named Cloud Logging log
// in the current project, plus a close function flushing buffered entries.
// The project id comes from the metadata server when not given.
func New(ctx context.Context, projectID, logName string) (*stdlog.Logger, func() error, error) {
	if projectID == "" {
		detected, err := metadata.ProjectIDWithContext(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("logger: detect project id: %w", err)
		}
		projectID = detected
	}
	client, err := logging.NewClient(ctx, projectID)
	if err != nil {
		return nil, nil, fmt.Errorf("logger: create client: %w", err)
	}
	return client.Logger(logName).StandardLogger(logging.Info), client.Close, nil
}
