// Package resource builds the attributes describing the process that
// produced a batch of spans.
package resource

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"

	"github.com/google/uuid"

	"github.com/ashita-ai/kiroku/internal/attribute"
	"github.com/ashita-ai/kiroku/internal/persistence"
)

// SDKName and SDKVersion identify this agent in every payload.
const (
	SDKName    = "kiroku-go"
	SDKVersion = "0.1.0"
)

// Settings select the attributes Source reports.
type Settings struct {
	ServiceName  string
	AppVersion   string
	ReleaseStage string

	// GenerateAnonymousID adds a device.id that is created once and
	// persisted in Store.
	GenerateAnonymousID bool
	Store               persistence.Store
}

// Source holds a snapshot of resource attributes. They are computed once;
// nothing they describe changes while the process runs.
type Source struct {
	attrs *attribute.Set
}

// New computes the resource attributes.
func New(ctx context.Context, s Settings, logger *slog.Logger) (*Source, error) {
	attrs := attribute.NewSet()
	if s.ServiceName != "" {
		attrs.Set("service.name", s.ServiceName)
	}
	if s.AppVersion != "" {
		attrs.Set("service.version", s.AppVersion)
	}
	attrs.Set("deployment.environment", s.ReleaseStage)
	attrs.Set("telemetry.sdk.name", SDKName)
	attrs.Set("telemetry.sdk.version", SDKVersion)
	if host, err := os.Hostname(); err == nil {
		attrs.Set("host.name", host)
	}
	attrs.Set("host.arch", runtime.GOARCH)
	attrs.Set("os.type", runtime.GOOS)
	attrs.Set("process.runtime.name", "go")
	attrs.Set("process.runtime.version", runtime.Version())

	if s.GenerateAnonymousID && s.Store != nil {
		id, err := deviceID(ctx, s.Store)
		if err != nil {
			return nil, err
		}
		attrs.Set("device.id", id)
		if logger != nil {
			logger.Debug("resource: device id ready", "device_id", id)
		}
	}
	return &Source{attrs: attrs}, nil
}

// Attributes returns a copy of the snapshot.
func (s *Source) Attributes() *attribute.Set {
	return s.attrs.Clone()
}

// deviceID loads the persisted anonymous id or creates and saves one.
func deviceID(ctx context.Context, store persistence.Store) (string, error) {
	var id string
	err := store.Load(ctx, persistence.KeyDeviceID, &id)
	if err == nil && id != "" {
		return id, nil
	}
	if err != nil && !errors.Is(err, persistence.ErrNotFound) {
		return "", fmt.Errorf("resource: load device id: %w", err)
	}
	id = uuid.New().String()
	if err := store.Save(ctx, persistence.KeyDeviceID, id); err != nil {
		return "", fmt.Errorf("resource: save device id: %w", err)
	}
	return id, nil
}
