package telemetry

import (
	"context"
	"testing"

	"github.com/nextlevelbuilder/clawrun/internal/config"
)

func TestSetupDisabled(t *testing.T) {
	shutdown, err := Setup(context.Background(), config.TelemetryConfig{})
	if err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	if shutdown == nil {
		t.Fatal("Setup() returned nil shutdown")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown error = %v", err)
	}
}

func TestSetupUnknownProtocol(t *testing.T) {
	_, err := Setup(context.Background(), config.TelemetryConfig{Enabled: true, Protocol: "carrier-pigeon"})
	if err == nil {
		t.Fatal("Setup() accepted an unknown protocol")
	}
}

func TestTracerAlwaysAvailable(t *testing.T) {
	if Tracer() == nil {
		t.Fatal("Tracer() returned nil")
	}
	_, span := Tracer().Start(context.Background(), "noop")
	span.End()
}
