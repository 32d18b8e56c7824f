package tracing

import (
	"context"
	"testing"
	"time"
)

func TestNewProvider_Disabled(t *testing.T) {
	provider, err := NewProvider(Config{ServiceName: "insights-test", Enabled: false})
	if err != nil {
		t.Fatalf("expected no error for disabled tracing, got %v", err)
	}
	if provider.IsEnabled() {
		t.Error("expected tracing to be disabled")
	}
	if provider.Tracer("noop") == nil {
		t.Error("expected a tracer even when disabled")
	}
}

func TestNewProvider_InvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"missing service name", Config{Enabled: true, SamplingRate: 0.1}},
		{"negative sampling rate", Config{ServiceName: "svc", Enabled: true, SamplingRate: -0.1}},
		{"sampling rate above one", Config{ServiceName: "svc", Enabled: true, SamplingRate: 1.5}},
		{"unsupported exporter", Config{ServiceName: "svc", Enabled: true, SamplingRate: 0.5, ExporterType: "zipkin"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewProvider(tt.cfg); err == nil {
				t.Fatal("expected an error")
			}
		})
	}
}

func TestNewProvider_HTTPExporter(t *testing.T) {
	provider, err := NewProvider(Config{
		ServiceName:  "insights-test",
		Enabled:      true,
		Environment:  "test",
		ExporterType: ExporterOTLPHTTP,
		OTLPEndpoint: "localhost:4318",
		SamplingRate: 0.0,
		InsecureMode: true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !provider.IsEnabled() {
		t.Error("expected tracing to be enabled")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := provider.Shutdown(ctx); err != nil {
		t.Errorf("unexpected shutdown error: %v", err)
	}
}

func TestSamplerFor(t *testing.T) {
	tests := []struct {
		rate float64
		want string
	}{
		{1.0, "AlwaysOnSampler"},
		{0.0, "AlwaysOffSampler"},
	}
	for _, tt := range tests {
		if got := samplerFor(tt.rate).Description(); got != tt.want {
			t.Errorf("samplerFor(%v) = %q, want %q", tt.rate, got, tt.want)
		}
	}
}

func TestProvider_Shutdown_Nil(t *testing.T) {
	provider := &Provider{}
	if err := provider.Shutdown(context.Background()); err != nil {
		t.Errorf("unexpected error on shutdown with nil tp: %v", err)
	}
}
