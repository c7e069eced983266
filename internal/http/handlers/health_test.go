package handlers

import (
	"context"
	"testing"
)

func TestHealthHandler_GetLivez(t *testing.T) {
	handler := NewHealthHandler("1.0.0")

	output, err := handler.GetLivez(context.Background(), &LivezInput{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if output == nil {
		t.Fatal("expected non-nil output")
	}

	if output.Body.Status != "ok" {
		t.Errorf("expected status 'ok', got '%s'", output.Body.Status)
	}
}

func TestHealthHandler_GetHealth(t *testing.T) {
	handler := NewHealthHandler("1.0.0")

	output, err := handler.GetHealth(context.Background(), &HealthInput{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if output == nil {
		t.Fatal("expected non-nil output")
	}

	if output.Body.Status != "healthy" {
		t.Errorf("expected status 'healthy', got '%s'", output.Body.Status)
	}

	if output.Body.Version != "1.0.0" {
		t.Errorf("expected version '1.0.0', got '%s'", output.Body.Version)
	}

	if output.Body.Goroutines <= 0 {
		t.Errorf("expected positive goroutine count, got %d", output.Body.Goroutines)
	}

	if output.Body.Memory.HeapAllocMB <= 0 {
		t.Errorf("expected heap allocation to be reported, got %f", output.Body.Memory.HeapAllocMB)
	}
}

func TestHealthHandler_NotConfigured(t *testing.T) {
	handler := NewHealthHandler("1.0.0")

	output, err := handler.GetHealth(context.Background(), &HealthInput{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if output.Body.Database.Status != "not_configured" {
		t.Errorf("expected database 'not_configured', got '%s'", output.Body.Database.Status)
	}

	if output.Body.Deck.Status != "not_configured" {
		t.Errorf("expected deck 'not_configured', got '%s'", output.Body.Deck.Status)
	}
}
