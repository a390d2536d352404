package health

import (
	"errors"
	"fmt"
	"testing"
)

func TestHealthManager_Aggregation(t *testing.T) {
	hm := NewHealthManager(nil)

	// Initial state: Healthy (no checks)
	if !hm.IsHealthy() {
		t.Error("Empty health manager should be healthy")
	}

	// Add healthy check
	hm.Register("comp1", func() error { return nil })
	if !hm.IsHealthy() {
		t.Error("Healthy component should not fail manager")
	}

	// Add unhealthy check
	hm.Register("comp2", func() error { return fmt.Errorf("failed") })
	if hm.IsHealthy() {
		t.Error("Unhealthy component should fail manager")
	}

	status := hm.GetStatus()
	if status["comp1"] != "Healthy" {
		t.Errorf("Expected Healthy, got %s", status["comp1"])
	}
	if status["comp2"] != "Unhealthy: failed" {
		t.Errorf("Expected Unhealthy, got %s", status["comp2"])
	}
}

func TestHealthManager_TransitionNotification(t *testing.T) {
	hm := NewHealthManager(nil)

	var checkErr error
	hm.Register("redis", func() error { return checkErr })

	var notified []string
	onUnhealthy := func(component string, err error) {
		notified = append(notified, component)
	}

	// Healthy poll: no notification
	hm.poll(onUnhealthy)
	if len(notified) != 0 {
		t.Fatalf("Expected no notifications while healthy, got %v", notified)
	}

	// Transition to unhealthy: exactly one notification
	checkErr = errors.New("connection refused")
	hm.poll(onUnhealthy)
	hm.poll(onUnhealthy)
	if len(notified) != 1 || notified[0] != "redis" {
		t.Fatalf("Expected one notification for redis, got %v", notified)
	}

	// Recovery, then a new failure notifies again
	checkErr = nil
	hm.poll(onUnhealthy)
	checkErr = errors.New("connection refused")
	hm.poll(onUnhealthy)
	if len(notified) != 2 {
		t.Fatalf("Expected a second notification after recovery, got %v", notified)
	}
}
