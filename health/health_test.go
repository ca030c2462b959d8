package health

import (
	"testing"
	"time"

	"github.com/nombers/test-sorter/component"
)

func TestStatus_Predicates(t *testing.T) {
	tests := []struct {
		name          string
		status        Status
		wantHealthy   bool
		wantDegraded  bool
		wantUnhealthy bool
	}{
		{
			name:        "healthy status",
			status:      Status{Status: "healthy"},
			wantHealthy: true,
		},
		{
			name:          "unhealthy status",
			status:        Status{Status: "unhealthy"},
			wantUnhealthy: true,
		},
		{
			name:         "degraded status",
			status:       Status{Status: "degraded"},
			wantDegraded: true,
		},
		{
			name:   "empty status",
			status: Status{Status: ""},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.status.IsHealthy(); got != tt.wantHealthy {
				t.Errorf("Status.IsHealthy() = %v, want %v", got, tt.wantHealthy)
			}
			if got := tt.status.IsDegraded(); got != tt.wantDegraded {
				t.Errorf("Status.IsDegraded() = %v, want %v", got, tt.wantDegraded)
			}
			if got := tt.status.IsUnhealthy(); got != tt.wantUnhealthy {
				t.Errorf("Status.IsUnhealthy() = %v, want %v", got, tt.wantUnhealthy)
			}
		})
	}
}

func TestStatus_WithMetrics(t *testing.T) {
	original := Status{
		Component: "scanner",
		Status:    "healthy",
		Message:   "connected",
	}

	metrics := &Metrics{
		Uptime:         time.Hour,
		ErrorCount:     5,
		TubesProcessed: 250,
	}

	result := original.WithMetrics(metrics)

	// Should not modify original
	if original.Metrics != nil {
		t.Error("WithMetrics should not modify original status")
	}

	// Should return copy with metrics
	if result.Metrics == nil {
		t.Fatal("WithMetrics should return status with metrics")
	}

	if result.Metrics.Uptime != time.Hour {
		t.Errorf("Expected uptime %v, got %v", time.Hour, result.Metrics.Uptime)
	}

	if result.Metrics.ErrorCount != 5 {
		t.Errorf("Expected error count 5, got %d", result.Metrics.ErrorCount)
	}

	if result.Metrics.TubesProcessed != 250 {
		t.Errorf("Expected 250 tubes processed, got %d", result.Metrics.TubesProcessed)
	}
}

func TestStatus_WithSubStatus(t *testing.T) {
	original := Status{
		Component: "workcell",
		Status:    "healthy",
		Message:   "running",
	}

	subStatus := Status{
		Component: "controller",
		Status:    "unhealthy",
		Message:   "connection lost",
	}

	result := original.WithSubStatus(subStatus)

	// Should not modify original
	if len(original.SubStatuses) != 0 {
		t.Error("WithSubStatus should not modify original status")
	}

	// Should return copy with sub-status
	if len(result.SubStatuses) != 1 {
		t.Errorf("Expected 1 sub-status, got %d", len(result.SubStatuses))
	}

	if result.SubStatuses[0].Component != "controller" {
		t.Errorf("Expected controller component, got %s", result.SubStatuses[0].Component)
	}
}

func TestStatus_WithSubStatus_SliceIsolation(t *testing.T) {
	original := Status{
		Component: "workcell",
		Status:    "healthy",
		SubStatuses: []Status{
			{Component: "scanner", Status: "healthy"},
		},
	}

	modified := original.WithSubStatus(Status{
		Component: "controller",
		Status:    "unhealthy",
	})

	if len(original.SubStatuses) != 1 {
		t.Errorf("Original should still have 1 sub-status, got %d", len(original.SubStatuses))
	}
	if len(modified.SubStatuses) != 2 {
		t.Errorf("Modified should have 2 sub-statuses, got %d", len(modified.SubStatuses))
	}

	// Modify the original's sub-status and verify the copy is unaffected
	original.SubStatuses[0].Status = "degraded"
	if modified.SubStatuses[0].Status != "healthy" {
		t.Error("Modified should not be affected by changes to original")
	}
}

func TestNewStatusHelpers(t *testing.T) {
	tests := []struct {
		name       string
		status     Status
		wantStatus string
		wantFlag   bool
	}{
		{
			name:       "healthy",
			status:     NewHealthy("scanner", "connected"),
			wantStatus: "healthy",
			wantFlag:   true,
		},
		{
			name:       "unhealthy",
			status:     NewUnhealthy("controller", "connection lost"),
			wantStatus: "unhealthy",
			wantFlag:   false,
		},
		{
			name:       "degraded",
			status:     NewDegraded("resolver", "slow responses"),
			wantStatus: "degraded",
			wantFlag:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.status.Status != tt.wantStatus {
				t.Errorf("Expected status %q, got %q", tt.wantStatus, tt.status.Status)
			}
			if tt.status.Healthy != tt.wantFlag {
				t.Errorf("Expected healthy flag %v, got %v", tt.wantFlag, tt.status.Healthy)
			}
			if tt.status.Timestamp.IsZero() {
				t.Error("Expected timestamp to be set")
			}
		})
	}
}

func TestAggregate(t *testing.T) {
	tests := []struct {
		name         string
		component    string
		subStatuses  []Status
		wantStatus   string
		wantMessage  string
		wantSubCount int
	}{
		{
			name:         "empty sub-statuses",
			component:    "workcell",
			subStatuses:  []Status{},
			wantStatus:   "healthy",
			wantMessage:  "No sub-components to aggregate",
			wantSubCount: 0,
		},
		{
			name:      "all healthy",
			component: "workcell",
			subStatuses: []Status{
				{Status: "healthy", Component: "scanner"},
				{Status: "healthy", Component: "controller"},
			},
			wantStatus:   "healthy",
			wantMessage:  "All sub-components are healthy",
			wantSubCount: 2,
		},
		{
			name:      "one unhealthy",
			component: "workcell",
			subStatuses: []Status{
				{Status: "healthy", Component: "scanner"},
				{Status: "unhealthy", Component: "controller"},
			},
			wantStatus:   "unhealthy",
			wantMessage:  "One or more sub-components are unhealthy",
			wantSubCount: 2,
		},
		{
			name:      "one degraded no unhealthy",
			component: "workcell",
			subStatuses: []Status{
				{Status: "healthy", Component: "scanner"},
				{Status: "degraded", Component: "resolver"},
			},
			wantStatus:   "degraded",
			wantMessage:  "One or more sub-components are degraded",
			wantSubCount: 2,
		},
		{
			name:      "degraded and unhealthy - unhealthy wins",
			component: "workcell",
			subStatuses: []Status{
				{Status: "degraded", Component: "resolver"},
				{Status: "unhealthy", Component: "controller"},
			},
			wantStatus:   "unhealthy",
			wantMessage:  "One or more sub-components are unhealthy",
			wantSubCount: 2,
		},
		{
			name:      "multiple degraded",
			component: "workcell",
			subStatuses: []Status{
				{Status: "degraded", Component: "resolver"},
				{Status: "degraded", Component: "events"},
				{Status: "healthy", Component: "scanner"},
			},
			wantStatus:   "degraded",
			wantMessage:  "One or more sub-components are degraded",
			wantSubCount: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := Aggregate(tt.component, tt.subStatuses)

			if result.Component != tt.component {
				t.Errorf("Expected component %s, got %s", tt.component, result.Component)
			}

			if result.Status != tt.wantStatus {
				t.Errorf("Expected status %s, got %s", tt.wantStatus, result.Status)
			}

			if result.Message != tt.wantMessage {
				t.Errorf("Expected message %s, got %s", tt.wantMessage, result.Message)
			}

			if len(result.SubStatuses) != tt.wantSubCount {
				t.Errorf("Expected %d sub-statuses, got %d", tt.wantSubCount, len(result.SubStatuses))
			}

			if result.Timestamp.IsZero() {
				t.Error("Expected timestamp to be set")
			}
		})
	}
}

func TestAggregate_DoesNotModifyInput(t *testing.T) {
	original := []Status{
		{Status: "healthy", Component: "scanner"},
		{Status: "unhealthy", Component: "controller"},
	}

	// Make a copy for comparison
	originalCopy := make([]Status, len(original))
	copy(originalCopy, original)

	result := Aggregate("workcell", original)

	// Verify original slice is not modified
	for i, orig := range original {
		if orig.Component != originalCopy[i].Component || orig.Status != originalCopy[i].Status {
			t.Errorf("Aggregate modified input slice at index %d", i)
		}
	}

	// Verify sub-statuses are independent copies
	if len(result.SubStatuses) > 0 {
		result.SubStatuses[0].Component = "modified"
		if original[0].Component == "modified" {
			t.Error("Modifying result sub-statuses should not affect input")
		}
	}
}

func TestFromComponentHealth(t *testing.T) {
	tests := []struct {
		name            string
		componentName   string
		componentHealth component.HealthStatus
		wantStatus      string
		wantMessage     string
	}{
		{
			name:          "healthy component",
			componentName: "scanner",
			componentHealth: component.HealthStatus{
				Healthy:    true,
				LastCheck:  time.Now(),
				ErrorCount: 0,
				Uptime:     time.Hour,
			},
			wantStatus:  "healthy",
			wantMessage: "Component healthy",
		},
		{
			name:          "unhealthy component with error",
			componentName: "controller",
			componentHealth: component.HealthStatus{
				Healthy:    false,
				LastCheck:  time.Now(),
				ErrorCount: 3,
				LastError:  "connection refused",
				Uptime:     time.Minute,
			},
			wantStatus:  "unhealthy",
			wantMessage: "connection refused",
		},
		{
			name:          "unhealthy component without error message",
			componentName: "resolver",
			componentHealth: component.HealthStatus{
				Healthy:    false,
				LastCheck:  time.Now(),
				ErrorCount: 1,
				Uptime:     time.Second,
			},
			wantStatus:  "unhealthy",
			wantMessage: "Component healthy", // fallback message
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := FromComponentHealth(tt.componentName, tt.componentHealth)

			if result.Component != tt.componentName {
				t.Errorf("Expected component name %s, got %s", tt.componentName, result.Component)
			}

			if result.Status != tt.wantStatus {
				t.Errorf("Expected status %s, got %s", tt.wantStatus, result.Status)
			}

			if result.Message != tt.wantMessage {
				t.Errorf("Expected message %s, got %s", tt.wantMessage, result.Message)
			}

			if result.Metrics == nil {
				t.Fatal("Expected metrics to be set")
			}

			if result.Metrics.Uptime != tt.componentHealth.Uptime {
				t.Errorf("Expected uptime %v, got %v", tt.componentHealth.Uptime, result.Metrics.Uptime)
			}

			if result.Metrics.ErrorCount != tt.componentHealth.ErrorCount {
				t.Errorf("Expected error count %d, got %d", tt.componentHealth.ErrorCount, result.Metrics.ErrorCount)
			}

			if result.Timestamp.IsZero() {
				t.Error("Expected timestamp to be set")
			}
		})
	}
}
