package types

import "testing"

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    ReportStatus
		to      ReportStatus
		allowed bool
	}{
		{"queued to running", ReportQueued, ReportRunning, true},
		{"queued to failed", ReportQueued, ReportFailed, true},
		{"queued to complete", ReportQueued, ReportComplete, false},
		{"running to complete", ReportRunning, ReportComplete, true},
		{"running to partial", ReportRunning, ReportPartial, true},
		{"running to failed", ReportRunning, ReportFailed, true},
		{"running to queued", ReportRunning, ReportQueued, false},
		{"complete is terminal", ReportComplete, ReportFailed, false},
		{"partial is terminal", ReportPartial, ReportRunning, false},
		{"failed is terminal", ReportFailed, ReportComplete, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.allowed {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.allowed)
			}
		})
	}
}

func TestParseAgentKind(t *testing.T) {
	if _, err := ParseAgentKind("market_analysis"); err != nil {
		t.Fatalf("expected market_analysis to parse: %v", err)
	}
	if _, err := ParseAgentKind("astrology_report"); err == nil {
		t.Fatal("expected unknown kind to fail")
	}
}

func TestTerminal(t *testing.T) {
	for _, s := range []ReportStatus{ReportComplete, ReportPartial, ReportFailed} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []ReportStatus{ReportQueued, ReportRunning} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}
