package asyncjob

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStatus(t *testing.T) {
	tests := []struct {
		wire     string
		expected StatusKind
		terminal bool
	}{
		{wire: WirePending, expected: StatusPending},
		{wire: WireReceived, expected: StatusReceived},
		{wire: WireStarted, expected: StatusStarted},
		{wire: WireRetry, expected: StatusRetrying},
		{wire: WireProgress, expected: StatusInProgress},
		{wire: WireSuccess, expected: StatusSucceeded, terminal: true},
		{wire: WireFailure, expected: StatusFailed, terminal: true},
		{wire: WireRevoked, expected: StatusCancelled, terminal: true},
		{wire: "pending", expected: StatusUnknown},
		{wire: "", expected: StatusUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.wire, func(t *testing.T) {
			st := ParseStatus(tt.wire, nil)
			assert.Equal(t, tt.expected, st.Kind)
			assert.Equal(t, tt.terminal, st.Kind.Terminal())
			assert.Equal(t, tt.wire, st.Wire)
		})
	}
}

func TestParseStatus_Progress(t *testing.T) {
	tests := []struct {
		name        string
		result      string
		wantCurrent float64
		wantTotal   float64
		wantPercent int
		wantOK      bool
	}{
		{name: "quarter", result: `{"current":1,"total":4}`, wantCurrent: 1, wantTotal: 4, wantPercent: 25, wantOK: true},
		{name: "rounded", result: `{"current":1,"total":3}`, wantCurrent: 1, wantTotal: 3, wantPercent: 33, wantOK: true},
		{name: "overshoot", result: `{"current":6,"total":4}`, wantCurrent: 6, wantTotal: 4, wantPercent: 150, wantOK: true},
		{name: "zero current", result: `{"current":0,"total":4}`, wantTotal: 4},
		{name: "negative ignored", result: `{"current":-2,"total":4}`, wantTotal: 4},
		{name: "missing total", result: `{"current":3}`, wantCurrent: 3},
		{name: "extra fields", result: `{"current":2,"total":8,"task_user_id":7}`, wantCurrent: 2, wantTotal: 8, wantPercent: 25, wantOK: true},
		{name: "not an object", result: `"working"`},
		{name: "absent", result: ``},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var raw json.RawMessage
			if tt.result != "" {
				raw = json.RawMessage(tt.result)
			}

			st := ParseStatus(WireProgress, raw)
			require.NotNil(t, st.Progress)
			assert.Equal(t, tt.wantCurrent, st.Progress.Current)
			assert.Equal(t, tt.wantTotal, st.Progress.Total)

			pct, ok := st.Progress.Percent()
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantPercent, pct)
		})
	}
}

func TestStatusKind_String(t *testing.T) {
	assert.Equal(t, "in_progress", StatusInProgress.String())
	assert.Equal(t, "unknown", StatusKind(99).String())
	assert.Equal(t, "PROGRESS", ParseStatus(WireProgress, nil).String())
	assert.Equal(t, "cancelled", Status{Kind: StatusCancelled}.String())
}

func TestParseAbortPolicy(t *testing.T) {
	assert.Equal(t, AbortReport, ParseAbortPolicy("report"))
	assert.Equal(t, AbortSilent, ParseAbortPolicy("silent"))
	assert.Equal(t, AbortSilent, ParseAbortPolicy(""))
	assert.Equal(t, "report", AbortReport.String())
}
