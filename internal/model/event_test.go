package model

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventValidate(t *testing.T) {
	tests := []struct {
		name    string
		event   Event
		wantErr bool
	}{
		{"page view needs no payload", Event{Type: EventPageView}, false},
		{"click without data", Event{Type: EventClick}, true},
		{"click with data", Event{Type: EventClick, Click: &ClickData{X: 1, Y: 2}}, false},
		{"scroll out of range", Event{Type: EventScroll, Scroll: &ScrollData{Depth: 120}}, true},
		{"custom without name", Event{Type: EventCustom, Custom: &CustomData{Name: "  "}}, true},
		{"error without message", Event{Type: EventError, Error: &ErrorData{Type: "TypeError"}}, true},
		{"session end without reason", Event{Type: EventSessionEnd, SessionEnd: &SessionEndData{}}, true},
		{"session end", Event{Type: EventSessionEnd, SessionEnd: &SessionEndData{Reason: EndInactivity}}, false},
		{"unknown type", Event{Type: "hover"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.event.Validate()
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			var ve *ValidationError
			assert.True(t, errors.As(err, &ve))
		})
	}
}

func TestEndReasonPriority(t *testing.T) {
	order := []EndReason{EndPageUnload, EndManualStop, EndOrphanedCleanup, EndInactivity, EndTabClosed}
	for i := 1; i < len(order); i++ {
		assert.Greater(t, order[i-1].Priority(), order[i].Priority(), "%s should outrank %s", order[i-1], order[i])
	}
	assert.Equal(t, 0, EndReason("bogus").Priority())
}

func TestEventTypeClassification(t *testing.T) {
	assert.True(t, EventSessionStart.IsBoundary())
	assert.True(t, EventSessionEnd.IsBoundary())
	assert.False(t, EventClick.IsBoundary())
	assert.True(t, EventClick.IsInteraction())
	assert.False(t, EventError.IsInteraction())
	assert.Equal(t, "errors", Event{Type: EventError}.Channel())
}
