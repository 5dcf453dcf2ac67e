package styles

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatters(t *testing.T) {
	tests := []struct {
		name   string
		format func(string) string
		icon   string
	}{
		{"success", FormatSuccess, IconSuccess},
		{"error", FormatError, IconError},
		{"warning", FormatWarning, IconWarning},
		{"info", FormatInfo, IconInfo},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := tt.format("saga complete")
			assert.Contains(t, result, tt.icon)
			assert.Contains(t, result, "saga complete")
		})
	}
}

func TestFormatStep(t *testing.T) {
	result := FormatStep(2, 12, "reserving stock")
	assert.Contains(t, result, "[2/12]")
	assert.Contains(t, result, "reserving stock")
}

func TestFormatKeyValue(t *testing.T) {
	result := FormatKeyValue("Saga", "OrderFulfillment")
	assert.Contains(t, result, "Saga:")
	assert.Contains(t, result, "OrderFulfillment")
}

func TestDisableColors(t *testing.T) {
	originalPrimary := Primary
	originalSuccess := Success
	t.Cleanup(func() {
		Primary = originalPrimary
		Success = originalSuccess
	})

	DisableColors()

	assert.Equal(t, "", string(Primary))
	assert.Equal(t, "", string(Success))
	assert.NotPanics(t, func() { _ = FormatSuccess("plain") })
}

func TestBoxes(t *testing.T) {
	assert.NotPanics(t, func() {
		_ = Box.Render("content")
		_ = BoxSuccess.Render("content")
		_ = BoxError.Render("content")
		_ = InfoBox.Render("content")
	})
}
