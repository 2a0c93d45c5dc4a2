package optimizer

import "testing"

// TestExtractFloatParam tests the extractFloatParam helper function
func TestExtractFloatParam(t *testing.T) {
	tests := []struct {
		name         string
		params       map[string]float64
		key          string
		defaultValue float64
		expected     float64
	}{
		{"existing_param", map[string]float64{"learning_rate": 0.01}, "learning_rate", 0.001, 0.01},
		{"missing_param", map[string]float64{"momentum": 0.9}, "learning_rate", 0.001, 0.001},
		{"nil_map", nil, "learning_rate", 0.5, 0.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractFloatParam(tt.params, tt.key, tt.defaultValue); got != tt.expected {
				t.Errorf("Expected %f, got %f", tt.expected, got)
			}
		})
	}
}

func TestExtractBufferIndex(t *testing.T) {
	tests := map[string]int{
		"momentum_0":  0,
		"momentum_12": 12,
		"momentum":    -1,
		"momentum_x":  -1,
		"momentum_-1": -1,
	}
	for name, expected := range tests {
		if got := extractBufferIndex(name); got != expected {
			t.Errorf("extractBufferIndex(%q) = %d, expected %d", name, got, expected)
		}
	}
}

func TestBufferStateCopies(t *testing.T) {
	buffer := []float64{1, 2, 3}
	tensor := extractBufferState(buffer, "momentum_0")
	buffer[0] = 99
	if tensor.Data[0] != 1 {
		t.Errorf("extractBufferState must copy the buffer")
	}
	if len(tensor.Shape) != 1 || tensor.Shape[0] != 3 {
		t.Errorf("unexpected shape %v", tensor.Shape)
	}

	restored, err := restoreBufferState(tensor.Data, 3, "momentum_0")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tensor.Data[1] = 99
	if restored[1] != 2 {
		t.Errorf("restoreBufferState must copy the data")
	}

	if _, err := restoreBufferState(tensor.Data, 4, "momentum_0"); err == nil {
		t.Errorf("expected size mismatch error")
	}
}
