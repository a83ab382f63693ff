package openai

import "testing"

func TestNewDefaults(t *testing.T) {
	p := New(Config{})
	if p.config.Model != DefaultModel {
		t.Errorf("Model = %q, want %q", p.config.Model, DefaultModel)
	}
	if p.MaxBatchSize() != DefaultBatchSize {
		t.Errorf("MaxBatchSize = %d, want %d", p.MaxBatchSize(), DefaultBatchSize)
	}
	if p.Dimensions() != 1536 {
		t.Errorf("Dimensions = %d, want 1536", p.Dimensions())
	}
}

func TestDimensionsPerModel(t *testing.T) {
	tests := []struct {
		model string
		want  int
	}{
		{"text-embedding-3-small", 1536},
		{"text-embedding-3-large", 3072},
		{"custom-unknown-model", DefaultDimensions},
	}
	for _, tt := range tests {
		p := New(Config{Model: tt.model})
		if got := p.Dimensions(); got != tt.want {
			t.Errorf("Dimensions(%s) = %d, want %d", tt.model, got, tt.want)
		}
	}
}

func TestMaxInputChars(t *testing.T) {
	known := New(Config{Model: "text-embedding-3-small"})
	if got := known.MaxInputChars(); got != 8191*charsPerToken {
		t.Errorf("MaxInputChars = %d, want %d", got, 8191*charsPerToken)
	}

	unknown := New(Config{Model: "mystery-model"})
	if got := unknown.MaxInputChars(); got != 2048*charsPerToken {
		t.Errorf("MaxInputChars for unknown model = %d, want %d", got, 2048*charsPerToken)
	}
}
