package cost

import (
	"math"
	"testing"

	"github.com/byomlabs/byom-gateway/internal/domain"
)

func TestCalculate_KnownModel(t *testing.T) {
	c := NewCalculator()

	got := c.Calculate("gpt-4", domain.Usage{PromptTokens: 1000, CompletionTokens: 500})
	if got == nil {
		t.Fatal("expected a price for gpt-4")
	}

	want := 0.03 + 0.5*0.06
	if math.Abs(*got-want) > 1e-9 {
		t.Errorf("cost = %f, want %f", *got, want)
	}
}

func TestCalculate_UnknownModelIsNil(t *testing.T) {
	c := NewCalculator()

	if got := c.Calculate("llama3:8b", domain.Usage{PromptTokens: 1000}); got != nil {
		t.Errorf("cost = %v, want nil for an unpriced model", *got)
	}
}

func TestSetPricing(t *testing.T) {
	c := NewCalculator()
	c.SetPricing("my-finetune", ModelPricing{InputPer1K: 0.002, OutputPer1K: 0.004})

	got := c.Calculate("my-finetune", domain.Usage{PromptTokens: 500, CompletionTokens: 500})
	if got == nil {
		t.Fatal("expected a price after SetPricing")
	}
	if math.Abs(*got-0.003) > 1e-9 {
		t.Errorf("cost = %f, want 0.003", *got)
	}
}
