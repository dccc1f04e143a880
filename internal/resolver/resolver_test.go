package resolver

import (
	"testing"

	"github.com/tickerchat/chat-core/config"
)

func TestResolve_BothConfigured(t *testing.T) {
	cfg := &config.Config{
		GroqAPIKey:            "gk",
		AzureOpenAIAPIKey:     "ak",
		AzureOpenAIEndpoint:   "https://x.openai.azure.com",
		AzureOpenAIDeployment: "gpt-4o-mini",
		AzureOpenAIAPIVersion: "2024-02-15-preview",
	}

	res := Resolve(cfg)
	if res.Primary == nil || res.Fallback == nil {
		t.Fatal("Expected both providers available")
	}
	if len(res.Available()) != 2 {
		t.Errorf("Expected 2 available, got %d", len(res.Available()))
	}
	if len(res.MissingKeys()) != 0 {
		t.Errorf("Expected no missing keys, got %v", res.MissingKeys())
	}
}

func TestResolve_PrimaryMissing(t *testing.T) {
	cfg := &config.Config{
		AzureOpenAIAPIKey:     "ak",
		AzureOpenAIEndpoint:   "https://x.openai.azure.com",
		AzureOpenAIDeployment: "gpt-4o-mini",
	}

	res := Resolve(cfg)
	if res.Primary != nil {
		t.Error("Expected primary unavailable without GROQ_API_KEY")
	}
	if res.Fallback == nil {
		t.Error("Expected fallback available")
	}

	keys := res.MissingKeys()
	if len(keys) != 1 || keys[0] != "GROQ_API_KEY" {
		t.Errorf("Expected missing GROQ_API_KEY, got %v", keys)
	}
}

func TestResolve_PartialAzureConfig(t *testing.T) {
	// A fallback with only some of its keys is unavailable, and every
	// missing key is reported by name.
	cfg := &config.Config{
		AzureOpenAIAPIKey: "ak",
	}

	res := Resolve(cfg)
	if res.Fallback != nil {
		t.Error("Expected fallback unavailable with partial config")
	}

	var azureStatus *Status
	for i := range res.Statuses {
		if res.Statuses[i].Name == "azure-openai" {
			azureStatus = &res.Statuses[i]
		}
	}
	if azureStatus == nil {
		t.Fatal("Expected a status entry for azure-openai")
	}
	if len(azureStatus.MissingKeys) != 2 {
		t.Errorf("Expected 2 missing azure keys, got %v", azureStatus.MissingKeys)
	}
}

func TestResolve_NothingConfigured(t *testing.T) {
	res := Resolve(&config.Config{})
	if len(res.Available()) != 0 {
		t.Error("Expected no providers available")
	}
	if len(res.MissingKeys()) == 0 {
		t.Error("Expected missing keys to be reported")
	}
	// Degraded but valid: LogSummary must not panic with zero providers.
	res.LogSummary()
}

func TestResolve_Idempotent(t *testing.T) {
	cfg := &config.Config{GroqAPIKey: "gk"}

	first := Resolve(cfg)
	second := Resolve(cfg)

	if len(first.Available()) != len(second.Available()) {
		t.Error("Resolving twice with identical config must yield the same set")
	}
	if len(first.Statuses) != len(second.Statuses) {
		t.Fatal("Status count changed between resolutions")
	}
	for i := range first.Statuses {
		a, b := first.Statuses[i], second.Statuses[i]
		if a.Available != b.Available || a.Name != b.Name {
			t.Errorf("Status %d differs across resolutions: %+v vs %+v", i, a, b)
		}
	}
}
