package persona

import "testing"

func TestSystemPrompt_KnownPersonas(t *testing.T) {
	for _, p := range []string{General, Analyst, Trader} {
		if SystemPrompt(p) == "" {
			t.Errorf("Expected a prompt for persona %s", p)
		}
	}
}

func TestSystemPrompt_UnknownDefaultsToGeneral(t *testing.T) {
	if SystemPrompt("nonsense") != SystemPrompt(General) {
		t.Error("Unknown persona should fall back to the general prompt")
	}
}

func TestValid(t *testing.T) {
	if !Valid(Analyst) {
		t.Error("analyst should be valid")
	}
	if Valid("nonsense") {
		t.Error("nonsense should not be valid")
	}
}
