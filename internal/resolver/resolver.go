package resolver

import (
	"log"
	"strings"

	"github.com/tickerchat/chat-core/config"
	"github.com/tickerchat/chat-core/internal/provider"
	"github.com/tickerchat/chat-core/internal/provider/azureopenai"
	"github.com/tickerchat/chat-core/internal/provider/groq"
)

// Provider roles. The orchestrator attempts providers by role, so the
// resolver reports which role each constructed adapter fills.
const (
	RolePrimary  = "primary"
	RoleFallback = "fallback"
)

// Status is the outcome of resolving one provider's configuration.
type Status struct {
	Role        string
	Name        string
	Available   bool
	MissingKeys []string
}

// Resolution is the full startup readiness picture. Construction never
// fails: an unconfigured provider is a degraded but valid state, surfaced
// as an error only when a completion is actually requested.
type Resolution struct {
	Primary  provider.Provider // nil when unavailable
	Fallback provider.Provider // nil when unavailable
	Statuses []Status
}

// Resolve inspects configuration and constructs whichever adapters have all
// of their required keys. No network calls are made; only key presence is
// checked. Calling Resolve twice with the same config yields the same set.
func Resolve(cfg *config.Config) *Resolution {
	res := &Resolution{}

	groqStatus := Status{Role: RolePrimary, Name: "groq"}
	if cfg.GroqAPIKey == "" {
		groqStatus.MissingKeys = append(groqStatus.MissingKeys, "GROQ_API_KEY")
	} else {
		res.Primary = groq.New(cfg.GroqAPIKey)
		groqStatus.Available = true
	}
	res.Statuses = append(res.Statuses, groqStatus)

	azureStatus := Status{Role: RoleFallback, Name: "azure-openai"}
	if cfg.AzureOpenAIAPIKey == "" {
		azureStatus.MissingKeys = append(azureStatus.MissingKeys, "AZURE_OPENAI_API_KEY")
	}
	if cfg.AzureOpenAIEndpoint == "" {
		azureStatus.MissingKeys = append(azureStatus.MissingKeys, "AZURE_OPENAI_ENDPOINT")
	}
	if cfg.AzureOpenAIDeployment == "" {
		azureStatus.MissingKeys = append(azureStatus.MissingKeys, "AZURE_OPENAI_DEPLOYMENT")
	}
	if len(azureStatus.MissingKeys) == 0 {
		res.Fallback = azureopenai.New(
			cfg.AzureOpenAIAPIKey,
			cfg.AzureOpenAIEndpoint,
			cfg.AzureOpenAIDeployment,
			cfg.AzureOpenAIAPIVersion,
		)
		azureStatus.Available = true
	}
	res.Statuses = append(res.Statuses, azureStatus)

	return res
}

// Available returns the constructed adapters, primary first.
func (r *Resolution) Available() []provider.Provider {
	var out []provider.Provider
	if r.Primary != nil {
		out = append(out, r.Primary)
	}
	if r.Fallback != nil {
		out = append(out, r.Fallback)
	}
	return out
}

// MissingKeys returns every configuration key that kept a provider from
// being constructed, for remediation hints in terminal errors.
func (r *Resolution) MissingKeys() []string {
	var keys []string
	for _, s := range r.Statuses {
		keys = append(keys, s.MissingKeys...)
	}
	return keys
}

// LogSummary prints a human-readable readiness report. Operational aid only;
// nothing programmatic depends on the output.
func (r *Resolution) LogSummary() {
	for _, s := range r.Statuses {
		if s.Available {
			log.Printf("provider %s (%s): ready", s.Name, s.Role)
		} else {
			log.Printf("provider %s (%s): unavailable, missing %s",
				s.Name, s.Role, strings.Join(s.MissingKeys, ", "))
		}
	}
	if len(r.Available()) == 0 {
		log.Printf("WARNING: no LLM provider configured; completions will fail until one of %s is set",
			strings.Join(r.MissingKeys(), ", "))
	}
}
