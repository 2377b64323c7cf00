package phase

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"

	"github.com/ahrav/go-convoeval/internal/configuration"
	"github.com/ahrav/go-convoeval/internal/domain"
)

// ErrNoMetrics indicates a phase request with an empty metric list. A phase
// is never invoked without metrics.
var ErrNoMetrics = errors.New("phase request has no metrics")

// Endpoint describes where and how one phase is requested.
type Endpoint struct {
	Phase             domain.Phase
	URL               string
	MetricsField      string
	ConversationField string
	Headers           map[string]string
}

// EndpointFor resolves the endpoint of phase from service configuration.
func EndpointFor(svc configuration.ServiceConfig, phase domain.Phase) (Endpoint, error) {
	u, err := svc.EndpointURL(phase)
	if err != nil {
		return Endpoint{}, err
	}
	ep := svc.Endpoints[phase]
	return Endpoint{
		Phase:             phase,
		URL:               u,
		MetricsField:      ep.MetricsField,
		ConversationField: ep.ConversationField,
		Headers:           maps.Clone(ep.Headers),
	}, nil
}

// Request is the input of one phase run.
type Request struct {
	Endpoint     Endpoint
	Conversation []domain.Turn
	Metrics      []string
	Provider     string
	Model        string
	APIKey       string
	Profile      *domain.Profile
}

// Phase returns the phase served by the request's endpoint.
func (r Request) Phase() domain.Phase { return r.Endpoint.Phase }

// Validate checks the preconditions of a phase run.
func (r Request) Validate() error {
	if err := r.Endpoint.Phase.Validate(); err != nil {
		return err
	}
	if r.Endpoint.URL == "" {
		return fmt.Errorf("%w: %s endpoint has no URL", domain.ErrInvalidRequest, r.Endpoint.Phase)
	}
	if len(r.Metrics) == 0 {
		return fmt.Errorf("%s: %w", r.Endpoint.Phase, ErrNoMetrics)
	}
	if len(r.Conversation) == 0 {
		return domain.ErrNoConversation
	}
	return nil
}

// wireTurn is the per-turn shape sent to the scoring service.
type wireTurn struct {
	Index   int    `json:"index"`
	ID      string `json:"id"`
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
}

// body renders the JSON request body. Conversation and metric keys come
// from the endpoint since they differ per phase.
func (r Request) body() ([]byte, error) {
	turns := make([]wireTurn, len(r.Conversation))
	for i, t := range r.Conversation {
		turns[i] = wireTurn{
			Index:   i,
			ID:      domain.TurnID(r.Conversation, i),
			Speaker: t.Speaker,
			Text:    t.Text,
		}
	}

	conversationField := r.Endpoint.ConversationField
	if conversationField == "" {
		conversationField = "conversationTurns"
	}
	metricsField := r.Endpoint.MetricsField
	if metricsField == "" {
		metricsField = "metricNames"
	}

	payload := map[string]any{
		conversationField: turns,
		metricsField:      r.Metrics,
		"provider":        r.Provider,
		"model":           r.Model,
	}
	if r.APIKey != "" {
		payload["apiKey"] = r.APIKey
	}
	if r.Profile != nil {
		payload["profile"] = r.Profile
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", r.Endpoint.Phase, err)
	}
	return data, nil
}
