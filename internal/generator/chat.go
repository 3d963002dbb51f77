package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/DeafMist/agendaflow/internal/models"
	"github.com/DeafMist/agendaflow/internal/processing"
)

const maxContextDescription = 300

// ChatConfig configures an OpenAI-compatible chat completions endpoint.
type ChatConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	Timeout     time.Duration
	MaxTokens   int
	Temperature float64
}

// ChatClient asks a chat model to write the answer from the retrieved events.
type ChatClient struct {
	cfg    ChatConfig
	client *http.Client
}

func NewChatClient(cfg ChatConfig) *ChatClient {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Model == "" {
		cfg.Model = "mistral-small-latest"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1000
	}
	return &ChatClient{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func (c *ChatClient) Generate(ctx context.Context, req Request) (string, error) {
	if len(req.Events) == 0 {
		return NoResults(req.Language), nil
	}
	body, err := json.Marshal(chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: SystemPrompt(req.Language)},
			{Role: "user", Content: UserPrompt(req)},
		},
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("marshal chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("chat request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("chat completion failed: %s: %s", resp.Status, strings.TrimSpace(string(data)))
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode chat response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", errors.New("chat completion returned no choices")
	}
	answer := strings.TrimSpace(out.Choices[0].Message.Content)
	if answer == "" {
		return "", errors.New("chat completion returned an empty answer")
	}
	return answer, nil
}

// SystemPrompt sets the concierge role and the grounding rules.
func SystemPrompt(lang models.Language) string {
	if lang == models.LanguageEnglish {
		return `You are an event concierge assistant for Paris, France. Your role is to help users find relevant events based on their queries.

Instructions:
- Answer in English, matching the user's language
- Only recommend events from the provided context
- Never invent or hallucinate event information
- If date constraints are specified, ensure all suggestions fall within that range
- If no relevant events are found, clearly state this and suggest the closest alternatives from the context
- Group 3-5 suggestions by theme or date when appropriate
- Always provide: title, date/time, venue, neighborhood/arrondissement (if available), price, and URL
- Avoid listing the same event multiple times; for recurring events, mention the next upcoming date
- Be concise and helpful`
	}
	return `Vous êtes un assistant concierge d'événements pour Paris, France. Votre rôle est d'aider les utilisateurs à trouver des événements pertinents selon leurs requêtes.

Instructions :
- Répondez en français, correspondant à la langue de l'utilisateur
- Recommandez uniquement les événements du contexte fourni
- N'inventez jamais d'informations sur les événements
- Si des contraintes de date sont spécifiées, assurez-vous que toutes les suggestions respectent cette plage
- Si aucun événement pertinent n'est trouvé, indiquez-le clairement et suggérez les alternatives les plus proches du contexte
- Groupez 3 à 5 suggestions par thème ou par date si approprié
- Fournissez toujours : titre, date/heure, lieu, quartier/arrondissement (si disponible), prix et URL
- Évitez de lister le même événement plusieurs fois ; pour les événements récurrents, mentionnez la prochaine date
- Soyez concis et utile`
}

// UserPrompt holds the question, the extracted constraints and the events.
func UserPrompt(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "User question: %s\n\n", req.Question)

	if constraints := describeFilters(req.Filters); len(constraints) > 0 {
		b.WriteString("Constraints:\n")
		for _, c := range constraints {
			fmt.Fprintf(&b, "- %s\n", c)
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "Available events:\n%s\n\n", FormatContext(req.Events, req.Language))
	b.WriteString("Please provide a helpful response recommending relevant events from the context above.")
	return b.String()
}

func describeFilters(f models.QueryFilters) []string {
	var out []string
	if f.Dates != nil {
		if !f.Dates.From.IsZero() {
			out = append(out, "Start date: "+f.Dates.From.In(models.Paris).Format(time.DateOnly))
		}
		if !f.Dates.To.IsZero() {
			// To is exclusive
			out = append(out, "End date: "+f.Dates.To.Add(-time.Nanosecond).In(models.Paris).Format(time.DateOnly))
		}
	}
	if f.Category != nil {
		out = append(out, "Category: "+string(*f.Category))
	}
	if f.Price != nil {
		out = append(out, "Price: "+string(*f.Price))
	}
	if f.Arrondissement != nil {
		out = append(out, fmt.Sprintf("Arrondissement: %d", *f.Arrondissement))
	}
	return out
}

// FormatContext renders the events block given to the model.
func FormatContext(events []models.CanonicalEvent, lang models.Language) string {
	parts := make([]string, 0, len(events))
	for i, ev := range events {
		var b strings.Builder
		fmt.Fprintf(&b, "Event %d:\nTitle: %s\nDate: %s\nVenue: %s", i+1, ev.Title, FormatDate(ev.Start, lang), ev.VenueName)
		if ev.City != "" {
			fmt.Fprintf(&b, ", %s", ev.City)
		}
		if ev.Arrondissement != nil {
			fmt.Fprintf(&b, " (%s)", arrondissementLabel(*ev.Arrondissement, lang))
		}
		fmt.Fprintf(&b, "\nPrice: %s", PriceLabel(ev.PriceBucket, lang))

		cats := make([]string, 0, 3)
		for _, c := range ev.Categories {
			if c != models.Uncategorized && len(cats) < 3 {
				cats = append(cats, string(c))
			}
		}
		if len(cats) > 0 {
			fmt.Fprintf(&b, "\nCategories: %s", strings.Join(cats, ", "))
		}
		if ev.URL != "" {
			fmt.Fprintf(&b, "\nURL: %s", ev.URL)
		}
		if ev.Description != "" {
			fmt.Fprintf(&b, "\nDescription: %s", processing.Truncate(ev.Description, maxContextDescription))
		}
		parts = append(parts, b.String())
	}
	return strings.Join(parts, "\n\n")
}
