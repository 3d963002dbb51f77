// Package generator turns retrieved events into a natural-language answer.
package generator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/DeafMist/agendaflow/internal/config"
	"github.com/DeafMist/agendaflow/internal/models"
)

// Request carries everything a generator may use. Events are in rank order.
type Request struct {
	Question string
	Language models.Language
	Filters  models.QueryFilters
	Events   []models.CanonicalEvent
}

// Generator writes the answer text.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// NoResults is the answer given when retrieval found nothing.
func NoResults(lang models.Language) string {
	if lang == models.LanguageEnglish {
		return "I couldn't find any events matching your criteria. Please try broadening your search or adjusting the time period."
	}
	return "Je n'ai pas trouvé d'événements correspondant à vos critères. Essayez d'élargir votre recherche ou d'ajuster la période."
}

// NewFromConfig returns a chat client wrapped with the template fallback, or
// the template alone when no LLM endpoint is configured.
func NewFromConfig(c config.LLM, log *slog.Logger) Generator {
	if c.BaseURL == "" {
		return Template{}
	}
	chat := NewChatClient(ChatConfig{
		BaseURL:     c.BaseURL,
		APIKey:      c.APIKey,
		Model:       c.Model,
		Timeout:     c.Timeout,
		MaxTokens:   c.MaxTokens,
		Temperature: c.Temperature,
	})
	return WithFallback(chat, log)
}

// Template lists the events without calling a model.
type Template struct{}

func (Template) Generate(_ context.Context, req Request) (string, error) {
	if len(req.Events) == 0 {
		return NoResults(req.Language), nil
	}
	var b strings.Builder
	if req.Language == models.LanguageEnglish {
		fmt.Fprintf(&b, "Here are %d events that match your request:\n\n", len(req.Events))
	} else {
		fmt.Fprintf(&b, "Voici %d événements qui correspondent à votre demande :\n\n", len(req.Events))
	}
	listEvents(&b, req.Events, req.Language)
	return strings.TrimRight(b.String(), "\n"), nil
}

func listEvents(b *strings.Builder, events []models.CanonicalEvent, lang models.Language) {
	for i, ev := range events {
		fmt.Fprintf(b, "%d. %s", i+1, ev.Title)
		if ev.VenueName != "" {
			fmt.Fprintf(b, " - %s", ev.VenueName)
		}
		if ev.Arrondissement != nil {
			fmt.Fprintf(b, " (%s)", arrondissementLabel(*ev.Arrondissement, lang))
		}
		fmt.Fprintf(b, "\n   %s, %s", FormatDate(ev.Start, lang), PriceLabel(ev.PriceBucket, lang))
		if ev.URL != "" {
			fmt.Fprintf(b, "\n   %s", ev.URL)
		}
		b.WriteString("\n\n")
	}
}

type fallback struct {
	primary Generator
	log     *slog.Logger
}

// WithFallback answers with an apology and the plain event list when primary
// fails. Context cancellation is still returned as an error.
func WithFallback(primary Generator, log *slog.Logger) Generator {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &fallback{primary: primary, log: log}
}

func (f *fallback) Generate(ctx context.Context, req Request) (string, error) {
	answer, err := f.primary.Generate(ctx, req)
	if err == nil {
		return answer, nil
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	f.log.Error("generate answer", slog.Any("err", err))

	var b strings.Builder
	if req.Language == models.LanguageEnglish {
		b.WriteString("I encountered an error generating the response. Here are the events I found:\n\n")
	} else {
		b.WriteString("J'ai rencontré une erreur lors de la génération de la réponse. Voici les événements trouvés :\n\n")
	}
	events := req.Events
	if len(events) > 3 {
		events = events[:3]
	}
	listEvents(&b, events, req.Language)
	return strings.TrimRight(b.String(), "\n"), nil
}

var (
	frenchWeekdays = [...]string{"dimanche", "lundi", "mardi", "mercredi", "jeudi", "vendredi", "samedi"}
	frenchMonths   = [...]string{"janvier", "février", "mars", "avril", "mai", "juin", "juillet", "août", "septembre", "octobre", "novembre", "décembre"}
)

// FormatDate renders t in Paris time, e.g. "samedi 15 mars 2025, 20:30".
func FormatDate(t time.Time, lang models.Language) string {
	local := t.In(models.Paris)
	if lang == models.LanguageEnglish {
		return local.Format("Monday 2 January 2006, 15:04")
	}
	return fmt.Sprintf("%s %d %s %d, %s",
		frenchWeekdays[local.Weekday()],
		local.Day(),
		frenchMonths[local.Month()-1],
		local.Year(),
		local.Format("15:04"),
	)
}

// PriceLabel is the human label of a price bucket.
func PriceLabel(b models.PriceBucket, lang models.Language) string {
	en := lang == models.LanguageEnglish
	switch b {
	case models.PriceFree:
		if en {
			return "Free"
		}
		return "Gratuit"
	case models.PriceCheap:
		if en {
			return "Cheap"
		}
		return "Petit prix"
	case models.PriceMedium:
		if en {
			return "Mid-range price"
		}
		return "Prix moyen"
	case models.PriceHigh:
		if en {
			return "Expensive"
		}
		return "Prix élevé"
	}
	if en {
		return "Price not specified"
	}
	return "Prix non précisé"
}

func arrondissementLabel(n int, lang models.Language) string {
	if lang == models.LanguageEnglish {
		return englishOrdinal(n) + " arrondissement"
	}
	if n == 1 {
		return "1er"
	}
	return fmt.Sprintf("%de", n)
}

func englishOrdinal(n int) string {
	suffix := "th"
	switch {
	case n%100 >= 11 && n%100 <= 13:
	case n%10 == 1:
		suffix = "st"
	case n%10 == 2:
		suffix = "nd"
	case n%10 == 3:
		suffix = "rd"
	}
	return fmt.Sprintf("%d%s", n, suffix)
}
