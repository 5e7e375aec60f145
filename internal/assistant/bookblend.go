package assistant

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"libris/pkg/ai"
	"libris/pkg/domain"
)

const (
	blendMinBooks = 1
	blendMaxBooks = 5
)

// Recommendation is one blended suggestion returned by BookBlend.
type Recommendation struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Author string `json:"author"`
	Reason string `json:"reason"`
}

// BookBlend asks the LLM for five recommendations matching the combined
// taste of the selected books (1-5 of them) and parses its JSON reply.
func (a *Assistant) BookBlend(ctx context.Context, books []domain.Book) ([]Recommendation, error) {
	if len(books) < blendMinBooks || len(books) > blendMaxBooks {
		return nil, fmt.Errorf("between %d and %d books required, got %d", blendMinBooks, blendMaxBooks, len(books))
	}
	for _, b := range books {
		if strings.TrimSpace(b.ID) == "" || strings.TrimSpace(b.VolumeInfo.Title) == "" {
			return nil, fmt.Errorf("every selected book needs an id and a title")
		}
	}

	prompt := bookBlendPrompt(books)
	text, err := a.generate(ctx, []ai.Message{{Role: "user", Content: prompt}}, ai.GenerateOptions{JSONResponse: true})
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Recommendations []Recommendation `json:"recommendations"`
	}
	if err := json.Unmarshal([]byte(stripJSONFences(text)), &parsed); err != nil {
		return nil, fmt.Errorf("parse recommendations: %w", err)
	}
	if len(parsed.Recommendations) == 0 {
		return nil, fmt.Errorf("no recommendations in response")
	}
	for i := range parsed.Recommendations {
		parsed.Recommendations[i].ID = uuid.NewString()
	}
	return parsed.Recommendations, nil
}

func bookBlendPrompt(books []domain.Book) string {
	lines := make([]string, 0, len(books))
	for i, b := range books {
		info := b.VolumeInfo
		description := info.Description
		if description == "" {
			description = "No description available"
		}
		if len(description) > 150 {
			description = description[:150]
		}
		categories := "Unknown"
		if len(info.Categories) > 0 {
			categories = strings.Join(info.Categories, ", ")
		}
		lines = append(lines, fmt.Sprintf("%d. %q by %s - %s... - Genres: %s",
			i+1, info.Title, formatAuthors(info.Authors), description, categories))
	}

	return fmt.Sprintf(`You are a helpful and insightful AI librarian. A user has selected the following books they enjoy, representing their current reading "vibe":

Selected books:
%s

Your task is to recommend 5 other books they might enjoy, acting like a friendly librarian making personalized suggestions based on the *overall blend* of their selections.

Important requirements:
- Analyze the *combination* of selected books to understand the user's taste (e.g., common themes, genres, writing styles, moods, character archetypes).
- Recommend books that are relatively popular and well-known (published by major publishers).
- Include a mix of books published in the last 50 years, with at least 2 from the last decade.
- Avoid extremely obscure titles.
- Do not recommend books by the exact same authors unless their style is particularly relevant and distinct across works.
- Do not recommend any of the books that were provided as input.
- For the "reason", provide a thoughtful explanation (approx. 3-4 sentences) explaining *why* the recommended book fits the user's *overall taste* as indicated by their selections. Connect the recommendation to multiple aspects or books from their selection if possible. Speak conversationally, like you're suggesting it in person.

Provide recommendations in the following JSON format:
{
  "recommendations": [
    {
      "title": "Exact Book Title",
      "author": "Full Author Name",
      "reason": "Your detailed librarian-style explanation connecting the recommendation to the user's combined selections."
    }
  ]
}

Ensure book titles and author names are spelled correctly for database lookups.`, strings.Join(lines, "\n\n"))
}

// stripJSONFences removes a surrounding markdown code fence some models wrap
// around JSON replies despite the response_format hint.
func stripJSONFences(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	return strings.TrimSpace(text)
}
