package assistant

import (
	"context"
	"fmt"
	"strings"

	"libris/pkg/ai"
	"libris/pkg/domain"
)

// BookTalk answers the latest turn of a conversation about one book,
// speaking as a friendly librarian grounded in the book's metadata.
func (a *Assistant) BookTalk(ctx context.Context, book domain.Book, messages []ai.Message) (string, error) {
	if strings.TrimSpace(book.ID) == "" || strings.TrimSpace(book.VolumeInfo.Title) == "" {
		return "", fmt.Errorf("book id and title are required")
	}
	if len(messages) == 0 {
		return "", fmt.Errorf("at least one message is required")
	}
	for _, m := range messages {
		switch m.Role {
		case "user", "assistant", "system":
		default:
			return "", fmt.Errorf("invalid message role %q", m.Role)
		}
	}

	system := ai.Message{Role: "system", Content: bookTalkSystemPrompt(book)}
	conversation := append([]ai.Message{system}, messages...)
	return a.generate(ctx, conversation, ai.GenerateOptions{Temperature: chatTemperature})
}

func bookTalkSystemPrompt(book domain.Book) string {
	info := book.VolumeInfo
	authors := formatAuthors(info.Authors)

	var details strings.Builder
	fmt.Fprintf(&details, "Title: %s\nAuthor(s): %s\n", info.Title, authors)
	if info.PublishedDate != "" {
		fmt.Fprintf(&details, "Published: %s\n", info.PublishedDate)
	}
	if len(info.Categories) > 0 {
		fmt.Fprintf(&details, "Categories: %s\n", strings.Join(info.Categories, ", "))
	}
	if info.Description != "" {
		fmt.Fprintf(&details, "Description: %s\n", info.Description)
	}

	return fmt.Sprintf(`You are an AI librarian assistant for the Libris app, knowledgeable and helpful. You are discussing the book %q by %s with a user.

Book Details:
%s
Your persona:
- Act like a friendly, approachable librarian.
- Be knowledgeable about the book's plot, characters, themes, context, and author.
- Answer questions accurately based on the book's content.
- If asked for opinions or analysis, provide balanced perspectives.
- If a question is unclear or goes beyond the scope of the book, politely ask for clarification or state your limitations.
- Keep responses conversational and relatively concise for a chat interface. Avoid overly long paragraphs.
- You can use simple markdown like bullet points (*) for lists if it enhances clarity, but avoid complex formatting.
- Do not invent information or plot points. Stick to established knowledge about the book.
- Address the user directly and maintain a helpful tone.

Engage with the user's questions about %q.`, info.Title, authors, details.String(), info.Title)
}
