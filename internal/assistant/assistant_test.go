package assistant

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"libris/pkg/ai"
	"libris/pkg/domain"
)

type fakeGenerator struct {
	replies  []string
	errs     []error
	calls    int
	messages [][]ai.Message
	opts     []ai.GenerateOptions
}

func (f *fakeGenerator) GenerateChat(ctx context.Context, messages []ai.Message, opts ai.GenerateOptions) (string, error) {
	i := f.calls
	f.calls++
	f.messages = append(f.messages, messages)
	f.opts = append(f.opts, opts)
	if i < len(f.errs) && f.errs[i] != nil {
		return "", f.errs[i]
	}
	if i < len(f.replies) {
		return f.replies[i], nil
	}
	return "", errors.New("no scripted reply")
}

func newTestAssistant(gen *fakeGenerator) (*Assistant, *[]time.Duration) {
	a := New(gen)
	var slept []time.Duration
	a.sleep = func(d time.Duration) { slept = append(slept, d) }
	return a, &slept
}

func testBook(id, title string) domain.Book {
	return domain.Book{ID: id, VolumeInfo: domain.VolumeInfo{Title: title, Authors: []string{"A. Author"}}}
}

func TestBookTalkPrependsSystemPrompt(t *testing.T) {
	gen := &fakeGenerator{replies: []string{"It is a classic."}}
	a, _ := newTestAssistant(gen)

	reply, err := a.BookTalk(context.Background(), testBook("b1", "Dune"), []ai.Message{
		{Role: "user", Content: "Is it any good?"},
	})
	if err != nil {
		t.Fatalf("book talk: %v", err)
	}
	if reply != "It is a classic." {
		t.Fatalf("reply = %q", reply)
	}

	sent := gen.messages[0]
	if len(sent) != 2 || sent[0].Role != "system" || sent[1].Role != "user" {
		t.Fatalf("conversation shape wrong: %+v", sent)
	}
	if !strings.Contains(sent[0].Content, `"Dune"`) || !strings.Contains(sent[0].Content, "A. Author") {
		t.Fatalf("system prompt missing book details: %q", sent[0].Content)
	}
	if gen.opts[0].Temperature != chatTemperature || gen.opts[0].JSONResponse {
		t.Fatalf("generate options = %+v", gen.opts[0])
	}
}

func TestBookTalkValidation(t *testing.T) {
	a, _ := newTestAssistant(&fakeGenerator{})

	if _, err := a.BookTalk(context.Background(), domain.Book{}, []ai.Message{{Role: "user", Content: "hi"}}); err == nil {
		t.Fatalf("book without id and title must be rejected")
	}
	if _, err := a.BookTalk(context.Background(), testBook("b1", "Dune"), nil); err == nil {
		t.Fatalf("empty conversation must be rejected")
	}
	_, err := a.BookTalk(context.Background(), testBook("b1", "Dune"), []ai.Message{{Role: "tool", Content: "x"}})
	if err == nil || !strings.Contains(err.Error(), "invalid message role") {
		t.Fatalf("unexpected error for bad role: %v", err)
	}
}

func TestGenerateRetriesWithBackoff(t *testing.T) {
	gen := &fakeGenerator{
		errs:    []error{errors.New("upstream 502"), errors.New("upstream 502"), nil},
		replies: []string{"", "", "third time lucky"},
	}
	a, slept := newTestAssistant(gen)

	reply, err := a.BookTalk(context.Background(), testBook("b1", "Dune"), []ai.Message{{Role: "user", Content: "hi"}})
	if err != nil {
		t.Fatalf("book talk: %v", err)
	}
	if reply != "third time lucky" || gen.calls != 3 {
		t.Fatalf("reply=%q calls=%d", reply, gen.calls)
	}
	if len(*slept) != 2 || (*slept)[0] != time.Second || (*slept)[1] != 2*time.Second {
		t.Fatalf("backoff = %v", *slept)
	}
}

func TestGenerateGivesUpAfterMaxAttempts(t *testing.T) {
	boom := errors.New("provider down")
	gen := &fakeGenerator{errs: []error{boom, boom, boom}}
	a, slept := newTestAssistant(gen)

	_, err := a.BookTalk(context.Background(), testBook("b1", "Dune"), []ai.Message{{Role: "user", Content: "hi"}})
	if !errors.Is(err, boom) {
		t.Fatalf("final error must wrap the last failure, got %v", err)
	}
	if gen.calls != maxAttempts {
		t.Fatalf("calls = %d, want %d", gen.calls, maxAttempts)
	}
	if len(*slept) != maxAttempts-1 {
		t.Fatalf("sleeps = %d, want %d", len(*slept), maxAttempts-1)
	}
}

func TestBookBlendParsesRecommendations(t *testing.T) {
	gen := &fakeGenerator{replies: []string{"```json\n{\"recommendations\":[{\"title\":\"Hyperion\",\"author\":\"Dan Simmons\",\"reason\":\"Epic scope.\"}]}\n```"}}
	a, _ := newTestAssistant(gen)

	recs, err := a.BookBlend(context.Background(), []domain.Book{testBook("b1", "Dune")})
	if err != nil {
		t.Fatalf("book blend: %v", err)
	}
	if len(recs) != 1 || recs[0].Title != "Hyperion" || recs[0].Author != "Dan Simmons" {
		t.Fatalf("recs = %+v", recs)
	}
	if recs[0].ID == "" {
		t.Fatalf("recommendations need generated ids")
	}
	if !gen.opts[0].JSONResponse {
		t.Fatalf("blend must request a JSON response")
	}
	if !strings.Contains(gen.messages[0][0].Content, `"Dune"`) {
		t.Fatalf("prompt missing selected book: %q", gen.messages[0][0].Content)
	}
}

func TestBookBlendValidation(t *testing.T) {
	a, _ := newTestAssistant(&fakeGenerator{})

	if _, err := a.BookBlend(context.Background(), nil); err == nil {
		t.Fatalf("empty selection must be rejected")
	}
	six := make([]domain.Book, 6)
	for i := range six {
		six[i] = testBook("b", "T")
	}
	if _, err := a.BookBlend(context.Background(), six); err == nil {
		t.Fatalf("oversized selection must be rejected")
	}
	if _, err := a.BookBlend(context.Background(), []domain.Book{{ID: "b1"}}); err == nil {
		t.Fatalf("book without a title must be rejected")
	}
}

func TestBookBlendRejectsUnparseableReply(t *testing.T) {
	gen := &fakeGenerator{replies: []string{"sorry, I cannot do that"}}
	a, _ := newTestAssistant(gen)
	if _, err := a.BookBlend(context.Background(), []domain.Book{testBook("b1", "Dune")}); err == nil {
		t.Fatalf("non-JSON reply must fail")
	}

	gen = &fakeGenerator{replies: []string{`{"recommendations":[]}`}}
	a, _ = newTestAssistant(gen)
	if _, err := a.BookBlend(context.Background(), []domain.Book{testBook("b1", "Dune")}); err == nil {
		t.Fatalf("empty recommendation list must fail")
	}
}

func TestStripJSONFences(t *testing.T) {
	cases := map[string]string{
		"{\"a\":1}":                      `{"a":1}`,
		"```json\n{\"a\":1}\n```":        `{"a":1}`,
		"```\n{\"a\":1}\n```":            `{"a":1}`,
		"  ```json\n{\"a\":1}\n```  \n":  `{"a":1}`,
	}
	for in, want := range cases {
		if got := stripJSONFences(in); got != want {
			t.Errorf("stripJSONFences(%q) = %q, want %q", in, got, want)
		}
	}
}
