package pipeline

import (
	"fmt"
	"strings"

	"github.com/cloo-solutions/ragline/internal/domain"
)

const (
	answerSystemPrompt = "You are a knowledge base assistant. Answer the question using only the " +
		"provided context. If the context does not contain the answer, say so briefly. " +
		"Be concise and factual."

	generalSystemPrompt = "You are a helpful assistant. Answer from general knowledge. " +
		"If you are not confident, say so."

	rewriteSystemPrompt = "Write a short hypothetical passage that would answer the user's " +
		"question. The passage is used for document retrieval only and is never shown to the " +
		"user. Respond with the passage text alone."

	rerankSystemPrompt = "You rank context passages by relevance to a question. Respond with " +
		"the passage numbers in descending relevance, comma-separated, nothing else. " +
		"Example: 3,1,2"
)

func buildContextBlock(chunks []domain.DocumentChunk) string {
	if len(chunks) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("Context:\n")
	for i, c := range chunks {
		fmt.Fprintf(&sb, "[%d] %s\n", i+1, strings.TrimSpace(c.Content))
	}
	return sb.String()
}

func buildAnswerMessages(question string, chunks []domain.DocumentChunk, history []domain.ChatMessage) []domain.ChatMessage {
	messages := make([]domain.ChatMessage, 0, len(history)+3)
	messages = append(messages, domain.ChatMessage{Role: "system", Content: answerSystemPrompt})
	messages = append(messages, history...)
	if block := buildContextBlock(chunks); block != "" {
		messages = append(messages, domain.ChatMessage{Role: "user", Content: block})
	}
	messages = append(messages, domain.ChatMessage{Role: "user", Content: question})
	return messages
}

func buildRerankMessages(question string, chunks []domain.DocumentChunk) []domain.ChatMessage {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Question: %s\n\n", question)
	for i, c := range chunks {
		fmt.Fprintf(&sb, "Passage %d: %s\n\n", i+1, strings.TrimSpace(c.Content))
	}
	return []domain.ChatMessage{
		{Role: "system", Content: rerankSystemPrompt},
		{Role: "user", Content: sb.String()},
	}
}

func buildAggregatedMessages(questions []string, contexts [][]domain.DocumentChunk) []domain.ChatMessage {
	var sb strings.Builder
	sb.WriteString("Answer each numbered question using its context. Respond with the same " +
		"numbering, one answer per question, in order.\n\n")
	for i, q := range questions {
		fmt.Fprintf(&sb, "Question %d: %s\n", i+1, q)
		if block := buildContextBlock(contexts[i]); block != "" {
			sb.WriteString(block)
		}
		sb.WriteString("\n")
	}
	return []domain.ChatMessage{
		{Role: "system", Content: answerSystemPrompt},
		{Role: "user", Content: sb.String()},
	}
}

func messagesText(messages []domain.ChatMessage) string {
	var sb strings.Builder
	for _, m := range messages {
		sb.WriteString(m.Content)
		sb.WriteString("\n")
	}
	return sb.String()
}
