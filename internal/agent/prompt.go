package agent

import (
	"fmt"
	"strings"

	"github.com/matheus3301/telequery/internal/search"
)

const systemPrompt = `You are an AI assistant that helps users find information from their Telegram message history.

Your task is to:
1. Analyze the provided message context carefully
2. Answer the user's question based ONLY on the information in the messages
3. Cite specific messages when possible by mentioning the sender and approximate time
4. If you cannot find a clear answer in the messages, say so clearly
5. Do not make up information or hallucinate responses

Be concise but informative in your responses.`

const timeLayout = "2006-01-02 15:04"

func userPrompt(question string, hits []search.Hit) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Based on the following Telegram messages, please answer this question: %q\n\nMessage Context:\n", question)
	for i, h := range hits {
		if i > 0 {
			sb.WriteString("\n")
		}
		fmt.Fprintf(&sb, "%s @ %s: %s\n", h.Message.SenderName, h.Message.Time().Format(timeLayout), h.Message.Text)
	}
	fmt.Fprintf(&sb, "\nQuestion: %s\nPlease provide a clear, accurate answer based only on the information in these messages.", question)
	return sb.String()
}
