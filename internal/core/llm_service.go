package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/go-logr/logr"
	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"gwi.com/chat-history/internal/config"
)

const chatSystemInstruction = "You are a helpful assistant. Keep your answers concise and directly related to the user's question. " +
	"Do not make up information. If you do not know the answer, say so."

// GeminiProvider talks to Google's Gemini models.
type GeminiProvider struct {
	client         *genai.Client
	chatModel      string
	analysisModel  string
	embeddingModel string
	dimensions     int
	log            logr.Logger
}

func NewGeminiProvider(ctx context.Context, cfg *config.Config, log logr.Logger) (*GeminiProvider, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.GeminiAPIKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	return &GeminiProvider{
		client:         client,
		chatModel:      cfg.ChatModel,
		analysisModel:  cfg.AnalysisModel,
		embeddingModel: cfg.EmbeddingModel,
		dimensions:     cfg.EmbeddingDimensions,
		log:            log.WithName("gemini"),
	}, nil
}

func (p *GeminiProvider) Close() error {
	if p.client == nil {
		return nil
	}
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("error closing GenAI client: %w", err)
	}
	p.log.Info("GenAI client closed")
	return nil
}

func (p *GeminiProvider) Dimensions() int {
	return p.dimensions
}

func (p *GeminiProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	em := p.client.EmbeddingModel(p.embeddingModel)
	res, err := em.EmbedContent(ctx, genai.Text(text))
	if err != nil {
		return nil, fmt.Errorf("%w: gemini embedding request failed: %w", ErrProvider, err)
	}
	if res.Embedding == nil || len(res.Embedding.Values) == 0 {
		return nil, fmt.Errorf("%w: no embedding data received from gemini", ErrProvider)
	}
	return res.Embedding.Values, nil
}

// StreamChat sends the last turn of history, which must be the user's, with the earlier
// turns as chat context.
func (p *GeminiProvider) StreamChat(ctx context.Context, history []ChatTurn) (ChatStream, error) {
	if len(history) == 0 {
		return nil, fmt.Errorf("%w: prompt history is empty", ErrProvider)
	}
	last := history[len(history)-1]
	if last.Role != RoleUser {
		return nil, fmt.Errorf("%w: last message in history is not from the user", ErrProvider)
	}

	model := p.client.GenerativeModel(p.chatModel)
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(chatSystemInstruction)},
	}

	chatSession := model.StartChat()
	for _, turn := range history[:len(history)-1] {
		chatSession.History = append(chatSession.History, &genai.Content{
			Role:  geminiRole(turn.Role),
			Parts: []genai.Part{genai.Text(turn.Text)},
		})
	}

	streamCtx, cancel := context.WithCancel(ctx)
	return &geminiStream{
		iter:   chatSession.SendMessageStream(streamCtx, genai.Text(last.Text)),
		cancel: cancel,
	}, nil
}

func (p *GeminiProvider) AnalyzeTranscript(ctx context.Context, transcript string) (string, error) {
	model := p.client.GenerativeModel(p.analysisModel)
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(analysisInstruction)},
	}
	temp := float32(0.2)
	model.Temperature = &temp
	model.ResponseMIMEType = "application/json"
	model.ResponseSchema = &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"summary":    {Type: genai.TypeString},
			"key_points": {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}},
		},
		Required: []string{"summary", "key_points"},
	}

	resp, err := model.GenerateContent(ctx, genai.Text(analysisPrompt(transcript)))
	if err != nil {
		return "", fmt.Errorf("%w: gemini analysis request failed: %w", ErrProvider, err)
	}
	text := responseText(resp)
	if text == "" {
		return "", fmt.Errorf("%w: gemini returned an empty analysis", ErrProvider)
	}
	return text, nil
}

type geminiStream struct {
	iter   *genai.GenerateContentResponseIterator
	cancel context.CancelFunc
}

func (s *geminiStream) Recv() (string, error) {
	for {
		resp, err := s.iter.Next()
		if errors.Is(err, iterator.Done) {
			return "", io.EOF
		}
		if err != nil {
			return "", fmt.Errorf("gemini stream failed: %w", err)
		}
		if text := responseText(resp); text != "" {
			return text, nil
		}
	}
}

// Close stops the underlying request; the iterator itself has no close.
func (s *geminiStream) Close() error {
	s.cancel()
	return nil
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			text.WriteString(string(txt))
		}
	}
	return text.String()
}

func geminiRole(role string) string {
	if role == RoleModel {
		return "model"
	}
	return "user"
}
