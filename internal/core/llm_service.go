package core

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sort"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"gwi.com/bot-portal/internal/config"
)

// Generator sends one assembled prompt to the model configured for a bot.
type Generator interface {
	Configured(botID string) bool
	GenerateContent(ctx context.Context, botID, systemInstruction string, parts []genai.Part) (*genai.GenerateContentResponse, error)
}

type botClient struct {
	client *genai.Client
	model  string
}

// LLMService holds one Gemini client per configured bot, since every bot
// carries its own API key.
type LLMService struct {
	clients map[string]*botClient
}

var _ Generator = (*LLMService)(nil)

func NewLLMService(ctx context.Context, bots map[string]config.BotConfig) (*LLMService, error) {
	s := &LLMService{clients: make(map[string]*botClient, len(bots))}
	for id, bot := range bots {
		client, err := genai.NewClient(ctx, option.WithAPIKey(bot.APIKey))
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to create GenAI client for bot %s: %w", id, err)
		}
		s.clients[id] = &botClient{client: client, model: bot.Model}
	}

	ids := make([]string, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	log.Printf("LLMService initialized with bots: %v", ids)
	return s, nil
}

func (s *LLMService) Close() {
	for id, bc := range s.clients {
		if err := bc.client.Close(); err != nil {
			log.Printf("Error closing GenAI client for bot %s: %v", id, err)
		}
	}
	log.Println("GenAI clients closed.")
}

func (s *LLMService) Configured(botID string) bool {
	_, ok := s.clients[botID]
	return ok
}

func (s *LLMService) GenerateContent(ctx context.Context, botID, systemInstruction string, parts []genai.Part) (*genai.GenerateContentResponse, error) {
	bc, ok := s.clients[botID]
	if !ok {
		return nil, ErrBotNotConfigured
	}

	model := bc.client.GenerativeModel(bc.model)
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(systemInstruction)},
	}

	resp, err := model.GenerateContent(ctx, parts...)
	if err != nil {
		return nil, asUpstreamError(err)
	}
	return resp, nil
}

// asUpstreamError keeps the API's own status and body so they can be relayed.
func asUpstreamError(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		body := gerr.Body
		if body == "" {
			body = gerr.Message
		}
		status := gerr.Code
		if status < http.StatusBadRequest {
			status = http.StatusBadGateway
		}
		return &UpstreamError{Status: status, Body: body, Err: err}
	}
	return fmt.Errorf("gemini generate content failed: %w", err)
}
