package core

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"gwi.com/bot-portal/internal/extract"
)

const (
	BotImage  = "image"
	BotReport = "report"
	BotPaper  = "paper"
	BotData   = "data"

	// FileContentMarker prefixes extracted file text in the user message.
	FileContentMarker = "[Attached file content]"
	// NoInputPlaceholder stands in when the request carries nothing at all;
	// the API rejects a message without parts.
	NoInputPlaceholder = "(No input provided)"

	genericInstruction = "You are a helpful assistant. Answer clearly and concisely, and say so when the provided input is insufficient."
)

var botInstructions = map[string]string{
	BotImage: "You are an image assistant. Describe, analyse or generate images as the user asks. " +
		"When an image is attached, ground every statement in what is actually visible.",
	BotReport: "You are a report-writing assistant. Turn the user's notes and any attached document into a well-structured report " +
		"with a title, a short executive summary, clearly headed sections and a conclusion.",
	BotPaper: "You are an academic paper assistant. Summarise, critique or draft scholarly text. " +
		"Keep a formal register, state the key claims and methods, and never invent citations.",
	BotData: "You are a data analysis assistant. Analyse the provided data, highlight trends and outliers, " +
		"and propose a chart that best communicates the findings, including the series and axes to plot.",
}

// SystemInstruction picks the template for a bot. Unknown bots get a generic
// instruction; the data bot also names the requested chart type.
func SystemInstruction(botID, chartType string) string {
	instruction, ok := botInstructions[botID]
	if !ok {
		return genericInstruction
	}
	if botID == BotData {
		if ct := strings.TrimSpace(chartType); ct != "" {
			instruction += fmt.Sprintf(" Preferred chart type: %s.", ct)
		}
	}
	return instruction
}

// BuildParts assembles the user message: text, then file text, then image.
func BuildParts(userText, fileText string, image *extract.InlineImage) []genai.Part {
	var parts []genai.Part
	if t := strings.TrimSpace(userText); t != "" {
		parts = append(parts, genai.Text(t))
	}
	if strings.TrimSpace(fileText) != "" {
		parts = append(parts, genai.Text(FileContentMarker+"\n"+fileText))
	}
	if image != nil && len(image.Data) > 0 {
		parts = append(parts, genai.Blob{MIMEType: image.MIMEType, Data: image.Data})
	}
	if len(parts) == 0 {
		parts = append(parts, genai.Text(NoInputPlaceholder))
	}
	return parts
}

// Uploader stores the original upload somewhere the browser can fetch it.
type Uploader interface {
	Upload(ctx context.Context, path, name, contentType string) (string, error)
}

type BotRequest struct {
	BotID     string
	Text      string
	ChartType string
	File      *extract.File
}

type BotReply struct {
	Text    string  `json:"text"`
	Image   *string `json:"image"`
	FileURL *string `json:"fileUrl"`
	Raw     any     `json:"raw"`
}

type BotService struct {
	llm       Generator
	extractor *extract.Registry
	uploader  Uploader
}

func NewBotService(llm Generator, extractor *extract.Registry, uploader Uploader) *BotService {
	return &BotService{
		llm:       llm,
		extractor: extractor,
		uploader:  uploader,
	}
}

func (s *BotService) Configured(botID string) bool {
	return s.llm.Configured(botID)
}

// Dispatch extracts the optional file, uploads the original, calls the model
// and normalizes the reply. It never touches the network for an unconfigured
// bot.
func (s *BotService) Dispatch(ctx context.Context, req BotRequest) (*BotReply, error) {
	if !s.llm.Configured(req.BotID) {
		return nil, ErrBotNotConfigured
	}

	var (
		fileText string
		image    *extract.InlineImage
		fileURL  string
	)
	if req.File != nil {
		res, err := s.extractor.Extract(ctx, *req.File)
		if err != nil {
			return nil, err
		}
		fileText, image = res.Text, res.InlineImage

		if s.uploader != nil {
			fileURL, err = s.uploader.Upload(ctx, req.File.Path, req.File.Name, req.File.MIMEType)
			if err != nil {
				return nil, fmt.Errorf("failed to upload file: %w", err)
			}
		}
	}

	instruction := SystemInstruction(req.BotID, req.ChartType)
	parts := BuildParts(req.Text, fileText, image)

	resp, err := s.llm.GenerateContent(ctx, req.BotID, instruction, parts)
	if err != nil {
		log.Printf("Bot %s request failed: %v", req.BotID, err)
		return nil, err
	}

	reply := NormalizeReply(resp)
	if fileURL != "" {
		reply.FileURL = &fileURL
	}
	return reply, nil
}

// NormalizeReply joins the text parts of the first candidate with blank
// lines and turns the first inline image into a data URL.
func NormalizeReply(resp *genai.GenerateContentResponse) *BotReply {
	reply := &BotReply{Raw: resp}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return reply
	}

	var texts []string
	for _, part := range resp.Candidates[0].Content.Parts {
		switch p := part.(type) {
		case genai.Text:
			if strings.TrimSpace(string(p)) != "" {
				texts = append(texts, string(p))
			}
		case genai.Blob:
			if reply.Image == nil && strings.HasPrefix(p.MIMEType, "image/") {
				dataURL := "data:" + p.MIMEType + ";base64," + base64.StdEncoding.EncodeToString(p.Data)
				reply.Image = &dataURL
			}
		default:
			log.Printf("Ignoring response part of type %T", part)
		}
	}
	reply.Text = strings.TrimSpace(strings.Join(texts, "\n\n"))
	return reply
}
