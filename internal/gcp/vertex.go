package gcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"cloud.google.com/go/vertexai/genai"
)

// --- Router Model Prompts ---
const RouterSystemPrompt = "You are a clinical document intake classifier. You look at one document and decide what kind of clinical document it is. You must output your response as a single valid JSON object."
const RouterUserPrompt = `Classify the attached document.

Follow these rules precisely:
1.  "documentType" is one of: "lab_report", "discharge_summary", "referral", "imaging_report", "prescription", "consent_form", "other".
2.  "confidence" is a number between 0 and 1.
3.  "pageCount" is the number of pages you can see, or 0 if unknown.
4.  "reason" is one short sentence explaining the classification.
5.  Output ONLY the JSON object. Do not include any text before or after it.

Example output format:
{"documentType": "lab_report", "confidence": 0.93, "pageCount": 2, "reason": "Tabulated blood panel results with reference ranges."}`

// Classification is the router model's structured answer.
type Classification struct {
	DocumentType string  `json:"documentType"`
	Confidence   float64 `json:"confidence"`
	PageCount    int     `json:"pageCount"`
	Reason       string  `json:"reason"`
}

// VertexClient holds the pre-configured generative models used by the stage handlers.
type VertexClient struct {
	RouterModel *genai.GenerativeModel
	baseClient  *genai.Client
}

// NewVertexClient creates a new client holding all necessary models.
func NewVertexClient(ctx context.Context, projectID, region, modelName string) (*VertexClient, error) {
	if projectID == "" || region == "" {
		return nil, fmt.Errorf("NewVertexClient: projectID and region cannot be empty")
	}

	baseClient, err := genai.NewClient(ctx, projectID, region)
	if err != nil {
		return nil, fmt.Errorf("genai.NewClient: %w", err)
	}

	routerModel := baseClient.GenerativeModel(modelName)
	routerModel.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(RouterSystemPrompt)},
	}
	routerModel.GenerationConfig = genai.GenerationConfig{
		ResponseMIMEType: "application/json",
		Temperature:      genai.Ptr[float32](0.0),
	}

	return &VertexClient{
		RouterModel: routerModel,
		baseClient:  baseClient,
	}, nil
}

// Classify asks the router model what kind of document lives at gcsURI.
func (c *VertexClient) Classify(ctx context.Context, gcsURI, mimeType string) (Classification, error) {
	var out Classification
	resp, err := c.RouterModel.GenerateContent(ctx,
		genai.FileData{MIMEType: mimeType, FileURI: gcsURI},
		genai.Text(RouterUserPrompt),
	)
	if err != nil {
		return out, fmt.Errorf("failed to generate content from gemini: %w", err)
	}
	text := responseText(resp)
	if text == "" {
		return out, fmt.Errorf("gemini returned no content for %s", gcsURI)
	}
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		return out, fmt.Errorf("parse classification %q: %w", text, err)
	}
	return out, nil
}

func (c *VertexClient) Close() error {
	if c.baseClient != nil {
		return c.baseClient.Close()
	}
	return nil
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			b.WriteString(string(txt))
		}
	}
	s := strings.TrimSpace(b.String())
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
