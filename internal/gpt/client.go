// internal/gpt/client.go
package gpt

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"calorie-ai/config"
	"calorie-ai/internal/metrics"
	"calorie-ai/internal/models"
	"calorie-ai/pkg/logger"

	"github.com/sashabaranov/go-openai"
	"github.com/tidwall/gjson"
)

const (
	systemPrompt = `You are a nutritionist API. You strictly output JSON. Analyze the food image. ` +
		`Estimate weight in grams (weightG), confidence (0.0 to 1.0), and list main ingredients. ` +
		`If not food, return {"name": "Не еда", "calories": 0, "protein": 0, "fat": 0, "carbs": 0, ` +
		`"ingredients": [], "weightG": 0, "confidence": 0}.`
	userPrompt = `Analyze this image and return JSON: { "name": "Food Name (start with uppercase, in Russian)", ` +
		`"calories": number, "protein": number, "fat": number, "carbs": number, ` +
		`"ingredients": ["ing1", "ing2"], "weightG": number, "confidence": number }`
	maxTokens = 300
)

var errEmptyResponse = errors.New("no response from GPT API")

// Fallback is served whenever the model cannot be reached or answers garbage.
func Fallback() *models.FoodAnalysis {
	return &models.FoodAnalysis{
		Name:        "[Fallback] Куриная грудка с рисом",
		Calories:    450,
		Protein:     45,
		Fat:         12,
		Carbs:       38,
		Ingredients: []string{"Курица", "Рис", "Масло"},
		WeightG:     350,
		Confidence:  0.8,
	}
}

type Client struct {
	client  *openai.Client
	model   string
	timeout time.Duration
	log     *logger.Logger
}

func NewClient(cfg config.GPTConfig, log *logger.Logger) *Client {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = openai.GPT4oMini
	}
	return &Client{
		client:  openai.NewClientWithConfig(oc),
		model:   model,
		timeout: cfg.Timeout,
		log:     log.Named("gpt"),
	}
}

// AnalyzeFood estimates the nutrition of the dish at imageURL, which may be
// a public URL or a data URL. It never fails: on any error the fallback
// estimate is returned.
func (c *Client) AnalyzeFood(ctx context.Context, imageURL string) *models.FoodAnalysis {
	start := time.Now()
	analysis, err := c.analyze(ctx, imageURL)
	metrics.RecordVisionCall(time.Since(start), err != nil)
	if err != nil {
		c.log.Warnw("food analysis failed, serving fallback", "error", err)
		return Fallback()
	}
	return analysis
}

func (c *Client) analyze(ctx context.Context, imageURL string) (*models.FoodAnalysis, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req := openai.ChatCompletionRequest{
		Model: c.model,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: systemPrompt,
			},
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{Type: openai.ChatMessagePartTypeText, Text: userPrompt},
					{Type: openai.ChatMessagePartTypeImageURL, ImageURL: &openai.ChatMessageImageURL{URL: imageURL}},
				},
			},
		},
		MaxTokens: maxTokens,
	}

	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("vision completion: %w", err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return nil, errEmptyResponse
	}
	return ParseAnalysis(resp.Choices[0].Message.Content)
}

// ParseAnalysis reads a model answer leniently: code fences are stripped,
// ingredients may be an array or a scalar, calories are rounded and macros
// rounded to one decimal.
func ParseAnalysis(content string) (*models.FoodAnalysis, error) {
	raw := strings.TrimSpace(content)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	raw = strings.TrimSpace(raw)

	if !gjson.Valid(raw) {
		return nil, fmt.Errorf("model answer is not JSON: %.80q", raw)
	}
	doc := gjson.Parse(raw)
	if !doc.IsObject() {
		return nil, fmt.Errorf("model answer is not an object")
	}

	name := strings.TrimSpace(doc.Get("name").String())
	if name == "" {
		return nil, fmt.Errorf("model answer has no name")
	}

	ingredients := make([]string, 0)
	switch ing := doc.Get("ingredients"); {
	case ing.IsArray():
		ing.ForEach(func(_, v gjson.Result) bool {
			if s := strings.TrimSpace(v.String()); s != "" {
				ingredients = append(ingredients, s)
			}
			return true
		})
	case ing.Exists() && strings.TrimSpace(ing.String()) != "":
		ingredients = append(ingredients, strings.TrimSpace(ing.String()))
	}

	return &models.FoodAnalysis{
		Name:        name,
		Calories:    int(math.Round(doc.Get("calories").Float())),
		Protein:     round1(doc.Get("protein").Float()),
		Fat:         round1(doc.Get("fat").Float()),
		Carbs:       round1(doc.Get("carbs").Float()),
		Ingredients: ingredients,
		WeightG:     int(math.Round(doc.Get("weightG").Float())),
		Confidence:  doc.Get("confidence").Float(),
	}, nil
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
