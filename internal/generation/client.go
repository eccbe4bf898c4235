// Package generation предоставляет клиент для внешнего провайдера генерации контента.
package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// ErrProviderFailed возвращается, когда провайдер вернул ошибку или непригодный ответ.
var ErrProviderFailed = errors.New("generation provider failed")

// Client инкапсулирует HTTP-взаимодействие с OpenAI-совместимым провайдером генерации.
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

// Request описывает запрос на генерацию: текст подсказки и опциональные
// изображения страниц учебника в base64.
type Request struct {
	Prompt string
	Photos []string
}

// NewClient создаёт клиент провайдера генерации по указанному адресу.
func NewClient(baseURL, apiKey, model string) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.RetryWaitMin = time.Second
	rc.RetryWaitMax = 5 * time.Second
	rc.Logger = nil
	rc.HTTPClient.Timeout = 90 * time.Second

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
		httpClient: rc.StandardClient(),
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Generate отправляет запрос провайдеру и возвращает сгенерированный контент.
// Вызов не имеет побочных эффектов на баланс: списание выполняет вызывающая сторона.
func (c *Client) Generate(ctx context.Context, req Request) (string, error) {
	if c == nil || c.baseURL == "" {
		return "", fmt.Errorf("generation client not configured")
	}

	body := chatRequest{
		Model:       c.model,
		Messages:    []chatMessage{{Role: "user", Content: buildContent(req)}},
		Temperature: 0.5,
		MaxTokens:   2000,
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	url := c.baseURL + "/v1/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrProviderFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: unexpected status %d", ErrProviderFailed, resp.StatusCode)
	}

	var result chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("%w: decode response: %s", ErrProviderFailed, err)
	}

	if len(result.Choices) == 0 || result.Choices[0].Message.Content == "" {
		return "", fmt.Errorf("%w: empty content", ErrProviderFailed)
	}

	return result.Choices[0].Message.Content, nil
}

// buildContent собирает мультимодальное содержимое сообщения: текст плюс изображения.
func buildContent(req Request) any {
	if len(req.Photos) == 0 {
		return req.Prompt
	}

	parts := []contentPart{{Type: "text", Text: req.Prompt}}
	for _, photo := range req.Photos {
		if photo == "" {
			continue
		}
		// Убираем префикс data:image/...;base64, если клиент прислал data URL.
		if idx := strings.Index(photo, ","); idx >= 0 {
			photo = photo[idx+1:]
		}
		parts = append(parts, contentPart{
			Type:     "image_url",
			ImageURL: &imageURL{URL: "data:image/jpeg;base64," + photo},
		})
	}

	return parts
}
