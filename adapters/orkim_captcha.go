package adapters

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"strings"
	"unicode"

	_ "image/gif"
	_ "image/jpeg"

	"github.com/Nurullah649/NPC-AI-ERP-sub000/internal/types"
)

// captchaThreshold is the grayscale cutoff for binarization.
const captchaThreshold = 150

const captchaPrompt = "Read the characters in this CAPTCHA image. Reply with only the characters, no spaces, no punctuation, alphanumerics only."

// CaptchaSolver resolves a preprocessed CAPTCHA image to its text.
type CaptchaSolver interface {
	Solve(ctx context.Context, imagePNG []byte) (string, error)
}

// PreprocessCaptcha converts the CAPTCHA to grayscale, thresholds it at 150
// and re-encodes it as PNG. The cleaned image reads far more reliably.
func PreprocessCaptcha(raw []byte) ([]byte, error) {
	src, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("captcha decode failed: %w", err)
	}

	bounds := src.Bounds()
	out := image.NewGray(bounds)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			gray := color.GrayModel.Convert(src.At(x, y)).(color.Gray)
			if gray.Y > captchaThreshold {
				out.SetGray(x, y, color.Gray{Y: 255})
			} else {
				out.SetGray(x, y, color.Gray{Y: 0})
			}
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, out); err != nil {
		return nil, fmt.Errorf("captcha encode failed: %w", err)
	}
	return buf.Bytes(), nil
}

// NormalizeCaptchaText keeps only alphanumerics and uppercases them.
func NormalizeCaptchaText(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToUpper(r))
		}
	}
	return b.String()
}

// VisionSolver sends the CAPTCHA image to a multimodal LLM over an
// OpenAI-compatible chat endpoint.
type VisionSolver struct {
	config *types.Config
	logger types.Logger
	apiKey func() string
	client *http.Client
}

func NewVisionSolver(config *types.Config, logger types.Logger, apiKey func() string) *VisionSolver {
	return &VisionSolver{
		config: config,
		logger: logger,
		apiKey: apiKey,
		client: &http.Client{Timeout: config.Timeout},
	}
}

type visionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Solve submits the image and returns the normalized text.
func (v *VisionSolver) Solve(ctx context.Context, imagePNG []byte) (string, error) {
	key := v.apiKey()
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("ocr api key not configured")
	}

	dataURI := "data:image/png;base64," + base64.StdEncoding.EncodeToString(imagePNG)
	payload, _ := json.Marshal(map[string]any{
		"model":      v.config.VisionModel,
		"max_tokens": 20,
		"messages": []map[string]any{{
			"role": "user",
			"content": []map[string]any{
				{"type": "text", "text": captchaPrompt},
				{"type": "image_url", "image_url": map[string]string{"url": dataURI}},
			},
		}},
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.config.VisionAPIURL, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+key)

	resp, err := v.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("vision request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("vision api status %d", resp.StatusCode)
	}

	var parsed visionResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("vision response parse failed: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("vision api returned no choices")
	}

	text := NormalizeCaptchaText(parsed.Choices[0].Message.Content)
	if text == "" {
		return "", fmt.Errorf("vision api returned no readable text")
	}
	return text, nil
}
