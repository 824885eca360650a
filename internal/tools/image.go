package tools

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/disintegration/imaging"

	"github.com/nextlevelbuilder/loom/internal/store"
)

const thumbnailWidth = 256

// ImageBackend configures the generation endpoint (OpenAI images API
// shape).
type ImageBackend struct {
	APIBase string
	APIKey  string
	Model   string
}

// GenerateImageTool produces an image from a prompt, storing the full
// image and a preview thumbnail in the blob store.
type GenerateImageTool struct {
	backend ImageBackend
	client  *http.Client
}

func NewGenerateImageTool(backend ImageBackend) *GenerateImageTool {
	if backend.APIBase == "" {
		backend.APIBase = "https://api.openai.com/v1"
	}
	backend.APIBase = strings.TrimRight(backend.APIBase, "/")
	if backend.Model == "" {
		backend.Model = "gpt-image-1"
	}
	return &GenerateImageTool{
		backend: backend,
		client:  &http.Client{Timeout: 120 * time.Second},
	}
}

func (t *GenerateImageTool) Name() string               { return "generate_image" }
func (t *GenerateImageTool) RequiresConfirmation() bool { return false }
func (t *GenerateImageTool) Description() string {
	return "Generate an image from a text prompt"
}

func (t *GenerateImageTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"prompt": map[string]interface{}{
				"type":        "string",
				"description": "Description of the image to generate",
			},
			"size": map[string]interface{}{
				"type":        "string",
				"description": `Image size, e.g. "1024x1024"`,
				"enum":        []string{"1024x1024", "1536x1024", "1024x1536"},
			},
		},
		"required": []string{"prompt"},
	}
}

func (t *GenerateImageTool) Execute(ctx context.Context, args map[string]interface{}) (*Result, error) {
	blobs := BlobsFromCtx(ctx)
	if blobs == nil {
		return nil, fmt.Errorf("generate_image: no blob store in context")
	}
	if t.backend.APIKey == "" {
		return nil, fmt.Errorf("generate_image: no image backend configured")
	}

	prompt, _ := args["prompt"].(string)
	size, _ := args["size"].(string)
	if size == "" {
		size = "1024x1024"
	}

	data, err := t.generate(ctx, prompt, size)
	if err != nil {
		return nil, err
	}

	hash, err := blobs.Put(data)
	if err != nil {
		return nil, fmt.Errorf("generate_image: store blob: %w", err)
	}

	attachments := []store.FileAttachment{{
		FileName: "generated.png",
		MimeType: "image/png",
		Hash:     hash,
	}}

	// Preview thumbnail; generation still succeeds if decoding fails.
	if thumb, terr := makeThumbnail(data); terr == nil {
		if thumbHash, perr := blobs.Put(thumb); perr == nil {
			attachments = append(attachments, store.FileAttachment{
				FileName: "generated_thumb.png",
				MimeType: "image/png",
				Hash:     thumbHash,
			})
		}
	}

	return NewResult(map[string]interface{}{
		"prompt": prompt,
		"size":   size,
		"hash":   hash,
	}).WithAttachments(attachments...), nil
}

func (t *GenerateImageTool) generate(ctx context.Context, prompt, size string) ([]byte, error) {
	body, _ := json.Marshal(map[string]interface{}{
		"model":           t.backend.Model,
		"prompt":          prompt,
		"size":            size,
		"response_format": "b64_json",
	})

	req, err := http.NewRequestWithContext(ctx, "POST", t.backend.APIBase+"/images/generations", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("generate_image: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+t.backend.APIKey)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("generate_image: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("generate_image: http %d: %s", resp.StatusCode, msg)
	}

	var out struct {
		Data []struct {
			B64JSON string `json:"b64_json"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("generate_image: decode: %w", err)
	}
	if len(out.Data) == 0 {
		return nil, fmt.Errorf("generate_image: empty response")
	}
	return base64.StdEncoding.DecodeString(out.Data[0].B64JSON)
}

func makeThumbnail(data []byte) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	thumb := imaging.Resize(img, thumbnailWidth, 0, imaging.Lanczos)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, thumb, imaging.PNG); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
