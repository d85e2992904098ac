package openai

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"io"
	"strings"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/antra-tess/membrane/content"
	"github.com/antra-tess/membrane/errs"
	"github.com/antra-tess/membrane/provider"
)

// maxEditImages bounds how many conversation images are forwarded to the
// edits endpoint.
const maxEditImages = 16

type (
	// ImagesClient captures the subset of the openai-go Images service used
	// by the adapter.
	ImagesClient interface {
		Generate(ctx context.Context, body openai.ImageGenerateParams, opts ...option.RequestOption) (*openai.ImagesResponse, error)
		Edit(ctx context.Context, body openai.ImageEditParams, opts ...option.RequestOption) (*openai.ImagesResponse, error)
	}

	// ImagesOptions configures the Images adapter.
	ImagesOptions struct {
		// DefaultModel is the image model used when the request does not name
		// one.
		DefaultModel string

		// AllowEdit routes conversations that carry images to the edits
		// endpoint instead of generations.
		AllowEdit bool
	}

	// ImagesAdapter implements provider.Adapter over the OpenAI Images API.
	// It is single-turn: the conversation is flattened into one prompt, and
	// streaming is not supported.
	ImagesAdapter struct {
		images    ImagesClient
		model     string
		allowEdit bool
	}
)

// NewImages builds an Images adapter from the provided client and options.
func NewImages(images ImagesClient, opts ImagesOptions) (*ImagesAdapter, error) {
	if images == nil {
		return nil, errors.New("openai images client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model is required")
	}
	return &ImagesAdapter{images: images, model: opts.DefaultModel, allowEdit: opts.AllowEdit}, nil
}

// Name identifies the adapter for logging and error records.
func (a *ImagesAdapter) Name() string { return "openai-images" }

// PreferredToolMode reports xml for interface completeness; the Images API
// has no tool surface and the Engine never reaches the tool loop through it.
func (a *ImagesAdapter) PreferredToolMode() content.ToolMode { return content.ToolModeXML }

// SupportsCaching reports false: the Images API has no prompt cache.
func (a *ImagesAdapter) SupportsCaching() bool { return false }

// Complete flattens the conversation into a single prompt and calls the
// generations endpoint, or the edits endpoint when the conversation carries
// images and editing is allowed.
func (a *ImagesAdapter) Complete(ctx context.Context, req content.Request) (*content.Response, error) {
	prompt := flattenPrompt(req)
	if strings.TrimSpace(prompt) == "" {
		return nil, errs.New(errs.KindInvalidReq, "openai images: prompt is empty")
	}
	images := collectImages(req.Messages)

	modelID := req.Config.Model
	if modelID == "" {
		modelID = a.model
	}

	var (
		result *openai.ImagesResponse
		err    error
	)
	if len(images) > 0 && a.allowEdit {
		readers := make([]io.Reader, 0, len(images))
		for i, img := range images {
			if i >= maxEditImages {
				break
			}
			format := img.Format
			if format == "" {
				format = content.ImageFormatPNG
			}
			readers = append(readers, openai.File(bytes.NewReader(img.Bytes), "image."+string(format), "image/"+string(format)))
		}
		result, err = a.images.Edit(ctx, openai.ImageEditParams{
			Image:  openai.ImageEditParamsImageUnion{OfFileArray: readers},
			Prompt: prompt,
			Model:  openai.ImageModel(modelID),
		})
	} else {
		result, err = a.images.Generate(ctx, openai.ImageGenerateParams{
			Prompt: prompt,
			Model:  openai.ImageModel(modelID),
		})
	}
	if err != nil {
		return nil, classify(err, "openai images")
	}

	resp := &content.Response{StopReason: content.StopReasonEndTurn}
	var raw strings.Builder
	for _, datum := range result.Data {
		if datum.RevisedPrompt != "" {
			raw.WriteString(datum.RevisedPrompt)
			resp.Content = append(resp.Content, content.TextPart{Text: datum.RevisedPrompt})
		}
		if datum.B64JSON != "" {
			decoded, derr := base64.StdEncoding.DecodeString(datum.B64JSON)
			if derr != nil {
				return nil, errs.Wrap(errs.KindServer, derr, "openai images: malformed b64_json payload")
			}
			resp.Content = append(resp.Content, content.GeneratedImagePart{Format: content.ImageFormatPNG, Bytes: decoded})
		}
	}
	resp.RawAssistantText = raw.String()
	resp.Details.Model = content.ModelInfo{Requested: modelID, Actual: modelID, Provider: "openai-images"}
	resp.Raw = content.RawRecord{Response: result}
	return resp, nil
}

// Stream is unsupported: image generation has no token stream.
func (a *ImagesAdapter) Stream(context.Context, content.Request) (provider.Streamer, error) {
	return nil, errs.New(errs.KindUnsupported, "openai images: streaming is not supported")
}

// flattenPrompt renders the conversation as "Participant: text" lines with
// the system prompt prefixed.
func flattenPrompt(req content.Request) string {
	var b strings.Builder
	if req.System != "" {
		b.WriteString(req.System)
		b.WriteString("\n\n")
	}
	for _, p := range req.SystemParts {
		if tp, ok := p.(content.TextPart); ok && tp.Text != "" {
			b.WriteString(tp.Text)
			b.WriteString("\n\n")
		}
	}
	for _, m := range req.Messages {
		text := content.ExtractText(m)
		if text == "" {
			continue
		}
		b.WriteString(m.Participant)
		b.WriteString(": ")
		b.WriteString(text)
		b.WriteString("\n")
	}
	return b.String()
}

func collectImages(msgs []content.Message) []content.ImagePart {
	var out []content.ImagePart
	for _, m := range msgs {
		for _, p := range m.Content {
			if img, ok := p.(content.ImagePart); ok && len(img.Bytes) > 0 {
				out = append(out, img)
			}
		}
	}
	return out
}
