package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/samber/lo"

	"github.com/archrelight/archrelight/internal/inputs"
	"github.com/archrelight/archrelight/internal/pipeline"
	"github.com/archrelight/archrelight/internal/webhook"
)

var ErrUnsupportedMediaType = errors.New("unsupported content type")

// enhanceCall is a parsed POST /enhance request.
type enhanceCall struct {
	req     pipeline.Request
	webhook string
	events  []webhook.Event
}

// parseEnhance accepts a JSON body with an imageUrl, a multipart form with an
// image (or file) part, or a raw image body with fields in the query string.
func parseEnhance(w http.ResponseWriter, r *http.Request, cfg Config) (enhanceCall, error) {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return enhanceCall{}, fmt.Errorf("%w: %q", ErrUnsupportedMediaType, r.Header.Get("Content-Type"))
	}

	switch {
	case mediaType == "application/json":
		r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
		var er EnhanceRequest
		if err := json.NewDecoder(r.Body).Decode(&er); err != nil {
			var maxBytes *http.MaxBytesError
			if errors.As(err, &maxBytes) {
				return enhanceCall{}, err
			}
			return enhanceCall{}, fmt.Errorf("%w: malformed JSON body: %w", pipeline.ErrInvalidInput, err)
		}
		var image inputs.Source
		if er.ImageURL != "" {
			image = inputs.URL(er.ImageURL)
		}
		return er.call(image)

	case mediaType == "multipart/form-data":
		r.Body = http.MaxBytesReader(w, r.Body, cfg.MaxUploadBytes+maxJSONBodyBytes)
		return parseMultipart(r, cfg)

	case strings.HasPrefix(mediaType, "image/"):
		r.Body = http.MaxBytesReader(w, r.Body, cfg.MaxUploadBytes)
		er, err := formRequest(r.URL.Query())
		if err != nil {
			return enhanceCall{}, err
		}
		return er.call(inputs.Stream(r.Body))
	}
	return enhanceCall{}, fmt.Errorf("%w: %q", ErrUnsupportedMediaType, mediaType)
}

func parseMultipart(r *http.Request, cfg Config) (enhanceCall, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return enhanceCall{}, fmt.Errorf("%w: %w", pipeline.ErrInvalidInput, err)
	}
	form := map[string][]string{}
	var image inputs.Source
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return enhanceCall{}, multipartError(err)
		}
		switch name := part.FormName(); name {
		case "image", "file":
			data, err := inputs.ReadLimited(part, cfg.MaxUploadBytes)
			if err != nil {
				return enhanceCall{}, multipartError(err)
			}
			image = inputs.Bytes(data)
		case "":
		default:
			value, err := inputs.ReadLimited(part, maxFormFieldBytes)
			if err != nil {
				return enhanceCall{}, multipartError(err)
			}
			form[name] = append(form[name], string(value))
		}
		_ = part.Close()
	}

	er, err := formRequest(form)
	if err != nil {
		return enhanceCall{}, err
	}
	if image.IsZero() && er.ImageURL != "" {
		image = inputs.URL(er.ImageURL)
	}
	return er.call(image)
}

func multipartError(err error) error {
	var maxBytes *http.MaxBytesError
	if errors.Is(err, inputs.ErrTooLarge) || errors.As(err, &maxBytes) {
		return err
	}
	return fmt.Errorf("%w: malformed multipart body: %w", pipeline.ErrInvalidInput, err)
}

// formRequest reads the enhance fields from form or query values.
func formRequest(form map[string][]string) (EnhanceRequest, error) {
	get := func(keys ...string) string {
		for _, k := range keys {
			if vs := form[k]; len(vs) > 0 {
				return strings.TrimSpace(vs[0])
			}
		}
		return ""
	}

	er := EnhanceRequest{
		ImageURL: get("imageUrl", "image_url"),
		Preset:   get("preset"),
		Upscale:  get("upscale"),
		Webhook:  get("webhook"),
	}
	if s := get("strength"); s != "" {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return er, fmt.Errorf("%w: strength %q is not a number", pipeline.ErrInvalidInput, s)
		}
		er.Strength = &f
	}
	if s := get("preserveComposition", "preserve_composition"); s != "" {
		b, err := strconv.ParseBool(s)
		if err != nil {
			return er, fmt.Errorf("%w: preserveComposition %q is not a boolean", pipeline.ErrInvalidInput, s)
		}
		er.PreserveComposition = &b
	}
	for _, v := range form["webhook_events_filter"] {
		er.WebhookEventsFilter = append(er.WebhookEventsFilter, strings.Split(v, ",")...)
	}
	er.WebhookEventsFilter = lo.Compact(lo.Map(er.WebhookEventsFilter, func(s string, _ int) string {
		return strings.TrimSpace(s)
	}))
	return er, nil
}

func (er EnhanceRequest) call(image inputs.Source) (enhanceCall, error) {
	req := pipeline.NewRequest(image)
	req.Preset = pipeline.ParsePreset(er.Preset)
	if er.Strength != nil {
		req.Strength = *er.Strength
	}
	if er.PreserveComposition != nil {
		req.PreserveComposition = *er.PreserveComposition
	} else if er.PreserveCompSnake != nil {
		req.PreserveComposition = *er.PreserveCompSnake
	}
	up, err := pipeline.ParseUpscale(er.Upscale)
	if err != nil {
		return enhanceCall{}, err
	}
	req.Upscale = up

	events, err := webhook.ParseEvents(er.WebhookEventsFilter)
	if err != nil {
		return enhanceCall{}, fmt.Errorf("%w: %w", pipeline.ErrInvalidInput, err)
	}
	return enhanceCall{req: req, webhook: er.Webhook, events: events}, nil
}
