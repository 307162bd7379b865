package httpserver

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/pixtools/pixtools/internal/domain"
)

// allowedSourceMIME maps acceptable upload content types, as sniffed
// from the bytes, to the normalized source format tag.
var allowedSourceMIME = map[string]domain.OperationTag{
	"image/jpeg": domain.OpJPG,
	"image/png":  domain.OpPNG,
	"image/webp": domain.OpWebP,
	"image/avif": domain.OpAVIF,
}

// sourceFormat returns the normalized format tag for a sniffed MIME
// type, or "" when the content is not an accepted image format.
func sourceFormat(mime string) domain.OperationTag {
	// Strip parameters such as charset.
	if i := strings.Index(mime, ";"); i >= 0 {
		mime = mime[:i]
	}
	return allowedSourceMIME[strings.ToLower(strings.TrimSpace(mime))]
}

// parseOperations decodes and normalizes the operations form field:
// JSON array of tags, 1 to 6 items, known tags only. "jpeg" normalizes
// to "jpg"; duplicates collapse, preserving first-occurrence order.
func parseOperations(raw string) ([]domain.OperationTag, error) {
	var tags []string
	if err := json.Unmarshal([]byte(raw), &tags); err != nil {
		return nil, fmt.Errorf("%w: operations must be a JSON array of strings", domain.ErrUnprocessable)
	}
	if len(tags) == 0 {
		return nil, fmt.Errorf("%w: operations must not be empty", domain.ErrUnprocessable)
	}
	if len(tags) > 6 {
		return nil, fmt.Errorf("%w: at most 6 operations per job", domain.ErrUnprocessable)
	}
	seen := make(map[domain.OperationTag]struct{}, len(tags))
	ops := make([]domain.OperationTag, 0, len(tags))
	for _, t := range tags {
		tag := domain.OperationTag(strings.ToLower(strings.TrimSpace(t)))
		if tag == "jpeg" {
			tag = domain.OpJPG
		}
		if !tag.Valid() {
			return nil, fmt.Errorf("%w: unknown operation %q", domain.ErrUnprocessable, t)
		}
		if _, dup := seen[tag]; dup {
			continue
		}
		seen[tag] = struct{}{}
		ops = append(ops, tag)
	}
	return ops, nil
}

// paramsSpec mirrors the operation_params JSON shape for validation.
// Unknown fields are ignored by the decoder on purpose.
type paramsSpec struct {
	Quality int `json:"quality" validate:"omitempty,min=1,max=100"`
	Resize  *struct {
		Width  int `json:"width" validate:"omitempty,min=1"`
		Height int `json:"height" validate:"omitempty,min=1"`
	} `json:"resize"`
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

// parseParams decodes and validates the optional operation_params form
// field. Params keyed by operations that are not requested are dropped;
// quality is only meaningful for jpg and webp.
func parseParams(raw string, ops []domain.OperationTag) (map[domain.OperationTag]domain.OperationParams, error) {
	out := map[domain.OperationTag]domain.OperationParams{}
	if strings.TrimSpace(raw) == "" {
		return out, nil
	}
	var byOp map[string]paramsSpec
	if err := json.Unmarshal([]byte(raw), &byOp); err != nil {
		return nil, fmt.Errorf("%w: operation_params must be a JSON object", domain.ErrUnprocessable)
	}
	requested := make(map[domain.OperationTag]struct{}, len(ops))
	for _, op := range ops {
		requested[op] = struct{}{}
	}
	for key, spec := range byOp {
		op := domain.OperationTag(strings.ToLower(strings.TrimSpace(key)))
		if op == "jpeg" {
			op = domain.OpJPG
		}
		if _, ok := requested[op]; !ok {
			continue
		}
		if err := getValidator().Struct(spec); err != nil {
			return nil, fmt.Errorf("%w: invalid params for %s: %v", domain.ErrUnprocessable, op, err)
		}
		if spec.Quality != 0 && op != domain.OpJPG && op != domain.OpWebP {
			return nil, fmt.Errorf("%w: quality only applies to jpg and webp", domain.ErrUnprocessable)
		}
		p := domain.OperationParams{Quality: spec.Quality}
		if spec.Resize != nil {
			if spec.Resize.Width <= 0 && spec.Resize.Height <= 0 {
				return nil, fmt.Errorf("%w: resize requires a positive width or height", domain.ErrUnprocessable)
			}
			if !op.ProducesImage() {
				return nil, fmt.Errorf("%w: resize does not apply to %s", domain.ErrUnprocessable, op)
			}
			p.Resize = &domain.ResizeSpec{Width: spec.Resize.Width, Height: spec.Resize.Height}
		}
		out[op] = p
	}
	return out, nil
}

// validateWebhookURL performs syntactic validation only; reachability is
// the delivery layer's problem.
func validateWebhookURL(raw string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("%w: webhook_url must be an absolute http(s) URL", domain.ErrUnprocessable)
	}
	return nil
}

// validateIdempotencyKey bounds the opaque client token.
func validateIdempotencyKey(key string) error {
	if len(key) > 128 {
		return fmt.Errorf("%w: Idempotency-Key must be at most 128 bytes", domain.ErrUnprocessable)
	}
	return nil
}

// rejectSameFormat returns an error when a conversion targets the
// source's own format. Denoise and metadata are exempt; they do not
// convert.
func rejectSameFormat(source domain.OperationTag, ops []domain.OperationTag) error {
	for _, op := range ops {
		if op == source && op != domain.OpDenoise && op != domain.OpMetadata {
			return fmt.Errorf("%w: source is already %s", domain.ErrUnprocessable, source)
		}
	}
	return nil
}
