package jobclient

import (
	"fmt"
	"net/url"
	"strings"

	"genjobs/internal/domain"
)

// prepare checks the kind's required fields and returns the request body
// with every media reference rewritten to a publicly fetchable URL.
func (c *Client) prepare(kind domain.JobKind, params domain.Params) (domain.Params, error) {
	out := params.Clone()
	out.Prompt = strings.TrimSpace(out.Prompt)

	requirePrompt := func() error {
		if out.Prompt == "" {
			return &domain.ValidationError{Field: "prompt", Detail: "prompt is required"}
		}
		return nil
	}
	resolveSource := func() error {
		ref := out.SourceURL
		if strings.TrimSpace(ref) == "" {
			ref = out.UploadRef
		}
		resolved, err := c.resolvePublic("source_url", ref)
		if err != nil {
			return err
		}
		out.SourceURL = resolved
		out.UploadRef = ""
		return nil
	}

	switch kind {
	case domain.JobKindImage, domain.JobKindAIVideo:
		if err := requirePrompt(); err != nil {
			return domain.Params{}, err
		}
	case domain.JobKindImageEdit:
		if err := requirePrompt(); err != nil {
			return domain.Params{}, err
		}
		if err := resolveSource(); err != nil {
			return domain.Params{}, err
		}
	case domain.JobKindImageToVideo, domain.JobKindVehicleRestoration:
		if err := resolveSource(); err != nil {
			return domain.Params{}, err
		}
	case domain.JobKindMusicVideo:
		resolved, err := c.resolvePublic("audio_url", out.AudioURL)
		if err != nil {
			return domain.Params{}, err
		}
		out.AudioURL = resolved
	case domain.JobKindFaceswapStep:
		if strings.TrimSpace(out.Step) == "" {
			return domain.Params{}, &domain.ValidationError{Field: "step", Detail: "step is required"}
		}
		if err := resolveSource(); err != nil {
			return domain.Params{}, err
		}
		resolved, err := c.resolvePublic("target_url", out.TargetURL)
		if err != nil {
			return domain.Params{}, err
		}
		out.TargetURL = resolved
	}
	return out, nil
}

// resolvePublic accepts absolute http(s) URLs as-is and resolves paths under
// the backend's media prefix against the base URL. Anything else, including
// an empty reference, cannot be fetched by the backend.
func (c *Client) resolvePublic(field, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", fmt.Errorf("%s: missing media reference: %w", field, domain.ErrNeedsPublicURL)
	}
	parsed, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("%s: %q: %w", field, ref, domain.ErrNeedsPublicURL)
	}
	switch {
	case (parsed.Scheme == "http" || parsed.Scheme == "https") && parsed.Host != "":
		return parsed.String(), nil
	case parsed.Scheme == "" && strings.HasPrefix(parsed.Path, c.mediaPrefix):
		return c.baseURL + ref, nil
	default:
		return "", fmt.Errorf("%s: %q: %w", field, ref, domain.ErrNeedsPublicURL)
	}
}
