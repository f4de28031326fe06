package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"genjobs/internal/domain"
	"genjobs/internal/notice"
)

type submitFlags struct {
	params domain.Params
	extra  map[string]string
	wait   bool
}

func newSubmitCmd(rt *runtime) *cobra.Command {
	var f submitFlags
	cmd := &cobra.Command{
		Use:   "submit <kind>",
		Short: "Submit a generation job",
		Long: `Submit a job of the given kind: image, image_edit, image_to_video, ai_video,
music_video, vehicle_restoration or faceswap_step.

Examples:
  genjobs submit image --prompt "red bicycle at dusk"
  genjobs submit image_to_video --source https://cdn.example.com/cat.png --wait
  genjobs submit faceswap_step --step align --source /media/a.png --target /media/b.png`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := domain.ParseKind(args[0])
			if err != nil {
				return err
			}
			params := f.params.Clone()
			if len(f.extra) > 0 {
				params.Extra = make(map[string]any, len(f.extra))
				for k, v := range f.extra {
					params.Extra[k] = extraValue(v)
				}
			}
			return rt.submit(cmd.Context(), kind, params, f.wait)
		},
	}

	fl := cmd.Flags()
	fl.StringVarP(&f.params.Prompt, "prompt", "p", "", "text prompt")
	fl.StringVar(&f.params.NegativePrompt, "negative", "", "negative prompt")
	fl.StringVar(&f.params.Model, "model", "", "model hint")
	fl.StringVar(&f.params.Provider, "provider", "", "provider hint")
	fl.StringVar(&f.params.SourceURL, "source", "", "source image or video url (public or backend media path)")
	fl.StringVar(&f.params.UploadRef, "upload", "", "reference returned by a backend upload")
	fl.StringVar(&f.params.TargetURL, "target", "", "target image url for face swap")
	fl.StringVar(&f.params.AudioURL, "audio", "", "audio url for music video")
	fl.StringVar(&f.params.Step, "step", "", "face swap pipeline step")
	fl.StringVar(&f.params.AspectRatio, "aspect", "", "aspect ratio such as 16:9")
	fl.IntVar(&f.params.DurationSeconds, "duration", 0, "video duration in seconds")
	fl.StringToStringVar(&f.extra, "extra", nil, "extra backend parameters as key=value")
	fl.BoolVarP(&f.wait, "wait", "w", false, "wait for the job to finish")
	return cmd
}

// extraValue keeps numbers and booleans typed in the request body.
func extraValue(v string) any {
	switch v {
	case "true":
		return true
	case "false":
		return false
	}
	if i, err := strconv.ParseInt(v, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f
	}
	return v
}

func (rt *runtime) submit(ctx context.Context, kind domain.JobKind, params domain.Params, wait bool) error {
	sub, err := rt.stack.Orch.Submit(ctx, kind, params)
	if err != nil {
		return err
	}
	p := rt.printer(ctx)

	if sub.Sync != nil {
		if rt.asJSON {
			return writeJSON(rt, map[string]any{"output_urls": sub.Sync.URLs, "provider": sub.Sync.Provider, "warnings": sub.Sync.Warnings})
		}
		fmt.Fprintln(rt.opts.Out, p.Sprintf(notice.SubmitFinished, p.KindLabel(string(kind)), len(sub.Sync.URLs)))
		for _, u := range sub.Sync.URLs {
			fmt.Fprintf(rt.opts.Out, "  %s\n", u)
		}
		printWarnings(rt, sub.Sync.Warnings)
		return nil
	}

	job := *sub.Job
	if !wait {
		if rt.asJSON {
			return writeJSON(rt, job)
		}
		fmt.Fprintln(rt.opts.Out, p.Sprintf(notice.SubmitQueued, p.KindLabel(string(kind)), job.ID))
		return nil
	}
	fmt.Fprintln(rt.opts.Err, p.Sprintf(notice.SubmitQueued, p.KindLabel(string(kind)), job.ID))
	return rt.follow(ctx, job.ID, true)
}

func writeJSON(rt *runtime, v any) error {
	enc := json.NewEncoder(rt.opts.Out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printWarnings(rt *runtime, warnings []domain.ProviderError) {
	if len(warnings) == 0 {
		return
	}
	fmt.Fprintf(rt.opts.Out, "Warnings (%d):\n", len(warnings))
	for _, w := range warnings {
		fmt.Fprintf(rt.opts.Out, "  - %s\n", w)
	}
}
