package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"genjobs/internal/domain"
)

func newExportCmd(rt *runtime) *cobra.Command {
	var (
		output string
		fetch  bool
	)
	cmd := &cobra.Command{
		Use:   "export [prefix]",
		Short: "Write stored assets to a zip archive",
		Long: `Write assets from the local library (LIBRARY_DIR) to a zip archive. An
optional prefix such as "ai_video/" limits the export to one kind.

With --fetch, outputs of every completed job on the backend are downloaded
into the library first.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			lib := rt.stack.Library
			if lib == nil {
				return errors.New("export needs LIBRARY_DIR to be set")
			}
			prefix := ""
			if len(args) == 1 {
				prefix = args[0]
			}

			if fetch {
				cycle := rt.refresh(ctx)
				synced := make(map[string]bool, len(cycle.Completed))
				for _, id := range cycle.Completed {
					synced[id] = true
				}
				queued := len(synced)
				for _, job := range rt.stack.Orch.Jobs() {
					if job.Status != domain.JobStatusCompleted || synced[job.ID] {
						continue
					}
					if job.OutputURL == "" {
						// History is listed without outputs.
						st, err := rt.stack.Client.JobDetail(ctx, job.ID)
						if err != nil {
							fmt.Fprintf(rt.opts.Err, "warning: %s: %v\n", job.ID, err)
							continue
						}
						job.OutputURL, job.OutputURLs = st.OutputURL, st.OutputURLs
					}
					lib.Refresh(ctx, job)
					queued++
				}
				lib.Wait()
				fmt.Fprintf(rt.opts.Err, "fetched outputs of %d completed job(s)\n", queued)
			}

			f, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("create %s: %w", output, err)
			}
			n, err := lib.Export(ctx, f, prefix)
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			if err == nil && n == 0 {
				err = errors.New("no assets to export")
			}
			if err != nil {
				_ = os.Remove(output)
				return err
			}
			fmt.Fprintf(rt.opts.Out, "Exported %d asset(s) to %s\n", n, output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "genjobs-assets.zip", "archive path")
	cmd.Flags().BoolVar(&fetch, "fetch", false, "download outputs of completed jobs first")
	return cmd
}
