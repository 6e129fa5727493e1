package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/geoload/internal/client"
	"github.com/JakeFAU/geoload/internal/orchestrator"
)

// renderSettle bounds how long the command waits for the renderer to print
// the terminal snapshot after the run ends.
const renderSettle = 2 * time.Second

// errUploadCancelled is returned when the session ended by cancellation.
var errUploadCancelled = errors.New("upload cancelled")

// newUploadCmd creates the 'upload' subcommand, which sends one workbook and
// follows its processing session to the end.
func newUploadCmd() *cobra.Command {
	var project string
	cmd := &cobra.Command{
		Use:   "upload <file>",
		Short: "Upload an address workbook and follow its progress",
		Long: `Streams the file to the geocoding service, then polls the processing
session and renders each progress update until it completes, fails, or is
interrupted. Ctrl-C cancels the session on the server.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUploadCommand(cmd, args[0], project)
		},
	}
	cmd.Flags().StringVarP(&project, "project", "p", "", "project name sent with the upload")
	return cmd
}

func runUploadCommand(cmd *cobra.Command, path, project string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	logger := appInstance.Logger()

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open upload: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil {
			logger.Debug("close upload file", zap.Error(cerr))
		}
	}()

	orch := appInstance.Orchestrator()
	r := newRenderer(cmd.OutOrStdout())
	unsubscribe := orch.Subscribe(r.Render)
	defer unsubscribe()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = orch.Start(ctx, client.Upload{
		FileName:    filepath.Base(path),
		Body:        f,
		ProjectName: project,
	})
	if err != nil {
		return fmt.Errorf("start upload: %w", err)
	}
	if err := orch.Wait(context.Background()); err != nil {
		return err
	}
	r.Wait(renderSettle)

	return uploadOutcome(cmd, orch)
}

func uploadOutcome(cmd *cobra.Command, orch *orchestrator.Orchestrator) error {
	snap, _ := orch.Latest()
	switch orch.State() {
	case orchestrator.Completed:
		fmt.Fprintf(cmd.OutOrStdout(), "%d of %d records processed\n", snap.Processed, snap.Total)
		return nil
	case orchestrator.Cancelled:
		return errUploadCancelled
	default:
		return fmt.Errorf("upload failed (%s): %s", snap.Kind, snap.Message)
	}
}
