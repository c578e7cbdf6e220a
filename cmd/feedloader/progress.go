package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/JonMunkholm/feedloader/internal/core"
	"github.com/JonMunkholm/feedloader/internal/progress"
)

func newBar(out io.Writer, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(-1,
		progressbar.OptionSetWriter(out),
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
		progressbar.OptionSetItsString("rows"),
		progressbar.OptionShowIts(),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "█",
			SaucerHead:    "█",
			SaucerPadding: "░",
		}),
		progressbar.OptionClearOnFinish(),
	)
}

// follow renders progress events of id until the operation finishes. The
// first interrupt cancels the operation; follow still waits for it to stop
// so the final state is reported.
func follow(ctx context.Context, svc *core.Service, id, label string) (progress.Snapshot, error) {
	events, unsubscribe, err := svc.Subscribe(id)
	if err != nil {
		return progress.Snapshot{}, err
	}
	defer unsubscribe()

	bar := newBar(os.Stderr, label)
	interrupted := ctx.Done()

	for {
		select {
		case snap, ok := <-events:
			if !ok {
				bar.Finish()
				return svc.Wait(context.Background(), id)
			}
			if snap.TotalRecords > 0 && int64(snap.TotalRecords) != bar.GetMax64() {
				bar.ChangeMax(snap.TotalRecords)
			}
			if snap.Stage != "" {
				bar.Describe(fmt.Sprintf("%s [%s]", label, snap.Stage))
			}
			bar.Set(snap.ProcessedRecords)

		case <-interrupted:
			interrupted = nil
			slog.Info("cancelling operation", "operation_id", id)
			if err := svc.Cancel(context.Background(), id); err != nil {
				slog.Warn("cancel failed", "operation_id", id, "error", err)
			}
		}
	}
}

// report prints the outcome of an operation and returns an error for
// failed ones.
func report(out io.Writer, snap progress.Snapshot) error {
	fmt.Fprintf(out, "operation %s: %s\n", snap.OperationID, snap.Message())
	fmt.Fprintf(out, "  processed %d, saved %d, updated %d, skipped %d, failed %d, row errors %d\n",
		snap.ProcessedRecords, snap.Saved, snap.Updated, snap.Skipped, snap.Failed, snap.RowErrors)
	for _, msg := range snap.ErrorSamples {
		fmt.Fprintf(out, "  - %s\n", msg)
	}

	if snap.Status == progress.StatusFailed {
		userMsg := core.MapMessage(snap.ErrorMessage)
		return fmt.Errorf("%s failed at %s: %s (%s) %s", snap.Kind, snap.FailedStage, userMsg.Message, userMsg.Code, userMsg.Action)
	}
	return nil
}

// explain adds the user message to errors that have one.
func explain(err error) error {
	if !core.IsUserFacing(err) {
		return err
	}
	return fmt.Errorf("%w\n%s", err, core.FormatUserError(err))
}
