package cli

import (
	"fmt"
	"sync"

	"github.com/gookit/color"
	"github.com/pterm/pterm"
	"github.com/schollz/progressbar/v3"

	"github.com/pkgforge-go/soar/internal/events"
)

// renderer drains a ChannelSink and turns engine events into terminal
// output: pterm status lines for lifecycle stages, and one
// schollz/progressbar meter per package currently downloading.
type renderer struct {
	sink *events.ChannelSink
	wg   sync.WaitGroup

	mu   sync.Mutex
	bars map[string]*progressbar.ProgressBar
}

func newRenderer() *renderer {
	return &renderer{sink: events.NewChannelSink(256), bars: map[string]*progressbar.ProgressBar{}}
}

func (r *renderer) run() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for e := range r.sink.Events() {
			r.handle(e)
		}
	}()
}

func (r *renderer) stop() {
	r.sink.Close()
	r.wg.Wait()
}

func (r *renderer) handle(e events.Event) {
	switch e.Kind {
	case events.KindDownload:
		r.handleDownload(e)
	case events.KindVerify:
		if e.VerifyStage == events.VerifyFailed {
			pterm.Error.Printf("%s: verification failed: %s\n", e.PkgName, e.FailReason)
		}
	case events.KindRemove:
		if e.RemoveStage == events.RemoveComplete {
			pterm.Success.Printf("%s removed (%s freed)\n", e.PkgName, humanSize(e.SizeFreed))
		}
	case events.KindUpdateCheck:
		switch e.UpdateCheckStage {
		case events.UpdateUpToDate:
			pterm.Info.Printf("%s: up to date\n", e.PkgName)
		case events.UpdateSkipped:
			pterm.Warning.Printf("%s: skipped (%s)\n", e.PkgName, e.SkipReason)
		}
	case events.KindUpdateCleanup:
		switch e.UpdateCleanupStage {
		case events.CleanupComplete:
			pterm.Info.Printf("%s: old version removed (%s freed)\n", e.PkgName, humanSize(e.SizeFreed))
		case events.CleanupKept:
			pterm.Info.Printf("%s: old version kept\n", e.PkgName)
		}
	case events.KindSync:
		r.handleSync(e)
	case events.KindBatchProgress:
		pterm.Info.Printf("[%d/%d] %s\n", e.BatchDone, e.BatchTotal, e.PkgName)
	case events.KindOperationComplete:
		pterm.Success.Println(color.Green.Sprintf("%s complete", e.PkgName))
	case events.KindOperationFailed:
		pterm.Error.Printf("%s failed: %v\n", e.PkgName, e.Err)
	case events.KindLog:
		pterm.Info.Println(e.Message)
	}
}

func (r *renderer) handleDownload(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch e.DownloadStage {
	case events.DownloadStarting, events.DownloadResuming:
		r.bars[e.PkgName] = progressbar.NewOptions64(e.Total,
			progressbar.OptionSetDescription(color.Cyan.Sprintf("%s", e.PkgName)),
			progressbar.OptionShowBytes(true),
			progressbar.OptionSetWidth(30),
			progressbar.OptionClearOnFinish(),
		)
	case events.DownloadProgress:
		if bar, ok := r.bars[e.PkgName]; ok {
			_ = bar.Set64(e.Downloaded)
		}
	case events.DownloadComplete:
		if bar, ok := r.bars[e.PkgName]; ok {
			_ = bar.Finish()
			delete(r.bars, e.PkgName)
		}
	case events.DownloadRetry:
		pterm.Warning.Printf("%s: retrying download (attempt %d)\n", e.PkgName, e.Attempt)
	case events.DownloadAborted:
		pterm.Error.Printf("%s: download aborted after %d attempts\n", e.PkgName, e.Attempt)
	case events.DownloadRecovered:
		pterm.Success.Printf("%s: download recovered\n", e.PkgName)
	}
}

func (r *renderer) handleSync(e events.Event) {
	switch e.SyncStage {
	case events.SyncFetching:
		pterm.Info.Printf("%s: fetching catalog\n", e.RepoName)
	case events.SyncUpToDate:
		pterm.Info.Printf("%s: catalog up to date\n", e.RepoName)
	case events.SyncComplete:
		pterm.Success.Printf("%s: catalog synced\n", e.RepoName)
	}
}

func humanSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
