// Package events implements the one-way typed event stream between the
// engine and its consumers: the engine emits Events, sinks consume
// them, and the two sides never share more than the Sink interface.
package events

import "sync/atomic"

// Kind tags the payload carried by an Event.
type Kind int

const (
	KindDownload Kind = iota
	KindVerify
	KindInstall
	KindRemove
	KindUpdateCheck
	KindUpdateCleanup
	KindSync
	KindBatchProgress
	KindOperationComplete
	KindOperationFailed
	KindLog
)

func (k Kind) String() string {
	switch k {
	case KindDownload:
		return "download"
	case KindVerify:
		return "verify"
	case KindInstall:
		return "install"
	case KindRemove:
		return "remove"
	case KindUpdateCheck:
		return "update_check"
	case KindUpdateCleanup:
		return "update_cleanup"
	case KindSync:
		return "sync"
	case KindBatchProgress:
		return "batch_progress"
	case KindOperationComplete:
		return "operation_complete"
	case KindOperationFailed:
		return "operation_failed"
	case KindLog:
		return "log"
	default:
		return "unknown"
	}
}

// DownloadStage enumerates the phases of a single download.
type DownloadStage int

const (
	DownloadStarting DownloadStage = iota
	DownloadResuming
	DownloadProgress
	DownloadComplete
	DownloadRetry
	DownloadAborted
	DownloadRecovered
)

// VerifyStage enumerates checksum/signature verification phases.
type VerifyStage int

const (
	VerifyChecksum VerifyStage = iota
	VerifySignature
	VerifyPassed
	VerifyFailed
)

// InstallStage enumerates the phases of a single package install.
type InstallStage int

const (
	InstallExtracting InstallStage = iota
	InstallLinkingBinaries
	InstallDesktopIntegration
	InstallSetupPortable
	InstallRecordingDatabase
	InstallRunningHook
	InstallComplete
)

// RemoveStage enumerates the phases of a single package removal.
type RemoveStage int

const (
	RemoveUnlinking RemoveStage = iota
	RemoveDeletingFiles
	RemoveReactivatingSibling
	RemoveDeletingRecord
	RemoveComplete
)

// UpdateCheckStage enumerates per-package update-check outcomes.
type UpdateCheckStage int

const (
	UpdateAvailable UpdateCheckStage = iota
	UpdateUpToDate
	UpdateSkipped
)

// UpdateCleanupStage enumerates old-version cleanup phases.
type UpdateCleanupStage int

const (
	CleanupRemoving UpdateCleanupStage = iota
	CleanupComplete
	CleanupKept
)

// SyncStage enumerates registry sync phases.
type SyncStage int

const (
	SyncFetching SyncStage = iota
	SyncDecompressing
	SyncWritingDatabase
	SyncValidating
	SyncUpToDate
	SyncComplete
)

// Event is the single wire type emitted onto a Bus. Only the fields
// relevant to Kind are populated; it is a tagged union expressed as a
// flat struct because Go has no enum-with-payload sugar and a flat
// struct keeps Sink implementations trivial (no type switch required to
// read the common fields).
type Event struct {
	OpID     uint64
	Kind     Kind
	PkgName  string
	PkgID    string
	RepoName string

	DownloadStage DownloadStage
	Downloaded    int64
	Total         int64
	Attempt       int

	VerifyStage VerifyStage
	FailReason  string

	InstallStage InstallStage
	RemoveStage  RemoveStage

	UpdateCheckStage   UpdateCheckStage
	UpdateCleanupStage UpdateCleanupStage
	SizeFreed          int64
	SkipReason         string

	SyncStage SyncStage

	BatchDone  int
	BatchTotal int

	Err     error
	Message string
}

// Sink is the only polymorphic boundary in the engine: a single total,
// non-blocking, thread-safe capability.
type Sink interface {
	Emit(Event)
}

// Bus allocates monotonic op_ids and fans events out to a single Sink.
// Every lifecycle operation acquires one op_id for the duration of the
// operation.
type Bus struct {
	sink    Sink
	counter atomic.Uint64
}

func NewBus(sink Sink) *Bus {
	if sink == nil {
		sink = NullSink{}
	}
	return &Bus{sink: sink}
}

// NextOpID returns a fresh monotonic operation id.
func (b *Bus) NextOpID() uint64 {
	return b.counter.Add(1)
}

func (b *Bus) Emit(e Event) {
	b.sink.Emit(e)
}

// NullSink discards every event.
type NullSink struct{}

func (NullSink) Emit(Event) {}

// ChannelSink forwards events onto a buffered channel for a consumer
// (typically the CLI's pterm renderer) to drain. Emit never blocks: a
// full channel drops the event rather than stall the engine, preserving
// the "non-blocking from the caller's perspective" contract.
type ChannelSink struct {
	ch chan Event
}

func NewChannelSink(buffer int) *ChannelSink {
	if buffer <= 0 {
		buffer = 256
	}
	return &ChannelSink{ch: make(chan Event, buffer)}
}

func (s *ChannelSink) Emit(e Event) {
	select {
	case s.ch <- e:
	default:
	}
}

func (s *ChannelSink) Events() <-chan Event {
	return s.ch
}

func (s *ChannelSink) Close() {
	close(s.ch)
}
