// Package upload implements resumable chunked media uploads: splitting a
// file into chunks, driving the sequential transfer, persisting pause
// checkpoints, resuming, cancelling, and finalizing.
//
// # Overview
//
// The package provides two primary components:
//
//   - Session: Tracks one upload attempt's state, progress percentage, and
//     transfer speed
//   - Coordinator: Drives uploads over a Transport, holds pause checkpoints,
//     and owns cancellation
//
// # Upload Paths
//
// Files at or below the chunk size (2 MiB by default) are sent in a single
// request. Larger files are split into ceil(size/chunkSize) chunks and sent
// sequentially, one in flight at a time:
//
//	coordinator := upload.NewCoordinator(apiClient)
//	info, err := coordinator.Upload(ctx, upload.File{
//	    Reader:   f,
//	    Size:     size,
//	    Name:     "scan.pdf",
//	    MimeType: "application/pdf",
//	}, conversationID, func(percent int) {
//	    fmt.Printf("%d%%\n", percent)
//	})
//
// # Session States
//
// Sessions progress through defined states:
//
//	const (
//	    StatePending    // Created, nothing sent
//	    StateRunning    // Chunks in flight
//	    StatePaused     // Interrupted, checkpoint held
//	    StateCompleted  // Assembled server-side
//	    StateCancelled  // Cancelled by the user
//	    StateError      // Failed terminally
//	)
//
// # Checkpoints and Resume
//
// A chunk failure or an explicit cancel aborts the loop and captures a
// PausedUpload checkpoint. The confirmed-chunk count comes from a fresh
// server status query, never from the local counter, because the two can
// diverge after a retried chunk. Resume is always user-initiated:
//
//	info, err := coordinator.Resume(ctx, uploadID, onProgress)
//
// Re-uploading an already-confirmed chunk is an idempotent server-side
// no-op keyed by (uploadId, chunkIndex).
//
// # Cancellation
//
// Cancel aborts the upload's context, interrupting the in-flight request
// rather than waiting for it to settle. The checkpoint captured on
// cancellation still allows a later Resume.
//
// # Deterministic Upload IDs
//
// By default each attempt gets a fresh UUID. With UseDeterministicIDs the
// id is a BLAKE2b digest of the file content and conversation id, so a
// reloaded client can rediscover an in-progress upload through the status
// endpoint.
//
// # Bandwidth Limiting
//
// SetRateLimit throttles outbound bytes per second with a token bucket; the
// burst always admits at least one whole chunk.
package upload
