// Package core runs file imports and exports as asynchronous operations.
//
// A [Service] validates a request, registers an operation with the
// progress tracker and hands the work to a bounded [WorkerPool]. The caller
// gets the operation id back at once and follows the operation through
// [Service.Status], [Service.Subscribe] or [Service.Wait].
//
// # Imports
//
// An import runs three stages:
//
//   - data_fetch: detect the file format, open a chunked reader, find the
//     header row and pick a mapping table.
//   - processing: read chunks, map and validate records and write full
//     batches through the persistence engine.
//   - persist: write the last partial batch.
//
// Records that fail validation are counted as row errors and skipped; the
// rest of the file still loads. The source file belongs to the operation
// and is archived or deleted when it ends.
//
// # Exports
//
// An export mirrors the import: fetch counts the matching records and opens
// the output, process pages through the store applying the export strategy,
// and write flushes the remaining rows and moves the file into place. A
// failed export leaves no partial output behind.
//
// # Cancellation
//
// [Service.Cancel] marks an operation; the pipeline checks the mark between
// chunks and pages, so a batch already being written completes first.
//
// # Errors
//
// [MapError] turns any error the package returns into a coded [UserMessage]
// for transports and the command line.
package core
