// Package core implements the staged import workflow: an upload is parsed,
// validated and written to a staging store, previewed page by page, and
// committed to the system of record at most once.
//
// The package holds no transport or database code. The web handlers and the
// stagectl CLI drive the same [Service]; storage, locking and persistence are
// supplied as interfaces.
//
// # Workflow
//
//  1. [Service.Stage] parses the upload, validates every row and stores three
//     artifacts (all rows, valid rows, row errors) as JSON Lines. The session
//     receives the SHA-256 checksum of the valid artifact and moves from
//     staged to validated.
//  2. [Service.Preview] returns one window of the all or valid artifact. The
//     caller must present the checksum issued at staging time.
//  3. [Service.Commit] takes the per-import lock, re-checks status and
//     checksum, verifies the stored rows against the checksum and calls the
//     persist function. The session ends committed or failed.
//
// # Error Handling
//
// Every failure the caller can act on is an [*Error] carrying an [ErrorCode].
// [MapError] turns any error into a safe message with a support code:
//
//   - IMP001-IMP008: import workflow errors (not found, checksum, state,
//     lock, constraint, persistence, dependencies)
//   - FILE001-FILE005: upload file errors (size, type, encoding, format)
//   - UPL002-UPL005: upload capacity, cancellation and timeouts
//   - DB004, DB006: unreachable or slow database
//
// Constraint violations carry the parsed columns and values of the conflict
// and the row numbers of the staged rows that match them.
package core
