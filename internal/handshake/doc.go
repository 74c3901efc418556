// Package handshake drives a connection through the client ("connect") or
// server ("accept") handshake as a re-enterable step function.
//
// A Driver holds process-wide collaborators (session store, clock, randomness,
// callbacks). Each Conn carries its own progress marker and the RecordLayer
// that builds, sends, and parses messages for it. Step runs state handlers in
// a loop until the handshake completes or the record layer reports that it
// would block; calling Step again resumes at the first unit of work not yet
// done.
//
// Ownership:
// - A Conn is owned by one caller for the whole handshake; Step, Renegotiate,
//   and SecureResume must not run concurrently on the same Conn.
// - The session a Conn resumes from is a private deep copy; the store is only
//   touched through its own locked operations and never while the record
//   layer performs I/O.
//
// Failure model:
// - ErrWantRead and ErrWantWrite from the record layer are suspensions, not
//   failures.
// - Any other record layer error is fatal and returned verbatim inside a
//   *FatalError; the Conn must be discarded.
package handshake
