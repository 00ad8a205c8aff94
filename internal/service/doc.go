// Package service is the front end API of jobman. The CLI is a thin layer
// over it.
//
// Overview
// Submit persists a new job as pending and Detach starts a supervising
// process for it: the same binary re-executed as a hidden `_supervise ID`
// command in a new session, with stdio on /dev/null. The supervising
// process runs the engine for that job only and exits with it.
//
// Data flow:
//
//	jobman run            store              jobman _supervise ID
//	    |                   |                        |
//	Submit --- Create ----->|                        |
//	Detach --------------------- fork/exec --------->|
//	    |                   |<---- Update ---- engine.Run
//	jobman kill             |                        |
//	Kill ----- Update ----->| (kill request)         |
//	    |----------- SIGTERM to process group ------>| run exits
//	    |                   |<---- Update ---- killed
//
// Everything the processes share lives in the store: there is no daemon and
// no registry of jobs in memory. A kill is a request written to the store,
// which the engine picks on its next tick, plus a signal sent directly to the
// run as the fast path.
//
// Invariants:
//   - A job is owned by one supervising process on the host it was
//     submitted on. Signals are never sent to processes of another host.
//   - Control operations on terminal jobs are reported, not failed.
package service
