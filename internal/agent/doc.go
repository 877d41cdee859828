// Package agent implements the offline cache agent and the host runtime that
// drives it.
//
// An Agent owns three versioned cache partitions (primary, image and offline).
// Its lifecycle is Install (pre-cache the manifest and write the offline
// document), Activate (drop every partition that does not belong to the
// current version) and steady-state Intercept, which classifies each request
// into one of four strategies:
//
//   - network-first with a timeout race for HTML navigations,
//   - cache-first with background refresh for images,
//   - cache-first with background refresh for scripts, styles and fonts,
//   - plain network with a cache fallback for everything else.
//
// Background work spawned while handling a request is tracked by an Event so
// callers can join it with Result.Wait, and the agent drains all outstanding
// work before it is retired.
//
// The Controller plays the host runtime: it installs a new agent, activates it
// without waiting for the previous version, swaps it in atomically and then
// retires the previous one. A failed install keeps the previous agent active.
package agent
