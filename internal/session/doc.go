// Package session owns the conversation lifecycle: the Registry tracks which
// sessions have a live agent invocation, the orchestrator drives one
// invocation from prompt to terminal status, and the context builder
// reconstructs a bounded prompt from the stored log so continuation survives
// process restarts.
//
// Every state transition is persisted to the store before the corresponding
// event is published, so a list or history request issued right after a
// transition sees consistent state.
package session
