// Package statemachine encodes the prompt lifecycle transition table as
// pure, side-effect-free validation: given a current status and an
// intended transition, IsValid reports whether the move is legal. The
// atomic guard itself (nonce, TTL, row-count) lives in
// internal/store's decide_prompt-shaped calls; this package is the single
// place the legal edges of the graph are declared, so store and router
// cannot silently drift apart on what transitions exist.
package statemachine

import "github.com/atlasbridge/atlasbridge/internal/atlastypes"

// Transition names one edge of the lifecycle graph.
type Transition string

const (
	TransitionRoute           Transition = "route"
	TransitionDeliver         Transition = "delivered"
	TransitionReplyReceived   Transition = "reply_received"
	TransitionInject          Transition = "injected"
	TransitionResolve         Transition = "resolved"
	TransitionExpire          Transition = "expire"
	TransitionDefaultInjected Transition = "default_injected"
	TransitionCancel          Transition = "cancel"
	TransitionFdClosed        Transition = "fd_closed"
	TransitionFail            Transition = "fail"
)

// edge is one (from, transition) -> to mapping.
type edge struct {
	from atlastypes.PromptStatus
	t    Transition
}

// graph is the full set of legal lifecycle edges.
var graph = map[edge]atlastypes.PromptStatus{
	{atlastypes.PromptCreated, TransitionRoute}: atlastypes.PromptRouted,
	{atlastypes.PromptCreated, TransitionFail}:  atlastypes.PromptFailed,

	{atlastypes.PromptRouted, TransitionDeliver}: atlastypes.PromptAwaitingReply,
	{atlastypes.PromptRouted, TransitionExpire}:  atlastypes.PromptExpired,
	{atlastypes.PromptRouted, TransitionFdClosed}: atlastypes.PromptFailed,

	{atlastypes.PromptAwaitingReply, TransitionReplyReceived}: atlastypes.PromptReplyReceived,
	{atlastypes.PromptAwaitingReply, TransitionExpire}:         atlastypes.PromptExpired,
	{atlastypes.PromptAwaitingReply, TransitionCancel}:         atlastypes.PromptCanceled,
	{atlastypes.PromptAwaitingReply, TransitionFdClosed}:       atlastypes.PromptFailed,

	{atlastypes.PromptReplyReceived, TransitionInject}:   atlastypes.PromptInjected,
	{atlastypes.PromptReplyReceived, TransitionFdClosed}: atlastypes.PromptFailed,

	{atlastypes.PromptInjected, TransitionResolve}: atlastypes.PromptResolved,

	{atlastypes.PromptExpired, TransitionDefaultInjected}: atlastypes.PromptResolved,
}

// Next returns the destination status for (from, t), and whether that
// edge exists in the graph at all.
func Next(from atlastypes.PromptStatus, t Transition) (atlastypes.PromptStatus, bool) {
	to, ok := graph[edge{from, t}]
	return to, ok
}

// IsValid reports whether moving from "from" to "to" via t is a legal
// edge of the lifecycle graph.
func IsValid(from atlastypes.PromptStatus, t Transition, to atlastypes.PromptStatus) bool {
	dest, ok := graph[edge{from, t}]
	return ok && dest == to
}

// IsTerminal reports whether s is one of the four terminal states every
// prompt must reach before session end.
func IsTerminal(s atlastypes.PromptStatus) bool {
	switch s {
	case atlastypes.PromptResolved, atlastypes.PromptExpired, atlastypes.PromptCanceled, atlastypes.PromptFailed:
		return true
	default:
		return false
	}
}

// GuardedSourceStatuses lists the statuses from which decide_prompt may
// successfully transition a prompt to reply_received or expired — the
// store's guarded update WHERE clause is built from exactly this set.
var GuardedSourceStatuses = []atlastypes.PromptStatus{
	atlastypes.PromptRouted,
	atlastypes.PromptAwaitingReply,
}
