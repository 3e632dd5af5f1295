// Package agent is the boundary to the external agent executor: the
// subprocess that actually performs reasoning and tool execution.
//
// The core treats the executor as opaque. It spawns the executable, feeds it
// one prompt, and consumes a stream of newline-delimited JSON protocol
// messages until a terminal result. Tool-use approval flows back through the
// CanUseTool callback wired into Options; everything else the executor does
// internally is out of scope here.
package agent
