// Package agent implements the tool-calling loop of a chat agent.
//
// A turn starts from the conversation built by BuildMessages. The Engine
// calls the model, executes the tool calls the model requests through the
// tools.Executor, feeds the results back and repeats until the model answers
// without tool calls. Stream runs the same loop in the background and
// delivers its events to the caller as they happen.
package agent

import "github.com/effective-security/xlog"

var logger = xlog.NewPackageLogger("github.com/effective-security/mcpagent", "agent")
