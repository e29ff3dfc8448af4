// Package tools defines the tool capabilities used by the agent:
// local tools implemented in process, and executors that discover
// and call tools on remote servers.
package tools
