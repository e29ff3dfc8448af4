// Package mcp provides a Model Context Protocol client over the streamable
// HTTP transport, and an aggregator that merges several MCP servers into a
// single tool executor.
package mcp
