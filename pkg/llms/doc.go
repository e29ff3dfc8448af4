// Package llms provides unified support for interacting with Language Models
// from various providers.
//
// The `llms.go` file contains the Model interface and provider types.
// The `generatecontent.go` file contains the message and response types, and
// the normalization of a provider response into a single assistant message.
// The `options.go` file provides the call options.
package llms
