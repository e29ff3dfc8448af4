package tools

import "context"

// Tool is a typed tool.
type Tool[I any, O any] interface {
	ITool
	Run(context.Context, *I) (*O, error)
}
