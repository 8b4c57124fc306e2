// Copyright Memcore Authors
// SPDX-License-Identifier: Apache-2.0

// Package generate defines the language model boundary. The core builds
// the prompt; a Generator turns it into an answer.
package generate

import (
	"context"

	"github.com/groundchat/memcore/pkg/provider"
)

// Providers is the registry of generators.
//
//	import _ "github.com/groundchat/memcore/pkg/generate/openai"
var Providers = provider.NewRegistry[Generator]("generation")

func init() {
	Providers.Register("static", func(_ context.Context, params provider.Params) (Generator, error) {
		return Static(params.String("response", "dummy response")), nil
	})
}

// Generator answers a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Func adapts a function to Generator.
type Func func(ctx context.Context, prompt string) (string, error)

func (f Func) Generate(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// Static answers every prompt with the same text. It stands in for a model
// in tests and offline runs.
type Static string

func (s Static) Generate(_ context.Context, _ string) (string, error) {
	return string(s), nil
}
