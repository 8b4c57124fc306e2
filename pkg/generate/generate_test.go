// Copyright Memcore Authors
// SPDX-License-Identifier: Apache-2.0

package generate

import (
	"context"
	"strings"
	"testing"
)

func TestStaticProvider(t *testing.T) {
	g, err := Providers.Open(context.Background(), "static", nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if out, _ := g.Generate(context.Background(), "anything"); out != "dummy response" {
		t.Errorf("Generate = %q", out)
	}
}

func TestFunc(t *testing.T) {
	g := Func(func(_ context.Context, prompt string) (string, error) {
		return strings.ToUpper(prompt), nil
	})
	if out, _ := g.Generate(context.Background(), "ok"); out != "OK" {
		t.Errorf("Generate = %q", out)
	}
}
