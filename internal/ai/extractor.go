// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package ai provides best-effort signal extraction through an external
// generative model. Extraction failure is never an error: the pipeline
// always has the heuristic classifier to fall back to, so every failure
// path here degrades to a nil result and a logged warning.
package ai

import (
	"context"

	"github.com/baucrm/inbound/internal/signal"
)

// Request carries one attachment plus its email context to the model.
type Request struct {
	MimeType    string
	Base64Data  string
	FileName    string
	Subject     string
	SenderEmail string
	BodyText    string
}

// Extractor is the injectable AI capability. Implementations must return
// nil (never an error, never a panic) when extraction is unavailable or
// fails; callers treat nil as "heuristic only".
type Extractor interface {
	Extract(ctx context.Context, req Request) *signal.Signals
}

// Nop is the extractor used when no model is configured and in tests that
// exercise the heuristic-only path.
type Nop struct{}

// Extract always reports no AI result.
func (Nop) Extract(context.Context, Request) *signal.Signals { return nil }
