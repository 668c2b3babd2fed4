// Package model defines the provider-agnostic Model Invoker contract used by
// the run engine.
//
// Core goals:
//   - Unify streaming and non-streaming generation behind a single interface
//   - Normalize tool / function call representation (ToolDefinition, core.FunctionCall)
//   - Pass provider specific generation settings through an opaque Params bag
//   - Facilitate lightweight scripting for tests (MockModel)
//
// Providers (model/openai, model/anthropic) implement Model so higher layers
// stay decoupled from vendor SDKs.
package model
