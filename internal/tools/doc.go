// Package tools holds the functions an assistant may call during a run.
//
// The relay ships no tools of its own; deployments register them at startup
// and the provider adapter answers tool calls through Registry.Execute.
package tools
