package edgehost

import "github.com/cryguy/edgehost/internal/script"

// Type aliases re-exporting internal/script types so embedders can plug in
// a script backend without importing the internal package directly.

type ScriptBackend = script.Backend
type CompiledWorker = script.CompiledWorker
type ChannelDispatcher = script.ChannelDispatcher
type ScriptRequest = script.Request
type ScriptResponse = script.Response
type ScriptResult = script.Result
type ScriptConfig = script.Config
type ScriptGlobal = script.Global
type LogEntry = script.LogEntry
