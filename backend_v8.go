//go:build v8

package edgehost

import (
	"github.com/cryguy/edgehost/internal/script"
	"github.com/cryguy/edgehost/internal/v8engine"
)

func newScriptBackend(cfg script.Config) script.Backend {
	return v8engine.NewEngine(cfg)
}
