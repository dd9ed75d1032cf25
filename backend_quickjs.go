//go:build !v8

package edgehost

import (
	"github.com/cryguy/edgehost/internal/quickjs"
	"github.com/cryguy/edgehost/internal/script"
)

func newScriptBackend(cfg script.Config) script.Backend {
	return quickjs.NewEngine(cfg)
}
