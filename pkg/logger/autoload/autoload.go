// Package autoload configures the global logger from LOG_* environment
// variables as an import side effect:
//
//	import _ "github.com/caresched/medibot/pkg/logger/autoload"
package autoload

import (
	configx "github.com/caresched/medibot/pkg/config"
	logx "github.com/caresched/medibot/pkg/logger"
)

func init() {
	logx.Init(*configx.MustNew[logx.Config]("LOG"))
}
