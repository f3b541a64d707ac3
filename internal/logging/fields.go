package logging

import (
	"time"

	"github.com/sirupsen/logrus"
)

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供源站/策略/命中来源字段，供拦截请求日志复用。
func RequestFields(origin, method, url, strategy, source string, intercepted bool) logrus.Fields {
	return logrus.Fields{
		"origin":      origin,
		"method":      method,
		"url":         url,
		"strategy":    strategy,
		"source":      source,
		"intercepted": intercepted,
	}
}

// LifecycleFields 描述控制器生命周期阶段，install/activate 日志共用。
func LifecycleFields(phase, version string, elapsed time.Duration) logrus.Fields {
	return logrus.Fields{
		"action":     "lifecycle",
		"phase":      phase,
		"version":    version,
		"elapsed_ms": elapsed.Milliseconds(),
	}
}
