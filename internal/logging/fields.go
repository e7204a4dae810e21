package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供方法/路径/路由策略/缓存状态字段，供拦截请求日志复用。
func RequestFields(method, path, strategy, cacheStatus string) logrus.Fields {
	return logrus.Fields{
		"method":       method,
		"path":         path,
		"strategy":     strategy,
		"cache_status": cacheStatus,
	}
}

// Discard 返回一个丢弃所有输出的 logger，测试与未注入 logger 的组件复用。
func Discard() *logrus.Logger {
	logger := logrus.New()
	logger.Out = discard{}
	return logger
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
