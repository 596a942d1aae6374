package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供 app/domain/代际/路由结果字段，供请求日志复用。
func RequestFields(app, domain, generation, class, outcome string) logrus.Fields {
	return logrus.Fields{
		"app":        app,
		"domain":     domain,
		"generation": generation,
		"class":      class,
		"outcome":    outcome,
	}
}

// LifecycleFields 用于安装/激活等状态迁移日志。
func LifecycleFields(action, app, generation, state string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"app":        app,
		"generation": generation,
		"state":      state,
	}
}
