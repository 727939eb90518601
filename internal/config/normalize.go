package config

import (
	"fmt"
	"strings"
)

// NormalizationResult captures adjustments & warnings from normalization pass.
type NormalizationResult struct{ Warnings []string }

// NormalizeConfig performs canonicalization on enumerated and bounded fields prior to default application.
// It mutates the provided config in-place and returns a result describing any coercions.
func NormalizeConfig(c *Config) (*NormalizationResult, error) {
	if c == nil {
		return nil, fmt.Errorf("config nil")
	}
	res := &NormalizationResult{}
	normalizeStore(&c.Store, res)
	normalizeStrategy(c, res)
	normalizeQueue(&c.Queue, res)
	normalizeScaler(&c.Scaler, res)
	normalizeLogging(&c.Log, res)
	return res, nil
}

func normalizeStore(s *StoreConfig, res *NormalizationResult) {
	if d := NormalizeStoreDriver(string(s.Driver)); d != "" {
		if s.Driver != d {
			res.Warnings = append(res.Warnings, warnChanged("store.driver", s.Driver, d))
			s.Driver = d
		}
	} else if strings.TrimSpace(string(s.Driver)) != "" {
		res.Warnings = append(res.Warnings, warnUnknown("store.driver", string(s.Driver), string(StoreSQLite)))
		s.Driver = StoreSQLite
	}
}

func normalizeStrategy(c *Config, res *NormalizationResult) {
	if st := NormalizeStrategy(string(c.Strategy)); st != "" {
		if c.Strategy != st {
			res.Warnings = append(res.Warnings, warnChanged("strategy", c.Strategy, st))
			c.Strategy = st
		}
	} else if strings.TrimSpace(string(c.Strategy)) != "" {
		res.Warnings = append(res.Warnings, warnUnknown("strategy", string(c.Strategy), string(StrategyConservative)))
		c.Strategy = StrategyConservative
	}
}

func normalizeQueue(q *QueueConfig, res *NormalizationResult) {
	if q.Concurrency < 0 {
		q.Concurrency = 0
	}
	if q.Attempts < 0 {
		q.Attempts = 0
	}
	if q.CompletedKeep < 0 {
		q.CompletedKeep = 0
	}
}

func normalizeScaler(s *ScalerConfig, res *NormalizationResult) {
	if s.ScaleUpIncrement < 0 {
		s.ScaleUpIncrement = 0
	}
	if s.ScaleDownIncrement < 0 {
		s.ScaleDownIncrement = 0
	}
	if s.QueueDepthThreshold < 0 {
		s.QueueDepthThreshold = 0
	}
	if s.ScaleUpThreshold < 0 {
		res.Warnings = append(res.Warnings, warnChanged("scaler.scale_up_threshold", s.ScaleUpThreshold, 0))
		s.ScaleUpThreshold = 0
	}
	if s.ScaleDownThreshold < 0 {
		res.Warnings = append(res.Warnings, warnChanged("scaler.scale_down_threshold", s.ScaleDownThreshold, 0))
		s.ScaleDownThreshold = 0
	}
}

func normalizeLogging(l *LogConfig, res *NormalizationResult) {
	if lvl := NormalizeLogLevel(string(l.Level)); lvl != "" {
		if l.Level != lvl {
			res.Warnings = append(res.Warnings, warnChanged("log.level", l.Level, lvl))
			l.Level = lvl
		}
	} else if string(l.Level) != "" {
		res.Warnings = append(res.Warnings, warnUnknown("log.level", string(l.Level), string(LogLevelInfo)))
		l.Level = LogLevelInfo
	}
	if f := NormalizeLogFormat(string(l.Format)); f != "" {
		if l.Format != f {
			res.Warnings = append(res.Warnings, warnChanged("log.format", l.Format, f))
			l.Format = f
		}
	} else if string(l.Format) != "" {
		res.Warnings = append(res.Warnings, warnUnknown("log.format", string(l.Format), string(LogFormatText)))
		l.Format = LogFormatText
	}
}

func warnChanged(field string, from, to interface{}) string {
	return fmt.Sprintf("normalized %s from '%v' to '%v'", field, from, to)
}

func warnUnknown(field, value, def string) string {
	return fmt.Sprintf("unknown %s '%s', defaulting to %s", field, value, def)
}
