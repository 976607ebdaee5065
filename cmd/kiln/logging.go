package main

import (
	"context"
	"fmt"
	"time"

	"github.com/Shopify/logrus-bugsnag"
	logstash "github.com/bshuster-repo/logrus-logstash-hook"
	bugsnag "github.com/bugsnag/bugsnag-go"
	"github.com/sirupsen/logrus"

	"github.com/kiln-pm/kiln/internal/config"
	"github.com/kiln-pm/kiln/internal/ctxlog"
)

// configureLogging sets logrus's global level and formatter from cfg.Log,
// then installs the resulting entry as ctxlog's default so every package
// logging through ctxlog.GetLogger picks it up without an explicit
// context plumb.
func configureLogging(ctx context.Context, cfg *config.Log) (context.Context, error) {
	level, err := logrus.ParseLevel(orDefault(cfg.Level, "info"))
	if err != nil {
		return ctx, fmt.Errorf("parse log level %q: %w", cfg.Level, err)
	}
	logrus.SetLevel(level)

	switch orDefault(cfg.Formatter, "text") {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat:   time.RFC3339Nano,
			DisableHTMLEscape: true,
		})
	case "text":
		logrus.SetFormatter(&logrus.TextFormatter{TimestampFormat: time.RFC3339Nano})
	case "logstash":
		logrus.SetFormatter(&logstash.LogstashFormatter{
			Formatter: &logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano},
		})
	default:
		return ctx, fmt.Errorf("unsupported logging formatter: %q", cfg.Formatter)
	}

	entry := logrus.WithField("component", "kiln")
	ctxlog.SetDefault(entry)
	return ctxlog.WithLogger(ctx, entry), nil
}

// configureBugsnag wires the bugsnag reporting hook into logrus when an
// API key is present in the environment, so an Error-level log line
// (package corruption, a failed atomic swap) reaches the same incident
// stream a registry operator would already be watching. Silently a no-op
// otherwise — bugsnag reporting is an optional production concern, never
// required for kiln to run.
func configureBugsnag(apiKey string) {
	if apiKey == "" {
		return
	}
	bugsnag.Configure(bugsnag.Configuration{APIKey: apiKey})
	hook, err := logrus_bugsnag.NewBugsnagHook()
	if err != nil {
		logrus.WithError(err).Warn("failed to configure bugsnag logging hook")
		return
	}
	logrus.AddHook(hook)
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
