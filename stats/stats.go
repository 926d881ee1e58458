package stats

import (
	"fmt"
	"strings"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/sirupsen/logrus"
)

// Stats wraps a statsd client with a prefix and base tags, and mirrors
// notable events to the logger.
type Stats struct {
	client statsd.ClientInterface
	logger *logrus.Logger

	prefix string
	tags   Tags
}

type Tags map[string]any

func New(client statsd.ClientInterface, logger *logrus.Logger) Stats {
	return Stats{
		client: client,
		logger: logger,
		tags:   Tags{},
	}
}

func (s Stats) WithPrefix(new string) Stats {
	s.prefix = joinPrefixes(s.prefix, new)
	return s
}

func (s Stats) WithTags(tags Tags) Stats {
	s.tags = mergeTags([]Tags{s.tags, tags})
	return s
}

func (s Stats) Count(name string, value int64, tags Tags, rate float64) {
	s.client.Count(joinPrefixes(s.prefix, name), value, convertTags(mergeTags([]Tags{s.tags, tags})), rate)
}

func (s Stats) Incr(name string, tags Tags, rate float64) {
	s.Count(name, 1, tags, rate)
}

func (s Stats) Gauge(name string, value float64, tags Tags, rate float64) {
	s.client.Gauge(joinPrefixes(s.prefix, name), value, convertTags(mergeTags([]Tags{s.tags, tags})), rate)
}

func (s Stats) SimpleEvent(title string) {
	s.event(statsd.Event{Title: title})
}

func (s Stats) ErrorEvent(title string, err error) {
	s.event(statsd.Event{
		Title:     title,
		Text:      err.Error(),
		AlertType: statsd.Error,
	})
}

func (s Stats) event(event statsd.Event) {
	event.Title = joinPrefixes(s.prefix, event.Title)
	event.Tags = convertTags(s.tags)
	s.client.Event(&event)

	var level logrus.Level
	switch event.AlertType {
	case statsd.Error:
		level = logrus.ErrorLevel
	case statsd.Warning:
		level = logrus.WarnLevel
	default:
		level = logrus.InfoLevel
	}

	// mergeTags copies; writing into s.tags directly would leak the event's
	// fields into every later metric from this Stats.
	fields := logrus.Fields(mergeTags([]Tags{s.tags}))
	if event.AlertType == statsd.Error {
		fields["error"] = event.Text
	}
	s.logger.WithFields(fields).Log(level, event.Title)
}

func joinPrefixes(prefixes ...string) string {
	nonEmpty := []string{}
	for _, v := range prefixes {
		if v != "" {
			nonEmpty = append(nonEmpty, v)
		}
	}
	return strings.Join(nonEmpty, ".")
}

func mergeTags(tags []Tags) Tags {
	mergedTags := make(Tags, 0)
	for _, tagGroup := range tags {
		if tagGroup == nil {
			continue
		}
		for k, v := range tagGroup {
			if v == nil {
				continue
			}
			mergedTags[k] = v
		}
	}
	return mergedTags
}

func convertTags(tags Tags) []string {
	var newTags []string
	for k, v := range tags {
		newTags = append(newTags, fmt.Sprintf("%s:%v", k, v))
	}
	return newTags
}
