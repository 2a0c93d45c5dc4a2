// Package metrics receives the scalar time series and sample images a training run
// publishes. Sink failures are never fatal: Multi logs them and carries on.
package metrics

import (
	log "github.com/sirupsen/logrus"
)

// Sink receives metrics keyed by global step.
type Sink interface {
	Scalar(name string, step int64, value float64) error
	// Images receives flat CHW images.
	Images(name string, step int64, images [][]float64) error
}

// Multi fans out to every sink and logs failures instead of returning them.
type Multi struct {
	sinks []Sink
}

func NewMulti(sinks ...Sink) *Multi {
	m := &Multi{}
	for _, s := range sinks {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
	return m
}

func (m *Multi) Scalar(name string, step int64, value float64) error {
	for _, s := range m.sinks {
		if err := s.Scalar(name, step, value); err != nil {
			log.WithError(err).WithFields(log.Fields{"metric": name, "step": step}).Warn("Metrics sink failed")
		}
	}
	return nil
}

func (m *Multi) Images(name string, step int64, images [][]float64) error {
	for _, s := range m.sinks {
		if err := s.Images(name, step, images); err != nil {
			log.WithError(err).WithFields(log.Fields{"metric": name, "step": step}).Warn("Metrics sink failed")
		}
	}
	return nil
}

// LogSink writes every scalar as a structured log entry.
type LogSink struct{}

func (LogSink) Scalar(name string, step int64, value float64) error {
	log.WithFields(log.Fields{"metric": name, "step": step, "value": value}).Debug("Metric")
	return nil
}

func (LogSink) Images(name string, step int64, images [][]float64) error {
	log.WithFields(log.Fields{"metric": name, "step": step, "images": len(images)}).Debug("Images")
	return nil
}
