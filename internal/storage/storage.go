// Package storage defines the sinks the replay pipeline writes to.
package storage

import "leverswap/internal/model"

// Storage defines a sink for engine events.
type Storage interface {
	PutEventBatch(events []model.EngineEvent) error
}

// Multi fans one batch out to several sinks in order.
type Multi []Storage

func (m Multi) PutEventBatch(events []model.EngineEvent) error {
	for _, sink := range m {
		if err := sink.PutEventBatch(events); err != nil {
			return err
		}
	}
	return nil
}
