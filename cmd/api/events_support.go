package main

import (
	"database/sql"

	"github.com/rs/zerolog/log"

	"github.com/yourusername/gatekeep/internal/config"
	"github.com/yourusername/gatekeep/internal/events"
)

// eventSink は認証イベントの書き込み先と読み出し元をまとめたものです。
type eventSink struct {
	publisher events.Publisher
	reader    events.Reader
	shutdown  func()
}

// setupEvents は認証イベントの配線を行います。
// 無効化されている場合はイベントを捨てつつ、履歴の読み出しだけは SQLite から行います。
func setupEvents(cfg *config.Config, db *sql.DB) (*eventSink, error) {
	store := events.NewStore(db)
	if !cfg.EventsEnabled {
		log.Info().Msg("auth events disabled")
		return &eventSink{publisher: events.Nop{}, reader: store, shutdown: func() {}}, nil
	}

	manager, err := events.NewManager(cfg.QueueRedisURL, store, cfg.EventsRetention)
	if err != nil {
		return nil, err
	}
	if err := manager.StartWorkers(); err != nil {
		manager.Shutdown()
		return nil, err
	}
	return &eventSink{publisher: manager, reader: manager, shutdown: manager.Shutdown}, nil
}
