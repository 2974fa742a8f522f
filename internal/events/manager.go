package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog/log"
)

const (
	taskTypeRecord = "auth:event"
	taskTypePurge  = "auth:purge"
	queueName      = "auth"
)

// Manager は認証イベントを Asynq に投入し、ワーカー側で Store に保存します。
type Manager struct {
	client    *asynq.Client
	server    *asynq.Server
	scheduler *asynq.Scheduler
	mux       *asynq.ServeMux
	store     *Store
	retention time.Duration
}

// NewManager は Manager を初期化します。
func NewManager(redisURL string, store *Store, retention time.Duration) (*Manager, error) {
	if store == nil {
		return nil, errors.New("store is nil")
	}
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	server := asynq.NewServer(
		opt,
		asynq.Config{
			Concurrency: 2,
			Queues: map[string]int{
				queueName: 1,
			},
		},
	)

	mux := asynq.NewServeMux()
	manager := &Manager{
		client:    asynq.NewClient(opt),
		server:    server,
		scheduler: asynq.NewScheduler(opt, nil),
		mux:       mux,
		store:     store,
		retention: retention,
	}
	mux.HandleFunc(taskTypeRecord, manager.handleRecordTask)
	mux.HandleFunc(taskTypePurge, manager.handlePurgeTask)
	return manager, nil
}

// StartWorkers は Asynq サーバーと定期削除のスケジューラをバックグラウンドで起動します。
func (m *Manager) StartWorkers() error {
	if m.retention > 0 {
		if _, err := m.scheduler.Register("@daily", asynq.NewTask(taskTypePurge, nil), asynq.Queue(queueName)); err != nil {
			return fmt.Errorf("register purge task: %w", err)
		}
		if err := m.scheduler.Start(); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
	}

	go func() {
		if err := m.server.Run(m.mux); err != nil && !errors.Is(err, asynq.ErrServerClosed) {
			log.Error().Err(err).Msg("asynq server stopped with error")
		}
	}()
	return nil
}

// Shutdown はサーバー・スケジューラ・クライアントを閉じます。
func (m *Manager) Shutdown() {
	if m.retention > 0 {
		m.scheduler.Shutdown()
	}
	m.server.Shutdown()
	_ = m.client.Close()
}

// Publish はイベントをキューに投入します。失敗はログに残すだけです。
func (m *Manager) Publish(ctx context.Context, event Event) {
	task, err := newRecordTask(event)
	if err != nil {
		log.Error().Err(err).Str("kind", string(event.Kind)).Msg("failed to encode auth event")
		return
	}
	if _, err := m.client.EnqueueContext(ctx, task, asynq.MaxRetry(3)); err != nil {
		log.Warn().Err(err).Str("kind", string(event.Kind)).Str("username", event.Username).
			Msg("failed to enqueue auth event")
	}
}

// Recent は Store から最近のイベントを返します。
func (m *Manager) Recent(ctx context.Context, username string, limit int) ([]Event, error) {
	return m.store.Recent(ctx, username, limit)
}

// newRecordTask はイベントをタスクに変換します。
// ID はここで確定させ、リトライで二重に保存されないようにします。
func newRecordTask(event Event) (*asynq.Task, error) {
	if event.Kind == "" {
		return nil, fmt.Errorf("event kind is required")
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	body, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskTypeRecord, body, asynq.Queue(queueName)), nil
}

func (m *Manager) handleRecordTask(ctx context.Context, task *asynq.Task) error {
	var event Event
	if err := json.Unmarshal(task.Payload(), &event); err != nil {
		// 壊れたペイロードはリトライしても直らない
		return fmt.Errorf("decode auth event: %v: %w", err, asynq.SkipRetry)
	}
	return m.store.Insert(ctx, &event)
}

func (m *Manager) handlePurgeTask(ctx context.Context, _ *asynq.Task) error {
	cutoff := time.Now().Add(-m.retention)
	n, err := m.store.PurgeBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	log.Info().Int64("deleted", n).Time("cutoff", cutoff).Msg("purged auth events")
	return nil
}
