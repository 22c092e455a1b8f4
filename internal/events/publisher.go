package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"almacen/internal/domain"
)

// Типы событий жизненного цикла тикета
const (
	TicketCreated   = "ticket.created"
	TicketDelivered = "ticket.delivered"
	TicketReturned  = "ticket.returned"
	TicketCancelled = "ticket.cancelled"
)

// Event событие по тикету
type Event struct {
	Type     string
	TicketID int64
	Number   string
	Status   domain.TicketStatus
	ActorID  domain.UserID
	Units    int64
	At       time.Time
}

// Publisher публикует события после фиксации изменений
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// RedisPublisher пишет события в Redis Stream
type RedisPublisher struct {
	rdb    *redis.Client
	stream string
}

func NewRedisPublisher(rdb *redis.Client, stream string) *RedisPublisher {
	return &RedisPublisher{rdb: rdb, stream: stream}
}

func (p *RedisPublisher) Publish(ctx context.Context, e Event) error {
	return p.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		Values: e.fields(),
	}).Err()
}

// fields в фиксированном порядке, чтобы запись в стриме была стабильной
func (e Event) fields() []interface{} {
	return []interface{}{
		"event", e.Type,
		"ticket_id", e.TicketID,
		"numero", e.Number,
		"estado", string(e.Status),
		"actor_id", int64(e.ActorID),
		"unidades", e.Units,
		"created_at", e.At.UTC().Format(time.RFC3339),
	}
}

// Connect разбирает redis:// или rediss:// URL и проверяет соединение
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return rdb, nil
}

// LogPublisher используется, когда Redis не настроен
type LogPublisher struct {
	log *slog.Logger
}

func NewLogPublisher(log *slog.Logger) *LogPublisher {
	return &LogPublisher{log: log}
}

func (p *LogPublisher) Publish(ctx context.Context, e Event) error {
	p.log.LogAttrs(ctx, slog.LevelDebug, "ticket event",
		slog.String("event", e.Type),
		slog.Int64("ticket_id", e.TicketID),
		slog.String("numero", e.Number),
		slog.String("estado", string(e.Status)),
		slog.Int64("unidades", e.Units),
	)
	return nil
}
