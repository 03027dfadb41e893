package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"Aurora-Operator/pkg/logger"
)

// AMQPConfig 描述把事件流镜像到 RabbitMQ 所需的参数。
type AMQPConfig struct {
	URL      string
	Exchange string
}

// AMQPMirror 将事件以 JSON 形式发布到 RabbitMQ 的 fanout 交换器，
// 供外部订阅方（仪表盘、日志管道）消费。发布失败只记录日志，
// 不影响进程内派发。
type AMQPMirror struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
	logger   *slog.Logger
}

// NewAMQPMirror 建立 RabbitMQ 连接并声明交换器。
func NewAMQPMirror(cfg AMQPConfig) (*AMQPMirror, error) {
	if cfg.URL == "" {
		return nil, errors.New("AMQP URL 不能为空")
	}
	exchange := cfg.Exchange
	if exchange == "" {
		exchange = "aurora.events"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("创建 RabbitMQ channel 失败: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "fanout", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("声明事件交换器失败: %w", err)
	}
	return &AMQPMirror{
		conn:     conn,
		ch:       ch,
		exchange: exchange,
		logger:   logger.Named("events.amqp"),
	}, nil
}

// Attach 把镜像挂到总线上，订阅全部事件类型。
func (m *AMQPMirror) Attach(bus *Bus) int {
	return bus.Subscribe(m.handle)
}

func (m *AMQPMirror) handle(ctx context.Context, event Event) {
	body, err := json.Marshal(event)
	if err != nil {
		m.logger.Error("事件序列化失败", slog.Any("error", err), slog.String("event_type", string(event.Type)))
		return
	}
	err = m.ch.PublishWithContext(ctx, m.exchange, string(event.Type), false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
	if err != nil {
		m.logger.Error("事件镜像发布失败", slog.Any("error", err), slog.String("event_type", string(event.Type)))
	}
}

// Close 关闭 RabbitMQ 连接。
func (m *AMQPMirror) Close() error {
	if m == nil {
		return nil
	}
	if m.ch != nil {
		_ = m.ch.Close()
	}
	if m.conn != nil {
		return m.conn.Close()
	}
	return nil
}
