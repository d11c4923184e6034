package intake

import (
	"context"
)

// Handler 处理一条信封负载。返回错误表示处理被运维性地中断(例如
// 进程停机),队列实现应将消息重新投递;业务性的终态由编排层吸收,
// 不通过错误表达。
type Handler func(ctx context.Context, payload []byte) error

// Producer 负责向队列投递信封。
type Producer interface {
	Publish(ctx context.Context, payload []byte) error
	Close() error
}

// Consumer 负责从队列中消费信封。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}
