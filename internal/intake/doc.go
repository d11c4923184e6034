// Package intake 承接上游计划构建方投来的执行信封:信封自含完整计划,
// 经由内存、Redis 或 RabbitMQ 队列进入工作协程池,解码后交给编排层。
// 队列语义是至少一次投递,处理器用进行中去重挡住并发重复。
package intake
