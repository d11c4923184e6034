// Package config 负责加载 blossomd 的 JSON 主配置:链接入、策略参数、
// 提交轮询、信封队列、台账与观测出口。端点清单与熔断参数在独立的 YAML
// 文件里,由 internal/web3 解析。
package config
