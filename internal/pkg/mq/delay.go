// internal/pkg/mq/delay.go
package mq

import (
	"sort"
	"time"
)

// HeaderRealTopic 标记延迟消息到期后应投递的真实主题
const HeaderRealTopic = "real-topic"

// DelayLevels 定义支持的延迟级别和对应的主题。
// 延迟调度器为每个级别维护一个独立的轮询器。
var DelayLevels = map[string]time.Duration{
	"sankey_delay_30s": 30 * time.Second,
	"sankey_delay_5m":  5 * time.Minute,
	"sankey_delay_30m": 30 * time.Minute,
}

// DelayTopicFor 选出能覆盖请求时长的最小延迟级别。
// 超出最大级别时落在最大级别上（宁可早到期，由消费方自行守门）。
func DelayTopicFor(delay time.Duration) string {
	type level struct {
		topic string
		d     time.Duration
	}
	levels := make([]level, 0, len(DelayLevels))
	for topic, d := range DelayLevels {
		levels = append(levels, level{topic, d})
	}
	sort.Slice(levels, func(i, j int) bool { return levels[i].d < levels[j].d })

	for _, l := range levels {
		if l.d >= delay {
			return l.topic
		}
	}
	return levels[len(levels)-1].topic
}
