package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func Benchmark_Collector_RecordConsume(b *testing.B) {
	collector := NewCollector(testConfig(), prometheus.NewRegistry())

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		collector.RecordConsume("openai", "allowed")
	}
}

func Benchmark_Collector_RecordConsume_Parallel(b *testing.B) {
	collector := NewCollector(testConfig(), prometheus.NewRegistry())

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			collector.RecordConsume("openai", "allowed")
		}
	})
}

func Benchmark_Collector_Nil(b *testing.B) {
	var collector *Collector

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		collector.RecordConsume("openai", "allowed")
	}
}

func Benchmark_CardinalityLimiter_Allow(b *testing.B) {
	limiter := NewCardinalityLimiter(10000)
	limiter.Allow("openai")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		limiter.Allow("openai")
	}
}
