package scheduler

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/livinlefevreloca/digestd/internal/db/dbtest"
	"github.com/livinlefevreloca/digestd/internal/report"
	"github.com/livinlefevreloca/digestd/internal/testutil"
)

// =============================================================================
// Benchmark Tests
// =============================================================================

// BenchmarkTick_100 measures a tick over 100 configurations, none due.
func BenchmarkTick_100(b *testing.B) {
	benchmarkTick(b, 100)
}

// BenchmarkTick_1000 measures a tick over 1000 configurations, none due.
func BenchmarkTick_1000(b *testing.B) {
	benchmarkTick(b, 1000)
}

func benchmarkTick(b *testing.B, count int) {
	target := report.Target{ID: "t", URL: "https://hooks.example.com/x", Channel: report.ChannelGeneric}
	configs := make([]report.Configuration, count)
	zones := []string{"America/New_York", "Europe/Berlin", "Asia/Tokyo", "UTC"}
	for i := range configs {
		cfg := dbtest.MakeConfiguration(fmt.Sprintf("cfg-%d", i), target)
		cfg.Timezone = zones[i%len(zones)]
		cfg.Schedule = fmt.Sprintf("%d 3 * * 0", i%60)
		configs[i] = *cfg
	}

	f := newFixture(b, testutil.NewMockProvider(), testConfig(), configs...)
	f.clock.Set(tuesday9am)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		f.scheduler.Tick(ctx)
	}
}

// BenchmarkInbox_SendDrain measures worker-to-loop message throughput.
func BenchmarkInbox_SendDrain(b *testing.B) {
	f := newFixture(b, testutil.NewMockProvider(), testConfig())
	msg := Message{Type: MsgRunFinished, Data: RunFinishedMsg{ConfigurationID: "cfg-1", State: "succeeded", FinishedAt: time.Now()}}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		f.scheduler.inbox.Send(msg)
		f.scheduler.inbox.Drain(f.scheduler.handleMessage)
	}
}
