package expressions

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/load"
)

// loadAvg caches the system load average so rules can steer towards cheaper
// challenge kinds while the host is busy.
type loadAvg struct {
	lock sync.RWMutex
	data load.AvgStat
}

func (l *loadAvg) updateThread(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	l.update()

	for {
		select {
		case <-ticker.C:
			l.update()
		case <-ctx.Done():
			return
		}
	}
}

func (l *loadAvg) update() {
	data, err := load.Avg()
	if err != nil {
		slog.Debug("can't get load average", "err", err)
		return
	}

	l.lock.Lock()
	defer l.lock.Unlock()
	l.data = *data
}

var (
	globalLoadAvg *loadAvg
)

func init() {
	globalLoadAvg = &loadAvg{}
	go globalLoadAvg.updateThread(context.Background())
}

func Load1() float64 {
	globalLoadAvg.lock.RLock()
	defer globalLoadAvg.lock.RUnlock()
	return globalLoadAvg.data.Load1
}

func Load5() float64 {
	globalLoadAvg.lock.RLock()
	defer globalLoadAvg.lock.RUnlock()
	return globalLoadAvg.data.Load5
}

func Load15() float64 {
	globalLoadAvg.lock.RLock()
	defer globalLoadAvg.lock.RUnlock()
	return globalLoadAvg.data.Load15
}
