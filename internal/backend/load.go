package backend

import (
	"sync"
	"time"
)

const ewmaAlpha = 0.2

// Load is the observed load of one instance address.
type Load struct {
	ActiveConnections int           `json:"activeConnections"`
	EWMAResponseTime  time.Duration `json:"ewmaResponseTime"`
}

type tracker struct {
	mutex sync.Mutex
	loads map[string]*load
}

type load struct {
	active  int
	ewma    time.Duration
	hasEWMA bool
}

func (t *tracker) get(address string) *load {
	l, ok := t.loads[address]
	if !ok {
		l = &load{}
		t.loads[address] = l
	}
	return l
}

func (t *tracker) begin(address string) {
	t.mutex.Lock()
	t.get(address).active++
	t.mutex.Unlock()
}

// end closes an attempt and folds its duration into the moving average.
func (t *tracker) end(address string, duration time.Duration) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	l := t.get(address)
	if l.active > 0 {
		l.active--
	}
	if !l.hasEWMA {
		l.ewma = duration
		l.hasEWMA = true
		return
	}
	//ewma = (1 - α) * ewma + α * latest
	l.ewma = time.Duration((1-ewmaAlpha)*float64(l.ewma) + ewmaAlpha*float64(duration))
}

func (t *tracker) load(address string) Load {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	l, ok := t.loads[address]
	if !ok {
		return Load{}
	}
	return Load{ActiveConnections: l.active, EWMAResponseTime: l.ewma}
}

// forget drops idle addresses that are not in keep.
func (t *tracker) forget(keep map[string]struct{}) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	for address, l := range t.loads {
		if _, ok := keep[address]; !ok && l.active == 0 {
			delete(t.loads, address)
		}
	}
}
