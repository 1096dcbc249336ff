package device

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"
)

const defaultTZ = "Europe/Rome"

var ErrBudgetExhausted = errors.New("daily dispense budget exhausted")

// DailyBudget counts dispenses per local day. A limit of 0 means unlimited.
type DailyBudget struct {
	mu    sync.Mutex
	limit int
	loc   *time.Location
	day   time.Time // mezzanotte locale del giorno corrente
	used  int
	now   func() time.Time
}

func NewDailyBudget(limit int, loc *time.Location) *DailyBudget {
	if loc == nil {
		loc = time.Local
	}
	if limit < 0 {
		limit = 0
	}
	return &DailyBudget{limit: limit, loc: loc, now: time.Now}
}

// LoadLocation resolves a TZ name, falling back to defaultTZ and then to local.
func LoadLocation(tzName string) *time.Location {
	tzName = strings.TrimSpace(tzName)
	if tzName == "" {
		tzName = defaultTZ
	}
	loc, err := time.LoadLocation(tzName)
	if err != nil {
		log.Printf("WARN: invalid TZ=%q, falling back to local: %v", tzName, err)
		return time.Local
	}
	return loc
}

// Take consumes one dispense from today's budget.
func (b *DailyBudget) Take() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollover()
	if b.limit > 0 && b.used >= b.limit {
		return fmt.Errorf("%w (%d/%d on %s)", ErrBudgetExhausted, b.used, b.limit, b.day.Format("2006-01-02"))
	}
	b.used++
	if b.limit > 0 {
		log.Printf("budget: day=%s used=%d/%d", b.day.Format("2006-01-02"), b.used, b.limit)
	}
	return nil
}

// Usage returns the dispenses counted today and the limit.
func (b *DailyBudget) Usage() (used, limit int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollover()
	return b.used, b.limit
}

func (b *DailyBudget) rollover() {
	today := midnightLocal(b.now(), b.loc)
	if !b.day.Equal(today) {
		b.day = today
		b.used = 0
	}
}

func midnightLocal(t time.Time, loc *time.Location) time.Time {
	lt := t.In(loc)
	return time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, loc)
}
