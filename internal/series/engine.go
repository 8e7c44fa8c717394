// Package series answers time-windowed queries over the readings store.
//
// The engine holds no state of its own: every query re-reads from the store,
// so results always reflect the latest committed data. Aggregates (hourly,
// daily) are computed on read, never stored.
package series

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pkosek/solis-ginlong-local-monitor/internal/models"
	"github.com/pkosek/solis-ginlong-local-monitor/internal/storage"
)

var (
	// ErrInvalidRange is returned when a history request has start > end.
	ErrInvalidRange = errors.New("start date must not be after end date")

	// ErrInvalidPeriod is returned for an unknown stats period.
	ErrInvalidPeriod = errors.New("invalid period")

	// ErrInvalidDays is returned when a daily summary asks for a non-positive
	// number of days.
	ErrInvalidDays = errors.New("days must be positive")

	// ErrInvalidResolution is returned for a resolution the engine does not
	// know.
	ErrInvalidResolution = errors.New("invalid resolution")
)

// DateFormat is the wire format for history date parameters.
const DateFormat = "2006-01-02"

// IsValidationError reports whether err is a bad-parameter error the caller
// should surface as such, as opposed to a storage failure.
func IsValidationError(err error) bool {
	var parseErr *time.ParseError
	return errors.Is(err, ErrInvalidRange) ||
		errors.Is(err, ErrInvalidPeriod) ||
		errors.Is(err, ErrInvalidDays) ||
		errors.Is(err, ErrInvalidResolution) ||
		errors.As(err, &parseErr)
}

// Engine computes live, historical and aggregate views over a ReadingRepository.
type Engine struct {
	repo storage.ReadingRepository
	now  func() time.Time
}

// New creates an Engine reading from repo.
func New(repo storage.ReadingRepository) *Engine {
	return &Engine{repo: repo, now: time.Now}
}

// Live returns the most recent reading, or nil when the store is empty.
func (e *Engine) Live(ctx context.Context) (*models.Reading, error) {
	return e.repo.ReadLatest(ctx)
}

// Today returns all raw readings for the current UTC day, oldest first.
func (e *Engine) Today(ctx context.Context) ([]models.Reading, error) {
	now := e.now().UTC()
	return e.repo.ReadRange(ctx, startOfDay(now), now)
}

// History returns readings between two dates (whole UTC days, end inclusive)
// at the requested resolution. Hourly and daily rows are synthetic readings
// whose fields average the non-absent samples of the bucket; buckets with no
// samples are omitted.
func (e *Engine) History(ctx context.Context, startDate, endDate string, res models.Resolution) ([]models.Reading, error) {
	start, err := time.ParseInLocation(DateFormat, startDate, time.UTC)
	if err != nil {
		return nil, fmt.Errorf("invalid start date %q: %w", startDate, err)
	}
	end, err := time.ParseInLocation(DateFormat, endDate, time.UTC)
	if err != nil {
		return nil, fmt.Errorf("invalid end date %q: %w", endDate, err)
	}
	if start.After(end) {
		return nil, fmt.Errorf("%w: %s > %s", ErrInvalidRange, startDate, endDate)
	}

	// end date is inclusive through 23:59:59
	windowEnd := end.AddDate(0, 0, 1)

	switch res {
	case models.ResolutionRaw:
		return e.repo.ReadRange(ctx, start, windowEnd)
	case models.ResolutionHourly:
		readings, err := e.repo.ReadRange(ctx, start, windowEnd)
		if err != nil {
			return nil, err
		}
		return resample(readings, func(t time.Time) time.Time {
			return t.Truncate(time.Hour)
		}), nil
	case models.ResolutionDaily:
		return e.dailyHistory(ctx, start, windowEnd)
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidResolution, res)
	}
}

// DailySummary returns per-day generation for the most recent days UTC
// calendar days up to and including today, oldest first. Days with no stored
// readings report a nil energy.
func (e *Engine) DailySummary(ctx context.Context, days int) ([]models.DailyEnergy, error) {
	if days <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidDays, days)
	}

	today := startOfDay(e.now().UTC())
	first := today.AddDate(0, 0, -(days - 1))

	// One extra day before the window feeds the rollup's prior-day baseline.
	readings, err := e.repo.ReadRange(ctx, first.AddDate(0, 0, -1), today.AddDate(0, 0, 1))
	if err != nil {
		return nil, err
	}
	byDay := aggregateByDay(readings)

	summary := make([]models.DailyEnergy, 0, days)
	for day := first; !day.After(today); day = day.AddDate(0, 0, 1) {
		summary = append(summary, models.DailyEnergy{
			Date:      day.Format(DateFormat),
			EnergyKWH: rollupEnergy(byDay, day),
		})
	}
	return summary, nil
}

// Stats computes min/max/avg per field over a named period. Fields aggregate
// independently: a reading missing one field still contributes its others.
// Fields absent from every reading in the period are omitted from the result.
func (e *Engine) Stats(ctx context.Context, period string) (map[string]models.FieldStats, error) {
	now := e.now().UTC()

	var start time.Time
	switch period {
	case "today":
		start = startOfDay(now)
	case "7d":
		start = startOfDay(now).AddDate(0, 0, -6)
	case "30d":
		start = startOfDay(now).AddDate(0, 0, -29)
	case "all":
		start = time.Unix(0, 0).UTC()
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidPeriod, period)
	}

	readings, err := e.repo.ReadRange(ctx, start, now)
	if err != nil {
		return nil, err
	}

	stats := make(map[string]models.FieldStats)
	for _, r := range readings {
		for name, value := range fieldValues(r) {
			if value == nil {
				continue
			}
			s, ok := stats[name]
			if !ok {
				s = models.FieldStats{Min: *value, Max: *value}
			}
			if *value < s.Min {
				s.Min = *value
			}
			if *value > s.Max {
				s.Max = *value
			}
			s.Avg += *value // running sum until the final divide
			s.Count++
			stats[name] = s
		}
	}
	for name, s := range stats {
		s.Avg /= float64(s.Count)
		stats[name] = s
	}
	return stats, nil
}

// dailyHistory emits one synthetic reading per UTC day: instantaneous fields
// averaged, DailyEnergyKWH replaced by the rollup energy for the day.
func (e *Engine) dailyHistory(ctx context.Context, start, windowEnd time.Time) ([]models.Reading, error) {
	// Extra leading day for the rollup baseline; it is not emitted.
	readings, err := e.repo.ReadRange(ctx, start.AddDate(0, 0, -1), windowEnd)
	if err != nil {
		return nil, err
	}
	byDay := aggregateByDay(readings)

	emitted := resample(filterFrom(readings, start), startOfDay)
	for i := range emitted {
		emitted[i].DailyEnergyKWH = rollupEnergy(byDay, emitted[i].Timestamp)
		// cumulative counters don't average; report the day's closing total
		if agg, ok := byDay[emitted[i].Timestamp]; ok {
			emitted[i].TotalEnergyKWH = agg.lastTotal
		}
	}
	return emitted, nil
}

func startOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func filterFrom(readings []models.Reading, start time.Time) []models.Reading {
	for i, r := range readings {
		if !r.Timestamp.Before(start) {
			return readings[i:]
		}
	}
	return nil
}

// fieldValues maps field names to the reading's (possibly nil) values.
func fieldValues(r models.Reading) map[string]*float64 {
	return map[string]*float64{
		models.FieldPowerW:          r.PowerW,
		models.FieldPVVoltageV:      r.PVVoltageV,
		models.FieldPVCurrentA:      r.PVCurrentA,
		models.FieldGridVoltageV:    r.GridVoltageV,
		models.FieldGridFrequencyHz: r.GridFrequencyHz,
		models.FieldTemperatureC:    r.TemperatureC,
		models.FieldDailyEnergyKWH:  r.DailyEnergyKWH,
		models.FieldTotalEnergyKWH:  r.TotalEnergyKWH,
	}
}

// resample partitions readings by the truncated timestamp and emits one
// synthetic reading per bucket, fields averaged over their non-absent values.
// The input must be sorted by timestamp; the output preserves that order.
func resample(readings []models.Reading, truncate func(time.Time) time.Time) []models.Reading {
	type bucket struct {
		sums   map[string]float64
		counts map[string]int
	}

	var order []time.Time
	buckets := make(map[time.Time]*bucket)
	for _, r := range readings {
		key := truncate(r.Timestamp)
		b, ok := buckets[key]
		if !ok {
			b = &bucket{sums: make(map[string]float64), counts: make(map[string]int)}
			buckets[key] = b
			order = append(order, key)
		}
		for name, value := range fieldValues(r) {
			if value == nil {
				continue
			}
			b.sums[name] += *value
			b.counts[name]++
		}
	}

	out := make([]models.Reading, 0, len(order))
	for _, key := range order {
		b := buckets[key]
		fields := make(models.Fields, len(b.sums))
		for name, sum := range b.sums {
			fields[name] = sum / float64(b.counts[name])
		}
		out = append(out, models.NewReading(key, fields))
	}
	return out
}

// dayAggregate carries the per-day inputs of the rollup rule.
type dayAggregate struct {
	lastDaily *float64 // last non-absent daily_energy_kwh of the day
	maxTotal  *float64 // highest total_energy_kwh seen during the day
	lastTotal *float64 // last non-absent total_energy_kwh of the day
}

func aggregateByDay(readings []models.Reading) map[time.Time]*dayAggregate {
	byDay := make(map[time.Time]*dayAggregate)
	for _, r := range readings {
		key := startOfDay(r.Timestamp)
		agg, ok := byDay[key]
		if !ok {
			agg = &dayAggregate{}
			byDay[key] = agg
		}
		if r.DailyEnergyKWH != nil {
			agg.lastDaily = r.DailyEnergyKWH
		}
		if r.TotalEnergyKWH != nil {
			agg.lastTotal = r.TotalEnergyKWH
			if agg.maxTotal == nil || *r.TotalEnergyKWH > *agg.maxTotal {
				agg.maxTotal = r.TotalEnergyKWH
			}
		}
	}
	return byDay
}

// rollupEnergy derives a day's generated energy. The inverter reports a
// cumulative per-day counter, so the day's energy is its last value. When the
// counter is absent the lifetime counter stands in: max(total) minus the prior
// day's closing total. Without a prior-day baseline the result is absent
// rather than a misleading lifetime figure.
func rollupEnergy(byDay map[time.Time]*dayAggregate, day time.Time) *float64 {
	day = startOfDay(day)
	agg, ok := byDay[day]
	if !ok {
		return nil
	}
	if agg.lastDaily != nil {
		return agg.lastDaily
	}
	if agg.maxTotal == nil {
		return nil
	}
	prior, ok := byDay[day.AddDate(0, 0, -1)]
	if !ok || prior.lastTotal == nil {
		return nil
	}
	energy := *agg.maxTotal - *prior.lastTotal
	return &energy
}
