package collector

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pkosek/solis-ginlong-local-monitor/internal/inverter"
	"github.com/pkosek/solis-ginlong-local-monitor/internal/models"
)

// scriptedReader returns one scripted result per poll, then blocks until the
// context is cancelled.
type scriptedReader struct {
	mu      sync.Mutex
	results []func() (models.Fields, error)
	calls   int
}

func (r *scriptedReader) Read(ctx context.Context) (models.Fields, error) {
	r.mu.Lock()
	if r.calls < len(r.results) {
		next := r.results[r.calls]
		r.calls++
		r.mu.Unlock()
		return next()
	}
	r.mu.Unlock()
	<-ctx.Done()
	return nil, ctx.Err()
}

func (r *scriptedReader) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

// recordingRepo captures inserted readings.
type recordingRepo struct {
	mu        sync.Mutex
	inserted  []models.Reading
	insertErr error
}

func (s *recordingRepo) Insert(_ context.Context, r models.Reading) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return s.insertErr
	}
	s.inserted = append(s.inserted, r)
	return nil
}

func (s *recordingRepo) ReadRange(context.Context, time.Time, time.Time) ([]models.Reading, error) {
	return nil, nil
}
func (s *recordingRepo) ReadLatest(context.Context) (*models.Reading, error) { return nil, nil }
func (s *recordingRepo) Checkpoint(context.Context) error                    { return nil }
func (s *recordingRepo) Close() error                                        { return nil }

func (s *recordingRepo) readings() []models.Reading {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Reading{}, s.inserted...)
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func ok(fields models.Fields) func() (models.Fields, error) {
	return func() (models.Fields, error) { return fields, nil }
}

func fail(err error) func() (models.Fields, error) {
	return func() (models.Fields, error) { return nil, err }
}

func runUntilPolled(t *testing.T, c *Collector, reader *scriptedReader, polls int) error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool {
		return reader.callCount() >= polls
	}, 2*time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("collector did not stop after cancel")
		return nil
	}
}

func TestSuccessfulPollAppendsExactlyOneReading(t *testing.T) {
	reader := &scriptedReader{results: []func() (models.Fields, error){
		ok(models.Fields{models.FieldPowerW: 1500, models.FieldDailyEnergyKWH: 4.2}),
	}}
	repo := &recordingRepo{}
	c := New(reader, repo, time.Millisecond, testLogger())

	err := runUntilPolled(t, c, reader, 1)
	require.NoError(t, err)

	readings := repo.readings()
	require.Len(t, readings, 1)
	r := readings[0]
	require.NotNil(t, r.PowerW)
	assert.Equal(t, 1500.0, *r.PowerW)
	require.NotNil(t, r.DailyEnergyKWH)
	assert.Equal(t, 4.2, *r.DailyEnergyKWH)
	// fields the device did not report stay absent
	assert.Nil(t, r.TemperatureC)
	assert.Nil(t, r.TotalEnergyKWH)
	assert.Equal(t, time.UTC, r.Timestamp.Location())
}

func TestFailedPollWritesNothing(t *testing.T) {
	commErr := &inverter.CommError{Addr: "192.168.1.20:8899", Op: "connect", Err: errors.New("connection refused")}
	reader := &scriptedReader{results: []func() (models.Fields, error){
		fail(commErr),
		ok(models.Fields{models.FieldPowerW: 800}),
		fail(commErr),
	}}
	repo := &recordingRepo{}
	c := New(reader, repo, time.Millisecond, testLogger())

	err := runUntilPolled(t, c, reader, 3)
	require.NoError(t, err)

	// one row per successful poll, zero rows for failed ones
	readings := repo.readings()
	require.Len(t, readings, 1)
	assert.Equal(t, 800.0, *readings[0].PowerW)
}

func TestFirstCycleFailureIsNotFatal(t *testing.T) {
	reader := &scriptedReader{results: []func() (models.Fields, error){
		fail(&inverter.CommError{Addr: "x", Op: "connect", Err: errors.New("no route to host")}),
		ok(models.Fields{models.FieldPowerW: 100}),
	}}
	repo := &recordingRepo{}
	c := New(reader, repo, time.Millisecond, testLogger())

	err := runUntilPolled(t, c, reader, 2)
	require.NoError(t, err)
	assert.Len(t, repo.readings(), 1)
}

func TestStoreFailureStopsTheLoop(t *testing.T) {
	reader := &scriptedReader{results: []func() (models.Fields, error){
		ok(models.Fields{models.FieldPowerW: 100}),
	}}
	repo := &recordingRepo{insertErr: errors.New("disk I/O error")}
	c := New(reader, repo, time.Millisecond, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := c.Run(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storing reading")
}

func TestOnStoredBroadcastsCommittedReadings(t *testing.T) {
	reader := &scriptedReader{results: []func() (models.Fields, error){
		ok(models.Fields{models.FieldPowerW: 1200}),
	}}
	repo := &recordingRepo{}
	c := New(reader, repo, time.Millisecond, testLogger())

	var mu sync.Mutex
	var seen []models.Reading
	c.OnStored = func(r models.Reading) {
		mu.Lock()
		seen = append(seen, r)
		mu.Unlock()
	}

	err := runUntilPolled(t, c, reader, 1)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 1)
	assert.Equal(t, 1200.0, *seen[0].PowerW)
}
