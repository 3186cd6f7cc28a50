package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Scheduler управляет запуском периодических задач по cron-расписанию
type Scheduler struct {
	logger  *zap.Logger
	entries []entry
	byName  map[string]Job
}

// Job интерфейс для периодических задач
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

type entry struct {
	spec     string
	schedule cron.Schedule
	job      Job
}

// NewScheduler создает новый планировщик задач
func NewScheduler(logger *zap.Logger) *Scheduler {
	return &Scheduler{
		logger: logger,
		byName: make(map[string]Job),
	}
}

// AddJob добавляет задачу с расписанием в формате cron (5 полей или @every)
func (s *Scheduler) AddJob(spec string, job Job) error {
	if _, ok := s.byName[job.Name()]; ok {
		return fmt.Errorf("задача %s уже зарегистрирована", job.Name())
	}
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return fmt.Errorf("ошибка разбора расписания %q задачи %s: %w", spec, job.Name(), err)
	}
	s.entries = append(s.entries, entry{spec: spec, schedule: schedule, job: job})
	s.byName[job.Name()] = job
	return nil
}

// Start запускает планировщик и блокируется до отмены ctx.
// Запуск задачи пропускается, если предыдущий еще не завершен.
func (s *Scheduler) Start(ctx context.Context) {
	cl := cronLogger{s: s.logger.Sugar()}
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	for _, e := range s.entries {
		job := e.job
		c.Schedule(e.schedule, cron.FuncJob(func() { s.run(ctx, job) }))
	}

	s.logger.Info("запуск планировщика задач", zap.Int("jobs_count", len(s.entries)))
	c.Start()

	<-ctx.Done()
	s.logger.Info("остановка планировщика задач")
	<-c.Stop().Done()
}

// RunOnce синхронно выполняет задачу по имени
func (s *Scheduler) RunOnce(ctx context.Context, name string) error {
	job, ok := s.byName[name]
	if !ok {
		return fmt.Errorf("неизвестная задача %s", name)
	}
	return s.run(ctx, job)
}

// Jobs возвращает имена зарегистрированных задач
func (s *Scheduler) Jobs() []string {
	names := make([]string, 0, len(s.entries))
	for _, e := range s.entries {
		names = append(names, e.job.Name())
	}
	return names
}

func (s *Scheduler) run(ctx context.Context, job Job) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	started := time.Now()
	s.logger.Debug("запуск задачи", zap.String("job", job.Name()))

	if err := job.Run(ctx); err != nil {
		s.logger.Error("ошибка выполнения задачи",
			zap.Error(err),
			zap.String("job", job.Name()),
			zap.Duration("duration", time.Since(started)))
		return err
	}

	s.logger.Debug("задача выполнена",
		zap.String("job", job.Name()),
		zap.Duration("duration", time.Since(started)))
	return nil
}

// cronLogger направляет журнал cron в zap
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
